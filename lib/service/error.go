// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ComponentError is returned by a handler constructor when one of
// its components (the SSH dialer, storage, the event log...) cannot
// start.
type ComponentError struct {
	Component string
	Err       error
}

func (ce *ComponentError) Error() string {
	return fmt.Sprintf("%s: %s", ce.Component, ce.Err)
}

func (ce *ComponentError) Unwrap() error { return ce.Err }

// ErrorHandler returns a Handler that reports itself as unhealthy and
// responds 503 to all requests, naming the component that failed if
// err is or wraps a *ComponentError. ErrorHandler logs err once, and
// the handler logs it again for each incoming request.
func ErrorHandler(ctx context.Context, err error) Handler {
	component := "service"
	var ce *ComponentError
	if errors.As(err, &ce) {
		component = ce.Component
	}
	logger := ctxlog.FromContext(ctx).WithField("Component", component)
	logger.WithError(err).Error("service failed to start")
	return errorHandler{err: err, component: component, logger: logger}
}

type errorHandler struct {
	err       error
	component string
	logger    logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("request to failed service")
	httpserver.Error(w, eh.component+" failed to start", http.StatusServiceUnavailable)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel, since the service never ran.
func (eh errorHandler) Done() <-chan struct{} {
	return doneChannel
}

var doneChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
