// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics, and passes other requests through to
	// next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next       http.Handler
	exportProm http.Handler
}

// ServeHTTP implements http.Handler.
func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and passes other requests through to next.
//
// The given token must be supplied by a client in order to access
// the metrics endpoint. If it is empty, the endpoint is disabled.
//
// Typical example:
//
//	m := Instrument(...)
//	srv := http.Server{Handler: m.ServeAPI("secrettoken", m)}
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	plainMetrics := RequireToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if (req.Method == "GET" || req.Method == "HEAD") && req.URL.Path == "/metrics" {
			plainMetrics.ServeHTTP(w, req)
		} else {
			next.ServeHTTP(w, req)
		}
	})
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks request durations by
// status code and method.
//
// If registry is nil, a new registry is created.
//
// If logger is nil, logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger logrus.FieldLogger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "slurmbridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration)
	return &metrics{
		next: promhttp.InstrumentHandlerDuration(reqDuration, next),
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: errorLogger{logger},
		}),
	}
}

// errorLogger adapts a FieldLogger to promhttp.Logger.
type errorLogger struct {
	logrus.FieldLogger
}

func (l errorLogger) Println(v ...interface{}) {
	l.FieldLogger.Error(v...)
}
