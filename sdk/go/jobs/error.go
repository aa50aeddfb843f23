// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a workflow failure.
type ErrorKind string

const (
	NotFound         ErrorKind = "NotFound"
	InvalidRequest   ErrorKind = "InvalidRequest"
	PermissionDenied ErrorKind = "PermissionDenied"
	Internal         ErrorKind = "Internal"
	Cancelled        ErrorKind = "Cancelled"
)

// HTTPStatus returns the status code a front end would use to report
// an error of this kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case InvalidRequest:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case Cancelled:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure carried by an UnsuccessfullyCompleted
// event. Message is meant for end users; it never contains a stack
// trace.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus implements the interface used by the management API to
// pick a response code.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Errorf returns an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as an *Error. Errors that are not already
// typed become Internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var je *Error
	if errors.As(err, &je) {
		return je
	}
	return &Error{Kind: Internal, Message: err.Error()}
}
