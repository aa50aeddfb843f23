// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks for the
// bridge's moving parts (connection pool, poller, event log).
package health

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// A request for "{Prefix}all" runs every check and reports each one
// under "checks".
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Management token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is the health check invoked by a request to
	// "{Prefix}foo". "ping" is added automatically if missing
	// and always reports healthy.
	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was authenticated and
	// served, even if the health check itself failed.
	Log func(*http.Request, error)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	routes := Routes{"ping": func() error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		fn := fn
		h.mux.Handle(prefix+name, h.authenticated(func(w http.ResponseWriter) error {
			return writeResult(w, fn())
		}))
	}
	h.mux.Handle(prefix+"all", h.authenticated(func(w http.ResponseWriter) error {
		return writeAll(w, routes)
	}))
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

type result struct {
	Health string            `json:"health"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]result `json:"checks,omitempty"`
}

func (h *Handler) authenticated(serve func(http.ResponseWriter) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		ah := r.Header.Get("Authorization")
		switch {
		case h.Token == "":
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
		case ah == "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
		case subtle.ConstantTimeCompare([]byte(ah), []byte("Bearer "+h.Token)) != 1:
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
		default:
			err = serve(w)
		}
	})
}

func writeResult(w http.ResponseWriter, checkErr error) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(toResult(checkErr))
}

func writeAll(w http.ResponseWriter, routes Routes) error {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	all := result{Health: "OK", Checks: map[string]result{}}
	for _, name := range names {
		res := toResult(routes[name]())
		if res.Health != "OK" {
			all.Health = "ERROR"
		}
		all.Checks[name] = res
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(all)
}

func toResult(err error) result {
	if err != nil {
		return result{Health: "ERROR", Error: err.Error()}
	}
	return result{Health: "OK"}
}
