// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// IDGenerator returns unique, increasing base-36 ids with a fixed
// prefix. It is safe for concurrent use.
type IDGenerator struct {
	Prefix string

	lastID int64
	mtx    sync.Mutex
}

// Next returns a new id.
func (g *IDGenerator) Next() string {
	id := time.Now().UnixNano()
	g.mtx.Lock()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	g.mtx.Unlock()
	return g.Prefix + strconv.FormatInt(id, 36)
}

// Request ids supplied by clients end up in log lines next to job
// ids, so only short ids of the same shape are passed through.
var clientRequestIDRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// AddRequestIDs wraps an http.Handler so every request carries an
// X-Request-Id header, which is echoed in the response. A missing or
// malformed client-supplied id is replaced with a generated one.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !clientRequestIDRegexp.MatchString(req.Header.Get("X-Request-Id")) {
			req.Header.Set("X-Request-Id", gen.Next())
		}
		w.Header().Set("X-Request-Id", req.Header.Get("X-Request-Id"))
		h.ServeHTTP(w, req)
	})
}
