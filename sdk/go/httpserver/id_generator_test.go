// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&IDSuite{})

type IDSuite struct{}

func (s *IDSuite) TestNextUnique(c *check.C) {
	gen := &IDGenerator{Prefix: "req-"}
	var mtx sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				id := gen.Next()
				mtx.Lock()
				c.Check(seen[id], check.Equals, false)
				seen[id] = true
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Check(seen, check.HasLen, 1000)
	for id := range seen {
		c.Check(id, check.Matches, `req-[0-9a-z]+`)
	}
}

func (s *IDSuite) TestClientRequestIDs(c *check.C) {
	var seen string
	h := AddRequestIDs(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Get("X-Request-Id")
	}))
	for _, trial := range []struct {
		header string
		keep   bool
	}{
		{"", false},
		{"portal-1234", true},
		{"trace:abc.def_9", true},
		{"id with spaces", false},
		{"job-1\nlevel=error msg=forged", false},
		{"-leading-dash", false},
		{strings.Repeat("a", 65), false},
	} {
		req := httptest.NewRequest("GET", "/v1/jobs", nil)
		if trial.header != "" {
			req.Header.Set("X-Request-Id", trial.header)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Header().Get("X-Request-Id"), check.Equals, seen)
		if trial.keep {
			c.Check(seen, check.Equals, trial.header)
		} else {
			c.Check(seen, check.Matches, `req-[0-9a-z]+`, check.Commentf("header %q", trial.header))
		}
	}
}
