// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MetricsSuite{})

type MetricsSuite struct{}

func (s *MetricsSuite) TestServeAPI(c *check.C) {
	reg := prometheus.NewRegistry()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	m := Instrument(reg, nil, next)
	h := m.ServeAPI("secret", m)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/anything", nil))
	c.Check(resp.Code, check.Equals, http.StatusTeapot)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(strings.Contains(resp.Body.String(), `slurmbridge_http_request_duration_seconds_count{code="418",method="get"} 1`), check.Equals, true)
}

func (s *MetricsSuite) TestDeadline(c *check.C) {
	var expired bool
	h := HandlerWithDeadline(time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		expired = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	c.Check(expired, check.Equals, true)
}

func (s *MetricsSuite) TestServerStartClose(c *check.C) {
	srv := &Server{
		Server: http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hi"))
		})},
		Addr: "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(strings.HasSuffix(srv.Addr, ":0"), check.Equals, false)
	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(srv.Close(), check.IsNil)
}
