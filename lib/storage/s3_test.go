// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&S3Suite{})

// fakeS3 serves just enough of the S3 API (path-style HEAD, GET and
// single-part PUT) for the storage backend.
type fakeS3 struct {
	mtx     sync.Mutex
	objects map[string][]byte
	denied  string
}

func (fs *fakeS3) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if fs.denied != "" && strings.HasPrefix(req.URL.Path, fs.denied) {
		fs.error(w, req, http.StatusForbidden, "AccessDenied")
		return
	}
	switch req.Method {
	case http.MethodPut:
		buf, err := io.ReadAll(req.Body)
		if err != nil {
			fs.error(w, req, http.StatusBadRequest, "IncompleteBody")
			return
		}
		fs.objects[req.URL.Path] = buf
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		buf, ok := fs.objects[req.URL.Path]
		if !ok {
			fs.error(w, req, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(buf)))
		w.Header().Set("Last-Modified", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if req.Method == http.MethodGet {
			w.Write(buf)
		}
	default:
		fs.error(w, req, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (fs *fakeS3) error(w http.ResponseWriter, req *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if req.Method != http.MethodHead {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>fake</Message></Error>`, code)
	}
}

type S3Suite struct {
	fake    *fakeS3
	srv     *httptest.Server
	factory *Factory
}

func (s *S3Suite) SetUpTest(c *check.C) {
	s.fake = &fakeS3{objects: map[string][]byte{}}
	s.srv = httptest.NewServer(s.fake)
	var cfg config.StorageConfig
	cfg.Driver = "s3"
	cfg.S3.Bucket = "bucket"
	cfg.S3.Region = "us-east-1"
	cfg.S3.Endpoint = s.srv.URL
	cfg.S3.AccessKeyID = "AKIAFAKE"
	cfg.S3.SecretAccessKey = "fakesecret"
	cfg.S3.UsePathStyle = true
	cfg.S3.Prefix = "home/"
	cfg.ClientCacheSize = 4
	var err error
	s.factory, err = NewFactory(context.Background(), cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
}

func (s *S3Suite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *S3Suite) TestRoundTrip(c *check.C) {
	ctx := context.Background()
	st, err := s.factory.For(ctx, jobs.Principal{Username: "alice"})
	c.Assert(err, check.IsNil)

	n, err := st.Write(ctx, "/alice/results/stdout.txt", strings.NewReader("job output\n"))
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(11))
	c.Check(string(s.fake.objects["/bucket/home/alice/results/stdout.txt"]), check.Equals, "job output\n")

	fi, err := st.Stat(ctx, "/alice/results/stdout.txt")
	c.Assert(err, check.IsNil)
	c.Check(fi.Size, check.Equals, int64(11))
	c.Check(fi.ModTime.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), check.Equals, true)

	rdr, err := st.Open(ctx, "/alice/results/stdout.txt")
	c.Assert(err, check.IsNil)
	buf, err := io.ReadAll(rdr)
	rdr.Close()
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "job output\n")
}

func (s *S3Suite) TestErrors(c *check.C) {
	ctx := context.Background()
	st, err := s.factory.For(ctx, jobs.Principal{Username: "alice"})
	c.Assert(err, check.IsNil)

	_, err = st.Stat(ctx, "/alice/missing")
	c.Check(errors.Is(err, ErrNotExist), check.Equals, true, check.Commentf("%v", err))
	_, err = st.Open(ctx, "/alice/missing")
	c.Check(errors.Is(err, ErrNotExist), check.Equals, true, check.Commentf("%v", err))

	s.fake.denied = "/bucket/home/alice/locked"
	_, err = st.Open(ctx, "/alice/locked/data.csv")
	c.Check(errors.Is(err, ErrAccessDenied), check.Equals, true, check.Commentf("%v", err))
}
