// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/selfsigned"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

// freePort returns a localhost address that is probably not in use.
func freePort(c *check.C) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()
	return ln.Addr().String()
}

func (*Suite) TestCommand(c *check.C) {
	cf := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(cf, []byte("SSH: {Host: hpc.example}\nManagement: {Listen: \"127.0.0.1:0\", Token: abcde}\n"), 0600)
	c.Assert(err, check.IsNil)

	healthCheck := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command(func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(cfg.Management.Token, check.Equals, "abcde")
		c.Check(cfg.SSH.Host, check.Equals, "hpc.example")
		return &testHandler{ctx: ctx, healthCheck: healthCheck}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan bool)
	var stdin, stdout, stderr bytes.Buffer

	go func() {
		cmd.RunCommand("slurmbridge", []string{"-config", cf}, &stdin, &stdout, &stderr)
		close(done)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Error("command exited without health check")
	}
	cancel()
	<-done
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
}

func (*Suite) TestBadConfig(c *check.C) {
	cmd := Command(func(context.Context, *config.Config, *prometheus.Registry) Handler {
		c.Error("newHandler should not be called")
		return nil
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("slurmbridge", []string{"-config", "-"}, bytes.NewBufferString("SSH: {Host: \"\"}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*SSH.Host is empty.*`)
}

func (*Suite) TestUnhealthy(c *check.C) {
	cmd := Command(func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, errors.New("no cluster"))
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("slurmbridge", []string{"-config", "-"}, bytes.NewBufferString("SSH: {Host: hpc.example}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no cluster.*`)
}

func (*Suite) TestUnhealthyComponent(c *check.C) {
	var logbuf bytes.Buffer
	logger := ctxlog.New(&logbuf, "json", "info")
	ctx := ctxlog.Context(context.Background(), logger)
	err := fmt.Errorf("starting bridge: %w", &ComponentError{Component: "event log", Err: errors.New("connection refused")})
	h := ErrorHandler(ctx, err)
	c.Check(h.CheckHealth(), check.ErrorMatches, `starting bridge: event log: connection refused`)
	select {
	case <-h.Done():
	default:
		c.Error("Done channel is not closed")
	}

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/v1/jobs/job-1", nil))
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Matches, `(?s).*"event log failed to start".*`)
	c.Check(resp.Body.String(), check.Not(check.Matches), `(?s).*connection refused.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*"Component":"event log".*"msg":"service failed to start".*`)

	h = ErrorHandler(ctx, errors.New("no cluster"))
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Body.String(), check.Matches, `(?s).*"service failed to start".*`)
}

func (*Suite) TestHealthAndMetrics(c *check.C) {
	listen := freePort(c)
	stdin := bytes.NewBufferString("SSH: {Host: hpc.example}\nManagement: {Listen: \"" + listen + "\", Token: abcde}\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command(func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})}
	})
	cmd.(*command).ctx = ctx
	exited := make(chan bool)
	var stdout, stderr bytes.Buffer
	go func() {
		cmd.RunCommand("slurmbridge", []string{"-config", "-"}, stdin, &stdout, &stderr)
		close(exited)
	}()
	defer func() {
		cancel()
		<-exited
	}()

	get := func(path, token string) (int, string) {
		for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
			req, _ := http.NewRequest("GET", "http://"+listen+path, nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return resp.StatusCode, string(body)
		}
		c.Fatal("server did not come up")
		return 0, ""
	}
	code, body := get("/_health/ping", "abcde")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `(?ms).*"health":"OK".*`)
	code, _ = get("/_health/ping", "wrong")
	c.Check(code, check.Equals, http.StatusForbidden)
	code, body = get("/metrics", "abcde")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `(?ms).*slurmbridge_version_running\{version=".*"\} 1.*`)
	code, body = get("/other", "")
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, "ok")
}

func (*Suite) TestCertReload(c *check.C) {
	dir := c.MkDir()
	certFile, keyFile := filepath.Join(dir, "mgmt.pem"), filepath.Join(dir, "mgmt.key")
	gen := selfsigned.CertGenerator{Bits: 1024, Hosts: []string{"localhost"}}
	c.Assert(gen.WriteFiles(certFile, keyFile), check.IsNil)

	var logbuf bytes.Buffer
	cr := &certReloader{certFile: certFile, keyFile: keyFile, logger: ctxlog.New(&logbuf, "json", "info")}
	c.Assert(cr.reload(), check.IsNil)
	first, err := cr.getCertificate(nil)
	c.Assert(err, check.IsNil)
	c.Check(first.Leaf, check.NotNil)
	c.Check(logbuf.String(), check.Matches, `(?ms).*"msg":"loaded management API certificate".*`)

	// A certificate close to expiry is loaded with a warning.
	logbuf.Reset()
	gen.Validity = time.Hour
	c.Assert(gen.WriteFiles(certFile, keyFile), check.IsNil)
	c.Assert(cr.reload(), check.IsNil)
	second, _ := cr.getCertificate(nil)
	c.Check(second.Leaf.SerialNumber.Cmp(first.Leaf.SerialNumber), check.Not(check.Equals), 0)
	c.Check(logbuf.String(), check.Matches, `(?ms).*"level":"warning".*"msg":"management API certificate expires soon".*`)

	// A broken file leaves the current certificate in place.
	c.Assert(os.WriteFile(certFile, []byte("garbage"), 0600), check.IsNil)
	c.Check(cr.reload(), check.ErrorMatches, `loading management API certificate .*mgmt.pem: .*`)
	third, _ := cr.getCertificate(nil)
	c.Check(third, check.Equals, second)
}

func (*Suite) TestTLS(c *check.C) {
	dir := c.MkDir()
	certFile, keyFile := filepath.Join(dir, "self-signed.pem"), filepath.Join(dir, "self-signed.key")
	err := selfsigned.CertGenerator{Bits: 1024, Hosts: []string{"localhost", "127.0.0.1"}}.WriteFiles(certFile, keyFile)
	c.Assert(err, check.IsNil)

	listen := freePort(c)
	stdin := bytes.NewBufferString(`
SSH: {Host: hpc.example}
Management:
  Listen: "` + listen + `"
  TLS:
    Certificate: ` + certFile + `
    Key: ` + keyFile + `
`)

	called := make(chan bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command(func(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
			close(called)
		})}
	})
	cmd.(*command).ctx = ctx

	exited := make(chan bool)
	var stdout, stderr bytes.Buffer
	go func() {
		cmd.RunCommand("slurmbridge", []string{"-config", "-"}, stdin, &stdout, &stderr)
		close(exited)
	}()
	got := make(chan bool)
	go func() {
		defer close(got)
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
		for range time.NewTicker(time.Millisecond).C {
			resp, err := client.Get("https://" + listen)
			if err != nil {
				c.Log(err)
				continue
			}
			body, err := io.ReadAll(resp.Body)
			c.Check(err, check.IsNil)
			c.Logf("status %d, body %s", resp.StatusCode, string(body))
			c.Check(resp.StatusCode, check.Equals, http.StatusOK)
			break
		}
	}()
	select {
	case <-called:
	case <-exited:
		c.Error("command exited without calling handler")
	case <-time.After(5 * time.Second):
		c.Error("timed out")
	}
	select {
	case <-got:
	case <-exited:
		c.Error("command exited before client received response")
	case <-time.After(5 * time.Second):
		c.Error("timed out")
	}
	cancel()
	<-exited
	c.Log(stderr.String())
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
}

func (th *testHandler) Done() <-chan struct{}                            { return nil }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
