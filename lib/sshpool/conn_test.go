// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing/fstest"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/sshpool/sshtest"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConnSuite{})

type ConnSuite struct {
	server    *sshtest.Server
	clientKey ssh.Signer
	dial      DialFunc
	dir       string
}

func (s *ConnSuite) SetUpTest(c *check.C) {
	_, hostpriv := sshtest.GenerateKey(c)
	clientpub, clientpriv := sshtest.GenerateKey(c)
	s.server = &sshtest.Server{
		HostKey:        hostpriv,
		AuthorizedUser: "slurm",
		AuthorizedKeys: []ssh.PublicKey{clientpub},
		Exec: func(command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			switch {
			case command == "hostname":
				fmt.Fprintln(stdout, "login01")
				return 0
			case strings.HasPrefix(command, "false"):
				fmt.Fprintln(stderr, "nope")
				return 3
			default:
				fmt.Fprintf(stderr, "%s: command not found\n", command)
				return 127
			}
		},
	}
	c.Assert(s.server.Start(), check.IsNil)
	s.clientKey = clientpriv
	s.dial = SSHDialer(s.server.Address(), s.server.ClientConfig(clientpriv), 200*time.Millisecond, ctxlog.TestLogger(c))
	s.dir = c.MkDir()
}

func (s *ConnSuite) TearDownTest(c *check.C) {
	s.server.Close()
	s.server.DropConnections()
}

func (s *ConnSuite) TestExec(c *check.C) {
	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()

	res, err := conn.Exec(context.Background(), "hostname")
	c.Check(err, check.IsNil)
	c.Check(res.ExitCode, check.Equals, 0)
	c.Check(string(res.Stdout), check.Equals, "login01\n")

	res, err = conn.Exec(context.Background(), "false --verbose")
	c.Check(err, check.IsNil)
	c.Check(res.ExitCode, check.Equals, 3)
	c.Check(string(res.Stderr), check.Equals, "nope\n")
	c.Check(conn.Alive(context.Background()), check.Equals, true)
}

func (s *ConnSuite) TestExecChannelNeverCloses(c *check.C) {
	s.server.HoldOpen = true
	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()

	t0 := time.Now()
	res, err := conn.Exec(context.Background(), "hostname")
	c.Check(err, check.IsNil)
	c.Check(res.ExitCode, check.Equals, -1)
	c.Check(string(res.Stdout), check.Equals, "login01\n")
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *ConnSuite) TestPutGetStat(c *check.C) {
	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()

	dst := filepath.Join(s.dir, "projects", "job-1", "files", "data.csv")
	content := "a,b\n1,2\n"
	err = conn.Put(context.Background(), dst, strings.NewReader(content), int64(len(content)), 0640)
	c.Assert(err, check.IsNil)

	fi, err := os.Stat(dst)
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm(), check.Equals, os.FileMode(0640))
	c.Check(fi.Size(), check.Equals, int64(len(content)))

	fi, err = conn.Stat(context.Background(), dst)
	c.Assert(err, check.IsNil)
	c.Check(fi.Size(), check.Equals, int64(len(content)))

	var buf bytes.Buffer
	n, err := conn.Get(context.Background(), dst, &buf)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(len(content)))
	c.Check(buf.String(), check.Equals, content)

	_, err = conn.Get(context.Background(), filepath.Join(s.dir, "missing"), &buf)
	c.Check(os.IsNotExist(err), check.Equals, true, check.Commentf("%v", err))
}

func (s *ConnSuite) TestPutShortSource(c *check.C) {
	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()
	err = conn.Put(context.Background(), filepath.Join(s.dir, "short"), strings.NewReader("abc"), 10, 0644)
	c.Check(err, check.ErrorMatches, `.*short read from source \(3 of 10 bytes\)`)
}

func (s *ConnSuite) TestGlob(c *check.C) {
	files := s.dir + "/files"
	for _, name := range []string{"out/a.txt", "out/deep/b.txt", "c.log", "stdout.txt"} {
		c.Assert(os.MkdirAll(filepath.Dir(filepath.Join(files, name)), 0755), check.IsNil)
		c.Assert(os.WriteFile(filepath.Join(files, name), []byte("x"), 0644), check.IsNil)
	}
	c.Assert(os.WriteFile(s.dir+"/job.sh", []byte("#!/bin/sh"), 0644), check.IsNil)

	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()

	found, err := conn.Glob(context.Background(), files, "out/**/*.txt")
	c.Assert(err, check.IsNil)
	sort.Strings(found)
	c.Check(found, check.DeepEquals, []string{files + "/out/a.txt", files + "/out/deep/b.txt"})

	found, err = conn.Glob(context.Background(), files, "*.log")
	c.Assert(err, check.IsNil)
	c.Check(found, check.DeepEquals, []string{files + "/c.log"})

	found, err = conn.Glob(context.Background(), files, "../*.sh")
	c.Check(err, check.IsNil)
	c.Check(found, check.HasLen, 0)
}

func (s *ConnSuite) TestAliveAfterDisconnect(c *check.C) {
	conn, err := s.dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()
	c.Check(conn.Alive(context.Background()), check.Equals, true)
	s.server.DropConnections()
	deadline := time.Now().Add(5 * time.Second)
	for conn.Alive(context.Background()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(conn.Alive(context.Background()), check.Equals, false)
}

func (s *ConnSuite) TestPoolRedialsAfterDisconnect(c *check.C) {
	p := NewPool(ctxlog.TestLogger(c), prometheus.NewRegistry(), 1, s.dial)
	defer p.Close()
	var first Conn
	err := p.WithConnection(context.Background(), func(conn Conn) error {
		first = conn
		_, err := conn.Exec(context.Background(), "hostname")
		return err
	})
	c.Assert(err, check.IsNil)

	s.server.DropConnections()
	deadline := time.Now().Add(5 * time.Second)
	for first.Alive(context.Background()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	err = p.WithConnection(context.Background(), func(conn Conn) error {
		c.Check(conn, check.Not(check.Equals), first)
		res, err := conn.Exec(context.Background(), "hostname")
		c.Check(res.ExitCode, check.Equals, 0)
		return err
	})
	c.Check(err, check.IsNil)
	checkInvariant(c, p.Stats())
}

func (s *ConnSuite) TestGlobFSScope(c *check.C) {
	fsys := fstest.MapFS{
		"a.txt":       {Data: []byte("a")},
		"sub/b.txt":   {Data: []byte("b")},
		"sub/c.dat":   {Data: []byte("c")},
		"sub/d/e.txt": {Data: []byte("e")},
	}
	found, err := globFS(fsys, "/base/", "**/*.txt")
	c.Assert(err, check.IsNil)
	sort.Strings(found)
	c.Check(found, check.DeepEquals, []string{"/base/a.txt", "/base/sub/b.txt", "/base/sub/d/e.txt"})

	_, err = globFS(fsys, "/base", "sub/[")
	c.Check(err, check.ErrorMatches, `invalid glob pattern .*`)
}

func (s *ConnSuite) TestIsWithin(c *check.C) {
	for _, trial := range []struct {
		dir, p string
		ok     bool
	}{
		{"/home/u/projects/j/files", "/home/u/projects/j/files/a", true},
		{"/home/u/projects/j/files", "/home/u/projects/j/files/x/../a", true},
		{"/home/u/projects/j/files", "/home/u/projects/j/files/../job.sh", false},
		{"/home/u/projects/j/files", "/home/u/projects/j/files", false},
		{"/home/u/projects/j/files", "/home/u/projects/j/filesystem", false},
		{"/", "/etc", true},
	} {
		c.Check(isWithin(trial.dir, trial.p), check.Equals, trial.ok, check.Commentf("%+v", trial))
	}
}

// stallProxy forwards TCP connections to a backend. While stalled,
// it keeps connections open but discards everything it reads, like a
// peer that stopped responding.
type stallProxy struct {
	ln      net.Listener
	backend string
	stalled atomic.Bool
	mtx     sync.Mutex
	conns   []net.Conn
}

func startStallProxy(c *check.C, backend string) *stallProxy {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	sp := &stallProxy{ln: ln, backend: backend}
	go func() {
		for {
			down, err := ln.Accept()
			if err != nil {
				return
			}
			up, err := net.Dial("tcp", backend)
			if err != nil {
				down.Close()
				continue
			}
			sp.mtx.Lock()
			sp.conns = append(sp.conns, down, up)
			sp.mtx.Unlock()
			go sp.pipe(up, down)
			go sp.pipe(down, up)
		}
	}()
	return sp
}

func (sp *stallProxy) pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 && !sp.stalled.Load() {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			dst.Close()
			return
		}
	}
}

func (sp *stallProxy) Addr() string { return sp.ln.Addr().String() }

func (sp *stallProxy) Close() {
	sp.ln.Close()
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	for _, conn := range sp.conns {
		conn.Close()
	}
}

func (s *ConnSuite) stallingDialer(c *check.C, timeout time.Duration) (*stallProxy, DialFunc) {
	sp := startStallProxy(c, s.server.Address())
	cfg := s.server.ClientConfig(s.clientKey)
	cfg.Timeout = timeout
	return sp, SSHDialer(sp.Addr(), cfg, 200*time.Millisecond, ctxlog.TestLogger(c))
}

func (s *ConnSuite) TestAcquireGivesUpOnUnresponsivePeer(c *check.C) {
	sp, dial := s.stallingDialer(c, time.Minute)
	defer sp.Close()
	p := NewPool(ctxlog.TestLogger(c), prometheus.NewRegistry(), 1, dial)
	defer p.Close()
	err := p.WithConnection(context.Background(), func(conn Conn) error {
		_, err := conn.Exec(context.Background(), "hostname")
		return err
	})
	c.Assert(err, check.IsNil)

	sp.stalled.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err = p.Acquire(ctx)
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
	st := p.Stats()
	checkInvariant(c, st)
	c.Check(st.Permits, check.Equals, 1)
}

func (s *ConnSuite) TestKeepaliveTimeoutClosesConnection(c *check.C) {
	sp, dial := s.stallingDialer(c, 300*time.Millisecond)
	defer sp.Close()
	conn, err := dial(context.Background())
	c.Assert(err, check.IsNil)
	defer conn.Close()
	c.Check(conn.Alive(context.Background()), check.Equals, true)

	sp.stalled.Store(true)
	t0 := time.Now()
	c.Check(conn.Alive(context.Background()), check.Equals, false)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
	// Closed, so later checks don't wait again.
	c.Check(conn.Alive(context.Background()), check.Equals, false)

	// Redialing through the stalled proxy fails within the dial
	// timeout instead of hanging in the handshake, and the slot
	// comes back.
	p := NewPool(ctxlog.TestLogger(c), prometheus.NewRegistry(), 1, dial)
	defer p.Close()
	_, err = p.Acquire(context.Background())
	c.Check(err, check.ErrorMatches, `connecting: .*`)
	checkInvariant(c, p.Stats())

	sp.stalled.Store(false)
	err = p.WithConnection(context.Background(), func(conn Conn) error {
		res, err := conn.Exec(context.Background(), "hostname")
		c.Check(string(res.Stdout), check.Equals, "login01\n")
		return err
	})
	c.Check(err, check.IsNil)
}
