// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of a remote command. ExitCode is -1 if
// the channel did not deliver an exit status before it was treated
// as closed.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Conn is one authenticated SSH connection to the cluster, with an
// SFTP subsystem for file transfer.
//
// A Conn is used by one workflow at a time.
type Conn interface {
	// Exec runs cmd in a new session and returns its output and
	// exit code. A non-zero exit code is not an error.
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	// Put writes size bytes from r to the remote file dst, creating
	// parent directories as needed.
	Put(ctx context.Context, dst string, r io.Reader, size int64, mode os.FileMode) error
	// Get copies the remote file src to w.
	Get(ctx context.Context, src string, w io.Writer) (int64, error)
	Stat(ctx context.Context, name string) (os.FileInfo, error)
	// Glob returns absolute paths of regular files under base
	// matching pattern (doublestar syntax, relative to base).
	// Matches that fall outside base are dropped.
	Glob(ctx context.Context, base, pattern string) ([]string, error)
	MkdirAll(ctx context.Context, dir string) error
	// Alive reports whether the transport is still usable. It
	// returns false without marking the connection dead if ctx is
	// done first.
	Alive(ctx context.Context) bool
	Close() error
}

// Keepalive reply deadline used when the dialer has no timeout.
const defaultKeepaliveTimeout = 30 * time.Second

type sshConn struct {
	client           *ssh.Client
	sftp             *sftp.Client
	closeTimeout     time.Duration
	keepaliveTimeout time.Duration
	logger           logrus.FieldLogger
	dead             int32
	closeOnce        sync.Once
}

func newConn(client *ssh.Client, closeTimeout, keepaliveTimeout time.Duration, logger logrus.FieldLogger) (*sshConn, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	if keepaliveTimeout <= 0 {
		keepaliveTimeout = defaultKeepaliveTimeout
	}
	conn := &sshConn{
		client:           client,
		sftp:             sc,
		closeTimeout:     closeTimeout,
		keepaliveTimeout: keepaliveTimeout,
		logger:           logger,
	}
	go func() {
		client.Wait()
		atomic.StoreInt32(&conn.dead, 1)
	}()
	return conn, nil
}

func (conn *sshConn) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	res := ExecResult{ExitCode: -1}
	session, err := conn.client.NewSession()
	if err != nil {
		return res, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	stdout, err := session.StdoutPipe()
	if err != nil {
		return res, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return res, err
	}
	if err := session.Start(cmd); err != nil {
		return res, fmt.Errorf("start %q: %w", cmd, err)
	}

	var outbuf, errbuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(&outbuf, stdout) }()
	go func() { defer wg.Done(); io.Copy(&errbuf, stderr) }()
	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return res, ctx.Err()
	}
	res.Stdout, res.Stderr = outbuf.Bytes(), errbuf.Bytes()

	// Output is drained. Give the channel a bounded amount of time
	// to deliver its exit status and close.
	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()
	timer := time.NewTimer(conn.closeTimeout)
	defer timer.Stop()
	select {
	case err = <-waited:
	case <-timer.C:
		conn.logger.WithField("Command", cmd).Warn("channel did not close after output was drained; treating as closed")
		return res, nil
	}
	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missingErr):
	default:
		return res, fmt.Errorf("wait %q: %w", cmd, err)
	}
	return res, nil
}

func (conn *sshConn) Put(ctx context.Context, dst string, r io.Reader, size int64, mode os.FileMode) error {
	if err := conn.sftp.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(dst), err)
	}
	f, err := conn.sftp.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := f.ReadFrom(io.LimitReader(r, size))
	if err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if n != size {
		f.Close()
		return fmt.Errorf("write %s: short read from source (%d of %d bytes)", dst, n, size)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := conn.sftp.Chmod(dst, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}

func (conn *sshConn) Get(ctx context.Context, src string, w io.Writer) (int64, error) {
	f, err := conn.sftp.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.WriteTo(w)
}

func (conn *sshConn) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return conn.sftp.Stat(name)
}

func (conn *sshConn) MkdirAll(ctx context.Context, dir string) error {
	return conn.sftp.MkdirAll(dir)
}

func (conn *sshConn) Glob(ctx context.Context, base, pattern string) ([]string, error) {
	return globFS(sftpFS{client: conn.sftp, root: base}, base, pattern)
}

// globFS matches pattern in fsys, which is rooted at base, and
// returns absolute paths of the regular files found.
func globFS(fsys fs.FS, base, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	if path.IsAbs(pattern) || !fs.ValidPath(path.Clean(pattern)) {
		// can only match outside base
		return nil, nil
	}
	base = path.Clean(base)
	var found []string
	err := doublestar.GlobWalk(fsys, pattern, func(p string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		abs := path.Join(base, p)
		if !isWithin(base, abs) {
			return nil
		}
		found = append(found, abs)
		return nil
	})
	return found, err
}

// isWithin reports whether p, after cleaning, is strictly inside
// dir.
func isWithin(dir, p string) bool {
	dir = path.Clean(dir)
	p = path.Clean(p)
	if dir == "/" {
		return p != "/" && path.IsAbs(p)
	}
	return len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/'
}

// Alive sends a keepalive request and waits for the reply. A peer
// that does not answer within keepaliveTimeout is treated as gone:
// the connection is closed, which also unblocks the pending request.
func (conn *sshConn) Alive(ctx context.Context) bool {
	if atomic.LoadInt32(&conn.dead) != 0 {
		return false
	}
	replied := make(chan error, 1)
	go func() {
		_, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil)
		replied <- err
	}()
	timer := time.NewTimer(conn.keepaliveTimeout)
	defer timer.Stop()
	select {
	case err := <-replied:
		if err != nil {
			atomic.StoreInt32(&conn.dead, 1)
			return false
		}
		return true
	case <-timer.C:
		conn.logger.WithField("Timeout", conn.keepaliveTimeout.String()).Warn("no keepalive reply; closing connection")
		conn.Close()
		return false
	case <-ctx.Done():
		return false
	}
}

func (conn *sshConn) Close() error {
	var err error
	conn.closeOnce.Do(func() {
		atomic.StoreInt32(&conn.dead, 1)
		conn.sftp.Close()
		err = conn.client.Close()
	})
	return err
}

// sftpFS is a read-only fs.FS view of the remote directory root.
type sftpFS struct {
	client *sftp.Client
	root   string
}

func (fsys sftpFS) path(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	return path.Join(fsys.root, name), nil
}

func (fsys sftpFS) Open(name string) (fs.File, error) {
	p, err := fsys.path(name)
	if err != nil {
		return nil, err
	}
	f, err := fsys.client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (fsys sftpFS) Stat(name string) (fs.FileInfo, error) {
	p, err := fsys.path(name)
	if err != nil {
		return nil, err
	}
	return fsys.client.Stat(p)
}

func (fsys sftpFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := fsys.path(name)
	if err != nil {
		return nil, err
	}
	infos, err := fsys.client.ReadDir(p)
	if err != nil {
		return nil, err
	}
	ents := make([]fs.DirEntry, len(infos))
	for i, fi := range infos {
		ents[i] = fs.FileInfoToDirEntry(fi)
	}
	return ents, nil
}
