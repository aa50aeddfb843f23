// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshtest provides an in-process SSH server with "exec" and
// "sftp" support, for testing code that talks to a cluster head node.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 keypair.
func GenerateKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer
}

// An ExecFunc handles an "exec" session and returns the exit status.
type ExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// Server accepts SSH connections on an available localhost TCP port,
// passes "exec" sessions to Exec, and serves the local filesystem on
// the "sftp" subsystem.
type Server struct {
	Exec           ExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey
	// If true, exec sessions send EOF after Exec returns but
	// never send an exit status or close the channel.
	HoldOpen bool

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	started  chan bool
	closed   bool
	conns    []net.Conn
	err      error
}

// Address returns the host:port where the server is listening.
func (ss *Server) Address() string {
	ss.Start()
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener == nil {
		return ""
	}
	return ss.listener.Addr().String()
}

// ClientConfig returns a client config that authenticates with
// signer and accepts the server's host key.
func (ss *Server) ClientConfig(signer ssh.Signer) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            ss.AuthorizedUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(ss.HostKey.PublicKey()),
	}
}

// Close stops accepting connections.
func (ss *Server) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// DropConnections closes all established connections, as if the
// network had failed.
func (ss *Server) DropConnections() {
	ss.mtx.Lock()
	conns := ss.conns
	ss.conns = nil
	ss.mtx.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *Server) Start() error {
	ss.setup.Do(func() {
		ss.started = make(chan bool)
		go ss.run()
	})
	<-ss.started
	return ss.err
}

func (ss *Server) run() {
	defer close(ss.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", c.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}
	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				ss.mtx.Lock()
				closed := ss.closed
				ss.mtx.Unlock()
				if !closed {
					log.Printf("accept: %s", err)
				}
				return
			}
			ss.mtx.Lock()
			ss.conns = append(ss.conns, nConn)
			ss.mtx.Unlock()
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *Server) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			return
		}
		go ss.serveSession(ch, reqs)
	}
}

func (ss *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	started := false
	for req := range reqs {
		switch {
		case started:
			req.Reply(false, nil)
		case req.Type == "exec":
			var execReq struct {
				Command string
			}
			ssh.Unmarshal(req.Payload, &execReq)
			req.Reply(true, nil)
			started = true
			go ss.exec(ch, execReq.Command)
		case req.Type == "subsystem":
			var subReq struct {
				Name string
			}
			ssh.Unmarshal(req.Payload, &subReq)
			if subReq.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			started = true
			go func() {
				defer ch.Close()
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				if err := server.Serve(); err != nil && err != io.EOF && !strings.Contains(err.Error(), "closed") {
					log.Printf("sftp: %s", err)
				}
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func (ss *Server) exec(ch ssh.Channel, command string) {
	var resp struct {
		Status uint32
	}
	if ss.Exec == nil {
		fmt.Fprintf(ch.Stderr(), "exec not supported\n")
		resp.Status = 127
	} else {
		resp.Status = ss.Exec(command, ch, ch, ch.Stderr())
	}
	ch.CloseWrite()
	if ss.HoldOpen {
		return
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
	ch.Close()
}
