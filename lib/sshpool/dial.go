// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialFunc opens a new connection.
type DialFunc func(context.Context) (Conn, error)

// NewDialer returns a DialFunc that connects to the cluster head node
// described by cfg.
func NewDialer(cfg config.SSHConfig, logger logrus.FieldLogger) (DialFunc, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyFile != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", cfg.PrivateKeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no SSH authentication method configured (need PrivateKeyFile or Password)")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	case cfg.InsecureIgnoreHostKey:
		logger.Warn("SSH host key verification is disabled")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("SSH.KnownHostsFile is required unless SSH.InsecureIgnoreHostKey is true")
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout.Duration(),
	}
	return SSHDialer(cfg.Addr(), clientConfig, cfg.ChannelCloseTimeout.Duration(), logger), nil
}

// SSHDialer returns a DialFunc that connects to addr using
// clientConfig. The TCP connect, SSH handshake and SFTP startup
// together are bounded by clientConfig.Timeout and by ctx.
// clientConfig.Timeout also bounds each keepalive round trip.
func SSHDialer(addr string, clientConfig *ssh.ClientConfig, closeTimeout time.Duration, logger logrus.FieldLogger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		dialer := net.Dialer{Timeout: clientConfig.Timeout}
		tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		var deadline time.Time
		if clientConfig.Timeout > 0 {
			deadline = time.Now().Add(clientConfig.Timeout)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		tcpConn.SetDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
		defer stop()

		c, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientConfig)
		if err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
		client := ssh.NewClient(c, chans, reqs)
		conn, err := newConn(client, closeTimeout, clientConfig.Timeout, logger.WithField("Addr", addr))
		if err != nil {
			return nil, err
		}
		if !stop() {
			conn.Close()
			return nil, ctx.Err()
		}
		tcpConn.SetDeadline(time.Time{})
		return conn, nil
	}
}
