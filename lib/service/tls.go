// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/sirupsen/logrus"
)

// Certificates expiring sooner than this are logged as warnings on
// each load.
const certExpiryWarning = 14 * 24 * time.Hour

// certReloader serves the management API's certificate and replaces
// it when reload succeeds. A failed reload keeps the previous one.
type certReloader struct {
	certFile, keyFile string
	logger            logrus.FieldLogger

	mtx  sync.RWMutex
	cert *tls.Certificate
}

func (cr *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return fmt.Errorf("loading management API certificate %s: %w", cr.certFile, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing management API certificate %s: %w", cr.certFile, err)
	}
	cert.Leaf = leaf
	logger := cr.logger.WithFields(logrus.Fields{
		"Certificate": cr.certFile,
		"NotAfter":    leaf.NotAfter.UTC().Format(time.RFC3339),
	})
	if left := time.Until(leaf.NotAfter); left < certExpiryWarning {
		logger.Warn("management API certificate expires soon")
	} else {
		logger.Info("loaded management API certificate")
	}
	cr.mtx.Lock()
	cr.cert = &cert
	cr.mtx.Unlock()
	return nil
}

func (cr *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mtx.RLock()
	defer cr.mtx.RUnlock()
	return cr.cert, nil
}

// reloadOnSignal calls reload each time sig is received.
func (cr *certReloader) reloadOnSignal(sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	go func() {
		for range ch {
			if err := cr.reload(); err != nil {
				cr.logger.WithError(err).Warn("keeping previous certificate")
			}
		}
	}()
}

// tlsConfigWithCertUpdater loads Management.TLS and reloads it on
// SIGHUP.
func tlsConfigWithCertUpdater(cfg *config.Config, logger logrus.FieldLogger) (*tls.Config, error) {
	cr := &certReloader{
		certFile: cfg.Management.TLS.Certificate,
		keyFile:  cfg.Management.TLS.Key,
		logger:   logger,
	}
	if err := cr.reload(); err != nil {
		return nil, err
	}
	cr.reloadOnSignal(syscall.SIGHUP)
	return &tls.Config{
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		GetCertificate: cr.getCertificate,
	}, nil
}
