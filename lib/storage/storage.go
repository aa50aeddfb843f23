// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storage gives workflows access to a principal's files in
// the platform's object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotExist     = errors.New("object does not exist")
	ErrAccessDenied = errors.New("access denied")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is one principal's view of the object store. Paths are
// absolute ("/alice/data.csv"); a principal can only reach paths
// under its own home, "/{username}/".
type Storage interface {
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Write stores everything read from r at path, replacing any
	// existing object, and returns the number of bytes written.
	Write(ctx context.Context, path string, r io.Reader) (int64, error)
}

// A Provider returns the Storage for a principal.
type Provider interface {
	For(ctx context.Context, owner jobs.Principal) (Storage, error)
}

// backend implements storage operations on already-authorized
// paths.
type backend interface {
	stat(ctx context.Context, p string) (ObjectInfo, error)
	open(ctx context.Context, p string) (io.ReadCloser, error)
	write(ctx context.Context, p string, r io.Reader) (int64, error)
}

// Factory is a Provider that caches per-principal handles.
type Factory struct {
	backend backend
	cache   *lru.Cache
	logger  logrus.FieldLogger
}

// NewFactory returns a Provider for the configured driver.
func NewFactory(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (*Factory, error) {
	var be backend
	var err error
	switch cfg.Driver {
	case "s3":
		be, err = newS3Backend(ctx, cfg, logger)
	case "directory":
		be, err = newDirectoryBackend(cfg.Directory.Root)
	default:
		err = fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return newFactory(be, cfg.ClientCacheSize, logger)
}

func newFactory(be backend, cacheSize int, logger logrus.FieldLogger) (*Factory, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Factory{backend: be, cache: cache, logger: logger}, nil
}

// For returns a Storage scoped to owner.
func (f *Factory) For(ctx context.Context, owner jobs.Principal) (Storage, error) {
	if owner.Username == "" || strings.ContainsAny(owner.Username, "/\x00") || owner.Username == "." || owner.Username == ".." {
		return nil, fmt.Errorf("invalid username %q: %w", owner.Username, ErrAccessDenied)
	}
	if s, ok := f.cache.Get(owner.Username); ok {
		return s.(*scoped), nil
	}
	s := &scoped{
		backend: f.backend,
		home:    "/" + owner.Username + "/",
		logger:  f.logger.WithField("Principal", owner.Username),
	}
	f.cache.Add(owner.Username, s)
	return s, nil
}

type scoped struct {
	backend
	home   string
	logger logrus.FieldLogger
}

// resolve cleans p and checks that it is inside the principal's
// home.
func (s *scoped) resolve(p string) (string, error) {
	clean := path.Clean("/" + p)
	if !strings.HasPrefix(clean, s.home) {
		return "", fmt.Errorf("%s: %w", p, ErrAccessDenied)
	}
	return clean, nil
}

func (s *scoped) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	clean, err := s.resolve(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	return s.stat(ctx, clean)
}

func (s *scoped) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	clean, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, clean)
}

func (s *scoped) Write(ctx context.Context, p string, r io.Reader) (int64, error) {
	clean, err := s.resolve(p)
	if err != nil {
		return 0, err
	}
	n, err := s.write(ctx, clean, r)
	if err != nil {
		s.logger.WithError(err).WithField("Path", clean).Warn("write failed")
	}
	return n, err
}
