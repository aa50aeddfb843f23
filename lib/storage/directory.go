// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// directoryBackend stores objects as files under a local root
// directory, e.g. a shared filesystem mount.
type directoryBackend struct {
	root string
}

func newDirectoryBackend(root string) (*directoryBackend, error) {
	if root == "" {
		return nil, errors.New("Storage.Directory.Root is required")
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &directoryBackend{root: root}, nil
}

func (be *directoryBackend) translateError(p string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%s: %w", p, ErrNotExist)
	case os.IsPermission(err):
		return fmt.Errorf("%s: %w", p, ErrAccessDenied)
	default:
		return err
	}
}

func (be *directoryBackend) stat(ctx context.Context, p string) (ObjectInfo, error) {
	fi, err := os.Stat(filepath.Join(be.root, p))
	if err != nil {
		return ObjectInfo{}, be.translateError(p, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%s is a directory: %w", p, ErrNotExist)
	}
	return ObjectInfo{Path: p, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (be *directoryBackend) open(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(be.root, p))
	if err != nil {
		return nil, be.translateError(p, err)
	}
	return f, nil
}

// write copies r to a temporary file and renames it into place, so
// readers never see a partial object.
func (be *directoryBackend) write(ctx context.Context, p string, r io.Reader) (int64, error) {
	dst := filepath.Join(be.root, p)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, be.translateError(p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-")
	if err != nil {
		return 0, be.translateError(p, err)
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}
