// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package eventlog is an append-only, keyed, at-least-once message
// log with per-consumer-group committed offsets.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/sirupsen/logrus"
)

// Topic names.
const (
	Requests = "requests"
	Events   = "events"
)

// Entry is one record in a topic. Offsets increase within a topic
// but need not be contiguous.
type Entry struct {
	Offset int64     `db:"id"`
	Topic  string    `db:"topic"`
	Key    string    `db:"key"`
	Value  []byte    `db:"value"`
	Time   time.Time `db:"created_at"`
}

// Log is the storage behind topics and consumer offsets.
type Log interface {
	// Append adds a record and returns its offset.
	Append(ctx context.Context, topic, key string, value []byte) (int64, error)
	// Read returns up to limit records with offsets greater than
	// after, in offset order.
	Read(ctx context.Context, topic string, after int64, limit int) ([]Entry, error)
	// Wait returns when the topic might have a record with an
	// offset greater than after, or ctx is done.
	Wait(ctx context.Context, topic string, after int64) error
	Commit(ctx context.Context, group, topic string, offset int64) error
	// Committed returns the last offset committed by the group,
	// or 0.
	Committed(ctx context.Context, group, topic string) (int64, error)
	Close() error
}

// AppendJSON appends the JSON encoding of v.
func AppendJSON(ctx context.Context, log Log, topic, key string, v interface{}) (int64, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return log.Append(ctx, topic, key, buf)
}

// Open returns the Log selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EventLogConfig, logger logrus.FieldLogger) (Log, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryLog(), nil
	case "postgresql":
		return OpenPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported event log driver %q", cfg.Driver)
	}
}

// notifier wakes up everyone waiting for the next change.
type notifier struct {
	mtx sync.Mutex
	ch  chan struct{}
}

// wait returns a channel that is closed by the next broadcast.
func (n *notifier) wait() <-chan struct{} {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
