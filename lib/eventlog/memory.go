// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errClosed = errors.New("event log is closed")

// MemoryLog is a Log that keeps everything in memory, for tests and
// single-process deployments that can afford to lose history on
// restart.
type MemoryLog struct {
	mtx       sync.Mutex
	topics    map[string][]Entry
	committed map[[2]string]int64
	closed    bool
	notify    notifier
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics:    map[string][]Entry{},
		committed: map[[2]string]int64{},
	}
}

func (ml *MemoryLog) Append(ctx context.Context, topic, key string, value []byte) (int64, error) {
	ml.mtx.Lock()
	if ml.closed {
		ml.mtx.Unlock()
		return 0, errClosed
	}
	offset := int64(len(ml.topics[topic])) + 1
	ml.topics[topic] = append(ml.topics[topic], Entry{
		Offset: offset,
		Topic:  topic,
		Key:    key,
		Value:  append([]byte(nil), value...),
		Time:   time.Now(),
	})
	ml.mtx.Unlock()
	ml.notify.broadcast()
	return offset, nil
}

func (ml *MemoryLog) Read(ctx context.Context, topic string, after int64, limit int) ([]Entry, error) {
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	if ml.closed {
		return nil, errClosed
	}
	entries := ml.topics[topic]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(entries)) {
		return nil, nil
	}
	entries = entries[after:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]Entry(nil), entries...), nil
}

func (ml *MemoryLog) Wait(ctx context.Context, topic string, after int64) error {
	for {
		// Get the wakeup channel before checking, so an
		// Append between the check and the select is not
		// missed.
		wake := ml.notify.wait()
		ml.mtx.Lock()
		closed, n := ml.closed, int64(len(ml.topics[topic]))
		ml.mtx.Unlock()
		if closed {
			return errClosed
		}
		if n > after {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (ml *MemoryLog) Commit(ctx context.Context, group, topic string, offset int64) error {
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	if k := [2]string{group, topic}; offset > ml.committed[k] {
		ml.committed[k] = offset
	}
	return nil
}

func (ml *MemoryLog) Committed(ctx context.Context, group, topic string) (int64, error) {
	ml.mtx.Lock()
	defer ml.mtx.Unlock()
	return ml.committed[[2]string{group, topic}], nil
}

func (ml *MemoryLog) Close() error {
	ml.mtx.Lock()
	ml.closed = true
	ml.mtx.Unlock()
	ml.notify.broadcast()
	return nil
}
