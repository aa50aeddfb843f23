// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshpool maintains a bounded set of SSH connections to the
// cluster head node.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var ErrPoolClosed = errors.New("connection pool is closed")

type slot struct {
	conn      Conn
	available bool
}

// Pool hands out up to N connections at a time.
//
// A buffered channel holds one permit per available slot. The number
// of slots marked available equals the number of permits whenever no
// Acquire or Release is in progress; in between it may be higher,
// never lower.
type Pool struct {
	logger logrus.FieldLogger
	dial   DialFunc

	permits chan struct{}
	mtx     sync.Mutex
	slots   []slot
	closed  bool

	mInUse       prometheus.Gauge
	mOpen        prometheus.Gauge
	mDials       *prometheus.CounterVec
	mAcquireWait prometheus.Summary
}

// NewPool returns a pool of size slots. Connections are dialed on
// first use.
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, size int, dial DialFunc) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		logger:  logger,
		dial:    dial,
		permits: make(chan struct{}, size),
		slots:   make([]slot, size),
	}
	for i := range p.slots {
		p.slots[i].available = true
		p.permits <- struct{}{}
	}
	p.registerMetrics(reg)
	return p
}

// Lease is a connection borrowed from the pool.
type Lease struct {
	Conn Conn
	pool *Pool
	slot int
	once sync.Once
}

// Release returns the connection to the pool. It is safe to call
// more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.slot) })
}

// Acquire blocks until a slot is available, and returns a lease on a
// live connection. If the slot's connection is missing or dead, it is
// replaced first; if that fails, the slot is released and the dial
// error is returned. If ctx is done while checking or dialing, the
// slot is released and ctx.Err() is returned.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	t0 := time.Now()
	select {
	case <-p.permits:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mAcquireWait.Observe(time.Since(t0).Seconds())

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		p.permits <- struct{}{}
		return nil, ErrPoolClosed
	}
	idx := -1
	for i := range p.slots {
		if p.slots[i].available {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Unreachable while the permit invariant holds.
		p.mtx.Unlock()
		p.permits <- struct{}{}
		return nil, errors.New("BUG: acquired a permit but no slot is available")
	}
	p.slots[idx].available = false
	conn := p.slots[idx].conn
	p.mtx.Unlock()
	p.mInUse.Inc()

	if conn == nil || !conn.Alive(ctx) {
		if ctx.Err() != nil {
			// Gave up waiting for the keepalive; the connection
			// may still be fine.
			p.release(idx)
			return nil, ctx.Err()
		}
		if conn != nil {
			p.logger.WithField("Slot", idx).Info("replacing dead connection")
			conn.Close()
			p.mOpen.Dec()
		}
		p.setConn(idx, nil)
		newConn, err := p.dial(ctx)
		if err != nil {
			p.mDials.WithLabelValues("error").Inc()
			p.logger.WithField("Slot", idx).WithError(err).Warn("dial failed")
			p.release(idx)
			return nil, fmt.Errorf("connecting: %w", err)
		}
		p.mDials.WithLabelValues("ok").Inc()
		p.mOpen.Inc()
		p.setConn(idx, newConn)
		conn = newConn
	}
	return &Lease{Conn: conn, pool: p, slot: idx}, nil
}

func (p *Pool) setConn(idx int, conn Conn) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.slots[idx].conn = conn
}

// release marks the slot available, then returns its permit. The
// other order would let a waiter take the permit before any slot is
// marked available.
func (p *Pool) release(idx int) {
	p.mtx.Lock()
	p.slots[idx].available = true
	if p.closed && p.slots[idx].conn != nil {
		p.slots[idx].conn.Close()
		p.slots[idx].conn = nil
		p.mOpen.Dec()
	}
	p.mtx.Unlock()
	p.mInUse.Dec()
	p.permits <- struct{}{}
}

// WithConnection acquires a connection, calls fn, and releases the
// connection when fn returns or panics.
func (p *Pool) WithConnection(ctx context.Context, fn func(Conn) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn)
}

// Stats is a snapshot of the pool's bookkeeping.
type Stats struct {
	Size      int
	Available int
	Permits   int
	Open      int
}

// Stats returns the current slot and permit counts.
func (p *Pool) Stats() Stats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	st := Stats{Size: len(p.slots)}
	for _, s := range p.slots {
		if s.available {
			st.Available++
		}
		if s.conn != nil {
			st.Open++
		}
	}
	st.Permits = len(p.permits)
	return st
}

// CheckHealth returns an error if the pool is closed.
func (p *Pool) CheckHealth() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Close closes idle connections and makes subsequent Acquire calls
// fail. Connections in use are closed when they are released.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
	for i := range p.slots {
		if p.slots[i].available && p.slots[i].conn != nil {
			p.slots[i].conn.Close()
			p.slots[i].conn = nil
			p.mOpen.Dec()
		}
	}
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slurmbridge",
		Subsystem: "sshpool",
		Name:      "slots_inuse",
		Help:      "Number of pool slots leased to a workflow.",
	})
	reg.MustRegister(p.mInUse)
	p.mOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slurmbridge",
		Subsystem: "sshpool",
		Name:      "connections_open",
		Help:      "Number of open SSH connections held by the pool.",
	})
	reg.MustRegister(p.mOpen)
	p.mDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmbridge",
		Subsystem: "sshpool",
		Name:      "dials_total",
		Help:      "Number of connection attempts, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(p.mDials)
	p.mAcquireWait = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "slurmbridge",
		Subsystem:  "sshpool",
		Name:       "acquire_wait_seconds",
		Help:       "Time spent waiting for a free slot.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(p.mAcquireWait)
}
