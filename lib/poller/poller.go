// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package poller detects finished Slurm jobs by querying sacct for a
// sliding time window, and hands them to the completion workflow.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/slurm"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ConnPool lends connections to the cluster.
type ConnPool interface {
	WithConnection(ctx context.Context, fn func(sshpool.Conn) error) error
}

// CompleteFunc runs the completion workflow for one job.
type CompleteFunc func(context.Context, slurm.CompletionSignal) error

// Poller runs sacct every Interval and calls Complete for each
// tracked job that sacct reports as finished. It implements
// lifecycle.Tracker.
//
// Each poll asks for jobs that changed since the start of the last
// successful poll, so a failed poll only delays completions. A job
// can be reported by several polls; it is not handed to Complete
// again while a previous call for it is still running, and it stops
// being reported once it is untracked.
type Poller struct {
	Pool     ConnPool
	Slurm    *slurm.Client
	Complete CompleteFunc
	Interval time.Duration
	// Maximum number of Complete calls running at once.
	Concurrency int
	// How far back the first poll looks, to catch jobs that
	// finished while the bridge was down.
	InitialLookback time.Duration
	Logger          logrus.FieldLogger
	Registry        *prometheus.Registry

	setupOnce   sync.Once
	mtx         sync.Mutex
	tracked     map[jobs.SchedulerID]bool
	inflight    map[jobs.SchedulerID]bool
	lastSuccess time.Time
	lastErr     error
	sem         chan struct{}
	wg          sync.WaitGroup

	mPolls       *prometheus.CounterVec
	mLastSuccess prometheus.Gauge
	mTracked     prometheus.Gauge
	mInflight    prometheus.Gauge
}

func (p *Poller) setup() {
	p.setupOnce.Do(func() {
		p.tracked = map[jobs.SchedulerID]bool{}
		p.inflight = map[jobs.SchedulerID]bool{}
		if p.Concurrency < 1 {
			p.Concurrency = 1
		}
		if p.Interval <= 0 {
			p.Interval = 10 * time.Second
		}
		p.sem = make(chan struct{}, p.Concurrency)
		if p.Logger == nil {
			p.Logger = logrus.StandardLogger()
		}
		p.registerMetrics(p.Registry)
	})
}

// Track adds a job to the set of jobs the poller completes.
func (p *Poller) Track(sid jobs.SchedulerID) {
	p.setup()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.tracked[sid] {
		p.tracked[sid] = true
		p.mTracked.Inc()
	}
}

// Untrack removes a job from the set.
func (p *Poller) Untrack(sid jobs.SchedulerID) {
	p.setup()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.tracked[sid] {
		delete(p.tracked, sid)
		p.mTracked.Dec()
	}
}

// Tracked returns the number of tracked jobs.
func (p *Poller) Tracked() int {
	p.setup()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.tracked)
}

// Run polls every Interval until ctx is done, then waits for
// running completions to return.
func (p *Poller) Run(ctx context.Context) error {
	p.setup()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.Logger.WithError(err).Warn("poll failed")
			}
		}
	}
}

// Poll runs one sacct query and starts Complete for each newly
// finished tracked job. It does not wait for the completions.
func (p *Poller) Poll(ctx context.Context) error {
	p.setup()
	p.mtx.Lock()
	since := p.lastSuccess
	p.mtx.Unlock()

	t0 := time.Now()
	if since.IsZero() {
		since = t0.Add(-p.InitialLookback)
	}
	var sigs []slurm.CompletionSignal
	err := p.Pool.WithConnection(ctx, func(conn sshpool.Conn) error {
		var err error
		sigs, err = p.Slurm.PollSince(ctx, conn, since)
		return err
	})
	p.mtx.Lock()
	p.lastErr = err
	if err == nil {
		p.lastSuccess = t0
	}
	p.mtx.Unlock()
	if err != nil {
		p.mPolls.WithLabelValues("error").Inc()
		return err
	}
	p.mPolls.WithLabelValues("ok").Inc()
	p.mLastSuccess.Set(float64(t0.UnixNano()) / 1e9)

	for _, sig := range sigs {
		if !p.claim(sig.SchedulerID) {
			continue
		}
		p.wg.Add(1)
		go p.complete(ctx, sig)
	}
	return nil
}

// claim marks a tracked job as in flight. It returns false if the
// job is not tracked or is already in flight.
func (p *Poller) claim(sid jobs.SchedulerID) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.tracked[sid] || p.inflight[sid] {
		return false
	}
	p.inflight[sid] = true
	p.mInflight.Inc()
	return true
}

func (p *Poller) complete(ctx context.Context, sig slurm.CompletionSignal) {
	defer p.wg.Done()
	defer func() {
		p.mtx.Lock()
		delete(p.inflight, sig.SchedulerID)
		p.mInflight.Dec()
		p.mtx.Unlock()
	}()
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()
	logger := p.Logger.WithFields(logrus.Fields{"SchedulerID": sig.SchedulerID, "State": sig.State})
	logger.Info("job finished")
	if err := p.Complete(ctx, sig); err != nil {
		logger.WithError(err).Warn("completion failed")
		return
	}
	// Don't wait for the terminal event to come back through the
	// log before ignoring further reports.
	p.Untrack(sig.SchedulerID)
}

// Wait blocks until all completions started by Poll have returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// CheckHealth returns an error if the last poll failed and no poll
// has succeeded for three intervals.
func (p *Poller) CheckHealth() error {
	p.setup()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.lastErr != nil && time.Since(p.lastSuccess) > 3*p.Interval {
		return fmt.Errorf("no successful poll since %s: %w", p.lastSuccess.Format(time.RFC3339), p.lastErr)
	}
	return nil
}

func (p *Poller) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slurmbridge",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Number of sacct polls, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(p.mPolls)
	p.mLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slurmbridge",
		Subsystem: "poller",
		Name:      "last_success_timestamp_seconds",
		Help:      "Start time of the last successful poll.",
	})
	reg.MustRegister(p.mLastSuccess)
	p.mTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slurmbridge",
		Subsystem: "poller",
		Name:      "tracked_jobs",
		Help:      "Number of started jobs the poller is watching.",
	})
	reg.MustRegister(p.mTracked)
	p.mInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slurmbridge",
		Subsystem: "poller",
		Name:      "completions_inflight",
		Help:      "Number of completion workflows queued or running.",
	})
	reg.MustRegister(p.mInflight)
}
