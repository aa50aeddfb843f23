// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lifecycle folds the job event stream into lookup views.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Tracker is told which scheduler jobs are running. The poller
// implements it.
type Tracker interface {
	Track(jobs.SchedulerID)
	Untrack(jobs.SchedulerID)
}

// Views is a copy of the aggregator state.
type Views struct {
	SchedulerToInternal map[jobs.SchedulerID]jobs.InternalID `json:"scheduler_to_internal"`
	Requests            map[jobs.InternalID]jobs.StartRequest `json:"requests"`
	Latest              map[jobs.InternalID]jobs.Record       `json:"latest"`
}

// Aggregator maintains three last-write-wins views of the event
// stream:
//
//   - scheduler id to internal id, from events that carry a scheduler
//     id;
//   - internal id to start request, from Pending events;
//   - internal id to the latest event.
//
// It is safe for concurrent use. Events for one internal id must be
// applied in order.
type Aggregator struct {
	Logger  logrus.FieldLogger
	Tracker Tracker

	mtx       sync.RWMutex
	sched     map[jobs.SchedulerID]jobs.InternalID
	requests  map[jobs.InternalID]jobs.StartRequest
	latest    map[jobs.InternalID]jobs.Record
	readyOnce sync.Once
	ready     chan struct{}
	mJobs     *prometheus.GaugeVec
	setupOnce sync.Once
}

func (agg *Aggregator) setup() {
	agg.setupOnce.Do(func() {
		agg.sched = map[jobs.SchedulerID]jobs.InternalID{}
		agg.requests = map[jobs.InternalID]jobs.StartRequest{}
		agg.latest = map[jobs.InternalID]jobs.Record{}
		agg.ready = make(chan struct{})
		agg.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slurmbridge",
			Subsystem: "lifecycle",
			Name:      "jobs",
			Help:      "Number of jobs whose latest event is of the given type.",
		}, []string{"type"})
		if agg.Logger == nil {
			agg.Logger = logrus.StandardLogger()
		}
	})
}

// RegisterMetrics adds the aggregator's metrics to reg.
func (agg *Aggregator) RegisterMetrics(reg *prometheus.Registry) {
	agg.setup()
	reg.MustRegister(agg.mJobs)
}

// Apply folds one record into the views and notifies the tracker.
func (agg *Aggregator) Apply(rec jobs.Record) {
	agg.setup()
	if rec.Event == nil {
		return
	}
	sid := rec.Event.Scheduler()
	agg.mtx.Lock()
	if sid > 0 {
		agg.sched[sid] = rec.JobID
	}
	if pending, ok := rec.Event.(jobs.Pending); ok {
		agg.requests[rec.JobID] = pending.Request
	}
	if prev, ok := agg.latest[rec.JobID]; ok {
		agg.mJobs.WithLabelValues(string(prev.Event.Kind())).Dec()
	}
	agg.latest[rec.JobID] = rec
	agg.mJobs.WithLabelValues(string(rec.Event.Kind())).Inc()
	agg.mtx.Unlock()

	if agg.Tracker == nil || sid <= 0 {
		return
	}
	switch {
	case rec.Event.Kind() == jobs.KindStarted:
		agg.Tracker.Track(sid)
	case jobs.Terminal(rec.Event):
		agg.Tracker.Untrack(sid)
	}
}

// InternalID returns the internal id of the job with the given
// scheduler id.
func (agg *Aggregator) InternalID(sid jobs.SchedulerID) (jobs.InternalID, bool) {
	agg.setup()
	agg.mtx.RLock()
	defer agg.mtx.RUnlock()
	id, ok := agg.sched[sid]
	return id, ok
}

// Request returns the start request of a job.
func (agg *Aggregator) Request(id jobs.InternalID) (jobs.StartRequest, bool) {
	agg.setup()
	agg.mtx.RLock()
	defer agg.mtx.RUnlock()
	req, ok := agg.requests[id]
	return req, ok
}

// Latest returns the most recent record for a job.
func (agg *Aggregator) Latest(id jobs.InternalID) (jobs.Record, bool) {
	agg.setup()
	agg.mtx.RLock()
	defer agg.mtx.RUnlock()
	rec, ok := agg.latest[id]
	return rec, ok
}

// Snapshot returns a copy of all three views.
func (agg *Aggregator) Snapshot() Views {
	agg.setup()
	agg.mtx.RLock()
	defer agg.mtx.RUnlock()
	v := Views{
		SchedulerToInternal: make(map[jobs.SchedulerID]jobs.InternalID, len(agg.sched)),
		Requests:            make(map[jobs.InternalID]jobs.StartRequest, len(agg.requests)),
		Latest:              make(map[jobs.InternalID]jobs.Record, len(agg.latest)),
	}
	for k, x := range agg.sched {
		v.SchedulerToInternal[k] = x
	}
	for k, x := range agg.requests {
		v.Requests[k] = x
	}
	for k, x := range agg.latest {
		v.Latest[k] = x
	}
	return v
}

// HandleEntry decodes a record from an event log entry and applies
// it.
func (agg *Aggregator) HandleEntry(ctx context.Context, ent eventlog.Entry) error {
	agg.setup()
	var rec jobs.Record
	if err := json.Unmarshal(ent.Value, &rec); err != nil {
		return eventlog.Permanent(fmt.Errorf("offset %d: %w", ent.Offset, err))
	}
	if string(rec.JobID) != ent.Key {
		agg.Logger.WithFields(logrus.Fields{
			"Offset": ent.Offset,
			"Key":    ent.Key,
			"JobID":  rec.JobID,
		}).Warn("record job id does not match entry key")
	}
	agg.Apply(rec)
	return nil
}

// Run replays the events topic from the beginning and then follows
// it until ctx is done. Ready is closed once the replay has caught
// up.
func (agg *Aggregator) Run(ctx context.Context, log eventlog.Log, workers int, reg *prometheus.Registry) error {
	agg.setup()
	cons := &eventlog.Consumer{
		Log:      log,
		Topic:    eventlog.Events,
		Workers:  workers,
		Handler:  agg.HandleEntry,
		Logger:   agg.Logger,
		Registry: reg,
		CaughtUp: func(int64) {
			agg.readyOnce.Do(func() {
				agg.Logger.Info("event replay caught up")
				close(agg.ready)
			})
		},
	}
	return cons.Run(ctx)
}

// Ready returns a channel that is closed when Run has caught up with
// the log.
func (agg *Aggregator) Ready() <-chan struct{} {
	agg.setup()
	return agg.ready
}

// Replay applies every record currently in the events topic, then
// returns.
func (agg *Aggregator) Replay(ctx context.Context, log eventlog.Log) error {
	var after int64
	for {
		entries, err := log.Read(ctx, eventlog.Events, after, 1000)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, ent := range entries {
			if err := agg.HandleEntry(ctx, ent); err != nil {
				agg.Logger.WithError(err).Warn("skipping bad record")
			}
		}
		after = entries[len(entries)-1].Offset
	}
}
