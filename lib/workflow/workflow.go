// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workflow implements the submission, completion and cancel
// workflows. Each workflow borrows a pooled connection for its remote
// steps and reports its outcome as lifecycle events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/lib/storage"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ScriptName is the batch script's file name in the project
// directory.
const ScriptName = "job.sh"

// WorkDirName is the job's working directory, relative to its
// project directory.
const WorkDirName = "files"

// ConnPool lends connections to the cluster. *sshpool.Pool satisfies
// it.
type ConnPool interface {
	WithConnection(ctx context.Context, fn func(sshpool.Conn) error) error
}

// Catalog resolves applications. *catalog.Catalog satisfies it.
type Catalog interface {
	FindApplication(jobs.NameAndVersion) (*jobs.Application, *jobs.Tool, error)
}

// Views answers lookups against the event stream.
// *lifecycle.Aggregator satisfies it.
type Views interface {
	InternalID(jobs.SchedulerID) (jobs.InternalID, bool)
	Request(jobs.InternalID) (jobs.StartRequest, bool)
	Latest(jobs.InternalID) (jobs.Record, bool)
}

// Layout maps internal ids to remote directories.
type Layout struct {
	ProjectRoot string
}

// ProjectDir returns the directory that holds a job's script and
// working directory.
func (l Layout) ProjectDir(id jobs.InternalID) string {
	return path.Join(l.ProjectRoot, string(id))
}

// WorkDir returns a job's working directory.
func (l Layout) WorkDir(id jobs.InternalID) string {
	return path.Join(l.ProjectDir(id), WorkDirName)
}

// ScriptPath returns the path of a job's batch script.
func (l Layout) ScriptPath(id jobs.InternalID) string {
	return path.Join(l.ProjectDir(id), ScriptName)
}

// Metrics are shared by all workflows in a process.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.SummaryVec
	bytes    *prometheus.CounterVec
}

// NewMetrics returns workflow metrics registered with reg. If reg is
// nil, the metrics are not exported.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slurmbridge",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Number of workflow runs, by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "slurmbridge",
			Subsystem:  "workflow",
			Name:       "duration_seconds",
			Help:       "Time spent in each workflow.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"workflow"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slurmbridge",
			Subsystem: "workflow",
			Name:      "transfer_bytes_total",
			Help:      "Bytes copied between storage and the cluster.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.bytes)
	}
	return m
}

func (m *Metrics) observe(workflow string, t0 time.Time, jerr *jobs.Error) {
	outcome := "ok"
	if jerr != nil {
		outcome = string(jerr.Kind)
	}
	m.runs.WithLabelValues(workflow, outcome).Inc()
	m.duration.WithLabelValues(workflow).Observe(time.Since(t0).Seconds())
}

// emit appends one lifecycle record to the events topic.
func emit(ctx context.Context, log eventlog.Log, id jobs.InternalID, ev jobs.Event) error {
	_, err := eventlog.AppendJSON(ctx, log, eventlog.Events, string(id), jobs.Record{
		JobID:     id,
		Timestamp: time.Now().UTC(),
		Event:     ev,
	})
	if err != nil {
		return fmt.Errorf("emitting %s event for %s: %w", ev.Kind(), id, err)
	}
	return nil
}

// storageError classifies a storage failure.
func storageError(err error, format string, args ...interface{}) *jobs.Error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrAccessDenied):
		return jobs.Errorf(jobs.PermissionDenied, "%s: access denied", msg)
	case errors.Is(err, storage.ErrNotExist):
		return jobs.Errorf(jobs.InvalidRequest, "%s: no such file", msg)
	default:
		return jobs.Errorf(jobs.Internal, "%s: %s", msg, err)
	}
}

// recoverInternal converts a panic into an Internal error. Use as
// "defer recoverInternal(logger, &jerr)".
func recoverInternal(logger logrus.FieldLogger, jerr **jobs.Error) {
	if r := recover(); r != nil {
		logger.WithField("Stack", string(debug.Stack())).Errorf("workflow panic: %v", r)
		*jerr = jobs.Errorf(jobs.Internal, "unexpected error: %v", r)
	}
}
