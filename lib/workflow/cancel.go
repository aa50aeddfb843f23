// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workflow

import (
	"context"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

// Cancel runs scancel for a started job and emits
// UnsuccessfullyCompleted with kind Cancelled. Unknown, pending and
// finished jobs are logged and ignored.
func (sub *Submitter) Cancel(ctx context.Context, id jobs.InternalID) error {
	logger := sub.Logger.WithField("JobID", id)
	if sub.Views == nil {
		logger.Warn("cannot cancel without a view of job status")
		return nil
	}
	rec, ok := sub.Views.Latest(id)
	switch {
	case !ok:
		logger.Info("ignoring cancel request for unknown job")
		return nil
	case jobs.Terminal(rec.Event):
		logger.WithField("Status", rec.Event.Kind()).Info("ignoring cancel request for finished job")
		return nil
	case rec.Event.Scheduler() <= 0:
		logger.Info("ignoring cancel request for job that has not been submitted")
		return nil
	}
	sid := rec.Event.Scheduler()
	logger = logger.WithField("SchedulerID", sid)

	t0 := time.Now()
	jerr := sub.cancel(ctx, logger, sid)
	sub.metrics().observe("cancel", t0, jerr)
	if jerr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The job is still running as far as we know, so no
		// event.
		logger.WithField("ErrorKind", jerr.Kind).Warn(jerr.Message)
		return eventlog.Permanent(jerr)
	}
	logger.Info("job cancelled")
	return emit(ctx, sub.Log, id, jobs.UnsuccessfullyCompleted{
		SchedulerID: sid,
		Err:         jobs.Errorf(jobs.Cancelled, "job was cancelled"),
	})
}

func (sub *Submitter) cancel(ctx context.Context, logger logrus.FieldLogger, sid jobs.SchedulerID) (jerr *jobs.Error) {
	defer recoverInternal(logger, &jerr)
	err := sub.Pool.WithConnection(ctx, func(conn sshpool.Conn) error {
		return sub.Slurm.Cancel(ctx, conn, sid)
	})
	if err != nil {
		return jobs.Errorf(jobs.Internal, "%s", err)
	}
	return nil
}
