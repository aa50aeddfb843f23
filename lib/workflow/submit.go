// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/slurm"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/lib/storage"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// Number of recently started jobs a Submitter remembers, so a
// redelivered request is skipped even before its Started event has
// reached Views.
const recentlyStartedSize = 4096

// Submitter consumes the requests topic: it submits start requests
// to Slurm and cancels running jobs.
type Submitter struct {
	Pool    ConnPool
	Slurm   *slurm.Client
	Catalog Catalog
	Storage storage.Provider
	Log     eventlog.Log
	// If non-nil, start requests for jobs that are already past
	// Pending are skipped, and cancel requests are resolved to
	// scheduler ids.
	Views  Views
	Layout Layout
	// Extra #SBATCH arguments and the container runner passed to
	// the script generator.
	SbatchArguments  []string
	ContainerCommand string
	Logger           logrus.FieldLogger
	Metrics          *Metrics

	setupOnce sync.Once
	started   *lru.Cache // InternalID -> SchedulerID
}

// upload is an input file that passed validation.
type upload struct {
	Source      string
	Name        string
	Destination string
	Size        int64
}

func (sub *Submitter) metrics() *Metrics {
	if sub.Metrics == nil {
		sub.Metrics = NewMetrics(nil)
	}
	return sub.Metrics
}

// HandleEntry is an eventlog.HandlerFunc for the requests topic.
//
// A request that cannot be decoded is rejected with an event if it
// is a start request with a usable job id, and skipped otherwise.
// Failures to reach the event log or the cluster are returned
// unmarked, so the consumer retries the request.
func (sub *Submitter) HandleEntry(ctx context.Context, ent eventlog.Entry) error {
	req, err := jobs.DecodeRequest(ent.Value)
	if err != nil {
		if !req.JobID.Valid() || req.Kind != jobs.RequestStart {
			return eventlog.Permanent(fmt.Errorf("offset %d: %w", ent.Offset, err))
		}
		sub.Logger.WithError(err).WithField("JobID", req.JobID).Warn("rejecting invalid start request")
		return emit(ctx, sub.Log, req.JobID, jobs.UnsuccessfullyCompleted{Err: jobs.AsError(err)})
	}
	switch req.Kind {
	case jobs.RequestStart:
		return sub.Start(ctx, req.JobID, *req.Start)
	case jobs.RequestCancel:
		return sub.Cancel(ctx, req.JobID)
	}
	return nil
}

// Start runs the submission workflow for one job and emits Pending
// followed by Started or UnsuccessfullyCompleted.
//
// If ctx is cancelled before the workflow finishes, no terminal event
// is emitted and ctx's error is returned, so the request is handled
// again after a restart.
func (sub *Submitter) Start(ctx context.Context, id jobs.InternalID, req jobs.StartRequest) error {
	logger := sub.Logger.WithFields(logrus.Fields{
		"JobID":       id,
		"Application": req.Application.String(),
		"Owner":       req.Owner.Username,
	})
	sub.setup()
	if sid, ok := sub.started.Get(id); ok {
		logger.WithField("SchedulerID", sid).Info("skipping redelivered start request")
		return nil
	}
	if sub.Views != nil {
		if rec, ok := sub.Views.Latest(id); ok && rec.Event.Kind() != jobs.KindPending {
			logger.WithField("Status", rec.Event.Kind()).Info("skipping redelivered start request")
			return nil
		}
	}
	if err := emit(ctx, sub.Log, id, jobs.Pending{Request: req}); err != nil {
		return err
	}
	t0 := time.Now()
	sid, jerr := sub.submit(ctx, logger, id, &req)
	sub.metrics().observe("submit", t0, jerr)
	if jerr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithField("ErrorKind", jerr.Kind).Warn(jerr.Message)
		return emit(ctx, sub.Log, id, jobs.UnsuccessfullyCompleted{SchedulerID: sid, Err: jerr})
	}
	logger.WithField("SchedulerID", sid).Info("job submitted")
	if err := emit(ctx, sub.Log, id, jobs.Started{SchedulerID: sid}); err != nil {
		return err
	}
	sub.started.Add(id, sid)
	return nil
}

func (sub *Submitter) setup() {
	sub.setupOnce.Do(func() {
		sub.started, _ = lru.New(recentlyStartedSize)
	})
}

func (sub *Submitter) submit(ctx context.Context, logger logrus.FieldLogger, id jobs.InternalID, req *jobs.StartRequest) (sid jobs.SchedulerID, jerr *jobs.Error) {
	defer recoverInternal(logger, &jerr)

	app, tool, err := sub.Catalog.FindApplication(req.Application)
	if err != nil {
		return 0, jobs.AsError(err)
	}
	workDir := sub.Layout.WorkDir(id)
	script, err := slurm.GenerateScript(slurm.ScriptOptions{
		JobName:          id,
		WorkDir:          workDir,
		Application:      app,
		Tool:             tool,
		Request:          req,
		ExtraArgs:        sub.SbatchArguments,
		ContainerCommand: sub.ContainerCommand,
	})
	if err != nil {
		var je *jobs.Error
		if errors.As(err, &je) {
			return 0, je
		}
		return 0, jobs.Errorf(jobs.Internal, "rendering batch script: %s", err)
	}

	store, err := sub.Storage.For(ctx, req.Owner)
	if err != nil {
		return 0, storageError(err, "opening storage for %s", req.Owner.Username)
	}
	uploads, jerr := validateUploads(ctx, app, req, store, workDir)
	if jerr != nil {
		return 0, jerr
	}

	err = sub.Pool.WithConnection(ctx, func(conn sshpool.Conn) error {
		// The internal id is the Slurm job name. If an earlier
		// attempt got as far as sbatch, report that job instead
		// of submitting another.
		prev, found, err := sub.Slurm.FindByName(ctx, conn, string(id))
		if err != nil {
			return err
		} else if found {
			logger.WithField("SchedulerID", prev).Info("job was already submitted by an earlier attempt")
			sid = prev
			return nil
		}
		if err := conn.MkdirAll(ctx, workDir); err != nil {
			return fmt.Errorf("creating %s: %w", workDir, err)
		}
		for _, up := range uploads {
			if err := sub.upload(ctx, logger, conn, store, up); err != nil {
				return err
			}
		}
		scriptPath := sub.Layout.ScriptPath(id)
		if err := conn.Put(ctx, scriptPath, bytes.NewReader(script), int64(len(script)), 0644); err != nil {
			return fmt.Errorf("uploading batch script: %w", err)
		}
		sid, err = sub.Slurm.Submit(ctx, conn, scriptPath)
		return err
	})
	switch {
	case err == nil:
		return sid, nil
	case errors.Is(err, storage.ErrAccessDenied), errors.Is(err, storage.ErrNotExist):
		return 0, storageError(err, "reading input")
	default:
		return 0, jobs.Errorf(jobs.Internal, "%s", err)
	}
}

func (sub *Submitter) upload(ctx context.Context, logger logrus.FieldLogger, conn sshpool.Conn, store storage.Storage, up upload) error {
	t0 := time.Now()
	rdr, err := store.Open(ctx, up.Source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", up.Source, err)
	}
	defer rdr.Close()
	if err := conn.Put(ctx, up.Destination, rdr, up.Size, 0644); err != nil {
		return fmt.Errorf("uploading %s: %w", up.Name, err)
	}
	sub.metrics().bytes.WithLabelValues("in").Add(float64(up.Size))
	logger.WithFields(logrus.Fields{
		"Source":      up.Source,
		"Destination": up.Destination,
		"Size":        humanize.IBytes(uint64(up.Size)),
		"Elapsed":     time.Since(t0).String(),
	}).Info("input staged")
	return nil
}

// validateUploads checks every input_file parameter of app against
// req and store, and returns the transfers to perform. It does not
// write anything.
func validateUploads(ctx context.Context, app *jobs.Application, req *jobs.StartRequest, store storage.Storage, workDir string) ([]upload, *jobs.Error) {
	var uploads []upload
	for _, p := range app.Parameters {
		if p.Type != jobs.InputFile {
			continue
		}
		v, ok, err := p.Value(req)
		if err != nil {
			return nil, jobs.AsError(err)
		} else if !ok {
			continue
		}
		ft := v.(jobs.FileTransfer)
		dst, ok := containedPath(workDir, ft.Destination)
		if !ok {
			return nil, jobs.Errorf(jobs.InvalidRequest, "parameter %q: destination %q is outside the working directory", p.Name, ft.Destination)
		}
		info, err := store.Stat(ctx, ft.Source)
		if err != nil {
			return nil, storageError(err, "parameter %q: %s", p.Name, ft.Source)
		}
		uploads = append(uploads, upload{
			Source:      ft.Source,
			Name:        p.Name,
			Destination: dst,
			Size:        info.Size,
		})
	}
	return uploads, nil
}

// containedPath joins rel to dir and reports whether the result is
// strictly inside dir.
func containedPath(dir, rel string) (string, bool) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", false
	}
	joined := path.Join(dir, rel)
	if !strings.HasPrefix(joined, dir+"/") {
		return "", false
	}
	return joined, true
}
