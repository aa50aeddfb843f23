// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/slurm"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/lib/storage"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

// ErrUnknownJob means a completion signal named a scheduler id that
// no event has mapped to an internal id.
var ErrUnknownJob = errors.New("no internal id for scheduler job")

// Completer stages a finished job's outputs back to storage and
// emits its terminal event.
type Completer struct {
	Pool    ConnPool
	Slurm   *slurm.Client
	Catalog Catalog
	Storage storage.Provider
	Log     eventlog.Log
	Views   Views
	Layout  Layout
	// Remove the project directory once outputs are staged.
	Cleanup bool
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// output is a remote file to stage out. Source is absolute on the
// cluster, Destination is a storage path.
type output struct {
	Source      string
	Destination string
}

func (cmp *Completer) metrics() *Metrics {
	if cmp.Metrics == nil {
		cmp.Metrics = NewMetrics(nil)
	}
	return cmp.Metrics
}

// OutputDir returns the storage directory that receives a job's
// default outputs.
func OutputDir(owner jobs.Principal, id jobs.InternalID) string {
	return path.Join("/", owner.Username, "Jobs", string(id))
}

// Complete runs the completion workflow for sig.
//
// An unmapped scheduler id or a missing request is returned as an
// error and nothing is emitted. A job whose latest event is already
// terminal is skipped.
func (cmp *Completer) Complete(ctx context.Context, sig slurm.CompletionSignal) error {
	logger := cmp.Logger.WithFields(logrus.Fields{
		"SchedulerID": sig.SchedulerID,
		"State":       sig.State,
	})
	id, ok := cmp.Views.InternalID(sig.SchedulerID)
	if !ok {
		err := fmt.Errorf("%w %d", ErrUnknownJob, sig.SchedulerID)
		logger.Error(err.Error())
		return err
	}
	logger = logger.WithField("JobID", id)
	if rec, ok := cmp.Views.Latest(id); ok && jobs.Terminal(rec.Event) {
		logger.WithField("Status", rec.Event.Kind()).Debug("job already completed")
		return nil
	}
	req, ok := cmp.Views.Request(id)
	if !ok {
		err := fmt.Errorf("no start request recorded for job %s", id)
		logger.Error(err.Error())
		return err
	}

	t0 := time.Now()
	elapsed, jerr := cmp.complete(ctx, logger, id, sig, &req)
	if jerr == nil && !sig.State.Success() {
		jerr = stateError(sig)
	}
	cmp.metrics().observe("complete", t0, jerr)
	if jerr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithField("ErrorKind", jerr.Kind).Warn(jerr.Message)
		return emit(ctx, cmp.Log, id, jobs.UnsuccessfullyCompleted{SchedulerID: sig.SchedulerID, Err: jerr})
	}
	logger.WithField("Elapsed", elapsed.String()).Info("job completed")
	return emit(ctx, cmp.Log, id, jobs.SuccessfullyCompleted{SchedulerID: sig.SchedulerID, Elapsed: jobs.Duration(elapsed)})
}

func stateError(sig slurm.CompletionSignal) *jobs.Error {
	kind := jobs.Internal
	if sig.State == slurm.Cancelled {
		kind = jobs.Cancelled
	}
	if sig.Signal != 0 {
		return jobs.Errorf(kind, "job ended in state %s (exit code %d, signal %d)", sig.State, sig.ExitCode, sig.Signal)
	}
	return jobs.Errorf(kind, "job ended in state %s (exit code %d)", sig.State, sig.ExitCode)
}

func (cmp *Completer) complete(ctx context.Context, logger logrus.FieldLogger, id jobs.InternalID, sig slurm.CompletionSignal, req *jobs.StartRequest) (elapsed time.Duration, jerr *jobs.Error) {
	defer recoverInternal(logger, &jerr)

	app, _, err := cmp.Catalog.FindApplication(req.Application)
	if err != nil {
		// Still worth staging stdout and stderr.
		logger.WithError(err).Warn("application no longer in catalog, staging default outputs only")
		app = nil
	}
	store, err := cmp.Storage.For(ctx, req.Owner)
	if err != nil {
		return 0, storageError(err, "opening storage for %s", req.Owner.Username)
	}
	workDir := cmp.Layout.WorkDir(id)
	outDir := OutputDir(req.Owner, id)
	outputs, jerr := declaredOutputs(app, req, workDir, outDir)
	if jerr != nil {
		return 0, jerr
	}

	err = cmp.Pool.WithConnection(ctx, func(conn sshpool.Conn) error {
		if app != nil {
			for _, pattern := range app.OutputFileGlobs {
				matches, err := conn.Glob(ctx, workDir, pattern)
				if err != nil {
					return fmt.Errorf("listing outputs matching %q: %w", pattern, err)
				}
				for _, m := range matches {
					rel := strings.TrimPrefix(m, workDir+"/")
					outputs = append(outputs, output{Source: m, Destination: path.Join(outDir, rel)})
				}
			}
		}
		seen := map[string]bool{}
		for _, out := range outputs {
			if seen[out.Source] {
				continue
			}
			seen[out.Source] = true
			if err := cmp.download(ctx, logger, conn, store, out); err != nil {
				return err
			}
		}

		if sig.State == slurm.Completed {
			if d, err := cmp.Slurm.JobInfo(ctx, conn, sig.SchedulerID); err != nil {
				logger.WithError(err).Warn("could not get accounting information")
			} else {
				elapsed = d
			}
		}
		if cmp.Cleanup {
			if err := cmp.Slurm.RemoveAll(ctx, conn, cmp.Layout.ProjectDir(id)); err != nil {
				logger.WithError(err).Warn("cleanup failed")
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return elapsed, nil
	case errors.Is(err, storage.ErrAccessDenied):
		return 0, storageError(err, "staging outputs")
	default:
		return 0, jobs.Errorf(jobs.Internal, "%s", err)
	}
}

// declaredOutputs returns stdout, stderr and the output_file
// parameters of app. Output globs are expanded later, on the
// cluster.
func declaredOutputs(app *jobs.Application, req *jobs.StartRequest, workDir, outDir string) ([]output, *jobs.Error) {
	outputs := []output{
		{Source: path.Join(workDir, slurm.StdoutFile), Destination: path.Join(outDir, slurm.StdoutFile)},
		{Source: path.Join(workDir, slurm.StderrFile), Destination: path.Join(outDir, slurm.StderrFile)},
	}
	if app == nil {
		return outputs, nil
	}
	for _, p := range app.Parameters {
		if p.Type != jobs.OutputFile {
			continue
		}
		v, ok, err := p.Value(req)
		if err != nil {
			return nil, jobs.AsError(err)
		} else if !ok {
			continue
		}
		ft := v.(jobs.FileTransfer)
		src, ok := containedPath(workDir, ft.Source)
		if !ok {
			return nil, jobs.Errorf(jobs.InvalidRequest, "parameter %q: source %q is outside the working directory", p.Name, ft.Source)
		}
		outputs = append(outputs, output{Source: src, Destination: ft.Destination})
	}
	return outputs, nil
}

// download copies one remote file into storage. A missing remote
// file is logged and skipped.
func (cmp *Completer) download(ctx context.Context, logger logrus.FieldLogger, conn sshpool.Conn, store storage.Storage, out output) error {
	logger = logger.WithFields(logrus.Fields{"Source": out.Source, "Destination": out.Destination})
	if _, err := conn.Stat(ctx, out.Source); errors.Is(err, fs.ErrNotExist) {
		logger.Info("output file not found, skipping")
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", out.Source, err)
	}
	t0 := time.Now()
	pr, pw := io.Pipe()
	getErr := make(chan error, 1)
	go func() {
		_, err := conn.Get(ctx, out.Source, pw)
		pw.CloseWithError(err)
		getErr <- err
	}()
	n, err := store.Write(ctx, out.Destination, pr)
	// Unblock the reader side if Write gave up early.
	pr.CloseWithError(err)
	if gerr := <-getErr; gerr != nil && err == nil {
		err = gerr
	}
	if err != nil {
		return fmt.Errorf("staging %s to %s: %w", out.Source, out.Destination, err)
	}
	cmp.metrics().bytes.WithLabelValues("out").Add(float64(n))
	logger.WithFields(logrus.Fields{
		"Size":    humanize.IBytes(uint64(n)),
		"Elapsed": time.Since(t0).String(),
	}).Info("output staged")
	return nil
}
