// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package bridge runs the request consumer, the event aggregator and
// the completion poller against one Slurm cluster, and serves the
// lookup API.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/escience-bridge/slurmbridge/lib/catalog"
	"github.com/escience-bridge/slurmbridge/lib/cmd"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/lifecycle"
	"github.com/escience-bridge/slurmbridge/lib/poller"
	"github.com/escience-bridge/slurmbridge/lib/service"
	"github.com/escience-bridge/slurmbridge/lib/slurm"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/lib/storage"
	"github.com/escience-bridge/slurmbridge/lib/workflow"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/health"
	"github.com/escience-bridge/slurmbridge/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	b := &Bridge{Config: cfg, Registry: reg}
	if err := b.Start(ctx); err != nil {
		return service.ErrorHandler(ctx, err)
	}
	return b
}

// Bridge owns the long-running components. Fields other than the
// unexported ones must be set before Start.
type Bridge struct {
	Config   *config.Config
	Registry *prometheus.Registry

	// Optional replacements for the components normally built
	// from Config.
	Dial    sshpool.DialFunc
	Log     eventlog.Log
	Catalog *catalog.Catalog
	Storage storage.Provider

	logger      logrus.FieldLogger
	pool        *sshpool.Pool
	agg         *lifecycle.Aggregator
	poller      *poller.Poller
	submitter   *workflow.Submitter
	completer   *workflow.Completer
	httpHandler http.Handler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
	errMtx  sync.Mutex
	runErr  error
}

// Start builds the components and starts the background loops. It
// returns without waiting for the event replay to finish.
func (b *Bridge) Start(ctx context.Context) error {
	cfg := b.Config
	b.logger = ctxlog.FromContext(ctx)
	if b.Registry == nil {
		b.Registry = prometheus.NewRegistry()
	}
	b.stopped = make(chan struct{})

	loc, err := cfg.Slurm.Location()
	if err != nil {
		return &service.ComponentError{Component: "slurm", Err: err}
	}
	if b.Dial == nil {
		b.Dial, err = sshpool.NewDialer(cfg.SSH, b.logger)
		if err != nil {
			return &service.ComponentError{Component: "ssh", Err: err}
		}
	}
	if b.Storage == nil {
		b.Storage, err = storage.NewFactory(ctx, cfg.Storage, b.logger)
		if err != nil {
			return &service.ComponentError{Component: "storage", Err: err}
		}
	}
	if b.Catalog == nil {
		b.Catalog, err = catalog.Load(cfg.Catalog.ApplicationsFile, b.logger)
		if err != nil {
			return &service.ComponentError{Component: "catalog", Err: err}
		}
		if cfg.Catalog.Watch {
			if err := b.Catalog.Watch(ctx); err != nil {
				b.logger.WithError(err).Warn("cannot watch catalog file, changes need a restart")
			}
		}
	}
	if b.Log == nil {
		b.Log, err = eventlog.Open(ctx, cfg.EventLog, b.logger)
		if err != nil {
			return &service.ComponentError{Component: "event log", Err: err}
		}
	}

	b.pool = sshpool.NewPool(b.logger, b.Registry, cfg.SSH.PoolSize, b.Dial)
	slurmClient := &slurm.Client{
		Logger:             b.logger,
		Location:           loc,
		PollSlack:          cfg.Slurm.PollSlack.Duration(),
		ReportFailedStates: cfg.Slurm.ReportFailedStates,
	}
	layout := workflow.Layout{ProjectRoot: cfg.Slurm.ProjectDir(cfg.SSH.User)}
	metrics := workflow.NewMetrics(b.Registry)

	b.poller = &poller.Poller{
		Pool:            b.pool,
		Slurm:           slurmClient,
		Interval:        cfg.Slurm.PollInterval.Duration(),
		Concurrency:     cfg.Slurm.ConcurrentCompletions,
		InitialLookback: cfg.Slurm.InitialLookback.Duration(),
		Logger:          b.logger.WithField("Component", "poller"),
		Registry:        b.Registry,
	}
	b.agg = &lifecycle.Aggregator{
		Logger:  b.logger.WithField("Component", "aggregator"),
		Tracker: b.poller,
	}
	b.agg.RegisterMetrics(b.Registry)
	b.submitter = &workflow.Submitter{
		Pool:             b.pool,
		Slurm:            slurmClient,
		Catalog:          b.Catalog,
		Storage:          b.Storage,
		Log:              b.Log,
		Views:            b.agg,
		Layout:           layout,
		SbatchArguments:  cfg.Slurm.SbatchArguments,
		ContainerCommand: cfg.Slurm.ContainerCommand,
		Logger:           b.logger.WithField("Component", "submitter"),
		Metrics:          metrics,
	}
	b.completer = &workflow.Completer{
		Pool:    b.pool,
		Slurm:   slurmClient,
		Catalog: b.Catalog,
		Storage: b.Storage,
		Log:     b.Log,
		Views:   b.agg,
		Layout:  layout,
		Cleanup: cfg.Slurm.CleanupAfterCompletion,
		Logger:  b.logger.WithField("Component", "completer"),
		Metrics: metrics,
	}
	b.poller.Complete = b.completer.Complete
	b.setupHTTP()

	ctx, b.cancel = context.WithCancel(ctx)
	b.goRun(ctx, "aggregator", func(ctx context.Context) error {
		return b.agg.Run(ctx, b.Log, cfg.EventLog.Workers, b.Registry)
	})
	b.goRun(ctx, "requests", func(ctx context.Context) error {
		select {
		case <-b.agg.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		cons := &eventlog.Consumer{
			Log:       b.Log,
			Topic:     eventlog.Requests,
			Group:     cfg.EventLog.ConsumerGroup,
			Workers:   cfg.EventLog.Workers,
			BatchSize: cfg.EventLog.BatchSize,
			Handler:   b.submitter.HandleEntry,
			Logger:    b.logger.WithField("Component", "requests"),
			Registry:  b.Registry,

			RetryDelay:    cfg.EventLog.RetryDelay.Duration(),
			MaxRetryDelay: cfg.EventLog.MaxRetryDelay.Duration(),
		}
		return cons.Run(ctx)
	})
	b.goRun(ctx, "poller", func(ctx context.Context) error {
		select {
		case <-b.agg.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		return b.poller.Run(ctx)
	})
	go func() {
		<-ctx.Done()
		b.shutdown()
		close(b.stopped)
	}()
	return nil
}

// goRun runs fn in a goroutine. If fn returns before ctx is done,
// the bridge stops.
func (b *Bridge) goRun(ctx context.Context, name string, fn func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("%s stopped unexpectedly", name)
		}
		b.logger.WithError(err).WithField("Component", name).Error("shutting down")
		b.errMtx.Lock()
		if b.runErr == nil {
			b.runErr = fmt.Errorf("%s: %w", name, err)
		}
		b.errMtx.Unlock()
		b.cancel()
	}()
}

// Ready returns a channel that is closed once the event replay has
// caught up and requests are being consumed.
func (b *Bridge) Ready() <-chan struct{} {
	return b.agg.Ready()
}

// ServeHTTP implements service.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (b *Bridge) CheckHealth() error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if err := b.pool.CheckHealth(); err != nil {
		return err
	}
	return b.poller.CheckHealth()
}

func (b *Bridge) checkRunning() error {
	b.errMtx.Lock()
	defer b.errMtx.Unlock()
	return b.runErr
}

// Done implements service.Handler. The returned channel is closed
// once the bridge has shut down, either because the context passed
// to Start was cancelled or because a background component failed.
func (b *Bridge) Done() <-chan struct{} {
	return b.stopped
}

// Close stops the background loops and waits for the bridge to shut
// down.
func (b *Bridge) Close() {
	b.cancel()
	<-b.stopped
}

func (b *Bridge) shutdown() {
	b.wg.Wait()
	b.poller.Wait()
	b.pool.Close()
	if err := b.Log.Close(); err != nil {
		b.logger.WithError(err).Warn("error closing event log")
	}
	b.logger.Info("stopped")
}

func (b *Bridge) setupHTTP() {
	mux := httprouter.New()
	mux.GET("/slurm/:id", b.apiSchedulerJob)
	mux.GET("/jobs/:id", b.apiJob)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  b.Config.Management.Token,
		Prefix: "/_health/",
		Routes: health.Routes{
			"ssh":    b.pool.CheckHealth,
			"poller": b.poller.CheckHealth,
			"events": b.checkRunning,
			"ready":  b.checkReady,
		},
	})
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	b.httpHandler = httpserver.RequireToken(b.Config.Management.Token, mux)
}

func (b *Bridge) checkReady() error {
	select {
	case <-b.agg.Ready():
		return nil
	default:
		return fmt.Errorf("event replay in progress")
	}
}
