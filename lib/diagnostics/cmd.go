// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package diagnostics checks that the configured cluster, storage,
// catalog and event log are usable, and prints a report.
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/catalog"
	"github.com/escience-bridge/slurmbridge/lib/cmd"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/slurm"
	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/lib/storage"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

type Command struct {
	// If non-nil, used instead of dialing SSH.Host.
	Dial sshpool.DialFunc
	// If non-nil, used instead of opening the configured event
	// log.
	Log eventlog.Log
}

func (diag Command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f := flag.NewFlagSet(prog, flag.ContinueOnError)
	f.SetOutput(stderr)
	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(f)
	loglevel := f.String("log-level", "info", "logging level (debug, info, warning, error)")
	username := f.String("user", "", "check storage access for this `username`")
	timeout := f.Duration("timeout", 30*time.Second, "timeout for each remote operation")
	if ok, code := cmd.ParseFlags(f, prog, args, "", stderr); !ok {
		return code
	}

	logger := ctxlog.New(stdout, "text", *loglevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableLevelTruncation: true})

	infof := logger.Infof
	var errs []string
	errorf := func(f string, args ...interface{}) {
		logger.Errorf(f, args...)
		errs = append(errs, fmt.Sprintf(f, args...))
	}
	defer func() {
		if len(errs) == 0 {
			logger.Info("--- no errors ---")
		} else {
			fmt.Fprint(stdout, "\n--- cut here --- error summary ---\n\n")
			for _, e := range errs {
				logger.Error(e)
			}
		}
	}()

	cfg, err := loader.Load()
	if err != nil {
		errorf("loading config: %s", err)
		return 1
	}
	ctx := context.Background()

	testname := fmt.Sprintf("loading catalog %s", cfg.Catalog.ApplicationsFile)
	logger.Info(testname)
	if cat, err := catalog.Load(cfg.Catalog.ApplicationsFile, logger); err != nil {
		errorf("%s: %s", testname, err)
	} else {
		infof("%s: ok, %d applications", testname, len(cat.Applications()))
	}

	dial := diag.Dial
	if dial == nil {
		dial, err = sshpool.NewDialer(cfg.SSH, logger)
	}
	testname = fmt.Sprintf("connecting to %s@%s", cfg.SSH.User, cfg.SSH.Addr())
	logger.Info(testname)
	var conn sshpool.Conn
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, *timeout)
		conn, err = dial(dctx)
		cancel()
	}
	if err != nil {
		errorf("%s: %s", testname, err)
	} else {
		defer conn.Close()
		infof("%s: ok", testname)
		diag.checkCluster(ctx, cfg, conn, *timeout, logger, errorf)
	}

	if *username != "" {
		diag.checkStorage(ctx, cfg, *username, logger, errorf)
	}

	testname = fmt.Sprintf("reading %s event log", cfg.EventLog.Driver)
	logger.Info(testname)
	log := diag.Log
	if log == nil {
		log, err = eventlog.Open(ctx, cfg.EventLog, logger)
	}
	if err != nil {
		errorf("%s: %s", testname, err)
	} else {
		defer log.Close()
		if ents, err := log.Read(ctx, eventlog.Events, 0, 1); err != nil {
			errorf("%s: %s", testname, err)
		} else {
			infof("%s: ok, events topic has %d+ entries", testname, len(ents))
		}
	}

	if len(errs) > 0 {
		return 1
	}
	return 0
}

func (diag Command) checkCluster(ctx context.Context, cfg *config.Config, conn sshpool.Conn, timeout time.Duration, logger logrus.FieldLogger, errorf func(string, ...interface{})) {
	loc, _ := cfg.Slurm.Location()
	cli := &slurm.Client{Logger: logger, Location: loc, PollSlack: cfg.Slurm.PollSlack.Duration()}

	testname := "running sacct"
	logger.Info(testname)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	sigs, err := cli.PollSince(tctx, conn, time.Now().Add(-time.Hour))
	cancel()
	if err != nil {
		errorf("%s: %s", testname, err)
	} else {
		logger.Infof("%s: ok, %d jobs finished in the last hour", testname, len(sigs))
	}

	dir := path.Join(cfg.Slurm.ProjectDir(cfg.SSH.User), fmt.Sprintf("diagnostics-%d", time.Now().UnixNano()))
	testname = fmt.Sprintf("writing and reading back a file in %s", dir)
	logger.Info(testname)
	tctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()
	data := []byte("slurmbridge diagnostics\n")
	fnm := path.Join(dir, "check.txt")
	var got bytes.Buffer
	if err := conn.MkdirAll(tctx, dir); err != nil {
		errorf("%s: mkdir: %s", testname, err)
		return
	}
	defer func() {
		if err := cli.RemoveAll(ctx, conn, dir); err != nil {
			errorf("removing %s: %s", dir, err)
		}
	}()
	if err := conn.Put(tctx, fnm, bytes.NewReader(data), int64(len(data)), 0644); err != nil {
		errorf("%s: put: %s", testname, err)
	} else if _, err := conn.Get(tctx, fnm, &got); err != nil {
		errorf("%s: get: %s", testname, err)
	} else if !bytes.Equal(got.Bytes(), data) {
		errorf("%s: read back %q, expected %q", testname, got.String(), data)
	} else {
		logger.Infof("%s: ok", testname)
	}
}

func (diag Command) checkStorage(ctx context.Context, cfg *config.Config, username string, logger logrus.FieldLogger, errorf func(string, ...interface{})) {
	testname := fmt.Sprintf("checking %s storage for user %q", cfg.Storage.Driver, username)
	logger.Info(testname)
	factory, err := storage.NewFactory(ctx, cfg.Storage, logger)
	if err != nil {
		errorf("%s: %s", testname, err)
		return
	}
	store, err := factory.For(ctx, jobs.Principal{Username: username})
	if err != nil {
		errorf("%s: %s", testname, err)
		return
	}
	// Only reachability is checked, so a missing marker object is
	// fine.
	_, err = store.Stat(ctx, "/"+strings.Trim(username, "/")+"/.slurmbridge-check")
	switch {
	case err == nil, errors.Is(err, storage.ErrNotExist):
		logger.Infof("%s: ok", testname)
	default:
		errorf("%s: %s", testname, err)
	}
}
