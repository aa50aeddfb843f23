// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package bridge

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/escience-bridge/slurmbridge/lib/cmd"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/lifecycle"
	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

type openLogFunc func(context.Context, config.EventLogConfig, logrus.FieldLogger) (eventlog.Log, error)

// SubmitCommand appends a start or cancel request, read as JSON from
// a file or stdin, to the requests topic.
var SubmitCommand cmd.Handler = submitCommand{openLog: eventlog.Open}

// ViewsCommand replays the events topic and prints the aggregated
// views as JSON.
var ViewsCommand cmd.Handler = viewsCommand{openLog: eventlog.Open}

type submitCommand struct {
	openLog openLogFunc
}

func (sc submitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("submit failed")
		}
	}()

	loader := config.NewLoader(nil, logger)
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader.SetupFlags(flags)
	reqFile := flags.String("request", "-", "read request JSON from `file` (\"-\" for stdin)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	var buf []byte
	if *reqFile == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(*reqFile)
	}
	if err != nil {
		return 1
	}
	req, err := jobs.DecodeRequest(buf)
	if err != nil {
		return 1
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	ctx := context.Background()
	log, err := sc.openLog(ctx, cfg.EventLog, logger)
	if err != nil {
		return 1
	}
	defer log.Close()
	offset, err := eventlog.AppendJSON(ctx, log, eventlog.Requests, string(req.JobID), req)
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"JobID":  req.JobID,
		"Type":   req.Kind,
		"Offset": offset,
	}).Info("request appended")
	fmt.Fprintln(stdout, offset)
	return 0
}

type viewsCommand struct {
	openLog openLogFunc
}

func (vc viewsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("views failed")
		}
	}()

	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	if cfg.EventLog.Driver == "memory" {
		logger.Warn("EventLog.Driver is memory, views will be empty")
	}
	ctx := context.Background()
	log, err := vc.openLog(ctx, cfg.EventLog, logger)
	if err != nil {
		return 1
	}
	defer log.Close()
	agg := &lifecycle.Aggregator{Logger: logger}
	if err = agg.Replay(ctx, log); err != nil {
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(agg.Snapshot()); err != nil {
		return 1
	}
	return 0
}
