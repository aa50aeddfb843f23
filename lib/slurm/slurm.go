// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm runs Slurm command line programs on the cluster head
// node and parses their output.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/sshpool"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

// ErrNoJobID means sbatch did not report a job id, even if it exited
// zero.
var ErrNoJobID = errors.New("sbatch did not report a job id")

// Runner runs a shell command on the head node. sshpool.Conn
// satisfies it.
type Runner interface {
	Exec(ctx context.Context, cmd string) (sshpool.ExecResult, error)
}

// Client builds and interprets sbatch, sacct and scancel commands.
// The zero value reports only COMPLETED jobs and formats times in
// UTC.
type Client struct {
	Logger logrus.FieldLogger
	// Time zone sacct uses to interpret -S.
	Location *time.Location
	// Subtracted from the "since" time of each poll to cover clock
	// skew and jobs that finish during the previous poll.
	PollSlack time.Duration
	// Report FAILED, CANCELLED, TIMEOUT, NODE_FAIL and
	// OUT_OF_MEMORY jobs in addition to COMPLETED ones.
	ReportFailedStates bool
}

var submittedRegexp = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submit runs "sbatch scriptPath" and returns the new job's id.
func (cli *Client) Submit(ctx context.Context, conn Runner, scriptPath string) (jobs.SchedulerID, error) {
	res, err := cli.run(ctx, conn, "sbatch "+Quote(scriptPath))
	if err != nil {
		return 0, err
	}
	m := submittedRegexp.FindSubmatch(res.Stdout)
	if m == nil {
		return 0, fmt.Errorf("%w (exit code %d, stderr %q)", ErrNoJobID, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	id, err := jobs.ParseSchedulerID(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoJobID, err)
	}
	return id, nil
}

// JobInfo returns the elapsed time Slurm accounted to a completed
// job.
func (cli *Client) JobInfo(ctx context.Context, conn Runner, id jobs.SchedulerID) (time.Duration, error) {
	cmd := fmt.Sprintf(`sacct --format="elapsed" -s cd -n -X -P -j %d`, id)
	res, err := cli.run(ctx, conn, cmd)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("sacct exited %d: %q", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	line := firstLine(string(res.Stdout))
	d, err := ParseElapsed(line)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Command = "sacct"
		}
		return 0, err
	}
	return d, nil
}

// How far back FindByName looks, in sacct's relative time syntax.
const findByNameWindow = "now-30days"

// FindByName returns the id of the most recent job submitted with the
// given --job-name in the last 30 days, in any state.
func (cli *Client) FindByName(ctx context.Context, conn Runner, name string) (jobs.SchedulerID, bool, error) {
	res, err := cli.run(ctx, conn, "sacct -n -X -P -o jobid -S "+findByNameWindow+" --name="+Quote(name))
	if err != nil {
		return 0, false, err
	}
	if res.ExitCode != 0 {
		return 0, false, fmt.Errorf("sacct exited %d: %q", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	var found jobs.SchedulerID
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		id, err := jobs.ParseSchedulerID(line)
		if err != nil {
			cli.logger().WithField("Line", line).Warn("skipping sacct line with invalid job id")
			continue
		}
		if id > found {
			found = id
		}
	}
	return found, found > 0, nil
}

// PollSince returns completion signals for jobs that sacct reports
// in a terminal state since the given time, less PollSlack.
// Malformed lines are logged and skipped.
func (cli *Client) PollSince(ctx context.Context, conn Runner, since time.Time) ([]CompletionSignal, error) {
	loc := cli.Location
	if loc == nil {
		loc = time.UTC
	}
	start := since.Add(-cli.PollSlack).In(loc).Format("2006-01-02T15:04:05")
	res, err := cli.run(ctx, conn, "sacct -b -P -n -S "+start)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sacct exited %d: %q", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return cli.parseSacct(string(res.Stdout)), nil
}

// Cancel runs "scancel id". Cancelling a job that has already ended
// is not an error.
func (cli *Client) Cancel(ctx context.Context, conn Runner, id jobs.SchedulerID) error {
	res, err := cli.run(ctx, conn, fmt.Sprintf("scancel %d", id))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(string(res.Stderr))
		if strings.Contains(stderr, "already completing or completed") {
			return nil
		}
		return fmt.Errorf("scancel %d exited %d: %q", id, res.ExitCode, stderr)
	}
	return nil
}

// RemoveAll deletes a directory tree on the head node.
func (cli *Client) RemoveAll(ctx context.Context, conn Runner, dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	res, err := cli.run(ctx, conn, "rm -rf "+Quote(dir))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm -rf %s exited %d: %q", dir, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func (cli *Client) run(ctx context.Context, conn Runner, cmd string) (sshpool.ExecResult, error) {
	logger := cli.logger().WithField("Command", cmd)
	t0 := time.Now()
	res, err := conn.Exec(ctx, cmd)
	if err != nil {
		logger.WithError(err).Warn("exec failed")
		return res, fmt.Errorf("%s: %w", cmd, err)
	}
	logger = logger.WithFields(logrus.Fields{
		"ExitCode": res.ExitCode,
		"Elapsed":  time.Since(t0).Seconds(),
	})
	if res.ExitCode != 0 {
		logger.WithField("Stderr", strings.TrimSpace(string(res.Stderr))).Info("command failed")
	} else {
		logger.Debug("command finished")
	}
	return res, nil
}

func (cli *Client) logger() logrus.FieldLogger {
	if cli.Logger == nil {
		return logrus.StandardLogger()
	}
	return cli.Logger
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
