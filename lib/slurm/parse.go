// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
)

// State is a Slurm job state as printed by sacct.
type State string

const (
	Completed   State = "COMPLETED"
	Failed      State = "FAILED"
	Cancelled   State = "CANCELLED"
	Timeout     State = "TIMEOUT"
	NodeFail    State = "NODE_FAIL"
	OutOfMemory State = "OUT_OF_MEMORY"
	Running     State = "RUNNING"
	Pending     State = "PENDING"
)

var failedStates = map[State]bool{
	Failed:      true,
	Cancelled:   true,
	Timeout:     true,
	NodeFail:    true,
	OutOfMemory: true,
}

// Success reports whether the job ran to completion.
func (st State) Success() bool {
	return st == Completed
}

// CompletionSignal reports that a job reached a terminal state.
type CompletionSignal struct {
	SchedulerID jobs.SchedulerID
	State       State
	ExitCode    int
	Signal      int
}

// ParseError describes command output that could not be parsed.
type ParseError struct {
	Command string
	Input   string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("cannot parse %s output %q: %s", e.Command, e.Input, e.Reason)
}

// ParseElapsed parses a sacct duration, "[D-]HH:MM:SS".
func ParseElapsed(s string) (time.Duration, error) {
	var days int64
	rest := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil || n < 0 {
			return 0, &ParseError{Input: s, Reason: "invalid day count"}
		}
		days, rest = n, s[i+1:]
	}
	fields := strings.Split(rest, ":")
	if len(fields) != 3 {
		return 0, &ParseError{Input: s, Reason: "expected HH:MM:SS"}
	}
	var hms [3]int64
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return 0, &ParseError{Input: s, Reason: fmt.Sprintf("non-integer field %q", f)}
		}
		hms[i] = n
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(hms[0])*time.Hour +
		time.Duration(hms[1])*time.Minute +
		time.Duration(hms[2])*time.Second, nil
}

// parseExitCode parses sacct's "code[:signal]".
func parseExitCode(s string) (code, signal int, err error) {
	codestr, sigstr := s, ""
	if i := strings.IndexByte(s, ':'); i >= 0 {
		codestr, sigstr = s[:i], s[i+1:]
	}
	code, err = strconv.Atoi(codestr)
	if err != nil {
		return 0, 0, &ParseError{Input: s, Reason: "invalid exit code"}
	}
	if sigstr != "" {
		signal, err = strconv.Atoi(sigstr)
		if err != nil {
			return 0, 0, &ParseError{Input: s, Reason: "invalid signal"}
		}
	}
	return code, signal, nil
}

func (cli *Client) reportable(st State) bool {
	return st == Completed || (cli.ReportFailedStates && failedStates[st])
}

// parseSacct parses "sacct -b -P -n" output, one "id|state|exit"
// line per job or step. Each line is handled on its own: a bad line
// is logged and does not affect the others.
func (cli *Client) parseSacct(out string) []CompletionSignal {
	var signals []CompletionSignal
	seen := map[jobs.SchedulerID]bool{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		logger := cli.logger().WithField("Line", line)
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			logger.Warn("skipping malformed sacct line")
			continue
		}
		if strings.Contains(fields[0], ".") {
			// job step, e.g. "123.batch"
			continue
		}
		var st State
		// e.g. "CANCELLED by 1000"
		if words := strings.Fields(fields[1]); len(words) > 0 {
			st = State(words[0])
		}
		if !cli.reportable(st) {
			continue
		}
		id, err := jobs.ParseSchedulerID(fields[0])
		if err != nil {
			logger.WithError(err).Warn("skipping sacct line with invalid job id")
			continue
		}
		code, signal, err := parseExitCode(fields[2])
		if err != nil {
			logger.WithError(err).Warn("skipping sacct line with invalid exit code")
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		signals = append(signals, CompletionSignal{
			SchedulerID: id,
			State:       st,
			ExitCode:    code,
			Signal:      signal,
		})
	}
	return signals
}
