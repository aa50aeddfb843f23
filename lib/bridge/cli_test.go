// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/escience-bridge/slurmbridge/lib/cmdtest"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/escience-bridge/slurmbridge/lib/eventlog"
	"github.com/escience-bridge/slurmbridge/lib/lifecycle"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CLISuite{})

type CLISuite struct {
	log     *eventlog.MemoryLog
	cfgFile string
}

type keepOpen struct {
	*eventlog.MemoryLog
}

func (keepOpen) Close() error { return nil }

func (s *CLISuite) SetUpTest(c *check.C) {
	s.log = eventlog.NewMemoryLog()
	s.cfgFile = filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(s.cfgFile, []byte("SSH: {Host: hpc.example}\n"), 0600), check.IsNil)
}

func (s *CLISuite) openLog(context.Context, config.EventLogConfig, logrus.FieldLogger) (eventlog.Log, error) {
	return keepOpen{s.log}, nil
}

func (s *CLISuite) TestSubmit(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	stdin := bytes.NewBufferString(`{"type":"cancel","job_id":"job-x"}`)
	code := submitCommand{openLog: s.openLog}.RunCommand("submit", []string{"-config", s.cfgFile}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "1\n")

	entries, err := s.log.Read(context.Background(), eventlog.Requests, 0, 10)
	c.Assert(err, check.IsNil)
	c.Assert(entries, check.HasLen, 1)
	c.Check(entries[0].Key, check.Equals, "job-x")
	req, err := jobs.DecodeRequest(entries[0].Value)
	c.Check(err, check.IsNil)
	c.Check(req.Kind, check.Equals, jobs.RequestCancel)
}

func (s *CLISuite) TestSubmitFromFile(c *check.C) {
	reqFile := filepath.Join(c.MkDir(), "req.json")
	buf, err := json.Marshal(startRequest("job-y"))
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(reqFile, buf, 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := submitCommand{openLog: s.openLog}.RunCommand("submit", []string{"-config", s.cfgFile, "-request", reqFile}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
}

func (s *CLISuite) TestSubmitInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	stdin := bytes.NewBufferString(`{"type":"start","job_id":"../etc"}`)
	code := submitCommand{openLog: s.openLog}.RunCommand("submit", []string{"-config", s.cfgFile}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*invalid job id.*`)
	entries, _ := s.log.Read(context.Background(), eventlog.Requests, 0, 10)
	c.Check(entries, check.HasLen, 0)
}

func (s *CLISuite) TestViews(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	ctx := context.Background()
	for _, ev := range []jobs.Event{
		jobs.Pending{Request: *startRequest("job-z").Start},
		jobs.Started{SchedulerID: 12},
	} {
		_, err := eventlog.AppendJSON(ctx, s.log, eventlog.Events, "job-z", jobs.Record{JobID: "job-z", Timestamp: time.Now(), Event: ev})
		c.Assert(err, check.IsNil)
	}
	var stdout, stderr bytes.Buffer
	code := viewsCommand{openLog: s.openLog}.RunCommand("views", []string{"-config", s.cfgFile}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	var views lifecycle.Views
	c.Assert(json.Unmarshal(stdout.Bytes(), &views), check.IsNil)
	c.Check(views.SchedulerToInternal[12], check.Equals, jobs.InternalID("job-z"))
	c.Check(views.Latest["job-z"].Event, check.DeepEquals, jobs.Event(jobs.Started{SchedulerID: 12}))
	c.Check(views.Requests["job-z"].Owner.Username, check.Equals, "alice")
}
