// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

// Return a new Loader that reads config from configdata, takes
// environment overrides from env, and logs to logdst or (if that's
// nil) c.Log.
func testLoader(c *check.C, configdata string, env map[string]string, logdst io.Writer) *Loader {
	var logger logrus.FieldLogger = ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	ldr.Getenv = func(k string) string { return env[k] }
	return ldr
}

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil, nil).Load()
	c.Check(cfg, check.IsNil)
	c.Assert(err, check.Equals, ErrNoConfig)
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := testLoader(c, `SSH: {Host: hpc.example}`, nil, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.SSH.Host, check.Equals, "hpc.example")
	c.Check(cfg.SSH.Port, check.Equals, 22)
	c.Check(cfg.SSH.PoolSize, check.Equals, 8)
	c.Check(cfg.SSH.ChannelCloseTimeout.Duration(), check.Equals, 5*time.Second)
	c.Check(cfg.Slurm.PollInterval.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.Slurm.PollSlack.Duration(), check.Equals, time.Minute)
	c.Check(cfg.Slurm.ReportFailedStates, check.Equals, false)
	c.Check(cfg.Slurm.ProjectDir(cfg.SSH.User), check.Equals, "/home/slurmbridge/projects")
	c.Check(cfg.Storage.Driver, check.Equals, "directory")
	c.Check(cfg.EventLog.Driver, check.Equals, "memory")
	c.Check(cfg.EventLog.PostgreSQL["dbname"], check.Equals, "slurmbridge")
}

func (s *LoadSuite) TestOverrideDefaults(c *check.C) {
	cfg, err := testLoader(c, `
SSH:
  Host: hpc.example
  User: alice
  PoolSize: 2
Slurm:
  ProjectRoot: /scratch/jobs
  ReportFailedStates: true
  SbatchArguments: ["--partition=short"]
Catalog:
  Watch: false
EventLog:
  Driver: postgresql
  PostgreSQL:
    host: db.example
`, nil, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.SSH.PoolSize, check.Equals, 2)
	c.Check(cfg.Slurm.ProjectDir(cfg.SSH.User), check.Equals, "/scratch/jobs")
	c.Check(cfg.Slurm.ReportFailedStates, check.Equals, true)
	c.Check(cfg.Slurm.SbatchArguments, check.DeepEquals, []string{"--partition=short"})
	c.Check(cfg.Catalog.Watch, check.Equals, false)
	c.Check(cfg.EventLog.PostgreSQL["host"], check.Equals, "db.example")
	// keys not mentioned keep their defaults
	c.Check(cfg.EventLog.PostgreSQL["dbname"], check.Equals, "slurmbridge")
}

func (s *LoadSuite) TestEnvironmentOverrides(c *check.C) {
	env := map[string]string{
		"SLURMBRIDGE_SSH_PASSWORD":     "hunter2",
		"SLURMBRIDGE_MANAGEMENT_TOKEN": "mgmt",
		"SLURMBRIDGE_PGPASSWORD":       "pgsecret",
	}
	cfg, err := testLoader(c, `
SSH: {Host: hpc.example, Password: fromfile}
Management: {Token: fromfile}
`, env, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.SSH.Password, check.Equals, "hunter2")
	c.Check(cfg.Management.Token, check.Equals, "mgmt")
	c.Check(cfg.EventLog.PostgreSQL["password"], check.Equals, "pgsecret")
	c.Check(cfg.EventLog.PostgreSQL["host"], check.Equals, "localhost")
}

func (s *LoadSuite) TestConfigEnvSetsDefaultPath(c *check.C) {
	ldr := testLoader(c, "", map[string]string{"SLURMBRIDGE_CONFIG": "/tmp/bridge.yml"}, nil)
	ldr.Path = ""
	flags := newFlagSet()
	ldr.SetupFlags(flags)
	c.Check(ldr.Path, check.Equals, "/tmp/bridge.yml")
	c.Check(flags.Parse([]string{"-config", "/other.yml"}), check.IsNil)
	c.Check(ldr.Path, check.Equals, "/other.yml")
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	_, err := testLoader(c, `
SSH: {PoolSize: 0}
Storage: {Driver: ftp}
Slurm: {TimeZone: Mars/Olympus_Mons}
`, nil, nil).Load()
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, `invalid config: .*SSH.PoolSize 0 is less than 1.*`)
	c.Check(err, check.ErrorMatches, `.*unknown Storage.Driver "ftp".*`)
	c.Check(err, check.ErrorMatches, `.*Slurm.TimeZone.*`)
}

func (s *LoadSuite) TestLogExtraKeys(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, `
SSH: {Host: hpc.example, Hots: typo}
slurm: {PollInterval: 3s}
EventLog: {PostgreSQL: {connect_timeout: "10"}}
Bogus: true
`, nil, &logbuf).Load()
	c.Assert(err, check.IsNil)
	logs := logbuf.String()
	c.Check(logs, check.Matches, `(?ms).*unused config key \\"SSH.Hots\\".*`)
	c.Check(logs, check.Matches, `(?ms).*unused config key \\"Bogus\\".*`)
	c.Check(logs, check.Matches, `(?ms).*config key \\"slurm\\" should be spelled \\"Slurm\\".*`)
	c.Check(logs, check.Not(check.Matches), `(?ms).*connect_timeout.*`)
}

func (s *LoadSuite) TestPostgreSQLConnectionString(c *check.C) {
	conn := PostgreSQLConnection{"host": "db", "password": `it's\secret`, "port": ""}
	c.Check(conn.String(), check.Equals, `host='db' password='it\'s\\secret'`)
}
