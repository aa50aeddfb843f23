// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDumpBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("slurmbridge config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments.*`)
}

func (s *CommandSuite) TestDumpEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("slurmbridge config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*config file is empty.*`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := bytes.NewBufferString("SSH: {Host: hpc.example, Password: topsecret}\n")
	code := DumpCommand.RunCommand("slurmbridge config-dump", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*PoolSize: 8.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*topsecret.*`)
}
