// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cmdtest provides tools for testing slurmbridge subcommands.
package cmdtest

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// LeakCheck checks that a subcommand writes only to the stdout and
// stderr it was given. Output sent to os.Stdout, os.Stderr or the
// logrus standard logger (a component that was never handed the
// command's logger) is captured and reported as a test failure.
//
// The returned func restores the original streams and runs the
// checks:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		code := bridge.Command.RunCommand(...)
//	}
func LeakCheck(c *check.C) func() {
	dir := c.MkDir()
	capture := func(name string) *os.File {
		f, err := os.CreateTemp(dir, name)
		c.Assert(err, check.IsNil)
		return f
	}
	captured := map[string]*os.File{
		"os.Stdout":       capture("stdout"),
		"os.Stderr":       capture("stderr"),
		"logrus standard": capture("logrus"),
	}

	stdout, stderr := os.Stdout, os.Stderr
	std := logrus.StandardLogger()
	stdOut := std.Out
	os.Stdout, os.Stderr = captured["os.Stdout"], captured["os.Stderr"]
	std.SetOutput(captured["logrus standard"])
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		std.SetOutput(stdOut)

		for name, f := range captured {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to %s", name))
			f.Close()
		}
	}
}
