// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CatalogSuite{})

type CatalogSuite struct {
	path string
}

const catalogYAML = `
tools:
  - info: {name: foo-tool, version: "1.0"}
    container: docker://example/foo:1.0
    default_number_of_nodes: 1
    default_tasks_per_node: 2
    default_max_time: {hours: 1}
    required_modules: [singularity]
applications:
  - info: {name: foo, version: "1.0"}
    tool: {name: foo-tool, version: "1.0"}
    invocation: foo --in $data --n $count
    parameters:
      - {name: data, type: input_file}
      - {name: count, type: integer, default_value: 3}
    output_file_globs: ["out/**/*.txt"]
`

func (s *CatalogSuite) SetUpTest(c *check.C) {
	s.path = filepath.Join(c.MkDir(), "applications.yml")
	c.Assert(os.WriteFile(s.path, []byte(catalogYAML), 0644), check.IsNil)
}

func (s *CatalogSuite) TestLoad(c *check.C) {
	cat, err := Load(s.path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	app, tool, err := cat.FindApplication(jobs.NameAndVersion{Name: "foo", Version: "1.0"})
	c.Assert(err, check.IsNil)
	c.Check(app.Invocation, check.Equals, "foo --in $data --n $count")
	c.Check(app.Parameters, check.HasLen, 2)
	c.Check(string(app.Parameters[1].DefaultValue), check.Equals, "3")
	c.Check(app.OutputFileGlobs, check.DeepEquals, []string{"out/**/*.txt"})
	c.Check(tool.Container, check.Equals, "docker://example/foo:1.0")
	c.Check(tool.DefaultMaxTime, check.Equals, jobs.SimpleDuration{Hours: 1})
	c.Check(tool.RequiredModules, check.DeepEquals, []string{"singularity"})
	c.Check(cat.Applications(), check.DeepEquals, []jobs.NameAndVersion{{Name: "foo", Version: "1.0"}})

	_, _, err = cat.FindApplication(jobs.NameAndVersion{Name: "foo", Version: "2.0"})
	c.Check(jobs.AsError(err).Kind, check.Equals, jobs.NotFound)
	_, err = cat.FindTool(jobs.NameAndVersion{Name: "nope", Version: "1"})
	c.Check(jobs.AsError(err).Kind, check.Equals, jobs.NotFound)
}

func (s *CatalogSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		err  string
	}{
		{`applications: [{info: {name: a, version: "1"}, tool: {name: t, version: "1"}, invocation: a}]`, `.*unknown tool t/1`},
		{`tools: [{info: {name: t, version: "1"}}, {info: {name: t, version: "1"}}]`, `.*duplicate tool t/1`},
		{`tools: [{info: {name: t, version: "1"}}]
applications: [{info: {name: a, version: "1"}, tool: {name: t, version: "1"}, invocation: ""}]`, `.*invocation is empty`},
		{`tools: [{info: {name: t, version: "1"}}]
applications: [{info: {name: a, version: "1"}, tool: {name: t, version: "1"}, invocation: a, parameters: [{name: "x-y", type: text}]}]`, `.*invalid parameter name "x-y"`},
		{`tools: [{info: {name: t, version: "1"}}]
applications: [{info: {name: a, version: "1"}, tool: {name: t, version: "1"}, invocation: a, parameters: [{name: x, type: blob}]}]`, `.*unsupported type "blob"`},
		{`tools: [{info: {name: t, version: "1"}}]
applications: [{info: {name: a, version: "1"}, tool: {name: t, version: "1"}, invocation: a, output_file_globs: ["out/["]}]`, `.*invalid output file glob .*`},
		{`tools: {`, `couldn't parse catalog file .*`},
	} {
		c.Assert(os.WriteFile(s.path, []byte(trial.yaml), 0644), check.IsNil)
		_, err := Load(s.path, ctxlog.TestLogger(c))
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.yaml))
	}
}

func (s *CatalogSuite) TestReloadKeepsPreviousOnError(c *check.C) {
	cat, err := Load(s.path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(s.path, []byte("tools: {"), 0644), check.IsNil)
	c.Check(cat.Reload(), check.NotNil)
	_, _, err = cat.FindApplication(jobs.NameAndVersion{Name: "foo", Version: "1.0"})
	c.Check(err, check.IsNil)
}

func (s *CatalogSuite) TestWatch(c *check.C) {
	cat, err := Load(s.path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Assert(cat.Watch(ctx), check.IsNil)

	updated := catalogYAML + `  - info: {name: bar, version: "2"}
    tool: {name: foo-tool, version: "1.0"}
    invocation: bar
`
	tmp := s.path + ".tmp"
	c.Assert(os.WriteFile(tmp, []byte(updated), 0644), check.IsNil)
	c.Assert(os.Rename(tmp, s.path), check.IsNil)

	deadline := time.Now().Add(10 * time.Second)
	for len(cat.Applications()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(cat.Applications(), check.DeepEquals, []jobs.NameAndVersion{
		{Name: "bar", Version: "2"},
		{Name: "foo", Version: "1.0"},
	})
}

func (s *CatalogSuite) TestNew(c *check.C) {
	cat, err := New(File{
		Tools:        []jobs.Tool{{Info: jobs.NameAndVersion{Name: "t", Version: "1"}}},
		Applications: []jobs.Application{{Info: jobs.NameAndVersion{Name: "a", Version: "1"}, Tool: jobs.NameAndVersion{Name: "t", Version: "1"}, Invocation: "a"}},
	})
	c.Assert(err, check.IsNil)
	c.Check(cat.Reload(), check.IsNil)
	_, tool, err := cat.FindApplication(jobs.NameAndVersion{Name: "a", Version: "1"})
	c.Check(err, check.IsNil)
	c.Check(tool.Info.Name, check.Equals, "t")
}
