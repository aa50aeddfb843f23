// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"encoding/json"

	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ScriptSuite{})

type ScriptSuite struct{}

func (s *ScriptSuite) app() *jobs.Application {
	return &jobs.Application{
		Info:       jobs.NameAndVersion{Name: "foo", Version: "1.0"},
		Tool:       jobs.NameAndVersion{Name: "foo-tool", Version: "1.0"},
		Invocation: `foo --in $data --label "${label}x" $extra --n $count --ratio $ratio --out $out`,
		Parameters: []jobs.Parameter{
			{Name: "data", Type: jobs.InputFile},
			{Name: "label", Type: jobs.Text},
			{Name: "extra", Type: jobs.Text, Optional: true},
			{Name: "count", Type: jobs.Integer, DefaultValue: json.RawMessage(`3`)},
			{Name: "ratio", Type: jobs.FloatingPoint},
			{Name: "out", Type: jobs.OutputFile},
		},
	}
}

func (s *ScriptSuite) request() *jobs.StartRequest {
	return &jobs.StartRequest{
		Application: jobs.NameAndVersion{Name: "foo", Version: "1.0"},
		Owner:       jobs.Principal{Username: "alice"},
		Parameters: map[string]json.RawMessage{
			"data":  json.RawMessage(`{"source":"/alice/data.csv","destination":"data.csv"}`),
			"label": json.RawMessage(`"it's"`),
			"ratio": json.RawMessage(`0.5`),
			"out":   json.RawMessage(`{"source":"result.txt","destination":"/alice/result.txt"}`),
		},
	}
}

func (s *ScriptSuite) TestGenerate(c *check.C) {
	tool := &jobs.Tool{
		Info:                 jobs.NameAndVersion{Name: "foo-tool", Version: "1.0"},
		DefaultNumberOfNodes: 2,
		DefaultMaxTime:       jobs.SimpleDuration{Hours: 1, Minutes: 90},
		RequiredModules:      []string{"gcc/12"},
	}
	req := s.request()
	req.TasksPerNode = 4
	script, err := GenerateScript(ScriptOptions{
		JobName:     "job-1",
		WorkDir:     "/home/slurm/projects/job-1/files",
		Application: s.app(),
		Tool:        tool,
		Request:     req,
		ExtraArgs:   []string{"--partition=short"},
	})
	c.Assert(err, check.IsNil)
	c.Check(string(script), check.Equals, `#!/bin/bash
#SBATCH --job-name=job-1
#SBATCH --chdir=/home/slurm/projects/job-1/files
#SBATCH --output=/home/slurm/projects/job-1/files/stdout.txt
#SBATCH --error=/home/slurm/projects/job-1/files/stderr.txt
#SBATCH --nodes=2
#SBATCH --ntasks-per-node=4
#SBATCH --time=02:30:00
#SBATCH --partition=short

module add 'gcc/12'
srun 'foo' '--in' 'data.csv' '--label' 'it'\''sx' '--n' '3' '--ratio' '0.5' '--out' 'result.txt'
`)
}

func (s *ScriptSuite) TestContainer(c *check.C) {
	app := &jobs.Application{
		Info:       jobs.NameAndVersion{Name: "bar", Version: "2"},
		Invocation: "bar",
	}
	tool := &jobs.Tool{Container: "docker://example/bar:2"}
	script, err := GenerateScript(ScriptOptions{
		JobName:          "j",
		WorkDir:          "/w/files",
		Application:      app,
		Tool:             tool,
		Request:          &jobs.StartRequest{MaxTime: &jobs.SimpleDuration{Seconds: 30}},
		ContainerCommand: "singularity run --cleanenv",
	})
	c.Assert(err, check.IsNil)
	c.Check(string(script), check.Matches, `(?ms).*#SBATCH --nodes=1\n#SBATCH --ntasks-per-node=1\n#SBATCH --time=00:00:30\n.*`)
	c.Check(string(script), check.Matches, `(?ms).*\nsrun 'singularity' 'run' '--cleanenv' 'docker://example/bar:2' 'bar'\n$`)

	_, err = GenerateScript(ScriptOptions{Application: app, Tool: tool, Request: &jobs.StartRequest{}})
	c.Check(err, check.ErrorMatches, `tool .* needs a container command`)
}

func (s *ScriptSuite) TestParameterErrors(c *check.C) {
	req := s.request()
	delete(req.Parameters, "label")
	_, err := GenerateScript(ScriptOptions{Application: s.app(), Tool: &jobs.Tool{}, Request: req})
	c.Check(err, check.ErrorMatches, `InvalidRequest: missing value for required parameter "label"`)
	c.Check(jobs.AsError(err).Kind, check.Equals, jobs.InvalidRequest)

	req = s.request()
	req.Parameters["count"] = json.RawMessage(`"three"`)
	_, err = GenerateScript(ScriptOptions{Application: s.app(), Tool: &jobs.Tool{}, Request: req})
	c.Check(jobs.AsError(err).Kind, check.Equals, jobs.InvalidRequest)

	app := s.app()
	app.Invocation = "foo $nonesuch"
	_, err = GenerateScript(ScriptOptions{Application: app, Tool: &jobs.Tool{}, Request: s.request()})
	c.Check(err, check.ErrorMatches, `invocation refers to undeclared parameter "nonesuch"`)

	app.Invocation = `foo "unterminated`
	_, err = GenerateScript(ScriptOptions{Application: app, Tool: &jobs.Tool{}, Request: s.request()})
	c.Check(err, check.ErrorMatches, `invocation template .*`)
}

func (s *ScriptSuite) TestOptionalParameterPresent(c *check.C) {
	req := s.request()
	req.Parameters["extra"] = json.RawMessage(`"--fast"`)
	words, err := renderInvocation(s.app(), req)
	c.Assert(err, check.IsNil)
	c.Check(words, check.DeepEquals, []string{"foo", "--in", "data.csv", "--label", "it'sx", "--fast", "--n", "3", "--ratio", "0.5", "--out", "result.txt"})
}
