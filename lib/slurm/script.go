// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/google/shlex"
)

// Names of the job's stdout and stderr files in the working
// directory.
const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)

// ScriptOptions describes one batch script.
type ScriptOptions struct {
	JobName     jobs.InternalID
	WorkDir     string
	Application *jobs.Application
	Tool        *jobs.Tool
	Request     *jobs.StartRequest
	// Additional #SBATCH directives, e.g. "--partition=short".
	ExtraArgs []string
	// Command that runs a container image, e.g. "singularity run".
	ContainerCommand string
}

var paramRefRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// GenerateScript returns a batch script that runs the application's
// invocation in opts.WorkDir.
//
// A request parameter error is returned as an InvalidRequest
// *jobs.Error.
func GenerateScript(opts ScriptOptions) ([]byte, error) {
	app, tool, req := opts.Application, opts.Tool, opts.Request
	if app == nil || tool == nil || req == nil {
		return nil, fmt.Errorf("incomplete script options")
	}
	words, err := renderInvocation(app, req)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("application %s has an empty invocation", app.Info)
	}
	if tool.Container != "" {
		prefix, err := shlex.Split(opts.ContainerCommand)
		if err != nil {
			return nil, fmt.Errorf("container command %q: %w", opts.ContainerCommand, err)
		}
		if len(prefix) == 0 {
			return nil, fmt.Errorf("tool %s needs a container command", tool.Info)
		}
		words = append(append(prefix, tool.Container), words...)
	}

	nodes := firstPositive(req.Nodes, tool.DefaultNumberOfNodes, 1)
	tasks := firstPositive(req.TasksPerNode, tool.DefaultTasksPerNode, 1)
	maxTime := tool.DefaultMaxTime
	if req.MaxTime != nil && !req.MaxTime.IsZero() {
		maxTime = *req.MaxTime
	}

	var buf bytes.Buffer
	buf.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...interface{}) {
		fmt.Fprintf(&buf, "#SBATCH "+format+"\n", args...)
	}
	directive("--job-name=%s", opts.JobName)
	directive("--chdir=%s", opts.WorkDir)
	directive("--output=%s", path.Join(opts.WorkDir, StdoutFile))
	directive("--error=%s", path.Join(opts.WorkDir, StderrFile))
	directive("--nodes=%d", nodes)
	directive("--ntasks-per-node=%d", tasks)
	if !maxTime.IsZero() {
		directive("--time=%s", maxTime)
	}
	for _, arg := range opts.ExtraArgs {
		if strings.ContainsAny(arg, "\n\r") {
			return nil, fmt.Errorf("invalid sbatch argument %q", arg)
		}
		directive("%s", arg)
	}
	buf.WriteString("\n")
	for _, mod := range tool.RequiredModules {
		fmt.Fprintf(&buf, "module add %s\n", Quote(mod))
	}
	buf.WriteString("srun")
	for _, w := range words {
		buf.WriteString(" " + Quote(w))
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// renderInvocation splits the invocation template into words and
// substitutes parameter references. A word that consists of nothing
// but a reference to an absent optional parameter is dropped.
func renderInvocation(app *jobs.Application, req *jobs.StartRequest) ([]string, error) {
	tmpl, err := shlex.Split(app.Invocation)
	if err != nil {
		return nil, fmt.Errorf("invocation template %q: %w", app.Invocation, err)
	}
	values := map[string]string{}
	present := map[string]bool{}
	for _, p := range app.Parameters {
		v, ok, err := p.Value(req)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		present[p.Name] = true
		values[p.Name], err = formatValue(p, v)
		if err != nil {
			return nil, err
		}
	}

	var words []string
	for _, w := range tmpl {
		var undefined string
		omit := false
		out := paramRefRegexp.ReplaceAllStringFunc(w, func(ref string) string {
			m := paramRefRegexp.FindStringSubmatch(ref)
			name := m[1] + m[2]
			if _, declared := app.Parameter(name); !declared {
				undefined = name
				return ""
			}
			if !present[name] && ref == w {
				omit = true
			}
			return values[name]
		})
		if undefined != "" {
			return nil, fmt.Errorf("invocation refers to undeclared parameter %q", undefined)
		}
		if !omit {
			words = append(words, out)
		}
	}
	return words, nil
}

func formatValue(p jobs.Parameter, v interface{}) (string, error) {
	switch v := v.(type) {
	case jobs.FileTransfer:
		if p.Type == jobs.InputFile {
			return v.Destination, nil
		}
		return v.Source, nil
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("parameter %q: unsupported value type %T", p.Name, v)
	}
}

func firstPositive(n ...int) int {
	for _, n := range n {
		if n > 0 {
			return n
		}
	}
	return 0
}
