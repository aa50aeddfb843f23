// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Tool describes how an application is run on the cluster.
type Tool struct {
	Info  NameAndVersion `json:"info"`
	Title string         `json:"title,omitempty"`
	// Container image run by the batch script (through
	// singularity), or empty to run Invocation directly.
	Container string `json:"container,omitempty"`

	DefaultNumberOfNodes int            `json:"default_number_of_nodes"`
	DefaultTasksPerNode  int            `json:"default_tasks_per_node"`
	DefaultMaxTime       SimpleDuration `json:"default_max_time"`
	// Environment modules loaded with "module add" before the
	// invocation.
	RequiredModules []string `json:"required_modules,omitempty"`
}

// Application is a catalog entry: a tool plus the parameters a user
// can set and the command line built from them.
type Application struct {
	Info        NameAndVersion `json:"info"`
	Tool        NameAndVersion `json:"tool"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Authors     []string       `json:"authors,omitempty"`

	// Command line template. "$name" and "${name}" are replaced
	// by the value of the named parameter.
	Invocation string      `json:"invocation"`
	Parameters []Parameter `json:"parameters"`
	// Glob patterns, relative to the working directory, of
	// additional files to stage out after the job completes.
	OutputFileGlobs []string `json:"output_file_globs,omitempty"`
}

// Parameter returns the named parameter and true, or a zero
// Parameter and false.
func (app *Application) Parameter(name string) (Parameter, bool) {
	for _, p := range app.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// ParameterType selects how a parameter value is decoded.
type ParameterType string

const (
	InputFile     ParameterType = "input_file"
	OutputFile    ParameterType = "output_file"
	Text          ParameterType = "text"
	Integer       ParameterType = "integer"
	FloatingPoint ParameterType = "floating_point"
)

type Parameter struct {
	Name         string          `json:"name"`
	Type         ParameterType   `json:"type"`
	Optional     bool            `json:"optional,omitempty"`
	DefaultValue json.RawMessage `json:"default_value,omitempty"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// FileTransfer is the value of an input_file or output_file
// parameter. For inputs, Source is a storage path and Destination is
// relative to the job's working directory. For outputs, Source is
// relative to the working directory and Destination is a storage
// path.
type FileTransfer struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Value returns the decoded value of p in req: a FileTransfer,
// string, int64 or float64. If the request does not supply the
// parameter, the default value is used. The second return value is
// false if the parameter is optional and has neither a value nor a
// default.
func (p Parameter) Value(req *StartRequest) (interface{}, bool, error) {
	raw, ok := req.Parameters[p.Name]
	if !ok || isNull(raw) {
		raw = p.DefaultValue
	}
	if isNull(raw) {
		if p.Optional {
			return nil, false, nil
		}
		return nil, false, Errorf(InvalidRequest, "missing value for required parameter %q", p.Name)
	}
	v, err := p.decode(raw)
	if err != nil {
		return nil, false, Errorf(InvalidRequest, "parameter %q: %s", p.Name, err)
	}
	return v, true, nil
}

func (p Parameter) decode(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	switch p.Type {
	case InputFile, OutputFile:
		var ft FileTransfer
		if err := json.Unmarshal(raw, &ft); err != nil {
			return nil, err
		}
		if ft.Source == "" || ft.Destination == "" {
			return nil, fmt.Errorf("file parameter needs both source and destination")
		}
		return ft, nil
	case Text:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case Integer:
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, err
		}
		return n.Int64()
	case FloatingPoint:
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, err
		}
		f, err := n.Float64()
		if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			err = fmt.Errorf("%v is not a finite number", f)
		}
		return f, err
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
