// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// NameAndVersion identifies an application or tool in the catalog.
type NameAndVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (nv NameAndVersion) String() string {
	return nv.Name + "/" + nv.Version
}

// Principal is the user a job runs on behalf of. Username selects
// storage credentials and the default output destination.
type Principal struct {
	Username string `json:"username"`
}

// StartRequest asks for one run of an application. It is immutable
// once submitted.
type StartRequest struct {
	Application NameAndVersion             `json:"application"`
	Parameters  map[string]json.RawMessage `json:"parameters"`
	Owner       Principal                  `json:"owner"`
	// Optional override of the tool's node count, tasks per node
	// and time limit.
	Nodes        int             `json:"nodes,omitempty"`
	TasksPerNode int             `json:"tasks_per_node,omitempty"`
	MaxTime      *SimpleDuration `json:"max_time,omitempty"`
}

// RequestKind is the wire tag of a Request.
type RequestKind string

const (
	RequestStart  RequestKind = "start"
	RequestCancel RequestKind = "cancel"
)

// Request is the payload of the "requests" topic.
type Request struct {
	Kind  RequestKind   `json:"type"`
	JobID InternalID    `json:"job_id"`
	Start *StartRequest `json:"start,omitempty"`
}

var internalIDRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Valid reports whether id is usable as a directory name and Slurm
// job name.
func (id InternalID) Valid() bool {
	return internalIDRegexp.MatchString(string(id))
}

// Validate checks that the request is well formed. The internal id
// names a remote directory and a Slurm job, so it is restricted to a
// conservative character set.
func (r Request) Validate() error {
	if !r.JobID.Valid() {
		return Errorf(InvalidRequest, "invalid job id %q", r.JobID)
	}
	switch r.Kind {
	case RequestStart:
		if r.Start == nil {
			return Errorf(InvalidRequest, "start request for %s has no body", r.JobID)
		}
		if r.Start.Application.Name == "" || r.Start.Application.Version == "" {
			return Errorf(InvalidRequest, "start request for %s does not name an application", r.JobID)
		}
		if r.Start.Owner.Username == "" {
			return Errorf(InvalidRequest, "start request for %s has no owner", r.JobID)
		}
	case RequestCancel:
	default:
		return Errorf(InvalidRequest, "unknown request type %q", r.Kind)
	}
	return nil
}

// DecodeRequest parses and validates a Request.
func DecodeRequest(buf []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(buf, &r); err != nil {
		return r, fmt.Errorf("decoding request: %w", err)
	}
	return r, r.Validate()
}
