// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// InternalID is the platform-assigned job id. It is the partition
// key of the event log.
type InternalID string

// SchedulerID is the job id assigned by Slurm at submission. Zero
// means "not known yet".
type SchedulerID int64

func (id SchedulerID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseSchedulerID parses a decimal Slurm job id.
func ParseSchedulerID(s string) (SchedulerID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid scheduler id %d", n)
	}
	return SchedulerID(n), nil
}

// EventKind is the wire tag of an Event.
type EventKind string

const (
	KindPending                 EventKind = "pending"
	KindStarted                 EventKind = "started"
	KindSuccessfullyCompleted   EventKind = "success"
	KindUnsuccessfullyCompleted EventKind = "error"
)

// Event is one step in a job's lifecycle. The set of implementations
// is closed: Pending, Started, SuccessfullyCompleted,
// UnsuccessfullyCompleted.
type Event interface {
	Kind() EventKind
	// Scheduler returns the Slurm job id carried by the event, or
	// zero.
	Scheduler() SchedulerID
	isEvent()
}

// Pending means the request was accepted but not yet submitted.
type Pending struct {
	SchedulerID SchedulerID  `json:"scheduler_id"`
	Request     StartRequest `json:"request"`
}

// Started means sbatch accepted the job.
type Started struct {
	SchedulerID SchedulerID `json:"scheduler_id"`
}

// SuccessfullyCompleted means the job finished and its outputs were
// staged back to storage.
type SuccessfullyCompleted struct {
	SchedulerID SchedulerID `json:"scheduler_id"`
	// Wall clock time reported by sacct, if available.
	Elapsed Duration `json:"elapsed,omitempty"`
}

// UnsuccessfullyCompleted is the terminal failure of a job at any
// stage.
type UnsuccessfullyCompleted struct {
	SchedulerID SchedulerID `json:"scheduler_id,omitempty"`
	Err         *Error      `json:"error"`
}

func (Pending) Kind() EventKind                 { return KindPending }
func (Started) Kind() EventKind                 { return KindStarted }
func (SuccessfullyCompleted) Kind() EventKind   { return KindSuccessfullyCompleted }
func (UnsuccessfullyCompleted) Kind() EventKind { return KindUnsuccessfullyCompleted }

func (e Pending) Scheduler() SchedulerID                 { return e.SchedulerID }
func (e Started) Scheduler() SchedulerID                 { return e.SchedulerID }
func (e SuccessfullyCompleted) Scheduler() SchedulerID   { return e.SchedulerID }
func (e UnsuccessfullyCompleted) Scheduler() SchedulerID { return e.SchedulerID }

func (Pending) isEvent()                 {}
func (Started) isEvent()                 {}
func (SuccessfullyCompleted) isEvent()   {}
func (UnsuccessfullyCompleted) isEvent() {}

// Terminal reports whether no further events are expected for the
// job after ev.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case SuccessfullyCompleted, UnsuccessfullyCompleted:
		return true
	default:
		return false
	}
}

// Record is an Event together with the job it belongs to. Records
// are the payload of the "events" topic.
type Record struct {
	JobID     InternalID
	Timestamp time.Time
	Event     Event
}

type recordJSON struct {
	Type      EventKind       `json:"type"`
	JobID     InternalID      `json:"job_id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Event == nil {
		return nil, fmt.Errorf("record for job %q has no event", r.JobID)
	}
	buf, err := json.Marshal(r.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		Type:      r.Event.Kind(),
		JobID:     r.JobID,
		Timestamp: r.Timestamp,
		Event:     buf,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	var ev Event
	var err error
	switch rj.Type {
	case KindPending:
		var e Pending
		err = json.Unmarshal(rj.Event, &e)
		ev = e
	case KindStarted:
		var e Started
		err = json.Unmarshal(rj.Event, &e)
		ev = e
	case KindSuccessfullyCompleted:
		var e SuccessfullyCompleted
		err = json.Unmarshal(rj.Event, &e)
		ev = e
	case KindUnsuccessfullyCompleted:
		var e UnsuccessfullyCompleted
		err = json.Unmarshal(rj.Event, &e)
		ev = e
	default:
		return fmt.Errorf("unknown event type %q", rj.Type)
	}
	if err != nil {
		return fmt.Errorf("decoding %s event: %w", rj.Type, err)
	}
	r.JobID, r.Timestamp, r.Event = rj.JobID, rj.Timestamp, ev
	return nil
}
