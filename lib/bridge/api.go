// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/escience-bridge/slurmbridge/sdk/go/ctxlog"
	"github.com/escience-bridge/slurmbridge/sdk/go/httpserver"
	"github.com/escience-bridge/slurmbridge/sdk/go/jobs"
	"github.com/julienschmidt/httprouter"
)

// SchedulerJobResponse is the response to GET /slurm/:id.
type SchedulerJobResponse struct {
	SchedulerID jobs.SchedulerID `json:"scheduler_id"`
	JobID       jobs.InternalID  `json:"job_id"`
}

// JobResponse is the response to GET /jobs/:id.
type JobResponse struct {
	JobID   jobs.InternalID    `json:"job_id"`
	Latest  jobs.Record        `json:"latest"`
	Request *jobs.StartRequest `json:"request,omitempty"`
}

func (b *Bridge) apiSchedulerJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	n, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil || n <= 0 {
		httpserver.Error(w, "invalid scheduler id", http.StatusBadRequest)
		return
	}
	sid := jobs.SchedulerID(n)
	id, ok := b.agg.InternalID(sid)
	if !ok {
		httpserver.Error(w, "unknown scheduler id", http.StatusNotFound)
		return
	}
	writeJSON(w, r, SchedulerJobResponse{SchedulerID: sid, JobID: id})
}

func (b *Bridge) apiJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := jobs.InternalID(params.ByName("id"))
	rec, ok := b.agg.Latest(id)
	if !ok {
		httpserver.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	resp := JobResponse{JobID: id, Latest: rec}
	if req, ok := b.agg.Request(id); ok {
		resp.Request = &req
	}
	writeJSON(w, r, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		ctxlog.FromContext(r.Context()).WithError(err).Warn("error writing response")
	}
}
