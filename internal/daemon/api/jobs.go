// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/internal/orchestrator"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

type jobRequest struct {
	Name       string              `json:"name"`
	Definition workflow.Definition `json:"definition"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, &errors.ValidationError{Field: "name", Message: "job name is required"})
		return
	}
	if err := req.Definition.Validate().Err(); err != nil {
		s.writeError(w, err)
		return
	}

	job := &store.Job{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Version:    1,
		Definition: req.Definition,
		IsActive:   true,
		CreatedBy:  requestUser(r),
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		ActiveOnly: q.Get("active") != "false",
		Name:       q.Get("name"),
		Limit:      intParam(q.Get("limit"), 100),
		Offset:     intParam(q.Get("offset"), 0),
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.Definition.Validate().Err(); err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name != "" {
		job.Name = req.Name
	}
	job.Definition = req.Definition
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type runRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   string         `json:"priority,omitempty"`
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	run, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		JobID:       r.PathValue("id"),
		Parameters:  req.Parameters,
		Priority:    store.ParsePriority(req.Priority),
		RequestedBy: requestUser(r),
	})
	if err != nil {
		// A translation failure still produced an auditable failed run;
		// point the caller at it alongside the error.
		if run != nil {
			s.writeJSON(w, statusFor(err), map[string]any{
				"run_id":  run.ID,
				"code":    errors.Code(err),
				"message": err.Error(),
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
