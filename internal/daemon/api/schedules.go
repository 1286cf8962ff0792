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
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/internal/scheduler"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

type scheduleRequest struct {
	JobID           string         `json:"job_id"`
	ScheduleType    string         `json:"schedule_type"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	StartAt         *time.Time     `json:"start_at,omitempty"`
	MaxRuns         *int           `json:"max_runs,omitempty"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.JobID == "" {
		s.writeError(w, &errors.ValidationError{Field: "job_id", Message: "job_id is required"})
		return
	}
	if _, err := s.store.GetJob(r.Context(), req.JobID); err != nil {
		s.writeError(w, err)
		return
	}

	sched := &store.Schedule{
		ID:              uuid.NewString(),
		JobID:           req.JobID,
		ScheduleType:    req.ScheduleType,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
		Parameters:      req.Parameters,
		NextRunAt:       req.StartAt,
		MaxRuns:         req.MaxRuns,
		IsActive:        true,
		CreatedBy:       requestUser(r),
	}

	next, err := scheduler.FirstFire(sched, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sched.NextRunAt = next

	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
