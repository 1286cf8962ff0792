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
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/internal/store"
)

const workerLivenessWindow = 90 * time.Second

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.LiveWorkers(r.Context(), workerLivenessWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	status := http.StatusOK

	latency, err := s.store.Health(r.Context())
	if err != nil {
		body["status"] = "degraded"
		body["database"] = map[string]any{"healthy": false, "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		body["database"] = map[string]any{"healthy": true, "latency_ms": latency.Milliseconds()}
	}

	if s.leaders != nil {
		body["leader"] = s.leaders()
	}
	body["stream_subscribers"] = s.hub.SubscriberCount()
	s.writeJSON(w, status, body)
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.version,
		"go_version": runtime.Version(),
	})
}

// bundle is the export/import wire format. Export carries active jobs
// and their schedules; runs and credentials never travel.
type bundle struct {
	Version   int               `json:"version"`
	Jobs      []*store.Job      `json:"jobs"`
	Schedules []*store.Schedule `json:"schedules,omitempty"`
}

const bundleVersion = 1

func (s *Server) exportBundle(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{ActiveOnly: true})
	if err != nil {
		s.writeError(w, err)
		return
	}
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="opsconductor-export.json"`)
	s.writeJSON(w, http.StatusOK, bundle{Version: bundleVersion, Jobs: jobs, Schedules: schedules})
}

func (s *Server) importBundle(w http.ResponseWriter, r *http.Request) {
	var b bundle
	if err := s.decode(r, &b); err != nil {
		s.writeError(w, err)
		return
	}

	created, updated, failed := 0, 0, 0
	var failures []string
	for _, job := range b.Jobs {
		if report := job.Definition.Validate(); !report.OK() {
			failed++
			failures = append(failures, job.Name+": "+report.Err().Error())
			continue
		}

		// Upsert by name: existing active jobs get a version bump,
		// unknown names become new jobs with fresh ids.
		existing, err := s.store.GetJobByName(r.Context(), job.Name)
		if err == nil {
			existing.Definition = job.Definition
			if uerr := s.store.UpdateJob(r.Context(), existing); uerr != nil {
				failed++
				failures = append(failures, job.Name+": "+uerr.Error())
				continue
			}
			updated++
			continue
		}

		job.ID = uuid.NewString()
		job.Version = 1
		job.IsActive = true
		job.CreatedBy = requestUser(r)
		if cerr := s.store.CreateJob(r.Context(), job); cerr != nil {
			failed++
			failures = append(failures, job.Name+": "+cerr.Error())
			continue
		}
		created++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"created":  created,
		"updated":  updated,
		"failed":   failed,
		"failures": failures,
	})
}
