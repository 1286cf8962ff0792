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

	"github.com/opsconductor/opsconductor/internal/store"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: store.RunStatus(q.Get("status")),
		JobID:  q.Get("job_id"),
		Limit:  intParam(q.Get("limit"), 100),
		Offset: intParam(q.Get("offset"), 0),
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

func (s *Server) runSummary(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary := view.Summary
	summary["run_id"] = view.Run.ID
	summary["status"] = view.Run.Status
	if view.Run.StartedAt != nil && view.Run.FinishedAt != nil {
		summary["duration_ms"] = view.Run.FinishedAt.Sub(*view.Run.StartedAt).Milliseconds()
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "status": store.RunCanceled})
}
