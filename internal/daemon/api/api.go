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

// Package api serves the daemon's HTTP surface: job and schedule CRUD,
// run submission and inspection, the websocket stream, and the
// operational endpoints (health, workers, metrics, export/import).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/fanout"
	"github.com/opsconductor/opsconductor/internal/leader"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/orchestrator"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Server hosts the HTTP API.
type Server struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	hub     *fanout.Hub
	metrics *metrics.Metrics
	auth    config.AuthConfig
	limiter *callerLimiter
	version string
	leaders func() leader.Status
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authentication mode.
func WithAuth(cfg config.AuthConfig) Option {
	return func(s *Server) { s.auth = cfg }
}

// WithMetrics wires the Prometheus registry behind /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the build version reported by /v1/version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLeaderStatus exposes leadership in /v1/health.
func WithLeaderStatus(fn func() leader.Status) Option {
	return func(s *Server) { s.leaders = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the API server.
func NewServer(st store.Store, orch *orchestrator.Orchestrator, hub *fanout.Hub, opts ...Option) *Server {
	s := &Server{
		store:   st,
		orch:    orch,
		hub:     hub,
		auth:    config.AuthConfig{Mode: config.AuthModeNone},
		limiter: newCallerLimiter(),
		version: "dev",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.createJob)
	mux.HandleFunc("GET /v1/jobs", s.listJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.getJob)
	mux.HandleFunc("PUT /v1/jobs/{id}", s.updateJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.deleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/run", s.runJob)

	mux.HandleFunc("GET /v1/runs", s.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.getRun)
	mux.HandleFunc("GET /v1/runs/{id}/steps", s.listRunSteps)
	mux.HandleFunc("GET /v1/runs/{id}/summary", s.runSummary)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.cancelRun)

	mux.HandleFunc("GET /v1/schedules", s.listSchedules)
	mux.HandleFunc("POST /v1/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.deleteSchedule)

	mux.HandleFunc("GET /v1/export", s.exportBundle)
	mux.HandleFunc("POST /v1/import", s.importBundle)

	mux.HandleFunc("GET /v1/workers", s.listWorkers)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/version", s.versionInfo)
	mux.Handle("GET /v1/stream", fanout.Handler(s.hub, s.logger))

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return s.authenticate(s.limiter.middleware(mux))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}

// errorBody is the wire form of every API failure.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorBody{
		Code:    errors.Code(err),
		Message: err.Error(),
		Context: errorContext(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err), errors.IsSafety(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err):
		return http.StatusConflict
	default:
		var permission *errors.PermissionError
		if errors.As(err, &permission) {
			return http.StatusForbidden
		}
		if errors.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func errorContext(err error) map[string]any {
	var validation *errors.ValidationError
	if errors.As(err, &validation) {
		ctx := map[string]any{"field": validation.Field}
		if validation.Suggestion != "" {
			ctx["suggestion"] = validation.Suggestion
		}
		return ctx
	}
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		return map[string]any{"resource": notFound.Resource, "id": notFound.ID}
	}
	return nil
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
