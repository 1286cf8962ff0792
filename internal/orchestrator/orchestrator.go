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

// Package orchestrator owns the run lifecycle: submission (translate
// then persist atomically), cancellation, status aggregation, terminal
// event fan-out, and the runaway-run watchdog.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/internal/fanout"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/translator"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DefaultRunTimeout bounds a run's wall-clock life when the job declares
// no timeout of its own.
const DefaultRunTimeout = 4 * time.Hour

// SubmitRequest describes one run submission. JobID wins when both
// identifiers are set.
type SubmitRequest struct {
	JobID         string
	JobName       string
	Parameters    map[string]any
	Priority      store.Priority
	RequestedBy   string
	ScheduleID    string
	CorrelationID string
}

// RunStatusView is the aggregated run view served by the status API.
type RunStatusView struct {
	Run     *store.JobRun       `json:"run"`
	Steps   []*store.JobRunStep `json:"steps"`
	Summary map[string]any      `json:"summary"`
}

// Notifier receives run-completion events. Distinct from notification
// steps: this path fires for every terminal run regardless of what the
// workflow contains.
type Notifier interface {
	RunFinished(ctx context.Context, run *store.JobRun) error
}

// Orchestrator coordinates runs across the translator, store, and hub.
type Orchestrator struct {
	store      store.Store
	translator *translator.Translator
	hub        *fanout.Hub
	notifier   Notifier
	logger     *slog.Logger
	runTimeout time.Duration
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier wires the run-completion notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithRunTimeout overrides the default watchdog timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.runTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(st store.Store, tr *translator.Translator, hub *fanout.Hub, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		translator: tr,
		hub:        hub,
		logger:     slog.Default(),
		runTimeout: DefaultRunTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit translates the job and materializes the run with all its steps
// in one transaction. A translation failure still leaves an auditable
// failed run behind; an empty workflow succeeds without ever queueing.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*store.JobRun, error) {
	job, err := o.loadJob(ctx, req)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	run := &store.JobRun{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		JobName:       job.Name,
		ScheduleID:    req.ScheduleID,
		Status:        store.RunQueued,
		Priority:      req.Priority,
		RequestedBy:   req.RequestedBy,
		Parameters:    req.Parameters,
		CorrelationID: req.CorrelationID,
		QueuedAt:      now,
	}

	plan, terr := o.translator.Translate(ctx, &job.Definition, req.Parameters, translator.Options{
		RunID:    run.ID,
		Priority: req.Priority,
		Now:      now,
	})
	if terr != nil {
		// Record the failure so the submission is auditable, then
		// surface the translation error to the caller.
		finished := now
		run.Status = store.RunFailed
		run.ErrorMessage = terr.Error()
		run.FinishedAt = &finished
		if err := o.store.CreateRunWithSteps(ctx, run, nil); err != nil {
			o.logger.Error("recording failed translation", "run_id", run.ID, "error", err)
		}
		return run, terr
	}

	for _, w := range plan.Warnings {
		o.logger.Warn("translation warning", "run_id", run.ID, "job", job.Name, "warning", w)
	}

	if len(plan.Steps) == 0 {
		finished := now
		run.Status = store.RunSucceeded
		run.StartedAt = &finished
		run.FinishedAt = &finished
		run.ResultData = map[string]any{"steps_total": 0}
		if err := o.store.CreateRunWithSteps(ctx, run, nil); err != nil {
			return nil, err
		}
		o.hub.Publish(fanout.TopicJobMonitoring, "run_status", map[string]any{
			"run_id": run.ID, "from": string(store.RunQueued), "to": string(store.RunSucceeded),
		})
		return run, nil
	}

	for _, step := range plan.Steps {
		step.RunID = run.ID
		step.Status = store.StepQueued
	}
	if err := o.store.CreateRunWithSteps(ctx, run, plan.Steps); err != nil {
		return nil, err
	}

	o.hub.Publish(fanout.TopicJobMonitoring, "run_queued", map[string]any{
		"run_id":   run.ID,
		"job_name": run.JobName,
		"priority": int(run.Priority),
		"steps":    len(plan.Steps),
	})
	o.logger.Info("run submitted",
		"run_id", run.ID, "job", job.Name, "steps", len(plan.Steps), "priority", run.Priority.String())
	return run, nil
}

// Cancel transitions the run to canceled. Queued steps abort inside the
// same transaction; running steps stop cooperatively and their late
// completions are absorbed because the run is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	transition, err := o.store.CancelRun(ctx, runID)
	if err != nil {
		return err
	}
	o.HandleTransition(ctx, transition)
	o.logger.Info("run canceled", "run_id", runID)
	return nil
}

// Status returns the aggregated run view.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}

	statuses := make([]store.StepStatus, len(steps))
	for i, s := range steps {
		statuses[i] = s.Status
	}
	return &RunStatusView{
		Run:     run,
		Steps:   steps,
		Summary: store.SummarizeSteps(statuses),
	}, nil
}

// HandleTransition fans a run transition out to subscribers and, on a
// terminal state, fires the completion notifier. Safe to call with nil.
func (o *Orchestrator) HandleTransition(ctx context.Context, t *store.RunTransition) {
	if t == nil {
		return
	}
	o.hub.PublishRunTransition(t)

	if !t.To.Terminal() || o.notifier == nil {
		return
	}
	run, err := o.store.GetRun(ctx, t.RunID)
	if err != nil {
		o.logger.Warn("loading finished run for notification", "run_id", t.RunID, "error", err)
		return
	}
	if err := o.notifier.RunFinished(ctx, run); err != nil {
		o.logger.Warn("run completion notification failed", "run_id", t.RunID, "error", err)
	}
}

// Watchdog force-fails runs that outlive their wall-clock budget. It
// scans on the given cadence until the context ends.
func (o *Orchestrator) Watchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.reapExpiredRuns(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("run watchdog scan failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) reapExpiredRuns(ctx context.Context) error {
	running, err := o.store.ListRuns(ctx, store.RunFilter{Status: store.RunRunning, Limit: 500})
	if err != nil {
		return err
	}

	now := o.now()
	for _, run := range running {
		if run.StartedAt == nil {
			continue
		}
		deadline := run.StartedAt.Add(o.runTimeout)
		if now.Before(deadline) {
			continue
		}

		message := fmt.Sprintf("run exceeded %s wall-clock budget", o.runTimeout)
		transition, err := o.store.FinishRun(ctx, run.ID, store.RunFailed, message)
		if err != nil {
			if errors.IsConflict(err) {
				continue // Finished between the scan and the kill.
			}
			o.logger.Warn("force-failing expired run", "run_id", run.ID, "error", err)
			continue
		}
		o.logger.Warn("run watchdog fired", "run_id", run.ID, "started_at", run.StartedAt)
		o.HandleTransition(ctx, transition)
	}
	return nil
}

func (o *Orchestrator) loadJob(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	var job *store.Job
	var err error
	switch {
	case req.JobID != "":
		job, err = o.store.GetJob(ctx, req.JobID)
	case req.JobName != "":
		job, err = o.store.GetJobByName(ctx, req.JobName)
	default:
		return nil, &errors.ValidationError{Field: "job", Message: "job id or name is required"}
	}
	if err != nil {
		return nil, err
	}
	if !job.IsActive {
		return nil, &errors.ValidationError{Field: "job", Message: fmt.Sprintf("job %q is not active", job.Name)}
	}
	return job, nil
}
