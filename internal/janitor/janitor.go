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

// Package janitor reclaims work orphaned by dead workers. A step whose
// lease outlived its timeout plus grace, with no fresh heartbeat from
// its worker, goes back to the queue while it has retry budget and is
// finalized failed when it does not. The janitor also prunes worker
// registrations that stopped heartbeating.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/store"
)

const (
	// DefaultScanInterval is the reclamation cadence.
	DefaultScanInterval = time.Minute

	// DefaultLivenessWindow is how stale a worker heartbeat may be
	// before its leases are considered abandoned. Three missed beats.
	DefaultLivenessWindow = 90 * time.Second

	// DefaultLeaseGrace pads a step's own timeout before the janitor
	// touches it, so a step that is merely slow to report is not stolen.
	DefaultLeaseGrace = 2 * time.Minute

	// workerPruneWindow is how long a silent registration survives.
	workerPruneWindow = 10 * time.Minute
)

// TransitionHandler observes run transitions produced by reclamation.
type TransitionHandler func(ctx context.Context, t *store.RunTransition)

// Janitor scans for orphaned steps and dead workers.
type Janitor struct {
	store    store.Store
	liveness time.Duration
	grace    time.Duration
	metrics  *metrics.Metrics
	onChange TransitionHandler
	logger   *slog.Logger
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithWindows overrides the liveness and grace windows.
func WithWindows(liveness, grace time.Duration) Option {
	return func(j *Janitor) {
		if liveness > 0 {
			j.liveness = liveness
		}
		if grace > 0 {
			j.grace = grace
		}
	}
}

// WithMetrics wires instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithTransitionHandler wires the run transition observer.
func WithTransitionHandler(h TransitionHandler) Option {
	return func(j *Janitor) {
		if h != nil {
			j.onChange = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) { j.logger = logger }
}

// New creates a janitor.
func New(st store.Store, opts ...Option) *Janitor {
	j := &Janitor{
		store:    st,
		liveness: DefaultLivenessWindow,
		grace:    DefaultLeaseGrace,
		logger:   slog.Default(),
		onChange: func(context.Context, *store.RunTransition) {},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run scans on the given cadence until the context ends. The first scan
// happens immediately so a restarted daemon reclaims its predecessor's
// orphans without waiting out an interval.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultScanInterval
	}

	if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("startup reclamation scan failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("reclamation scan failed", "error", err)
			}
		}
	}
}

// Sweep performs one reclamation pass.
func (j *Janitor) Sweep(ctx context.Context) error {
	stale, err := j.store.StaleRunningSteps(ctx, j.liveness, j.grace)
	if err != nil {
		return err
	}

	for _, step := range stale {
		j.reclaim(ctx, step)
	}

	pruned, err := j.store.PruneWorkers(ctx, workerPruneWindow)
	if err != nil {
		j.logger.Warn("pruning dead workers", "error", err)
	} else if pruned > 0 {
		j.logger.Info("pruned dead workers", "count", pruned)
	}
	return nil
}

// reclaim requeues an orphaned step while it has retry budget and
// finalizes it failed otherwise. The reclamation consumes one retry
// like any other failure would, so a step that kills its worker cannot
// crash-loop the fleet indefinitely.
func (j *Janitor) reclaim(ctx context.Context, step *store.JobRunStep) {
	if step.RetryCount < step.MaxRetries {
		if err := j.store.RequeueStep(ctx, step.ID); err != nil {
			j.logger.Warn("requeueing orphaned step",
				"step_id", step.ID, "run_id", step.RunID, "error", err)
			return
		}
		j.observe("requeued")
		j.logger.Info("orphaned step requeued",
			"step_id", step.ID, "run_id", step.RunID,
			"worker_id", step.WorkerID, "attempt", step.RetryCount+1)
		return
	}

	exitCode := -1
	transition, err := j.store.CompleteStep(ctx, store.StepOutcome{
		StepID:   step.ID,
		Status:   store.StepFailed,
		ExitCode: &exitCode,
		Stderr:   "step orphaned: worker " + step.WorkerID + " stopped heartbeating and retries are exhausted",
	})
	if err != nil {
		j.logger.Warn("finalizing orphaned step",
			"step_id", step.ID, "run_id", step.RunID, "error", err)
		return
	}
	j.observe("failed")
	j.onChange(ctx, transition)
	j.logger.Warn("orphaned step finalized as failed",
		"step_id", step.ID, "run_id", step.RunID, "worker_id", step.WorkerID)
}

func (j *Janitor) observe(disposition string) {
	if j.metrics != nil {
		j.metrics.JanitorReclaims.WithLabelValues(disposition).Inc()
	}
}
