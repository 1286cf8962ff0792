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

// Package scheduler fires due schedules into the orchestrator. One
// daemon holds leadership at a time; followers tick but skip the scan,
// so a failover picks up within one interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/orchestrator"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DefaultTickInterval is the scan cadence. Fire timestamps therefore
// land within one interval of their nominal time.
const DefaultTickInterval = 30 * time.Second

// scheduleRequestor appears as requested_by on scheduler-submitted runs.
const scheduleRequestor = "scheduler"

// Submitter is the slice of the orchestrator the scheduler drives.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.JobRun, error)
}

// Scheduler scans for due schedules and submits their jobs.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	isLeader  func() bool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeadership gates scans behind a leadership check.
func WithLeadership(isLeader func() bool) Option {
	return func(s *Scheduler) {
		if isLeader != nil {
			s.isLeader = isLeader
		}
	}
}

// WithMetrics wires instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(st store.Store, submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		submitter: submitter,
		isLeader:  func() bool { return true },
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.isLeader() {
				continue
			}
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("schedule scan failed", "error", err)
			}
		}
	}
}

// Tick fires every due schedule once. A schedule that missed several
// intervals while the daemon was down fires a single catch-up run; the
// next fire is computed from now, not from the missed slots.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	_, err := s.submitter.Submit(ctx, orchestrator.SubmitRequest{
		JobID:       sched.JobID,
		Parameters:  sched.Parameters,
		Priority:    store.PriorityNormal,
		RequestedBy: scheduleRequestor,
		ScheduleID:  sched.ID,
	})
	if err != nil {
		// Deactivate schedules pointing at deleted or disabled jobs
		// instead of erroring every tick forever.
		if errors.IsValidation(err) || errors.IsNotFound(err) {
			s.logger.Warn("deactivating schedule for unusable job",
				"schedule_id", sched.ID, "job_id", sched.JobID, "error", err)
			if rerr := s.store.RecordFire(ctx, sched.ID, now, nil, false); rerr != nil {
				s.logger.Error("deactivating schedule", "schedule_id", sched.ID, "error", rerr)
			}
			s.observe("deactivated")
			return
		}
		s.logger.Warn("schedule fire failed, will retry next tick",
			"schedule_id", sched.ID, "job_id", sched.JobID, "error", err)
		s.observe("failed")
		return
	}

	next, nerr := NextFire(sched, now)
	if nerr != nil {
		s.logger.Error("computing next fire, deactivating schedule",
			"schedule_id", sched.ID, "error", nerr)
		next = nil
	}

	active := next != nil
	if sched.MaxRuns != nil && sched.RunCount+1 >= *sched.MaxRuns {
		active = false
		next = nil
		s.observe("exhausted")
	} else {
		s.observe("submitted")
	}

	if err := s.store.RecordFire(ctx, sched.ID, now, next, active); err != nil {
		s.logger.Error("recording schedule fire", "schedule_id", sched.ID, "error", err)
	}
	s.logger.Info("schedule fired",
		"schedule_id", sched.ID, "job_id", sched.JobID, "next_run_at", next, "active", active)
}

func (s *Scheduler) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ScheduleFires.WithLabelValues(outcome).Inc()
	}
}

// NextFire computes the fire after now. Nil means the schedule is done:
// once-schedules never repeat. Recurring schedules anchor on now, so a
// burst of missed intervals collapses into one fire.
func NextFire(sched *store.Schedule, now time.Time) (*time.Time, error) {
	switch sched.ScheduleType {
	case "once":
		return nil, nil
	case "recurring":
		if sched.IntervalSeconds <= 0 {
			return nil, &errors.ValidationError{
				Field:   "interval_seconds",
				Message: "recurring schedule requires a positive interval",
			}
		}
		next := now.Add(time.Duration(sched.IntervalSeconds) * time.Second)
		return &next, nil
	case "cron":
		spec, err := cron.ParseStandard(sched.CronExpression)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "cron_expression",
				Message:    fmt.Sprintf("invalid cron expression %q: %v", sched.CronExpression, err),
				Suggestion: "use the five-field form, e.g. \"*/15 * * * *\"",
			}
		}
		next := spec.Next(now)
		return &next, nil
	default:
		return nil, &errors.ValidationError{
			Field:   "schedule_type",
			Message: fmt.Sprintf("unknown schedule type %q", sched.ScheduleType),
		}
	}
}

// FirstFire computes the initial next_run_at for a new schedule. Once
// and recurring schedules honor an explicit start time; cron schedules
// derive it from the expression.
func FirstFire(sched *store.Schedule, now time.Time) (*time.Time, error) {
	if sched.NextRunAt != nil && sched.ScheduleType != "cron" {
		t := sched.NextRunAt.UTC()
		return &t, nil
	}
	switch sched.ScheduleType {
	case "once":
		return &now, nil
	case "recurring", "cron":
		return NextFire(sched, now)
	default:
		return nil, &errors.ValidationError{
			Field:   "schedule_type",
			Message: fmt.Sprintf("unknown schedule type %q", sched.ScheduleType),
		}
	}
}
