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

// Package store defines the persistence interfaces for jobs, runs, steps,
// schedules, and worker registrations, with PostgreSQL and in-memory
// implementations.
//
// Interfaces are segregated by concern so components depend only on the
// operations they use. Both implementations satisfy the composite Store
// and pass the shared contract test suite.
package store

import (
	"context"
	"time"

	"github.com/opsconductor/opsconductor/pkg/workflow"
)

// RunStatus is the lifecycle state of a JobRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// StepStatus is the lifecycle state of a JobRunStep.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepAborted   StepStatus = "aborted"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepAborted, StepSkipped:
		return true
	}
	return false
}

// Priority orders queued steps for leasing. Higher values lease first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// ParsePriority maps the API-level priority names to queue weights.
// Unknown names fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the API-level priority name.
func (p Priority) String() string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job is a named, versioned workflow definition. The name is unique among
// active jobs; edits bump the version and retain old rows.
type Job struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Version    int                 `json:"version"`
	Definition workflow.Definition `json:"definition"`
	IsActive   bool                `json:"is_active"`
	CreatedBy  string              `json:"created_by,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// JobRun is one execution attempt of a Job.
type JobRun struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	JobName        string         `json:"job_name"`
	ScheduleID     string         `json:"schedule_id,omitempty"`
	Status         RunStatus      `json:"status"`
	Priority       Priority       `json:"priority"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
	WorkerHostname string         `json:"worker_hostname,omitempty"`
	RetryCount     int            `json:"retry_count"`
	ResultData     map[string]any `json:"result_data,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	QueuedAt       time.Time      `json:"queued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// JobRunStep is one executable step within a run. Steps carry a dense
// index 0..N-1 assigned by the translator.
type JobRunStep struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Index          int            `json:"index"`
	Type           string         `json:"type"`
	Name           string         `json:"name,omitempty"`
	TargetID       string         `json:"target_id,omitempty"`
	TargetHostname string         `json:"target_hostname,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         StepStatus     `json:"status"`
	Priority       Priority       `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxRetries     int            `json:"max_retries"`
	RetryCount     int            `json:"retry_count"`
	// ContinueOnFailure lets later steps run even when this one fails.
	ContinueOnFailure bool `json:"continue_on_failure"`

	ExitCode   *int           `json:"exit_code,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	LeaseToken string         `json:"lease_token,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Schedule fires JobRuns on a cadence.
type Schedule struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	ScheduleType    string         `json:"schedule_type"` // once, recurring, cron
	CronExpression  string         `json:"cron_expression,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	RunCount        int            `json:"run_count"`
	MaxRuns         *int           `json:"max_runs,omitempty"`
	IsActive        bool           `json:"is_active"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// WorkerRegistration is the ephemeral liveness record of a worker process.
type WorkerRegistration struct {
	Hostname        string    `json:"hostname"`
	Queues          []string  `json:"queues,omitempty"`
	ActiveTaskCount int       `json:"active_task_count"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	ActiveOnly bool
	Name       string
	Limit      int
	Offset     int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status RunStatus
	JobID  string
	Limit  int
	Offset int
}

// RunTransition reports a run status change produced inside a store
// transaction, so callers can emit exactly one event per transition.
type RunTransition struct {
	RunID      string
	From       RunStatus
	To         RunStatus
	ResultData map[string]any
}

// LeasedStep is the result of a successful lease: the step plus the run
// transition (queued -> running) if this was the run's first lease.
type LeasedStep struct {
	Step       *JobRunStep
	Transition *RunTransition
}

// StepOutcome carries the terminal result of an executed step.
type StepOutcome struct {
	StepID   string
	Status   StepStatus // succeeded, failed, or aborted
	ExitCode *int
	Stdout   string
	Stderr   string
	Metrics  map[string]any
}

// QueueDepth is the number of queued steps per priority class.
type QueueDepth struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// JobStore persists workflow definitions.
type JobStore interface {
	// CreateJob inserts a job. Returns ConflictError when an active job
	// with the same name exists.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByName(ctx context.Context, name string) (*Job, error)
	// UpdateJob replaces the definition and bumps the version. In-flight
	// runs keep their materialized steps.
	UpdateJob(ctx context.Context, job *Job) error
	// DeleteJob soft-deletes by clearing is_active.
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// RunStore persists job runs.
type RunStore interface {
	// CreateRunWithSteps materializes a run and its steps in one
	// transaction. Either everything commits or nothing does.
	CreateRunWithSteps(ctx context.Context, run *JobRun, steps []*JobRunStep) error
	GetRun(ctx context.Context, id string) (*JobRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*JobRun, error)
	// CancelRun atomically transitions a non-terminal run to canceled and
	// marks its queued steps aborted. Returns ConflictError when the run
	// is already terminal. Running steps are left for cooperative stop.
	CancelRun(ctx context.Context, runID string) (*RunTransition, error)
	// FinishRun force-finishes a run whose steps have all terminated but
	// whose aggregate was computed out-of-band (watchdog timeout path).
	FinishRun(ctx context.Context, runID string, status RunStatus, errorMessage string) (*RunTransition, error)
}

// StepStore persists and leases run steps.
type StepStore interface {
	GetStep(ctx context.Context, id string) (*JobRunStep, error)
	ListSteps(ctx context.Context, runID string) ([]*JobRunStep, error)
	// LeaseNextStep claims the highest-priority runnable queued step using
	// FOR UPDATE SKIP LOCKED semantics, stamps the lease, and flips the
	// parent run to running on first lease. A step is runnable only when
	// every lower-index sibling is terminal and no lower-index sibling
	// failed without continue_on_failure. Returns nil when the queue is
	// empty.
	LeaseNextStep(ctx context.Context, workerID, hostname string) (*LeasedStep, error)
	// CompleteStep records a terminal outcome and re-evaluates the run in
	// the same transaction. The update is dropped (nil transition, no
	// error) when the step already reached a terminal status, so a
	// crashed worker's late write cannot double-fire. A hard step failure
	// aborts remaining queued siblings before aggregation.
	CompleteStep(ctx context.Context, outcome StepOutcome) (*RunTransition, error)
	// RequeueStep returns a step to queued with retry_count+1 and a
	// cleared lease.
	RequeueStep(ctx context.Context, stepID string) error
	// MarkStepsSkipped transitions queued steps of a run to skipped, used
	// for non-taken branches.
	MarkStepsSkipped(ctx context.Context, runID string, indexes []int) error
	QueueDepths(ctx context.Context) (*QueueDepth, error)
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	// DueSchedules returns active schedules with next_run_at <= now and
	// remaining run budget.
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	// RecordFire persists the outcome of one scheduler fire: last_run_at,
	// run_count+1, the new next_run_at (nil deactivates), is_active.
	RecordFire(ctx context.Context, id string, firedAt time.Time, nextRunAt *time.Time, active bool) error
}

// WorkerStore tracks worker liveness and stale leases.
type WorkerStore interface {
	UpsertHeartbeat(ctx context.Context, w *WorkerRegistration) error
	LiveWorkers(ctx context.Context, window time.Duration) ([]*WorkerRegistration, error)
	PruneWorkers(ctx context.Context, window time.Duration) (int, error)
	// StaleRunningSteps returns steps stuck in running past their timeout
	// plus grace whose worker heartbeat is older than the liveness window.
	StaleRunningSteps(ctx context.Context, liveness, grace time.Duration) ([]*JobRunStep, error)
}

// Store is the composite persistence interface.
type Store interface {
	JobStore
	RunStore
	StepStore
	ScheduleStore
	WorkerStore

	// Health probes the store and returns round-trip latency.
	Health(ctx context.Context) (time.Duration, error)
	Close() error
}
