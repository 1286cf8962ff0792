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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ JobStore      = (*Memory)(nil)
	_ RunStore      = (*Memory)(nil)
	_ StepStore     = (*Memory)(nil)
	_ ScheduleStore = (*Memory)(nil)
	_ WorkerStore   = (*Memory)(nil)
	_ Store         = (*Memory)(nil)
)

// Memory is an in-memory store for tests and single-process deployments.
// A single mutex stands in for the row-level locking the Postgres backend
// gets from the database, so the lease and completion transactions keep
// the same atomicity guarantees.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	runs      map[string]*JobRun
	steps     map[string]*JobRunStep
	schedules map[string]*Schedule
	workers   map[string]*WorkerRegistration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*Job),
		runs:      make(map[string]*JobRun),
		steps:     make(map[string]*JobRunStep),
		schedules: make(map[string]*Schedule),
		workers:   make(map[string]*WorkerRegistration),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// Health always succeeds with zero latency.
func (m *Memory) Health(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

// --- Job operations ---

// CreateJob inserts a job, enforcing the unique-active-name invariant.
func (m *Memory) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.IsActive {
		for _, existing := range m.jobs {
			if existing.IsActive && existing.Name == job.Name {
				return &errors.ConflictError{Resource: "job", Message: fmt.Sprintf("an active job named %q already exists", job.Name)}
			}
		}
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

// GetJob retrieves a job by ID.
func (m *Memory) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "job", ID: id}
	}
	clone := *job
	return &clone, nil
}

// GetJobByName retrieves the active job with the given name.
func (m *Memory) GetJobByName(ctx context.Context, name string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.IsActive && job.Name == name {
			clone := *job
			return &clone, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "job", ID: name}
}

// UpdateJob replaces the definition and bumps the version.
func (m *Memory) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.jobs[job.ID]
	if !exists || !existing.IsActive {
		return &errors.NotFoundError{Resource: "job", ID: job.ID}
	}

	for _, other := range m.jobs {
		if other.ID != job.ID && other.IsActive && other.Name == job.Name {
			return &errors.ConflictError{Resource: "job", Message: fmt.Sprintf("an active job named %q already exists", job.Name)}
		}
	}

	existing.Name = job.Name
	existing.Definition = job.Definition
	existing.Version++
	existing.UpdatedAt = time.Now()
	job.Version = existing.Version
	job.UpdatedAt = existing.UpdatedAt
	return nil
}

// DeleteJob soft-deletes a job.
func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists || !job.IsActive {
		return &errors.NotFoundError{Resource: "job", ID: id}
	}
	job.IsActive = false
	job.UpdatedAt = time.Now()
	return nil
}

// ListJobs lists jobs with optional filtering.
func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, job := range m.jobs {
		if filter.ActiveOnly && !job.IsActive {
			continue
		}
		if filter.Name != "" && job.Name != filter.Name {
			continue
		}
		clone := *job
		jobs = append(jobs, &clone)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Name != jobs[j].Name {
			return jobs[i].Name < jobs[j].Name
		}
		return jobs[i].Version > jobs[j].Version
	})

	return paginate(jobs, filter.Limit, filter.Offset), nil
}

// --- Run operations ---

// CreateRunWithSteps materializes a run and its steps atomically.
func (m *Memory) CreateRunWithSteps(ctx context.Context, run *JobRun, steps []*JobRunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return &errors.ConflictError{Resource: "run", Message: fmt.Sprintf("run already exists: %s", run.ID)}
	}

	// The orchestrator persists already-terminal runs here too (failed
	// translations, empty workflows), so the caller's status and
	// timestamps win; only unset fields get the queued defaults.
	if run.Status == "" {
		run.Status = RunQueued
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now()
	}
	runClone := *run
	m.runs[run.ID] = &runClone

	for _, step := range steps {
		step.RunID = run.ID
		if step.Status == "" {
			step.Status = StepQueued
		}
		stepClone := *step
		m.steps[step.ID] = &stepClone
	}
	return nil
}

// GetRun retrieves a run by ID.
func (m *Memory) GetRun(ctx context.Context, id string) (*JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	clone := *run
	return &clone, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (m *Memory) ListRuns(ctx context.Context, filter RunFilter) ([]*JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*JobRun
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.JobID != "" && run.JobID != filter.JobID {
			continue
		}
		clone := *run
		runs = append(runs, &clone)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].QueuedAt.After(runs[j].QueuedAt)
	})

	return paginate(runs, filter.Limit, filter.Offset), nil
}

// CancelRun transitions a non-terminal run to canceled and aborts its
// queued steps.
func (m *Memory) CancelRun(ctx context.Context, runID string) (*RunTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Status.Terminal() {
		return nil, &errors.ConflictError{Resource: "run", Message: fmt.Sprintf("run is already %s", run.Status)}
	}

	now := time.Now()
	for _, step := range m.steps {
		if step.RunID == runID && step.Status == StepQueued {
			step.Status = StepAborted
			step.FinishedAt = &now
		}
	}

	from := run.Status
	run.Status = RunCanceled
	run.FinishedAt = &now

	return &RunTransition{RunID: runID, From: from, To: RunCanceled}, nil
}

// FinishRun force-finishes a non-terminal run.
func (m *Memory) FinishRun(ctx context.Context, runID string, status RunStatus, errorMessage string) (*RunTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[runID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Status.Terminal() {
		return nil, &errors.ConflictError{Resource: "run", Message: fmt.Sprintf("run is already %s", run.Status)}
	}

	now := time.Now()
	from := run.Status
	run.Status = status
	run.ErrorMessage = errorMessage
	run.FinishedAt = &now

	return &RunTransition{RunID: runID, From: from, To: status}, nil
}

// --- Step operations ---

// GetStep retrieves a step by ID.
func (m *Memory) GetStep(ctx context.Context, id string) (*JobRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	step, exists := m.steps[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	clone := *step
	return &clone, nil
}

// ListSteps retrieves all steps of a run in index order.
func (m *Memory) ListSteps(ctx context.Context, runID string) ([]*JobRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.runStepsLocked(runID), nil
}

// runStepsLocked returns cloned steps of a run sorted by index. Caller
// holds at least the read lock.
func (m *Memory) runStepsLocked(runID string) []*JobRunStep {
	var steps []*JobRunStep
	for _, step := range m.steps {
		if step.RunID == runID {
			clone := *step
			steps = append(steps, &clone)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Index < steps[j].Index
	})
	return steps
}

// LeaseNextStep claims the next runnable queued step.
func (m *Memory) LeaseNextStep(ctx context.Context, workerID, hostname string) (*LeasedStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*JobRunStep
	for _, step := range m.steps {
		if step.Status != StepQueued {
			continue
		}
		run, ok := m.runs[step.RunID]
		if !ok || run.Status.Terminal() {
			continue
		}
		if m.runnableLocked(step) {
			candidates = append(candidates, step)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		qa, qb := m.runs[a.RunID].QueuedAt, m.runs[b.RunID].QueuedAt
		if !qa.Equal(qb) {
			return qa.Before(qb)
		}
		return a.Index < b.Index
	})

	step := candidates[0]
	now := time.Now()
	step.Status = StepRunning
	step.LeaseToken = fmt.Sprintf("%s/%d", workerID, now.UnixNano())
	step.WorkerID = workerID
	step.StartedAt = &now

	var transition *RunTransition
	run := m.runs[step.RunID]
	if run.Status == RunQueued {
		run.Status = RunRunning
		run.StartedAt = &now
		run.WorkerHostname = hostname
		transition = &RunTransition{RunID: run.ID, From: RunQueued, To: RunRunning}
	}

	clone := *step
	return &LeasedStep{Step: &clone, Transition: transition}, nil
}

// runnableLocked mirrors the Postgres lease gate: every lower-index
// sibling terminal, none failed or aborted without continue_on_failure.
func (m *Memory) runnableLocked(step *JobRunStep) bool {
	for _, sibling := range m.steps {
		if sibling.RunID != step.RunID || sibling.Index >= step.Index {
			continue
		}
		if !sibling.Status.Terminal() {
			return false
		}
		if (sibling.Status == StepFailed || sibling.Status == StepAborted) && !sibling.ContinueOnFailure {
			return false
		}
	}
	return true
}

// CompleteStep records a terminal outcome and re-evaluates the run.
func (m *Memory) CompleteStep(ctx context.Context, outcome StepOutcome) (*RunTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, exists := m.steps[outcome.StepID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: outcome.StepID}
	}
	if step.Status.Terminal() {
		return nil, nil // Late write from a superseded lease; drop it.
	}

	now := time.Now()
	step.Status = outcome.Status
	step.ExitCode = outcome.ExitCode
	step.Stdout = outcome.Stdout
	step.Stderr = outcome.Stderr
	step.Metrics = outcome.Metrics
	step.FinishedAt = &now
	step.LeaseToken = ""

	if outcome.Status == StepFailed && !step.ContinueOnFailure {
		for _, sibling := range m.steps {
			if sibling.RunID == step.RunID && sibling.Status == StepQueued {
				sibling.Status = StepAborted
				sibling.FinishedAt = &now
			}
		}
	}

	var statuses []StepStatus
	for _, sibling := range m.steps {
		if sibling.RunID == step.RunID {
			statuses = append(statuses, sibling.Status)
		}
	}

	aggregate, terminal := AggregateRun(statuses)
	if !terminal {
		return nil, nil
	}

	run := m.runs[step.RunID]
	if run.Status.Terminal() {
		return nil, nil // Canceled runs absorb late completions.
	}

	from := run.Status
	resultData := SummarizeSteps(statuses)
	run.Status = aggregate
	run.ResultData = resultData
	run.FinishedAt = &now
	if aggregate == RunFailed {
		run.ErrorMessage = fmt.Sprintf("step %d failed", step.Index)
		if first := firstLine(outcome.Stderr); first != "" {
			run.ErrorMessage += ": " + first
		}
	}

	return &RunTransition{RunID: run.ID, From: from, To: aggregate, ResultData: resultData}, nil
}

// RequeueStep returns a running step to queued with retry_count+1.
func (m *Memory) RequeueStep(ctx context.Context, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, exists := m.steps[stepID]
	if !exists {
		return &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	if step.Status != StepRunning {
		return &errors.ConflictError{Resource: "step", Message: "step is not running"}
	}

	// Requeueing into a terminal run would strand the step: the queue
	// skips terminal runs, so it could never be leased again. Abort it.
	if run := m.runs[step.RunID]; run != nil && run.Status.Terminal() {
		now := time.Now()
		step.Status = StepAborted
		step.FinishedAt = &now
		step.LeaseToken = ""
		step.WorkerID = ""
		return nil
	}

	step.Status = StepQueued
	step.RetryCount++
	step.LeaseToken = ""
	step.WorkerID = ""
	step.StartedAt = nil
	return nil
}

// MarkStepsSkipped transitions queued steps at the given indexes to skipped.
func (m *Memory) MarkStepsSkipped(ctx context.Context, runID string, indexes []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		want[idx] = true
	}

	now := time.Now()
	for _, step := range m.steps {
		if step.RunID == runID && step.Status == StepQueued && want[step.Index] {
			step.Status = StepSkipped
			step.FinishedAt = &now
		}
	}
	return nil
}

// QueueDepths counts queued steps per priority class.
func (m *Memory) QueueDepths(ctx context.Context) (*QueueDepth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	depth := &QueueDepth{}
	for _, step := range m.steps {
		if step.Status != StepQueued {
			continue
		}
		switch step.Priority.String() {
		case "high":
			depth.High++
		case "low":
			depth.Low++
		default:
			depth.Normal++
		}
	}
	return depth, nil
}

// --- Schedule operations ---

// CreateSchedule inserts a schedule.
func (m *Memory) CreateSchedule(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[s.ID]; exists {
		return &errors.ConflictError{Resource: "schedule", Message: fmt.Sprintf("schedule already exists: %s", s.ID)}
	}

	s.CreatedAt = time.Now()
	clone := *s
	m.schedules[s.ID] = &clone
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *Memory) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.schedules[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	clone := *s
	return &clone, nil
}

// ListSchedules returns all schedules.
func (m *Memory) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schedules []*Schedule
	for _, s := range m.schedules {
		clone := *s
		schedules = append(schedules, &clone)
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules, nil
}

// DeleteSchedule deletes a schedule.
func (m *Memory) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[id]; !exists {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	delete(m.schedules, id)
	return nil
}

// DueSchedules returns active schedules whose next fire time has passed.
func (m *Memory) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Schedule
	for _, s := range m.schedules {
		if !s.IsActive || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		if s.MaxRuns != nil && s.RunCount >= *s.MaxRuns {
			continue
		}
		clone := *s
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due, nil
}

// RecordFire persists the outcome of a scheduler fire.
func (m *Memory) RecordFire(ctx context.Context, id string, firedAt time.Time, nextRunAt *time.Time, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.schedules[id]
	if !exists {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}

	s.LastRunAt = &firedAt
	s.RunCount++
	s.NextRunAt = nextRunAt
	s.IsActive = active
	return nil
}

// --- Worker operations ---

// UpsertHeartbeat records a worker's liveness.
func (m *Memory) UpsertHeartbeat(ctx context.Context, w *WorkerRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.LastHeartbeat = time.Now()
	clone := *w
	m.workers[w.Hostname] = &clone
	return nil
}

// LiveWorkers returns workers with a heartbeat inside the window.
func (m *Memory) LiveWorkers(ctx context.Context, window time.Duration) ([]*WorkerRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var workers []*WorkerRegistration
	for _, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			continue
		}
		clone := *w
		workers = append(workers, &clone)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Hostname < workers[j].Hostname
	})
	return workers, nil
}

// PruneWorkers removes registrations older than the window.
func (m *Memory) PruneWorkers(ctx context.Context, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	pruned := 0
	for hostname, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			delete(m.workers, hostname)
			pruned++
		}
	}
	return pruned, nil
}

// StaleRunningSteps returns steps stuck past timeout + grace with a
// missing or stale worker heartbeat.
func (m *Memory) StaleRunningSteps(ctx context.Context, liveness, grace time.Duration) ([]*JobRunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var stale []*JobRunStep
	for _, step := range m.steps {
		if step.Status != StepRunning || step.StartedAt == nil {
			continue
		}
		deadline := step.StartedAt.Add(time.Duration(step.TimeoutSeconds)*time.Second + grace)
		if now.Before(deadline) {
			continue
		}
		if w, ok := m.workers[step.WorkerID]; ok && now.Sub(w.LastHeartbeat) < liveness {
			continue
		}
		clone := *step
		stale = append(stale, &clone)
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartedAt.Before(*stale[j].StartedAt)
	})
	return stale, nil
}

// paginate applies limit/offset to a sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// firstLine returns the first line of s, truncated to 200 bytes.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
