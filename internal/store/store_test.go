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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

func testJob(name string) *Job {
	return &Job{
		ID:   "job-" + name,
		Name: name,
		Definition: workflow.Definition{
			Name: name,
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.NodeStart},
				{ID: "end", Type: workflow.NodeEnd},
			},
		},
		Version:  1,
		IsActive: true,
	}
}

func testRun(id string, steps ...*JobRunStep) (*JobRun, []*JobRunStep) {
	run := &JobRun{
		ID:            id,
		JobID:         "job-1",
		JobName:       "test",
		Priority:      PriorityNormal,
		CorrelationID: "corr-" + id,
	}
	for i, s := range steps {
		s.ID = fmt.Sprintf("%s-step-%d", id, i)
		s.Index = i
		if s.Type == "" {
			s.Type = "ssh.exec"
		}
		if s.TimeoutSeconds == 0 {
			s.TimeoutSeconds = 300
		}
	}
	return run, steps
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	job := testJob("deploy")
	require.NoError(t, s.CreateJob(ctx, job))

	// Active name uniqueness.
	dup := testJob("deploy")
	dup.ID = "job-other"
	err := s.CreateJob(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	got, err := s.GetJobByName(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// Update bumps the version.
	got.Definition.Description = "updated"
	require.NoError(t, s.UpdateJob(ctx, got))
	assert.Equal(t, 2, got.Version)

	// Soft delete frees the name.
	require.NoError(t, s.DeleteJob(ctx, job.ID))
	_, err = s.GetJobByName(ctx, "deploy")
	assert.True(t, errors.IsNotFound(err))
	require.NoError(t, s.CreateJob(ctx, dup))

	jobs, err := s.ListJobs(ctx, JobFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-other", jobs[0].ID)
}

func TestLeaseOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{}, &JobRunStep{}, &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	// First lease returns index 0 and flips the run to running.
	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 0, leased.Step.Index)
	assert.Equal(t, StepRunning, leased.Step.Status)
	assert.NotEmpty(t, leased.Step.LeaseToken)
	require.NotNil(t, leased.Transition)
	assert.Equal(t, RunQueued, leased.Transition.From)
	assert.Equal(t, RunRunning, leased.Transition.To)

	// Step 1 is not runnable while step 0 is running.
	next, err := s.LeaseNextStep(ctx, "w2", "host-b")
	require.NoError(t, err)
	assert.Nil(t, next)

	// Completing step 0 unblocks step 1, with no second run transition.
	_, err = s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepSucceeded})
	require.NoError(t, err)

	next, err = s.LeaseNextStep(ctx, "w2", "host-b")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Step.Index)
	assert.Nil(t, next.Transition)
}

func TestLeasePriority(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	low, lowSteps := testRun("run-low", &JobRunStep{Priority: PriorityLow})
	require.NoError(t, s.CreateRunWithSteps(ctx, low, lowSteps))
	high, highSteps := testRun("run-high", &JobRunStep{Priority: PriorityHigh})
	require.NoError(t, s.CreateRunWithSteps(ctx, high, highSteps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "run-high", leased.Step.RunID)
}

func TestHardFailureAbortsQueuedSiblings(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{}, &JobRunStep{}, &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	_, err = s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepSucceeded})
	require.NoError(t, err)

	leased, err = s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	require.Equal(t, 1, leased.Step.Index)

	code := 1
	transition, err := s.CompleteStep(ctx, StepOutcome{
		StepID:   leased.Step.ID,
		Status:   StepFailed,
		ExitCode: &code,
		Stderr:   "command exited 1",
	})
	require.NoError(t, err)

	// Single aggregation: failed step + aborted sibling -> run failed.
	require.NotNil(t, transition)
	assert.Equal(t, RunFailed, transition.To)
	assert.Equal(t, 1, transition.ResultData["steps_succeeded"])
	assert.Equal(t, 1, transition.ResultData["steps_failed"])
	assert.Equal(t, 1, transition.ResultData["steps_aborted"])

	all, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, all[0].Status)
	assert.Equal(t, StepFailed, all[1].Status)
	assert.Equal(t, StepAborted, all[2].Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "step 1 failed")
}

func TestContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1",
		&JobRunStep{ContinueOnFailure: true},
		&JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	transition, err := s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepFailed})
	require.NoError(t, err)
	assert.Nil(t, transition, "run stays running while step 1 is queued")

	// Step 1 remains leasable despite the failure.
	leased, err = s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 1, leased.Step.Index)

	transition, err = s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepSucceeded})
	require.NoError(t, err)
	require.NotNil(t, transition)
	assert.Equal(t, RunFailed, transition.To, "any failed step fails the run")
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{}, &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)

	transition, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCanceled, transition.To)

	// Queued sibling aborted, running step untouched.
	all, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepRunning, all[0].Status)
	assert.Equal(t, StepAborted, all[1].Status)

	// The cooperative stop completes the running step as aborted; the
	// already-canceled run absorbs it without a second transition.
	transition, err = s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepAborted})
	require.NoError(t, err)
	assert.Nil(t, transition)

	// Cancel is not idempotent: second cancel conflicts.
	_, err = s.CancelRun(ctx, run.ID)
	assert.True(t, errors.IsConflict(err))
}

func TestLateWriteDropped(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)

	// First worker presumed dead; janitor requeues, second worker leases
	// and completes.
	require.NoError(t, s.RequeueStep(ctx, leased.Step.ID))
	released, err := s.LeaseNextStep(ctx, "w2", "host-b")
	require.NoError(t, err)
	assert.Equal(t, 1, released.Step.RetryCount)

	transition, err := s.CompleteStep(ctx, StepOutcome{StepID: released.Step.ID, Status: StepSucceeded})
	require.NoError(t, err)
	require.NotNil(t, transition)
	assert.Equal(t, RunSucceeded, transition.To)

	// The first worker's late failure report is dropped.
	transition, err = s.CompleteStep(ctx, StepOutcome{StepID: leased.Step.ID, Status: StepFailed})
	require.NoError(t, err)
	assert.Nil(t, transition)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, got.Status)
}

func TestMarkStepsSkipped(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{}, &JobRunStep{ContinueOnFailure: true}, &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	require.NoError(t, s.MarkStepsSkipped(ctx, run.ID, []int{1}))

	all, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, all[1].Status)
	assert.Equal(t, StepQueued, all[0].Status)
}

func TestAggregateRun(t *testing.T) {
	tests := []struct {
		name     string
		statuses []StepStatus
		want     RunStatus
		terminal bool
	}{
		{"empty run succeeds trivially", nil, RunSucceeded, true},
		{"all succeeded", []StepStatus{StepSucceeded, StepSucceeded}, RunSucceeded, true},
		{"succeeded and skipped", []StepStatus{StepSucceeded, StepSkipped}, RunSucceeded, true},
		{"still queued", []StepStatus{StepSucceeded, StepQueued}, RunRunning, false},
		{"still running", []StepStatus{StepFailed, StepRunning}, RunRunning, false},
		{"failed terminal", []StepStatus{StepSucceeded, StepFailed}, RunFailed, true},
		{"aborted terminal", []StepStatus{StepFailed, StepAborted}, RunFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, terminal := AggregateRun(tt.statuses)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.terminal, terminal)
		})
	}
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	maxRuns := 2

	due := &Schedule{ID: "sched-due", JobID: "job-1", ScheduleType: "recurring",
		IntervalSeconds: 60, NextRunAt: &past, MaxRuns: &maxRuns, IsActive: true}
	notYet := &Schedule{ID: "sched-later", JobID: "job-1", ScheduleType: "recurring",
		IntervalSeconds: 60, NextRunAt: &future, IsActive: true}
	require.NoError(t, s.CreateSchedule(ctx, due))
	require.NoError(t, s.CreateSchedule(ctx, notYet))

	got, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sched-due", got[0].ID)

	// First fire keeps the schedule active.
	next := now.Add(time.Minute)
	require.NoError(t, s.RecordFire(ctx, "sched-due", now, &next, true))

	// Second fire exhausts max_runs and deactivates.
	require.NoError(t, s.RecordFire(ctx, "sched-due", now, nil, false))

	final, err := s.GetSchedule(ctx, "sched-due")
	require.NoError(t, err)
	assert.Equal(t, 2, final.RunCount)
	assert.False(t, final.IsActive)
	assert.Nil(t, final.NextRunAt)

	got, err = s.DueSchedules(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sched-later", got[0].ID)
}

func TestStaleRunningSteps(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{TimeoutSeconds: 1})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)

	// Backdate the lease past timeout + grace.
	s.mu.Lock()
	old := time.Now().Add(-time.Minute)
	s.steps[leased.Step.ID].StartedAt = &old
	s.mu.Unlock()

	// Live heartbeat keeps the step off the stale list.
	require.NoError(t, s.UpsertHeartbeat(ctx, &WorkerRegistration{Hostname: "w1"}))
	stale, err := s.StaleRunningSteps(ctx, 60*time.Second, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Stale heartbeat exposes it.
	s.mu.Lock()
	s.workers["w1"].LastHeartbeat = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	stale, err = s.StaleRunningSteps(ctx, 60*time.Second, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, leased.Step.ID, stale[0].ID)
}

func TestWorkerPrune(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.UpsertHeartbeat(ctx, &WorkerRegistration{Hostname: "fresh"}))
	require.NoError(t, s.UpsertHeartbeat(ctx, &WorkerRegistration{Hostname: "stale"}))
	s.mu.Lock()
	s.workers["stale"].LastHeartbeat = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	live, err := s.LiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].Hostname)

	pruned, err := s.PruneWorkers(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestCreateRunWithStepsKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// Zero-step runs arrive already terminal; forcing them back to
	// queued would leave them unleasable and unaggregatable forever.
	finished := time.Now()
	run := &JobRun{
		ID:         "run-empty",
		JobID:      "job-1",
		JobName:    "noop",
		Status:     RunSucceeded,
		FinishedAt: &finished,
		ResultData: map[string]any{"steps_total": 0},
	}
	require.NoError(t, s.CreateRunWithSteps(ctx, run, nil))

	persisted, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, persisted.Status)
	require.NotNil(t, persisted.FinishedAt)

	failed := &JobRun{
		ID:           "run-bad",
		JobID:        "job-1",
		JobName:      "templated",
		Status:       RunFailed,
		ErrorMessage: "undefined variable \"missing\"",
		FinishedAt:   &finished,
	}
	require.NoError(t, s.CreateRunWithSteps(ctx, failed, nil))

	persisted, err = s.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, persisted.Status)
	assert.Equal(t, "undefined variable \"missing\"", persisted.ErrorMessage)

	// A run without a status still defaults to queued.
	queued, steps := testRun("run-plain", &JobRunStep{})
	require.NoError(t, s.CreateRunWithSteps(ctx, queued, steps))
	persisted, err = s.GetRun(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, persisted.Status)
}

func TestRequeueIntoTerminalRunAborts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run, steps := testRun("run-1", &JobRunStep{MaxRetries: 3})
	require.NoError(t, s.CreateRunWithSteps(ctx, run, steps))

	leased, err := s.LeaseNextStep(ctx, "w1", "host-a")
	require.NoError(t, err)
	_, err = s.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	// A retrying worker must not resurrect a step of a canceled run:
	// the queue skips terminal runs, so a requeued step would sit
	// queued forever. The requeue turns into a terminal abort.
	require.NoError(t, s.RequeueStep(ctx, leased.Step.ID))

	step, err := s.GetStep(ctx, leased.Step.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAborted, step.Status)
	assert.NotNil(t, step.FinishedAt)

	next, err := s.LeaseNextStep(ctx, "w2", "host-b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPrefixColumnsQualifiesOnlyIdentifiers(t *testing.T) {
	got := prefixColumns(stepColumns, "s")

	// Bare identifiers get the alias; COALESCE arguments keep it on the
	// column only, never on the literal fallback.
	assert.Contains(t, got, "s.id")
	assert.Contains(t, got, "s.run_id")
	assert.Contains(t, got, "COALESCE(s.name, '')")
	assert.Contains(t, got, "COALESCE(s.lease_token, '')")
	assert.NotContains(t, got, "s.''")
	assert.NotContains(t, got, "s.COALESCE")
}
