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

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/fanout"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/translator"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

func twoStepJob(t *testing.T, st store.Store) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:       "job-1",
		Name:     "patch-fleet",
		IsActive: true,
		Definition: workflow.Definition{
			Name: "patch-fleet",
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.NodeStart},
				{ID: "first", Type: workflow.NodeActionCommand, Data: map[string]any{"command": "apt-get update"}},
				{ID: "second", Type: workflow.NodeActionCommand, Data: map[string]any{"command": "apt-get upgrade -y"}},
			},
			Edges: []workflow.Edge{
				{ID: "e1", Source: "start", Target: "first"},
				{ID: "e2", Source: "first", Target: "second"},
			},
		},
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func newTestOrchestrator(st store.Store, opts ...Option) *Orchestrator {
	return New(st, translator.New(nil), fanout.NewHub(nil), opts...)
}

func TestSubmitMaterializesRunAndSteps(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := twoStepJob(t, st)
	o := newTestOrchestrator(st)

	run, err := o.Submit(ctx, SubmitRequest{
		JobID:       job.ID,
		Priority:    store.PriorityHigh,
		RequestedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)

	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, store.StepQueued, steps[0].Status)
	assert.Equal(t, run.ID, steps[0].RunID)
	assert.Equal(t, store.PriorityHigh, steps[0].Priority)
}

func TestSubmitByName(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	twoStepJob(t, st)

	run, err := newTestOrchestrator(st).Submit(ctx, SubmitRequest{JobName: "patch-fleet"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", run.JobID)
}

func TestSubmitTranslationFailureLeavesFailedRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := &store.Job{
		ID:       "job-2",
		Name:     "templated",
		IsActive: true,
		Definition: workflow.Definition{
			Name: "templated",
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.NodeStart},
				{ID: "cmd", Type: workflow.NodeActionCommand, Data: map[string]any{"command": "echo {{ missing }}"}},
			},
			Edges: []workflow.Edge{{ID: "e1", Source: "start", Target: "cmd"}},
		},
	}
	require.NoError(t, st.CreateJob(ctx, job))

	run, err := newTestOrchestrator(st).Submit(ctx, SubmitRequest{JobID: job.ID})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	// The failure is still auditable as a terminal run with no steps.
	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, persisted.Status)
	assert.NotEmpty(t, persisted.ErrorMessage)
	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestSubmitEmptyWorkflowSucceedsImmediately(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := &store.Job{
		ID:         "job-3",
		Name:       "noop",
		IsActive:   true,
		Definition: workflow.Definition{Name: "noop"},
	}
	require.NoError(t, st.CreateJob(ctx, job))

	run, err := newTestOrchestrator(st).Submit(ctx, SubmitRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.NotNil(t, run.FinishedAt)

	// The store must keep the terminal status: a zero-step run left
	// queued could never be aggregated by a step completion.
	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, persisted.Status)
	assert.NotNil(t, persisted.FinishedAt)
}

func TestSubmitInactiveJobRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := twoStepJob(t, st)
	require.NoError(t, st.DeleteJob(ctx, job.ID))

	_, err := newTestOrchestrator(st).Submit(ctx, SubmitRequest{JobID: job.ID})
	require.Error(t, err)
}

func TestCancelPublishesTransition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := twoStepJob(t, st)
	hub := fanout.NewHub(nil)
	o := New(st, translator.New(nil), hub)

	run, err := o.Submit(ctx, SubmitRequest{JobID: job.ID})
	require.NoError(t, err)

	sub := hub.Subscribe(fanout.TopicJobMonitoring)
	defer sub.Close()

	require.NoError(t, o.Cancel(ctx, run.ID))

	frame := <-sub.Frames()
	assert.Equal(t, "run_status", frame.Type)

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, persisted.Status)
}

func TestStatusAggregatesSteps(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := twoStepJob(t, st)
	o := newTestOrchestrator(st)

	run, err := o.Submit(ctx, SubmitRequest{JobID: job.ID})
	require.NoError(t, err)

	view, err := o.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Steps, 2)
	assert.Equal(t, 2, view.Summary["steps_total"])
}

type recordingNotifier struct {
	finished []*store.JobRun
}

func (r *recordingNotifier) RunFinished(ctx context.Context, run *store.JobRun) error {
	r.finished = append(r.finished, run)
	return nil
}

func TestWatchdogReapsExpiredRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := twoStepJob(t, st)

	notifier := &recordingNotifier{}
	clock := time.Now()
	o := newTestOrchestrator(st,
		WithNotifier(notifier),
		WithRunTimeout(time.Hour),
		WithClock(func() time.Time { return clock }),
	)

	run, err := o.Submit(ctx, SubmitRequest{JobID: job.ID})
	require.NoError(t, err)

	// Lease the first step to flip the run to running.
	leased, err := st.LeaseNextStep(ctx, "w1", "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, run.ID, leased.Step.RunID)

	// Within budget: untouched.
	require.NoError(t, o.reapExpiredRuns(ctx))
	persisted, _ := st.GetRun(ctx, run.ID)
	assert.Equal(t, store.RunRunning, persisted.Status)

	// Past budget: force-failed and the notifier fires.
	clock = clock.Add(2 * time.Hour)
	require.NoError(t, o.reapExpiredRuns(ctx))
	persisted, _ = st.GetRun(ctx, run.ID)
	assert.Equal(t, store.RunFailed, persisted.Status)
	assert.Contains(t, persisted.ErrorMessage, "wall-clock budget")
	require.Len(t, notifier.finished, 1)
	assert.Equal(t, run.ID, notifier.finished[0].ID)
}
