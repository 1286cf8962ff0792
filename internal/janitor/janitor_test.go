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

package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/store"
)

// seedOrphan creates a run whose single step is leased by a worker that
// never heartbeats, with a timeout already expired.
func seedOrphan(t *testing.T, st store.Store, maxRetries int) *store.JobRunStep {
	t.Helper()
	ctx := context.Background()

	run := &store.JobRun{ID: "run-1", JobID: "job-1", JobName: "patch"}
	// Zero timeout so the lease deadline lapses immediately.
	step := &store.JobRunStep{
		ID:         "step-1",
		Type:       "ssh.exec",
		MaxRetries: maxRetries,
		Payload:    map[string]any{"command": "uptime"},
	}
	require.NoError(t, st.CreateRunWithSteps(ctx, run, []*store.JobRunStep{step}))

	leased, err := st.LeaseNextStep(ctx, "dead-worker", "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, leased)
	return leased.Step
}

func TestSweepRequeuesOrphanWithBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedOrphan(t, st, 2)

	// Liveness/grace of a nanosecond make the fresh lease look ancient.
	j := New(st, WithWindows(time.Nanosecond, time.Nanosecond))
	time.Sleep(time.Millisecond)
	require.NoError(t, j.Sweep(ctx))

	steps, err := st.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepQueued, steps[0].Status)
	assert.Equal(t, 1, steps[0].RetryCount)
	assert.Empty(t, steps[0].WorkerID)
}

func TestSweepFailsOrphanWithoutBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedOrphan(t, st, 0)

	var transitions []*store.RunTransition
	j := New(st,
		WithWindows(time.Nanosecond, time.Nanosecond),
		WithTransitionHandler(func(_ context.Context, tr *store.RunTransition) {
			transitions = append(transitions, tr)
		}),
	)
	time.Sleep(time.Millisecond)
	require.NoError(t, j.Sweep(ctx))

	steps, err := st.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].Stderr, "orphaned")

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)

	require.Len(t, transitions, 1)
	assert.Equal(t, store.RunFailed, transitions[0].To)
}

func TestSweepLeavesLiveWorkersAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedOrphan(t, st, 2)

	// A fresh heartbeat from the leasing worker protects its steps even
	// though the step timeout lapsed.
	require.NoError(t, st.UpsertHeartbeat(ctx, &store.WorkerRegistration{Hostname: "dead-worker"}))

	j := New(st, WithWindows(time.Hour, time.Nanosecond))
	time.Sleep(time.Millisecond)
	require.NoError(t, j.Sweep(ctx))

	steps, err := st.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.StepRunning, steps[0].Status)
	assert.Zero(t, steps[0].RetryCount)
}

func TestSweepPrunesDeadWorkers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.UpsertHeartbeat(ctx, &store.WorkerRegistration{Hostname: "w1"}))

	// Fresh registrations survive the prune window.
	require.NoError(t, New(st).Sweep(ctx))
	workers, err := st.LiveWorkers(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}
