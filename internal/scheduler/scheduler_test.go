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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/orchestrator"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

type recordingSubmitter struct {
	requests []orchestrator.SubmitRequest
	err      error
}

func (r *recordingSubmitter) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.JobRun, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &store.JobRun{ID: "run-" + req.ScheduleID, JobID: req.JobID}, nil
}

func seedSchedule(t *testing.T, st store.Store, sched *store.Schedule) *store.Schedule {
	t.Helper()
	if sched.NextRunAt == nil {
		past := time.Now().Add(-time.Minute)
		sched.NextRunAt = &past
	}
	sched.IsActive = true
	require.NoError(t, st.CreateSchedule(context.Background(), sched))
	return sched
}

func TestTickFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSchedule(t, st, &store.Schedule{
		ID:              "sched-1",
		JobID:           "job-1",
		ScheduleType:    "recurring",
		IntervalSeconds: 300,
		Parameters:      map[string]any{"env": "prod"},
	})

	sub := &recordingSubmitter{}
	s := New(st, sub)
	require.NoError(t, s.Tick(ctx))

	require.Len(t, sub.requests, 1)
	assert.Equal(t, "job-1", sub.requests[0].JobID)
	assert.Equal(t, "sched-1", sub.requests[0].ScheduleID)
	assert.Equal(t, "scheduler", sub.requests[0].RequestedBy)
	assert.Equal(t, map[string]any{"env": "prod"}, sub.requests[0].Parameters)

	sched, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sched.RunCount)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().Add(4*time.Minute)))
	assert.True(t, sched.IsActive)

	// No longer due.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, sub.requests, 1)
}

func TestTickOnceScheduleDeactivates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSchedule(t, st, &store.Schedule{ID: "sched-1", JobID: "job-1", ScheduleType: "once"})

	sub := &recordingSubmitter{}
	require.NoError(t, New(st, sub).Tick(ctx))
	require.Len(t, sub.requests, 1)

	sched, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, sched.IsActive)
	assert.Nil(t, sched.NextRunAt)
}

func TestTickMaxRunsExhausts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	max := 3
	seedSchedule(t, st, &store.Schedule{
		ID:              "sched-1",
		JobID:           "job-1",
		ScheduleType:    "recurring",
		IntervalSeconds: 60,
		RunCount:        2,
		MaxRuns:         &max,
	})

	sub := &recordingSubmitter{}
	require.NoError(t, New(st, sub).Tick(ctx))

	sched, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sched.RunCount)
	assert.False(t, sched.IsActive)
	assert.Nil(t, sched.NextRunAt)
}

func TestTickDeactivatesScheduleForMissingJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedSchedule(t, st, &store.Schedule{
		ID:              "sched-1",
		JobID:           "gone",
		ScheduleType:    "recurring",
		IntervalSeconds: 60,
	})

	sub := &recordingSubmitter{err: &errors.NotFoundError{Resource: "job", ID: "gone"}}
	require.NoError(t, New(st, sub).Tick(ctx))

	sched, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.False(t, sched.IsActive)
}

func TestTickTransientSubmitFailureKeepsScheduleDue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	due := time.Now().Add(-time.Minute)
	seedSchedule(t, st, &store.Schedule{
		ID:              "sched-1",
		JobID:           "job-1",
		ScheduleType:    "recurring",
		IntervalSeconds: 60,
		NextRunAt:       &due,
	})

	sub := &recordingSubmitter{err: &errors.TransientError{Operation: "persist run"}}
	require.NoError(t, New(st, sub).Tick(ctx))

	// Fire not recorded, so the next tick retries it.
	sched, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Zero(t, sched.RunCount)
	assert.True(t, sched.IsActive)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Before(time.Now()))
}

func TestNextFireCron(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextFire(&store.Schedule{ScheduleType: "cron", CronExpression: "*/15 * * * *"}, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC), next.UTC())
}

func TestNextFireInvalidCron(t *testing.T) {
	_, err := NextFire(&store.Schedule{ScheduleType: "cron", CronExpression: "not a cron"}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestNextFireMissedIntervalsCollapse(t *testing.T) {
	now := time.Now()
	sched := &store.Schedule{ScheduleType: "recurring", IntervalSeconds: 60}
	next, err := NextFire(sched, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), *next)
}

func TestFollowerSkipsScan(t *testing.T) {
	st := store.NewMemory()
	seedSchedule(t, st, &store.Schedule{
		ID:              "sched-1",
		JobID:           "job-1",
		ScheduleType:    "recurring",
		IntervalSeconds: 60,
	})

	sub := &recordingSubmitter{}
	s := New(st, sub, WithLeadership(func() bool { return false }))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx, 5*time.Millisecond)

	assert.Empty(t, sub.requests)
}
