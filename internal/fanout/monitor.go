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

package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsconductor/opsconductor/internal/store"
)

// Poll cadences per topic. Run activity changes fastest; health the
// slowest.
const (
	jobPollInterval    = 2 * time.Second
	queuePollInterval  = 5 * time.Second
	workerPollInterval = 10 * time.Second
	healthPollInterval = 15 * time.Second

	workerLivenessWindow = 90 * time.Second
)

// Monitor polls the store on fixed cadences and publishes snapshots to
// the shared topics. Snapshots are diffed so idle systems stay silent.
type Monitor struct {
	hub    *Hub
	store  store.Store
	logger *slog.Logger

	lastSnapshots map[string]string
}

// NewMonitor builds a monitor over the given store.
func NewMonitor(hub *Hub, st store.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		hub:           hub,
		store:         st,
		logger:        logger,
		lastSnapshots: make(map[string]string),
	}
}

// Run polls until the context ends. Each topic gets its own ticker so a
// slow query on one cannot starve the others.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.poll(ctx, jobPollInterval, m.publishRuns) })
	g.Go(func() error { return m.poll(ctx, queuePollInterval, m.publishQueue) })
	g.Go(func() error { return m.poll(ctx, workerPollInterval, m.publishWorkers) })
	g.Go(func() error { return m.poll(ctx, healthPollInterval, m.publishHealth) })
	return g.Wait()
}

func (m *Monitor) poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("monitor poll failed", "error", err)
			}
		}
	}
}

func (m *Monitor) publishRuns(ctx context.Context) error {
	active, err := m.store.ListRuns(ctx, store.RunFilter{Status: store.RunRunning, Limit: 100})
	if err != nil {
		return err
	}
	queued, err := m.store.ListRuns(ctx, store.RunFilter{Status: store.RunQueued, Limit: 100})
	if err != nil {
		return err
	}

	type runSummary struct {
		ID       string `json:"id"`
		JobName  string `json:"job_name"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
	}
	summaries := make([]runSummary, 0, len(active)+len(queued))
	for _, r := range append(active, queued...) {
		summaries = append(summaries, runSummary{
			ID:       r.ID,
			JobName:  r.JobName,
			Status:   string(r.Status),
			Priority: int(r.Priority),
		})
	}

	m.publishIfChanged(TopicJobMonitoring, "active_runs", map[string]any{
		"running": len(active),
		"queued":  len(queued),
		"runs":    summaries,
	})
	return nil
}

func (m *Monitor) publishQueue(ctx context.Context) error {
	depths, err := m.store.QueueDepths(ctx)
	if err != nil {
		return err
	}
	m.publishIfChanged(TopicQueueMonitoring, "queue_depth", depths)
	return nil
}

func (m *Monitor) publishWorkers(ctx context.Context) error {
	workers, err := m.store.LiveWorkers(ctx, workerLivenessWindow)
	if err != nil {
		return err
	}
	m.publishIfChanged(TopicWorkerMonitoring, "workers", map[string]any{
		"count":   len(workers),
		"workers": workers,
	})
	return nil
}

func (m *Monitor) publishHealth(ctx context.Context) error {
	status := "healthy"
	if _, err := m.store.Health(ctx); err != nil {
		status = "degraded"
	}
	m.publishIfChanged(TopicSystemHealth, "health", map[string]any{
		"database":    status,
		"subscribers": m.hub.SubscriberCount(),
	})
	return nil
}

// publishIfChanged compares the JSON form against the last published
// snapshot for the topic and stays quiet on a match.
func (m *Monitor) publishIfChanged(topic, frameType string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn("monitor snapshot encode failed", "topic", topic, "error", err)
		return
	}
	if m.lastSnapshots[topic] == string(encoded) {
		return
	}
	m.lastSnapshots[topic] = string(encoded)
	m.hub.Publish(topic, frameType, data)
}
