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

// Package fanout distributes run and system events to websocket
// subscribers through topic channels. Delivery is best-effort: a
// subscriber that cannot drain its backlog is disconnected rather than
// allowed to stall the publishers.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/internal/store"
)

// Shared monitoring topics. Per-run topics use RunTopic.
const (
	TopicJobMonitoring    = "job_monitoring"
	TopicQueueMonitoring  = "queue_monitoring"
	TopicWorkerMonitoring = "worker_monitoring"
	TopicSystemHealth     = "system_health"
)

// subscriberBacklog is the per-subscriber frame buffer. Past this the
// subscriber is considered dead and dropped.
const subscriberBacklog = 64

// RunTopic returns the per-run topic name.
func RunTopic(runID string) string {
	return "run:" + runID
}

// Frame is the wire unit pushed to subscribers.
type Frame struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber is one websocket client's view of the hub.
type Subscriber struct {
	hub    *Hub
	frames chan Frame

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// Frames returns the delivery channel. It is closed when the subscriber
// is dropped or Close is called.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Subscribe adds a topic.
func (s *Subscriber) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.topics[topic] = struct{}{}
	}
}

// Unsubscribe removes a topic.
func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.remove(s)
}

func (s *Subscriber) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// offer enqueues without blocking; false means the backlog is full.
func (s *Subscriber) offer(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Hub routes frames from publishers to subscribers.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber for the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	s := &Subscriber{
		hub:    h,
		frames: make(chan Frame, subscriberBacklog),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers a frame to every subscriber of the topic. Subscribers
// whose backlog is full are dropped.
func (h *Hub) Publish(topic, frameType string, data any) {
	frame := Frame{
		Type:      frameType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	var stalled []*Subscriber
	for s := range h.subscribers {
		if !s.wants(topic) {
			continue
		}
		if !s.offer(frame) {
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		h.removeLocked(s)
	}
	h.mu.Unlock()

	for range stalled {
		h.logger.Warn("dropping stalled subscriber", "topic", topic)
	}
}

// PublishRunTransition emits one run status change. Ordering matters:
// the shared monitoring topic sees the event before the run's own
// subscribers, matching what the dashboards join on.
func (h *Hub) PublishRunTransition(t *store.RunTransition) {
	if t == nil {
		return
	}
	data := map[string]any{
		"run_id": t.RunID,
		"from":   string(t.From),
		"to":     string(t.To),
	}
	h.Publish(TopicJobMonitoring, "run_status", data)
	h.Publish(RunTopic(t.RunID), "run_status", data)
}

// PublishStepEvent emits a per-step lifecycle event on the run topic.
func (h *Hub) PublishStepEvent(runID string, step *store.JobRunStep, event string) {
	h.Publish(RunTopic(runID), "step_"+event, map[string]any{
		"step_id":    step.ID,
		"step_index": step.Index,
		"name":       step.Name,
		"type":       step.Type,
		"status":     string(step.Status),
		"exit_code":  step.ExitCode,
	})
}

// SubscriberCount reports attached subscribers, for health output.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// CloseAll disconnects every subscriber, for daemon shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	h.removeLocked(s)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(s *Subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.frames)
}
