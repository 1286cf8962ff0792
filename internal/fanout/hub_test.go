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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/store"
)

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub(nil)
	jobs := hub.Subscribe(TopicJobMonitoring)
	queue := hub.Subscribe(TopicQueueMonitoring)
	defer jobs.Close()
	defer queue.Close()

	hub.Publish(TopicJobMonitoring, "run_status", map[string]any{"run_id": "r1"})

	frame := <-jobs.Frames()
	assert.Equal(t, "run_status", frame.Type)
	assert.Equal(t, TopicJobMonitoring, frame.Topic)
	assert.Empty(t, queue.Frames(), "other topic stays silent")
}

func TestHubRunTransitionOrdering(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(TopicJobMonitoring, RunTopic("r1"))
	defer sub.Close()

	hub.PublishRunTransition(&store.RunTransition{
		RunID: "r1",
		From:  store.RunRunning,
		To:    store.RunSucceeded,
	})

	first := <-sub.Frames()
	second := <-sub.Frames()
	assert.Equal(t, TopicJobMonitoring, first.Topic, "shared topic sees the event first")
	assert.Equal(t, RunTopic("r1"), second.Topic)
}

func TestHubDropsStalledSubscriber(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("t")

	for i := 0; i < subscriberBacklog+1; i++ {
		hub.Publish("t", "tick", i)
	}

	assert.Equal(t, 0, hub.SubscriberCount())

	// Channel is closed after the backlog drains.
	count := 0
	for range sub.Frames() {
		count++
	}
	assert.Equal(t, subscriberBacklog, count)
}

func TestSubscriberDynamicTopics(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe()
	defer sub.Close()

	hub.Publish("t", "tick", 1)
	assert.Empty(t, sub.Frames())

	sub.Subscribe("t")
	hub.Publish("t", "tick", 2)
	frame := <-sub.Frames()
	assert.Equal(t, 2, frame.Data)

	sub.Unsubscribe("t")
	hub.Publish("t", "tick", 3)
	assert.Empty(t, sub.Frames())
}

func TestHubCloseIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("t")
	sub.Close()
	require.NotPanics(t, sub.Close)
	assert.Equal(t, 0, hub.SubscriberCount())
}
