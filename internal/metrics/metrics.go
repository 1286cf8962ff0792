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

// Package metrics exposes the Prometheus instrumentation shared by the
// daemon components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors. All components share one instance so
// the /metrics endpoint serves a single registry.
type Metrics struct {
	Registry *prometheus.Registry

	RunsSubmitted   *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	StepsExecuted   *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	StepRetries     prometheus.Counter
	LeaseWaits      prometheus.Histogram
	QueueDepth      *prometheus.GaugeVec
	ActiveWorkers   prometheus.Gauge
	ScheduleFires   *prometheus.CounterVec
	JanitorReclaims *prometheus.CounterVec
	Subscribers     prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RunsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_runs_submitted_total",
			Help: "Runs submitted, by trigger source.",
		}, []string{"source"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_runs_finished_total",
			Help: "Runs reaching a terminal status.",
		}, []string{"status"}),
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_steps_executed_total",
			Help: "Step executions, by step type and outcome.",
		}, []string{"type", "status"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsconductor_step_duration_seconds",
			Help:    "Wall-clock step execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
		StepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsconductor_step_retries_total",
			Help: "Steps requeued for retry.",
		}),
		LeaseWaits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsconductor_lease_wait_seconds",
			Help:    "Worker idle time before obtaining a lease.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsconductor_queue_depth",
			Help: "Queued steps by priority band.",
		}, []string{"priority"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconductor_active_workers",
			Help: "Workers with a fresh heartbeat.",
		}),
		ScheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_schedule_fires_total",
			Help: "Scheduler fires, by outcome.",
		}, []string{"outcome"}),
		JanitorReclaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_janitor_reclaims_total",
			Help: "Orphaned steps reclaimed by the janitor, by disposition.",
		}, []string{"disposition"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconductor_stream_subscribers",
			Help: "Attached websocket subscribers.",
		}),
	}
}
