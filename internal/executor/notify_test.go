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

package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/store"
)

func notifyVars(status string) map[string]any {
	return map[string]any{
		"job":    map[string]any{"name": "nightly-backup", "status": status},
		"user":   map[string]any{"name": "ops"},
		"target": map[string]any{"hostname": "db-01"},
		"system": map[string]any{"timestamp": "2026-01-02T03:04:05Z"},
		"params": map[string]any{"env": "prod"},
	}
}

func TestNotifyRendersAtExecutionTime(t *testing.T) {
	var got notificationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sc := stepContext("notify.slack", map[string]any{
		"subject": "{{ job.name }} finished: {{ job.status }}",
		"body":    "env {{ params.env }} on {{ target.hostname }}",
		"url":     "https://hooks.slack.example.com/T123",
	})
	sc.Vars = notifyVars("succeeded")

	result, err := NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
	assert.Equal(t, true, result.Metrics["sent"])
	assert.Equal(t, "slack", got.Type)
	assert.Equal(t, "nightly-backup finished: succeeded", got.Subject)
	assert.Equal(t, "env prod on db-01", got.Content)
}

func TestNotifySendOnGate(t *testing.T) {
	tests := []struct {
		name   string
		sendOn string
		status string
		sent   bool
	}{
		{"always sends on failure", "always", "failed", true},
		{"failure filter on success", "failure", "succeeded", false},
		{"failure filter on failure", "failure", "failed", true},
		{"failure filter on cancel", "failure", "canceled", true},
		{"success filter on success", "success", "succeeded", true},
		{"success filter on failure", "success", "failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delivered := false
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				delivered = true
				w.WriteHeader(http.StatusAccepted)
			}))
			defer srv.Close()

			sc := stepContext("notify.email", map[string]any{
				"subject":    "s",
				"body":       "b",
				"recipients": "ops@example.com",
				"send_on":    tt.sendOn,
			})
			sc.Vars = notifyVars(tt.status)

			result, err := NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
			require.NoError(t, err)
			assert.Equal(t, store.StepSucceeded, result.Status)
			assert.Equal(t, tt.sent, delivered)
			assert.Equal(t, tt.sent, result.Metrics["sent"])
		})
	}
}

func TestNotifyConditional(t *testing.T) {
	delivered := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sc := stepContext("notify.conditional", map[string]any{
		"condition": `params.env == "prod"`,
		"channel":   "teams",
		"subject":   "s",
		"body":      "b",
	})
	sc.Vars = notifyVars("succeeded")

	result, err := NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, true, result.Metrics["sent"])

	// Condition false: suppressed without touching the notifier.
	delivered = false
	sc.Step.Payload["condition"] = `params.env == "staging"`
	result, err = NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, false, result.Metrics["sent"])
}

func TestNotifyRejectedByNotifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sc := stepContext("notify.email", map[string]any{"subject": "s", "body": "b"})
	sc.Vars = notifyVars("succeeded")

	result, err := NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, result.Status)
}

func TestNotifyUnknownChannel(t *testing.T) {
	sc := stepContext("notify.pager", map[string]any{"subject": "s"})
	sc.Vars = notifyVars("succeeded")

	_, err := NewNotify(http.DefaultClient, "http://localhost:0").Execute(context.Background(), sc)
	assert.Error(t, err)
}

func TestNotifyJoinsRecipientList(t *testing.T) {
	var got notificationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	// Recipients travel through the payload as a JSON list; the wire
	// format wants a single destination string.
	sc := stepContext("notify.email", map[string]any{
		"recipients": []any{"ops@example.com", "oncall@example.com"},
		"subject":    "backup finished",
		"body":       "all good",
	})
	sc.Vars = notifyVars("succeeded")

	result, err := NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
	assert.Equal(t, "ops@example.com,oncall@example.com", got.Destination)

	// A bare string destination still passes through.
	sc = stepContext("notify.email", map[string]any{
		"recipients": "ops@example.com",
		"subject":    "backup finished",
		"body":       "all good",
	})
	sc.Vars = notifyVars("succeeded")

	_, err = NewNotify(srv.Client(), srv.URL).Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", got.Destination)
}
