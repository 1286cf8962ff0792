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

package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

func testContext() *Context {
	return NewContext(map[string]any{
		"env":      "staging",
		"hosts":    []any{"web-1", "web-2"},
		"limits":   map[string]any{"disk_pct": 85.0, "retries": 3.0},
		"verbose":  true,
		"nickname": "",
	}).WithSystem("run-42", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
}

func TestRenderSubstitution(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "no templates here", "no templates here"},
		{"simple variable", "deploy to {{ env }}", "deploy to staging"},
		{"dotted path", "cap {{ limits.disk_pct }}%", "cap 85%"},
		{"integral float renders bare", "{{ limits.retries }} retries", "3 retries"},
		{"system namespace", "run {{ system.run_id }}", "run run-42"},
		{"multiple expressions", "{{ env }}:{{ system.run_id }}", "staging:run-42"},
		{"filters chain", "{{ env | upper | trim }}", "STAGING"},
		{"join with separator", "{{ hosts | join(', ') }}", "web-1, web-2"},
		{"length of list", "{{ hosts | length }}", "2"},
		{"default rescues undefined", "{{ missing | default('fallback') }}", "fallback"},
		{"default ignored when defined", "{{ env | default('fallback') }}", "staging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.input, testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderStrictUndefined(t *testing.T) {
	_, err := Render("host is {{ nope }}", testContext())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "nope")
}

func TestRenderUnterminatedExpression(t *testing.T) {
	_, err := Render("broken {{ env", testContext())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRenderUnknownFilter(t *testing.T) {
	_, err := Render("{{ env | sparkle }}", testContext())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestEvalPureReferencePreservesType(t *testing.T) {
	ctx := testContext()

	got, err := RenderValue("{{ hosts }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"web-1", "web-2"}, got)

	got, err = RenderValue("{{ limits }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"disk_pct": 85.0, "retries": 3.0}, got)

	// Embedded in text, the same reference stringifies.
	got, err = RenderValue("hosts: {{ hosts | join(',') }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hosts: web-1,web-2", got)
}

func TestRenderValueRecursesIntoContainers(t *testing.T) {
	payload := map[string]any{
		"command": "df -h",
		"env":     map[string]any{"TARGET_ENV": "{{ env }}"},
		"args":    []any{"--run", "{{ system.run_id }}"},
	}

	got, err := RenderValue(payload, testContext())
	require.NoError(t, err)
	rendered := got.(map[string]any)
	assert.Equal(t, "df -h", rendered["command"])
	assert.Equal(t, map[string]any{"TARGET_ENV": "staging"}, rendered["env"])
	assert.Equal(t, []any{"--run", "run-42"}, rendered["args"])
}

func TestRenderValueErrorNamesTheField(t *testing.T) {
	payload := map[string]any{"url": "{{ missing }}"}
	_, err := RenderValue(payload, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"url"`)
}

func TestRenderIsDeterministic(t *testing.T) {
	ctx := testContext()
	first, err := Render("{{ system.timestamp }}", ctx)
	require.NoError(t, err)

	// Timestamp is fixed at context construction, not render time.
	time.Sleep(2 * time.Millisecond)
	second, err := Render("{{ system.timestamp }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "2025-06-01T10:00:00Z", first)
}
