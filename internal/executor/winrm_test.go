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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

func winStep(payload map[string]any) *store.JobRunStep {
	return &store.JobRunStep{ID: "s", Type: "windows.command", Payload: payload}
}

func TestGenerateWindowsCommand(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]any
		contains string
	}{
		{"system_info", map[string]any{"command_name": "system_info"}, "Get-ComputerInfo"},
		{"disk_space", map[string]any{"command_name": "disk_space"}, "Get-PSDrive"},
		{"all services", map[string]any{"command_name": "services"}, "Get-Service |"},
		{"one service", map[string]any{"command_name": "services", "service_name": "W32Time"}, `"W32Time"`},
		{"event_logs default", map[string]any{"command_name": "event_logs"}, `"System"`},
		{"event_logs custom", map[string]any{"command_name": "event_logs", "log_name": "Application", "max_events": float64(10)}, "-MaxEvents 10"},
		{"registry", map[string]any{"command_name": "registry", "registry_key": `HKLM:\SOFTWARE\Corp`}, `HKLM:\\SOFTWARE\\Corp`},
		{"scheduled_tasks", map[string]any{"command_name": "scheduled_tasks"}, "Get-ScheduledTask"},
		{"iis_info", map[string]any{"command_name": "iis_info"}, "Get-Website"},
		{"custom_script", map[string]any{"command_name": "custom_script", "script": "Restart-Service Spooler"}, "Restart-Service Spooler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := generateWindowsCommand(winStep(tt.payload))
			require.NoError(t, err)
			assert.Contains(t, cmd, tt.contains)
		})
	}
}

func TestGenerateWindowsCommandValidation(t *testing.T) {
	_, err := generateWindowsCommand(winStep(map[string]any{"command_name": "frobnicate"}))
	assert.True(t, errors.IsValidation(err))

	_, err = generateWindowsCommand(winStep(map[string]any{"command_name": "registry"}))
	assert.True(t, errors.IsValidation(err))

	_, err = generateWindowsCommand(winStep(map[string]any{"command_name": "custom_script"}))
	assert.True(t, errors.IsValidation(err))
}
