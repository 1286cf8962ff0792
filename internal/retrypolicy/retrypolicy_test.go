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

package retrypolicy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

func TestForStepTypeDefaults(t *testing.T) {
	tests := []struct {
		stepType string
		retries  int
	}{
		{"ssh.exec", 0},
		{"winrm.exec", 0},
		{"script", 0},
		{"http.GET", 3},
		{"http.POST", 3},
		{"webhook.call", 3},
		{"notify.slack", 3},
		{"sftp.upload", 1},
		{"sftp.sync", 1},
		{"ssh.copy", 1},
		{"winrm.copy", 1},
		{"database", 0},
	}

	for _, tt := range tests {
		t.Run(tt.stepType, func(t *testing.T) {
			assert.Equal(t, tt.retries, ForStepType(tt.stepType).MaxRetries)
		})
	}
}

func TestDelayExponential(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 30 * time.Second}

	assert.Equal(t, 30*time.Second, p.Delay(0))
	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 120*time.Second, p.Delay(2))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 30 * time.Second, Jitter: true}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.Less(t, d, 90*time.Second)
	}
}

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Second}

	transient := &errors.TransientError{Operation: "connect", Cause: fmt.Errorf("refused")}
	validation := &errors.ValidationError{Field: "url", Message: "bad"}
	safety := &errors.SafetyError{Reason: "dangerous command"}

	assert.True(t, p.ShouldRetry(0, transient))
	assert.True(t, p.ShouldRetry(1, transient))
	assert.False(t, p.ShouldRetry(2, transient), "budget exhausted")
	assert.False(t, p.ShouldRetry(0, validation))
	assert.False(t, p.ShouldRetry(0, safety))
}
