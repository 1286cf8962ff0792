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

// Package retrypolicy decides whether and when a failed step is retried.
// Only transient failures consume retry budget; validation, protocol,
// and safety failures are final on the first attempt.
package retrypolicy

import (
	"math/rand"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DefaultBaseDelay is the step-level backoff base.
const DefaultBaseDelay = 30 * time.Second

// Policy is a per-step retry policy.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Jitter spreads retries by up to ±50% of the computed delay.
	Jitter bool
}

// ForStepType returns the default policy for a step type tag. Exec steps
// get no retries because re-running a shell command is not generally
// idempotent.
func ForStepType(stepType string) Policy {
	switch {
	case strings.HasPrefix(stepType, "http."),
		strings.HasPrefix(stepType, "notify."),
		stepType == "webhook.call":
		return Policy{MaxRetries: 3, BaseDelay: DefaultBaseDelay, Jitter: true}
	case strings.HasPrefix(stepType, "sftp."),
		stepType == "ssh.copy", stepType == "winrm.copy":
		return Policy{MaxRetries: 1, BaseDelay: DefaultBaseDelay, Jitter: true}
	default:
		return Policy{MaxRetries: 0, BaseDelay: DefaultBaseDelay}
	}
}

// Delay returns the backoff before the given attempt (0-based): base x
// 2^attempt, jittered ±50% when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt > 16 {
		attempt = 16 // Cap the shift; delays beyond this are academic.
	}

	delay := base << uint(attempt)
	if p.Jitter {
		// ±50%: scale by a factor in [0.5, 1.5).
		factor := 0.5 + rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// ShouldRetry reports whether a failed attempt should be retried: budget
// remaining and a transient cause.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return errors.IsRetryable(err)
}
