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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, bad parameters, malformed
// schedule expressions, or constraint violations. Never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested job, run, step, schedule, or target does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "run", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PermissionError represents a role-based rejection from upstream auth.
// Surfaced to the caller unchanged; never retried.
type PermissionError struct {
	// Action is the operation that was rejected (e.g., "run job", "delete job")
	Action string

	// Reason explains why the action was rejected
	Reason string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for %s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("permission denied for %s", e.Action)
}

// TransientError represents a recoverable external failure: network timeout,
// 5xx response, connection refused, broken pipe. Retried within the step's
// retry budget; on exhaustion the step fails.
type TransientError struct {
	// Operation describes what failed (e.g., "ssh connect", "http request")
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient failure in %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("transient failure in %s", e.Operation)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a definitive remote failure: a non-zero exit code
// or a 4xx HTTP response that was not declared acceptable. Never retried.
type ProtocolError struct {
	// Protocol identifies the executor family (e.g., "ssh", "winrm", "http")
	Protocol string

	// ExitCode is the remote exit code or HTTP status, when applicable
	ExitCode int

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Protocol, e.ExitCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Protocol, e.Message)
}

// SafetyError represents a refused dangerous command or an oversized payload.
// The step fails with a fixed reason code; never retried.
type SafetyError struct {
	// Reason is the stable reason code (e.g., "dangerous command", "payload too large")
	Reason string

	// Pattern is the blocked pattern that matched, when applicable
	Pattern string
}

// Error implements the error interface.
func (e *SafetyError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("refused: %s (matched %q)", e.Reason, e.Pattern)
	}
	return fmt.Sprintf("refused: %s", e.Reason)
}

// PersistenceError represents a store failure. Integrity violations are not
// retryable and surface as validation problems; operational errors are
// retried at the pool layer before being surfaced.
type PersistenceError struct {
	// Operation is the store operation that failed (e.g., "CreateRunWithSteps")
	Operation string

	// Cause is the underlying database error
	Cause error

	// Retryable indicates whether the pool layer may retry the operation
	Retryable bool
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ConflictError represents a uniqueness or state conflict, such as a duplicate
// active job name or cancelling an already-terminal run.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// Message describes the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// TimeoutError represents operation timeouts.
// Use this when a step or connection exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "ssh exec", "step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
