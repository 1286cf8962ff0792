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

// Package executor implements the per-step-type protocol drivers behind
// a uniform contract: every driver takes an already-rendered step and
// returns a structured result; the worker framework owns the step row.
//
// Drivers must honor the context deadline, check for cooperative
// cancellation at protocol-safe points, and never let credential
// material reach stdout/stderr. Redaction is applied centrally by the
// registry before a result leaves this package.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsconductor/opsconductor/internal/credentials"
	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Result is the uniform outcome contract. Status is succeeded or failed;
// infrastructure problems that may deserve a retry are returned as
// errors instead.
type Result struct {
	Status   store.StepStatus
	ExitCode int
	Stdout   string
	Stderr   string
	Metrics  map[string]any
}

// succeeded builds a passing result.
func succeeded(stdout string) *Result {
	return &Result{Status: store.StepSucceeded, Stdout: stdout, Metrics: map[string]any{}}
}

// failed builds a failing result with an exit code.
func failed(exitCode int, stdout, stderr string) *Result {
	return &Result{Status: store.StepFailed, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Metrics: map[string]any{}}
}

// StepContext carries everything a driver needs for one execution. All
// strings in the step payload are already rendered; drivers apply no
// further templating except where the contract defers rendering to
// execution time (notifications).
type StepContext struct {
	Step   *store.JobRunStep
	Run    *store.JobRun
	Target *registry.Target

	// Secret is the materialized credential for the step's target, nil
	// when the step needs none. Move-only: discarded when Execute
	// returns.
	Secret *credentials.Secret

	// Vars is the runtime variable context: run parameters plus the
	// job/user/target/system namespaces, used by notification rendering
	// and condition evaluation.
	Vars map[string]any

	Logger *slog.Logger
}

// Executor is a per-step-type protocol driver.
type Executor interface {
	Execute(ctx context.Context, sc StepContext) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sc StepContext) (*Result, error)

// Execute calls the function.
func (f ExecutorFunc) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	return f(ctx, sc)
}

// Registry maps step type tags to executors and applies redaction to
// every result before it leaves the executor layer.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a step type tag to an executor. Later registrations
// replace earlier ones.
func (r *Registry) Register(stepType string, exec Executor) {
	r.executors[stepType] = exec
}

// Lookup resolves a step type tag, falling back to the family prefix
// (e.g. "http.GET" -> "http.*").
func (r *Registry) Lookup(stepType string) (Executor, bool) {
	if exec, ok := r.executors[stepType]; ok {
		return exec, true
	}
	if dot := strings.IndexByte(stepType, '.'); dot > 0 {
		if exec, ok := r.executors[stepType[:dot]+".*"]; ok {
			return exec, true
		}
	}
	return nil, false
}

// Execute dispatches a step to its driver and redacts the result. An
// unknown step type is a validation failure, never retried.
func (r *Registry) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	exec, ok := r.Lookup(sc.Step.Type)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("no executor registered for step type %q", sc.Step.Type),
		}
	}

	result, err := exec.Execute(ctx, sc)
	if result != nil && sc.Secret != nil {
		redactResult(result, sc.Secret.SensitiveValues())
	}
	return result, err
}

// Types returns the registered step type tags.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// payloadString reads a rendered string field from the step payload.
func payloadString(step *store.JobRunStep, key string) string {
	if step.Payload == nil {
		return ""
	}
	if s, ok := step.Payload[key].(string); ok {
		return s
	}
	return ""
}

// payloadBool reads a boolean field with a default.
func payloadBool(step *store.JobRunStep, key string, def bool) bool {
	if step.Payload == nil {
		return def
	}
	if b, ok := step.Payload[key].(bool); ok {
		return b
	}
	return def
}

// payloadInt reads an integer field with a default. JSON numbers arrive
// as float64 after a store round-trip.
func payloadInt(step *store.JobRunStep, key string, def int) int {
	if step.Payload == nil {
		return def
	}
	switch v := step.Payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// payloadStrings reads a string list field.
func payloadStrings(step *store.JobRunStep, key string) []string {
	if step.Payload == nil {
		return nil
	}
	switch v := step.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// payloadMap reads a nested map field.
func payloadMap(step *store.JobRunStep, key string) map[string]any {
	if step.Payload == nil {
		return nil
	}
	if m, ok := step.Payload[key].(map[string]any); ok {
		return m
	}
	return nil
}
