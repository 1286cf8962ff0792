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

// Package expression evaluates the boolean conditions attached to
// condition.if, condition.while, and notify.conditional steps.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Evaluator evaluates condition expressions against a run context.
// Compiled expressions are cached for repeated evaluation (loop bodies).
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates an expression against the given context and returns
// the boolean result. An empty expression defaults to true.
//
// The context contains the run parameters at the top level plus the
// "job", "user", "target", and "system" namespaces, e.g.:
//
//	result, err := eval.Evaluate(`job.status == "failed" && retries < 3`, ctx)
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	// Merge custom functions into the runtime context.
	// Note: "contains" is reserved in expr for string operations.
	evalCtx := make(map[string]any, len(ctx)+3)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the run context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// Validate compiles an expression without running it, surfacing authoring
// errors at translation time.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	if _, err := e.compile(expression); err != nil {
		return &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("invalid expression: %s", err.Error()),
			Suggestion: "check expression syntax",
		}
	}
	return nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		// The full context arrives at runtime.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// containsFunc reports membership in a list or substring presence.
func containsFunc(collection any, item any) bool {
	switch c := collection.(type) {
	case []any:
		for _, v := range c {
			if v == item {
				return true
			}
		}
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, v := range c {
			if v == s {
				return true
			}
		}
	case string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		return len(s) > 0 && len(c) >= len(s) && containsSubstring(c, s)
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, present := c[s]
		return present
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// lenFunc returns the length of a string, list, or map.
func lenFunc(v any) int {
	switch c := v.(type) {
	case string:
		return len(c)
	case []any:
		return len(c)
	case []string:
		return len(c)
	case map[string]any:
		return len(c)
	}
	return 0
}
