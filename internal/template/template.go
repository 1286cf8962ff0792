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

// Package template implements the bounded substitution language used in
// workflow payloads: {{ variable.path | filter | filter(arg) }}.
//
// The language is deliberately small and side-effect free: dotted variable
// paths against the render context, plus a fixed filter set (default,
// length, join, upper, lower, trim). Undefined variables are errors
// (strict undefined) so authoring mistakes surface before any step runs.
// Rendering is pure: the same template and context always produce the same
// output.
package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Context holds the data available for variable resolution: run parameters
// at the top level plus namespaced system, job, user, and target values.
type Context struct {
	vars map[string]any
}

// NewContext creates a render context seeded with the run parameters.
func NewContext(params map[string]any) *Context {
	vars := make(map[string]any, len(params)+1)
	for k, v := range params {
		vars[k] = v
	}
	return &Context{vars: vars}
}

// WithSystem adds the system namespace (timestamp, run id) to the context.
// The timestamp is fixed at translation time so rendering stays pure.
func (c *Context) WithSystem(runID string, now time.Time) *Context {
	c.vars["system"] = map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"run_id":    runID,
	}
	return c
}

// Set adds a namespaced value (e.g. "job", "user", "target") to the context.
func (c *Context) Set(name string, value any) *Context {
	c.vars[name] = value
	return c
}

// Vars exposes the underlying variable map for condition evaluation.
func (c *Context) Vars() map[string]any {
	return c.vars
}

// ContainsTemplate reports whether a string contains template syntax.
func ContainsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render substitutes every {{ ... }} expression in the input string.
// Undefined variables raise a ValidationError.
func Render(input string, ctx *Context) (string, error) {
	if !ContainsTemplate(input) {
		return input, nil
	}

	var out strings.Builder
	rest := input
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])

		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			return "", &errors.ValidationError{
				Field:      "template",
				Message:    fmt.Sprintf("unterminated expression in %q", truncate(input)),
				Suggestion: "close the expression with }}",
			}
		}

		expr := rest[open+2 : open+close]
		value, err := Eval(expr, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(stringify(value))

		rest = rest[open+close+2:]
	}

	return out.String(), nil
}

// Eval evaluates a single pipeline expression (without braces) and returns
// the raw value, preserving its type. Used for pure template references
// where the caller wants a list or map rather than its string form.
func Eval(expr string, ctx *Context) (any, error) {
	stages := splitPipeline(expr)
	if len(stages) == 0 {
		return nil, &errors.ValidationError{
			Field:   "template",
			Message: "empty template expression",
		}
	}

	value, defined, err := resolvePath(strings.TrimSpace(stages[0]), ctx.vars)
	if err != nil {
		return nil, err
	}

	for _, stage := range stages[1:] {
		name, args, err := parseFilter(strings.TrimSpace(stage))
		if err != nil {
			return nil, err
		}

		// default() rescues undefined values; every other filter
		// requires a defined input.
		if name == "default" {
			if !defined {
				if len(args) != 1 {
					return nil, filterArgError("default", 1, len(args))
				}
				value, defined = args[0], true
			}
			continue
		}

		if !defined {
			return nil, undefinedError(stages[0])
		}

		value, err = applyFilter(name, value, args)
		if err != nil {
			return nil, err
		}
	}

	if !defined {
		return nil, undefinedError(stages[0])
	}

	return value, nil
}

// RenderValue recursively renders string values inside maps and slices.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		// Pure references preserve the value type.
		if isPureReference(v) {
			inner := strings.TrimSpace(v)
			return Eval(inner[2:len(inner)-2], ctx)
		}
		return Render(v, ctx)
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for k, val := range v {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			rendered[k] = r
		}
		return rendered, nil
	case []any:
		rendered := make([]any, len(v))
		for i, val := range v {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			rendered[i] = r
		}
		return rendered, nil
	default:
		return value, nil
	}
}

// RenderMap renders every value of a string-keyed map.
func RenderMap(m map[string]any, ctx *Context) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	rendered, err := RenderValue(m, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderStringMap renders every value of a map[string]string.
func RenderStringMap(m map[string]string, ctx *Context) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	rendered := make(map[string]string, len(m))
	for k, v := range m {
		r, err := Render(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("in field %q: %w", k, err)
		}
		rendered[k] = r
	}
	return rendered, nil
}

// resolvePath walks a dotted path through nested maps. Returns the value
// and whether it was defined.
func resolvePath(path string, vars map[string]any) (any, bool, error) {
	if path == "" {
		return nil, false, &errors.ValidationError{
			Field:   "template",
			Message: "empty variable path",
		}
	}

	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		current, ok = m[part]
		if !ok {
			return nil, false, nil
		}
	}

	return current, true, nil
}

// isPureReference reports whether a string is exactly one {{ ... }} with
// no surrounding text.
func isPureReference(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 5 || !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return false
	}
	inner := s[2 : len(s)-2]
	return !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}")
}

// splitPipeline splits an expression on | outside of quotes.
func splitPipeline(expr string) []string {
	var stages []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case inQuote != 0:
			current.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '\'' || ch == '"':
			inQuote = ch
			current.WriteByte(ch)
		case ch == '|':
			stages = append(stages, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	stages = append(stages, current.String())
	return stages
}

func undefinedError(path string) error {
	return &errors.ValidationError{
		Field:      "template",
		Message:    fmt.Sprintf("undefined variable %q", strings.TrimSpace(path)),
		Suggestion: "supply the parameter or add a | default(...) filter",
	}
}

func truncate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

// stringify converts a value to its rendered string form.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// Render integral floats without the decimal point; JSON numbers
		// arrive as float64.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
