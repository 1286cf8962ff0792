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
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/opsconductor/opsconductor/internal/template"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DataOps drives the data.* family: jq transforms, shape validation,
// and aggregation. Results land in the output metric so the dispatcher
// can feed them back into the run variables for later steps.
type DataOps struct{}

// Execute implements Executor.
func (DataOps) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	input, err := dataInput(sc)
	if err != nil {
		return nil, err
	}

	switch sc.Step.Type {
	case "data.transform", "data.aggregate":
		return runJQ(ctx, sc, input)
	case "data.validate":
		return validateData(sc, input)
	default:
		return nil, &errors.ValidationError{Field: "type", Message: fmt.Sprintf("not a data step: %q", sc.Step.Type)}
	}
}

// dataInput resolves the step input: a named variable, or the whole
// run parameter set when unspecified.
func dataInput(sc StepContext) (any, error) {
	ref := payloadString(sc.Step, "input")
	if ref == "" {
		return sc.Vars["params"], nil
	}
	ref = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(ref), "{{"), "}}"))
	value, err := template.Eval(ref, template.NewContext(sc.Vars))
	if err != nil {
		return nil, &errors.ValidationError{Field: "input", Message: err.Error()}
	}
	return value, nil
}

func runJQ(ctx context.Context, sc StepContext, input any) (*Result, error) {
	exprText := payloadString(sc.Step, "expression")
	if exprText == "" {
		return nil, &errors.ValidationError{Field: "expression", Message: "data step requires a jq expression"}
	}

	query, err := gojq.Parse(exprText)
	if err != nil {
		return nil, &errors.ValidationError{Field: "expression", Message: fmt.Sprintf("invalid jq expression: %v", err)}
	}

	var outputs []any
	iter := query.RunWithContext(ctx, normalizeJSON(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := v.(error); isErr {
			return failed(1, "", fmt.Sprintf("jq evaluation failed: %v", jqErr)), nil
		}
		outputs = append(outputs, v)
	}

	var output any
	switch len(outputs) {
	case 0:
		output = nil
	case 1:
		output = outputs[0]
	default:
		output = outputs
	}

	result := succeeded(stringifyOutput(output))
	result.Metrics["output"] = output
	if v := payloadString(sc.Step, "output_var"); v != "" {
		result.Metrics["output_var"] = v
	}
	return result, nil
}

// validateData checks required fields and optional per-field type
// declarations against a map input.
func validateData(sc StepContext, input any) (*Result, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return failed(1, "", "validation input is not an object"), nil
	}

	var problems []string
	for _, field := range payloadStrings(sc.Step, "required") {
		if _, present := m[field]; !present {
			problems = append(problems, fmt.Sprintf("missing required field %q", field))
		}
	}
	for field, want := range payloadMap(sc.Step, "schema") {
		wantType, _ := want.(string)
		value, present := m[field]
		if !present || wantType == "" {
			continue
		}
		if got := jsonTypeName(value); got != wantType {
			problems = append(problems, fmt.Sprintf("field %q: expected %s, got %s", field, wantType, got))
		}
	}

	if len(problems) > 0 {
		return failed(1, "", strings.Join(problems, "\n")), nil
	}
	result := succeeded(fmt.Sprintf("%d fields valid", len(m)))
	result.Metrics["fields"] = len(m)
	return result, nil
}

// normalizeJSON coerces Go values into the shapes gojq accepts: maps,
// slices, strings, float64, bool, nil.
func normalizeJSON(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeJSON(item)
		}
		return out
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case float32:
		return float64(value)
	default:
		return value
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any, []string:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func stringifyOutput(v any) string {
	if v == nil {
		return "null"
	}
	return truncateString(fmt.Sprintf("%v", v), httpAuditBodyLimit)
}
