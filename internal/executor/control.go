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

	"github.com/opsconductor/opsconductor/internal/expression"
	"github.com/opsconductor/opsconductor/internal/template"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Control drives the flow-control step family: condition, loop,
// decision, parallel, and join. Control steps never touch a target;
// their job is to decide which sibling steps the dispatcher marks
// skipped, reported through the skip_nodes metric.
type Control struct {
	eval *expression.Evaluator
}

// NewControl builds the driver.
func NewControl() *Control {
	return &Control{eval: expression.New()}
}

// Execute implements Executor.
func (c *Control) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	switch sc.Step.Type {
	case "condition":
		return c.condition(sc)
	case "loop":
		return c.loop(sc)
	case "decision":
		return c.decision(sc)
	case "parallel":
		return c.parallel(sc)
	case "join":
		return c.join(sc)
	default:
		return nil, &errors.ValidationError{Field: "type", Message: fmt.Sprintf("not a control step: %q", sc.Step.Type)}
	}
}

func (c *Control) condition(sc StepContext) (*Result, error) {
	ok, err := c.eval.Evaluate(payloadString(sc.Step, "expression"), sc.Vars)
	if err != nil {
		return nil, err
	}

	taken, skipped := "true", payloadStrings(sc.Step, "false_branch")
	if !ok {
		taken, skipped = "false", payloadStrings(sc.Step, "true_branch")
	}

	result := succeeded(fmt.Sprintf("condition evaluated %s", taken))
	result.Metrics["result"] = ok
	result.Metrics["taken_branch"] = taken
	result.Metrics["skip_nodes"] = skipped
	return result, nil
}

// loop validates its bounds and decides whether the body runs at all.
// The body executes as ordinary ordered steps; a false guard or an
// empty item set skips it entirely.
func (c *Control) loop(sc StepContext) (*Result, error) {
	body := payloadStrings(sc.Step, "body")
	maxIterations := payloadInt(sc.Step, "max_iterations", 100)

	if expr := payloadString(sc.Step, "expression"); expr != "" {
		ok, err := c.eval.Evaluate(expr, sc.Vars)
		if err != nil {
			return nil, err
		}
		result := succeeded(fmt.Sprintf("loop guard evaluated %t", ok))
		result.Metrics["guard"] = ok
		result.Metrics["max_iterations"] = maxIterations
		if !ok {
			result.Metrics["skip_nodes"] = body
		}
		return result, nil
	}

	itemsRef := payloadString(sc.Step, "items")
	// Accept both the bare reference form ("hosts") and the braced
	// template form ("{{ hosts }}").
	itemsRef = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(itemsRef), "{{"), "}}"))
	raw, err := template.Eval(itemsRef, template.NewContext(sc.Vars))
	if err != nil {
		return nil, &errors.ValidationError{Field: "items", Message: err.Error()}
	}
	items, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			items = make([]any, len(strs))
			for i, s := range strs {
				items[i] = s
			}
		} else {
			return nil, &errors.ValidationError{
				Field:   "items",
				Message: fmt.Sprintf("items expression %q did not yield a list", itemsRef),
			}
		}
	}
	if len(items) > maxIterations {
		items = items[:maxIterations]
	}

	result := succeeded(fmt.Sprintf("loop over %d items", len(items)))
	result.Metrics["items"] = items
	result.Metrics["item_var"] = payloadString(sc.Step, "item_var")
	result.Metrics["iterations"] = len(items)
	if len(items) == 0 {
		result.Metrics["skip_nodes"] = body
	}
	return result, nil
}

// decision selects the branch whose handle equals the evaluated
// selector. Without a selector every branch stays live.
func (c *Control) decision(sc StepContext) (*Result, error) {
	branches := sc.Step.Payload["branches"]
	branchList, _ := branches.([]any)

	selector := payloadString(sc.Step, "expression")
	if selector == "" || len(branchList) == 0 {
		result := succeeded("decision passed through")
		result.Metrics["branches"] = len(branchList)
		return result, nil
	}

	value, err := template.Eval(selector, template.NewContext(sc.Vars))
	if err != nil {
		return nil, &errors.ValidationError{Field: "expression", Message: err.Error()}
	}
	chosen := fmt.Sprintf("%v", value)

	var taken []string
	var skipped []string
	matched := false
	for _, b := range branchList {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}
		handle, _ := branch["handle"].(string)
		targets := toStringSlice(branch["targets"])
		if handle == chosen {
			matched = true
			taken = append(taken, targets...)
		} else {
			skipped = append(skipped, targets...)
		}
	}
	// No matching handle: fall back to the default branch if declared,
	// otherwise fail loudly instead of silently running everything.
	if !matched {
		taken, skipped = nil, nil
		for _, b := range branchList {
			branch, ok := b.(map[string]any)
			if !ok {
				continue
			}
			handle, _ := branch["handle"].(string)
			targets := toStringSlice(branch["targets"])
			if handle == "default" || handle == "" {
				matched = true
				taken = append(taken, targets...)
			} else {
				skipped = append(skipped, targets...)
			}
		}
	}
	if !matched {
		return failed(1, "", fmt.Sprintf("no branch matches %q and no default branch declared", chosen)), nil
	}

	result := succeeded(fmt.Sprintf("decision took branch %q", chosen))
	result.Metrics["chosen"] = chosen
	result.Metrics["taken_nodes"] = taken
	result.Metrics["skip_nodes"] = skipped
	return result, nil
}

// parallel is a structural marker. Its children are ordered steps and
// any serial execution is a valid interleaving of the declared fan-out.
func (c *Control) parallel(sc StepContext) (*Result, error) {
	branches, _ := sc.Step.Payload["branches"].([]any)
	result := succeeded(fmt.Sprintf("parallel fan-out of %d branches", len(branches)))
	result.Metrics["branches"] = len(branches)
	return result, nil
}

// join succeeds once reached: the ordering gate already guarantees every
// predecessor is terminal before a join leases.
func (c *Control) join(sc StepContext) (*Result, error) {
	waitsFor := payloadStrings(sc.Step, "waits_for")
	result := succeeded(fmt.Sprintf("join of %d predecessors", len(waitsFor)))
	result.Metrics["waits_for"] = waitsFor
	result.Metrics["join_policy"] = payloadString(sc.Step, "join_policy")
	return result, nil
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
