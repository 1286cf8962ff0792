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

package workflow

import (
	"fmt"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Report collects validation errors and warnings. Warnings never block a
// run; errors do.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether validation passed (warnings allowed).
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

// Err converts the report into a ValidationError, or nil when it passed.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return &errors.ValidationError{
		Field:      "definition",
		Message:    strings.Join(r.Errors, "; "),
		Suggestion: "fix the workflow graph and retry",
	}
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of the definition:
//   - at least one start node
//   - unique node ids
//   - every edge references existing nodes
//   - unknown node types produce warnings, unless every node is unknown
//   - cycles on the reachable-from-start subgraph must be bounded by a
//     loop node's max_iterations; unbounded reachable cycles are errors,
//     unreachable ones are warnings
func (d *Definition) Validate() *Report {
	report := &Report{}

	if d.Name == "" {
		report.errorf("workflow name is required")
	}

	if len(d.Nodes) == 0 {
		// An empty graph is valid and runs trivially.
		return report
	}

	seen := make(map[string]bool, len(d.Nodes))
	unknown := 0
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.ID == "" {
			report.errorf("node %d has no id", i)
			continue
		}
		if seen[node.ID] {
			report.errorf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = true

		if !node.Type.Known() {
			unknown++
			report.warnf("node %q has unknown type %q and will be skipped", node.ID, node.Type)
		}
	}

	if unknown == len(d.Nodes) {
		report.errorf("no known node types in workflow")
		return report
	}

	if len(d.StartNodes()) == 0 {
		report.errorf("workflow has no start node")
	}

	for _, e := range d.Edges {
		if !seen[e.Source] {
			report.errorf("edge %q references missing source node %q", e.ID, e.Source)
		}
		if !seen[e.Target] {
			report.errorf("edge %q references missing target node %q", e.ID, e.Target)
		}
	}

	if !report.OK() {
		return report
	}

	graph := NewGraph(d)
	reachable := graph.ReachableFromStart()
	for _, cycle := range graph.FindCycles() {
		if cycle.Bounded {
			continue
		}
		onPath := false
		for _, id := range cycle.Nodes {
			if reachable[id] {
				onPath = true
				break
			}
		}
		if onPath {
			report.errorf("unbounded cycle through %s", strings.Join(cycle.Nodes, " -> "))
		} else {
			report.warnf("unreachable cycle through %s", strings.Join(cycle.Nodes, " -> "))
		}
	}

	return report
}

// ValidateParameters checks caller-supplied run parameters against the
// declared parameter specs, filling declared defaults. Unknown parameters
// are passed through untouched; templating decides whether they are used.
func (d *Definition) ValidateParameters(params map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(params)+len(d.Parameters))
	for k, v := range params {
		merged[k] = v
	}

	var missing []string
	for name, spec := range d.Parameters {
		if _, ok := merged[name]; ok {
			continue
		}
		if spec.Default != nil {
			merged[name] = spec.Default
			continue
		}
		if spec.Required {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return nil, &errors.ValidationError{
			Field:      "parameters",
			Message:    fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")),
			Suggestion: "supply the missing parameters or declare defaults",
		}
	}

	return merged, nil
}
