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

// Package translator converts a workflow definition plus runtime
// parameters into an ordered list of typed execution steps.
//
// Translation is pure with respect to its inputs: the same definition,
// parameters, run id, and clock always emit byte-identical step payloads.
// Rendering failures abort before anything persists, so a run with a bad
// template never reaches the queue.
package translator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/template"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

// TargetResolver maps a rendered hostname to a registry target. A miss
// returns (nil, nil); only lookup transport failures return an error.
type TargetResolver interface {
	Resolve(ctx context.Context, hostname string) (*registry.Target, error)
}

// Options carries the per-run inputs that make translation deterministic.
type Options struct {
	RunID    string
	Priority store.Priority
	// Now feeds the system.timestamp template variable. Fixed at
	// translation time so rendering stays pure.
	Now time.Time
}

// Plan is the translation result: ordered steps plus non-fatal warnings.
type Plan struct {
	Steps    []*store.JobRunStep
	Warnings []string
}

// Translator implements the definition-to-steps pipeline.
type Translator struct {
	targets TargetResolver
}

// New creates a translator. The resolver may be nil, in which case every
// step keeps its unresolved hostname.
func New(targets TargetResolver) *Translator {
	return &Translator{targets: targets}
}

// Translate validates the definition, merges parameters, orders the
// graph, renders templates, resolves targets, and emits typed steps.
func (t *Translator) Translate(ctx context.Context, def *workflow.Definition, params map[string]any, opts Options) (*Plan, error) {
	report := def.Validate()
	if !report.OK() {
		return nil, report.Err()
	}

	merged, err := def.ValidateParameters(params)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Warnings: append([]string(nil), report.Warnings...)}
	if len(def.Nodes) == 0 {
		return plan, nil // Empty graphs run trivially.
	}

	graph := workflow.NewGraph(def)
	ordered := topoOrder(def, graph)

	renderCtx := template.NewContext(merged).WithSystem(opts.RunID, opts.Now)

	index := 0
	for _, node := range ordered {
		if !node.Type.Known() {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("skipping node %q with unknown type %q", node.ID, node.Type))
			continue
		}
		if node.Type.IsFlow() {
			continue
		}

		step, err := t.materialize(ctx, node, def, graph, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.ID, err)
		}

		step.ID = uuid.NewString()
		step.Index = index
		step.Priority = opts.Priority
		index++
		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

// topoOrder emits nodes only after all their predecessors, walking from
// the start nodes. Ties are broken by node id so ordering is
// deterministic. Nodes on bounded cycles are emitted once; the loop step
// re-enters its body at execution time, not through step multiplication.
func topoOrder(def *workflow.Definition, graph *workflow.Graph) []*workflow.Node {
	var order []*workflow.Node
	emitted := make(map[string]bool, len(def.Nodes))
	visiting := make(map[string]bool, len(def.Nodes))

	var visit func(id string)
	visit = func(id string) {
		if emitted[id] || visiting[id] {
			return
		}
		visiting[id] = true

		// Predecessors first; back-edges of bounded cycles are broken by
		// the visiting set.
		for _, pred := range graph.Predecessors(id) {
			visit(pred)
		}

		visiting[id] = false
		if !emitted[id] {
			emitted[id] = true
			if node := def.Node(id); node != nil {
				order = append(order, node)
			}
		}

		succ := append([]string(nil), graph.Successors(id)...)
		sort.Strings(succ)
		for _, next := range succ {
			visit(next)
		}
	}

	starts := def.StartNodes()
	sort.Slice(starts, func(i, j int) bool { return starts[i].ID < starts[j].ID })
	for _, start := range starts {
		visit(start.ID)
	}

	return order
}

// resolveTarget renders the node's target hostname and resolves it
// against the registry. A miss keeps the hostname for diagnostics.
func (t *Translator) resolveTarget(ctx context.Context, node *workflow.Node, renderCtx *template.Context, step *store.JobRunStep) error {
	hostname := node.DataString("target")
	if hostname == "" {
		hostname = node.DataString("hostname")
	}
	if hostname == "" {
		return nil
	}

	rendered, err := template.Render(hostname, renderCtx)
	if err != nil {
		return err
	}
	step.TargetHostname = rendered

	if t.targets == nil {
		return nil
	}
	target, err := t.targets.Resolve(ctx, rendered)
	if err != nil {
		// Resolution transport failure is not an authoring error; the
		// step keeps the hostname and the executor retries resolution.
		return nil
	}
	if target != nil {
		step.TargetID = target.ID
		step.TargetHostname = target.Hostname
		if target.Port > 0 {
			step.Payload["target_port"] = target.Port
		}
		if target.OSType != "" {
			step.Payload["target_os"] = target.OSType
		}
	}
	return nil
}

// renderPayload renders every string in the payload except expression
// fields, which are evaluated at execution time.
func renderPayload(payload map[string]any, renderCtx *template.Context) (map[string]any, error) {
	rendered := make(map[string]any, len(payload))
	for key, value := range payload {
		if expressionFields[key] {
			rendered[key] = value
			continue
		}
		r, err := template.RenderValue(value, renderCtx)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      key,
				Message:    err.Error(),
				Suggestion: "check the template expression and supplied parameters",
			}
		}
		rendered[key] = r
	}
	return rendered, nil
}

// expressionFields are payload keys holding runtime-evaluated expressions
// rather than templates.
var expressionFields = map[string]bool{
	"expression": true,
	"condition":  true,
	"items":      true,
}
