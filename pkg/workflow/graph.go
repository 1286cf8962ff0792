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

import "sort"

// Graph is an adjacency view over a definition, shared by validation and
// the translator.
type Graph struct {
	def          *Definition
	successors   map[string][]string
	predecessors map[string][]string
}

// NewGraph builds the adjacency view. Edges referencing missing nodes are
// ignored here; validation reports them separately.
func NewGraph(def *Definition) *Graph {
	g := &Graph{
		def:          def,
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
	}

	exists := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		exists[def.Nodes[i].ID] = true
	}

	for _, e := range def.Edges {
		if !exists[e.Source] || !exists[e.Target] {
			continue
		}
		g.successors[e.Source] = append(g.successors[e.Source], e.Target)
		g.predecessors[e.Target] = append(g.predecessors[e.Target], e.Source)
	}

	// Deterministic neighbor ordering: ties broken by node id.
	for _, m := range []map[string][]string{g.successors, g.predecessors} {
		for k := range m {
			sort.Strings(m[k])
		}
	}

	return g
}

// Successors returns the ids of nodes reachable by one outgoing edge.
func (g *Graph) Successors(id string) []string {
	return g.successors[id]
}

// Predecessors returns the ids of nodes with an edge into the given node.
func (g *Graph) Predecessors(id string) []string {
	return g.predecessors[id]
}

// ReachableFromStart returns the set of node ids reachable from any start
// node, including the start nodes themselves.
func (g *Graph) ReachableFromStart() map[string]bool {
	reachable := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range g.successors[id] {
			visit(next)
		}
	}
	for _, start := range g.def.StartNodes() {
		visit(start.ID)
	}
	return reachable
}

// Cycle describes a detected cycle and whether a loop node bounds it.
type Cycle struct {
	// Nodes is the cycle path in visit order.
	Nodes []string

	// Bounded is true when the cycle passes through a loop node with a
	// positive max_iterations.
	Bounded bool
}

// FindCycles detects cycles with a DFS rec-stack over every node.
func (g *Graph) FindCycles() []Cycle {
	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // done
	)

	color := make(map[string]int, len(g.def.Nodes))
	var stack []string
	var cycles []Cycle

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range g.successors[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Extract the cycle path from the rec-stack.
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append([]string{stack[i]}, path...)
					if stack[i] == next {
						break
					}
				}
				cycles = append(cycles, Cycle{
					Nodes:   path,
					Bounded: g.cycleBounded(path),
				})
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	// Iterate nodes in definition order for deterministic output.
	for i := range g.def.Nodes {
		if color[g.def.Nodes[i].ID] == white {
			visit(g.def.Nodes[i].ID)
		}
	}

	return cycles
}

// cycleBounded reports whether any node on the path is a loop node with a
// positive iteration bound.
func (g *Graph) cycleBounded(path []string) bool {
	for _, id := range path {
		node := g.def.Node(id)
		if node == nil {
			continue
		}
		if node.Type.IsLoop() && node.DataInt("max_iterations", 0) > 0 {
			return true
		}
	}
	return false
}
