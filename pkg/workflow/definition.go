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

// Package workflow defines the declarative workflow model: a node/edge
// graph with declared parameters, its JSON wire format, validation, and the
// export/import bundle format.
package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies what a workflow node does.
type NodeType string

// Node types drawn from the workflow definition enumeration.
const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeDecision NodeType = "decision"
	NodeParallel NodeType = "parallel"
	NodeJoin     NodeType = "join"

	NodeActionCommand      NodeType = "action.command"
	NodeActionScript       NodeType = "action.script"
	NodeActionHTTP         NodeType = "action.http"
	NodeActionFileTransfer NodeType = "action.file_transfer"
	NodeActionDatabase     NodeType = "action.database"
	NodeActionNotification NodeType = "action.notification"

	NodeConditionIf      NodeType = "condition.if"
	NodeConditionWhile   NodeType = "condition.while"
	NodeConditionForEach NodeType = "condition.for_each"

	NodeDataTransform NodeType = "data.transform"
	NodeDataValidate  NodeType = "data.validate"
	NodeDataAggregate NodeType = "data.aggregate"
)

// knownNodeTypes is the set of node types the translator understands.
var knownNodeTypes = map[NodeType]bool{
	NodeStart: true, NodeEnd: true, NodeDecision: true, NodeParallel: true, NodeJoin: true,
	NodeActionCommand: true, NodeActionScript: true, NodeActionHTTP: true,
	NodeActionFileTransfer: true, NodeActionDatabase: true, NodeActionNotification: true,
	NodeConditionIf: true, NodeConditionWhile: true, NodeConditionForEach: true,
	NodeDataTransform: true, NodeDataValidate: true, NodeDataAggregate: true,
}

// Known reports whether the node type is part of the supported enumeration.
func (t NodeType) Known() bool {
	return knownNodeTypes[t]
}

// IsFlow reports whether the node is a pure flow anchor that emits no step.
func (t NodeType) IsFlow() bool {
	return t == NodeStart || t == NodeEnd
}

// IsLoop reports whether the node bounds a cycle via max_iterations.
func (t NodeType) IsLoop() bool {
	return t == NodeConditionWhile || t == NodeConditionForEach
}

// Position holds presentation-only editor coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single workflow graph node. Its Data payload is interpreted per
// node type by the translator. Unknown JSON fields are preserved in Extra
// for forward compatibility.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Position Position       `json:"position"`

	// Extra preserves unrecognized fields across round-trips.
	Extra map[string]json.RawMessage `json:"-"`
}

// nodeKnownFields are the fields handled explicitly by Node marshalling.
var nodeKnownFields = map[string]bool{"id": true, "type": true, "data": true, "position": true}

// UnmarshalJSON decodes a node, preserving unknown fields.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*n = Node(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !nodeKnownFields[k] {
			if n.Extra == nil {
				n.Extra = make(map[string]json.RawMessage)
			}
			n.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON encodes a node, restoring preserved unknown fields.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(n.Extra))
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Data != nil {
		out["data"] = n.Data
	}
	out["position"] = n.Position
	for k, v := range n.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Edge is a directed connection between two nodes. Handles distinguish
// outgoing branches of decision and parallel nodes (e.g. "true"/"false").
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// ParameterSpec declares a workflow parameter.
type ParameterSpec struct {
	Type        string `json:"type,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Definition is a complete workflow definition: the node/edge graph plus
// declared parameters. It is immutable once a job version is active; edits
// bump the job version.
type Definition struct {
	Name        string                   `json:"name"`
	Version     int                      `json:"version"`
	Description string                   `json:"description,omitempty"`
	Parameters  map[string]ParameterSpec `json:"parameters,omitempty"`
	Nodes       []Node                   `json:"nodes"`
	Edges       []Edge                   `json:"edges"`
	Metadata    map[string]any           `json:"metadata,omitempty"`

	// Extra preserves unrecognized top-level fields across round-trips.
	Extra map[string]json.RawMessage `json:"-"`
}

var definitionKnownFields = map[string]bool{
	"name": true, "version": true, "description": true,
	"parameters": true, "nodes": true, "edges": true, "metadata": true,
}

// UnmarshalJSON decodes a definition, preserving unknown fields.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type alias Definition
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Definition(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !definitionKnownFields[k] {
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON encodes a definition, restoring preserved unknown fields.
func (d Definition) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 7+len(d.Extra))
	out["name"] = d.Name
	out["version"] = d.Version
	if d.Description != "" {
		out["description"] = d.Description
	}
	if d.Parameters != nil {
		out["parameters"] = d.Parameters
	}
	out["nodes"] = d.Nodes
	out["edges"] = d.Edges
	if d.Metadata != nil {
		out["metadata"] = d.Metadata
	}
	for k, v := range d.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Parse decodes a workflow definition from JSON.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	return &def, nil
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// StartNodes returns all start nodes in definition order.
func (d *Definition) StartNodes() []*Node {
	var starts []*Node
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeStart {
			starts = append(starts, &d.Nodes[i])
		}
	}
	return starts
}

// DataString returns a string field from the node payload, or "".
func (n *Node) DataString(key string) string {
	if n.Data == nil {
		return ""
	}
	if s, ok := n.Data[key].(string); ok {
		return s
	}
	return ""
}

// DataInt returns an integer field from the node payload with a default.
// JSON numbers decode as float64, so both representations are accepted.
func (n *Node) DataInt(key string, def int) int {
	if n.Data == nil {
		return def
	}
	switch v := n.Data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// DataBool returns a boolean field from the node payload with a default.
func (n *Node) DataBool(key string, def bool) bool {
	if n.Data == nil {
		return def
	}
	if b, ok := n.Data[key].(bool); ok {
		return b
	}
	return def
}
