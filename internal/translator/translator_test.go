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

package translator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/workflow"
)

type fakeResolver struct {
	targets map[string]*registry.Target
}

func (f *fakeResolver) Resolve(ctx context.Context, hostname string) (*registry.Target, error) {
	return f.targets[hostname], nil
}

func defWith(nodes []workflow.Node, edges []workflow.Edge) *workflow.Definition {
	return &workflow.Definition{
		Name:  "test",
		Nodes: nodes,
		Edges: edges,
	}
}

func chain(nodes ...workflow.Node) *workflow.Definition {
	var edges []workflow.Edge
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, workflow.Edge{
			ID:     nodes[i].ID + "-" + nodes[i+1].ID,
			Source: nodes[i].ID,
			Target: nodes[i+1].ID,
		})
	}
	return defWith(nodes, edges)
}

func opts() Options {
	return Options{
		RunID:    "run-1",
		Priority: store.PriorityNormal,
		Now:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTranslateLinearChain(t *testing.T) {
	def := chain(
		workflow.Node{ID: "start", Type: workflow.NodeStart},
		workflow.Node{ID: "first", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "echo hello", "target": "linux-01",
		}},
		workflow.Node{ID: "second", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "uptime", "target": "linux-01",
		}},
		workflow.Node{ID: "end", Type: workflow.NodeEnd},
	)

	resolver := &fakeResolver{targets: map[string]*registry.Target{
		"linux-01": {ID: "t-1", Hostname: "linux-01", Port: 22, OSType: "linux", IsActive: true},
	}}

	plan, err := New(resolver).Translate(context.Background(), def, nil, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	// Dense indices in chain order; flow nodes emit nothing.
	assert.Equal(t, 0, plan.Steps[0].Index)
	assert.Equal(t, 1, plan.Steps[1].Index)
	assert.Equal(t, StepSSHExec, plan.Steps[0].Type)
	assert.Equal(t, "echo hello", plan.Steps[0].Payload["command"])
	assert.Equal(t, "t-1", plan.Steps[0].TargetID)
	assert.Equal(t, 22, plan.Steps[0].Payload["target_port"])
	assert.NotEmpty(t, plan.Steps[0].ID)
	assert.NotEqual(t, plan.Steps[0].ID, plan.Steps[1].ID)
}

func TestTranslateParameterRendering(t *testing.T) {
	def := chain(
		workflow.Node{ID: "start", Type: workflow.NodeStart},
		workflow.Node{ID: "say", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "echo {{ message }}",
		}},
	)

	plan, err := New(nil).Translate(context.Background(), def, map[string]any{"message": "world"}, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "echo world", plan.Steps[0].Payload["command"])

	// Strict undefined: a missing parameter fails before anything runs.
	_, err = New(nil).Translate(context.Background(), def, nil, opts())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestTranslateDeterministic(t *testing.T) {
	def := chain(
		workflow.Node{ID: "start", Type: workflow.NodeStart},
		workflow.Node{ID: "a", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "echo {{ system.timestamp }} {{ message }}",
		}},
	)
	params := map[string]any{"message": "hi"}

	first, err := New(nil).Translate(context.Background(), def, params, opts())
	require.NoError(t, err)
	second, err := New(nil).Translate(context.Background(), def, params, opts())
	require.NoError(t, err)

	require.Len(t, first.Steps, 1)
	assert.Equal(t, first.Steps[0].Payload["command"], second.Steps[0].Payload["command"])
	assert.Equal(t, "echo 2026-01-02T03:04:05Z hi", first.Steps[0].Payload["command"])
}

func TestTranslateUnknownTypeSkipped(t *testing.T) {
	def := chain(
		workflow.Node{ID: "start", Type: workflow.NodeStart},
		workflow.Node{ID: "mystery", Type: "action.quantum"},
		workflow.Node{ID: "real", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "true",
		}},
	)

	plan, err := New(nil).Translate(context.Background(), def, nil, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 0, plan.Steps[0].Index, "index stays dense after skip")
	assert.NotEmpty(t, plan.Warnings)
}

func TestTranslateEmptyGraph(t *testing.T) {
	plan, err := New(nil).Translate(context.Background(), defWith(nil, nil), nil, opts())
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}

func TestTranslateUnresolvedTarget(t *testing.T) {
	def := chain(
		workflow.Node{ID: "start", Type: workflow.NodeStart},
		workflow.Node{ID: "cmd", Type: workflow.NodeActionCommand, Data: map[string]any{
			"command": "true", "target": "ghost-host",
		}},
	)

	plan, err := New(&fakeResolver{}).Translate(context.Background(), def, nil, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Empty(t, plan.Steps[0].TargetID)
	assert.Equal(t, "ghost-host", plan.Steps[0].TargetHostname)
}

func TestMaterializeTable(t *testing.T) {
	tests := []struct {
		name     string
		node     workflow.Node
		wantType string
		check    func(t *testing.T, step *store.JobRunStep)
	}{
		{
			name: "winrm command",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionCommand, Data: map[string]any{
				"connection": "winrm", "command": "Get-Service",
			}},
			wantType: StepWinRMExec,
			check: func(t *testing.T, step *store.JobRunStep) {
				assert.Equal(t, "powershell", step.Payload["shell"])
			},
		},
		{
			name: "generated windows command",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionCommand, Data: map[string]any{
				"connection": "winrm", "command_name": "disk_space",
			}},
			wantType: StepWinCommand,
		},
		{
			name: "http post",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionHTTP, Data: map[string]any{
				"method": "post", "url": "https://api.example.com/deploy",
			}},
			wantType: "http.POST",
			check: func(t *testing.T, step *store.JobRunStep) {
				assert.Equal(t, 3, step.MaxRetries)
			},
		},
		{
			name: "signed webhook",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionHTTP, Data: map[string]any{
				"method": "POST", "url": "https://hooks.example.com", "secret": "s3cret",
				"payload": map[string]any{"event": "deploy"},
			}},
			wantType: StepWebhook,
		},
		{
			name: "sftp sync",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionFileTransfer, Data: map[string]any{
				"direction": "sync", "local_path": "/srv/app", "remote_path": "/opt/app",
			}},
			wantType: StepSFTPSync,
			check: func(t *testing.T, step *store.JobRunStep) {
				assert.Equal(t, 1, step.MaxRetries)
			},
		},
		{
			name: "scp copy",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionFileTransfer, Data: map[string]any{
				"protocol": "scp", "local_path": "/tmp/a", "remote_path": "/tmp/b",
			}},
			wantType: StepSSHCopy,
		},
		{
			name: "slack notification",
			node: workflow.Node{ID: "n", Type: workflow.NodeActionNotification, Data: map[string]any{
				"channel": "slack", "subject": "deploy done", "send_on": "failure",
			}},
			wantType: "notify.slack",
			check: func(t *testing.T, step *store.JobRunStep) {
				assert.Equal(t, "failure", step.Payload["send_on"])
			},
		},
		{
			name: "for_each loop",
			node: workflow.Node{ID: "n", Type: workflow.NodeConditionForEach, Data: map[string]any{
				"items": "hosts", "max_iterations": 10,
			}},
			wantType: StepLoop,
			check: func(t *testing.T, step *store.JobRunStep) {
				assert.Equal(t, "item", step.Payload["item_var"])
			},
		},
		{
			name: "data transform",
			node: workflow.Node{ID: "n", Type: workflow.NodeDataTransform, Data: map[string]any{
				"expression": ".items | length", "output_var": "count",
			}},
			wantType: "data.transform",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := chain(workflow.Node{ID: "start", Type: workflow.NodeStart}, tt.node)
			plan, err := New(nil).Translate(context.Background(), def, nil, opts())
			require.NoError(t, err)
			require.Len(t, plan.Steps, 1)
			assert.Equal(t, tt.wantType, plan.Steps[0].Type)
			if tt.check != nil {
				tt.check(t, plan.Steps[0])
			}
		})
	}
}

func TestMaterializeConditionBranches(t *testing.T) {
	def := defWith(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "check", Type: workflow.NodeConditionIf, Data: map[string]any{
				"expression": `env == "prod"`,
			}},
			{ID: "deploy", Type: workflow.NodeActionCommand, Data: map[string]any{"command": "deploy"}},
			{ID: "skip", Type: workflow.NodeActionCommand, Data: map[string]any{"command": "true"}},
		},
		[]workflow.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "deploy", SourceHandle: "true"},
			{ID: "e3", Source: "check", Target: "skip", SourceHandle: "false"},
		},
	)

	plan, err := New(nil).Translate(context.Background(), def, map[string]any{"env": "prod"}, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	cond := plan.Steps[0]
	assert.Equal(t, StepCondition, cond.Type)
	assert.Equal(t, []string{"deploy"}, cond.Payload["true_branch"])
	assert.Equal(t, []string{"skip"}, cond.Payload["false_branch"])
}

func TestMaterializeExpressionNotRendered(t *testing.T) {
	// Condition expressions are runtime programs, not templates; a
	// reference to an undeclared runtime variable must not fail rendering.
	def := defWith(
		[]workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "check", Type: workflow.NodeConditionIf, Data: map[string]any{
				"expression": "job.status == \"failed\"",
			}},
		},
		[]workflow.Edge{{ID: "e1", Source: "start", Target: "check"}},
	)

	plan, err := New(nil).Translate(context.Background(), def, nil, opts())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "job.status == \"failed\"", plan.Steps[0].Payload["expression"])
}
