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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/store"
)

func TestDataTransform(t *testing.T) {
	sc := stepContext("data.transform", map[string]any{
		"expression": ".servers | map(.name)",
		"input":      "inventory",
		"output_var": "names",
	})
	sc.Vars = map[string]any{
		"inventory": map[string]any{
			"servers": []any{
				map[string]any{"name": "web-01"},
				map[string]any{"name": "web-02"},
			},
		},
	}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
	assert.Equal(t, []any{"web-01", "web-02"}, result.Metrics["output"])
	assert.Equal(t, "names", result.Metrics["output_var"])
}

func TestDataAggregate(t *testing.T) {
	sc := stepContext("data.aggregate", map[string]any{
		"expression": "[.[] | .size] | add",
		"input":      "files",
	})
	sc.Vars = map[string]any{
		"files": []any{
			map[string]any{"size": float64(10)},
			map[string]any{"size": float64(32)},
		},
	}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, float64(42), result.Metrics["output"])
}

func TestDataTransformDefaultsToParams(t *testing.T) {
	sc := stepContext("data.transform", map[string]any{
		"expression": ".env",
	})
	sc.Vars = map[string]any{"params": map[string]any{"env": "prod"}}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "prod", result.Metrics["output"])
}

func TestDataTransformInvalidExpression(t *testing.T) {
	sc := stepContext("data.transform", map[string]any{
		"expression": ".[ broken",
	})
	_, err := DataOps{}.Execute(context.Background(), sc)
	assert.Error(t, err)
}

func TestDataTransformRuntimeError(t *testing.T) {
	sc := stepContext("data.transform", map[string]any{
		"expression": ".missing | keys",
		"input":      "doc",
	})
	sc.Vars = map[string]any{"doc": map[string]any{"present": true}}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, result.Status)
}

func TestDataValidate(t *testing.T) {
	sc := stepContext("data.validate", map[string]any{
		"required": []any{"host", "port"},
		"schema":   map[string]any{"port": "number", "host": "string"},
		"input":    "conn",
	})
	sc.Vars = map[string]any{
		"conn": map[string]any{"host": "db-01", "port": float64(5432)},
	}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
}

func TestDataValidateFailures(t *testing.T) {
	sc := stepContext("data.validate", map[string]any{
		"required": []any{"host", "port"},
		"schema":   map[string]any{"port": "number"},
		"input":    "conn",
	})
	sc.Vars = map[string]any{
		"conn": map[string]any{"port": "not-a-number"},
	}

	result, err := DataOps{}.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, result.Status)
	assert.Contains(t, result.Stderr, `missing required field "host"`)
	assert.Contains(t, result.Stderr, `expected number, got string`)
}
