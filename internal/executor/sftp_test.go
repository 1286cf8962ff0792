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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlobs(t *testing.T) {
	tests := []struct {
		name     string
		rel      string
		includes []string
		excludes []string
		want     bool
	}{
		{"no filters admits", "a/b/c.txt", nil, nil, true},
		{"include match", "src/main.go", []string{"**/*.go"}, nil, true},
		{"include miss", "src/main.py", []string{"**/*.go"}, nil, false},
		{"exclude beats include", "vendor/lib.go", []string{"**/*.go"}, []string{"vendor/**"}, false},
		{"top-level file", "config.yaml", []string{"*.yaml"}, nil, true},
		{"nested miss without doublestar", "deep/config.yaml", []string{"*.yaml"}, nil, false},
		{"exclude only", "logs/app.log", nil, []string{"**/*.log"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGlobs(tt.rel, tt.includes, tt.excludes))
		})
	}
}

func TestCapWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newCapWriter(&buf, 10)

	n, err := w.Write([]byte("hello "))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)

	// Overflow reports full write but stores only to the cap.
	n, err = w.Write([]byte("world and more"))
	assert.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, "hello worl", buf.String())
	assert.True(t, w.Truncated())
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	long := strings.Repeat("x", 20)
	assert.Equal(t, strings.Repeat("x", 10)+"... (truncated)", truncateString(long, 10))
}
