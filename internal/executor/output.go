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
	"io"
)

// capWriter writes through to the buffer until the cap is reached, then
// silently discards. Remote commands can emit unbounded output; the
// result row cannot.
type capWriter struct {
	buf       *bytes.Buffer
	remaining int
	truncated bool
}

func newCapWriter(buf *bytes.Buffer, max int) *capWriter {
	return &capWriter{buf: buf, remaining: max}
}

// Write implements io.Writer. It never returns an error: discarding the
// overflow must not kill the remote command.
func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.remaining <= 0 {
		w.truncated = true
		return n, nil
	}
	if n > w.remaining {
		w.truncated = true
		p = p[:w.remaining]
	}
	w.buf.Write(p)
	w.remaining -= len(p)
	return n, nil
}

// Truncated reports whether any bytes were dropped.
func (w *capWriter) Truncated() bool { return w.truncated }

var _ io.Writer = (*capWriter)(nil)

// truncateString caps a string at max bytes for audit summaries.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
