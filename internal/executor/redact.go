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

import "strings"

const redactedPlaceholder = "[REDACTED]"

// Redact replaces every occurrence of the given sensitive values in s.
// Values shorter than 4 bytes are skipped: replacing them would mangle
// unrelated text far more often than it would hide a secret.
func Redact(s string, sensitive []string) string {
	for _, v := range sensitive {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, redactedPlaceholder)
	}
	return s
}

// redactResult scrubs stdout, stderr, and string-valued metrics in place.
func redactResult(r *Result, sensitive []string) {
	if len(sensitive) == 0 {
		return
	}
	r.Stdout = Redact(r.Stdout, sensitive)
	r.Stderr = Redact(r.Stderr, sensitive)
	for k, v := range r.Metrics {
		if s, ok := v.(string); ok {
			r.Metrics[k] = Redact(s, sensitive)
		}
	}
}
