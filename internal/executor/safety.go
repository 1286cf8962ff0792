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
	"fmt"
	"regexp"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// maxCommandLength caps remote command payloads. Anything larger belongs
// in a file transfer, not a shell line.
const maxCommandLength = 10 * 1024

// destructivePatterns match commands that are never acceptable from a
// job definition, regardless of who submitted it.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*)(\s|$)`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+[^|;]*of=/dev/[sh]d[a-z]\b`),
	regexp.MustCompile(`(?i)>\s*/dev/[sh]d[a-z]\b`),
	regexp.MustCompile(`(?i)\bformat(\.com)?\s+[a-z]:`),
	regexp.MustCompile(`(?i)\b(shutdown|poweroff|halt)\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/(\s|$)`),
	regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:&\s*\}\s*;`),
	regexp.MustCompile(`(?i)\bdel\s+/[fqs].*\s+c:\\(\s|$|\*)`),
}

// injectionChars are shell metacharacters worth flagging in commands
// assembled from parameters. They are legitimate in hand-written
// commands, so they warn rather than block.
var injectionChars = []string{"`", "$(", "&&", "||", ";"}

// CheckCommand validates a remote command against the safety policy.
// It returns warnings for suspicious-but-allowed constructs and a
// SafetyError for blocked ones.
func CheckCommand(command string) ([]string, error) {
	if len(command) > maxCommandLength {
		return nil, &errors.SafetyError{
			Reason: fmt.Sprintf("command exceeds %d byte limit (%d bytes)", maxCommandLength, len(command)),
		}
	}
	if strings.TrimSpace(command) == "" {
		return nil, &errors.ValidationError{Field: "command", Message: "command is empty"}
	}

	for _, pattern := range destructivePatterns {
		if pattern.MatchString(command) {
			return nil, &errors.SafetyError{
				Reason:  "command matches destructive pattern",
				Pattern: pattern.String(),
			}
		}
	}

	var warnings []string
	for _, c := range injectionChars {
		if strings.Contains(command, c) {
			warnings = append(warnings, fmt.Sprintf("command contains %q", c))
		}
	}
	return warnings, nil
}
