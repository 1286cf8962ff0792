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
	"time"
)

// ExportFormatVersion is the canonical bundle format version.
const ExportFormatVersion = "1.0"

// ExportMetadata describes who produced a bundle and why.
type ExportMetadata struct {
	ExportedBy  string `json:"exported_by,omitempty"`
	Description string `json:"description,omitempty"`
	JobCount    int    `json:"job_count"`
}

// Bundle is the canonical export format for a set of jobs.
type Bundle struct {
	FormatVersion   string         `json:"format_version"`
	ExportTimestamp string         `json:"export_timestamp"`
	ExportMetadata  ExportMetadata `json:"export_metadata"`
	Jobs            []Definition   `json:"jobs"`
}

// NewBundle assembles an export bundle for the given definitions.
func NewBundle(defs []Definition, exportedBy, description string) *Bundle {
	return &Bundle{
		FormatVersion:   ExportFormatVersion,
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		ExportMetadata: ExportMetadata{
			ExportedBy:  exportedBy,
			Description: description,
			JobCount:    len(defs),
		},
		Jobs: defs,
	}
}

// Validate checks the bundle envelope before import.
func (b *Bundle) Validate() error {
	if b.FormatVersion != ExportFormatVersion {
		return fmt.Errorf("unsupported bundle format version %q (want %q)", b.FormatVersion, ExportFormatVersion)
	}
	for i := range b.Jobs {
		if report := b.Jobs[i].Validate(); !report.OK() {
			return fmt.Errorf("job %q: %w", b.Jobs[i].Name, report.Err())
		}
	}
	return nil
}
