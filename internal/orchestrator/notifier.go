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

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// ServiceNotifier posts run-completion events to the notifier service.
type ServiceNotifier struct {
	client  *http.Client
	baseURL string
}

// NewServiceNotifier builds a notifier against the service base URL.
func NewServiceNotifier(client *http.Client, baseURL string) *ServiceNotifier {
	return &ServiceNotifier{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// RunFinished implements Notifier.
func (n *ServiceNotifier) RunFinished(ctx context.Context, run *store.JobRun) error {
	payload := map[string]any{
		"type":    "run_finished",
		"subject": fmt.Sprintf("%s: %s", run.JobName, run.Status),
		"content": runSummaryLine(run),
		"metadata": map[string]any{
			"run_id":   run.ID,
			"job_id":   run.JobID,
			"job_name": run.JobName,
			"status":   string(run.Status),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &errors.TransientError{Operation: "run notification", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &errors.TransientError{
			Operation: "run notification",
			Cause:     fmt.Errorf("notifier returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func runSummaryLine(run *store.JobRun) string {
	line := fmt.Sprintf("run %s finished with status %s", run.ID, run.Status)
	if run.ErrorMessage != "" {
		line += ": " + run.ErrorMessage
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		line += fmt.Sprintf(" (took %s)", run.FinishedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}
	return line
}
