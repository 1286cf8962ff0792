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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsconductor/opsconductor/internal/expression"
	"github.com/opsconductor/opsconductor/internal/template"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Notify drives the notify.* family. Subject and body are rendered here,
// at execution time, because their context (job status, finished step
// counts) does not exist when the run is translated.
type Notify struct {
	client  *http.Client
	baseURL string
	eval    *expression.Evaluator
}

// NewNotify builds the driver against the notifier service base URL.
func NewNotify(client *http.Client, baseURL string) *Notify {
	return &Notify{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		eval:    expression.New(),
	}
}

// notificationRequest is the notifier service wire format.
type notificationRequest struct {
	Type        string         `json:"type"`
	Destination string         `json:"destination,omitempty"`
	URL         string         `json:"url,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Execute implements Executor.
func (n *Notify) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	if n.client == nil || n.baseURL == "" {
		return nil, &errors.ValidationError{
			Field:      "notifier",
			Message:    "notification steps require a configured notifier service",
			Suggestion: "set notifier.base_url in the daemon config",
		}
	}

	channel := strings.TrimPrefix(sc.Step.Type, "notify.")

	if channel == "conditional" {
		condition := payloadString(sc.Step, "condition")
		ok, err := n.eval.Evaluate(condition, sc.Vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			result := succeeded("condition not met, notification suppressed")
			result.Metrics["sent"] = false
			return result, nil
		}
		channel = payloadString(sc.Step, "channel")
		if channel == "" || channel == "conditional" {
			return nil, &errors.ValidationError{Field: "channel", Message: "conditional notification requires a concrete channel"}
		}
	}

	switch channel {
	case "email", "slack", "teams", "webhook":
	default:
		return nil, &errors.ValidationError{Field: "channel", Message: fmt.Sprintf("unknown notification channel %q", channel)}
	}

	if !sendOnMatches(payloadString(sc.Step, "send_on"), sc.Vars) {
		result := succeeded("send_on filter not met, notification suppressed")
		result.Metrics["sent"] = false
		return result, nil
	}

	tctx := template.NewContext(sc.Vars)
	subject, err := template.Render(payloadString(sc.Step, "subject"), tctx)
	if err != nil {
		return nil, err
	}
	body, err := template.Render(payloadString(sc.Step, "body"), tctx)
	if err != nil {
		return nil, err
	}

	// Recipients arrive as a list from the translator; a bare string is
	// tolerated for hand-built payloads.
	destination := strings.Join(payloadStrings(sc.Step, "recipients"), ",")
	if destination == "" {
		destination = payloadString(sc.Step, "recipients")
	}

	req := notificationRequest{
		Type:        channel,
		Destination: destination,
		URL:         payloadString(sc.Step, "url"),
		Subject:     subject,
		Content:     body,
		Metadata: map[string]any{
			"run_id":  sc.Step.RunID,
			"step_id": sc.Step.ID,
		},
	}
	if sc.Run != nil {
		req.Metadata["job_id"] = sc.Run.JobID
	}

	started := time.Now()
	status, respBody, err := n.post(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errors.TimeoutError{Operation: "notify", Duration: time.Since(started), Cause: ctx.Err()}
		}
		return nil, &errors.TransientError{Operation: "notify", Cause: err}
	}
	if status >= 500 {
		return nil, &errors.TransientError{Operation: "notify", Cause: fmt.Errorf("notifier returned status %d", status)}
	}
	if status >= 300 {
		return failed(status, "", fmt.Sprintf("notifier rejected request with status %d: %s", status, truncateString(respBody, 512))), nil
	}

	result := succeeded(fmt.Sprintf("%s notification sent", channel))
	result.Metrics["sent"] = true
	result.Metrics["channel"] = channel
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	return result, nil
}

func (n *Notify) post(ctx context.Context, payload notificationRequest) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, httpAuditBodyLimit))
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(respBody), nil
}

// sendOnMatches applies the send_on filter to the job status carried in
// the runtime variables. An absent or unreadable status is treated as
// success so "always" and misconfigured filters still deliver.
func sendOnMatches(sendOn string, vars map[string]any) bool {
	switch sendOn {
	case "", "always":
		return true
	}

	status := "succeeded"
	if job, ok := vars["job"].(map[string]any); ok {
		if s, ok := job["status"].(string); ok && s != "" {
			status = s
		}
	}

	switch sendOn {
	case "success":
		return status == "succeeded" || status == "running"
	case "failure":
		return status == "failed" || status == "canceled"
	default:
		return true
	}
}
