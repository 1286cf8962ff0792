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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/httpclient"
)

// webhookRetryDelay spaces the in-step delivery attempts. The outer
// retry policy handles longer horizons. Variable so tests can shrink it.
var webhookRetryDelay = 2 * time.Second

// WebhookCall delivers a signed JSON payload. The body is serialized
// with sorted keys so the receiver can verify the signature against a
// canonical form.
type WebhookCall struct {
	client *http.Client
}

// NewWebhookCall builds the driver.
func NewWebhookCall() (*WebhookCall, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "opsconductor-webhook/1.0"
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &WebhookCall{client: client}, nil
}

// Execute implements Executor.
func (w *WebhookCall) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	url := payloadString(sc.Step, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "url is required"}
	}
	secret := payloadString(sc.Step, "secret")
	if secret == "" {
		return nil, &errors.ValidationError{Field: "secret", Message: "webhook.call requires a signing secret"}
	}

	payload := payloadMap(sc.Step, "payload")
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json sorts map keys, which gives the canonical form the
	// signature contract depends on.
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &errors.ValidationError{Field: "payload", Message: err.Error()}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	attempts := payloadInt(sc.Step, "retry_count", 3)
	if attempts < 1 {
		attempts = 1
	}

	started := time.Now()
	var lastStatus int
	var lastBody string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &errors.TimeoutError{Operation: "webhook delivery", Duration: time.Since(started), Cause: ctx.Err()}
			case <-time.After(webhookRetryDelay):
			}
		}

		status, respBody, err := w.deliver(ctx, url, body, signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &errors.TimeoutError{Operation: "webhook delivery", Duration: time.Since(started), Cause: ctx.Err()}
			}
			lastStatus, lastBody = 0, err.Error()
			continue
		}
		lastStatus, lastBody = status, respBody

		switch {
		case status >= 200 && status < 300:
			result := succeeded(respBody)
			result.ExitCode = status
			result.Metrics["status_code"] = status
			result.Metrics["attempts"] = attempt + 1
			result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
			return result, nil
		case status >= 400 && status < 500:
			// The receiver rejected the payload; retrying cannot help.
			result := failed(status, respBody, fmt.Sprintf("webhook rejected with status %d", status))
			result.Metrics["status_code"] = status
			result.Metrics["attempts"] = attempt + 1
			return result, nil
		}
		// 5xx: loop for another attempt.
	}

	result := failed(lastStatus, lastBody, fmt.Sprintf("webhook delivery failed after %d attempts", attempts))
	result.Metrics["status_code"] = lastStatus
	result.Metrics["attempts"] = attempts
	result.Metrics["duration_ms"] = time.Since(started).Milliseconds()
	return result, nil
}

func (w *WebhookCall) deliver(ctx context.Context, url string, body []byte, signature string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Hub-Signature-256", "sha256="+signature)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, httpAuditBodyLimit))
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(respBody), nil
}

var _ Executor = (*WebhookCall)(nil)
