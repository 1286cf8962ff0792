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

	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/httpclient"
)

// httpAuditBodyLimit caps the response body recorded for audit.
const httpAuditBodyLimit = 4 * 1024

// defaultExpectedStatusCodes is the success set when the step does not
// declare its own.
var defaultExpectedStatusCodes = []int{200, 201, 202, 204}

// HTTPRequest drives the http.* step family. Retries belong to the
// step retry policy, so the underlying clients never retry themselves.
type HTTPRequest struct {
	secure   *http.Client
	insecure *http.Client
}

// NewHTTPRequest builds the driver with its two transport variants.
func NewHTTPRequest() (*HTTPRequest, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "opsconductor-executor/1.0"
	cfg.RetryAttempts = 0

	secure, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	cfg.InsecureSkipVerify = true
	insecure, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPRequest{secure: secure, insecure: insecure}, nil
}

// Execute implements Executor. The method comes from the step type tag
// (http.GET, http.POST, ...).
func (h *HTTPRequest) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	method := strings.TrimPrefix(sc.Step.Type, "http.")
	url := payloadString(sc.Step, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "url is required"}
	}

	body, contentType, err := httpRequestBody(sc.Step)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range payloadMap(sc.Step, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
	if err := applyHTTPAuth(req, sc); err != nil {
		return nil, err
	}

	client := h.secure
	if !payloadBool(sc.Step, "verify_ssl", true) {
		client = h.insecure
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errors.TimeoutError{Operation: "http request", Duration: time.Since(started), Cause: ctx.Err()}
		}
		return nil, &errors.TransientError{Operation: "http request", Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedOutput))
	io.Copy(io.Discard, resp.Body)

	expected := payloadIntSlice(sc.Step, "expected_status_codes", defaultExpectedStatusCodes)
	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}

	result := &Result{
		Status:   store.StepSucceeded,
		ExitCode: resp.StatusCode,
		Stdout:   string(respBody),
		Metrics: map[string]any{
			"status_code":    resp.StatusCode,
			"duration_ms":    time.Since(started).Milliseconds(),
			"content_length": len(respBody),
			"url":            url,
			"method":         method,
			"response_excerpt": truncateString(string(respBody), httpAuditBodyLimit),
		},
	}
	if !ok {
		result.Status = store.StepFailed
		result.Stderr = fmt.Sprintf("unexpected status %d (expected %v)", resp.StatusCode, expected)
	}
	return result, nil
}

// httpRequestBody resolves the request body: an explicit string body, or
// a structured payload serialized as JSON.
func httpRequestBody(step *store.JobRunStep) (io.Reader, string, error) {
	if raw := payloadString(step, "body"); raw != "" {
		contentType := payloadString(step, "content_type")
		if contentType == "" {
			contentType = "text/plain"
		}
		return strings.NewReader(raw), contentType, nil
	}
	if m := payloadMap(step, "payload"); m != nil {
		encoded, err := json.Marshal(m)
		if err != nil {
			return nil, "", &errors.ValidationError{Field: "payload", Message: err.Error()}
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
	return nil, "", nil
}

// applyHTTPAuth sets the Authorization header from the step's auth block
// or, failing that, the target credential's API key.
func applyHTTPAuth(req *http.Request, sc StepContext) error {
	auth := payloadMap(sc.Step, "auth")
	if auth == nil {
		if sc.Secret != nil && sc.Secret.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+sc.Secret.APIKey)
		}
		return nil
	}

	authType, _ := auth["type"].(string)
	switch authType {
	case "basic":
		username, _ := auth["username"].(string)
		password, _ := auth["password"].(string)
		if password == "" && sc.Secret != nil {
			username, password = sc.Secret.Username, sc.Secret.Password
		}
		req.SetBasicAuth(username, password)
	case "bearer":
		token, _ := auth["token"].(string)
		if token == "" && sc.Secret != nil {
			token = sc.Secret.APIKey
		}
		if token == "" {
			return &errors.ValidationError{Field: "auth", Message: "bearer auth requires a token or an api_key credential"}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "", "none":
	default:
		return &errors.ValidationError{Field: "auth", Message: fmt.Sprintf("unknown auth type %q", authType)}
	}
	return nil
}

// payloadIntSlice reads an integer list field with a default.
func payloadIntSlice(step *store.JobRunStep, key string, def []int) []int {
	if step.Payload == nil {
		return def
	}
	raw, ok := step.Payload[key].([]any)
	if !ok {
		if ints, ok := step.Payload[key].([]int); ok && len(ints) > 0 {
			return ints
		}
		return def
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case int:
			out = append(out, n)
		case float64:
			out = append(out, int(n))
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
