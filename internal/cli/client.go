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

// Package cli implements the opsconductor client: a thin wrapper over
// the daemon's HTTP API plus the cobra command tree.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/httpclient"
)

// Client talks to the daemon API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient builds a client against the daemon base URL.
func NewClient(baseURL, token string) (*Client, error) {
	hc, err := httpclient.New(httpclient.Config{RetryAttempts: 0})
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}, nil
}

// do performs one API call, decoding the JSON response into out when
// out is non-nil. API errors come back as the taxonomy error matching
// their code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.TransientError{Operation: "api request", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// apiError reconstructs a taxonomy error from the wire form, so the CLI
// can tell a 404 from a 409 without string matching.
func apiError(status int, body []byte) error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &e)
	if e.Message == "" {
		e.Message = fmt.Sprintf("api returned status %d", status)
	}

	switch e.Code {
	case "validation_error":
		return &errors.ValidationError{Field: "request", Message: e.Message}
	case "not_found":
		return &errors.NotFoundError{Resource: "resource", ID: e.Message}
	case "conflict":
		return &errors.ConflictError{Resource: "resource", Message: e.Message}
	default:
		return errors.New(e.Message)
	}
}
