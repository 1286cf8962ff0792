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

// Package registry is the read-only client for the external asset/target
// registry. Lookups are cached briefly; the registry is the source of
// truth and the core never writes to it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DefaultCacheTTL bounds how stale a cached asset list may be.
const DefaultCacheTTL = 5 * time.Minute

// Target is a managed endpoint. Only the fields the core uses are kept.
type Target struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address,omitempty"`
	Port        int    `json:"port,omitempty"`
	OSType      string `json:"os_type,omitempty"`
	DeviceType  string `json:"device_type,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// Client queries the registry's GET /assets contract with a TTL cache.
// The HTTP client comes from pkg/httpclient so retries and redaction
// behave like every other external call.
type Client struct {
	http    *http.Client
	baseURL string
	ttl     time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	targets   []*Target
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCacheTTL overrides the cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a registry client for the given base URL.
func New(httpClient *http.Client, baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     DefaultCacheTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns all active targets, served from cache while fresh.
func (c *Client) List(ctx context.Context) ([]*Target, error) {
	c.mu.RLock()
	if time.Since(c.fetchedAt) < c.ttl && c.targets != nil {
		targets := c.targets
		c.mu.RUnlock()
		return targets, nil
	}
	c.mu.RUnlock()

	return c.refresh(ctx)
}

// Resolve maps a rendered hostname to a Target by hostname, name, or IP.
// A miss returns nil with no error; the caller records the unresolved
// hostname for diagnostics.
func (c *Client) Resolve(ctx context.Context, hostname string) (*Target, error) {
	if hostname == "" {
		return nil, nil
	}

	targets, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if !t.IsActive {
			continue
		}
		if strings.EqualFold(t.Hostname, hostname) ||
			strings.EqualFold(t.Name, hostname) ||
			t.IPAddress == hostname {
			return t, nil
		}
	}
	return nil, nil
}

// Invalidate drops the cache, forcing the next lookup to refetch.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.targets = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) refresh(ctx context.Context) ([]*Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/assets", nil)
	if err != nil {
		return nil, fmt.Errorf("building registry request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Serve a stale cache over failing the step outright.
		c.mu.RLock()
		stale := c.targets
		c.mu.RUnlock()
		if stale != nil {
			c.logger.Warn("registry refresh failed, serving stale cache", "error", err)
			return stale, nil
		}
		return nil, &errors.TransientError{Operation: "registry list", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &errors.TransientError{
			Operation: "registry list",
			Cause:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var targets []*Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decoding registry response: %w", err)
	}

	c.mu.Lock()
	c.targets = targets
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("registry cache refreshed", "targets", len(targets))
	return targets, nil
}
