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

// Package credentials resolves authentication material for step targets
// by consulting the external vault. Secret material lives in memory only,
// bounded by a short cache; it is never written to the store and is
// redacted from step output before results persist.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// DefaultCacheTTL bounds how long a materialized secret may be reused.
// Seconds, not minutes: long enough for repeated steps in one run, short
// enough that revocation takes effect promptly.
const DefaultCacheTTL = 15 * time.Second

// CredentialType classifies an authentication artifact.
type CredentialType string

const (
	TypePassword    CredentialType = "password"
	TypeSSHKey      CredentialType = "ssh_key"
	TypeCertificate CredentialType = "certificate"
	TypeToken       CredentialType = "token"
	TypeAPIKey      CredentialType = "api_key"
)

// Credential is vault metadata: a reference by which secrets can be
// materialized, never the secret itself.
type Credential struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         CredentialType `json:"credential_type"`
	ServiceTypes []string       `json:"service_types,omitempty"`
	IsActive     bool           `json:"is_active"`
}

// Secret is decrypted material returned by the vault. Treat as move-only:
// callers discard it when the step returns, and its values feed the
// output redactor.
type Secret struct {
	CredentialID string `json:"-"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"private_key,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
	KeyType      string `json:"key_type,omitempty"`
	Certificate  string `json:"certificate,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

// SensitiveValues returns the secret strings that must never appear in
// step output.
func (s *Secret) SensitiveValues() []string {
	var values []string
	for _, v := range []string{s.Password, s.PrivateKey, s.Passphrase, s.APIKey} {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// Resolver looks up candidate credentials for a target and materializes
// secrets through the vault.
type Resolver struct {
	http    *http.Client
	baseURL string
	ttl     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	metadata []*Credential
	metaAt   time.Time
	secrets  map[string]cachedSecret
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheTTL overrides the secret cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver for the given vault base URL.
func New(httpClient *http.Client, baseURL string, opts ...Option) *Resolver {
	r := &Resolver{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     DefaultCacheTTL,
		logger:  slog.Default(),
		secrets: make(map[string]cachedSecret),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForTarget returns candidate credentials for a target, ordered by
// suitability for its service type. A hint by name pins the list to that
// credential.
func (r *Resolver) ForTarget(ctx context.Context, target *registry.Target, hint string) ([]*Credential, error) {
	metadata, err := r.listMetadata(ctx)
	if err != nil {
		return nil, err
	}

	if hint != "" {
		for _, c := range metadata {
			if c.IsActive && strings.EqualFold(c.Name, hint) {
				return []*Credential{c}, nil
			}
		}
		return nil, &errors.NotFoundError{Resource: "credential", ID: hint}
	}

	serviceType := ""
	if target != nil {
		serviceType = target.ServiceType
	}

	var candidates []*Credential
	for _, c := range metadata {
		if !c.IsActive {
			continue
		}
		if serviceType == "" || matchesService(c, serviceType) {
			candidates = append(candidates, c)
		}
	}

	// Preferred type first for the target's service family, then name
	// for determinism.
	preferred := preferredType(serviceType)
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Type == preferred, candidates[j].Type == preferred
		if pi != pj {
			return pi
		}
		return candidates[i].Name < candidates[j].Name
	})

	return candidates, nil
}

// Materialize asks the vault to decrypt a credential. Responses are
// cached for the configured TTL.
func (r *Resolver) Materialize(ctx context.Context, credentialID string) (*Secret, error) {
	r.mu.Lock()
	if cached, ok := r.secrets[credentialID]; ok && time.Since(cached.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return cached.secret, nil
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/credentials/%s", r.baseURL, credentialID), nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &errors.TransientError{Operation: "vault materialize", Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, &errors.NotFoundError{Resource: "credential", ID: credentialID}
	case http.StatusForbidden, http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, &errors.PermissionError{Action: "materialize credential", Reason: "vault denied access"}
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &errors.TransientError{
			Operation: "vault materialize",
			Cause:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var secret Secret
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return nil, fmt.Errorf("decoding vault response: %w", err)
	}
	secret.CredentialID = credentialID

	r.mu.Lock()
	r.secrets[credentialID] = cachedSecret{secret: &secret, fetchedAt: time.Now()}
	r.mu.Unlock()

	return &secret, nil
}

// Flush drops all cached secrets and metadata.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.secrets = make(map[string]cachedSecret)
	r.metadata = nil
	r.metaAt = time.Time{}
	r.mu.Unlock()
}

func (r *Resolver) listMetadata(ctx context.Context) ([]*Credential, error) {
	r.mu.Lock()
	if r.metadata != nil && time.Since(r.metaAt) < r.ttl {
		metadata := r.metadata
		r.mu.Unlock()
		return metadata, nil
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/credentials", nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &errors.TransientError{Operation: "vault list", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &errors.TransientError{
			Operation: "vault list",
			Cause:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var metadata []*Credential
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decoding vault response: %w", err)
	}

	r.mu.Lock()
	r.metadata = metadata
	r.metaAt = time.Now()
	r.mu.Unlock()

	return metadata, nil
}

// matchesService reports whether a credential serves the target's
// service type, either by declared list or by type convention.
func matchesService(c *Credential, serviceType string) bool {
	for _, s := range c.ServiceTypes {
		if strings.EqualFold(s, serviceType) {
			return true
		}
	}
	if len(c.ServiceTypes) > 0 {
		return false
	}
	// No declared services: fall back to the type convention.
	return c.Type == preferredType(serviceType) || c.Type == TypePassword
}

// preferredType maps a service type to its conventional credential type:
// ssh keys for Linux, passwords for Windows, API keys for HTTP.
func preferredType(serviceType string) CredentialType {
	switch {
	case serviceType == "ssh":
		return TypeSSHKey
	case strings.HasPrefix(serviceType, "winrm"):
		return TypePassword
	case serviceType == "http", serviceType == "https":
		return TypeAPIKey
	default:
		return TypePassword
	}
}
