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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/internal/credentials"
	"github.com/opsconductor/opsconductor/internal/store"
)

func stepContext(stepType string, payload map[string]any) StepContext {
	return StepContext{
		Step: &store.JobRunStep{
			ID:      "step-1",
			RunID:   "run-1",
			Type:    stepType,
			Payload: payload,
		},
		Vars:   map[string]any{},
		Logger: slog.Default(),
	}
}

func TestHTTPRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	result, err := driver.Execute(context.Background(), stepContext("http.GET", map[string]any{
		"url": srv.URL,
	}))
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
	assert.Equal(t, 200, result.Metrics["status_code"])
	assert.JSONEq(t, `{"ok":true}`, result.Stdout)
}

func TestHTTPRequestUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	result, err := driver.Execute(context.Background(), stepContext("http.GET", map[string]any{
		"url": srv.URL,
	}))
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, result.Status)
	assert.Equal(t, 502, result.ExitCode)
	assert.Contains(t, result.Stderr, "unexpected status 502")
}

func TestHTTPRequestCustomExpectedCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	result, err := driver.Execute(context.Background(), stepContext("http.GET", map[string]any{
		"url":                   srv.URL,
		"expected_status_codes": []any{float64(404)},
	}))
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
}

func TestHTTPRequestPostJSONPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	result, err := driver.Execute(context.Background(), stepContext("http.POST", map[string]any{
		"url":     srv.URL,
		"payload": map[string]any{"service": "api", "replicas": float64(3)},
	}))
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
	assert.Equal(t, "api", received["service"])
}

func TestHTTPRequestAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hunter22secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	sc := stepContext("http.GET", map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "basic"},
	})
	sc.Secret = &credentials.Secret{Username: "admin", Password: "hunter22secret"}

	result, err := driver.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
}

func TestHTTPRequestBearerFromCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer api-key-value", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	sc := stepContext("http.GET", map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer"},
	})
	sc.Secret = &credentials.Secret{APIKey: "api-key-value"}

	result, err := driver.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, result.Status)
}

func TestHTTPRequestMissingURL(t *testing.T) {
	driver, err := NewHTTPRequest()
	require.NoError(t, err)

	_, err = driver.Execute(context.Background(), stepContext("http.GET", map[string]any{}))
	assert.Error(t, err)
}

func TestRegistryPrefixLookup(t *testing.T) {
	r := NewRegistry()
	driver := ExecutorFunc(func(ctx context.Context, sc StepContext) (*Result, error) {
		return succeeded("ok"), nil
	})
	r.Register("http.*", driver)
	r.Register("webhook.call", driver)

	_, ok := r.Lookup("http.DELETE")
	assert.True(t, ok)
	_, ok = r.Lookup("webhook.call")
	assert.True(t, ok)
	_, ok = r.Lookup("carrier.pigeon")
	assert.False(t, ok)
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), stepContext("carrier.pigeon", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor registered")
}

func TestRegistryRedactsResults(t *testing.T) {
	r := NewRegistry()
	r.Register("leak", ExecutorFunc(func(ctx context.Context, sc StepContext) (*Result, error) {
		return succeeded("the password is hunter22secret"), nil
	}))

	sc := stepContext("leak", nil)
	sc.Secret = &credentials.Secret{Password: "hunter22secret"}

	result, err := r.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "the password is [REDACTED]", result.Stdout)
}
