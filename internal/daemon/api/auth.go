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

package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

type identityKey struct{}

// CallerFrom returns the authenticated identity, if any.
func CallerFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// openPaths are reachable without credentials: probes and scrapers.
var openPaths = map[string]bool{
	"/v1/health":  true,
	"/v1/version": true,
	"/metrics":    true,
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode == config.AuthModeNone || openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := s.identify(r)
		if err != nil {
			s.writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "unauthorized",
				Message: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *Server) identify(r *http.Request) (Identity, error) {
	switch s.auth.Mode {
	case config.AuthModeTrustedHeaders:
		id := Identity{
			UserID:   r.Header.Get("X-User-ID"),
			Username: r.Header.Get("X-Username"),
			Role:     r.Header.Get("X-User-Role"),
		}
		if id.UserID == "" {
			return Identity{}, errors.New("missing X-User-ID header")
		}
		return id, nil
	case config.AuthModeToken:
		return s.verifyBearer(r)
	default:
		return Identity{}, errors.New("unsupported auth mode")
	}
}

func (s *Server) verifyBearer(r *http.Request) (Identity, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return Identity{}, errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(auth[len(prefix):])

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.auth.TokenSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Identity{}, errors.New("invalid bearer token")
	}

	id := Identity{}
	if sub, _ := claims["sub"].(string); sub != "" {
		id.UserID = sub
	}
	if name, _ := claims["name"].(string); name != "" {
		id.Username = name
	}
	if role, _ := claims["role"].(string); role != "" {
		id.Role = role
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token missing sub claim")
	}
	return id, nil
}

// requestUser resolves who asked, for audit fields on runs and jobs.
func requestUser(r *http.Request) string {
	if id, ok := CallerFrom(r.Context()); ok {
		if id.Username != "" {
			return id.Username
		}
		return id.UserID
	}
	return ""
}

// callerLimiter rate-limits per caller, falling back to the remote IP
// for unauthenticated requests. Idle limiters are evicted so one-shot
// callers do not accumulate.
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*callerEntry
	rps      rate.Limit
	burst    int
}

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter() *callerLimiter {
	return &callerLimiter{
		limiters: make(map[string]*callerEntry),
		rps:      rate.Limit(25),
		burst:    50,
	}
}

func (cl *callerLimiter) allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry, ok := cl.limiters[key]
	if !ok {
		entry = &callerEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()

	if len(cl.limiters) > 1024 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, e := range cl.limiters {
			if e.lastSeen.Before(cutoff) {
				delete(cl.limiters, k)
			}
		}
	}
	return entry.limiter.Allow()
}

func (cl *callerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-ID")
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}
		if !cl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"rate_limited","message":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
