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

// Package leader elects one daemon instance to run the singleton loops
// (scheduler, janitor, run watchdog) when several daemons share a
// database. Election rides on a Postgres session advisory lock, so a
// crashed leader's lock vanishes with its connection and a follower
// takes over on the next retry.
package leader

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// advisoryLockID identifies the leadership lock. Must be unique among
// applications sharing the database.
const advisoryLockID int64 = 0x6F7073636F6E6475 // "opscondu"

const defaultRetryInterval = 5 * time.Second

// Elector competes for the singleton-loop lock.
type Elector struct {
	db         *sql.DB
	instanceID string
	retry      time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	isLeader  bool
	callbacks []func(isLeader bool)

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures an Elector.
type Config struct {
	DB            *sql.DB
	InstanceID    string
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// NewElector creates an elector. It does not compete until Start.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		db:         cfg.DB,
		instanceID: cfg.InstanceID,
		retry:      cfg.RetryInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With("component", "leader", "instance_id", cfg.InstanceID),
	}
}

// Start begins competing for leadership in the background.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop releases leadership and stops competing.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnChange registers a callback fired when leadership flips.
func (e *Elector) OnChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retry)
	defer ticker.Stop()

	e.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release(ctx)
			return
		case <-e.stopCh:
			e.release(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquire(ctx)
			} else if !e.stillHolding(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, retrying")
			}
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) {
	var acquired bool
	err := e.db.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1)", advisoryLockID,
	).Scan(&acquired)
	if err != nil {
		e.logger.Error("leadership acquisition failed", "error", err)
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

// stillHolding checks that this backend still owns the advisory lock.
// The pool can retire the session that took the lock, which silently
// drops it.
func (e *Elector) stillHolding(ctx context.Context) bool {
	var holding bool
	err := e.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, advisoryLockID).Scan(&holding)
	if err != nil {
		e.logger.Error("leadership verification failed", "error", err)
		return false
	}
	return holding
}

func (e *Elector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if _, err := e.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
		e.logger.Error("leadership release failed", "error", err)
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status is the leadership view served by the health API.
type Status struct {
	InstanceID string `json:"instance_id"`
	IsLeader   bool   `json:"is_leader"`
}

// Status returns the current leadership view.
func (e *Elector) Status() Status {
	return Status{InstanceID: e.instanceID, IsLeader: e.IsLeader()}
}
