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

// Package dispatch runs the worker pool: each worker leases runnable
// steps from the store, executes them through the driver registry, and
// records outcomes. Fairness and ordering live entirely in the lease
// query; workers are interchangeable and crash-safe, because an
// abandoned lease is reclaimed by the janitor and a late write after
// reclamation is dropped by the store.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsconductor/opsconductor/internal/credentials"
	"github.com/opsconductor/opsconductor/internal/executor"
	"github.com/opsconductor/opsconductor/internal/fanout"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/internal/retrypolicy"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/pkg/errors"
)

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultWorkers           = 4

	// cancelPollInterval is how often an executing step checks whether
	// its run was canceled underneath it.
	cancelPollInterval = 5 * time.Second

	// defaultStepTimeout guards steps whose translator left no budget.
	defaultStepTimeout = 300 * time.Second
)

// TargetResolver resolves a hostname to a registry target at execution
// time.
type TargetResolver interface {
	Resolve(ctx context.Context, hostname string) (*registry.Target, error)
}

// CredentialSource yields materialized secrets for a target.
type CredentialSource interface {
	ForTarget(ctx context.Context, target *registry.Target, hint string) ([]*credentials.Credential, error)
	Materialize(ctx context.Context, credentialID string) (*credentials.Secret, error)
}

// TransitionHandler observes run status transitions produced by the
// store while the dispatcher works.
type TransitionHandler func(ctx context.Context, t *store.RunTransition)

// Config tunes the dispatcher.
type Config struct {
	Workers           int
	Hostname          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RetryBaseDelay    time.Duration
}

// Dispatcher is the worker pool.
type Dispatcher struct {
	cfg      Config
	store    store.Store
	registry *executor.Registry
	targets  TargetResolver
	creds    CredentialSource
	hub      *fanout.Hub
	metrics  *metrics.Metrics
	onChange TransitionHandler
	logger   *slog.Logger
}

// New creates a dispatcher. Targets, credentials, metrics, and the
// transition handler are optional.
func New(cfg Config, st store.Store, reg *executor.Registry, hub *fanout.Hub, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = retrypolicy.DefaultBaseDelay
	}

	d := &Dispatcher{
		cfg:      cfg,
		store:    st,
		registry: reg,
		hub:      hub,
		logger:   slog.Default(),
		onChange: func(context.Context, *store.RunTransition) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTargets wires execution-time target resolution.
func WithTargets(t TargetResolver) Option {
	return func(d *Dispatcher) { d.targets = t }
}

// WithCredentials wires the secret source.
func WithCredentials(c CredentialSource) Option {
	return func(d *Dispatcher) { d.creds = c }
}

// WithMetrics wires instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTransitionHandler wires the run transition observer.
func WithTransitionHandler(h TransitionHandler) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.onChange = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Run starts the worker pool and heartbeat loop, blocking until the
// context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error { return d.workerLoop(ctx, worker) })
	}
	g.Go(func() error { return d.heartbeatLoop(ctx) })
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) error {
	logger := d.logger.With("worker", worker, "hostname", d.cfg.Hostname)
	idleSince := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		leased, err := d.store.LeaseNextStep(ctx, d.cfg.Hostname, d.cfg.Hostname)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("lease attempt failed", "error", err)
			sleepCtx(ctx, d.cfg.PollInterval)
			continue
		}
		if leased == nil {
			// Jittered idle wait so a fleet of workers does not thundering-herd
			// the queue on the same tick.
			sleepCtx(ctx, d.cfg.PollInterval+time.Duration(rand.Int63n(int64(d.cfg.PollInterval))))
			continue
		}

		if d.metrics != nil {
			d.metrics.LeaseWaits.Observe(time.Since(idleSince).Seconds())
		}
		d.executeLeased(ctx, leased, logger)
		idleSince = time.Now()
	}
}

func (d *Dispatcher) executeLeased(ctx context.Context, leased *store.LeasedStep, logger *slog.Logger) {
	step := leased.Step
	d.onChange(ctx, leased.Transition)
	d.hub.PublishStepEvent(step.RunID, step, "started")

	started := time.Now()
	result, execErr := d.executeStep(ctx, step, logger)
	elapsed := time.Since(started)

	if d.metrics != nil {
		d.metrics.StepDuration.WithLabelValues(step.Type).Observe(elapsed.Seconds())
	}

	switch {
	case result != nil:
		d.recordResult(ctx, step, result, logger)
	case execErr != nil:
		d.recordFailure(ctx, step, execErr, logger)
	}
}

// executeStep resolves the target and credential, builds the runtime
// context, and runs the driver under the step's timeout and a
// cooperative cancel watcher.
func (d *Dispatcher) executeStep(ctx context.Context, step *store.JobRunStep, logger *slog.Logger) (*executor.Result, error) {
	run, err := d.store.GetRun(ctx, step.RunID)
	if err != nil {
		return nil, err
	}

	target, secret, err := d.resolveAccess(ctx, step)
	if err != nil {
		return nil, err
	}

	vars, err := d.runtimeVars(ctx, run, step, target)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Cooperative cancellation: cancel the step when its run goes
	// terminal underneath it. The late CompleteStep write is absorbed
	// by the store either way; this just stops burning the target.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go d.watchForCancel(stepCtx, cancel, step.RunID, watcherDone)

	return d.registry.Execute(stepCtx, executor.StepContext{
		Step:   step,
		Run:    run,
		Target: target,
		Secret: secret,
		Vars:   vars,
		Logger: logger.With("run_id", step.RunID, "step_id", step.ID, "type", step.Type),
	})
}

func (d *Dispatcher) watchForCancel(ctx context.Context, cancel context.CancelFunc, runID string, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			run, err := d.store.GetRun(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status.Terminal() {
				cancel()
				return
			}
		}
	}
}

// recordResult persists a driver result and reacts to control-flow
// metrics (branch skips, output variables travel via step metrics).
func (d *Dispatcher) recordResult(ctx context.Context, step *store.JobRunStep, result *executor.Result, logger *slog.Logger) {
	if skips := toStrings(result.Metrics["skip_nodes"]); len(skips) > 0 {
		if err := d.skipNodes(ctx, step.RunID, skips); err != nil {
			logger.Warn("marking branch steps skipped", "error", err)
		}
	}

	exitCode := result.ExitCode
	outcome := store.StepOutcome{
		StepID:   step.ID,
		Status:   result.Status,
		ExitCode: &exitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Metrics:  result.Metrics,
	}

	transition, err := d.store.CompleteStep(ctx, outcome)
	if err != nil {
		logger.Error("recording step outcome", "step_id", step.ID, "error", err)
		return
	}

	step.Status = result.Status
	step.ExitCode = &exitCode
	d.hub.PublishStepEvent(step.RunID, step, "finished")
	d.observeOutcome(step.Type, string(result.Status), transition)
	d.onChange(ctx, transition)
	logger.Info("step finished",
		"run_id", step.RunID, "step_id", step.ID, "type", step.Type,
		"status", result.Status, "exit_code", exitCode)
}

// recordFailure handles driver errors: transient causes consume retry
// budget through a requeue, everything else finalizes the step failed.
func (d *Dispatcher) recordFailure(ctx context.Context, step *store.JobRunStep, execErr error, logger *slog.Logger) {
	policy := retrypolicy.ForStepType(step.Type)
	policy.MaxRetries = step.MaxRetries
	policy.BaseDelay = d.cfg.RetryBaseDelay

	// When the cancel watcher kills a step, the driver surfaces a
	// retryable timeout. Retrying into a terminal run would strand the
	// step queued forever; finalize it aborted instead.
	if run, err := d.store.GetRun(ctx, step.RunID); err == nil && run.Status.Terminal() {
		exitCode := -1
		if _, err := d.store.CompleteStep(ctx, store.StepOutcome{
			StepID:   step.ID,
			Status:   store.StepAborted,
			ExitCode: &exitCode,
			Stderr:   execErr.Error(),
		}); err != nil {
			logger.Error("aborting step of terminal run", "step_id", step.ID, "error", err)
			return
		}
		step.Status = store.StepAborted
		d.hub.PublishStepEvent(step.RunID, step, "finished")
		d.observeOutcome(step.Type, string(store.StepAborted), nil)
		logger.Info("step aborted with its run",
			"run_id", step.RunID, "step_id", step.ID, "error", execErr)
		return
	}

	if policy.ShouldRetry(step.RetryCount, execErr) {
		delay := policy.Delay(step.RetryCount)
		logger.Warn("step failed, retrying",
			"run_id", step.RunID, "step_id", step.ID,
			"attempt", step.RetryCount+1, "max_retries", step.MaxRetries,
			"delay", delay, "error", execErr)
		if d.metrics != nil {
			d.metrics.StepRetries.Inc()
		}

		// Holding the worker through the backoff keeps the retry clock
		// honest without a delayed-visibility column on the queue.
		sleepCtx(ctx, delay)
		if err := d.store.RequeueStep(ctx, step.ID); err != nil {
			logger.Error("requeueing step", "step_id", step.ID, "error", err)
		}
		return
	}

	exitCode := -1
	transition, err := d.store.CompleteStep(ctx, store.StepOutcome{
		StepID:   step.ID,
		Status:   store.StepFailed,
		ExitCode: &exitCode,
		Stderr:   execErr.Error(),
		Metrics:  map[string]any{"error_code": errors.Code(execErr)},
	})
	if err != nil {
		logger.Error("recording step failure", "step_id", step.ID, "error", err)
		return
	}

	step.Status = store.StepFailed
	d.hub.PublishStepEvent(step.RunID, step, "finished")
	d.observeOutcome(step.Type, string(store.StepFailed), transition)
	d.onChange(ctx, transition)
	logger.Error("step failed",
		"run_id", step.RunID, "step_id", step.ID, "type", step.Type, "error", execErr)
}

func (d *Dispatcher) observeOutcome(stepType, status string, transition *store.RunTransition) {
	if d.metrics == nil {
		return
	}
	d.metrics.StepsExecuted.WithLabelValues(stepType, status).Inc()
	if transition != nil && transition.To.Terminal() {
		d.metrics.RunsFinished.WithLabelValues(string(transition.To)).Inc()
	}
}

// skipNodes maps workflow node ids to step indexes and marks them
// skipped. Only queued steps flip; anything already terminal stays.
func (d *Dispatcher) skipNodes(ctx context.Context, runID string, nodeIDs []string) error {
	steps, err := d.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = true
	}

	var indexes []int
	for _, s := range steps {
		if nodeID, _ := s.Payload["node_id"].(string); wanted[nodeID] {
			indexes = append(indexes, s.Index)
		}
	}
	if len(indexes) == 0 {
		return nil
	}
	return d.store.MarkStepsSkipped(ctx, runID, indexes)
}

// resolveAccess resolves the step's target and materializes its
// credential. Steps without a target (control, data, http without auth)
// proceed bare.
func (d *Dispatcher) resolveAccess(ctx context.Context, step *store.JobRunStep) (*registry.Target, *credentials.Secret, error) {
	if step.TargetHostname == "" || !stepNeedsCredential(step.Type) {
		return nil, nil, nil
	}

	var target *registry.Target
	if d.targets != nil {
		t, err := d.targets.Resolve(ctx, step.TargetHostname)
		if err != nil {
			return nil, nil, err
		}
		target = t
	}
	if target == nil {
		target = &registry.Target{Hostname: step.TargetHostname}
	}

	if d.creds == nil {
		return target, nil, nil
	}

	hint, _ := step.Payload["credential"].(string)
	candidates, err := d.creds.ForTarget(ctx, target, hint)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, &errors.NotFoundError{Resource: "credential", ID: "for target " + target.Hostname}
	}

	// Candidates are suitability-ordered; take the first that the vault
	// will actually decrypt for us.
	var lastErr error
	for _, c := range candidates {
		secret, err := d.creds.Materialize(ctx, c.ID)
		if err == nil {
			return target, secret, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// stepNeedsCredential reports whether a step family authenticates
// against its target.
func stepNeedsCredential(stepType string) bool {
	switch {
	case strings.HasPrefix(stepType, "ssh."),
		strings.HasPrefix(stepType, "sftp."),
		strings.HasPrefix(stepType, "winrm."),
		strings.HasPrefix(stepType, "windows."),
		stepType == "script":
		return true
	case strings.HasPrefix(stepType, "http."):
		return true // May carry api_key auth; harmless when absent.
	default:
		return false
	}
}

// runtimeVars assembles the execution-time variable context: run
// parameters at the top level plus the job/user/target/system/params
// namespaces, enriched with output variables published by earlier data
// steps.
func (d *Dispatcher) runtimeVars(ctx context.Context, run *store.JobRun, step *store.JobRunStep, target *registry.Target) (map[string]any, error) {
	vars := make(map[string]any, len(run.Parameters)+8)
	for k, v := range run.Parameters {
		vars[k] = v
	}
	vars["params"] = run.Parameters

	siblings, err := d.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	// Effective status so far: failure-steps already terminal decide
	// what send_on filters and condition expressions see mid-run.
	effective := "succeeded"
	for _, s := range siblings {
		if s.ID == step.ID {
			continue
		}
		if s.Status == store.StepFailed || s.Status == store.StepAborted {
			effective = "failed"
			break
		}
		// Earlier data steps publish outputs through their metrics.
		if s.Status == store.StepSucceeded && s.Metrics != nil {
			if name, ok := s.Metrics["output_var"].(string); ok && name != "" {
				vars[name] = s.Metrics["output"]
			}
		}
	}
	if run.Status == store.RunCanceled {
		effective = "canceled"
	}

	vars["job"] = map[string]any{
		"id":     run.JobID,
		"name":   run.JobName,
		"run_id": run.ID,
		"status": effective,
	}
	vars["user"] = map[string]any{"name": run.RequestedBy}
	vars["system"] = map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"run_id":    run.ID,
		"worker":    d.cfg.Hostname,
	}
	if target != nil {
		vars["target"] = map[string]any{
			"id":       target.ID,
			"hostname": target.Hostname,
			"os_type":  target.OSType,
		}
	} else {
		vars["target"] = map[string]any{"hostname": step.TargetHostname}
	}
	return vars, nil
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		err := d.store.UpsertHeartbeat(ctx, &store.WorkerRegistration{
			Hostname:        d.cfg.Hostname,
			ActiveTaskCount: d.cfg.Workers,
			LastHeartbeat:   time.Now().UTC(),
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("worker heartbeat failed", "error", err)
		}
	}

	beat() // Register before the first tick so the janitor sees us.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
