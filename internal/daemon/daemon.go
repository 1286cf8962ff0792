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

// Package daemon is the composition root: it wires the configuration
// into the store, orchestrator, worker pool, scheduler, janitor, and
// HTTP API, and runs them until shutdown.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/credentials"
	"github.com/opsconductor/opsconductor/internal/daemon/api"
	"github.com/opsconductor/opsconductor/internal/dispatch"
	"github.com/opsconductor/opsconductor/internal/executor"
	"github.com/opsconductor/opsconductor/internal/fanout"
	"github.com/opsconductor/opsconductor/internal/janitor"
	"github.com/opsconductor/opsconductor/internal/leader"
	"github.com/opsconductor/opsconductor/internal/log"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/orchestrator"
	"github.com/opsconductor/opsconductor/internal/registry"
	"github.com/opsconductor/opsconductor/internal/scheduler"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/translator"
	"github.com/opsconductor/opsconductor/pkg/errors"
	"github.com/opsconductor/opsconductor/pkg/httpclient"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

const shutdownGrace = 30 * time.Second

// Daemon is the assembled process.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	hub     *fanout.Hub
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
	disp    *dispatch.Dispatcher
	sched   *scheduler.Scheduler
	jan     *janitor.Janitor
	monitor *fanout.Monitor
	elector *leader.Elector
	server  *http.Server
}

// New assembles a daemon from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	st, elector, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	hub := fanout.NewHub(logger)

	var targets *registry.Client
	if cfg.Registry.BaseURL != "" {
		registryClient, rerr := httpclient.New(httpclient.Config{
			Timeout:            cfg.Registry.Timeout,
			BearerToken:        cfg.Registry.Token,
			InsecureSkipVerify: cfg.Registry.InsecureSkipVerify,
		})
		if rerr != nil {
			return nil, errors.Wrap(rerr, "building registry client")
		}
		targets = registry.New(registryClient, cfg.Registry.BaseURL)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	var notifierClient *http.Client
	if cfg.Notifier.BaseURL != "" {
		notifierClient, err = httpclient.New(httpclient.Config{
			Timeout:            cfg.Notifier.Timeout,
			BearerToken:        cfg.Notifier.Token,
			InsecureSkipVerify: cfg.Notifier.InsecureSkipVerify,
		})
		if err != nil {
			return nil, errors.Wrap(err, "building notifier client")
		}
		orchOpts = append(orchOpts,
			orchestrator.WithNotifier(orchestrator.NewServiceNotifier(notifierClient, cfg.Notifier.BaseURL)))
	}
	var resolver translator.TargetResolver
	if targets != nil {
		resolver = targets
	}
	orch := orchestrator.New(st, translator.New(resolver), hub, orchOpts...)

	reg, err := executor.DefaultRegistry(notifierClient, cfg.Notifier.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "building executor registry")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "opsconductor"
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m),
		dispatch.WithTransitionHandler(orch.HandleTransition),
	}
	if targets != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTargets(targets))
	}
	if cfg.Vault.BaseURL != "" {
		vaultClient, verr := httpclient.New(httpclient.Config{
			Timeout:            cfg.Vault.Timeout,
			BearerToken:        cfg.Vault.Token,
			InsecureSkipVerify: cfg.Vault.InsecureSkipVerify,
		})
		if verr != nil {
			return nil, errors.Wrap(verr, "building vault client")
		}
		dispatchOpts = append(dispatchOpts,
			dispatch.WithCredentials(credentials.New(vaultClient, cfg.Vault.BaseURL)))
	}

	disp := dispatch.New(dispatch.Config{
		Workers:           cfg.Worker.Count,
		Hostname:          hostname,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, st, reg, hub, dispatchOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
	}
	janOpts := []janitor.Option{
		janitor.WithLogger(logger),
		janitor.WithMetrics(m),
		janitor.WithWindows(cfg.Janitor.LivenessWindow, cfg.Janitor.Grace),
		janitor.WithTransitionHandler(orch.HandleTransition),
	}
	if elector != nil {
		schedOpts = append(schedOpts, scheduler.WithLeadership(elector.IsLeader))
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		hub:     hub,
		metrics: m,
		orch:    orch,
		disp:    disp,
		sched:   scheduler.New(st, orch, schedOpts...),
		jan:     janitor.New(st, janOpts...),
		monitor: fanout.NewMonitor(hub, st, logger),
		elector: elector,
	}

	serverOpts := []api.Option{
		api.WithAuth(cfg.Auth),
		api.WithMetrics(m),
		api.WithVersion(Version),
		api.WithLogger(logger),
	}
	if elector != nil {
		serverOpts = append(serverOpts, api.WithLeaderStatus(elector.Status))
	}
	d.server = &http.Server{
		Addr:         cfg.Listen.Address,
		Handler:      api.NewServer(st, orch, hub, serverOpts...).Handler(),
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: 0, // The websocket stream outlives any fixed budget.
	}
	return d, nil
}

// openStore picks Postgres when a URL is configured and the in-memory
// store otherwise. Leader election only exists on Postgres; a
// single-process memory deployment is always the leader.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, *leader.Elector, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory store; state will not survive restarts")
		return store.NewMemory(), nil, nil
	}

	pg, err := store.NewPostgres(store.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening store")
	}

	hostname, _ := os.Hostname()
	elector := leader.NewElector(leader.Config{
		DB:         pg.DB(),
		InstanceID: hostname,
		Logger:     logger,
	})
	return pg, elector, nil
}

// Run starts every component and blocks until the context is canceled,
// then shuts down gracefully: stop intake, drain workers, close the hub.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting",
		"listen", d.cfg.Listen.Address,
		"workers", d.cfg.Worker.Count,
		"scheduler", d.cfg.SchedulerEnabled(),
		"version", Version)

	if d.elector != nil {
		d.elector.Start(ctx)
		defer d.elector.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	if d.cfg.Worker.Count > 0 {
		g.Go(func() error { return ignoreCancel(d.disp.Run(ctx)) })
	}
	if d.cfg.SchedulerEnabled() {
		g.Go(func() error { return ignoreCancel(d.sched.Run(ctx, d.cfg.Scheduler.TickInterval)) })
	}
	g.Go(func() error { return ignoreCancel(d.jan.Run(ctx, d.cfg.Janitor.Interval)) })
	g.Go(func() error { return ignoreCancel(d.monitor.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.orch.Watchdog(ctx, time.Minute)) })

	err := g.Wait()
	d.hub.CloseAll()
	if cerr := d.store.Close(); cerr != nil {
		d.logger.Warn("closing store", "error", cerr)
	}
	d.logger.Info("daemon stopped")
	return err
}

// ignoreCancel maps a context-canceled exit to a clean shutdown.
func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}
