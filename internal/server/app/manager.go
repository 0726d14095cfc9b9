// Copyright 2025 Nguyen Nhat Nguyen
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

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/examples/speech"
	"github.com/ngnhng/sahale/internal/engine"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/metrics"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/internal/server/config"
	"github.com/ngnhng/sahale/internal/server/handler/command"
	httphandler "github.com/ngnhng/sahale/internal/server/handler/http"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
	"github.com/ngnhng/sahale/internal/server/projection"
)

// Manager owns every long running component of a server process.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	wflogger   *slog.Logger
	conn       *jetstreamx.Connection
	log        history.Log
	engine     *engine.Engine
	handler    *command.Handler
	results    *projection.RunResults
	httpServer *httphandler.Server
}

// NewManager connects to NATS, opens the execution log and assembles the
// engine with the speech analytics workflow registered. Workflow code logs
// through wflogger.
func NewManager(ctx context.Context, cfg *config.Config, logger, wflogger *slog.Logger) (*Manager, error) {
	conv, err := serde.New(cfg.Engine.Serde)
	if err != nil {
		return nil, err
	}

	conn, err := jetstreamx.Connect(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if !conn.IsConnected() {
		conn.Close()
		return nil, errors.New("cannot connect to NATS instance")
	}

	m := &Manager{cfg: cfg, logger: logger, wflogger: wflogger, conn: conn}
	if err := m.build(ctx, conv); err != nil {
		m.Shutdown()
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context, conv serde.BinarySerde) error {
	if err := m.ensureKV(ctx); err != nil {
		return fmt.Errorf("failed to ensure NATS KV buckets: %w", err)
	}

	log, err := OpenLog(ctx, m.cfg.Store, m.conn.JS())
	if err != nil {
		return err
	}
	m.log = log

	reg := registry.New()
	if err := speech.RegisterWorkflow(reg); err != nil {
		return err
	}
	if m.cfg.Engine.Dispatch == "nats" {
		err = speech.RegisterRemoteActivities(reg, nil)
	} else {
		err = speech.RegisterActivities(reg, speech.NewDemoActivities(speech.DemoTranscript))
	}
	if err != nil {
		return err
	}

	scrape, err := metrics.NewScrapeRegistry()
	if err != nil {
		return err
	}
	runtime, err := metrics.NewRuntime(scrape)
	if err != nil {
		return err
	}

	m.results = projection.NewRunResults(projection.NewKVStore(m.conn), conv, m.logger)

	opts, err := engineOptions(ctx, m.cfg, m.conn, conv, m.logger)
	if err != nil {
		return err
	}
	opts = append(opts,
		engine.WithObserver(runtime),
		engine.WithTerminalListener(m.results.Record),
		engine.WithWorkflowLogger(m.wflogger),
	)
	m.engine = engine.New(log, reg, opts...)

	for _, g := range []struct {
		name, help string
		fn         func() float64
	}{
		{"active_runs", "Runs started or recovered by this process and not yet finished.", func() float64 { return float64(m.engine.Stats().Active) }},
		{"awaiting_runs", "Callers blocked waiting for a run to finish.", func() float64 { return float64(m.engine.Stats().Awaiting) }},
		{"inflight_activities", "Activity invocations currently running.", func() float64 { return float64(m.engine.Stats().InFlight) }},
	} {
		if err := scrape.RegisterGauge(g.name, g.help, g.fn); err != nil {
			return err
		}
	}

	timeout := m.cfg.Timeouts.RequestTimeout
	m.handler = command.NewHandler(m.engine, conv, timeout, m.logger)
	m.httpServer = httphandler.NewServer(
		net.JoinHostPort(m.cfg.Server.Host, m.cfg.Server.Port),
		httphandler.NewRunsHandler(m.engine, conv, m.logger),
		httphandler.NewHealthHandler(m.conn, m.engine.Stats),
		scrape.Handler(),
		m.logger,
	)
	return nil
}

func (m *Manager) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.logger.Info("starting HTTP server", "addr", net.JoinHostPort(m.cfg.Server.Host, m.cfg.Server.Port))
		return m.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("starting command processor")
		return command.RunProcessor(gCtx, m.conn, m.handler)
	})

	g.Go(func() error {
		m.logger.Info("starting engine", "workers", m.cfg.Engine.Workers, "store", m.cfg.Store.Backend)
		return m.engine.Run(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("starting run result projector")
		return m.results.Run(gCtx)
	})

	if m.cfg.Engine.Recover {
		g.Go(func() error {
			n, err := m.engine.Recover(gCtx)
			if err != nil {
				return fmt.Errorf("recovery pass: %w", err)
			}
			m.logger.Info("recovery pass finished", "resumed", n)
			return nil
		})
	}

	m.logger.Info("manager is running")

	// Wait for all goroutines to complete or context cancellation
	err := g.Wait()

	m.logger.Info("initiating graceful shutdown")
	m.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("manager stopped with error", "error", err)
		return err
	}

	m.logger.Info("manager shutdown complete")
	return nil
}

// Shutdown closes the execution log and the NATS connection.
func (m *Manager) Shutdown() {
	if m.log != nil {
		if err := m.log.Close(); err != nil {
			m.logger.Warn("failed to close execution log", "error", err)
		}
	}
	if m.conn != nil {
		m.logger.Info("closing NATS connection")
		m.conn.Close()
	}
}
