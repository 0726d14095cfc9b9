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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngnhng/sahale/internal/server/config"
	"github.com/ngnhng/sahale/internal/server/logger"
)

// Options are command line overrides applied on top of the environment.
type Options struct {
	NATSHost     string
	NATSPort     string
	HTTPPort     string
	StoreBackend string
}

func (o Options) apply(cfg *config.Config) {
	// Allow CLI flags to override NATS host/port.
	if o.NATSHost != "" {
		cfg.NATS.Host = o.NATSHost
	}
	if o.NATSPort != "" {
		cfg.NATS.Port = o.NATSPort
	}
	if o.NATSHost != "" || o.NATSPort != "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}
	if o.HTTPPort != "" {
		cfg.Server.Port = o.HTTPPort
	}
	if o.StoreBackend != "" {
		cfg.Store.Backend = o.StoreBackend
	}
}

// setup loads and validates the configuration and installs the logger as
// the slog default. The returned func flushes the log exporter.
func setup(ctx context.Context, opts Options) (*config.Config, *logger.Logger, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(l.Slogger)
	flush := func() {
		if err := l.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to shut down logger provider", "error", err)
		}
	}
	return cfg, l, flush, nil
}

// Run serves the orchestration runtime until ctx is done or a shutdown
// signal arrives.
func Run(ctx context.Context, opts Options) error {
	cfg, lg, flush, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer flush()

	mgr, err := NewManager(ctx, cfg, lg.Slogger, lg.Workflow)
	if err != nil {
		return err
	}
	return runUntilSignal(ctx, lg.Slogger, mgr.Run)
}

func runUntilSignal(ctx context.Context, log *slog.Logger, run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	cancel()
	return <-errCh
}
