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
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/engine"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/server/config"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
)

// ResultTTL bounds how long finished run statuses stay in the result bucket.
const ResultTTL = 7 * 24 * time.Hour

func (m *Manager) ensureKV(ctx context.Context) error {
	_, err := m.conn.EnsureKV(ctx, jetstream.KeyValueConfig{
		Bucket:      api.RunResultBucket,
		Description: "final status of finished runs",
		TTL:         ResultTTL,
		Storage:     jetstream.FileStorage,
	})
	return err
}

// OpenLog opens the execution log backend named by cfg.Backend. js is only
// needed by the nats backend.
func OpenLog(ctx context.Context, cfg config.StoreConfig, js jetstream.JetStream) (history.Log, error) {
	var (
		log history.Log
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		return history.NewMemory(), nil
	case "", config.BackendSQLite:
		var s *history.SQLite
		if s, err = history.OpenSQLite(cfg.SQLitePath); err == nil {
			log = s
		}
	case config.BackendPostgres:
		var p *history.Postgres
		if p, err = history.OpenPostgres(ctx, cfg.PostgresDSN); err == nil {
			log = p
		}
	case config.BackendPebble:
		var p *history.Pebble
		if p, err = history.OpenPebble(cfg.PebbleDir, nil); err == nil {
			log = p
		}
	case config.BackendRedis:
		prefix := cfg.RedisPrefix
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		var r *history.Redis
		if r, err = history.OpenRedis(ctx, &redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, prefix); err == nil {
			log = r
		}
	case config.BackendNATS:
		if js == nil {
			return nil, errors.New("the nats log backend needs a NATS connection")
		}
		var n *history.NATS
		if n, err = history.NewNATS(ctx, js); err == nil {
			log = n
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", cfg.Backend, err)
	}
	return log, nil
}

// engineOptions turns the engine section of the config into engine options,
// opening the NATS backed dispatcher and wake queue when selected.
func engineOptions(ctx context.Context, cfg *config.Config, conn *jetstreamx.Connection, conv serde.BinarySerde, logger *slog.Logger) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithSerde(conv),
		engine.WithRetryPolicy(cfg.Retry.Policy()),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithLogger(logger),
	}

	if cfg.Engine.Dispatch == "nats" {
		opts = append(opts, engine.WithDispatcher(invoker.NewNATSDispatcher(conn.NATS(), conv)))
	} else {
		opts = append(opts, engine.WithDispatcher(invoker.NewLocalDispatcher(conv)))
	}

	if cfg.Engine.WakeQueue == "nats" {
		q, err := jetstreamx.NewRunQueue(ctx, conn, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open run queue: %w", err)
		}
		opts = append(opts, engine.WithWakeQueue(q))
	}
	return opts, nil
}
