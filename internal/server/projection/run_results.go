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

// Package projection maintains read models derived from run outcomes.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
)

// Store is where final statuses are written, keyed by run id.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
}

// KVStore writes into the run result bucket.
type KVStore struct {
	conn *jetstreamx.Connection
}

func NewKVStore(conn *jetstreamx.Connection) *KVStore { return &KVStore{conn: conn} }

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.conn.Set(ctx, api.RunResultBucket, key, value)
	return err
}

// RunResults writes the final status of every run this process ends, so
// clients can watch a single key instead of polling.
type RunResults struct {
	store    Store
	conv     serde.BinarySerde
	logger   *slog.Logger
	pending  chan api.RunStatus
	attempts uint
}

func NewRunResults(store Store, conv serde.BinarySerde, logger *slog.Logger) *RunResults {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunResults{
		store:    store,
		conv:     conv,
		logger:   logger,
		pending:  make(chan api.RunStatus, 1024),
		attempts: 5,
	}
}

// Record queues a terminal status. It never blocks the engine; when the
// queue is full the status is dropped and clients fall back to polling.
func (p *RunResults) Record(st api.RunStatus) {
	select {
	case p.pending <- st:
	default:
		p.logger.Warn("run result projection full, dropping", "run_id", st.RunID)
	}
}

// Run writes queued statuses until ctx is done, then flushes what is left.
func (p *RunResults) Run(ctx context.Context) error {
	for {
		select {
		case st := <-p.pending:
			p.write(ctx, st)
		case <-ctx.Done():
			for {
				select {
				case st := <-p.pending:
					p.write(ctx, st)
				default:
					return nil
				}
			}
		}
	}
}

func (p *RunResults) write(ctx context.Context, st api.RunStatus) {
	data, err := p.conv.SerializeBinary(st)
	if err != nil {
		p.logger.Error("encode run result", "run_id", st.RunID, "error", err)
		return
	}
	// A status recorded before shutdown is still written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = retry.Do(
		func() error { return p.store.Put(ctx, st.RunID, data) },
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		p.logger.Error("write run result", "run_id", st.RunID, "error", fmt.Errorf("after %d attempts: %w", p.attempts, err))
		return
	}
	p.logger.Debug("run result projected", "run_id", st.RunID, "status", st.Status)
}
