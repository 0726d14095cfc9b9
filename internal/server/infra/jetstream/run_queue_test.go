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

package jetstreamx_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/internal/engine"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
)

var _ engine.WakeQueue = (*jetstreamx.RunQueue)(nil)

func connect(t *testing.T) *jetstreamx.Connection {
	t.Helper()
	url := os.Getenv("SAHALE_TEST_NATS_URL")
	if url == "" {
		t.Skip("SAHALE_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	conn, err := jetstreamx.Wrap(nc)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestRunQueueDeliversAndRetries(t *testing.T) {
	conn := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	q, err := jetstreamx.NewRunQueue(ctx, conn, nil)
	require.NoError(t, err)

	runID := fmt.Sprintf("queue-test-%d", time.Now().UnixNano())
	got := make(chan string, 4)
	var calls atomic.Int32

	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, func(_ context.Context, id string) error {
			if id != runID {
				return nil
			}
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			got <- id
			return nil
		})
	}()

	require.NoError(t, q.Wake(ctx, runID))
	select {
	case id := <-got:
		require.Equal(t, runID, id)
	case <-ctx.Done():
		t.Fatal("wake was not redelivered")
	}
	require.EqualValues(t, 2, calls.Load())

	stop()
	require.NoError(t, <-done)
}
