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

package client_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/engine"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/internal/server/handler/command"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
	"github.com/ngnhng/sahale/internal/server/projection"
	"github.com/ngnhng/sahale/internal/timer"
	"github.com/ngnhng/sahale/pkg/activity"
	"github.com/ngnhng/sahale/pkg/client"
	"github.com/ngnhng/sahale/pkg/workflow"
)

func TestNewRequiresConnection(t *testing.T) {
	_, err := client.New(client.Options{})
	require.ErrorIs(t, err, client.ErrNoConnection)
}

type stopper struct{}

func (stopper) Stop() bool { return true }

// serve runs an engine, a command processor and the result projection
// against the NATS server named by SAHALE_TEST_NATS_URL.
func serve(t *testing.T) *client.Client {
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

	ctx, cancel := context.WithCancel(context.Background())
	_, err = conn.EnsureKV(ctx, jetstream.KeyValueConfig{Bucket: api.RunResultBucket, TTL: time.Hour})
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register("shout", func(_ context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	}, activity.Options{}))
	require.NoError(t, reg.Register("refuse", func(context.Context, string) (string, error) {
		return "", activity.NonRetryable(errors.New("refused"))
	}, activity.Options{}))
	require.NoError(t, reg.RegisterWorkflow("shouting", func(ctx workflow.Context, s string) (string, error) {
		return workflow.Execute[string](ctx, "shout", s)
	}))
	require.NoError(t, reg.RegisterWorkflow("refusing", func(ctx workflow.Context, s string) (string, error) {
		return workflow.Execute[string](ctx, "refuse", s)
	}))
	require.NoError(t, reg.RegisterWorkflow("sleeping", func(ctx workflow.Context, _ string) (string, error) {
		ctx.Sleep(time.Hour)
		return "", nil
	}))

	conv := &serde.JsonSerde{}
	results := projection.NewRunResults(projection.NewKVStore(conn), conv, nil)
	e := engine.New(history.NewMemory(), reg,
		engine.WithSerde(conv),
		engine.WithAfterFunc(func(time.Duration, func()) timer.Stopper { return stopper{} }),
		engine.WithTerminalListener(results.Record),
	)
	handler := command.NewHandler(e, conv, 5*time.Second, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		errs := make(chan error, 3)
		go func() { errs <- e.Run(ctx) }()
		go func() { errs <- command.RunProcessor(ctx, conn, handler) }()
		go func() { errs <- results.Run(ctx) }()
		for range 3 {
			<-errs
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := client.New(client.Options{Conn: nc, Serde: conv, PollInterval: 100 * time.Millisecond})
	require.NoError(t, err)

	// The processor subscribes asynchronously.
	require.Eventually(t, func() bool {
		_, err := c.Status(ctx, "missing")
		return errors.Is(err, api.ErrRunNotFound)
	}, 5*time.Second, 20*time.Millisecond)
	return c
}

func TestRunLifecycle(t *testing.T) {
	c := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runID, err := c.Start(ctx, "shouting", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	var out string
	require.NoError(t, c.Result(ctx, runID, &out))
	assert.Equal(t, "HELLO", out)

	st, err := c.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, st.Status)
	assert.Equal(t, "shouting", st.Workflow)
}

func TestFailedRunReturnsFailure(t *testing.T) {
	c := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runID, err := c.Start(ctx, "refusing", "please")
	require.NoError(t, err)

	err = c.Result(ctx, runID, nil)
	var failure *api.Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, api.ErrActivityFailed)
}

func TestErrorsKeepTheirIdentity(t *testing.T) {
	c := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.Start(ctx, "no-such-workflow", nil)
	assert.ErrorIs(t, err, api.ErrUnknownWorkflow)

	_, err = c.Status(ctx, "no-such-run")
	assert.ErrorIs(t, err, api.ErrRunNotFound)

	runID, err := c.Start(ctx, "sleeping", "zz")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, runID, "enough"))
	assert.ErrorIs(t, c.Cancel(ctx, runID, "again"), api.ErrRunTerminal)

	st, err := c.Await(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, st.Status)
	assert.ErrorIs(t, st.Error, api.ErrCanceled)
}
