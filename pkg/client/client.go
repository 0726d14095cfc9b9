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

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
)

// ErrNoConnection is returned by New without a NATS connection.
var ErrNoConnection = errors.New("client: no NATS connection")

type Options struct {
	Conn *nats.Conn
	// Serde must match the server's engine serde. Defaults to JSON.
	Serde  serde.BinarySerde
	Logger *slog.Logger
	// Timeout bounds each command request when ctx has no deadline.
	Timeout time.Duration
	// PollInterval is how often Await re-checks the status in case the
	// result projection missed the run.
	PollInterval time.Duration
}

type Client struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	conv    serde.BinarySerde
	logger  *slog.Logger
	timeout time.Duration
	poll    time.Duration
}

func New(opts Options) (*Client, error) {
	if opts.Conn == nil {
		return nil, ErrNoConnection
	}
	js, err := jetstream.New(opts.Conn)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c := &Client{
		nc:      opts.Conn,
		js:      js,
		conv:    opts.Serde,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
	}
	if c.conv == nil {
		c.conv = &serde.JsonSerde{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.poll <= 0 {
		c.poll = 5 * time.Second
	}
	return c, nil
}

// Start creates a run of the named workflow and returns its id.
func (c *Client) Start(ctx context.Context, workflow string, input any) (string, error) {
	var data []byte
	if input != nil {
		var err error
		if data, err = c.conv.SerializeBinary(input); err != nil {
			return "", fmt.Errorf("encode input: %w", err)
		}
	}
	reply, err := c.request(ctx, api.StartRunCommand, api.StartRunAttributes{Workflow: workflow, Input: data})
	if err != nil {
		return "", err
	}
	if reply.RunID == "" {
		return "", errors.New("client: server returned an empty run id")
	}
	c.logger.Debug("run started", "run_id", reply.RunID, "workflow", workflow)
	return reply.RunID, nil
}

func (c *Client) Status(ctx context.Context, runID string) (api.RunStatus, error) {
	reply, err := c.request(ctx, api.GetStatusCommand, api.RunRefAttributes{RunID: runID})
	if err != nil {
		return api.RunStatus{}, err
	}
	if reply.Status == nil {
		return api.RunStatus{}, fmt.Errorf("client: empty status for run %s", runID)
	}
	return *reply.Status, nil
}

func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	_, err := c.request(ctx, api.CancelRunCommand, api.RunRefAttributes{RunID: runID, Reason: reason})
	return err
}

// Await blocks until the run is terminal. It watches the run's key in the
// result bucket and re-checks the status every PollInterval.
func (c *Client) Await(ctx context.Context, runID string) (api.RunStatus, error) {
	var updates <-chan jetstream.KeyValueEntry
	kv, err := c.js.KeyValue(ctx, api.RunResultBucket)
	if err == nil {
		watcher, werr := kv.Watch(ctx, runID)
		if werr == nil {
			defer watcher.Stop()
			updates = watcher.Updates()
		} else {
			err = werr
		}
	}
	if err != nil {
		c.logger.Warn("result watch unavailable, polling", "run_id", runID, "error", err)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, runID)
		if err != nil {
			return api.RunStatus{}, err
		}
		if st.Status.Terminal() {
			return st, nil
		}

	wait:
		for {
			select {
			case entry, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				// nil marks the end of the initial values.
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				var st api.RunStatus
				if err := c.conv.DeserializeBinary(entry.Value(), &st); err != nil {
					c.logger.Warn("decode projected result", "run_id", runID, "error", err)
					break wait
				}
				if st.Status.Terminal() {
					return st, nil
				}
			case <-ticker.C:
				break wait
			case <-ctx.Done():
				return st, ctx.Err()
			}
		}
	}
}

// Result awaits the run and decodes its result into valuePtr. A failed run
// returns its *api.Failure.
func (c *Client) Result(ctx context.Context, runID string, valuePtr any) error {
	st, err := c.Await(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status == api.StatusFailed {
		if st.Error != nil {
			return st.Error
		}
		return fmt.Errorf("run %s failed", runID)
	}
	if valuePtr == nil || len(st.Result) == 0 {
		return nil
	}
	return c.conv.DeserializeBinary(st.Result, valuePtr)
}

func (c *Client) request(ctx context.Context, typ api.CommandType, attrs any) (api.CommandReply, error) {
	raw, err := c.conv.SerializeBinary(attrs)
	if err != nil {
		return api.CommandReply{}, fmt.Errorf("encode %s attributes: %w", typ, err)
	}
	data, err := c.conv.SerializeBinary(api.Command{CommandType: typ, Attributes: raw})
	if err != nil {
		return api.CommandReply{}, fmt.Errorf("encode %s command: %w", typ, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, api.CommandRequestSubject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return api.CommandReply{}, fmt.Errorf("no sahale server is serving %s: %w", api.CommandRequestSubject, err)
		}
		return api.CommandReply{}, fmt.Errorf("%s request: %w", typ, err)
	}

	var reply api.CommandReply
	if err := c.conv.DeserializeBinary(msg.Data, &reply); err != nil {
		return api.CommandReply{}, fmt.Errorf("decode %s reply: %w", typ, err)
	}
	if reply.Error != "" {
		if sentinel := reply.ErrorCode.Sentinel(); sentinel != nil {
			return reply, fmt.Errorf("%w: %s", sentinel, reply.Error)
		}
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
