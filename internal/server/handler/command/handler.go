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

// Package command serves engine commands over NATS request/reply.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	jetstreamx "github.com/ngnhng/sahale/internal/server/infra/jetstream"
)

// Runs is the part of the engine commands act on.
type Runs interface {
	StartRunRaw(ctx context.Context, workflow string, input []byte) (string, error)
	GetStatus(ctx context.Context, runID string) (api.RunStatus, error)
	Cancel(ctx context.Context, runID, reason string) error
}

type Handler struct {
	runs    Runs
	conv    serde.BinarySerde
	timeout time.Duration
	logger  *slog.Logger
}

func NewHandler(runs Runs, conv serde.BinarySerde, timeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{runs: runs, conv: conv, timeout: timeout, logger: logger}
}

func (h *Handler) HandleRequest(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in command handler", "subject", msg.Subject, "panic", r)
			h.respond(msg, api.CommandReply{Error: fmt.Sprintf("internal error: %v", r), ErrorCode: api.CodeInternal})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.respond(msg, h.Process(ctx, msg.Data))
}

func (h *Handler) respond(msg *nats.Msg, reply api.CommandReply) {
	data, err := h.conv.SerializeBinary(reply)
	if err != nil {
		h.logger.Error("encode command reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("respond to command", "error", err)
	}
}

// Process decodes one command and executes it.
func (h *Handler) Process(ctx context.Context, data []byte) api.CommandReply {
	var cmd api.Command
	if err := h.conv.DeserializeBinary(data, &cmd); err != nil {
		return failed(fmt.Errorf("failed to parse command: %w", err))
	}
	h.logger.Debug("command received", "type", cmd.CommandType)

	switch cmd.CommandType {
	case api.StartRunCommand:
		var attrs api.StartRunAttributes
		if err := h.conv.DeserializeBinary(cmd.Attributes, &attrs); err != nil {
			return failed(fmt.Errorf("failed to parse request attributes: %w", err))
		}
		runID, err := h.runs.StartRunRaw(ctx, attrs.Workflow, attrs.Input)
		if err != nil {
			return failed(err)
		}
		return api.CommandReply{RunID: runID}

	case api.GetStatusCommand:
		var attrs api.RunRefAttributes
		if err := h.conv.DeserializeBinary(cmd.Attributes, &attrs); err != nil {
			return failed(fmt.Errorf("failed to parse request attributes: %w", err))
		}
		st, err := h.runs.GetStatus(ctx, attrs.RunID)
		if err != nil {
			return failed(err)
		}
		return api.CommandReply{RunID: attrs.RunID, Status: &st}

	case api.CancelRunCommand:
		var attrs api.RunRefAttributes
		if err := h.conv.DeserializeBinary(cmd.Attributes, &attrs); err != nil {
			return failed(fmt.Errorf("failed to parse request attributes: %w", err))
		}
		if err := h.runs.Cancel(ctx, attrs.RunID, attrs.Reason); err != nil {
			return failed(err)
		}
		return api.CommandReply{RunID: attrs.RunID}
	}
	return failed(fmt.Errorf("unknown command type %q", cmd.CommandType))
}

func failed(err error) api.CommandReply {
	return api.CommandReply{Error: err.Error(), ErrorCode: api.CodeOf(err)}
}

// RunProcessor serves commands until ctx is done, sharing the load with
// other servers through a queue group.
func RunProcessor(ctx context.Context, conn *jetstreamx.Connection, handler *Handler) error {
	sub, err := conn.QueueSubscribe(api.CommandRequestSubject, api.CommandProcessorsQueue, handler.HandleRequest)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Drain()
}
