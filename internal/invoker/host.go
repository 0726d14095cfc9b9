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

package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/pkg/activity"
)

// Host serves the registry's local activities to NATSDispatchers in other
// processes. Every activity gets its own queue group, so running several
// hosts spreads attempts across them.
type Host struct {
	nc     *nats.Conn
	reg    *registry.Registry
	conv   serde.BinarySerde
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewHost(nc *nats.Conn, reg *registry.Registry, conv serde.BinarySerde, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{nc: nc, reg: reg, conv: conv, logger: logger}
}

// Run subscribes and serves until ctx is done, then drains the
// subscriptions and waits for handlers in flight.
func (h *Host) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	for _, name := range h.reg.Activities() {
		act, err := h.reg.Lookup(name)
		if err != nil {
			return err
		}
		if act.Remote() {
			continue
		}
		subject := fmt.Sprintf(api.ActivityInvokeSubjectPattern, name)
		queue := fmt.Sprintf(api.ActivityHostQueueGroupPattern, name)
		sub, err := h.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.serve(ctx, act, msg)
			}()
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
		h.logger.Info("hosting activity", "activity", name, "subject", subject)
	}

	<-ctx.Done()
	for _, s := range subs {
		if err := s.Drain(); err != nil {
			h.logger.Warn("drain activity subscription", "subject", s.Subject, "error", err)
		}
	}
	h.wg.Wait()
	return nil
}

func (h *Host) serve(ctx context.Context, act registry.Activity, msg *nats.Msg) {
	var reply api.ActivityReply
	defer func() {
		if r := recover(); r != nil {
			reply = api.ActivityReply{Failure: &api.Failure{
				Kind:     api.FailurePanic,
				Message:  fmt.Sprint(r),
				Activity: act.Name,
			}}
		}
		data, err := h.conv.SerializeBinary(reply)
		if err != nil {
			h.logger.Error("encode activity reply", "activity", act.Name, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			h.logger.Error("respond to activity request", "activity", act.Name, "error", err)
		}
	}()

	var req api.ActivityRequest
	if err := h.conv.DeserializeBinary(msg.Data, &req); err != nil {
		reply.Failure = activity.ToFailure(act.Name, activity.NonRetryable(fmt.Errorf("decode request: %w", err)))
		return
	}

	timeout := act.Options.WithDefaults(nil).StartToCloseTimeout
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx = activity.WithInfo(actx, activity.Info{
		RunID:     req.RunID,
		Activity:  act.Name,
		Attempt:   req.Attempt,
		StartedAt: time.Now(),
	})

	h.logger.Debug("serving activity", "activity", act.Name, "run_id", req.RunID, "attempt", req.Attempt)
	result, err := act.Call(actx, h.conv, req.Input)
	if err != nil {
		reply.Failure = activity.ToFailure(act.Name, err)
		return
	}
	reply.Result = result
}
