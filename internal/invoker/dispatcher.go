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
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/pkg/activity"
)

// Dispatcher carries one attempt to wherever the handler lives.
type Dispatcher interface {
	Dispatch(ctx context.Context, act registry.Activity, input []byte) ([]byte, error)
}

var (
	_ Dispatcher = (*LocalDispatcher)(nil)
	_ Dispatcher = (*NATSDispatcher)(nil)
)

// LocalDispatcher calls the handler in-process.
type LocalDispatcher struct {
	conv serde.BinarySerde
}

func NewLocalDispatcher(conv serde.BinarySerde) *LocalDispatcher {
	return &LocalDispatcher{conv: conv}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, act registry.Activity, input []byte) ([]byte, error) {
	if act.Remote() {
		return nil, activity.NonRetryable(fmt.Errorf("activity %q is hosted remotely and no remote dispatcher is configured", act.Name))
	}
	return act.Call(ctx, d.conv, input)
}

// NATSDispatcher sends each attempt as a request to the hosted unit
// subscribed on sahale.activity.<name>. Activities with a local handler are
// still called in-process.
type NATSDispatcher struct {
	nc    *nats.Conn
	conv  serde.BinarySerde
	local *LocalDispatcher
	// RemoteOnly forces every activity over NATS, local handler or not.
	RemoteOnly bool
}

func NewNATSDispatcher(nc *nats.Conn, conv serde.BinarySerde) *NATSDispatcher {
	return &NATSDispatcher{nc: nc, conv: conv, local: NewLocalDispatcher(conv)}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, act registry.Activity, input []byte) ([]byte, error) {
	if !act.Remote() && !d.RemoteOnly {
		return d.local.Dispatch(ctx, act, input)
	}

	info, _ := activity.GetInfo(ctx)
	req, err := d.conv.SerializeBinary(api.ActivityRequest{
		Activity: act.Name,
		Input:    input,
		Attempt:  info.Attempt,
		RunID:    info.RunID,
	})
	if err != nil {
		return nil, activity.NonRetryable(fmt.Errorf("encode activity request: %w", err))
	}

	subject := fmt.Sprintf(api.ActivityInvokeSubjectPattern, act.Name)
	msg, err := d.nc.RequestWithContext(ctx, subject, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no host serves activity %q: %w", act.Name, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply api.ActivityReply
	if err := d.conv.DeserializeBinary(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode activity reply: %w", err)
	}
	if reply.Failure != nil {
		return nil, reply.Failure
	}
	return reply.Result, nil
}
