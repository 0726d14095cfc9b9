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

package jetstreamx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/sahale/api"
)

// RunQueue is a wake queue backed by a JetStream work-queue stream. Every
// server consuming it shares one durable consumer, so a wake is handled by
// exactly one of them.
type RunQueue struct {
	conn       *Connection
	consumer   jetstream.Consumer
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewRunQueue ensures the runs stream and its worker consumer.
func NewRunQueue(ctx context.Context, conn *Connection, logger *slog.Logger) (*RunQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      api.RunTasksStream,
		Subjects:  []string{api.RunWakeFilterSubjectPattern},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure run wake stream: %w", err)
	}

	consumer, err := conn.EnsureConsumer(ctx, api.RunTasksStream, jetstream.ConsumerConfig{
		Durable:       api.RunWorkerConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: api.RunWakeFilterSubjectPattern,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, err
	}
	return &RunQueue{conn: conn, consumer: consumer, retryDelay: time.Second, logger: logger}, nil
}

func (q *RunQueue) Wake(ctx context.Context, runID string) error {
	subject := fmt.Sprintf(api.RunWakeSubjectPattern, runID)
	if _, err := q.conn.js.Publish(ctx, subject, nil); err != nil {
		return fmt.Errorf("publish wake for %s: %w", runID, err)
	}
	return nil
}

// Consume hands every wake to handler until ctx is done. A handler error
// redelivers the wake after a delay.
func (q *RunQueue) Consume(ctx context.Context, handler func(ctx context.Context, runID string) error) error {
	prefix := api.RunWakeSubjectPrefix + "."
	cc, err := q.consumer.Consume(func(msg jetstream.Msg) {
		runID := strings.TrimPrefix(msg.Subject(), prefix)
		if err := handler(ctx, runID); err != nil {
			if nakErr := msg.NakWithDelay(q.retryDelay); nakErr != nil {
				q.logger.Error("nak run wake", "run_id", runID, "error", nakErr)
			}
			return
		}
		if err := msg.DoubleAck(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("ack run wake", "run_id", runID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consume run wakes: %w", err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}
