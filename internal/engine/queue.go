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

package engine

import (
	"context"
	"sync"
	"time"
)

// WakeQueue carries "this run needs a pass" notifications to the workers.
// Implementations may deliver a run more than once; evaluation is
// idempotent.
type WakeQueue interface {
	Wake(ctx context.Context, runID string) error
	// Consume calls handler for every delivered run until ctx is done. A
	// handler error asks for redelivery later.
	Consume(ctx context.Context, handler func(ctx context.Context, runID string) error) error
}

var _ WakeQueue = (*LocalQueue)(nil)

// LocalQueue is an in-process FIFO that holds each run at most once while it
// waits to be picked up.
type LocalQueue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	notify  chan struct{}

	retryDelay time.Duration
}

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{
		queued:     make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
		retryDelay: time.Second,
	}
}

func (q *LocalQueue) Wake(_ context.Context, runID string) error {
	q.mu.Lock()
	if _, ok := q.queued[runID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.queued[runID] = struct{}{}
	q.pending = append(q.pending, runID)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *LocalQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *LocalQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	runID := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, runID)
	if len(q.pending) > 0 {
		q.signal()
	}
	return runID, true
}

// Len is the number of runs waiting to be picked up.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(ctx context.Context, runID string) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		runID, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		if err := handler(ctx, runID); err != nil && ctx.Err() == nil {
			time.AfterFunc(q.retryDelay, func() { _ = q.Wake(context.Background(), runID) })
		}
	}
}
