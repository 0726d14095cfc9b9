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

// Package timer arms one-shot wake-ups for durable sleeps. A pending timer
// is a runtime timer only; no goroutine waits on it.
package timer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Key identifies a timer decision.
type Key struct {
	RunID      string
	DecisionID int
}

// FireFunc is called once per armed key when its deadline passes.
type FireFunc func(ctx context.Context, runID string, decisionID int)

// Stopper is what WithAfterFunc must return; *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

type Service struct {
	fire      FireFunc
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Stopper
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[Key]Stopper
	stopped bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAfterFunc replaces time.AfterFunc, mainly for tests.
func WithAfterFunc(fn func(d time.Duration, f func()) Stopper) Option {
	return func(s *Service) { s.afterFunc = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(fire FireFunc, opts ...Option) *Service {
	s := &Service{
		fire: fire,
		now:  time.Now,
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
		logger:  slog.Default(),
		pending: make(map[Key]Stopper),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule arms the timer for (runID, decisionID) at fireAt. A deadline in
// the past fires right away. Scheduling a key that is already armed does
// nothing, so replays may call it freely.
func (s *Service) Schedule(runID string, decisionID int, fireAt time.Time) {
	key := Key{RunID: runID, DecisionID: decisionID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.pending[key]; ok {
		return
	}
	d := max(fireAt.Sub(s.now()), 0)
	s.pending[key] = s.afterFunc(d, func() {
		s.mu.Lock()
		_, armed := s.pending[key]
		delete(s.pending, key)
		s.mu.Unlock()
		if !armed {
			return
		}
		s.fire(context.Background(), key.RunID, key.DecisionID)
	})
	s.logger.Debug("timer armed", "run_id", runID, "decision", decisionID, "in", d)
}

// CancelRun disarms every timer of runID.
func (s *Service) CancelRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.pending {
		if key.RunID == runID {
			t.Stop()
			delete(s.pending, key)
		}
	}
}

// Pending lists the armed keys, ordered by run then decision.
func (s *Service) Pending() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RunID != keys[j].RunID {
			return keys[i].RunID < keys[j].RunID
		}
		return keys[i].DecisionID < keys[j].DecisionID
	})
	return keys
}

// Stop disarms everything. Later Schedule calls are ignored.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}
