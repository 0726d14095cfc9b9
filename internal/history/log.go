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

// Package history is the durable execution log: an append-only, totally
// ordered record per run of every decision and outcome.
//
// Every backend implements the same conditional append. An entry is written
// at (RunID, Seq) only when Seq is exactly one past the current head of the
// run. Writing the identical entry again (same idempotency key) is a no-op
// that reports success; anything else at an occupied or non-contiguous
// position fails with ErrLogConflict.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/ngnhng/sahale/api"
)

// ErrLogConflict is returned (wrapped) by Append when the target position is
// taken or not next in line.
var ErrLogConflict = api.ErrLogConflict

var ErrInvalidEntry = errors.New("history: invalid entry")

type Log interface {
	// Append durably writes entry at entry.Seq and returns that sequence.
	Append(ctx context.Context, entry api.Entry) (uint64, error)

	// ReadFrom returns the run's entries with Seq >= from, in order. An
	// unknown run has no entries.
	ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error)

	// Runs lists every run id with at least one entry.
	Runs(ctx context.Context) ([]string, error)

	Close() error
}

// ConflictError describes a lost append race.
type ConflictError struct {
	RunID string
	// Seq is the position the caller tried to write.
	Seq uint64
	// Head is the last sequence present when the append was rejected.
	Head uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("log conflict on run %s: cannot append seq %d at head %d", e.RunID, e.Seq, e.Head)
}

func (e *ConflictError) Is(target error) bool { return target == ErrLogConflict }

func (e *ConflictError) Unwrap() error { return ErrLogConflict }

func conflict(entry api.Entry, head uint64) error {
	return &ConflictError{RunID: entry.RunID, Seq: entry.Seq, Head: head}
}

func validate(entry api.Entry) error {
	switch {
	case entry.RunID == "":
		return fmt.Errorf("%w: empty run id", ErrInvalidEntry)
	case entry.Seq == 0:
		return fmt.Errorf("%w: sequence numbers start at 1", ErrInvalidEntry)
	case entry.Kind == "":
		return fmt.Errorf("%w: empty kind", ErrInvalidEntry)
	case entry.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidEntry)
	}
	return nil
}

// settle decides the outcome of an append that found entry.Seq occupied by
// existing.
func settle(entry, existing api.Entry, head uint64) (uint64, error) {
	if existing.IdempotencyKey == entry.IdempotencyKey {
		return entry.Seq, nil
	}
	return 0, conflict(entry, head)
}

// Head returns the last sequence number of runID, zero for an empty run.
func Head(ctx context.Context, log Log, runID string) (uint64, error) {
	entries, err := log.ReadFrom(ctx, runID, 1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Seq, nil
}
