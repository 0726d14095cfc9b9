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

package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*Pebble)(nil)

var (
	entryKeyPrefix = []byte("h/")
	headKeyPrefix  = []byte("v/")
)

const uint64Size = 8

// pebbleEntry is the stored value. RunID and Seq live in the key.
type pebbleEntry struct {
	Kind           api.EntryKind `json:"kind"`
	Payload        []byte        `json:"payload"`
	IdempotencyKey string        `json:"idempotency_key"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// Pebble stores the log in an embedded Pebble database.
//
// Key layout:
//
//	h/{runID}/{seq, 8 bytes big endian} -> entry
//	v/{runID}                           -> head seq
//
// A process-local mutex makes the read-head-then-write sequence atomic, so
// the directory must not be shared between processes.
type Pebble struct {
	db    *pebble.DB
	mu    sync.Mutex
	owned bool
}

// OpenPebble opens the database in dir. Pass options with a vfs.NewMem()
// filesystem for an in-memory instance.
func OpenPebble(dir string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", dir, err)
	}
	return &Pebble{db: db, owned: true}, nil
}

func NewPebble(db *pebble.DB) *Pebble {
	return &Pebble{db: db}
}

func (p *Pebble) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if err := validate(entry); err != nil {
		return 0, err
	}
	if strings.Contains(entry.RunID, "/") {
		return 0, fmt.Errorf("%w: run id %q must not contain '/'", ErrInvalidEntry, entry.RunID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.head(entry.RunID)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if entry.Seq <= head {
		existing, err := p.readAt(entry.RunID, entry.Seq)
		if err != nil {
			return 0, fmt.Errorf("append: %w", err)
		}
		return settle(entry, existing, head)
	}
	if entry.Seq != head+1 {
		return 0, conflict(entry, head)
	}

	value, err := json.Marshal(pebbleEntry{
		Kind:           entry.Kind,
		Payload:        entry.Payload,
		IdempotencyKey: entry.IdempotencyKey,
		RecordedAt:     entry.RecordedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("append: marshal entry: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(entryKey(entry.RunID, entry.Seq), value, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("append: batch entry: %w", err)
	}
	if err := batch.Set(headKey(entry.RunID), encodeUint64(entry.Seq), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("append: batch head: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("append: commit: %w", err)
	}
	return entry.Seq, nil
}

func (p *Pebble) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	if from == 0 {
		from = 1
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(runID, from),
		UpperBound: prefixEnd(entryPrefix(runID)),
	})
	if err != nil {
		return nil, fmt.Errorf("read: create iterator: %w", err)
	}
	defer iter.Close()

	var entries []api.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-uint64Size:])

		e, err := decodePebbleEntry(runID, seq, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("read: iterator: %w", err)
	}
	return entries, nil
}

func (p *Pebble) Runs(ctx context.Context) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: headKeyPrefix,
		UpperBound: prefixEnd(headKeyPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("runs: create iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(bytes.TrimPrefix(iter.Key(), headKeyPrefix)))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("runs: iterator: %w", err)
	}
	return ids, nil
}

func (p *Pebble) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}

func (p *Pebble) head(runID string) (uint64, error) {
	value, closer, err := p.db.Get(headKey(runID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get head: %w", err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), nil
}

func (p *Pebble) readAt(runID string, seq uint64) (api.Entry, error) {
	value, closer, err := p.db.Get(entryKey(runID, seq))
	if err != nil {
		return api.Entry{}, fmt.Errorf("get seq %d: %w", seq, err)
	}
	defer closer.Close()
	return decodePebbleEntry(runID, seq, value)
}

func decodePebbleEntry(runID string, seq uint64, value []byte) (api.Entry, error) {
	var stored pebbleEntry
	if err := json.Unmarshal(value, &stored); err != nil {
		return api.Entry{}, fmt.Errorf("unmarshal seq %d: %w", seq, err)
	}
	return api.Entry{
		RunID:          runID,
		Seq:            seq,
		Kind:           stored.Kind,
		Payload:        stored.Payload,
		IdempotencyKey: stored.IdempotencyKey,
		RecordedAt:     stored.RecordedAt,
	}, nil
}

func entryPrefix(runID string) []byte {
	key := make([]byte, 0, len(entryKeyPrefix)+len(runID)+1)
	key = append(key, entryKeyPrefix...)
	key = append(key, runID...)
	return append(key, '/')
}

func entryKey(runID string, seq uint64) []byte {
	return append(entryPrefix(runID), encodeUint64(seq)...)
}

func headKey(runID string) []byte {
	key := make([]byte, 0, len(headKeyPrefix)+len(runID))
	key = append(key, headKeyPrefix...)
	return append(key, runID...)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, uint64Size)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
