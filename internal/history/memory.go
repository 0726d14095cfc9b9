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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*Memory)(nil)

// Memory keeps the log in process memory. It is meant for tests and
// single-process demos; nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	runs map[string][]api.Entry
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]api.Entry)}
}

func (m *Memory) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if err := validate(entry); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.runs[entry.RunID]
	head := uint64(len(entries))
	if entry.Seq <= head {
		return settle(entry, entries[entry.Seq-1], head)
	}
	if entry.Seq != head+1 {
		return 0, conflict(entry, head)
	}

	m.runs[entry.RunID] = append(entries, entry)
	return entry.Seq, nil
}

func (m *Memory) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if from == 0 {
		from = 1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.runs[runID]
	if from > uint64(len(entries)) {
		return nil, nil
	}
	out := make([]api.Entry, len(entries)-int(from-1))
	copy(out, entries[from-1:])
	return out, nil
}

func (m *Memory) Runs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }
