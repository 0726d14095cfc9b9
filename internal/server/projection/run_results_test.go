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

package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	data     map[string][]byte
}

func (s *flakyStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("bucket unavailable")
	}
	s.data[key] = value
	return nil
}

func (s *flakyStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func TestRunResultsRetriesAndWrites(t *testing.T) {
	store := &flakyStore{failures: 2, data: map[string][]byte{}}
	conv := &serde.JsonSerde{}
	p := NewRunResults(store, conv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Record(api.RunStatus{RunID: "r1", Workflow: "wf", Status: api.StatusSucceeded, Result: []byte(`"ok"`)})

	var raw []byte
	require.Eventually(t, func() bool {
		var ok bool
		raw, ok = store.get("r1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	var got api.RunStatus
	require.NoError(t, conv.DeserializeBinary(raw, &got))
	assert.Equal(t, api.StatusSucceeded, got.Status)
	assert.Equal(t, `"ok"`, string(got.Result))

	cancel()
	require.NoError(t, <-done)
}

func TestRunResultsFlushesOnShutdown(t *testing.T) {
	store := &flakyStore{data: map[string][]byte{}}
	p := NewRunResults(store, &serde.JsonSerde{}, nil)

	p.Record(api.RunStatus{RunID: "a", Status: api.StatusFailed, Error: &api.Failure{Kind: api.FailureCanceled}})
	p.Record(api.RunStatus{RunID: "b", Status: api.StatusSucceeded})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	_, okA := store.get("a")
	_, okB := store.get("b")
	assert.True(t, okA)
	assert.True(t, okB)
}
