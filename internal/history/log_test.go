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

package history_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/history"
)

type logFactory func(t *testing.T) history.Log

func backends(t *testing.T) map[string]logFactory {
	t.Helper()

	set := map[string]logFactory{
		"memory": func(t *testing.T) history.Log {
			return history.NewMemory()
		},
		"sqlite": func(t *testing.T) history.Log {
			l, err := history.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			return l
		},
		"pebble": func(t *testing.T) history.Log {
			l, err := history.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
			require.NoError(t, err)
			return l
		},
	}

	if dsn := os.Getenv("SAHALE_TEST_POSTGRES_DSN"); dsn != "" {
		set["postgres"] = func(t *testing.T) history.Log {
			l, err := history.OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			return l
		}
	}
	if addr := os.Getenv("SAHALE_TEST_REDIS_ADDR"); addr != "" {
		set["redis"] = func(t *testing.T) history.Log {
			l, err := history.OpenRedis(context.Background(), &redis.Options{Addr: addr}, "sahale-test:")
			require.NoError(t, err)
			return l
		}
	}
	if url := os.Getenv("SAHALE_TEST_NATS_URL"); url != "" {
		set["nats"] = func(t *testing.T) history.Log {
			nc, err := nats.Connect(url)
			require.NoError(t, err)
			t.Cleanup(nc.Close)
			js, err := jetstream.New(nc)
			require.NoError(t, err)
			l, err := history.NewNATS(context.Background(), js)
			require.NoError(t, err)
			return l
		}
	}
	return set
}

func newRunID(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}

func entry(t *testing.T, runID string, seq uint64, kind api.EntryKind, payload any) api.Entry {
	t.Helper()
	e, err := api.NewEntry(&serde.JsonSerde{}, runID, seq, kind, payload)
	require.NoError(t, err)
	return e
}

func started(t *testing.T, runID string) api.Entry {
	return entry(t, runID, 1, api.KindRunStarted, api.RunStarted{Workflow: "wf", Input: []byte(`"in"`)})
}

func scheduled(t *testing.T, runID string, seq uint64, decision int, name string) api.Entry {
	return entry(t, runID, seq, api.KindActivityScheduled, api.ActivityScheduled{DecisionID: decision, Activity: name})
}

func TestLogConformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("append and read in order", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()
				run := newRunID(t)

				for i, e := range []api.Entry{
					started(t, run),
					scheduled(t, run, 2, 1, "a"),
					scheduled(t, run, 3, 2, "b"),
				} {
					seq, err := l.Append(ctx, e)
					require.NoError(t, err)
					assert.Equal(t, uint64(i+1), seq)
				}

				all, err := l.ReadFrom(ctx, run, 1)
				require.NoError(t, err)
				require.Len(t, all, 3)
				for i, e := range all {
					assert.Equal(t, uint64(i+1), e.Seq)
					assert.Equal(t, run, e.RunID)
				}
				assert.Equal(t, api.KindRunStarted, all[0].Kind)

				var payload api.ActivityScheduled
				require.NoError(t, all[2].Decode(&serde.JsonSerde{}, &payload))
				assert.Equal(t, "b", payload.Activity)
				assert.Equal(t, 2, payload.DecisionID)

				tail, err := l.ReadFrom(ctx, run, 3)
				require.NoError(t, err)
				require.Len(t, tail, 1)
				assert.Equal(t, uint64(3), tail[0].Seq)

				past, err := l.ReadFrom(ctx, run, 4)
				require.NoError(t, err)
				assert.Empty(t, past)

				head, err := history.Head(ctx, l, run)
				require.NoError(t, err)
				assert.Equal(t, uint64(3), head)
			})

			t.Run("unknown run is empty", func(t *testing.T) {
				l := open(t)
				defer l.Close()

				entries, err := l.ReadFrom(context.Background(), newRunID(t), 1)
				require.NoError(t, err)
				assert.Empty(t, entries)
			})

			t.Run("identical re-append is a no-op", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()
				run := newRunID(t)

				first := started(t, run)
				_, err := l.Append(ctx, first)
				require.NoError(t, err)
				_, err = l.Append(ctx, scheduled(t, run, 2, 1, "a"))
				require.NoError(t, err)

				seq, err := l.Append(ctx, first)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), seq)

				all, err := l.ReadFrom(ctx, run, 1)
				require.NoError(t, err)
				assert.Len(t, all, 2)
			})

			t.Run("different entry at taken seq conflicts", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()
				run := newRunID(t)

				_, err := l.Append(ctx, started(t, run))
				require.NoError(t, err)
				_, err = l.Append(ctx, scheduled(t, run, 2, 1, "a"))
				require.NoError(t, err)

				_, err = l.Append(ctx, scheduled(t, run, 2, 1, "other"))
				require.Error(t, err)
				assert.ErrorIs(t, err, history.ErrLogConflict)

				var ce *history.ConflictError
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, uint64(2), ce.Head)
				assert.Equal(t, uint64(2), ce.Seq)
			})

			t.Run("gap conflicts", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()
				run := newRunID(t)

				_, err := l.Append(ctx, started(t, run))
				require.NoError(t, err)

				_, err = l.Append(ctx, scheduled(t, run, 3, 1, "a"))
				require.ErrorIs(t, err, history.ErrLogConflict)

				var ce *history.ConflictError
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, uint64(1), ce.Head)

				all, err := l.ReadFrom(ctx, run, 1)
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("invalid entries are rejected", func(t *testing.T) {
				l := open(t)
				defer l.Close()

				e := started(t, newRunID(t))
				e.Seq = 0
				_, err := l.Append(context.Background(), e)
				assert.ErrorIs(t, err, history.ErrInvalidEntry)

				e = started(t, "")
				_, err = l.Append(context.Background(), e)
				assert.ErrorIs(t, err, history.ErrInvalidEntry)
			})

			t.Run("concurrent appenders", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()
				run := newRunID(t)

				_, err := l.Append(ctx, started(t, run))
				require.NoError(t, err)

				const racers = 8
				var (
					wg        sync.WaitGroup
					mu        sync.Mutex
					winners   []string
					conflicts int
				)
				for i := range racers {
					name := string(rune('a' + i))
					e := scheduled(t, run, 2, 1, name)
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := l.Append(ctx, e)
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							winners = append(winners, name)
						case errors.Is(err, history.ErrLogConflict):
							conflicts++
						default:
							t.Errorf("unexpected append error: %v", err)
						}
					}()
				}
				wg.Wait()

				require.Len(t, winners, 1)
				assert.Equal(t, racers-1, conflicts)

				all, err := l.ReadFrom(ctx, run, 2)
				require.NoError(t, err)
				require.Len(t, all, 1)

				var payload api.ActivityScheduled
				require.NoError(t, all[0].Decode(&serde.JsonSerde{}, &payload))
				assert.Equal(t, winners[0], payload.Activity)
			})

			t.Run("runs lists every run", func(t *testing.T) {
				l := open(t)
				defer l.Close()
				ctx := context.Background()

				a, b := newRunID(t), newRunID(t)
				for _, run := range []string{a, b} {
					_, err := l.Append(ctx, started(t, run))
					require.NoError(t, err)
				}

				runs, err := l.Runs(ctx)
				require.NoError(t, err)
				assert.Subset(t, runs, []string{a, b})
			})
		})
	}
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := &history.ConflictError{RunID: "r", Seq: 4, Head: 2}

	assert.ErrorIs(t, err, history.ErrLogConflict)
	assert.ErrorIs(t, err, api.ErrLogConflict)
	assert.Contains(t, err.Error(), "seq 4")
	assert.Contains(t, err.Error(), "head 2")
}

func TestPebbleRejectsSeparatorInRunID(t *testing.T) {
	l, err := history.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	_, err = l.Append(ctx, started(t, "a/x"))
	assert.ErrorIs(t, err, history.ErrInvalidEntry)

	_, err = l.Append(ctx, started(t, "a"))
	require.NoError(t, err)
	all, err := l.ReadFrom(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
