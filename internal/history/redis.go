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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngnhng/sahale/api"
)

var _ Log = (*Redis)(nil)

// redisAppendLua appends ARGV[2] to the run list only when ARGV[1] is the
// next position. It answers {status, head, existing}:
//
//	 1: appended
//	 0: position taken, existing holds the stored element
//	-1: gap
const redisAppendLua = `
local head = redis.call('LLEN', KEYS[1])
local seq = tonumber(ARGV[1])
if seq <= head then
	return {0, head, redis.call('LINDEX', KEYS[1], seq - 1)}
end
if seq ~= head + 1 then
	return {-1, head, ''}
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return {1, seq, ''}
`

var redisAppendScript = redis.NewScript(redisAppendLua)

// Redis keeps each run as a list:
//
//	<prefix>history:<runID> => LIST of JSON entries, index seq-1
//	<prefix>idx:runs        => SET of run ids
//
// The append script runs atomically on the server, which is what makes the
// position check and the push one step.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, opts *redis.Options, prefix string) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	r := NewRedis(client, prefix)
	r.owned = true
	return r, nil
}

// NewRedis wraps a client. prefix is optional but recommended (e.g. "sahale:").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "sahale:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) keyHistory(runID string) string { return r.prefix + "history:" + runID }

func (r *Redis) keyRuns() string { return r.prefix + "idx:runs" }

func (r *Redis) Append(ctx context.Context, entry api.Entry) (uint64, error) {
	if err := validate(entry); err != nil {
		return 0, err
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("append: marshal entry: %w", err)
	}

	res, err := redisAppendScript.Run(ctx, r.client,
		[]string{r.keyHistory(entry.RunID), r.keyRuns()},
		entry.Seq, value, entry.RunID,
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("append: eval: %w", err)
	}
	if len(res) != 3 {
		return 0, fmt.Errorf("append: unexpected script reply %v", res)
	}

	status, _ := res[0].(int64)
	head, _ := res[1].(int64)
	switch status {
	case 1:
		return entry.Seq, nil
	case 0:
		raw, _ := res[2].(string)
		var existing api.Entry
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return 0, fmt.Errorf("append: decode existing seq %d: %w", entry.Seq, err)
		}
		return settle(entry, existing, uint64(head))
	default:
		return 0, conflict(entry, uint64(head))
	}
}

func (r *Redis) ReadFrom(ctx context.Context, runID string, from uint64) ([]api.Entry, error) {
	if from == 0 {
		from = 1
	}
	raw, err := r.client.LRange(ctx, r.keyHistory(runID), int64(from-1), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read: lrange: %w", err)
	}

	entries := make([]api.Entry, 0, len(raw))
	for i, item := range raw {
		var e api.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("read: decode seq %d: %w", from+uint64(i), err)
		}
		e.RecordedAt = e.RecordedAt.UTC()
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Redis) Runs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.keyRuns()).Result()
	if err != nil {
		return nil, fmt.Errorf("runs: smembers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

// DefaultRedisTimeout bounds dial and command latency for OpenRedis callers
// that do not set their own.
const DefaultRedisTimeout = 5 * time.Second
