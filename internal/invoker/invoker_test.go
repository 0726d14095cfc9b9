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

package invoker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/pkg/activity"
)

// recordingTimer fires at once and remembers every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *recordingTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *recordingTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

type countingObserver struct {
	attempts atomic.Int32
	finished atomic.Int32
	lastKind atomic.Int32
}

func (o *countingObserver) ActivityAttempt(string, int, error) { o.attempts.Add(1) }

func (o *countingObserver) ActivityFinished(_ string, kind invoker.OutcomeKind, _ time.Duration) {
	o.finished.Add(1)
	o.lastKind.Store(int32(kind))
}

func testPolicy(attempts int32) *activity.RetryPolicy {
	return &activity.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    attempts,
	}
}

func newInvoker(t *testing.T, reg *registry.Registry, timer *recordingTimer, opts ...invoker.Option) *invoker.Invoker {
	t.Helper()
	return invoker.New(reg, append([]invoker.Option{
		invoker.WithTimer(timer),
		invoker.WithRetryPolicy(testPolicy(3)),
	}, opts...)...)
}

func TestInvokeCompletes(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("echo", func(ctx context.Context, in string) (string, error) {
		return "echo:" + in, nil
	}, activity.Options{}))

	inv := newInvoker(t, reg, &recordingTimer{})
	out := inv.Invoke(context.Background(), "echo", []byte(`"hi"`))

	require.Equal(t, invoker.Completed, out.Kind)
	assert.JSONEq(t, `"echo:hi"`, string(out.Result))
	assert.Equal(t, 1, out.Attempts)
	assert.Nil(t, out.Failure)
}

func TestInvokeRetriesIdempotentActivity(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.Register("flaky", func(ctx context.Context, in string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	}, activity.Options{}))

	timer := &recordingTimer{}
	obs := &countingObserver{}
	inv := newInvoker(t, reg, timer, invoker.WithObserver(obs))
	out := inv.Invoke(context.Background(), "flaky", []byte(`"x"`))

	require.Equal(t, invoker.Completed, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Delays())
	assert.Equal(t, int32(3), obs.attempts.Load())
	assert.Equal(t, int32(1), obs.finished.Load())
	assert.Equal(t, int32(invoker.Completed), obs.lastKind.Load())
}

func TestInvokeBackoffIsCapped(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("down", func(ctx context.Context, in string) (string, error) {
		return "", errors.New("unavailable")
	}, activity.Options{RetryPolicy: &activity.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaximumInterval:    3 * time.Second,
		MaximumAttempts:    5,
	}}))

	timer := &recordingTimer{}
	out := newInvoker(t, reg, timer).Invoke(context.Background(), "down", []byte(`"x"`))

	require.Equal(t, invoker.Failed, out.Kind)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, timer.Delays())
}

func TestInvokeClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int
		wantKind     api.FailureKind
		wantIs       error
	}{
		{
			name:         "non-retryable stops at once",
			err:          activity.NonRetryable(errors.New("job failed")),
			wantAttempts: 1,
			wantKind:     api.FailureActivityFailed,
			wantIs:       api.ErrActivityFailed,
		},
		{
			name:         "retryable exhausts",
			err:          errors.New("timeout talking to backend"),
			wantAttempts: 3,
			wantKind:     api.FailureActivityExhausted,
			wantIs:       api.ErrActivityExhausted,
		},
		{
			name:         "explicitly retryable exhausts",
			err:          activity.Retryable(errors.New("throttled")),
			wantAttempts: 3,
			wantKind:     api.FailureActivityExhausted,
			wantIs:       api.ErrActivityExhausted,
		},
		{
			name:         "non-retryable failure value is kept",
			err:          &api.Failure{Kind: api.FailureActivityFailed, Message: "bad input"},
			wantAttempts: 1,
			wantKind:     api.FailureActivityFailed,
			wantIs:       api.ErrActivityFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			require.NoError(t, reg.Register("act", func(ctx context.Context, in string) (string, error) {
				return "", tt.err
			}, activity.Options{}))

			out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "act", []byte(`"x"`))

			require.Equal(t, invoker.Failed, out.Kind)
			require.NotNil(t, out.Failure)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, tt.wantKind, out.Failure.Kind)
			assert.Equal(t, "act", out.Failure.Activity)
			assert.False(t, out.Failure.Retryable)
			assert.ErrorIs(t, out.Failure, tt.wantIs)
		})
	}
}

func TestInvokeTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.Register("slow", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}, activity.Options{
		StartToCloseTimeout: 20 * time.Millisecond,
		RetryPolicy:         testPolicy(2),
	}))

	out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "slow", []byte(`"x"`))

	assert.Equal(t, invoker.TimedOut, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, api.FailureActivityExhausted, out.Failure.Kind)
	assert.ErrorIs(t, out.Err, api.ErrActivityTimedOut)
}

func TestInvokeNonIdempotentTimeoutEscalates(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.Register("charge", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}, activity.Options{
		StartToCloseTimeout: 20 * time.Millisecond,
		NonIdempotent:       true,
	}))

	out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "charge", []byte(`"x"`))

	assert.Equal(t, invoker.TimedOut, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureActivityTimedOut, out.Failure.Kind)
	assert.ErrorIs(t, out.Failure, api.ErrActivityTimedOut)
}

func TestInvokeHandlerIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	reg := registry.New()
	require.NoError(t, reg.Register("stuck", func(ctx context.Context, in string) (string, error) {
		<-release
		return "late", nil
	}, activity.Options{
		StartToCloseTimeout: 20 * time.Millisecond,
		NonIdempotent:       true,
	}))

	start := time.Now()
	out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "stuck", []byte(`"x"`))

	assert.Equal(t, invoker.TimedOut, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvokeUnknownActivity(t *testing.T) {
	out := newInvoker(t, registry.New(), &recordingTimer{}).Invoke(context.Background(), "missing", nil)

	require.Equal(t, invoker.Failed, out.Kind)
	assert.Equal(t, api.FailureUnknownActivity, out.Failure.Kind)
	assert.False(t, out.Failure.Retryable)
	assert.ErrorIs(t, out.Err, api.ErrUnknownActivity)
	assert.ErrorIs(t, out.Failure, api.ErrUnknownActivity)
	assert.Zero(t, out.Attempts)
}

func TestInvokeCanceledContext(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("act", func(ctx context.Context, in string) (string, error) {
		return "ok", nil
	}, activity.Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newInvoker(t, reg, &recordingTimer{}).Invoke(ctx, "act", []byte(`"x"`))

	require.Equal(t, invoker.Failed, out.Kind)
	assert.Equal(t, api.FailureCanceled, out.Failure.Kind)
}

func TestInvokePanicIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	reg := registry.New()
	require.NoError(t, reg.Register("boom", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		panic("nil map")
	}, activity.Options{}))

	out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "boom", []byte(`"x"`))

	require.Equal(t, invoker.Failed, out.Kind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out.Failure.Message, "panicked")
}

func TestInvokeExposesAttemptInfo(t *testing.T) {
	var seen []activity.Info
	var mu sync.Mutex
	reg := registry.New()
	require.NoError(t, reg.Register("info", func(ctx context.Context, in string) (string, error) {
		info, ok := activity.GetInfo(ctx)
		require.True(t, ok)
		mu.Lock()
		seen = append(seen, info)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			return "", errors.New("again")
		}
		return "ok", nil
	}, activity.Options{}))

	ctx := invoker.WithRunID(context.Background(), "run-1")
	out := newInvoker(t, reg, &recordingTimer{}).Invoke(ctx, "info", []byte(`"x"`))

	require.Equal(t, invoker.Completed, out.Kind)
	require.Len(t, seen, 2)
	for i, info := range seen {
		assert.Equal(t, "run-1", info.RunID)
		assert.Equal(t, "info", info.Activity)
		assert.Equal(t, i+1, info.Attempt)
	}
}

func TestLocalDispatcherRejectsRemoteActivity(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterRemote("elsewhere", activity.Options{}))

	out := newInvoker(t, reg, &recordingTimer{}).Invoke(context.Background(), "elsewhere", []byte(`"x"`))

	require.Equal(t, invoker.Failed, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, api.FailureActivityFailed, out.Failure.Kind)
}
