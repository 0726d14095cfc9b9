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

package activity_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/pkg/activity"
)

func TestClassification(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"plain", boom, true},
		{"non-retryable", activity.NonRetryable(boom), false},
		{"wrapped non-retryable", fmt.Errorf("charge: %w", activity.NonRetryable(boom)), false},
		{"retryable", activity.Retryable(boom), true},
		{"failure", &api.Failure{Kind: api.FailureActivityFailed, Message: "x"}, false},
		{"retryable failure", &api.Failure{Kind: api.FailureActivityFailed, Message: "x", Retryable: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, activity.IsRetryable(tt.err))
		})
	}

	assert.NoError(t, activity.NonRetryable(nil))
	assert.ErrorIs(t, activity.NonRetryable(boom), boom)
}

func TestToFailure(t *testing.T) {
	f := activity.ToFailure("charge", activity.NonRetryable(errors.New("card declined")))
	assert.Equal(t, api.FailureActivityFailed, f.Kind)
	assert.Equal(t, "charge", f.Activity)
	assert.Equal(t, "card declined", f.Message)
	assert.False(t, f.Retryable)
	assert.ErrorIs(t, f, api.ErrActivityFailed)

	own := &api.Failure{Kind: api.FailureActivityTimedOut, Message: "slow"}
	got := activity.ToFailure("ship", own)
	assert.Equal(t, api.FailureActivityTimedOut, got.Kind)
	assert.Equal(t, "ship", got.Activity)
	assert.Empty(t, own.Activity, "the original failure is not modified")
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := activity.Options{}.WithDefaults(nil)
	assert.Equal(t, activity.DefaultStartToCloseTimeout, opts.StartToCloseTimeout)
	require.NotNil(t, opts.RetryPolicy)
	assert.Equal(t, *activity.DefaultRetryPolicy(), *opts.RetryPolicy)

	fallback := &activity.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 7}
	opts = activity.Options{StartToCloseTimeout: time.Second}.WithDefaults(fallback)
	assert.Equal(t, time.Second, opts.StartToCloseTimeout)
	assert.Equal(t, time.Millisecond, opts.RetryPolicy.InitialInterval)
	assert.Equal(t, int32(7), opts.RetryPolicy.MaximumAttempts)
	assert.Equal(t, activity.DefaultBackoffCoefficient, opts.RetryPolicy.BackoffCoefficient)
	assert.Equal(t, int32(7), fallback.MaximumAttempts)
	assert.Zero(t, fallback.BackoffCoefficient, "the fallback policy is not modified")
}

func TestCalculateNextDelay(t *testing.T) {
	p := &activity.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second}
	for attempt, want := range map[int64]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second,
	} {
		assert.Equal(t, want, p.CalculateNextDelay(attempt), "attempt %d", attempt)
	}
}
