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

package activity

import (
	"math"
	"time"
)

const (
	DefaultStartToCloseTimeout = 30 * time.Second
	DefaultInitialInterval     = time.Second
	DefaultBackoffCoefficient  = 2.0
	DefaultMaximumInterval     = 30 * time.Second
	DefaultMaximumAttempts     = 3
	DefaultJitter              = 250 * time.Millisecond
)

type (
	// Options is the contract an activity is registered with.
	Options struct {
		// StartToCloseTimeout is the maximum time of a single attempt.
		StartToCloseTimeout time.Duration

		// NonIdempotent marks activities whose side effects must not be
		// repeated blindly. A timed out attempt of such an activity is
		// escalated to the workflow instead of retried.
		NonIdempotent bool

		RetryPolicy *RetryPolicy
	}

	RetryPolicy struct {
		// Backoff interval for the first retry. If BackoffCoefficient is 1.0 then it is used for all retries.
		// If not set or set to 0, a default interval of 1s will be used.
		InitialInterval time.Duration

		// Coefficient used to calculate the next retry backoff interval.
		// The next retry interval is previous interval multiplied by this coefficient.
		// Must be 1 or larger. Default is 2.0.
		BackoffCoefficient float64

		// Maximum backoff interval between retries. Default is 30s.
		MaximumInterval time.Duration

		// Upper bound of the random jitter added to every delay.
		Jitter time.Duration

		// Maximum number of attempts, the first one included. Values below 1
		// fall back to the default.
		MaximumAttempts int32
	}
)

// DefaultRetryPolicy returns a fresh copy of the built-in policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    DefaultInitialInterval,
		BackoffCoefficient: DefaultBackoffCoefficient,
		MaximumInterval:    DefaultMaximumInterval,
		Jitter:             DefaultJitter,
		MaximumAttempts:    DefaultMaximumAttempts,
	}
}

// WithDefaults fills every unset field of o, using fallback for the retry
// policy when o carries none.
func (o Options) WithDefaults(fallback *RetryPolicy) Options {
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = DefaultStartToCloseTimeout
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = fallback
	}
	o.RetryPolicy = o.RetryPolicy.normalized()
	return o
}

func (r *RetryPolicy) normalized() *RetryPolicy {
	p := DefaultRetryPolicy()
	if r == nil {
		return p
	}
	out := *r
	if out.InitialInterval <= 0 {
		out.InitialInterval = p.InitialInterval
	}
	if out.BackoffCoefficient < 1 {
		out.BackoffCoefficient = p.BackoffCoefficient
	}
	if out.MaximumInterval <= 0 {
		out.MaximumInterval = p.MaximumInterval
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.MaximumAttempts < 1 {
		out.MaximumAttempts = p.MaximumAttempts
	}
	return &out
}

// CalculateNextDelay returns the backoff before retry number attempt
// (1-based), without jitter and capped at MaximumInterval.
func (r *RetryPolicy) CalculateNextDelay(attempt int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	nextDelay := float64(r.InitialInterval) * math.Pow(r.BackoffCoefficient, float64(attempt)-1)
	if r.MaximumInterval > 0 && nextDelay > float64(r.MaximumInterval) {
		return r.MaximumInterval
	}
	return time.Duration(nextDelay)
}

// Equal reports whether two contracts are the same.
func (o Options) Equal(other Options) bool {
	if o.StartToCloseTimeout != other.StartToCloseTimeout || o.NonIdempotent != other.NonIdempotent {
		return false
	}
	switch {
	case o.RetryPolicy == nil && other.RetryPolicy == nil:
		return true
	case o.RetryPolicy == nil || other.RetryPolicy == nil:
		return false
	}
	return *o.RetryPolicy == *other.RetryPolicy
}
