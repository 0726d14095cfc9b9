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

// Package invoker runs activities. One Invoke call covers every attempt of a
// single scheduled activity: per-attempt timeout, retry with capped
// exponential backoff and jitter, and classification of the final outcome.
//
// Attempts are not logged individually. Only the outcome, with its attempt
// count, is handed back for the execution log.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/pkg/activity"
)

type OutcomeKind int

const (
	Completed OutcomeKind = iota + 1
	Failed
	TimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Outcome is the classified result of an invocation. Exactly one of Result
// and Failure is meaningful, depending on Kind.
type Outcome struct {
	Kind     OutcomeKind
	Result   []byte
	Failure  *api.Failure
	Attempts int
	// Err is the last attempt error, kept for logging.
	Err error
}

// Attempt is one execution of an activity handler.
type Attempt struct {
	RunID     string
	Activity  string
	Input     []byte
	Attempt   int
	StartedAt time.Time
	Outcome   OutcomeKind
}

// Observer receives attempt level events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ActivityAttempt(name string, attempt int, err error)
	ActivityFinished(name string, kind OutcomeKind, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ActivityAttempt(string, int, error)                  {}
func (nopObserver) ActivityFinished(string, OutcomeKind, time.Duration) {}

// timeoutError is returned for an attempt that outlived its timeout.
type timeoutError struct {
	activity string
	timeout  time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("activity %q attempt exceeded %s", e.activity, e.timeout)
}

func (e *timeoutError) Is(target error) bool { return target == api.ErrActivityTimedOut }

type Invoker struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	conv       serde.BinarySerde
	policy     *activity.RetryPolicy
	logger     *slog.Logger
	observer   Observer
	timer      retry.Timer
	now        func() time.Time
}

type Option func(*Invoker)

func WithDispatcher(d Dispatcher) Option {
	return func(i *Invoker) { i.dispatcher = d }
}

func WithSerde(conv serde.BinarySerde) Option {
	return func(i *Invoker) { i.conv = conv }
}

// WithRetryPolicy sets the policy used by activities registered without one.
func WithRetryPolicy(p *activity.RetryPolicy) Option {
	return func(i *Invoker) { i.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

func WithObserver(o Observer) Option {
	return func(i *Invoker) {
		if o != nil {
			i.observer = o
		}
	}
}

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(t retry.Timer) Option {
	return func(i *Invoker) { i.timer = t }
}

func WithClock(now func() time.Time) Option {
	return func(i *Invoker) { i.now = now }
}

func New(reg *registry.Registry, opts ...Option) *Invoker {
	i := &Invoker{
		registry: reg,
		conv:     &serde.JsonSerde{},
		policy:   activity.DefaultRetryPolicy(),
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.dispatcher == nil {
		i.dispatcher = NewLocalDispatcher(i.conv)
	}
	return i
}

type runKey struct{}

// WithRunID tags ctx with the run an invocation belongs to. Handlers see it
// in activity.Info.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Invoke runs the named activity to a final outcome. It never returns a
// bare error: lookup failures, exhausted retries and cancellation are all
// reported as a Failed or TimedOut outcome.
func (i *Invoker) Invoke(ctx context.Context, name string, input []byte) Outcome {
	act, err := i.registry.Lookup(name)
	if err != nil {
		i.logger.Warn("activity not registered", "activity", name)
		return Outcome{
			Kind: Failed,
			Failure: &api.Failure{
				Kind:     api.FailureUnknownActivity,
				Message:  err.Error(),
				Activity: name,
			},
			Err: err,
		}
	}

	opts := act.Options.WithDefaults(i.policy)
	policy := opts.RetryPolicy
	logger := i.logger.With("activity", name, "run_id", runIDFrom(ctx))

	var (
		attempts int
		start    = i.now()
	)
	retryable := func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var te *timeoutError
		if errors.As(err, &te) {
			return !opts.NonIdempotent
		}
		return activity.IsRetryable(err)
	}

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaximumAttempts)),
		retry.Delay(policy.InitialInterval),
		retry.MaxDelay(policy.MaximumInterval),
		retry.DelayType(backoffDelay(policy)),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("activity attempt failed", "attempt", n+1, "error", err)
		}),
	}
	if policy.Jitter > 0 {
		retryOpts = append(retryOpts,
			retry.MaxJitter(policy.Jitter),
			retry.DelayType(retry.CombineDelay(backoffDelay(policy), retry.RandomDelay)),
		)
	}
	if i.timer != nil {
		retryOpts = append(retryOpts, retry.WithTimer(i.timer))
	}

	result, err := retry.DoWithData(func() ([]byte, error) {
		attempts++
		data, err := i.attempt(ctx, act, input, attempts, opts.StartToCloseTimeout)
		i.observer.ActivityAttempt(name, attempts, err)
		return data, err
	}, retryOpts...)

	out := i.classify(ctx, name, result, err, attempts, retryable)
	i.observer.ActivityFinished(name, out.Kind, i.now().Sub(start))
	if out.Kind == Completed {
		logger.Debug("activity completed", "attempts", attempts)
	} else {
		logger.Warn("activity failed", "attempts", attempts, "kind", out.Failure.Kind, "error", out.Err)
	}
	return out
}

func (i *Invoker) classify(ctx context.Context, name string, result []byte, err error, attempts int, retryable func(error) bool) Outcome {
	if err == nil {
		return Outcome{Kind: Completed, Result: result, Attempts: attempts}
	}

	out := Outcome{Kind: Failed, Attempts: attempts, Err: err}
	var te *timeoutError
	timedOut := errors.As(err, &te)
	if timedOut {
		out.Kind = TimedOut
	}

	switch {
	case ctx.Err() != nil:
		out.Failure = &api.Failure{Kind: api.FailureCanceled, Message: ctx.Err().Error(), Activity: name}
	case retryable(err):
		out.Failure = &api.Failure{
			Kind:     api.FailureActivityExhausted,
			Message:  fmt.Sprintf("gave up after %d attempts: %v", attempts, err),
			Activity: name,
		}
	case timedOut:
		out.Failure = &api.Failure{Kind: api.FailureActivityTimedOut, Message: err.Error(), Activity: name}
	default:
		out.Failure = activity.ToFailure(name, err)
		out.Failure.Retryable = false
	}
	return out
}

// attempt runs one execution under its own timeout. The handler runs in a
// goroutine so a handler that ignores its context cannot hold the caller
// past the deadline.
func (i *Invoker) attempt(ctx context.Context, act registry.Activity, input []byte, n int, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actx = activity.WithInfo(actx, activity.Info{
		RunID:     runIDFrom(ctx),
		Activity:  act.Name,
		Attempt:   n,
		StartedAt: i.now(),
	})

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: activity.NonRetryable(fmt.Errorf("activity %q panicked: %v", act.Name, r))}
			}
		}()
		data, err := i.dispatcher.Dispatch(actx, act, input)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, &timeoutError{activity: act.Name, timeout: timeout}
		}
		return r.data, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &timeoutError{activity: act.Name, timeout: timeout}
	}
}

// backoffDelay follows the policy's coefficient instead of retry-go's fixed
// doubling.
func backoffDelay(p *activity.RetryPolicy) retry.DelayTypeFunc {
	return func(n uint, _ error, _ *retry.Config) time.Duration {
		return p.CalculateNextDelay(int64(n))
	}
}
