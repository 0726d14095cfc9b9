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

// Package engine is the orchestration runtime driver. It starts runs,
// answers status queries, cancels, and runs the workers that evaluate runs
// whenever their wake queue says so.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/registry"
	"github.com/ngnhng/sahale/internal/scheduler"
	"github.com/ngnhng/sahale/internal/timer"
	"github.com/ngnhng/sahale/pkg/activity"
)

// Observer receives run level events on top of the invoker's attempt
// events.
type Observer interface {
	invoker.Observer
	RunStarted(workflow string)
	RunFinished(workflow string, status api.Status, d time.Duration)
	Evaluated(d time.Duration, err error)
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Started  int64 `json:"started"`
	Active   int   `json:"active"`
	Awaiting int   `json:"awaiting"`
	InFlight int   `json:"in_flight"`
}

type Engine struct {
	log       history.Log
	registry  *registry.Registry
	conv      serde.BinarySerde
	invoker   *invoker.Invoker
	timers    *timer.Service
	scheduler *scheduler.Scheduler
	queue     WakeQueue
	workers   int
	logger    *slog.Logger
	wflogger  *slog.Logger
	observer  Observer
	now       func() time.Time
	awaitPoll time.Duration

	deliverRetries uint

	dispatcher invoker.Dispatcher
	policy     *activity.RetryPolicy
	afterFunc  func(d time.Duration, f func()) timer.Stopper
	listeners  []func(api.RunStatus)

	started atomic.Int64

	mu      sync.Mutex
	active  map[string]struct{}
	waiters map[string][]chan api.RunStatus
}

type Option func(*Engine)

func WithSerde(conv serde.BinarySerde) Option {
	return func(e *Engine) { e.conv = conv }
}

func WithDispatcher(d invoker.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithRetryPolicy sets the policy for activities registered without one.
func WithRetryPolicy(p *activity.RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithWakeQueue(q WakeQueue) Option {
	return func(e *Engine) { e.queue = q }
}

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWorkflowLogger sets the logger handed to workflow code.
func WithWorkflowLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.wflogger = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAfterFunc replaces time.AfterFunc for durable timers.
func WithAfterFunc(fn func(d time.Duration, f func()) timer.Stopper) Option {
	return func(e *Engine) { e.afterFunc = fn }
}

// WithTerminalListener registers fn to be called with the final status of
// every run this engine ends.
func WithTerminalListener(fn func(api.RunStatus)) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, fn) }
}

// WithAwaitPoll sets how often Await re-reads the log while waiting. Runs
// finished by another process are only seen this way.
func WithAwaitPoll(d time.Duration) Option {
	return func(e *Engine) { e.awaitPoll = d }
}

// WithDeliverRetries bounds the attempts at recording an activity outcome or
// a timer firing. A run whose outcome could not be recorded is woken so the
// work is done again.
func WithDeliverRetries(n uint) Option {
	return func(e *Engine) { e.deliverRetries = n }
}

func New(log history.Log, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		log:       log,
		registry:  reg,
		conv:      &serde.JsonSerde{},
		workers:   4,
		logger:    slog.Default(),
		now:       time.Now,
		awaitPoll: time.Second,
		active:    make(map[string]struct{}),
		waiters:   make(map[string][]chan api.RunStatus),
	}
	for _, o := range opts {
		o(e)
	}
	if e.queue == nil {
		e.queue = NewLocalQueue()
	}

	invOpts := []invoker.Option{
		invoker.WithSerde(e.conv),
		invoker.WithLogger(e.logger),
		invoker.WithClock(e.now),
	}
	if e.dispatcher != nil {
		invOpts = append(invOpts, invoker.WithDispatcher(e.dispatcher))
	}
	if e.policy != nil {
		invOpts = append(invOpts, invoker.WithRetryPolicy(e.policy))
	}
	if e.observer != nil {
		invOpts = append(invOpts, invoker.WithObserver(e.observer))
	}
	e.invoker = invoker.New(reg, invOpts...)

	timerOpts := []timer.Option{timer.WithClock(e.now), timer.WithLogger(e.logger)}
	if e.afterFunc != nil {
		timerOpts = append(timerOpts, timer.WithAfterFunc(e.afterFunc))
	}
	e.timers = timer.New(e.fireTimer, timerOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithSerde(e.conv),
		scheduler.WithLogger(e.logger),
		scheduler.WithClock(e.now),
		scheduler.WithHooks(scheduler.Hooks{Wake: e.wake, Terminal: e.onTerminal}),
	}
	if e.wflogger != nil {
		schedOpts = append(schedOpts, scheduler.WithWorkflowLogger(e.wflogger))
	}
	if e.deliverRetries > 0 {
		schedOpts = append(schedOpts, scheduler.WithDeliverRetries(e.deliverRetries))
	}
	e.scheduler = scheduler.New(log, reg, e.invoker, e.timers, schedOpts...)
	return e
}

// StartRun creates a run of the named workflow and queues its first pass.
// input is encoded with the engine's serde.
func (e *Engine) StartRun(ctx context.Context, workflowName string, input any) (string, error) {
	data, err := e.conv.SerializeBinary(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return e.StartRunRaw(ctx, workflowName, data)
}

// StartRunRaw is StartRun for input that is already encoded.
func (e *Engine) StartRunRaw(ctx context.Context, workflowName string, input []byte) (string, error) {
	if _, err := e.registry.Workflow(workflowName); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	runID := id.String()

	if err := e.scheduler.Start(ctx, runID, workflowName, input); err != nil {
		return "", err
	}
	e.started.Add(1)
	if e.observer != nil {
		e.observer.RunStarted(workflowName)
	}
	e.logger.Info("run started", "run_id", runID, "workflow", workflowName)
	e.setActive(runID, true)

	if err := e.queue.Wake(ctx, runID); err != nil {
		return runID, fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return runID, nil
}

func (e *Engine) GetStatus(ctx context.Context, runID string) (api.RunStatus, error) {
	st, err := e.scheduler.State(ctx, runID)
	if err != nil {
		return api.RunStatus{}, err
	}
	return st.Status(), nil
}

// Cancel fails the run with a Canceled failure. Activities already running
// are asked to stop but may still finish; their outcomes are discarded.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "canceled by request"
	}
	return e.scheduler.Terminate(ctx, runID, &api.Failure{Kind: api.FailureCanceled, Message: reason})
}

// History returns the raw execution log of the run.
func (e *Engine) History(ctx context.Context, runID string) ([]api.Entry, error) {
	entries, err := e.log.ReadFrom(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, runID)
	}
	return entries, nil
}

// Await blocks until the run is terminal or ctx is done.
func (e *Engine) Await(ctx context.Context, runID string) (api.RunStatus, error) {
	ch := make(chan api.RunStatus, 1)
	e.mu.Lock()
	e.waiters[runID] = append(e.waiters[runID], ch)
	e.mu.Unlock()
	defer e.dropWaiter(runID, ch)

	ticker := time.NewTicker(e.awaitPoll)
	defer ticker.Stop()
	for {
		status, err := e.GetStatus(ctx, runID)
		if err != nil {
			return api.RunStatus{}, err
		}
		if status.Status.Terminal() {
			return status, nil
		}
		select {
		case status := <-ch:
			return status, nil
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

func (e *Engine) dropWaiter(runID string, ch chan api.RunStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[runID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, runID)
	} else {
		e.waiters[runID] = list
	}
}

// Recover queues a pass for every run that has not ended. The pass
// re-dispatches outstanding activities and re-arms pending timers.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.log.Runs(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: list runs: %w", err)
	}
	n := 0
	for _, runID := range runs {
		st, err := e.scheduler.State(ctx, runID)
		if err != nil {
			e.logger.Error("recover: replay run", "run_id", runID, "error", err)
			continue
		}
		if st.Phase.Terminal() {
			continue
		}
		e.setActive(runID, true)
		if err := e.queue.Wake(ctx, runID); err != nil {
			return n, fmt.Errorf("recover: wake %s: %w", runID, err)
		}
		n++
	}
	e.logger.Info("recovery queued runs", "runs", n, "scanned", len(runs))
	return n, nil
}

// Run consumes the wake queue with the configured number of workers until
// ctx is done. Timers and in-flight invocations are stopped on return.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range e.workers {
		g.Go(func() error {
			return e.queue.Consume(gctx, e.evaluate)
		})
	}
	err := g.Wait()

	e.timers.Stop()
	e.scheduler.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, runID string) error {
	start := e.now()
	st, err := e.scheduler.Evaluate(ctx, runID)
	if e.observer != nil {
		e.observer.Evaluated(e.now().Sub(start), err)
	}
	switch {
	case err == nil:
		if st.Phase.Terminal() {
			e.setActive(runID, false)
		}
		return nil
	case errors.Is(err, api.ErrRunNotFound), errors.Is(err, api.ErrUnknownWorkflow), errors.Is(err, scheduler.ErrCorruptLog):
		e.logger.Error("dropping run", "run_id", runID, "error", err)
		return nil
	default:
		e.logger.Warn("evaluation failed, will retry", "run_id", runID, "error", err)
		return err
	}
}

func (e *Engine) setActive(runID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.active[runID] = struct{}{}
	} else {
		delete(e.active, runID)
	}
}

func (e *Engine) wake(runID string) {
	if err := e.queue.Wake(context.Background(), runID); err != nil {
		e.logger.Error("wake run", "run_id", runID, "error", err)
	}
}

func (e *Engine) fireTimer(ctx context.Context, runID string, decisionID int) {
	err := e.scheduler.FireTimer(ctx, runID, decisionID)
	if err == nil || errors.Is(err, scheduler.ErrOutcomeDiscarded) {
		return
	}
	// The timer is disarmed by now. The next pass arms it again and, its
	// deadline being past, it fires right away.
	e.logger.Error("fire timer", "run_id", runID, "decision", decisionID, "error", err)
	e.wake(runID)
}

func (e *Engine) onTerminal(st *scheduler.RunState) {
	status := st.Status()

	e.mu.Lock()
	delete(e.active, st.RunID)
	waiters := e.waiters[st.RunID]
	delete(e.waiters, st.RunID)
	e.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- status:
		default:
		}
	}
	if e.observer != nil {
		e.observer.RunFinished(st.Workflow, status.Status, st.EndedAt.Sub(st.StartedAt))
	}
	for _, fn := range e.listeners {
		fn(status)
	}
}

// Stats reports counters for the health endpoint.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	awaiting := 0
	for _, list := range e.waiters {
		awaiting += len(list)
	}
	return Stats{
		Started:  e.started.Load(),
		Active:   len(e.active),
		Awaiting: awaiting,
		InFlight: e.scheduler.InFlight(),
	}
}

// Scheduler exposes the underlying scheduler, mainly for tests and tools.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
