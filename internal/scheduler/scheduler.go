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

// Package scheduler drives runs forward by replay.
//
// Each evaluation pass reads the run's log, rebuilds its state, and calls the
// workflow function from the top against that state. Steps already in the log
// return their recorded outcome. The first new step is buffered as a decision
// and the pass suspends at the first unresolved future. Buffered decisions are
// committed with conditional appends, then outstanding activities go to the
// invoker and timers to the timer service. Their outcomes are appended later
// and wake the run for the next pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/internal/history"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/registry"
)

// ErrOutcomeDiscarded is returned by Deliver when the outcome is late: the
// run is terminal or the decision already has an outcome.
var ErrOutcomeDiscarded = errors.New("scheduler: outcome discarded")

type Invoker interface {
	Invoke(ctx context.Context, name string, input []byte) invoker.Outcome
}

type Timers interface {
	Schedule(runID string, decisionID int, fireAt time.Time)
	CancelRun(runID string)
}

// Hooks connect the scheduler to its driver.
type Hooks struct {
	// Wake is called after an outcome was appended; the run needs a pass.
	Wake func(runID string)
	// Terminal is called after this process committed a terminal entry.
	Terminal func(state *RunState)
}

type inflightKey struct {
	runID      string
	decisionID int
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

type Scheduler struct {
	log      history.Log
	registry *registry.Registry
	invoker  Invoker
	timers   Timers
	conv     serde.BinarySerde
	hooks    Hooks
	logger   *slog.Logger
	wflogger *slog.Logger
	now      func() time.Time

	conflictAttempts uint
	deliverAttempts  uint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[inflightKey]context.CancelFunc

	locksMu sync.Mutex
	locks   map[string]*runLock
}

type Option func(*Scheduler)

func WithSerde(conv serde.BinarySerde) Option {
	return func(s *Scheduler) { s.conv = conv }
}

func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWorkflowLogger sets the logger workflow code gets from its context.
// It defaults to the scheduler's own logger.
func WithWorkflowLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.wflogger = l }
}

// WithClock sets the clock used to compute timer deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithConflictRetries bounds how often a pass is re-run after losing an
// append race.
func WithConflictRetries(n uint) Option {
	return func(s *Scheduler) { s.conflictAttempts = n }
}

// WithDeliverRetries bounds how often appending an outcome is retried on
// conflicts and log errors before Deliver gives up.
func WithDeliverRetries(n uint) Option {
	return func(s *Scheduler) { s.deliverAttempts = n }
}

func New(log history.Log, reg *registry.Registry, inv Invoker, timers Timers, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:              log,
		registry:         reg,
		invoker:          inv,
		timers:           timers,
		conv:             &serde.JsonSerde{},
		logger:           slog.Default(),
		now:              time.Now,
		conflictAttempts: 10,
		deliverAttempts:  8,
		ctx:              ctx,
		cancel:           cancel,
		inflight:         make(map[inflightKey]context.CancelFunc),
		locks:            make(map[string]*runLock),
	}
	for _, o := range opts {
		o(s)
	}
	if s.wflogger == nil {
		s.wflogger = s.logger
	}
	// retry-go treats zero attempts as unlimited.
	s.deliverAttempts = max(s.deliverAttempts, 1)
	return s
}

// Start writes the RunStarted entry of a new run.
func (s *Scheduler) Start(ctx context.Context, runID, workflowName string, input []byte) error {
	if _, err := s.registry.Workflow(workflowName); err != nil {
		return err
	}
	e, err := api.NewEntry(s.conv, runID, 1, api.KindRunStarted, api.RunStarted{Workflow: workflowName, Input: input})
	if err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, e); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// State replays the run's log without evaluating the workflow.
func (s *Scheduler) State(ctx context.Context, runID string) (*RunState, error) {
	return s.load(ctx, runID)
}

// Evaluate runs one pass for runID and commits its decisions. Losing an
// append race re-runs the pass against the fresh log.
func (s *Scheduler) Evaluate(ctx context.Context, runID string) (*RunState, error) {
	unlock := s.lock(runID)
	var (
		state *RunState
		ended bool
	)
	err := s.withConflictRetry(ctx, func() error {
		st, err := s.load(ctx, runID)
		if err != nil {
			return err
		}
		state = st
		if st.Phase.Terminal() {
			return nil
		}
		entries, err := s.execute(st)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, st, entries); err != nil {
			return err
		}
		ended = st.Phase.Terminal()
		return nil
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("evaluate run %s: %w", runID, err)
	}

	switch {
	case ended:
		s.logger.Info("run finished", "run_id", runID, "status", state.Phase)
		s.finish(state)
	case !state.Phase.Terminal():
		s.dispatch(state)
	}
	return state, nil
}

func (s *Scheduler) execute(st *RunState) ([]buffered, error) {
	wf, err := s.registry.Workflow(st.Workflow)
	if err != nil {
		return nil, err
	}
	pass := newPassContext(st, s.conv, s.now, s.wflogger.With("run_id", st.RunID, "workflow", st.Workflow))

	in, err := serde.DecodeValue(s.conv, st.Input, wf.In)
	if err != nil {
		pass.buffer(api.KindRunFailed, api.RunFailed{Failure: &api.Failure{
			Kind:    api.FailureWorkflow,
			Message: fmt.Sprintf("decode workflow input: %v", err),
		}})
		return pass.entries, nil
	}
	s.call(pass, wf, in)
	return pass.entries, nil
}

func (s *Scheduler) call(pass *passContext, wf registry.Workflow, in reflect.Value) {
	defer func() {
		r := recover()
		switch sig := r.(type) {
		case nil, suspended:
		case nondeterministic:
			s.logger.Error("nondeterministic workflow", "run_id", pass.RunID(), "error", sig.failure.Message)
			pass.entries = []buffered{{kind: api.KindRunFailed, payload: api.RunFailed{Failure: sig.failure}}}
		default:
			s.logger.Error("workflow panicked", "run_id", pass.RunID(), "panic", r, "stack", string(debug.Stack()))
			pass.buffer(api.KindRunFailed, api.RunFailed{Failure: &api.Failure{
				Kind:    api.FailurePanic,
				Message: fmt.Sprint(r),
			}})
		}
	}()

	out := wf.Fn.Call([]reflect.Value{reflect.ValueOf(pass), in})
	if errv := out[1]; !errv.IsNil() {
		pass.buffer(api.KindRunFailed, api.RunFailed{
			Failure: api.AsFailure(errv.Interface().(error), api.FailureWorkflow),
		})
		return
	}
	data, err := s.conv.SerializeBinary(out[0].Interface())
	if err != nil {
		pass.buffer(api.KindRunFailed, api.RunFailed{Failure: &api.Failure{
			Kind:    api.FailureWorkflow,
			Message: fmt.Sprintf("encode workflow result: %v", err),
		}})
		return
	}
	pass.buffer(api.KindRunSucceeded, api.RunSucceeded{Result: data})
}

func (s *Scheduler) commit(ctx context.Context, st *RunState, entries []buffered) error {
	for _, b := range entries {
		e, err := api.NewEntry(s.conv, st.RunID, st.Cursor+1, b.kind, b.payload)
		if err != nil {
			return err
		}
		if _, err := s.log.Append(ctx, e); err != nil {
			return err
		}
		if err := st.apply(s.conv, e); err != nil {
			return err
		}
	}
	return nil
}

// dispatch hands outstanding work to the invoker and the timer service.
// Both tolerate being asked twice for the same decision.
func (s *Scheduler) dispatch(state *RunState) {
	for _, d := range state.Outstanding(DecisionActivity) {
		if g, ok := state.Decisions[d.GroupID]; ok && g.Resolved {
			continue
		}
		s.launch(state.RunID, d)
	}
	for _, d := range state.Outstanding(DecisionTimer) {
		s.timers.Schedule(state.RunID, d.ID, d.FireAt)
	}
	for _, g := range state.Decisions {
		if g.Kind == DecisionGroup && g.Resolved && g.Failure != nil {
			for _, m := range g.Members {
				s.cancelInflight(state.RunID, m)
			}
		}
	}
}

func (s *Scheduler) launch(runID string, d *Decision) {
	key := inflightKey{runID: runID, decisionID: d.ID}

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight[key] = cancel
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.settled(ctx, runID, d) {
			release()
			return
		}
		out := s.invoker.Invoke(invoker.WithRunID(ctx, runID), d.Activity, d.Input)
		if ctx.Err() != nil {
			// Canceled by us: terminal run, failed group or shutdown. A
			// restart re-dispatches whatever is still outstanding.
			release()
			s.logger.Debug("activity invocation abandoned", "run_id", runID, "decision", d.ID, "activity", d.Activity)
			return
		}
		err := s.RecordActivityOutcome(context.WithoutCancel(ctx), runID, d.ID, out)
		release()
		if err == nil || errors.Is(err, ErrOutcomeDiscarded) {
			return
		}
		// The outcome is lost. The next pass dispatches the decision again.
		s.logger.Error("record activity outcome", "run_id", runID, "decision", d.ID, "error", err)
		if s.ctx.Err() == nil && s.hooks.Wake != nil {
			s.hooks.Wake(runID)
		}
	}()
}

// settled re-reads the run before an invocation. dispatch works from the
// state loaded by its pass, and an outcome may have been appended since.
func (s *Scheduler) settled(ctx context.Context, runID string, d *Decision) bool {
	st, err := s.load(ctx, runID)
	if err != nil {
		s.logger.Warn("re-read run before invoking", "run_id", runID, "decision", d.ID, "error", err)
		return false
	}
	if st.Phase.Terminal() {
		return true
	}
	if cur, ok := st.Decisions[d.ID]; ok && cur.Resolved {
		return true
	}
	g, ok := st.Decisions[d.GroupID]
	return ok && g.Resolved
}

func (s *Scheduler) cancelInflight(runID string, decisionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[inflightKey{runID: runID, decisionID: decisionID}]; ok {
		cancel()
	}
}

func (s *Scheduler) cancelRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.inflight {
		if key.runID == runID {
			cancel()
		}
	}
}

func (s *Scheduler) finish(state *RunState) {
	s.timers.CancelRun(state.RunID)
	s.cancelRun(state.RunID)
	if s.hooks.Terminal != nil {
		s.hooks.Terminal(state)
	}
}

// Deliver appends the entry produced by build at the tail of the run and
// wakes it. build returns false to discard; a terminal run discards too.
//
// Lost races and log errors are retried against a fresh read. The run lock
// is not held between attempts.
func (s *Scheduler) Deliver(ctx context.Context, runID string, build func(*RunState) (api.EntryKind, any, bool)) error {
	failed := false
	err := retry.Do(func() error {
		return s.deliverOnce(ctx, runID, build)
	},
		retry.Context(ctx),
		retry.Attempts(s.deliverAttempts),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.MaxJitter(10*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrOutcomeDiscarded) &&
				!errors.Is(err, api.ErrRunNotFound) &&
				!errors.Is(err, ErrCorruptLog)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, history.ErrLogConflict) {
				failed = true
			}
			s.logger.Warn("deliver outcome, retrying", "run_id", runID, "attempt", n+1, "error", err)
		}),
	)
	switch {
	case err == nil:
	case failed && errors.Is(err, ErrOutcomeDiscarded) && !errors.Is(err, api.ErrRunTerminal):
		// A failed attempt may have been written after all. Waking again
		// costs one pass.
	default:
		return err
	}
	if s.hooks.Wake != nil {
		s.hooks.Wake(runID)
	}
	return err
}

func (s *Scheduler) deliverOnce(ctx context.Context, runID string, build func(*RunState) (api.EntryKind, any, bool)) error {
	unlock := s.lock(runID)
	defer unlock()

	st, err := s.load(ctx, runID)
	if err != nil {
		return err
	}
	if st.Phase.Terminal() {
		return fmt.Errorf("%w: %w", ErrOutcomeDiscarded, api.ErrRunTerminal)
	}
	kind, payload, ok := build(st)
	if !ok {
		return ErrOutcomeDiscarded
	}
	e, err := api.NewEntry(s.conv, runID, st.Cursor+1, kind, payload)
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, e)
	return err
}

// RecordActivityOutcome logs the final outcome of an activity decision.
func (s *Scheduler) RecordActivityOutcome(ctx context.Context, runID string, decisionID int, out invoker.Outcome) error {
	err := s.Deliver(ctx, runID, func(st *RunState) (api.EntryKind, any, bool) {
		d, ok := st.Decisions[decisionID]
		if !ok || d.Kind != DecisionActivity || d.Resolved {
			return "", nil, false
		}
		if out.Kind == invoker.Completed {
			return api.KindActivityCompleted, api.ActivityCompleted{DecisionID: decisionID, Result: out.Result, Attempts: out.Attempts}, true
		}
		return api.KindActivityFailed, api.ActivityFailed{DecisionID: decisionID, Failure: out.Failure, Attempts: out.Attempts}, true
	})
	if errors.Is(err, ErrOutcomeDiscarded) {
		s.logger.Debug("late activity outcome discarded", "run_id", runID, "decision", decisionID, "reason", err)
	}
	return err
}

// FireTimer logs that a timer decision elapsed.
func (s *Scheduler) FireTimer(ctx context.Context, runID string, decisionID int) error {
	err := s.Deliver(ctx, runID, func(st *RunState) (api.EntryKind, any, bool) {
		d, ok := st.Decisions[decisionID]
		if !ok || d.Kind != DecisionTimer || d.Resolved {
			return "", nil, false
		}
		return api.KindTimerFired, api.TimerFired{DecisionID: decisionID}, true
	})
	if errors.Is(err, ErrOutcomeDiscarded) {
		s.logger.Debug("late timer discarded", "run_id", runID, "decision", decisionID, "reason", err)
	}
	return err
}

// Terminate fails the run with failure unless it already ended, then stops
// its timers and in-flight invocations on a best effort basis.
func (s *Scheduler) Terminate(ctx context.Context, runID string, failure *api.Failure) error {
	unlock := s.lock(runID)
	var state *RunState
	err := s.withConflictRetry(ctx, func() error {
		st, err := s.load(ctx, runID)
		if err != nil {
			return err
		}
		if st.Phase.Terminal() {
			return api.ErrRunTerminal
		}
		e, err := api.NewEntry(s.conv, runID, st.Cursor+1, api.KindRunFailed, api.RunFailed{Failure: failure})
		if err != nil {
			return err
		}
		if _, err := s.log.Append(ctx, e); err != nil {
			return err
		}
		state = st
		return st.apply(s.conv, e)
	})
	unlock()
	if err != nil {
		return fmt.Errorf("terminate run %s: %w", runID, err)
	}
	s.logger.Info("run terminated", "run_id", runID, "kind", failure.Kind, "reason", failure.Message)
	s.finish(state)
	return nil
}

// InFlight is the number of activity invocations currently running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close cancels every in-flight invocation and waits for them to return.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) load(ctx context.Context, runID string) (*RunState, error) {
	entries, err := s.log.ReadFrom(ctx, runID, 1)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, runID)
	}
	return Replay(s.conv, entries)
}

func (s *Scheduler) withConflictRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.conflictAttempts),
		retry.Delay(5*time.Millisecond),
		retry.MaxDelay(250*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, history.ErrLogConflict) }),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("log conflict, re-reading", "attempt", n+1, "error", err)
		}),
	)
}

func (s *Scheduler) lock(runID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[runID]
	if !ok {
		l = &runLock{}
		s.locks[runID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, runID)
		}
		s.locksMu.Unlock()
	}
}
