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

package scheduler

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
	"github.com/ngnhng/sahale/pkg/workflow"
)

// suspended is panicked by a step that cannot make progress yet. Only the
// evaluator recovers it.
type suspended struct{}

// nondeterministic is panicked when the workflow asks for a different step
// than the one recorded at the same decision id.
type nondeterministic struct {
	failure *api.Failure
}

type buffered struct {
	kind    api.EntryKind
	payload any
}

// passContext is the workflow.Context of one evaluation pass.
type passContext struct {
	state  *RunState
	conv   serde.BinarySerde
	now    func() time.Time
	logger *slog.Logger
	silent *slog.Logger

	next    int
	entries []buffered
	// groups resolved during this pass, so a second Wait does not log twice.
	groups map[int]*api.Failure
}

var _ workflow.Context = (*passContext)(nil)

func newPassContext(state *RunState, conv serde.BinarySerde, now func() time.Time, logger *slog.Logger) *passContext {
	return &passContext{
		state:  state,
		conv:   conv,
		now:    now,
		logger: logger,
		silent: slog.New(slog.DiscardHandler),
		groups: make(map[int]*api.Failure),
	}
}

func (c *passContext) RunID() string { return c.state.RunID }

func (c *passContext) IsReplaying() bool { return c.next < c.state.LastDecisionID }

func (c *passContext) Logger() *slog.Logger {
	if c.IsReplaying() {
		return c.silent
	}
	return c.logger
}

func (c *passContext) allocate() int {
	c.next++
	return c.next
}

func (c *passContext) buffer(kind api.EntryKind, payload any) {
	c.entries = append(c.entries, buffered{kind: kind, payload: payload})
}

func (c *passContext) mismatch(id int, want string, got *Decision) {
	desc := got.Kind.String()
	if got.Kind == DecisionActivity {
		desc = fmt.Sprintf("activity %q", got.Activity)
	}
	panic(nondeterministic{failure: &api.Failure{
		Kind:    api.FailureNondeterminism,
		Message: fmt.Sprintf("decision %d: workflow asked for %s but the log has %s", id, want, desc),
	}})
}

func (c *passContext) ExecuteActivity(name string, input any) workflow.Future {
	return c.activity(name, input, 0)
}

func (c *passContext) activity(name string, input any, groupID int) *future {
	id := c.allocate()
	if d, ok := c.state.Decisions[id]; ok {
		if d.Kind != DecisionActivity || d.Activity != name || d.GroupID != groupID {
			c.mismatch(id, fmt.Sprintf("activity %q", name), d)
		}
		return &future{ctx: c, decision: d}
	}

	data, err := c.conv.SerializeBinary(input)
	if err != nil {
		return &future{ctx: c, err: fmt.Errorf("encode input of activity %q: %w", name, err)}
	}
	c.buffer(api.KindActivityScheduled, api.ActivityScheduled{
		DecisionID: id,
		Activity:   name,
		Input:      data,
		GroupID:    groupID,
	})
	return &future{ctx: c}
}

func (c *passContext) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	id := c.allocate()
	if dec, ok := c.state.Decisions[id]; ok {
		if dec.Kind != DecisionTimer {
			c.mismatch(id, "timer", dec)
		}
		if dec.Resolved {
			return
		}
		panic(suspended{})
	}

	c.buffer(api.KindTimerScheduled, api.TimerScheduled{
		DecisionID: id,
		Duration:   d,
		FireAt:     c.now().Add(d).UTC(),
	})
	panic(suspended{})
}

func (c *passContext) Parallel(calls ...workflow.Call) workflow.Group {
	if len(calls) == 0 {
		return &group{ctx: c}
	}

	gid := c.allocate()
	logged, ok := c.state.Decisions[gid]
	if ok && (logged.Kind != DecisionGroup || len(logged.Members) != len(calls)) {
		c.mismatch(gid, fmt.Sprintf("group of %d", len(calls)), logged)
	}

	var members []int
	if !ok {
		members = make([]int, len(calls))
		for i := range calls {
			members[i] = gid + 1 + i
		}
		c.buffer(api.KindParallelGroupScheduled, api.ParallelGroupScheduled{DecisionID: gid, Members: members})
	}

	g := &group{ctx: c, id: gid, decision: logged, futures: make([]*future, len(calls))}
	for i, call := range calls {
		g.futures[i] = c.activity(call.Activity, call.Input, gid)
	}
	return g
}

type future struct {
	ctx      *passContext
	decision *Decision
	err      error
}

func (f *future) Get(valuePtr any) error {
	if f.err != nil {
		return f.err
	}
	if f.decision == nil || !f.decision.Resolved {
		panic(suspended{})
	}
	if f.decision.Failure != nil {
		failure := *f.decision.Failure
		return &failure
	}
	if valuePtr == nil || len(f.decision.Result) == 0 {
		return nil
	}
	if err := f.ctx.conv.DeserializeBinary(f.decision.Result, valuePtr); err != nil {
		return fmt.Errorf("decode result of activity %q: %w", f.decision.Activity, err)
	}
	return nil
}

type group struct {
	ctx      *passContext
	id       int
	decision *Decision
	futures  []*future
}

func (g *group) Len() int { return len(g.futures) }

func (g *group) Member(i int) workflow.Future { return g.futures[i] }

func (g *group) Wait() error {
	if len(g.futures) == 0 {
		return nil
	}
	if g.decision != nil && g.decision.Resolved {
		return copyFailure(g.decision.Failure)
	}
	if failure, done := g.ctx.groups[g.id]; done {
		return copyFailure(failure)
	}
	if g.decision == nil {
		panic(suspended{})
	}

	var (
		order   []*Decision
		failed  *Decision
		pending bool
	)
	for _, f := range g.futures {
		if f.err != nil {
			return f.err
		}
		d := f.decision
		if d == nil || !d.Resolved {
			pending = true
			continue
		}
		order = append(order, d)
		if d.Failure != nil && (failed == nil || d.OutcomeSeq < failed.OutcomeSeq) {
			failed = d
		}
	}
	if failed == nil && pending {
		panic(suspended{})
	}

	slices.SortFunc(order, func(a, b *Decision) int { return cmp.Compare(a.OutcomeSeq, b.OutcomeSeq) })
	completion := make([]int, len(order))
	for i, d := range order {
		completion[i] = d.ID
	}

	p := api.ParallelGroupCompleted{DecisionID: g.id, Succeeded: failed == nil, CompletionOrder: completion}
	if failed != nil {
		p.FailedMember = failed.ID
		p.Failure = failed.Failure
	}
	g.ctx.buffer(api.KindParallelGroupCompleted, p)
	g.ctx.groups[g.id] = p.Failure
	return copyFailure(p.Failure)
}

func copyFailure(f *api.Failure) error {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}
