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

// Package workflow is the authoring API for workflow definitions.
//
// A workflow is a function of the shape
//
//	func(ctx workflow.Context, input In) (Out, error)
//
// It is re-executed from the start every time the run makes progress, against
// the run's execution log. It must therefore be deterministic: all side
// effects go through the Context (activities, timers, parallel groups), and
// it must not read the wall clock, spawn goroutines or keep state outside
// its own stack.
package workflow

import (
	"log/slog"
	"time"
)

// Context is handed to a workflow function on every replay pass.
type Context interface {
	// RunID identifies the run being executed.
	RunID() string

	// Logger returns a logger that stays silent while already-logged
	// history is replayed.
	Logger() *slog.Logger

	// ExecuteActivity schedules the named activity. The returned Future
	// resolves once the activity completed or failed for good.
	ExecuteActivity(name string, input any) Future

	// Sleep suspends the run for d. The run holds no resources while
	// sleeping.
	Sleep(d time.Duration)

	// Parallel schedules every call concurrently as one group.
	Parallel(calls ...Call) Group

	// IsReplaying reports whether the current statement was already
	// executed in an earlier pass.
	IsReplaying() bool
}

// Future is the eventual outcome of an activity.
type Future interface {
	// Get decodes the result into valuePtr, or returns the classified
	// failure (an *api.Failure). Calling Get on an unresolved future
	// suspends the run.
	Get(valuePtr any) error
}

// Group is a set of concurrently issued activities that resolves as a whole.
type Group interface {
	// Wait resolves when every member succeeded (nil) or as soon as one
	// member failed (that member's failure).
	Wait() error

	// Member returns the future of the i-th call.
	Member(i int) Future

	Len() int
}

// Call is one member of a parallel group.
type Call struct {
	Activity string
	Input    any
}

// Activity builds a Call.
func Activity(name string, input any) Call {
	return Call{Activity: name, Input: input}
}

// Execute schedules an activity and waits for its typed result.
func Execute[T any](ctx Context, name string, input any) (T, error) {
	var out T
	err := ctx.ExecuteActivity(name, input).Get(&out)
	return out, err
}

// Results collects the typed results of a successfully resolved group.
func Results[T any](g Group) ([]T, error) {
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]T, g.Len())
	for i := range out {
		if err := g.Member(i).Get(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
