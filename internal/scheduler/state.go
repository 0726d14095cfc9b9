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
	"errors"
	"fmt"
	"time"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
)

var ErrCorruptLog = errors.New("scheduler: corrupt execution log")

// Phase is the replay-derived lifecycle position of a run.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseRunning      Phase = "Running"
	PhaseSucceeded    Phase = "Succeeded"
	PhaseFailed       Phase = "Failed"
)

func (p Phase) Terminal() bool { return p == PhaseSucceeded || p == PhaseFailed }

// Status maps the phase to what callers see. Initializing is reported as
// Running.
func (p Phase) Status() api.Status {
	switch p {
	case PhaseSucceeded:
		return api.StatusSucceeded
	case PhaseFailed:
		return api.StatusFailed
	}
	return api.StatusRunning
}

type DecisionKind int

const (
	DecisionActivity DecisionKind = iota + 1
	DecisionTimer
	DecisionGroup
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionActivity:
		return "activity"
	case DecisionTimer:
		return "timer"
	case DecisionGroup:
		return "group"
	}
	return "unknown"
}

// Decision is a logged step of the workflow together with its outcome, if
// one was logged.
type Decision struct {
	ID   int
	Kind DecisionKind
	// Seq is the log position of the scheduling entry.
	Seq uint64

	Activity string
	Input    []byte
	GroupID  int

	Members []int

	Duration time.Duration
	FireAt   time.Time

	Resolved   bool
	OutcomeSeq uint64
	Result     []byte
	Failure    *api.Failure
	Attempts   int

	FailedMember    int
	CompletionOrder []int
}

// RunState is a run as reconstructed from its log.
type RunState struct {
	RunID    string
	Workflow string
	Input    []byte
	Phase    Phase
	// Cursor is the sequence of the last applied entry.
	Cursor uint64

	Decisions map[int]*Decision
	// Outcomes lists decision ids in the order their outcomes were logged.
	Outcomes []int
	// LastDecisionID is the highest decision id present in the log.
	LastDecisionID int

	Result  []byte
	Failure *api.Failure

	StartedAt time.Time
	EndedAt   time.Time
}

// Status is the caller-facing view of the state.
func (s *RunState) Status() api.RunStatus {
	out := api.RunStatus{
		RunID:    s.RunID,
		Workflow: s.Workflow,
		Status:   s.Phase.Status(),
	}
	switch s.Phase {
	case PhaseSucceeded:
		out.Result = s.Result
	case PhaseFailed:
		out.Error = s.Failure
	}
	return out
}

// Outstanding returns the unresolved decisions of kind, ordered by id.
func (s *RunState) Outstanding(kind DecisionKind) []*Decision {
	var out []*Decision
	for id := 1; id <= s.LastDecisionID; id++ {
		d, ok := s.Decisions[id]
		if !ok || d.Kind != kind || d.Resolved {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Replay folds entries into a RunState. It has no side effects: replaying
// the same entries always yields an equal state.
func Replay(conv serde.BinarySerde, entries []api.Entry) (*RunState, error) {
	if len(entries) == 0 {
		return nil, api.ErrRunNotFound
	}
	state := &RunState{
		RunID:     entries[0].RunID,
		Decisions: make(map[int]*Decision),
	}
	for _, e := range entries {
		if err := state.apply(conv, e); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (s *RunState) apply(conv serde.BinarySerde, e api.Entry) error {
	if e.Seq != s.Cursor+1 {
		return fmt.Errorf("%w: run %s expected seq %d, got %d", ErrCorruptLog, s.RunID, s.Cursor+1, e.Seq)
	}
	if s.Cursor == 0 && e.Kind != api.KindRunStarted {
		return fmt.Errorf("%w: run %s does not start with %s", ErrCorruptLog, s.RunID, api.KindRunStarted)
	}
	s.Cursor = e.Seq
	if s.Phase.Terminal() {
		return nil
	}

	switch e.Kind {
	case api.KindRunStarted:
		var p api.RunStarted
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		s.Workflow, s.Input = p.Workflow, p.Input
		s.Phase = PhaseInitializing
		s.StartedAt = e.RecordedAt

	case api.KindActivityScheduled:
		var p api.ActivityScheduled
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		return s.schedule(&Decision{ID: p.DecisionID, Kind: DecisionActivity, Seq: e.Seq, Activity: p.Activity, Input: p.Input, GroupID: p.GroupID})

	case api.KindTimerScheduled:
		var p api.TimerScheduled
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		return s.schedule(&Decision{ID: p.DecisionID, Kind: DecisionTimer, Seq: e.Seq, Duration: p.Duration, FireAt: p.FireAt})

	case api.KindParallelGroupScheduled:
		var p api.ParallelGroupScheduled
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		return s.schedule(&Decision{ID: p.DecisionID, Kind: DecisionGroup, Seq: e.Seq, Members: p.Members})

	case api.KindActivityCompleted:
		var p api.ActivityCompleted
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		d, err := s.outcomeTarget(p.DecisionID, DecisionActivity, e)
		if err != nil || d == nil {
			return err
		}
		d.Result, d.Attempts = p.Result, p.Attempts
		s.resolve(d, e.Seq)

	case api.KindActivityFailed:
		var p api.ActivityFailed
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		d, err := s.outcomeTarget(p.DecisionID, DecisionActivity, e)
		if err != nil || d == nil {
			return err
		}
		d.Failure, d.Attempts = p.Failure, p.Attempts
		s.resolve(d, e.Seq)

	case api.KindTimerFired:
		var p api.TimerFired
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		d, err := s.outcomeTarget(p.DecisionID, DecisionTimer, e)
		if err != nil || d == nil {
			return err
		}
		s.resolve(d, e.Seq)

	case api.KindParallelGroupCompleted:
		var p api.ParallelGroupCompleted
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		d, err := s.outcomeTarget(p.DecisionID, DecisionGroup, e)
		if err != nil || d == nil {
			return err
		}
		if !p.Succeeded {
			d.Failure = p.Failure
			d.FailedMember = p.FailedMember
		}
		d.CompletionOrder = p.CompletionOrder
		d.Resolved, d.OutcomeSeq = true, e.Seq

	case api.KindRunSucceeded:
		var p api.RunSucceeded
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		s.Phase, s.Result, s.EndedAt = PhaseSucceeded, p.Result, e.RecordedAt

	case api.KindRunFailed:
		var p api.RunFailed
		if err := e.Decode(conv, &p); err != nil {
			return err
		}
		s.Phase, s.Failure, s.EndedAt = PhaseFailed, p.Failure, e.RecordedAt

	default:
		return fmt.Errorf("%w: unknown entry kind %q at seq %d", ErrCorruptLog, e.Kind, e.Seq)
	}
	return nil
}

func (s *RunState) schedule(d *Decision) error {
	if _, dup := s.Decisions[d.ID]; dup {
		return fmt.Errorf("%w: decision %d scheduled twice (seq %d)", ErrCorruptLog, d.ID, d.Seq)
	}
	s.Decisions[d.ID] = d
	s.LastDecisionID = max(s.LastDecisionID, d.ID)
	s.Phase = PhaseRunning
	return nil
}

// outcomeTarget finds the decision an outcome entry refers to. A second
// outcome for the same decision is ignored.
func (s *RunState) outcomeTarget(id int, kind DecisionKind, e api.Entry) (*Decision, error) {
	d, ok := s.Decisions[id]
	if !ok || d.Kind != kind {
		return nil, fmt.Errorf("%w: %s at seq %d refers to unknown %s decision %d", ErrCorruptLog, e.Kind, e.Seq, kind, id)
	}
	if d.Resolved {
		return nil, nil
	}
	return d, nil
}

func (s *RunState) resolve(d *Decision, seq uint64) {
	d.Resolved, d.OutcomeSeq = true, seq
	s.Outcomes = append(s.Outcomes, d.ID)
}
