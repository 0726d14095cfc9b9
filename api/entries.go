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

package api

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ngnhng/sahale/api/serde"
)

// EntryKind names the kind of an execution log entry.
type EntryKind string

const (
	KindRunStarted             EntryKind = "run/started"
	KindActivityScheduled      EntryKind = "activity/scheduled"
	KindActivityCompleted      EntryKind = "activity/completed"
	KindActivityFailed         EntryKind = "activity/failed"
	KindTimerScheduled         EntryKind = "timer/scheduled"
	KindTimerFired             EntryKind = "timer/fired"
	KindParallelGroupScheduled EntryKind = "group/scheduled"
	KindParallelGroupCompleted EntryKind = "group/completed"
	KindRunSucceeded           EntryKind = "run/succeeded"
	KindRunFailed              EntryKind = "run/failed"
)

// Terminal reports whether an entry of this kind ends a run.
func (k EntryKind) Terminal() bool {
	return k == KindRunSucceeded || k == KindRunFailed
}

// Entry is one immutable record of a run's execution log.
type Entry struct {
	RunID          string    `json:"run_id" msgpack:"run_id"`
	Seq            uint64    `json:"seq" msgpack:"seq"`
	Kind           EntryKind `json:"kind" msgpack:"kind"`
	Payload        []byte    `json:"payload" msgpack:"payload"`
	IdempotencyKey string    `json:"idempotency_key" msgpack:"idempotency_key"`
	RecordedAt     time.Time `json:"recorded_at" msgpack:"recorded_at"`
}

// NewEntry encodes payload with conv and stamps the entry with its
// idempotency key.
func NewEntry(conv serde.BinarySerde, runID string, seq uint64, kind EntryKind, payload any) (Entry, error) {
	data, err := conv.SerializeBinary(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Entry{
		RunID:          runID,
		Seq:            seq,
		Kind:           kind,
		Payload:        data,
		IdempotencyKey: IdempotencyKey(runID, seq, kind, data),
		RecordedAt:     time.Now().UTC(),
	}, nil
}

// Decode decodes the entry payload into valuePtr.
func (e Entry) Decode(conv serde.BinarySerde, valuePtr any) error {
	if err := conv.DeserializeBinary(e.Payload, valuePtr); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}

// IdempotencyKey identifies one logical decision: the same run position
// holding the same content.
func IdempotencyKey(runID string, seq uint64, kind EntryKind, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(runID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write([]byte(kind))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// -- Run Started --
type RunStarted struct {
	Workflow string `json:"workflow" msgpack:"workflow"`
	Input    []byte `json:"input" msgpack:"input"`
}

// -- Activity Scheduled --
type ActivityScheduled struct {
	DecisionID int    `json:"decision_id" msgpack:"decision_id"`
	Activity   string `json:"activity" msgpack:"activity"`
	Input      []byte `json:"input" msgpack:"input"`
	// GroupID is the owning parallel group decision, zero when sequential.
	GroupID int `json:"group_id,omitempty" msgpack:"group_id,omitempty"`
}

// -- Activity Completed --
type ActivityCompleted struct {
	DecisionID int    `json:"decision_id" msgpack:"decision_id"`
	Result     []byte `json:"result" msgpack:"result"`
	Attempts   int    `json:"attempts" msgpack:"attempts"`
}

// -- Activity Failed --
type ActivityFailed struct {
	DecisionID int      `json:"decision_id" msgpack:"decision_id"`
	Failure    *Failure `json:"failure" msgpack:"failure"`
	Attempts   int      `json:"attempts" msgpack:"attempts"`
}

// -- Timer Scheduled --
type TimerScheduled struct {
	DecisionID int           `json:"decision_id" msgpack:"decision_id"`
	Duration   time.Duration `json:"duration" msgpack:"duration"`
	FireAt     time.Time     `json:"fire_at" msgpack:"fire_at"`
}

// -- Timer Fired --
type TimerFired struct {
	DecisionID int `json:"decision_id" msgpack:"decision_id"`
}

// -- Parallel Group Scheduled --
type ParallelGroupScheduled struct {
	DecisionID int   `json:"decision_id" msgpack:"decision_id"`
	Members    []int `json:"members" msgpack:"members"`
}

// -- Parallel Group Completed --
type ParallelGroupCompleted struct {
	DecisionID   int      `json:"decision_id" msgpack:"decision_id"`
	Succeeded    bool     `json:"succeeded" msgpack:"succeeded"`
	FailedMember int      `json:"failed_member,omitempty" msgpack:"failed_member,omitempty"`
	Failure      *Failure `json:"failure,omitempty" msgpack:"failure,omitempty"`
	// CompletionOrder lists member decision ids in the order their
	// outcomes were logged. Kept for debugging only.
	CompletionOrder []int `json:"completion_order" msgpack:"completion_order"`
}

// -- Run Succeeded --
type RunSucceeded struct {
	Result []byte `json:"result" msgpack:"result"`
}

// -- Run Failed --
type RunFailed struct {
	Failure *Failure `json:"failure" msgpack:"failure"`
}
