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
	"errors"
	"fmt"
)

var (
	// Setup-time errors.
	ErrUnknownActivity   = errors.New("sahale: unknown activity")
	ErrDuplicateActivity = errors.New("sahale: duplicate activity")
	ErrUnknownWorkflow   = errors.New("sahale: unknown workflow")
	ErrDuplicateWorkflow = errors.New("sahale: duplicate workflow")

	// Step errors surfaced to workflow code.
	ErrActivityFailed    = errors.New("sahale: activity failed")
	ErrActivityTimedOut  = errors.New("sahale: activity timed out")
	ErrActivityExhausted = errors.New("sahale: activity retries exhausted")
	ErrCanceled          = errors.New("sahale: run canceled")
	ErrNondeterminism    = errors.New("sahale: nondeterministic workflow")

	// Runtime errors.
	ErrLogConflict = errors.New("sahale: log conflict")
	ErrRunNotFound = errors.New("sahale: run not found")
	ErrRunTerminal = errors.New("sahale: run already terminal")
)

// FailureKind classifies a Failure.
type FailureKind string

const (
	FailureActivityFailed    FailureKind = "ActivityFailed"
	FailureActivityTimedOut  FailureKind = "ActivityTimedOut"
	FailureActivityExhausted FailureKind = "ActivityExhausted"
	FailureUnknownActivity   FailureKind = "UnknownActivity"
	FailureCanceled          FailureKind = "Canceled"
	FailureNondeterminism    FailureKind = "Nondeterminism"
	FailureWorkflow          FailureKind = "Workflow"
	FailurePanic             FailureKind = "Panic"
)

// Failure is the durable, classified form of an error. It is what gets
// written to the log and what workflow code receives from a failed step.
type Failure struct {
	Kind      FailureKind `json:"kind" msgpack:"kind"`
	Message   string      `json:"message" msgpack:"message"`
	Activity  string      `json:"activity,omitempty" msgpack:"activity,omitempty"`
	Retryable bool        `json:"retryable" msgpack:"retryable"`
}

func (f *Failure) Error() string {
	if f.Activity != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Activity, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is lets callers match a Failure against the package sentinels.
func (f *Failure) Is(target error) bool {
	switch f.Kind {
	case FailureActivityFailed:
		return target == ErrActivityFailed
	case FailureActivityTimedOut:
		return target == ErrActivityTimedOut
	case FailureActivityExhausted:
		return target == ErrActivityExhausted
	case FailureUnknownActivity:
		return target == ErrUnknownActivity
	case FailureCanceled:
		return target == ErrCanceled
	case FailureNondeterminism:
		return target == ErrNondeterminism
	}
	return false
}

// AsFailure converts err into a Failure. Errors that already carry a
// Failure keep their classification; anything else becomes kind.
func AsFailure(err error, kind FailureKind) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kind, Message: err.Error()}
}
