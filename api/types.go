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

import "errors"

// Status is the externally visible state of a run.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// RunStatus answers a status query. Result is set only when Succeeded,
// Error only when Failed.
type RunStatus struct {
	RunID    string   `json:"run_id" msgpack:"run_id"`
	Workflow string   `json:"workflow" msgpack:"workflow"`
	Status   Status   `json:"status" msgpack:"status"`
	Result   []byte   `json:"result,omitempty" msgpack:"result,omitempty"`
	Error    *Failure `json:"error,omitempty" msgpack:"error,omitempty"`
}

type CommandType string

const (
	StartRunCommand  CommandType = "start_run"
	GetStatusCommand CommandType = "get_status"
	CancelRunCommand CommandType = "cancel_run"
)

type (
	Command struct {
		CommandType CommandType `json:"type" msgpack:"type"`
		Attributes  []byte      `json:"attributes" msgpack:"attributes"`
	}

	StartRunAttributes struct {
		Workflow string `json:"workflow" msgpack:"workflow"`
		Input    []byte `json:"input" msgpack:"input"`
	}

	RunRefAttributes struct {
		RunID  string `json:"run_id" msgpack:"run_id"`
		Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
	}

	CommandReply struct {
		Error     string     `json:"error,omitempty" msgpack:"error,omitempty"`
		ErrorCode ErrorCode  `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
		RunID     string     `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
		Status    *RunStatus `json:"status,omitempty" msgpack:"status,omitempty"`
	}
)

// ErrorCode carries sentinel identity across the wire.
type ErrorCode string

const (
	CodeRunNotFound     ErrorCode = "run_not_found"
	CodeUnknownWorkflow ErrorCode = "unknown_workflow"
	CodeRunTerminal     ErrorCode = "run_terminal"
	CodeInternal        ErrorCode = "internal"
)

// CodeOf maps err to its wire code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunNotFound):
		return CodeRunNotFound
	case errors.Is(err, ErrUnknownWorkflow):
		return CodeUnknownWorkflow
	case errors.Is(err, ErrRunTerminal):
		return CodeRunTerminal
	}
	return CodeInternal
}

// Sentinel is the inverse of CodeOf.
func (c ErrorCode) Sentinel() error {
	switch c {
	case CodeRunNotFound:
		return ErrRunNotFound
	case CodeUnknownWorkflow:
		return ErrUnknownWorkflow
	case CodeRunTerminal:
		return ErrRunTerminal
	}
	return nil
}

type (
	// ActivityRequest is sent to a hosted activity unit.
	ActivityRequest struct {
		Activity string `json:"activity" msgpack:"activity"`
		Input    []byte `json:"input" msgpack:"input"`
		Attempt  int    `json:"attempt" msgpack:"attempt"`
		RunID    string `json:"run_id,omitempty" msgpack:"run_id,omitempty"`
	}

	// ActivityReply carries exactly one of Result or Failure.
	ActivityReply struct {
		Result  []byte   `json:"result,omitempty" msgpack:"result,omitempty"`
		Failure *Failure `json:"failure,omitempty" msgpack:"failure,omitempty"`
	}
)
