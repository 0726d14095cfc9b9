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

package command

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
)

type fakeRuns struct {
	started  map[string][]byte
	canceled map[string]string
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{started: map[string][]byte{}, canceled: map[string]string{}}
}

func (f *fakeRuns) StartRunRaw(_ context.Context, workflow string, input []byte) (string, error) {
	if workflow != "known" {
		return "", fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, workflow)
	}
	id := fmt.Sprintf("run-%d", len(f.started)+1)
	f.started[id] = input
	return id, nil
}

func (f *fakeRuns) GetStatus(_ context.Context, runID string) (api.RunStatus, error) {
	if _, ok := f.started[runID]; !ok {
		return api.RunStatus{}, api.ErrRunNotFound
	}
	status := api.StatusRunning
	if _, ok := f.canceled[runID]; ok {
		status = api.StatusFailed
	}
	return api.RunStatus{RunID: runID, Workflow: "known", Status: status}, nil
}

func (f *fakeRuns) Cancel(_ context.Context, runID, reason string) error {
	if _, ok := f.started[runID]; !ok {
		return api.ErrRunNotFound
	}
	if _, ok := f.canceled[runID]; ok {
		return api.ErrRunTerminal
	}
	f.canceled[runID] = reason
	return nil
}

func encode(t *testing.T, conv serde.BinarySerde, typ api.CommandType, attrs any) []byte {
	t.Helper()
	raw, err := conv.SerializeBinary(attrs)
	if err != nil {
		t.Fatalf("encode attributes: %v", err)
	}
	data, err := conv.SerializeBinary(api.Command{CommandType: typ, Attributes: raw})
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	return data
}

func TestProcessLifecycle(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			conv, err := serde.New(name)
			if err != nil {
				t.Fatal(err)
			}
			runs := newFakeRuns()
			h := NewHandler(runs, conv, 0, nil)
			ctx := context.Background()

			reply := h.Process(ctx, encode(t, conv, api.StartRunCommand, api.StartRunAttributes{Workflow: "known", Input: []byte("payload")}))
			if reply.Error != "" || reply.RunID != "run-1" {
				t.Fatalf("start reply = %+v", reply)
			}
			if string(runs.started["run-1"]) != "payload" {
				t.Errorf("input = %q, want payload", runs.started["run-1"])
			}

			reply = h.Process(ctx, encode(t, conv, api.GetStatusCommand, api.RunRefAttributes{RunID: "run-1"}))
			if reply.Status == nil || reply.Status.Status != api.StatusRunning {
				t.Errorf("status reply = %+v", reply)
			}

			reply = h.Process(ctx, encode(t, conv, api.CancelRunCommand, api.RunRefAttributes{RunID: "run-1", Reason: "stop"}))
			if reply.Error != "" {
				t.Errorf("cancel reply = %+v", reply)
			}
			if runs.canceled["run-1"] != "stop" {
				t.Errorf("cancel reason = %q", runs.canceled["run-1"])
			}

			reply = h.Process(ctx, encode(t, conv, api.CancelRunCommand, api.RunRefAttributes{RunID: "run-1"}))
			if !errors.Is(reply.ErrorCode.Sentinel(), api.ErrRunTerminal) {
				t.Errorf("second cancel code = %q, want %q", reply.ErrorCode, api.CodeRunTerminal)
			}
		})
	}
}

func TestProcessErrors(t *testing.T) {
	conv := &serde.MsgpackSerde{}
	h := NewHandler(newFakeRuns(), conv, 0, nil)

	tests := []struct {
		name     string
		data     []byte
		wantCode api.ErrorCode
	}{
		{
			name:     "garbage",
			data:     []byte{0xc1},
			wantCode: api.CodeInternal,
		},
		{
			name:     "unknown command",
			data:     encode(t, conv, api.CommandType("pause_run"), api.RunRefAttributes{RunID: "x"}),
			wantCode: api.CodeInternal,
		},
		{
			name:     "unknown workflow",
			data:     encode(t, conv, api.StartRunCommand, api.StartRunAttributes{Workflow: "other"}),
			wantCode: api.CodeUnknownWorkflow,
		},
		{
			name:     "status of unknown run",
			data:     encode(t, conv, api.GetStatusCommand, api.RunRefAttributes{RunID: "missing"}),
			wantCode: api.CodeRunNotFound,
		},
		{
			name:     "cancel of unknown run",
			data:     encode(t, conv, api.CancelRunCommand, api.RunRefAttributes{RunID: "missing"}),
			wantCode: api.CodeRunNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.Process(context.Background(), tt.data)
			if reply.Error == "" {
				t.Fatalf("Process() expected an error reply, got %+v", reply)
			}
			if reply.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %q, want %q", reply.ErrorCode, tt.wantCode)
			}
		})
	}
}
