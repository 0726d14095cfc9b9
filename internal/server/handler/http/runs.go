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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/api/serde"
)

// Runs is the part of the engine the HTTP API drives.
type Runs interface {
	StartRunRaw(ctx context.Context, workflow string, input []byte) (string, error)
	GetStatus(ctx context.Context, runID string) (api.RunStatus, error)
	Cancel(ctx context.Context, runID, reason string) error
	History(ctx context.Context, runID string) ([]api.Entry, error)
}

type RunsHandler struct {
	runs   Runs
	conv   serde.BinarySerde
	logger *slog.Logger
}

func NewRunsHandler(runs Runs, conv serde.BinarySerde, logger *slog.Logger) *RunsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunsHandler{runs: runs, conv: conv, logger: logger}
}

type (
	StartRunRequest struct {
		Workflow string          `json:"workflow"`
		Input    json.RawMessage `json:"input,omitempty"`
	}

	StartRunResponse struct {
		RunID string `json:"runId"`
	}

	CancelRunRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	RunStatusResponse struct {
		RunID    string       `json:"runId"`
		Workflow string       `json:"workflow"`
		Status   api.Status   `json:"status"`
		Result   any          `json:"result,omitempty"`
		Error    *api.Failure `json:"error,omitempty"`
	}

	HistoryEntry struct {
		Seq        uint64        `json:"seq"`
		Kind       api.EntryKind `json:"kind"`
		Payload    any           `json:"payload"`
		RecordedAt time.Time     `json:"recordedAt"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// Register mounts the run endpoints on mux.
func (h *RunsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.Start)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Status)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/history", h.History)
}

func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Workflow == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("workflow is required"))
		return
	}

	input, err := h.encodeInput(req.Input)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	runID, err := h.runs.StartRunRaw(r.Context(), req.Workflow, input)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID})
}

func (h *RunsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	resp := RunStatusResponse{RunID: st.RunID, Workflow: st.Workflow, Status: st.Status, Error: st.Error}
	if len(st.Result) > 0 {
		if err := h.conv.DeserializeBinary(st.Result, &resp.Result); err != nil {
			h.writeError(w, http.StatusInternalServerError, fmt.Errorf("decode result: %w", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	if err := h.runs.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RunsHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.runs.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{Seq: e.Seq, Kind: e.Kind, RecordedAt: e.RecordedAt}
		if err := h.conv.DeserializeBinary(e.Payload, &out[i].Payload); err != nil {
			h.writeError(w, http.StatusInternalServerError, fmt.Errorf("decode entry %d: %w", e.Seq, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// encodeInput re-encodes the JSON input with the engine serde.
func (h *RunsHandler) encodeInput(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	data, err := h.conv.SerializeBinary(v)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return data, nil
}

func (h *RunsHandler) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrUnknownWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrRunTerminal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
