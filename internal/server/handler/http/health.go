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
	"net/http"
	"time"

	"github.com/ngnhng/sahale/internal/engine"
)

// Connectivity reports whether a dependency is reachable;
// *jetstreamx.Connection satisfies it.
type Connectivity interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	nats      Connectivity
	stats     func() engine.Stats
	startTime time.Time
}

// NewHealthHandler accepts a nil nats when the server runs without NATS.
func NewHealthHandler(nats Connectivity, stats func() engine.Stats) *HealthHandler {
	return &HealthHandler{
		nats:      nats,
		stats:     stats,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Engine    *engine.Stats     `json:"engine,omitempty"`
}

// Health always answers 200 while the process is serving.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    map[string]string{},
	}
	if h.stats != nil {
		st := h.stats()
		resp.Engine = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready answers 503 while NATS is configured but disconnected.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	switch {
	case h.nats == nil:
		checks["nats"] = "disabled"
	case h.nats.IsConnected():
		checks["nats"] = "connected"
	default:
		checks["nats"] = "disconnected"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    checks,
	})
}
