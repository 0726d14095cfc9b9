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

package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/internal/engine"
	"github.com/ngnhng/sahale/internal/invoker"
	"github.com/ngnhng/sahale/internal/metrics"
)

var _ engine.Observer = (*metrics.Runtime)(nil)

func newRuntime(t *testing.T) (*metrics.ScrapeRegistry, *metrics.Runtime) {
	t.Helper()
	reg, err := metrics.NewScrapeRegistry()
	require.NoError(t, err)
	rt, err := metrics.NewRuntime(reg)
	require.NoError(t, err)
	return reg, rt
}

func TestRuntimeCountsRuns(t *testing.T) {
	reg, rt := newRuntime(t)

	rt.RunStarted("speech")
	rt.RunStarted("speech")
	rt.RunFinished("speech", api.StatusSucceeded, time.Second)
	rt.Evaluated(time.Millisecond, nil)
	rt.Evaluated(time.Millisecond, errors.New("boom"))

	n, err := testutil.GatherAndCount(reg.PrometheusRegistry(), "sahale_runs_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["sahale_runs_started_total"])
	assert.Equal(t, 1.0, values["sahale_runs_finished_total"])
	assert.Equal(t, 2.0, values["sahale_evaluations_total"])
}

func TestRuntimeCountsActivities(t *testing.T) {
	reg, rt := newRuntime(t)

	rt.ActivityAttempt("upload", 1, errors.New("503"))
	rt.ActivityAttempt("upload", 2, nil)
	rt.ActivityFinished("upload", invoker.Completed, 20*time.Millisecond)

	n, err := testutil.GatherAndCount(reg.PrometheusRegistry(), "sahale_activity_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result label")

	n, err = testutil.GatherAndCount(reg.PrometheusRegistry(), "sahale_activity_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRuntimeRegistersOnce(t *testing.T) {
	reg, _ := newRuntime(t)
	_, err := metrics.NewRuntime(reg)
	require.Error(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg, rt := newRuntime(t)
	rt.RunStarted("speech")
	require.NoError(t, reg.RegisterGauge("activities_in_flight", "In-flight invocations.", func() float64 { return 3 }))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sahale_runs_started_total{workflow="speech"} 1`)
	assert.Contains(t, string(body), "sahale_activities_in_flight 3")
	assert.Contains(t, string(body), "go_goroutines")
}
