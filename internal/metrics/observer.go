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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngnhng/sahale/api"
	"github.com/ngnhng/sahale/internal/invoker"
)

const namespace = "sahale"

// Runtime records engine events. It satisfies engine.Observer.
type Runtime struct {
	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	evaluations      *prometheus.CounterVec
	evalDuration     *prometheus.HistogramVec
	activityAttempts *prometheus.CounterVec
	activityOutcomes *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
}

// NewRuntime registers the runtime metrics with r.
func NewRuntime(r *ScrapeRegistry) (*Runtime, error) {
	m := &Runtime{}
	var err error

	if m.runsStarted, err = r.counterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "runs_started_total",
		Help: "Runs started, by workflow.",
	}, "workflow"); err != nil {
		return nil, err
	}
	if m.runsFinished, err = r.counterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "runs_finished_total",
		Help: "Runs that reached a terminal status, by workflow and status.",
	}, "workflow", "status"); err != nil {
		return nil, err
	}
	if m.runDuration, err = r.histogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "run_duration_seconds",
		Help:    "Wall time from run start to terminal entry.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, "workflow"); err != nil {
		return nil, err
	}
	if m.evaluations, err = r.counterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "evaluations_total",
		Help: "Evaluation passes, by result.",
	}, "result"); err != nil {
		return nil, err
	}
	if m.evalDuration, err = r.histogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "evaluation_duration_seconds",
		Help:    "Time spent in one evaluation pass including log reads and appends.",
		Buckets: prometheus.DefBuckets,
	}); err != nil {
		return nil, err
	}
	if m.activityAttempts, err = r.counterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "activity_attempts_total",
		Help: "Activity attempts, by activity and result.",
	}, "activity", "result"); err != nil {
		return nil, err
	}
	if m.activityOutcomes, err = r.counterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "activity_outcomes_total",
		Help: "Final activity outcomes, by activity and kind.",
	}, "activity", "outcome"); err != nil {
		return nil, err
	}
	if m.activityDuration, err = r.histogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "activity_duration_seconds",
		Help:    "Time from first attempt to final outcome.",
		Buckets: prometheus.DefBuckets,
	}, "activity"); err != nil {
		return nil, err
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Runtime) RunStarted(workflow string) {
	m.runsStarted.WithLabelValues(workflow).Inc()
}

func (m *Runtime) RunFinished(workflow string, status api.Status, d time.Duration) {
	m.runsFinished.WithLabelValues(workflow, string(status)).Inc()
	m.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

func (m *Runtime) Evaluated(d time.Duration, err error) {
	m.evaluations.WithLabelValues(result(err)).Inc()
	m.evalDuration.WithLabelValues().Observe(d.Seconds())
}

func (m *Runtime) ActivityAttempt(name string, _ int, err error) {
	m.activityAttempts.WithLabelValues(name, result(err)).Inc()
}

func (m *Runtime) ActivityFinished(name string, kind invoker.OutcomeKind, d time.Duration) {
	m.activityOutcomes.WithLabelValues(name, kind.String()).Inc()
	m.activityDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RegisterGauge exposes a value sampled at scrape time, such as the number
// of in-flight invocations.
func (r *ScrapeRegistry) RegisterGauge(name, help string, fn func() float64) error {
	return r.gaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}
