// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pmu

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelRecorded = "recorded"
	labelMissed   = "missed"
	labelFiltered = "filtered"
	labelDropped  = "dropped"

	labelEnqueued = "enqueued"
	labelAccepted = "accepted"

	labelStart  = "start"
	labelStop   = "stop"
	labelPause  = "pause"
	labelResume = "resume"

	labelSuccess = "success"
	labelError   = "error"
)

type metrics struct {
	samples     *prometheus.CounterVec
	userStacks  *prometheus.CounterVec
	completions *prometheus.CounterVec
	transitions *prometheus.CounterVec

	// Resolved once, the sample path must not hash label values.
	samplesRecorded     prometheus.Counter
	samplesMissed       prometheus.Counter
	samplesFiltered     prometheus.Counter
	samplesDropped      prometheus.Counter
	userStacksEnqueued  prometheus.Counter
	userStacksDropped   prometheus.Counter
	completionsAccepted prometheus.Counter
	completionsDropped  prometheus.Counter

	collectors []prometheus.Collector
	reg        prometheus.Registerer
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_session_samples_total",
				Help: "Total number of hardware samples handled by the session.",
			},
			[]string{"result"},
		),
		userStacks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_session_user_stack_requests_total",
				Help: "Total number of asynchronous user stack walks requested.",
			},
			[]string{"result"},
		),
		completions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_session_user_stack_completions_total",
				Help: "Total number of user stack walks delivered back to the session.",
			},
			[]string{"result"},
		),
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_session_transitions_total",
				Help: "Total number of lifecycle operations.",
			},
			[]string{"operation", "status"},
		),
		reg: reg,
	}
	m.collectors = []prometheus.Collector{m.samples, m.userStacks, m.completions, m.transitions}

	m.samplesRecorded = m.samples.WithLabelValues(labelRecorded)
	m.samplesMissed = m.samples.WithLabelValues(labelMissed)
	m.samplesFiltered = m.samples.WithLabelValues(labelFiltered)
	m.samplesDropped = m.samples.WithLabelValues(labelDropped)

	m.userStacksEnqueued = m.userStacks.WithLabelValues(labelEnqueued)
	m.userStacksDropped = m.userStacks.WithLabelValues(labelDropped)

	m.completionsAccepted = m.completions.WithLabelValues(labelAccepted)
	m.completionsDropped = m.completions.WithLabelValues(labelDropped)

	for _, op := range []string{labelStart, labelStop, labelPause, labelResume} {
		m.transitions.WithLabelValues(op, labelSuccess)
		m.transitions.WithLabelValues(op, labelError)
	}
	return m
}

func (m *metrics) transition(op string, err error) {
	if err != nil {
		m.transitions.WithLabelValues(op, labelError).Inc()
		return
	}
	m.transitions.WithLabelValues(op, labelSuccess).Inc()
}

// unregister makes sure a new session can register the same metrics.
func (m *metrics) unregister() error {
	if m.reg == nil {
		return nil
	}
	var err error
	for _, c := range m.collectors {
		if ok := m.reg.Unregister(c); !ok {
			err = errors.Join(err, fmt.Errorf("unregistering %T", c))
		}
	}
	if err != nil {
		return fmt.Errorf("cleaning session metrics: %w", err)
	}
	return nil
}
