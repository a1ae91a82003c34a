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

package hardware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonAccessDenied = "access_denied"
	reasonSlotTaken    = "slot_taken"
	reasonBackend      = "backend"
	reasonInvalid      = "invalid"
)

type metrics struct {
	registrations  prometheus.Gauge
	configurations *prometheus.GaugeVec
	addFailures    *prometheus.CounterVec
	samples        prometheus.Counter
	orphanSamples  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registrations: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parca_pmu_hardware_registrations",
			Help: "Number of sessions registered with the hardware manager.",
		}),
		configurations: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parca_pmu_hardware_configurations",
				Help: "Number of configurations programmed on the cores, by kind.",
			},
			[]string{"kind"},
		),
		addFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_hardware_add_failures_total",
				Help: "Total number of configurations the hardware refused.",
			},
			[]string{"reason"},
		),
		samples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_hardware_samples_total",
			Help: "Total number of samples delivered to sessions.",
		}),
		orphanSamples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_hardware_orphan_samples_total",
			Help: "Total number of samples raised by counters that were already removed.",
		}),
	}
	for _, r := range []string{reasonAccessDenied, reasonSlotTaken, reasonBackend, reasonInvalid} {
		m.addFailures.WithLabelValues(r)
	}
	return m
}
