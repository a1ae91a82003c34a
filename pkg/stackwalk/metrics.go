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

package stackwalk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultQueued      = "queued"
	resultQueueFull   = "queue_full"
	resultCompleted   = "completed"
	resultNoClient    = "no_client"
	resultNoWalker    = "no_walker"
	resultUnwindError = "unwind_error"
)

type metrics struct {
	requests      *prometheus.CounterVec
	walkers       prometheus.Gauge
	walkerRefused prometheus.Counter
	unwindSeconds prometheus.Histogram
	frames        prometheus.Histogram

	queued, queueFull                     prometheus.Counter
	completed, noClient, noWalker, failed prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_stackwalk_requests_total",
				Help: "Total number of user stack walk requests, by outcome.",
			},
			[]string{"result"},
		),
		walkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parca_pmu_stackwalk_walkers",
			Help: "Number of processes with a live stack walker.",
		}),
		walkerRefused: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_stackwalk_walkers_refused_total",
			Help: "Total number of stack walkers that could not be created.",
		}),
		unwindSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "parca_pmu_stackwalk_unwind_duration_seconds",
			Help:    "Time spent walking one user stack.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		frames: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "parca_pmu_stackwalk_frames",
			Help:    "Number of frames in a walked user stack.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	m.queued = m.requests.WithLabelValues(resultQueued)
	m.queueFull = m.requests.WithLabelValues(resultQueueFull)
	m.completed = m.requests.WithLabelValues(resultCompleted)
	m.noClient = m.requests.WithLabelValues(resultNoClient)
	m.noWalker = m.requests.WithLabelValues(resultNoWalker)
	m.failed = m.requests.WithLabelValues(resultUnwindError)
	return m
}
