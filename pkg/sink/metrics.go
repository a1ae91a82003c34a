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

package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	blocksWritten   *prometheus.CounterVec
	rawBytes        prometheus.Counter
	writtenBytes    prometheus.Counter
	bufferExhausted prometheus.Counter
	bufferContended prometheus.Counter
	flushErrors     prometheus.Counter
	flushDuration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		blocksWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_pmu_sink_blocks_written_total",
				Help: "Total number of blocks written to the sample file, by codec.",
			},
			[]string{"codec"},
		),
		rawBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_sink_raw_bytes_total",
			Help: "Total number of record bytes handed to the sample file.",
		}),
		writtenBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_sink_written_bytes_total",
			Help: "Total number of bytes written to the sample file after compression.",
		}),
		bufferExhausted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_sink_buffer_exhausted_total",
			Help: "Total number of buffer requests that found no free buffer.",
		}),
		bufferContended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_sink_buffer_contended_total",
			Help: "Total number of buffer requests that found the core buffer in use.",
		}),
		flushErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parca_pmu_sink_flush_errors_total",
			Help: "Total number of blocks that could not be written.",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "parca_pmu_sink_flush_duration_seconds",
			Help:    "Time spent compressing and writing one block.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionSnappy, CompressionLZ4} {
		m.blocksWritten.WithLabelValues(c.String())
	}
	return m
}
