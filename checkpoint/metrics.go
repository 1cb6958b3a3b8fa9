// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coordinatorMetrics mirrors the teacher's walMetrics shape: one small
// struct of promauto-registered counters/gauges built once at construction.
type coordinatorMetrics struct {
	checkpointsWritten prometheus.Counter
	rotations          prometheus.Counter
	prunedLogs         prometheus.Counter
	checkpointMillis   prometheus.Histogram
	replayBytesGauge   prometheus.Gauge
	groupCommitBatch   prometheus.Histogram
}

func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	return &coordinatorMetrics{
		checkpointsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_checkpoints_written_total",
			Help: "Number of checkpoint snapshots successfully written and published.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_log_rotations_total",
			Help: "Number of delta log rotations performed.",
		}),
		prunedLogs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_pruned_logs_total",
			Help: "Number of sealed delta logs deleted by GC.",
		}),
		checkpointMillis: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "xtreestore_checkpoint_duration_milliseconds",
			Help:    "Wall-clock duration of each checkpoint sequence.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		replayBytesGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "xtreestore_replay_bytes_since_checkpoint",
			Help: "Bytes of WAL that would need replaying since the last checkpoint.",
		}),
		groupCommitBatch: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "xtreestore_group_commit_batch_size",
			Help:    "Number of commits coalesced into a single WAL sync.",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		}),
	}
}
