// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics mirrors the teacher's walMetrics shape: one promauto-built
// struct of counters/gauges constructed once at Open, covering the store
// operations the Checkpoint Coordinator's own metrics don't already cover.
type storeMetrics struct {
	commits           prometheus.Counter
	nodesAllocated    prometheus.Counter
	nodesRetired      prometheus.Counter
	nodesFreed        prometheus.Counter
	rotationsObserved prometheus.Counter
	readNotFound      prometheus.Counter
	readStaleTag      prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_commits_total",
			Help: "Number of Commit calls that durably applied at least one staged operation.",
		}),
		nodesAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_nodes_allocated_total",
			Help: "Number of AllocateNode calls.",
		}),
		nodesRetired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_nodes_retired_total",
			Help: "Number of RetireNode calls staged for a Commit.",
		}),
		nodesFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_nodes_freed_total",
			Help: "Number of FreeNodeImmediate calls.",
		}),
		rotationsObserved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_store_rotations_observed_total",
			Help: "Number of log rotations observed by a Commit call (mirrors checkpoint.Coordinator's own counter at the store's vantage point).",
		}),
		readNotFound: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_read_not_found_total",
			Help: "Number of ReadNode/ReadNodePinned calls that returned ErrNotFound.",
		}),
		readStaleTag: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xtreestore_read_stale_tag_total",
			Help: "Number of ReadNode/ReadNodePinned calls that returned ErrStaleTag.",
		}),
	}
}
