// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucenia/xtreestore/checkpoint"
)

// DurabilityMode selects how aggressively Commit durably syncs the delta
// log before returning, per spec §4.3/§6.
type DurabilityMode uint8

const (
	// ModeStrict fsyncs (or fdatasyncs) the active log before Commit
	// returns, so a successful Commit implies durability.
	ModeStrict DurabilityMode = iota
	// ModeBalanced syncs the active log before Commit returns when
	// DurabilityPolicy.SyncOnCommit is set (as in DefaultDurabilityPolicy);
	// otherwise it batches concurrent commits into a short group-commit
	// window before syncing, trading a small durability latency window
	// for much higher throughput under concurrent writers.
	ModeBalanced
	// ModeEventual syncs the active log before Commit returns only when
	// DurabilityPolicy.SyncOnCommit is set (as in DefaultDurabilityPolicy);
	// otherwise Commit returns as soon as records are buffered in the log's
	// writer and syncing happens on a background interval, so a crash can
	// lose the most recent commits.
	ModeEventual
)

func (m DurabilityMode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeBalanced:
		return "balanced"
	case ModeEventual:
		return "eventual"
	default:
		return "unknown"
	}
}

// DurabilityPolicy tunes the mmap'd dirty-range flush and WAL payload
// behavior Commit dispatches on per DurabilityMode, per spec §6.
type DurabilityPolicy struct {
	// MaxPayloadInWAL bounds how large a published node's content can be
	// while still being embedded in-line in its WAL record; larger nodes
	// rely solely on the out-of-line mmap'd copy plus DataCRC32C.
	MaxPayloadInWAL uint32
	// DirtyFlushBytes triggers an EVENTUAL-mode dirty-range flush at Commit
	// once this many bytes have accumulated since the last flush,
	// independent of DirtyFlushAge. BALANCED flushes after every commit.
	DirtyFlushBytes uint64
	// DirtyFlushAge triggers an EVENTUAL-mode dirty-range flush at Commit
	// once the oldest unflushed range has been dirty this long.
	DirtyFlushAge time.Duration
	// CoalesceFlushes merges adjacent/overlapping dirty ranges into a
	// minimal covering set before msync, per spec §6's BALANCED
	// coalescing decision; when false every dirty range is flushed with
	// its own msync call.
	CoalesceFlushes bool
	// UseFdatasync selects fdatasync over fsync for the WAL; appends change
	// no file metadata other than size, which fdatasync still flushes.
	UseFdatasync bool
	// SyncOnCommit forces a synchronous WAL sync (and, in BALANCED, a
	// synchronous dirty-range flush) before Commit returns, overriding
	// group-commit/background-ticker batching for modes that would
	// otherwise defer it.
	SyncOnCommit bool
}

// DefaultDurabilityPolicy returns the BALANCED-oriented defaults spec §6
// names: an 8192-byte WAL payload threshold, fdatasync, and commit-time
// sync.
func DefaultDurabilityPolicy() DurabilityPolicy {
	return DurabilityPolicy{
		MaxPayloadInWAL: 8192,
		DirtyFlushBytes: 4 * 1024 * 1024,
		DirtyFlushAge:   500 * time.Millisecond,
		CoalesceFlushes: true,
		UseFdatasync:    true,
		SyncOnCommit:    true,
	}
}

// storeOpt configures a Runtime/DurableStore at Open, mirroring the
// teacher's walOpt unexported functional-option type.
type storeOpt func(*config)

type config struct {
	logger             log.Logger
	reg                prometheus.Registerer
	shardCount         int
	segmentSize        uint32
	mode               DurabilityMode
	checkpointPolicy   checkpoint.Policy
	durability         DurabilityPolicy
	durabilitySet      bool
	validateOnRecovery bool
	readOnly           bool
}

func defaultConfig() config {
	durability := DefaultDurabilityPolicy()
	return config{
		logger:             log.NewNopLogger(),
		reg:                prometheus.NewRegistry(),
		shardCount:         64,
		segmentSize:        32 * 1024 * 1024,
		mode:               ModeBalanced,
		checkpointPolicy:   checkpoint.DefaultPolicy(),
		durability:         durability,
		validateOnRecovery: true,
	}
}

// WithLogger sets the go-kit logger used throughout the store.
func WithLogger(l log.Logger) storeOpt {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// against; defaults to a private registry so multiple stores in one
// process never collide on metric names.
func WithRegisterer(reg prometheus.Registerer) storeOpt {
	return func(c *config) {
		if reg != nil {
			c.reg = reg
		}
	}
}

// WithShardCount overrides the Object Table's shard count (rounded to a
// power of two, capped at 64).
func WithShardCount(n int) storeOpt {
	return func(c *config) { c.shardCount = n }
}

// WithSegmentSize overrides the fixed segment file size used by the
// segment allocator.
func WithSegmentSize(n uint32) storeOpt {
	return func(c *config) {
		if n > 0 {
			c.segmentSize = n
		}
	}
}

// WithDurabilityMode selects STRICT/BALANCED/EVENTUAL commit behavior. If
// WithDurabilityPolicy was not also given, the active DurabilityPolicy's
// MaxPayloadInWAL is adjusted to the mode's spec default (8192 for
// BALANCED, 32768 for EVENTUAL, unchanged for STRICT) once Open resolves
// the final option set.
func WithDurabilityMode(m DurabilityMode) storeOpt {
	return func(c *config) { c.mode = m }
}

// WithDurabilityPolicy overrides the DurabilityPolicy governing WAL payload
// embedding and mmap dirty-range flush behavior; defaults to
// DefaultDurabilityPolicy().
func WithDurabilityPolicy(p DurabilityPolicy) storeOpt {
	return func(c *config) {
		c.durability = p
		c.durabilitySet = true
	}
}

// resolveDurabilityDefaults applies spec §6's per-mode MaxPayloadInWAL
// default when the caller never supplied an explicit DurabilityPolicy.
func (c *config) resolveDurabilityDefaults() {
	if c.durabilitySet {
		return
	}
	switch c.mode {
	case ModeEventual:
		c.durability.MaxPayloadInWAL = 32768
	default:
		c.durability.MaxPayloadInWAL = 8192
	}
}

// WithCheckpointPolicy overrides the Checkpoint Coordinator's trigger
// policy; defaults to checkpoint.DefaultPolicy().
func WithCheckpointPolicy(p checkpoint.Policy) storeOpt {
	return func(c *config) { c.checkpointPolicy = p }
}

// WithValidateChecksumsOnRecovery sets recovery.Options.Validate. Open
// supplies no recovery.SegmentCRCReader, so recovery does not check a
// record's data_crc32c against segment bytes whatever this is set to.
// Each frame's own CRC32C, and the data_crc32c of any payload carried in
// the log, are always checked.
func WithValidateChecksumsOnRecovery(validate bool) storeOpt {
	return func(c *config) { c.validateOnRecovery = validate }
}

// WithReadOnly makes every mutating operation return ErrReadOnly. Open
// still runs full recovery and attaches the active delta log exactly as
// it does for a writable store.
func WithReadOnly(ro bool) storeOpt {
	return func(c *config) { c.readOnly = ro }
}
