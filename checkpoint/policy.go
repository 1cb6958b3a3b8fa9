// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package checkpoint

import "time"

// Policy configures when the Coordinator checkpoints, rotates the active
// log, and runs log GC, per spec §4.5/§6.
type Policy struct {
	// MaxReplayBytes triggers a checkpoint once the active log (plus any
	// sealed logs newer than the last checkpoint) would require replaying
	// more than this many bytes.
	MaxReplayBytes uint64
	// MaxReplayEpochs triggers a checkpoint once more than this many
	// epochs have committed since the last checkpoint.
	MaxReplayEpochs uint64
	// MaxAge triggers a checkpoint once this long has passed since the
	// last one.
	MaxAge time.Duration
	// MinInterval is a floor between checkpoints regardless of the other
	// triggers, to avoid checkpointing too aggressively under bursty load.
	MinInterval time.Duration

	// RotateBytes triggers a log rotation once the active log exceeds this
	// many bytes.
	RotateBytes uint64
	// RotateAge triggers a log rotation once the active log has been open
	// this long.
	RotateAge time.Duration

	GCOnRotate     bool
	GCOnCheckpoint bool
	// GCMinKeepLogs is a floor on how many sealed logs are retained even if
	// they are fully covered by a checkpoint, as a safety margin for
	// external tooling that tails logs.
	GCMinKeepLogs int

	// GroupCommitIntervalMs is the group-commit window; 0 disables
	// batching and every RequestSync call syncs immediately.
	GroupCommitIntervalMs int

	// EventualSyncInterval is how often ModeEventual's background syncer
	// flushes the active log when the store otherwise never waits on a
	// sync before Commit returns.
	EventualSyncInterval time.Duration
}

// DefaultPolicy returns reasonable defaults for a BALANCED-mode store.
func DefaultPolicy() Policy {
	return Policy{
		MaxReplayBytes:        64 * 1024 * 1024,
		MaxReplayEpochs:       100_000,
		MaxAge:                5 * time.Minute,
		MinInterval:           1 * time.Second,
		RotateBytes:           64 * 1024 * 1024,
		RotateAge:             10 * time.Minute,
		GCOnRotate:            true,
		GCOnCheckpoint:        true,
		GCMinKeepLogs:         1,
		GroupCommitIntervalMs: 5,
		EventualSyncInterval:  200 * time.Millisecond,
	}
}

// Stats is the Coordinator's reported operational summary, per spec §4.5.
type Stats struct {
	CheckpointsWritten  uint64
	Rotations           uint64
	PrunedLogs          uint64
	LastCkptMs          int64
	LastReplayBytes     uint64
	LastCheckpointEpoch uint64
	LastGCEpoch         uint64
}
