// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package recovery rebuilds a store's in-memory state from its durable
// files on startup: read the superblock, load the checkpoint it points at
// (falling back to an older one if the referenced checkpoint is missing),
// then replay every delta log newer than that checkpoint, in the teacher's
// "read the log forward from where the snapshot left off" shape.
package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lucenia/xtreestore/deltalog"
	"github.com/lucenia/xtreestore/deltalog/frame"
	"github.com/lucenia/xtreestore/manifest"
)

// ErrNoCheckpointAvailable is returned when the manifest names at least one
// checkpoint but none of them can be read, which recovery treats as fatal
// rather than silently replaying the entire log history from epoch zero.
var ErrNoCheckpointAvailable = errors.New("recovery: manifest references checkpoints but none are readable")

// ErrDataCRCMismatch is returned when Options.Validate is set and a
// record's data_crc32c does not match its referenced segment bytes.
var ErrDataCRCMismatch = errors.New("recovery: data_crc32c mismatch")

// ApplyFunc is invoked once per valid record encountered during replay, in
// log order, so the caller (the root Runtime) can apply it to the Object
// Table and segment allocator.
type ApplyFunc func(rec frame.Record, payload []byte) error

// SnapshotLoader rebuilds in-memory state (Object Table contents, free
// lists) from a checkpoint's raw bytes. It is the inverse of the
// checkpoint.SnapshotFunc the Coordinator calls to produce those bytes.
type SnapshotLoader func(data []byte) error

// SegmentCRCReader fetches the bytes a record's FileID/Offset/Length
// identify, for data_crc32c verification. It may be nil, in which case
// data-level checksum verification is skipped even if Validate is true.
type SegmentCRCReader func(fileID, offset, length uint32) ([]byte, error)

// Options configures a Run.
type Options struct {
	// Validate is set from the store's WithValidateChecksumsOnRecovery
	// option: when true and ReadSegment is non-nil, every record's
	// data_crc32c is additionally verified against the referenced segment
	// bytes, not just the frame's own CRC32C (which Replay always checks
	// regardless of this flag).
	Validate    bool
	ReadSegment SegmentCRCReader
	Logger      log.Logger
}

// Result describes what Run found, including the log the caller should
// hand to the Checkpoint Coordinator as the active, appendable log.
type Result struct {
	// CurrentEpoch is the highest epoch observed across the checkpoint and
	// every replayed record.
	CurrentEpoch uint64

	// CheckpointEpoch is the epoch of the checkpoint actually loaded, or 0
	// if the store has none yet.
	CheckpointEpoch uint64

	// ReplayedRecords and ReplayedBytes summarize the work redone since
	// the loaded checkpoint.
	ReplayedRecords int
	ReplayedBytes   uint64

	// ActiveLog is open for append (or freshly created for a brand-new
	// store); ActiveLogIsNew is true when the caller must register it with
	// the Coordinator as a new log rather than an existing one.
	ActiveLog       *deltalog.Log
	ActiveLogSeq    uint64
	ActiveLogIsNew  bool

	// RootHandle/RootTag/RootEpoch come from the superblock, or are zero
	// for a brand-new store.
	RootHandle uint64
	RootTag    uint8
	RootEpoch  uint64
}

// Run performs the full recovery sequence for the store rooted at dir.
func Run(dir string, mf *manifest.Manifest, sb *manifest.SuperblockFile, loadSnapshot SnapshotLoader, apply ApplyFunc, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	res := &Result{}
	cur, hasBlock := sb.Current()
	if hasBlock {
		res.RootHandle = cur.RootHandle
		res.RootTag = cur.RootTag
		res.RootEpoch = cur.Epoch
		res.CurrentEpoch = cur.Epoch
	}

	ckpts := mf.Checkpoints() // sorted ascending by epoch
	if hasBlock && cur.CkptEpoch > 0 && len(ckpts) > 0 {
		loaded, err := loadBestCheckpoint(dir, ckpts, cur.CkptEpoch, loadSnapshot, logger)
		if err != nil {
			return nil, err
		}
		res.CheckpointEpoch = loaded
	}

	logs := mf.Logs() // sorted ascending by sequence
	replayLogs := make([]manifest.LogEntry, 0, len(logs))
	for _, e := range logs {
		if e.EndEpoch != 0 && e.EndEpoch <= res.CheckpointEpoch {
			continue // fully covered by the checkpoint we just loaded
		}
		replayLogs = append(replayLogs, e)
	}
	sort.Slice(replayLogs, func(i, j int) bool { return replayLogs[i].Sequence < replayLogs[j].Sequence })

	for i, e := range replayLogs {
		isActive := i == len(replayLogs)-1 && e.EndEpoch == 0
		path := filepath.Join(dir, e.Path)

		validEnd, err := replayOne(path, e, apply, opts, res, logger)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && isActive {
				// Manifest names an active log whose file never made it to
				// disk (crash between AddLog and the first Append); treat
				// it as if none exists yet.
				break
			}
			return nil, err
		}

		if isActive {
			l, err := deltalog.OpenForAppend(path, e.Sequence, validEnd)
			if err != nil {
				return nil, fmt.Errorf("recovery: reopen active log %s: %w", path, err)
			}
			res.ActiveLog = l
			res.ActiveLogSeq = e.Sequence
			res.ActiveLogIsNew = false
		}
	}

	if res.ActiveLog == nil {
		nextSeq := uint64(1)
		for _, e := range logs {
			if e.Sequence >= nextSeq {
				nextSeq = e.Sequence + 1
			}
		}
		path := filepath.Join(dir, "logs", fmt.Sprintf("delta_%d.wal", nextSeq))
		l, err := deltalog.Create(path, nextSeq)
		if err != nil {
			return nil, fmt.Errorf("recovery: create initial active log: %w", err)
		}
		res.ActiveLog = l
		res.ActiveLogSeq = nextSeq
		res.ActiveLogIsNew = true
	}

	return res, nil
}

// replayOne replays a single log file, applying every valid record and
// optionally verifying each record's out-of-line data_crc32c.
func replayOne(path string, e manifest.LogEntry, apply ApplyFunc, opts Options, res *Result, logger log.Logger) (int64, error) {
	validEnd, err := deltalog.Replay(path, func(rec frame.Record, payload []byte, offset int64) error {
		if opts.Validate && opts.ReadSegment != nil && rec.Length > 0 && rec.DataCRC32C != 0 {
			data, rerr := opts.ReadSegment(rec.FileID, rec.Offset, rec.Length)
			if rerr != nil {
				return fmt.Errorf("recovery: read segment for crc check at %s:%d: %w", path, offset, rerr)
			}
			if frame.ChecksumPayload(data) != rec.DataCRC32C {
				return fmt.Errorf("%w at %s:%d", ErrDataCRCMismatch, path, offset)
			}
		}
		if apply != nil {
			if aerr := apply(rec, payload); aerr != nil {
				return aerr
			}
		}
		epoch := rec.BirthEpoch
		if rec.RetireEpoch != 0 && rec.RetireEpoch != ^uint64(0) && rec.RetireEpoch > epoch {
			epoch = rec.RetireEpoch
		}
		if epoch > res.CurrentEpoch {
			res.CurrentEpoch = epoch
		}
		res.ReplayedRecords++
		res.ReplayedBytes += uint64(frame.FrameLen(len(payload)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recovery: replay %s: %w", path, err)
	}
	level.Debug(logger).Log("msg", "replayed log", "path", path, "sequence", e.Sequence, "valid_end", validEnd)
	return validEnd, nil
}

// loadBestCheckpoint loads the checkpoint at wantEpoch, or the newest one
// older than wantEpoch when the named checkpoint file is missing or
// unreadable, per spec §4.6's fallback rule.
func loadBestCheckpoint(dir string, ckpts []manifest.CheckpointEntry, wantEpoch uint64, load SnapshotLoader, logger log.Logger) (uint64, error) {
	// ckpts is sorted ascending by epoch; search from the requested one
	// backward so we always fall back to strictly older data, never newer.
	startIdx := -1
	for i, c := range ckpts {
		if c.Epoch <= wantEpoch {
			startIdx = i
		}
	}
	if startIdx == -1 {
		return 0, nil
	}

	for i := startIdx; i >= 0; i-- {
		c := ckpts[i]
		data, err := os.ReadFile(filepath.Join(dir, c.Path))
		if err != nil {
			level.Warn(logger).Log("msg", "checkpoint unreadable, falling back", "path", c.Path, "err", err)
			continue
		}
		if load != nil {
			if err := load(data); err != nil {
				level.Warn(logger).Log("msg", "checkpoint failed to load, falling back", "path", c.Path, "err", err)
				continue
			}
		}
		return c.Epoch, nil
	}
	return 0, ErrNoCheckpointAvailable
}
