// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package checkpoint implements the Checkpoint Coordinator: the component
// that owns the active delta log, decides when to checkpoint/rotate/GC per
// Policy, and is the only writer of the superblock. It mirrors the
// teacher's WAL in one specific way: the active log is swapped under a
// narrow lock while readers that raced with the swap keep their pinned
// reference alive via deltalog's Acquire/Release refcounting, exactly the
// shape of the teacher's atomic.Value state snapshot plus per-state
// finalizer.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/lucenia/xtreestore/deltalog"
	"github.com/lucenia/xtreestore/manifest"
)

// SnapshotFunc produces the bytes of a point-in-time OT snapshot bounded at
// checkpointEpoch. It is supplied by the root Runtime, which is the only
// component that knows how to walk the Object Table.
type SnapshotFunc func(checkpointEpoch uint64) ([]byte, error)

// Coordinator drives checkpoint triggers, group commit, log rotation, and
// log GC for one store directory.
type Coordinator struct {
	dir            string
	logsDir        string
	checkpointsDir string

	policy Policy
	mf     *manifest.Manifest
	sb     *manifest.SuperblockFile
	logger log.Logger
	reg    prometheus.Registerer
	m      *coordinatorMetrics

	// rotMu serializes rotation/checkpoint sequences; it is deliberately
	// separate from the appender's per-log lock so readers/writers never
	// block on a checkpoint in progress except at the instant the active
	// log reference is swapped.
	rotMu      sync.Mutex
	active     atomic.Value // *deltalog.Log
	nextLogSeq uint64

	lastCheckpoint      time.Time
	lastCheckpointEpoch uint64
	lastRotation        time.Time

	gcLimiter *rate.Limiter

	gcOnce sync.Once
	group  *groupCommitState

	statsMu sync.Mutex
	stats   Stats
	hist    *hdrhistogram.Histogram

	gc gcConfig
}

// ErrCoordinatorClosed is returned to any group-commit waiter still pending
// when Close is called.
var ErrCoordinatorClosed = fmt.Errorf("checkpoint: coordinator closed")

type gcConfig struct {
	onRotate     bool
	onCheckpoint bool
	minKeep      int
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLogger overrides the Coordinator's logger.
func WithLogger(l log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegisterer overrides the Prometheus registerer used for metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.reg = reg }
}

// New constructs a Coordinator for the store rooted at dir. It does not
// open or create any log itself; the caller (the root Runtime, after
// recovery has determined where the active log's valid tail ends) attaches
// it via AttachActiveLog.
func New(dir string, policy Policy, mf *manifest.Manifest, sb *manifest.SuperblockFile, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:            dir,
		logsDir:        filepath.Join(dir, "logs"),
		checkpointsDir: filepath.Join(dir, "checkpoints"),
		policy:         policy,
		mf:             mf,
		sb:             sb,
		logger:         log.NewNopLogger(),
		reg:            prometheus.NewRegistry(),
		gcLimiter:      rate.NewLimiter(rate.Limit(50), 50), // at most ~50 deletes/sec, bursting 50
		hist:           hdrhistogram.New(1, 60_000, 3),
		gc: gcConfig{
			onRotate:     policy.GCOnRotate,
			onCheckpoint: policy.GCOnCheckpoint,
			minKeep:      policy.GCMinKeepLogs,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.m = newCoordinatorMetrics(c.reg)
	os.MkdirAll(c.logsDir, 0o755)
	os.MkdirAll(c.checkpointsDir, 0o755)
	return c
}

// AttachActiveLog registers the log the caller has already opened (via
// deltalog.Create for a brand new store, or deltalog.OpenForAppend after
// recovery determined the valid tail of an existing one) as the
// Coordinator's active log, and, if this is a brand-new log, records it in
// the manifest.
func (c *Coordinator) AttachActiveLog(l *deltalog.Log, sequence uint64, startEpoch uint64, isNew bool) error {
	c.active.Store(l)
	c.nextLogSeq = sequence + 1
	c.lastRotation = time.Now()
	c.lastCheckpoint = time.Now()
	if isNew {
		c.mf.AddLog(manifest.LogEntry{
			Path:       filepath.Join("logs", filepath.Base(l.Path())),
			Sequence:   sequence,
			StartEpoch: startEpoch,
		})
		return c.mf.Save()
	}
	return nil
}

// ActiveLog returns the current active log pinned against concurrent
// rotation; the caller must invoke the returned release func when done.
func (c *Coordinator) ActiveLog() (*deltalog.Log, func()) {
	l := c.active.Load().(*deltalog.Log)
	return l, l.Acquire()
}

// RequestSync durably syncs the active log, coalescing concurrent callers
// within the configured group-commit window into a single underlying sync
// call (spec §4.5 "Group commit").
func (c *Coordinator) RequestSync(useFdatasync bool) error {
	if c.policy.GroupCommitIntervalMs <= 0 {
		l, release := c.ActiveLog()
		defer release()
		return l.Sync(useFdatasync)
	}
	return c.groupSync(useFdatasync)
}

// TryPublish atomically publishes a new root+epoch into the superblock.
func (c *Coordinator) TryPublish(rootHandle uint64, rootTag uint8, epoch uint64, runtimeID [16]byte) error {
	c.rotMu.Lock()
	defer c.rotMu.Unlock()

	sb := manifest.Superblock{
		RootHandle:   rootHandle,
		RootTag:      rootTag,
		Epoch:        epoch,
		CkptEpoch:    c.lastCheckpointEpoch,
		ActiveLogSeq: c.currentSequence(),
		RuntimeID:    runtimeID,
	}
	return c.sb.Publish(sb)
}

func (c *Coordinator) currentSequence() uint64 {
	l := c.active.Load().(*deltalog.Log)
	return l.Sequence()
}

// MaybeRotate rotates the active log if it has grown past RotateBytes or
// RotateAge, per spec §4.5. currentEpoch stamps the closed log's end_epoch
// and the new log's start_epoch.
func (c *Coordinator) MaybeRotate(currentEpoch uint64) (bool, error) {
	l, release := c.ActiveLog()
	bytes := l.EndOffset()
	age := time.Since(c.lastRotation)
	release()

	needRotate := (c.policy.RotateBytes > 0 && uint64(bytes) > c.policy.RotateBytes) ||
		(c.policy.RotateAge > 0 && age > c.policy.RotateAge)
	if !needRotate {
		return false, nil
	}

	c.rotMu.Lock()
	defer c.rotMu.Unlock()
	if err := c.rotateLocked(currentEpoch); err != nil {
		return false, err
	}
	if c.gc.onRotate {
		if _, err := c.gcLocked(c.lastCheckpointEpoch); err != nil {
			level.Error(c.logger).Log("msg", "gc after rotation failed", "err", err)
		}
	}
	return true, nil
}

// rotateLocked seals the active log, opens the next one, and swaps the
// reference. c.rotMu must be held.
func (c *Coordinator) rotateLocked(currentEpoch uint64) error {
	oldLog := c.active.Load().(*deltalog.Log)
	oldSeq := oldLog.Sequence()

	newSeq := c.nextLogSeq
	newPath := filepath.Join(c.logsDir, fmt.Sprintf("delta_%d.wal", newSeq))
	newLog, err := deltalog.Create(newPath, newSeq)
	if err != nil {
		return fmt.Errorf("checkpoint: create next log: %w", err)
	}
	c.nextLogSeq++

	c.mf.CloseLog(oldSeq, currentEpoch)
	c.mf.AddLog(manifest.LogEntry{
		Path:       filepath.Join("logs", filepath.Base(newPath)),
		Sequence:   newSeq,
		StartEpoch: currentEpoch,
	})
	if err := c.mf.Save(); err != nil {
		newLog.Close()
		return fmt.Errorf("checkpoint: save manifest after rotate: %w", err)
	}

	// Swap the reference; any reader/writer already holding an Acquire()
	// on oldLog keeps it valid until it releases.
	c.active.Store(newLog)
	_ = oldLog.Close() // drops the coordinator's own creation reference

	c.lastRotation = time.Now()
	c.statsMu.Lock()
	c.stats.Rotations++
	c.statsMu.Unlock()
	c.m.rotations.Inc()
	return nil
}

// MaybeCheckpoint checkpoints if any trigger fires and MinInterval has
// elapsed, per spec §4.5's checkpoint sequence.
func (c *Coordinator) MaybeCheckpoint(currentEpoch, replayBytes, replayEpochs uint64, snapshot SnapshotFunc) (bool, error) {
	since := time.Since(c.lastCheckpoint)
	if since < c.policy.MinInterval {
		return false, nil
	}
	trigger := (c.policy.MaxReplayBytes > 0 && replayBytes > c.policy.MaxReplayBytes) ||
		(c.policy.MaxReplayEpochs > 0 && replayEpochs > c.policy.MaxReplayEpochs) ||
		(c.policy.MaxAge > 0 && since > c.policy.MaxAge)
	if !trigger {
		return false, nil
	}
	return true, c.doCheckpoint(currentEpoch, snapshot)
}

// ForceCheckpoint runs a checkpoint unconditionally (used by tests and by
// an explicit operator-triggered flush).
func (c *Coordinator) ForceCheckpoint(currentEpoch uint64, snapshot SnapshotFunc) error {
	return c.doCheckpoint(currentEpoch, snapshot)
}

func (c *Coordinator) doCheckpoint(currentEpoch uint64, snapshot SnapshotFunc) error {
	start := time.Now()

	data, err := snapshot(currentEpoch)
	if err != nil {
		return fmt.Errorf("checkpoint: snapshot: %w", err)
	}

	ckptPath := filepath.Join(c.checkpointsDir, fmt.Sprintf("ckpt_%d.bin", currentEpoch))
	tmp := ckptPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: fsync tmp: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, ckptPath); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}

	c.rotMu.Lock()
	defer c.rotMu.Unlock()

	c.mf.AddCheckpoint(manifest.CheckpointEntry{
		Path:  filepath.Join("checkpoints", filepath.Base(ckptPath)),
		Epoch: currentEpoch,
	})
	if err := c.rotateLocked(currentEpoch); err != nil {
		return err
	}
	if err := fsyncDirPath(c.dir); err != nil {
		level.Error(c.logger).Log("msg", "dir fsync after checkpoint failed", "err", err)
	}

	c.lastCheckpoint = time.Now()
	c.lastCheckpointEpoch = currentEpoch

	c.statsMu.Lock()
	c.stats.CheckpointsWritten++
	c.stats.LastCheckpointEpoch = currentEpoch
	c.stats.LastReplayBytes = 0
	elapsedMs := time.Since(start).Milliseconds()
	c.stats.LastCkptMs = elapsedMs
	c.statsMu.Unlock()
	c.hist.RecordValue(elapsedMs)
	c.m.checkpointsWritten.Inc()
	c.m.checkpointMillis.Observe(float64(elapsedMs))

	if c.gc.onCheckpoint {
		if _, err := c.gcLocked(currentEpoch); err != nil {
			level.Error(c.logger).Log("msg", "gc after checkpoint failed", "err", err)
		}
	}
	return nil
}

func fsyncDirPath(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// gcLocked deletes sealed logs fully covered by checkpointEpoch, keeping at
// least GCMinKeepLogs of the most recent sealed logs regardless. c.rotMu
// must be held.
func (c *Coordinator) gcLocked(checkpointEpoch uint64) (int, error) {
	logs := c.mf.Logs()
	// Only sealed logs (EndEpoch != 0) are eligible; the active log is
	// always the last entry and always unsealed.
	eligible := make([]manifest.LogEntry, 0, len(logs))
	for _, e := range logs {
		if e.EndEpoch != 0 {
			eligible = append(eligible, e)
		}
	}
	keepFromEnd := c.gc.minKeep
	if keepFromEnd < 0 {
		keepFromEnd = 0
	}
	prunable := 0
	if len(eligible) > keepFromEnd {
		prunable = len(eligible) - keepFromEnd
	}

	pruned := 0
	for i := 0; i < prunable; i++ {
		e := eligible[i]
		if e.EndEpoch > checkpointEpoch {
			continue
		}
		if err := c.gcLimiter.Wait(context.Background()); err != nil {
			continue
		}
		path := filepath.Join(c.dir, e.Path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			level.Error(c.logger).Log("msg", "gc: failed to delete log", "path", path, "err", err)
			continue
		}
		c.mf.RemoveLog(e.Sequence)
		pruned++
	}
	if pruned > 0 {
		if err := c.mf.Save(); err != nil {
			return pruned, err
		}
		c.statsMu.Lock()
		c.stats.PrunedLogs += uint64(pruned)
		c.stats.LastGCEpoch = checkpointEpoch
		c.statsMu.Unlock()
		c.m.prunedLogs.Add(float64(pruned))
	}
	return pruned, nil
}

// Stats returns a snapshot of the Coordinator's operational counters.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close stops background work and releases the active log reference.
func (c *Coordinator) Close() error {
	c.stopGroupCommit()
	l := c.active.Load().(*deltalog.Log)
	return l.Close()
}
