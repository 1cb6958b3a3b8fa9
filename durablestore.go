// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/lucenia/xtreestore/checkpoint"
	"github.com/lucenia/xtreestore/deltalog"
	"github.com/lucenia/xtreestore/deltalog/frame"
	"github.com/lucenia/xtreestore/manifest"
	"github.com/lucenia/xtreestore/nodeid"
	"github.com/lucenia/xtreestore/objtable"
	"github.com/lucenia/xtreestore/recovery"
	"github.com/lucenia/xtreestore/segalloc"
)

// DurableStore is the crash-consistent StoreInterface implementation: every
// Commit is redone through the delta log, published via the superblock, and
// periodically checkpointed/rotated/GC'd by a checkpoint.Coordinator. It is
// the store the tree layer uses outside of tests and scratch indices.
type DurableStore struct {
	dir    string
	cfg    config
	m      *storeMetrics
	runtimeID [16]byte

	c    *core
	mf   *manifest.Manifest
	sb   *manifest.SuperblockFile
	ckpt *checkpoint.Coordinator

	writeMu sync.Mutex
	batch   []batchRecord
	newRoot map[string]nodeid.ID
	closed  bool

	dirtyMu     sync.Mutex
	dirty       []segalloc.Allocation
	dirtyBytes  uint64
	dirtyOpenAt time.Time

	eventualStop chan struct{}
	eventualDone chan struct{}
}

type batchRecord struct {
	rec            frame.Record
	retire         bool
	payload        []byte
	includePayload bool
}

// Open recovers (or initializes) the store rooted at dir and returns a
// ready-to-use DurableStore.
func Open(dir string, opts ...storeOpt) (*DurableStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.resolveDurabilityDefaults()

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("xtreestore: mkdir logs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("xtreestore: mkdir checkpoints: %w", err)
	}

	mf, err := manifest.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("xtreestore: load manifest: %w", err)
	}
	sb, err := manifest.OpenSuperblock(dir)
	if err != nil {
		return nil, fmt.Errorf("xtreestore: open superblock: %w", err)
	}

	ot := objtable.New(cfg.shardCount, objtable.WithLogger(cfg.logger))
	alloc, err := segalloc.Open(dir, cfg.segmentSize)
	if err != nil {
		return nil, fmt.Errorf("xtreestore: open segment allocator: %w", err)
	}
	c := newCore(ot, alloc)

	res, err := recovery.Run(dir, mf, sb, nil, applyRecoveredRecord(ot, alloc), recovery.Options{
		Validate: cfg.validateOnRecovery,
		Logger:   cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("xtreestore: recovery: %w", err)
	}
	alloc.RebuildFreeLists()
	atomicStoreEpoch(c, res.CurrentEpoch)
	if res.RootHandle != 0 {
		c.setRootLocal("", nodeid.FromHandle(res.RootHandle, res.RootTag), res.RootEpoch)
	}

	ckpt := checkpoint.New(dir, cfg.checkpointPolicy, mf, sb, checkpoint.WithLogger(cfg.logger), checkpoint.WithRegisterer(cfg.reg))
	if err := ckpt.AttachActiveLog(res.ActiveLog, res.ActiveLogSeq, res.CurrentEpoch, res.ActiveLogIsNew); err != nil {
		return nil, fmt.Errorf("xtreestore: attach active log: %w", err)
	}

	ds := &DurableStore{
		dir:       dir,
		cfg:       cfg,
		m:         newStoreMetrics(cfg.reg),
		runtimeID: uuid.New(),
		c:         c,
		mf:        mf,
		sb:        sb,
		ckpt:      ckpt,
		newRoot:   make(map[string]nodeid.ID),
	}
	if cfg.mode == ModeEventual {
		ds.startEventualSync()
	}
	return ds, nil
}

func atomicStoreEpoch(c *core, epoch uint64) {
	for {
		cur := c.currentEpoch()
		if epoch <= cur {
			return
		}
		if c.advanceEpochTo(epoch) {
			return
		}
	}
}

// applyRecoveredRecord builds the recovery.ApplyFunc that reattaches each
// replayed record into the Object Table and segment allocator, per spec
// §4.6 step 4 ("deterministically replay in order, reattaching handles").
func applyRecoveredRecord(ot *objtable.Table, alloc *segalloc.Allocator) recovery.ApplyFunc {
	return func(rec frame.Record, payload []byte) error {
		id := nodeid.FromHandle(rec.HandleIdx, rec.Tag)
		shardIdx, index := id.Shard(), id.Index()

		if rec.RetireEpoch != 0 {
			ot.ReattachRetired(shardIdx, index, rec.RetireEpoch)
			return nil
		}

		ptr, err := alloc.GetPtrForRecovery(rec.ClassID, rec.Length, objtable.Kind(rec.Kind), rec.FileID, rec.SegmentID, rec.Offset, rec.Length)
		if err != nil {
			return fmt.Errorf("xtreestore: recovery reattach segment: %w", err)
		}
		if len(payload) > 0 {
			if uint32(len(payload)) > rec.Length {
				return fmt.Errorf("xtreestore: recovery payload of %d bytes exceeds slot length %d for handle %s", len(payload), rec.Length, id)
			}
			if rec.DataCRC32C != 0 && frame.ChecksumPayload(payload) != rec.DataCRC32C {
				return fmt.Errorf("%w: payload checksum mismatch for handle %s", ErrCorrupt, id)
			}
			copy(ptr, payload)
		}
		alloc.ReattachRecoveredAllocation(segalloc.Allocation{
			ClassID: rec.ClassID, FileID: rec.FileID, SegmentID: rec.SegmentID, Offset: rec.Offset, Length: rec.Length,
		})
		ot.ReattachRecovered(shardIdx, index, rec.Tag, objtable.Kind(rec.Kind), rec.ClassID,
			objtable.Addr{FileID: rec.FileID, SegmentID: rec.SegmentID, Offset: rec.Offset, Length: rec.Length},
			rec.BirthEpoch)
		return nil
	}
}

func (d *DurableStore) AllocateNode(kind objtable.Kind, length uint32) (nodeid.ID, []byte, error) {
	if d.cfg.readOnly {
		return nodeid.Invalid, nil, ErrReadOnly
	}
	d.writeMu.Lock()
	closed := d.closed
	d.writeMu.Unlock()
	if closed {
		return nodeid.Invalid, nil, ErrClosed
	}
	id, buf, err := d.c.allocateNode(kind, length)
	if err == nil {
		d.m.nodesAllocated.Inc()
	}
	return id, buf, err
}

// PublishNode stages id's current buffer content for the next Commit. The
// record carries the node's payload in-line (deltalog's payload-carrying
// redo path) whenever the buffer is no larger than the active
// DurabilityPolicy's MaxPayloadInWAL; larger nodes rely on the out-of-line
// mmap'd copy plus DataCRC32C alone, per spec §6.
func (d *DurableStore) PublishNode(id nodeid.ID) error {
	if d.cfg.readOnly {
		return ErrReadOnly
	}
	e := d.c.ot.Get(id)
	if e == nil {
		return ErrNotFound
	}
	addr := e.Addr()
	buf, err := d.c.alloc.GetPtr(segalloc.Allocation{
		ClassID: e.ClassID(), FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length,
	})
	if err != nil {
		return err
	}
	rec := frame.Record{
		HandleIdx: id.Handle(), Tag: id.Tag(), Kind: uint8(e.Kind()), ClassID: e.ClassID(),
		FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length,
		DataCRC32C: frame.ChecksumPayload(buf),
	}
	includePayload := uint32(len(buf)) <= d.cfg.durability.MaxPayloadInWAL
	var payload []byte
	if includePayload {
		payload = append([]byte(nil), buf...)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.batch = append(d.batch, batchRecord{rec: rec, payload: payload, includePayload: includePayload})
	return nil
}

// PublishNodeInPlace copies src into id's mapped slot and stages the record
// for the next Commit, bounds-checking src against the slot's capacity
// rather than trusting the caller to have already written through the
// mapping (see SPEC_FULL.md's decision on publish_node_in_place's copy
// semantics).
func (d *DurableStore) PublishNodeInPlace(id nodeid.ID, src []byte) error {
	if d.cfg.readOnly {
		return ErrReadOnly
	}
	e := d.c.ot.Get(id)
	if e == nil {
		return ErrNotFound
	}
	if e.Tag() != id.Tag() {
		return ErrStaleTag
	}
	addr := e.Addr()
	if uint32(len(src)) > addr.Length {
		return ErrBufferOverflow
	}
	buf, err := d.c.alloc.GetPtr(segalloc.Allocation{
		ClassID: e.ClassID(), FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length,
	})
	if err != nil {
		return err
	}
	copy(buf, src)

	rec := frame.Record{
		HandleIdx: id.Handle(), Tag: id.Tag(), Kind: uint8(e.Kind()), ClassID: e.ClassID(),
		FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length,
		DataCRC32C: frame.ChecksumPayload(src),
	}
	includePayload := uint32(len(src)) <= d.cfg.durability.MaxPayloadInWAL
	var payload []byte
	if includePayload {
		payload = append([]byte(nil), src...)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.batch = append(d.batch, batchRecord{rec: rec, payload: payload, includePayload: includePayload})
	return nil
}

func (d *DurableStore) RetireNode(id nodeid.ID, reason RetireReason) error {
	if d.cfg.readOnly {
		return ErrReadOnly
	}
	if d.c.ot.Get(id) == nil {
		return ErrNotFound
	}
	_ = reason // carried for diagnostics only; the wire record has no reason field
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.batch = append(d.batch, batchRecord{
		rec:    frame.Record{HandleIdx: id.Handle(), Tag: id.Tag()},
		retire: true,
	})
	d.m.nodesRetired.Inc()
	return nil
}

func (d *DurableStore) FreeNodeImmediate(id nodeid.ID, reason FreeReason) error {
	if d.cfg.readOnly {
		return ErrReadOnly
	}
	err := d.c.freeNodeImmediate(id, reason)
	if err == nil {
		d.m.nodesFreed.Inc()
	}
	return err
}

func (d *DurableStore) ReadNode(id nodeid.ID) ([]byte, error) {
	buf, err := d.c.readNode(id)
	d.observeReadErr(err)
	return buf, err
}

func (d *DurableStore) ReadNodePinned(id nodeid.ID, epoch uint64) ([]byte, error) {
	buf, err := d.c.readNodePinned(id, epoch)
	d.observeReadErr(err)
	return buf, err
}

func (d *DurableStore) observeReadErr(err error) {
	switch err {
	case ErrNotFound:
		d.m.readNotFound.Inc()
	case ErrStaleTag:
		d.m.readStaleTag.Inc()
	}
}

func (d *DurableStore) GetRoot(name string) (nodeid.ID, uint64, error) {
	id, epoch, ok := d.c.getRoot(name)
	if !ok {
		return nodeid.Invalid, 0, ErrNotFound
	}
	return id, epoch, nil
}

func (d *DurableStore) SetRoot(name string, id nodeid.ID) error {
	if d.cfg.readOnly {
		return ErrReadOnly
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.newRoot[name] = id
	return nil
}

// Commit appends this batch's records to the active delta log, syncs per
// the configured DurabilityMode, advances the epoch, applies the batch to
// the Object Table, and publishes a new superblock if any root changed.
func (d *DurableStore) Commit() (uint64, error) {
	if d.cfg.readOnly {
		return 0, ErrReadOnly
	}
	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		return 0, ErrClosed
	}
	batch := d.batch
	newRoot := d.newRoot
	d.batch = nil
	d.newRoot = make(map[string]nodeid.ID)
	d.writeMu.Unlock()

	if len(batch) == 0 && len(newRoot) == 0 {
		return d.c.currentEpoch(), nil
	}

	epoch := d.c.advanceEpoch()

	records := make([]deltalog.RecordWithPayload, 0, len(batch))
	var touched []segalloc.Allocation
	for i := range batch {
		r := batch[i].rec
		if batch[i].retire {
			r.RetireEpoch = epoch
		} else {
			r.BirthEpoch = epoch
			touched = append(touched, segalloc.Allocation{
				ClassID: r.ClassID, FileID: r.FileID, SegmentID: r.SegmentID, Offset: r.Offset, Length: r.Length,
			})
		}
		records = append(records, deltalog.RecordWithPayload{
			Record: r, Payload: batch[i].payload, IncludePayload: batch[i].includePayload,
		})
	}

	// STRICT flushes every dirty range with msync(MS_SYNC) before the WAL
	// append (spec §4.4 step 5); BALANCED and EVENTUAL instead queue the
	// ranges and flush after the append completes, so a crash between the
	// two never leaves the WAL ahead of a durable redo source without also
	// leaving the mmap'd copy at least as stale as what the log can replay.
	if d.cfg.mode == ModeStrict {
		for _, a := range touched {
			if err := d.c.alloc.Sync(a); err != nil {
				return 0, fmt.Errorf("xtreestore: pre-commit msync: %w", err)
			}
		}
	} else {
		for _, a := range touched {
			d.queueDirty(a)
		}
	}

	log, release := d.ckpt.ActiveLog()
	err := log.AppendWithPayloads(records)
	release()
	if err != nil {
		return 0, fmt.Errorf("xtreestore: append: %w", err)
	}

	useFdatasync := d.cfg.durability.UseFdatasync
	switch d.cfg.mode {
	case ModeStrict:
		// No group commit: every STRICT commit forces its own sync.
		if err := d.syncLogDirect(useFdatasync); err != nil {
			return 0, fmt.Errorf("xtreestore: sync: %w", err)
		}
	case ModeBalanced:
		if d.cfg.durability.SyncOnCommit {
			if err := d.syncLogDirect(useFdatasync); err != nil {
				return 0, fmt.Errorf("xtreestore: sync: %w", err)
			}
		} else if err := d.ckpt.RequestSync(useFdatasync); err != nil {
			return 0, fmt.Errorf("xtreestore: sync: %w", err)
		}
		// Dirty ranges are always flushed after the WAL in BALANCED mode so
		// the in-place mmap'd state catches up to what was just made durable.
		if err := d.flushDirty(); err != nil {
			return 0, fmt.Errorf("xtreestore: dirty-range flush: %w", err)
		}
	case ModeEventual:
		if d.cfg.durability.SyncOnCommit {
			if err := d.syncLogDirect(useFdatasync); err != nil {
				return 0, fmt.Errorf("xtreestore: sync: %w", err)
			}
		}
		if d.dirtyThresholdExceeded() {
			if err := d.flushDirty(); err != nil {
				return 0, fmt.Errorf("xtreestore: dirty-range flush: %w", err)
			}
		}
	}

	for _, op := range batch {
		id := nodeid.FromHandle(op.rec.HandleIdx, op.rec.Tag)
		if op.retire {
			d.c.ot.Retire(id, epoch)
		} else {
			d.c.ot.MarkLiveCommit(id, epoch)
		}
	}

	var lastRootID nodeid.ID
	for name, id := range newRoot {
		d.c.setRootLocal(name, id, epoch)
		d.mf.SetRoot(name, manifest.RootEntry{NodeID: id.Raw(), Epoch: epoch})
		lastRootID = id
	}
	if len(newRoot) > 0 {
		if err := d.mf.Save(); err != nil {
			return 0, fmt.Errorf("xtreestore: save manifest root: %w", err)
		}
		if err := d.ckpt.TryPublish(lastRootID.Handle(), lastRootID.Tag(), epoch, d.runtimeID); err != nil {
			return 0, fmt.Errorf("xtreestore: publish superblock: %w", err)
		}
	}

	d.c.ot.ReclaimBeforeEpoch(epoch)

	if rotated, err := d.ckpt.MaybeRotate(epoch); err != nil {
		level.Error(d.cfg.logger).Log("msg", "rotate check failed", "err", err)
	} else if rotated {
		d.m.rotationsObserved.Inc()
	}
	// Replay work since the last checkpoint: the epochs committed since it
	// and the bytes of every log it does not fully cover.
	lastCkpt := d.ckpt.Stats().LastCheckpointEpoch
	var replayBytes uint64
	for _, e := range d.mf.Logs() {
		if e.EndEpoch != 0 && e.EndEpoch <= lastCkpt {
			continue
		}
		if fi, err := os.Stat(filepath.Join(d.dir, e.Path)); err == nil {
			replayBytes += uint64(fi.Size())
		}
	}
	if _, err := d.ckpt.MaybeCheckpoint(epoch, replayBytes, epoch-lastCkpt, d.snapshotOT); err != nil {
		level.Error(d.cfg.logger).Log("msg", "checkpoint check failed", "err", err)
	}

	d.m.commits.Inc()
	return epoch, nil
}

// snapshotOT is passed to the Coordinator as its checkpoint.SnapshotFunc.
// It is intentionally minimal: it is the one part of this module that
// genuinely belongs to the tree layer's own encoding (spec §1 places node
// layout out of persistence-core scope), so it persists only what the
// core itself owns: the named-root catalog, which the manifest already
// durably carries. A full OT/segment snapshot format belongs to whatever
// component owns node encoding.
func (d *DurableStore) snapshotOT(checkpointEpoch uint64) ([]byte, error) {
	roots := d.mf.Roots()
	buf := make([]byte, 0, 64*len(roots))
	for name, r := range roots {
		buf = append(buf, []byte(fmt.Sprintf("%s=%d@%d\n", name, r.NodeID, r.Epoch))...)
	}
	return buf, nil
}

// syncLogDirect syncs the active log directly, bypassing the Coordinator's
// group-commit window; STRICT mode and any mode with SyncOnCommit set use
// this instead of RequestSync so a caller that asked for synchronous
// durability never gets batched behind someone else's commit.
func (d *DurableStore) syncLogDirect(useFdatasync bool) error {
	l, release := d.ckpt.ActiveLog()
	defer release()
	return l.Sync(useFdatasync)
}

// queueDirty records alloc as needing an msync flush before it may be
// considered durable outside of the WAL's own redo copy.
func (d *DurableStore) queueDirty(alloc segalloc.Allocation) {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	d.dirty = append(d.dirty, alloc)
	d.dirtyBytes += uint64(alloc.Length)
	if d.dirtyOpenAt.IsZero() {
		d.dirtyOpenAt = time.Now()
	}
}

// dirtyThresholdExceeded reports whether DirtyFlushBytes or DirtyFlushAge
// has been crossed since the oldest queued range was added, gating
// EVENTUAL mode's commit-time eager flush on top of its background ticker.
func (d *DurableStore) dirtyThresholdExceeded() bool {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	if len(d.dirty) == 0 {
		return false
	}
	p := d.cfg.durability
	if p.DirtyFlushBytes > 0 && d.dirtyBytes >= p.DirtyFlushBytes {
		return true
	}
	if p.DirtyFlushAge > 0 && !d.dirtyOpenAt.IsZero() && time.Since(d.dirtyOpenAt) >= p.DirtyFlushAge {
		return true
	}
	return false
}

// flushDirty drains the queued dirty ranges and msyncs each one (coalesced
// into a minimal covering set per range when CoalesceFlushes is set).
func (d *DurableStore) flushDirty() error {
	d.dirtyMu.Lock()
	pending := d.dirty
	d.dirty = nil
	d.dirtyBytes = 0
	d.dirtyOpenAt = time.Time{}
	d.dirtyMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	ranges := pending
	if d.cfg.durability.CoalesceFlushes {
		ranges = coalesceDirtyRanges(pending)
	}
	for _, a := range ranges {
		if err := d.c.alloc.Sync(a); err != nil {
			return err
		}
	}
	return nil
}

// coalesceDirtyRanges merges adjacent/overlapping ranges within the same
// segment into a minimal covering set, so a flush issues one msync per
// contiguous run instead of one per individual publish.
func coalesceDirtyRanges(allocs []segalloc.Allocation) []segalloc.Allocation {
	type key struct{ classID, segmentID uint32 }
	groups := make(map[key][]segalloc.Allocation, len(allocs))
	for _, a := range allocs {
		k := key{a.ClassID, a.SegmentID}
		groups[k] = append(groups[k], a)
	}

	out := make([]segalloc.Allocation, 0, len(allocs))
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Offset < g[j].Offset })
		cur := g[0]
		for _, a := range g[1:] {
			if a.Offset <= cur.Offset+cur.Length {
				if end := a.Offset + a.Length; end > cur.Offset+cur.Length {
					cur.Length = end - cur.Offset
				}
				continue
			}
			out = append(out, cur)
			cur = a
		}
		out = append(out, cur)
	}
	return out
}

func (d *DurableStore) startEventualSync() {
	d.eventualStop = make(chan struct{})
	d.eventualDone = make(chan struct{})
	interval := d.cfg.checkpointPolicy.EventualSyncInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	go func() {
		defer close(d.eventualDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.eventualStop:
				return
			case <-ticker.C:
				if err := d.ckpt.RequestSync(true); err != nil {
					level.Error(d.cfg.logger).Log("msg", "eventual sync failed", "err", err)
				}
				if err := d.flushDirty(); err != nil {
					level.Error(d.cfg.logger).Log("msg", "eventual dirty-range flush failed", "err", err)
				}
			}
		}
	}()
}

func (d *DurableStore) Close() error {
	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		return nil
	}
	d.closed = true
	d.writeMu.Unlock()

	if d.eventualStop != nil {
		close(d.eventualStop)
		<-d.eventualDone
	}
	if err := d.flushDirty(); err != nil {
		return fmt.Errorf("xtreestore: final dirty-range flush: %w", err)
	}
	if err := d.ckpt.Close(); err != nil {
		return err
	}
	return d.c.alloc.Close()
}

// Stats returns the Checkpoint Coordinator's operational counters.
func (d *DurableStore) Stats() checkpoint.Stats { return d.ckpt.Stats() }

var _ StoreInterface = (*DurableStore)(nil)
