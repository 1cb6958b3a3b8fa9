// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lucenia/xtreestore/nodeid"
	"github.com/lucenia/xtreestore/objtable"
	"github.com/lucenia/xtreestore/segalloc"
)

// rootState is one named root's current handle and epoch.
type rootState struct {
	id    nodeid.ID
	epoch uint64
}

// core holds the Object Table and segment allocator shared by MemoryStore
// and DurableStore, plus the MVCC epoch counter both advance on Commit.
// It has no knowledge of the delta log or manifest; the durable layer wraps
// it, the in-memory layer uses it directly.
type core struct {
	ot    *objtable.Table
	alloc *segalloc.Allocator

	epoch uint64 // atomic; the highest epoch anything has been published at

	rootMu sync.RWMutex
	roots  map[string]rootState

	allocCounter uint64 // atomic; spreads new handles across shards
}

func newCore(ot *objtable.Table, alloc *segalloc.Allocator) *core {
	return &core{
		ot:    ot,
		alloc: alloc,
		roots: make(map[string]rootState),
	}
}

// currentEpoch returns the latest epoch a reader should use for a
// snapshot-consistent traversal started now.
func (c *core) currentEpoch() uint64 { return atomic.LoadUint64(&c.epoch) }

// advanceEpoch bumps the global epoch, returning the new value. It is
// called exactly once per Commit, after which every record staged in that
// batch becomes visible to new readers.
func (c *core) advanceEpoch() uint64 { return atomic.AddUint64(&c.epoch, 1) }

// advanceEpochTo sets the epoch to at least target in a single atomic step,
// used once at Open to fast-forward past whatever recovery observed. It
// reports whether its own CAS won the race, so a caller retrying on loss
// re-reads the now-higher value instead of double-applying.
func (c *core) advanceEpochTo(target uint64) bool {
	cur := atomic.LoadUint64(&c.epoch)
	if target <= cur {
		return true
	}
	return atomic.CompareAndSwapUint64(&c.epoch, cur, target)
}

// allocateNode reserves an Object Table handle and a segment slot for a
// node of the given kind and byte length, returning the zeroed buffer the
// caller writes the node's serialized content into.
func (c *core) allocateNode(kind objtable.Kind, length uint32) (nodeid.ID, []byte, error) {
	alloc, buf, err := c.alloc.Allocate(length, kind)
	if err != nil {
		return nodeid.Invalid, nil, err
	}
	shardCounter := atomic.AddUint64(&c.allocCounter, 1)
	shardIdx := c.ot.ShardIndex(shardCounter)

	addr := objtable.Addr{FileID: alloc.FileID, SegmentID: alloc.SegmentID, Offset: alloc.Offset, Length: alloc.Length}
	id, err := c.ot.Allocate(shardIdx, kind, alloc.ClassID, addr)
	if err != nil {
		c.alloc.Free(alloc)
		if err == objtable.ErrOutOfHandles {
			err = ErrOutOfHandles
		}
		return nodeid.Invalid, nil, err
	}
	return id, buf, nil
}

// readNode validates id's tag and visibility at the current epoch and
// returns the node's bytes.
func (c *core) readNode(id nodeid.ID) ([]byte, error) {
	return c.readNodeAt(id, c.currentEpoch())
}

// readNodePinned validates visibility at a caller-pinned epoch, for
// long-running readers that started before the epoch advanced further, and
// returns a copy taken under a segalloc.Pin rather than the live mmap'd
// slice: a pinned read is by definition one that may outlive a concurrent
// segment unmap, so the raw mapping must never cross this boundary.
func (c *core) readNodePinned(id nodeid.ID, epoch uint64) ([]byte, error) {
	e := c.ot.Get(id)
	if e == nil {
		return nil, ErrNotFound
	}
	if e.Tag() != id.Tag() {
		return nil, ErrStaleTag
	}
	if !e.Visible(epoch) {
		return nil, ErrNotFound
	}
	addr := e.Addr()
	alloc := segalloc.Allocation{
		ClassID:   e.ClassID(),
		FileID:    addr.FileID,
		SegmentID: addr.SegmentID,
		Offset:    addr.Offset,
		Length:    addr.Length,
	}
	pin, err := c.alloc.Pin(alloc)
	if err != nil {
		return nil, err
	}
	defer pin.Release()
	owned := make([]byte, len(pin.Bytes()))
	copy(owned, pin.Bytes())
	return owned, nil
}

func (c *core) readNodeAt(id nodeid.ID, epoch uint64) ([]byte, error) {
	e := c.ot.Get(id)
	if e == nil {
		return nil, ErrNotFound
	}
	if e.Tag() != id.Tag() {
		return nil, ErrStaleTag
	}
	if !e.Visible(epoch) {
		return nil, ErrNotFound
	}
	addr := e.Addr()
	return c.alloc.GetPtr(segalloc.Allocation{
		ClassID:   e.ClassID(),
		FileID:    addr.FileID,
		SegmentID: addr.SegmentID,
		Offset:    addr.Offset,
		Length:    addr.Length,
	})
}

// getRoot returns a named root's current handle and epoch.
func (c *core) getRoot(name string) (nodeid.ID, uint64, bool) {
	c.rootMu.RLock()
	defer c.rootMu.RUnlock()
	r, ok := c.roots[name]
	return r.id, r.epoch, ok
}

// setRootLocal records a named root's new handle/epoch in memory only; the
// durable layer additionally persists this to the manifest and superblock.
func (c *core) setRootLocal(name string, id nodeid.ID, epoch uint64) {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	c.roots[name] = rootState{id: id, epoch: epoch}
}

// freeNodeImmediate bypasses the MVCC retire window entirely: the handle's
// segment slot is released for reuse right away. RESERVED handles (never
// committed) rewind their tag via AbortReservation so the next Allocate
// doesn't skip a generation for no reason. LIVE handles (already committed
// and currently visible) must not rewind the tag the same way: a snapshot
// reader below the current epoch may still hold a NodeID bearing the old
// tag, so the handle is retired through the normal quarantine path instead,
// and only for the subset of FreeReasons that prove no such reader could
// still depend on it (see freeReasonLegalOnLive).
func (c *core) freeNodeImmediate(id nodeid.ID, reason FreeReason) error {
	e := c.ot.Get(id)
	if e == nil {
		return ErrNotFound
	}
	if e.Tag() != id.Tag() {
		return ErrStaleTag
	}
	addr := e.Addr()
	alloc := segalloc.Allocation{ClassID: e.ClassID(), FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length}

	if e.BirthEpoch() != 0 {
		if !freeReasonLegalOnLive(reason) {
			return fmt.Errorf("xtreestore: freeNodeImmediate: reason %q is not legal on a LIVE handle", reason)
		}
		c.ot.Retire(id, c.currentEpoch())
	} else {
		c.ot.AbortReservation(id)
	}
	return c.alloc.Free(alloc)
}
