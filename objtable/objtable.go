// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package objtable implements the sharded Object Table (OT): the arena of
// handle-indexed slots that map a NodeID to a segment address and its MVCC
// visibility window. Reads are lock-free; writes to a shard's free stack and
// slab list serialize through a small per-shard mutex, following the same
// "atomic.Value snapshot + narrow write lock" shape the teacher's WAL uses
// for its segment map.
package objtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lucenia/xtreestore/nodeid"
)

// Kind identifies the payload kind an OT entry addresses.
type Kind uint8

const (
	KindInternal Kind = iota
	KindLeaf
	KindDataRecord
	KindValueVec
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindDataRecord:
		return "data-record"
	case KindValueVec:
		return "value-vec"
	default:
		return "unknown"
	}
}

// Addr locates an allocation inside the segment-allocator's file family. It
// is opaque to the Object Table itself beyond being copied in/out; vaddr is
// resolved at allocation time and re-resolved lazily on recovery.
type Addr struct {
	FileID    uint32
	SegmentID uint32
	Offset    uint32
	Length    uint32
	Vaddr     uintptr
}

// state enumerates the debug-only lifecycle used to catch contract
// violations (double-commit, retiring a non-live entry, use after reclaim).
// It is only tracked under the "objtable_debug" build tag; release builds
// pay nothing for it.
type state uint8

const (
	stateFree state = iota
	stateReserved
	stateLive
	stateRetired
)

const liveRetireEpoch = ^uint64(0)

// Entry is one Object Table slot. Mutable fields are accessed with acquire/
// release atomics so readers never take a lock.
type Entry struct {
	kind       uint32 // Kind, atomic
	classID    uint32 // atomic
	addr       atomic.Value // Addr
	birthEpoch uint64       // atomic; 0 = RESERVED
	retireEpoch uint64      // atomic; liveRetireEpoch = live
	tag         uint32      // atomic; low 8 bits are the tag

	dbg debugState
}

// Kind returns the entry's payload kind.
func (e *Entry) Kind() Kind { return Kind(atomic.LoadUint32(&e.kind)) }

// ClassID returns the size-class index used by the allocator.
func (e *Entry) ClassID() uint32 { return atomic.LoadUint32(&e.classID) }

// Addr returns the current address; callers must not mutate the result.
func (e *Entry) Addr() Addr {
	if v := e.addr.Load(); v != nil {
		return v.(Addr)
	}
	return Addr{}
}

// BirthEpoch returns the epoch at which this entry became LIVE, or 0 if it
// is still RESERVED.
func (e *Entry) BirthEpoch() uint64 { return atomic.LoadUint64(&e.birthEpoch) }

// RetireEpoch returns the epoch at which retirement became visible, or the
// sentinel "still live" value.
func (e *Entry) RetireEpoch() uint64 { return atomic.LoadUint64(&e.retireEpoch) }

// Tag returns the currently valid tag for this handle.
func (e *Entry) Tag() uint8 { return uint8(atomic.LoadUint32(&e.tag)) }

// Visible reports whether this entry is observable by a reader at epoch e:
// birth_epoch <= e < retire_epoch.
func (e *Entry) Visible(epoch uint64) bool {
	b := e.BirthEpoch()
	r := e.RetireEpoch()
	return b != 0 && b <= epoch && epoch < r
}

// shard is one Object Table shard: its slab directory, free stack and
// next-index counter. A Table's shard count is a power of two capped at
// nodeid.MaxShards (64), chosen at Table construction and stable for the
// table's lifetime.
type shard struct {
	mu sync.Mutex // serializes allocate/grow/free-stack mutation for this shard

	slabs atomic.Value // *immutable.SortedMap[uint32, *entrySlab]

	freeStack []uint64 // handle indices available for reuse; guarded by mu
	nextIndex uint64   // next never-used in-shard index; guarded by mu

	quarantine map[uint64]struct{} // handles RETIRED and awaiting reclaim; guarded by mu
}

const slabSize = 4096

type entrySlab struct {
	entries [slabSize]Entry
}

// Table is the sharded Object Table.
type Table struct {
	shards    []*shard
	shardMask uint8
	logger    log.Logger
}

// Option configures a Table at construction.
type Option func(*Table)

// WithLogger sets the logger used for quarantine/reclaim diagnostics.
func WithLogger(l log.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Table with shardCount shards. shardCount must be a power of
// two no greater than nodeid.MaxShards; it is rounded up to the next power
// of two and capped if it is not.
func New(shardCount int, opts ...Option) *Table {
	if shardCount <= 0 {
		shardCount = 1
	}
	if shardCount > nodeid.MaxShards {
		shardCount = nodeid.MaxShards
	}
	shardCount = nextPow2(shardCount)

	t := &Table{
		shards:    make([]*shard, shardCount),
		shardMask: uint8(shardCount - 1),
		logger:    log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		sh := &shard{
			quarantine: make(map[uint64]struct{}),
		}
		sh.slabs.Store(&immutable.SortedMap[uint32, *entrySlab]{})
		t.shards[i] = sh
	}
	return t
}

func nextPow2(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ErrOutOfHandles is returned when a shard cannot grow any further. In
// practice this only happens if nodeid.MaxIndex is exhausted, since slabs
// themselves grow without bound.
var ErrOutOfHandles = fmt.Errorf("objtable: out of handles")

func (t *Table) shardFor(idx uint8) *shard { return t.shards[idx] }

func (sh *shard) loadSlabs() *immutable.SortedMap[uint32, *entrySlab] {
	return sh.slabs.Load().(*immutable.SortedMap[uint32, *entrySlab])
}

// entryAt returns the Entry for an in-shard index, growing the slab list if
// needed. Caller must hold sh.mu if growth might be required; reads of an
// already-existing slab are safe without the lock since slabs are never
// moved or freed once appended (mutateSlabs only ever replaces the
// immutable directory with one that has strictly more entries).
func (sh *shard) entryAt(index uint64, grow bool) (*Entry, error) {
	slabIdx := uint32(index / slabSize)
	offset := int(index % slabSize)

	slabs := sh.loadSlabs()
	s, ok := slabs.Get(slabIdx)
	if !ok {
		if !grow {
			return nil, fmt.Errorf("objtable: index %d not allocated", index)
		}
		s = &entrySlab{}
		newSlabs := slabs.Set(slabIdx, s)
		sh.slabs.Store(newSlabs)
	}
	return &s.entries[offset], nil
}

// Allocate pops a handle from the shard's free stack or grows the shard,
// bumps the stored tag with skip-0, writes addr/kind/classID, stores
// birth=0 (RESERVED), and returns the NodeID whose tag will be written to
// the WAL once committed.
func (t *Table) Allocate(shardIdx uint8, kind Kind, classID uint32, addr Addr) (nodeid.ID, error) {
	sh := t.shardFor(shardIdx)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var index uint64
	if n := len(sh.freeStack); n > 0 {
		index = sh.freeStack[n-1]
		sh.freeStack = sh.freeStack[:n-1]
	} else {
		if sh.nextIndex > nodeid.MaxIndex {
			return nodeid.Invalid, ErrOutOfHandles
		}
		index = sh.nextIndex
		sh.nextIndex++
	}

	e, err := sh.entryAt(index, true)
	if err != nil {
		return nodeid.Invalid, err
	}

	newTag := nodeid.NextTag(uint8(atomic.LoadUint32(&e.tag)))
	atomic.StoreUint32(&e.tag, uint32(newTag))
	atomic.StoreUint32(&e.kind, uint32(kind))
	atomic.StoreUint32(&e.classID, classID)
	e.addr.Store(addr)
	atomic.StoreUint64(&e.birthEpoch, 0)
	atomic.StoreUint64(&e.retireEpoch, liveRetireEpoch)
	e.dbg.set(stateReserved)

	return nodeid.New(shardIdx, index, newTag), nil
}

// ValidateTag reports whether id's tag matches the entry's currently valid
// tag. A mismatch means id is stale (the handle has been reused).
func (t *Table) ValidateTag(id nodeid.ID) bool {
	e := t.Get(id)
	if e == nil {
		return false
	}
	return e.Tag() == id.Tag()
}

// Get returns the entry reference for id's handle, not validating the tag,
// or nil if the handle has never been allocated.
func (t *Table) Get(id nodeid.ID) *Entry {
	return t.TryGetByHandle(id.Shard(), id.Index())
}

// TryGetByHandle returns the entry for a raw (shard, index) pair without
// going through a NodeID, or nil if unallocated.
func (t *Table) TryGetByHandle(shardIdx uint8, index uint64) *Entry {
	sh := t.shardFor(shardIdx)
	e, err := sh.entryAt(index, false)
	if err != nil {
		return nil
	}
	return e
}

// GetByHandleUnsafe is used by the writer during publish while the tag has
// not yet been committed; it is semantically identical to TryGetByHandle but
// named separately to document the caller's obligation not to rely on tag
// validity.
func (t *Table) GetByHandleUnsafe(shardIdx uint8, index uint64) *Entry {
	return t.TryGetByHandle(shardIdx, index)
}

// MarkLiveReserve confirms the tag chosen at Allocate and returns the
// NodeID that will be written to the WAL. The tag itself was already fixed
// at Allocate time; this step exists so multi-publish batches can be
// coalesced while keeping the final NodeID stable across the batch.
func (t *Table) MarkLiveReserve(idHint nodeid.ID, _ uint64) (nodeid.ID, error) {
	e := t.Get(idHint)
	if e == nil {
		return nodeid.Invalid, fmt.Errorf("objtable: %s: %w", idHint, ErrOutOfHandles)
	}
	return nodeid.FromHandle(idHint.Handle(), e.Tag()), nil
}

// MarkLiveCommit stamps birth_epoch and flips the debug state to LIVE. It
// must only be called after the batch's WAL append is durable.
func (t *Table) MarkLiveCommit(id nodeid.ID, epoch uint64) {
	e := t.Get(id)
	if e == nil {
		return
	}
	atomic.StoreUint64(&e.birthEpoch, epoch)
	e.dbg.set(stateLive)
}

// Retire stamps retire_epoch, marking the entry as no longer visible to new
// readers at or after epoch, though existing snapshot readers below epoch
// may still observe it until reclaim.
func (t *Table) Retire(id nodeid.ID, epoch uint64) {
	e := t.Get(id)
	if e == nil {
		return
	}
	atomic.StoreUint64(&e.retireEpoch, epoch)
	e.dbg.set(stateRetired)

	sh := t.shardFor(id.Shard())
	sh.mu.Lock()
	sh.quarantine[id.Index()] = struct{}{}
	sh.mu.Unlock()
}

// AbortReservation cancels a RESERVED entry, rewinding its tag bump so the
// next real allocation gets the tag a reader would expect, and returns the
// handle to the free stack. It is only legal on an entry that no reader can
// possibly have observed, i.e. one that was reserved and never committed.
func (t *Table) AbortReservation(id nodeid.ID) {
	e := t.Get(id)
	if e == nil {
		return
	}
	sh := t.shardFor(id.Shard())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Rewind the tag bump: the next allocation of this handle should not
	// skip a generation just because a reservation was cancelled.
	prevTag := id.Tag() - 1
	if id.Tag() == 1 {
		// prevTag before the first-ever allocation is the implicit 0.
		prevTag = 0
	}
	atomic.StoreUint32(&e.tag, uint32(prevTag))
	atomic.StoreUint64(&e.birthEpoch, 0)
	atomic.StoreUint64(&e.retireEpoch, liveRetireEpoch)
	e.dbg.set(stateFree)

	sh.freeStack = append(sh.freeStack, id.Index())
}

// ReclaimBeforeEpoch scans the quarantine for entries whose retire_epoch is
// strictly less than e (proving no live snapshot reader can observe them
// any more) and returns their handles to the shard free stacks, bumping
// nothing further (the tag bump happens lazily on next Allocate).
func (t *Table) ReclaimBeforeEpoch(e uint64) int {
	reclaimed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for idx := range sh.quarantine {
			entry, err := sh.entryAt(idx, false)
			if err != nil {
				continue
			}
			if entry.RetireEpoch() < e {
				delete(sh.quarantine, idx)
				sh.freeStack = append(sh.freeStack, idx)
				entry.dbg.set(stateFree)
				reclaimed++
				level.Debug(t.logger).Log("msg", "reclaimed handle", "index", idx, "retire_epoch", entry.RetireEpoch())
			}
		}
		sh.mu.Unlock()
	}
	return reclaimed
}

// ReattachRecovered restores a handle during recovery, bypassing the
// free-stack/bump-pointer allocation path since the shard, index, and tag
// come directly from a replayed publish record rather than a fresh
// Allocate call.
func (t *Table) ReattachRecovered(shardIdx uint8, index uint64, tag uint8, kind Kind, classID uint32, addr Addr, birthEpoch uint64) {
	sh := t.shardFor(shardIdx)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, err := sh.entryAt(index, true)
	if err != nil {
		return
	}
	atomic.StoreUint32(&e.tag, uint32(tag))
	atomic.StoreUint32(&e.kind, uint32(kind))
	atomic.StoreUint32(&e.classID, classID)
	e.addr.Store(addr)
	atomic.StoreUint64(&e.birthEpoch, birthEpoch)
	atomic.StoreUint64(&e.retireEpoch, liveRetireEpoch)
	e.dbg.set(stateLive)

	if index >= sh.nextIndex {
		sh.nextIndex = index + 1
	}
}

// ReattachRetired marks a recovered handle retired at the given epoch,
// mirroring Retire but without re-validating a NodeID tag the caller
// already confirmed while replaying the publish record for this handle.
func (t *Table) ReattachRetired(shardIdx uint8, index uint64, epoch uint64) {
	sh := t.shardFor(shardIdx)
	e, err := sh.entryAt(index, false)
	if err != nil {
		return
	}
	atomic.StoreUint64(&e.retireEpoch, epoch)
	e.dbg.set(stateRetired)

	sh.mu.Lock()
	sh.quarantine[index] = struct{}{}
	sh.mu.Unlock()
}

// ShardIndex picks the shard a freshly allocated handle should live on.
// Spread new allocations round the shards by a simple counter rather than
// hashing, since handle placement has no locality requirement of its own.
func (t *Table) ShardIndex(counter uint64) uint8 {
	return uint8(counter & uint64(t.shardMask))
}

// ShardCount returns the number of shards the table was constructed with.
func (t *Table) ShardCount() int { return len(t.shards) }
