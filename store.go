// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"sync"

	"github.com/lucenia/xtreestore/nodeid"
	"github.com/lucenia/xtreestore/objtable"
	"github.com/lucenia/xtreestore/segalloc"
)

// StoreInterface is the per-writer batch API both MemoryStore and
// DurableStore implement: a single goroutine stages allocate/publish/
// retire/free/root-update calls, then Commit makes the whole batch visible
// atomically at a new epoch. Spec §4 names these operations individually;
// this interface is the contract the tree layer above the persistence core
// is written against, so it can run against either implementation
// unchanged.
type StoreInterface interface {
	// AllocateNode reserves a handle and backing storage for a node of the
	// given kind and byte length, returning the zeroed buffer to serialize
	// the node's content into. The handle is not visible to readers until
	// PublishNode and Commit.
	AllocateNode(kind objtable.Kind, length uint32) (nodeid.ID, []byte, error)

	// PublishNode stages a handle allocated earlier in this batch (or a
	// prior uncommitted call) to become visible at the next Commit.
	PublishNode(id nodeid.ID) error

	// PublishNodeInPlace copies src into an already-LIVE node's existing
	// slot (same size class) for in-place content replacement, staging a
	// redo record so recovery can re-derive the new content's checksum
	// without a new allocation. Returns ErrBufferOverflow if src is larger
	// than the slot's capacity.
	PublishNodeInPlace(id nodeid.ID, src []byte) error

	// RetireNode stages id to become invisible to new readers at the next
	// Commit; readers already snapshotted at an earlier epoch may still
	// observe it until the store reclaims it.
	RetireNode(id nodeid.ID, reason RetireReason) error

	// FreeNodeImmediate releases id's handle and storage right away,
	// bypassing the MVCC retire window. Only legal on handles no reader
	// could possibly observe (see FreeReason).
	FreeNodeImmediate(id nodeid.ID, reason FreeReason) error

	// ReadNode returns a LIVE node's bytes as of the current epoch.
	ReadNode(id nodeid.ID) ([]byte, error)

	// ReadNodePinned returns a node's bytes as of a caller-pinned epoch,
	// for a reader whose traversal started before the epoch advanced.
	ReadNodePinned(id nodeid.ID, epoch uint64) ([]byte, error)

	// GetRoot returns a named root's current handle and epoch.
	GetRoot(name string) (nodeid.ID, uint64, error)

	// SetRoot stages name's root to point at id at the next Commit.
	SetRoot(name string, id nodeid.ID) error

	// Commit durably finalizes every call staged since the last Commit,
	// advances the epoch, and returns the epoch the batch committed at.
	// DurableStore leaves the epoch unchanged and returns the current one
	// when nothing was staged; MemoryStore advances it on every call.
	Commit() (uint64, error)

	// Close releases the store's resources.
	Close() error
}

// pendingOp is one record staged within the current (uncommitted) batch.
type pendingOp struct {
	id           nodeid.ID
	retire       bool
	retireReason RetireReason
}

// MemoryStore is a StoreInterface implementation with no durable backing:
// no delta log, no manifest, no checkpoints. It exists for ephemeral trees
// (scratch indices, tests) that want the exact allocation/visibility
// semantics of DurableStore without paying for persistence.
type MemoryStore struct {
	c *core

	writeMu sync.Mutex
	batch   []pendingOp
	newRoot map[string]nodeid.ID

	closed bool
}

// NewMemoryStore creates a MemoryStore with its own private Object Table
// and segment allocator rooted at dir (segments are still real mmap'd
// files; only the log/manifest/checkpoint machinery is absent).
func NewMemoryStore(dir string, opts ...storeOpt) (*MemoryStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	alloc, err := segalloc.Open(dir, cfg.segmentSize)
	if err != nil {
		return nil, err
	}
	ot := objtable.New(cfg.shardCount, objtable.WithLogger(cfg.logger))
	return &MemoryStore{c: newCore(ot, alloc), newRoot: make(map[string]nodeid.ID)}, nil
}

func (m *MemoryStore) AllocateNode(kind objtable.Kind, length uint32) (nodeid.ID, []byte, error) {
	m.writeMu.Lock()
	closed := m.closed
	m.writeMu.Unlock()
	if closed {
		return nodeid.Invalid, nil, ErrClosed
	}
	return m.c.allocateNode(kind, length)
}

func (m *MemoryStore) PublishNode(id nodeid.ID) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.batch = append(m.batch, pendingOp{id: id})
	return nil
}

func (m *MemoryStore) PublishNodeInPlace(id nodeid.ID, src []byte) error {
	e := m.c.ot.Get(id)
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
	buf, err := m.c.alloc.GetPtr(segalloc.Allocation{
		ClassID: e.ClassID(), FileID: addr.FileID, SegmentID: addr.SegmentID, Offset: addr.Offset, Length: addr.Length,
	})
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (m *MemoryStore) RetireNode(id nodeid.ID, reason RetireReason) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.batch = append(m.batch, pendingOp{id: id, retire: true, retireReason: reason})
	return nil
}

func (m *MemoryStore) FreeNodeImmediate(id nodeid.ID, reason FreeReason) error {
	return m.c.freeNodeImmediate(id, reason)
}

func (m *MemoryStore) ReadNode(id nodeid.ID) ([]byte, error) { return m.c.readNode(id) }

func (m *MemoryStore) ReadNodePinned(id nodeid.ID, epoch uint64) ([]byte, error) {
	return m.c.readNodePinned(id, epoch)
}

func (m *MemoryStore) GetRoot(name string) (nodeid.ID, uint64, error) {
	id, epoch, ok := m.c.getRoot(name)
	if !ok {
		return nodeid.Invalid, 0, ErrNotFound
	}
	return id, epoch, nil
}

func (m *MemoryStore) SetRoot(name string, id nodeid.ID) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.newRoot[name] = id
	return nil
}

func (m *MemoryStore) Commit() (uint64, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	epoch := m.c.advanceEpoch()
	for _, op := range m.batch {
		if op.retire {
			m.c.ot.Retire(op.id, epoch)
		} else {
			m.c.ot.MarkLiveCommit(op.id, epoch)
		}
	}
	for name, id := range m.newRoot {
		m.c.setRootLocal(name, id, epoch)
	}
	m.batch = m.batch[:0]
	m.newRoot = make(map[string]nodeid.ID)
	m.c.ot.ReclaimBeforeEpoch(epoch)
	return epoch, nil
}

func (m *MemoryStore) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.c.alloc.Close()
}

var _ StoreInterface = (*MemoryStore)(nil)
