// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segalloc implements the size-classed, file-backed segment
// allocator that backs tree node (.xi) and data record (.xd) storage. Each
// size class owns a family of append-only, mmap'd segment files; allocation
// picks the smallest class whose slot size covers the request and serves it
// from a per-class free list (ordered by a google/btree.BTreeG for best-fit
// lookup) before falling back to a bump pointer into a new or existing
// segment.
package segalloc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/lucenia/xtreestore/internal/mmapio"
	"github.com/lucenia/xtreestore/objtable"
)

// MinSize is the smallest allocation size class; requests smaller than this
// are rounded up.
const MinSize = 64

// DefaultSegmentSize is the fixed power-of-two size of every segment within
// a class's file family when Open is given a segment size of 0.
const DefaultSegmentSize = 32 * 1024 * 1024

// FileKind distinguishes the .xi (tree node) and .xd (data record) file
// families.
type FileKind int

const (
	FileKindTree FileKind = iota // .xi: Internal/Leaf nodes
	FileKindData                 // .xd: DataRecord/ValueVec
)

func (fk FileKind) ext() string {
	if fk == FileKindData {
		return ".xd"
	}
	return ".xi"
}

// KindFileKind maps an OT entry kind to the file family it belongs in.
func KindFileKind(k objtable.Kind) FileKind {
	switch k {
	case objtable.KindDataRecord, objtable.KindValueVec:
		return FileKindData
	default:
		return FileKindTree
	}
}

// Allocation locates a slot handed out by the allocator.
type Allocation struct {
	ClassID   uint32
	FileID    uint32
	SegmentID uint32
	Offset    uint32
	Length    uint32
}

// Utilization reports per-class space accounting, surfaced to callers (e.g.
// a caller-side LRU/hot-node advisor, out of the core's scope) so they can
// make eviction decisions.
type Utilization struct {
	ClassID  uint32
	Segments int
	Capacity uint64
	Used     uint64
	Wasted   uint64
}

type freeSlot struct {
	length uint32
	offset uint32
	segID  uint32
}

func freeSlotLess(a, b freeSlot) bool {
	if a.length != b.length {
		return a.length < b.length
	}
	if a.segID != b.segID {
		return a.segID < b.segID
	}
	return a.offset < b.offset
}

type segmentDesc struct {
	id     uint32
	fileID uint32
	base   uint32 // base_offset within the file
	length uint32
	file   *mmapio.File

	pinRefs int32 // atomic; outstanding Pin handles against this segment
}

type class struct {
	mu sync.Mutex

	id       uint32
	slotSize uint32
	kind     FileKind
	dir      string

	segments   []*segmentDesc
	freeTree   *btree.BTreeG[freeSlot]
	bumpSeg    int // index into segments of the current bump target
	bumpOff    uint32
	nextSegID  uint32
	nextFileID uint32
	liveRanges []Allocation // scratch used only during recovery, see RebuildFreeLists
}

// Allocator owns one class per distinct slot size that has been requested
// so far; classes are created lazily on first use of a given rounded size.
type Allocator struct {
	mu      sync.Mutex
	dir     string
	segSize uint32
	classes map[uint32]*class // keyed by rounded slot size with the FileKind in bit 0
	byID    map[uint32]*class // keyed by ClassID
	nextID  uint32
}

// Open creates an Allocator rooted at dir (one subdirectory per size class,
// per spec's file layout: "<class>/xtree_<n>.xi|.xd").
func Open(dir string, segSize uint32) (*Allocator, error) {
	if segSize == 0 {
		segSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segalloc: mkdir %s: %w", dir, err)
	}
	return &Allocator{
		dir:     dir,
		segSize: segSize,
		classes: make(map[uint32]*class),
		byID:    make(map[uint32]*class),
	}, nil
}

func roundToClass(minLen uint32) uint32 {
	if minLen < MinSize {
		return MinSize
	}
	// Round up to the next power of two above MinSize granularity, bounding
	// fragmentation to at most 2x per spec's "fragmentation bounded by class
	// granularity".
	size := uint32(MinSize)
	for size < minLen {
		size <<= 1
	}
	return size
}

func (a *Allocator) classFor(slotSize uint32, kind objtable.Kind) *class {
	a.mu.Lock()
	defer a.mu.Unlock()
	fk := KindFileKind(kind)
	key := slotSize | uint32(fk) // slotSize is a power of two >= MinSize, so bit 0 is free
	c, ok := a.classes[key]
	if ok {
		return c
	}
	c = &class{
		id:       a.nextID,
		slotSize: slotSize,
		kind:     fk,
		dir:      filepath.Join(a.dir, fmt.Sprintf("class-%d", slotSize)),
		freeTree: btree.NewG(32, freeSlotLess),
	}
	a.nextID++
	a.classes[key] = c
	a.byID[c.id] = c
	return c
}

// Allocate chooses the smallest size class whose slot covers minLen
// (rounding allocations smaller than MinSize up to MinSize), and returns a
// slot with a non-null mapped vaddr. On exhaustion it adds a new segment,
// extending the class's current file or creating a new file in the family.
func (a *Allocator) Allocate(minLen uint32, kind objtable.Kind) (Allocation, []byte, error) {
	slotSize := roundToClass(minLen)
	c := a.classFor(slotSize, kind)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Allocation{}, nil, fmt.Errorf("segalloc: mkdir %s: %w", c.dir, err)
	}

	// Best-fit from the free list: the smallest free slot >= slotSize.
	pivot := freeSlot{length: slotSize}
	var found freeSlot
	hasFound := false
	c.freeTree.AscendGreaterOrEqual(pivot, func(item freeSlot) bool {
		found = item
		hasFound = true
		return false
	})
	if hasFound {
		c.freeTree.Delete(found)
		seg := c.segmentByID(found.segID)
		buf, err := seg.file.At(found.offset, slotSize)
		if err != nil {
			return Allocation{}, nil, err
		}
		for i := range buf {
			buf[i] = 0
		}
		return Allocation{ClassID: c.id, FileID: seg.fileID, SegmentID: seg.id, Offset: found.offset, Length: slotSize}, buf, nil
	}

	// Bump-pointer path, growing into a new segment if needed.
	if len(c.segments) == 0 || c.bumpOff+slotSize > a.segSize {
		if err := a.addSegment(c); err != nil {
			return Allocation{}, nil, err
		}
	}
	seg := c.segments[c.bumpSeg]
	offset := c.bumpOff
	c.bumpOff += slotSize

	buf, err := seg.file.At(offset, slotSize)
	if err != nil {
		return Allocation{}, nil, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return Allocation{ClassID: c.id, FileID: seg.fileID, SegmentID: seg.id, Offset: offset, Length: slotSize}, buf, nil
}

func (c *class) segmentByID(id uint32) *segmentDesc {
	for _, s := range c.segments {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (a *Allocator) addSegment(c *class) error {
	fileID := c.nextFileID
	path := filepath.Join(c.dir, fmt.Sprintf("xtree_%d%s", fileID, c.kind.ext()))
	f, err := mmapio.Open(path, int64(a.segSize), true)
	if err != nil {
		return fmt.Errorf("segalloc: open segment %s: %w", path, err)
	}
	if err := f.Grow(int64(a.segSize)); err != nil {
		return err
	}
	c.nextFileID++

	seg := &segmentDesc{
		id:     c.nextSegID,
		fileID: fileID,
		base:   0,
		length: a.segSize,
		file:   f,
	}
	c.nextSegID++
	c.segments = append(c.segments, seg)
	c.bumpSeg = len(c.segments) - 1
	c.bumpOff = 0
	return nil
}

// Free returns an allocation's slot to its class's free list.
func (a *Allocator) Free(alloc Allocation) error {
	a.mu.Lock()
	c, ok := a.byID[alloc.ClassID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("segalloc: unknown class %d", alloc.ClassID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeTree.ReplaceOrInsert(freeSlot{length: alloc.Length, offset: alloc.Offset, segID: alloc.SegmentID})
	return nil
}

// GetPtr translates an allocation to its mapped bytes.
func (a *Allocator) GetPtr(alloc Allocation) ([]byte, error) {
	a.mu.Lock()
	c, ok := a.byID[alloc.ClassID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("segalloc: unknown class %d", alloc.ClassID)
	}
	c.mu.Lock()
	seg := c.segmentByID(alloc.SegmentID)
	c.mu.Unlock()
	if seg == nil {
		return nil, fmt.Errorf("segalloc: unknown segment %d in class %d", alloc.SegmentID, alloc.ClassID)
	}
	return seg.file.At(alloc.Offset, alloc.Length)
}

// Sync flushes an allocation's backing range to disk via msync(MS_SYNC),
// the mmap'd counterpart to deltalog.Log.Sync: STRICT calls this before the
// WAL append that references the range, BALANCED calls it after.
func (a *Allocator) Sync(alloc Allocation) error {
	a.mu.Lock()
	c, ok := a.byID[alloc.ClassID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("segalloc: unknown class %d", alloc.ClassID)
	}
	c.mu.Lock()
	seg := c.segmentByID(alloc.SegmentID)
	c.mu.Unlock()
	if seg == nil {
		return fmt.Errorf("segalloc: unknown segment %d in class %d", alloc.SegmentID, alloc.ClassID)
	}
	return seg.file.Sync(alloc.Offset, alloc.Length)
}

// Pin is a scoped, refcounted handle onto a segment's mapped bytes. The
// count is kept per segment; Close does not consult it, so Bytes is valid
// only while the segment stays mapped, and must not be retained past
// Release.
type Pin struct {
	seg  *segmentDesc
	data []byte
}

// Bytes returns the pinned mapped range. Valid only until Release.
func (p Pin) Bytes() []byte { return p.data }

// Release drops this Pin's reference. Callers must call it exactly once.
func (p Pin) Release() {
	if p.seg != nil {
		atomic.AddInt32(&p.seg.pinRefs, -1)
	}
}

// Pin resolves alloc to its mapped bytes and counts a reference on the
// owning segment for the lifetime of the returned Pin; readNodePinned
// copies out of it and releases it straight away.
func (a *Allocator) Pin(alloc Allocation) (Pin, error) {
	a.mu.Lock()
	c, ok := a.byID[alloc.ClassID]
	a.mu.Unlock()
	if !ok {
		return Pin{}, fmt.Errorf("segalloc: unknown class %d", alloc.ClassID)
	}
	c.mu.Lock()
	seg := c.segmentByID(alloc.SegmentID)
	c.mu.Unlock()
	if seg == nil {
		return Pin{}, fmt.Errorf("segalloc: unknown segment %d in class %d", alloc.SegmentID, alloc.ClassID)
	}
	atomic.AddInt32(&seg.pinRefs, 1)
	data, err := seg.file.At(alloc.Offset, alloc.Length)
	if err != nil {
		atomic.AddInt32(&seg.pinRefs, -1)
		return Pin{}, err
	}
	return Pin{seg: seg, data: data}, nil
}

// GetPtrForRecovery translates addresses to pointers during recovery,
// before the in-memory allocator has bookkeeping for the class/segment
// (e.g. the class hasn't had Allocate called on it yet this run). It opens
// the segment file if necessary and registers it the same way Allocate
// would, so subsequent Allocate/Free calls see consistent state.
func (a *Allocator) GetPtrForRecovery(classID uint32, slotSize uint32, kind objtable.Kind, fileID, segmentID, offset, length uint32) ([]byte, error) {
	c := a.classForRecovery(classID, slotSize, kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	seg := c.segmentByID(segmentID)
	if seg == nil {
		path := filepath.Join(c.dir, fmt.Sprintf("xtree_%d%s", fileID, c.kind.ext()))
		f, err := mmapio.Open(path, int64(a.segSize), true)
		if err != nil {
			return nil, fmt.Errorf("segalloc: recovery open %s: %w", path, err)
		}
		seg = &segmentDesc{id: segmentID, fileID: fileID, length: a.segSize, file: f}
		c.segments = append(c.segments, seg)
		if segmentID >= c.nextSegID {
			c.nextSegID = segmentID + 1
		}
		if fileID >= c.nextFileID {
			c.nextFileID = fileID + 1
		}
	}
	return seg.file.At(offset, length)
}

func (a *Allocator) classForRecovery(classID, slotSize uint32, kind objtable.Kind) *class {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.byID[classID]; ok {
		return c
	}
	fk := KindFileKind(kind)
	c := &class{
		id:       classID,
		slotSize: slotSize,
		kind:     fk,
		dir:      filepath.Join(a.dir, fmt.Sprintf("class-%d", slotSize)),
		freeTree: btree.NewG(32, freeSlotLess),
	}
	os.MkdirAll(c.dir, 0o755)
	a.classes[slotSize|uint32(fk)] = c
	a.byID[classID] = c
	if classID >= a.nextID {
		a.nextID = classID + 1
	}
	return c
}

// ReattachRecoveredAllocation records that [offset, offset+length) of a
// segment is occupied by a live OT entry discovered during recovery replay,
// so it is excluded when the per-class free list is rebuilt in
// RebuildFreeLists.
func (a *Allocator) ReattachRecoveredAllocation(alloc Allocation) {
	a.mu.Lock()
	c, ok := a.byID[alloc.ClassID]
	a.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveRanges = append(c.liveRanges, alloc)
}

// RebuildFreeLists diffs observed live allocations (recorded via
// ReattachRecoveredAllocation during log replay) against each class's
// segment capacity and reattaches any unreferenced space to the free list,
// per spec §4.6 step 4.
func (a *Allocator) RebuildFreeLists() {
	a.mu.Lock()
	classes := make([]*class, 0, len(a.byID))
	for _, c := range a.byID {
		classes = append(classes, c)
	}
	a.mu.Unlock()

	for _, c := range classes {
		c.mu.Lock()
		occupied := make(map[uint32]map[uint32]bool) // segID -> offset -> true
		for _, r := range c.liveRanges {
			if occupied[r.SegmentID] == nil {
				occupied[r.SegmentID] = make(map[uint32]bool)
			}
			occupied[r.SegmentID][r.Offset] = true
		}
		for _, seg := range c.segments {
			for off := uint32(0); off+c.slotSize <= seg.length; off += c.slotSize {
				if occupied[seg.id] != nil && occupied[seg.id][off] {
					continue
				}
				c.freeTree.ReplaceOrInsert(freeSlot{length: c.slotSize, offset: off, segID: seg.id})
			}
		}
		c.liveRanges = nil
		c.mu.Unlock()
	}
}

// Utilizations returns per-class space accounting across all classes.
func (a *Allocator) Utilizations() []Utilization {
	a.mu.Lock()
	classes := make([]*class, 0, len(a.byID))
	for _, c := range a.byID {
		classes = append(classes, c)
	}
	a.mu.Unlock()

	out := make([]Utilization, 0, len(classes))
	for _, c := range classes {
		c.mu.Lock()
		capacity := uint64(len(c.segments)) * uint64(a.segSize)
		free := uint64(0)
		c.freeTree.Ascend(func(s freeSlot) bool {
			free += uint64(s.length)
			return true
		})
		// Space past the bump pointer of the current segment has never been
		// handed out, so it is neither used nor wasted.
		untouched := uint64(0)
		if len(c.segments) > 0 {
			untouched = uint64(c.segments[c.bumpSeg].length - c.bumpOff)
		}
		used := uint64(0)
		if free+untouched < capacity {
			used = capacity - free - untouched
		}
		out = append(out, Utilization{
			ClassID:  c.id,
			Segments: len(c.segments),
			Capacity: capacity,
			Used:     used,
			Wasted:   free,
		})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassID < out[j].ClassID })
	return out
}

// Close unmaps and closes every open segment file.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, c := range a.byID {
		c.mu.Lock()
		for _, s := range c.segments {
			if err := s.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.mu.Unlock()
	}
	return firstErr
}
