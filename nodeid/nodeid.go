// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package nodeid packs the 64-bit handle/tag pair that identifies a logical
// node in the durable store. The low 8 bits carry the ABA tag and the 48
// bits above them the handle_index: its top 6 bits carry the owning Object
// Table shard and its remaining 42 bits the in-shard slot index. The top 8
// bits of the ID are unused.
package nodeid

import "fmt"

// ShardBits is the number of bits at the top of the handle_index reserved for
// the owning shard index. 6 bits allows up to 64 shards.
const ShardBits = 6

// IndexBits is the number of bits available for the in-shard slot index.
const IndexBits = 42

// MaxShards is the largest legal shard count (2^ShardBits).
const MaxShards = 1 << ShardBits

// MaxIndex is the largest legal in-shard slot index.
const MaxIndex = (uint64(1) << IndexBits) - 1

// Invalid is the reserved NodeID whose raw() is 0. It is never assigned to a
// user node.
var Invalid ID

// ID is a NodeID: a (handle_index, tag) pair packed into 64 bits as
//
//	[ unused:8 | shard:6 | index:42 | tag:8 ]
type ID uint64

// New packs a shard, in-shard index and tag into an ID. It panics if shard or
// index exceed their bit budgets; callers are expected to have validated
// these against MaxShards/MaxIndex already since this is an internal
// invariant, not a user input boundary.
func New(shard uint8, index uint64, tag uint8) ID {
	if int(shard) >= MaxShards {
		panic(fmt.Sprintf("nodeid: shard %d exceeds MaxShards %d", shard, MaxShards))
	}
	if index > MaxIndex {
		panic(fmt.Sprintf("nodeid: index %d exceeds MaxIndex %d", index, MaxIndex))
	}
	handle := (uint64(shard) << (IndexBits + 8)) | (index << 8) | uint64(tag)
	return ID(handle)
}

// Raw returns the packed 64-bit value. raw()==0 is the reserved invalid ID.
func (id ID) Raw() uint64 { return uint64(id) }

// Valid reports whether id is not the reserved zero value.
func (id ID) Valid() bool { return id != 0 }

// Shard returns the owning Object Table shard index.
func (id ID) Shard() uint8 { return uint8(uint64(id) >> (IndexBits + 8)) }

// Handle returns the full handle_index (shard bits + in-shard index),
// i.e. the part of the ID that is stable across tag-bumping reuse.
func (id ID) Handle() uint64 { return uint64(id) >> 8 }

// Index returns the in-shard slot index.
func (id ID) Index() uint64 {
	return (uint64(id) >> 8) & MaxIndex
}

// Tag returns the 8-bit ABA counter.
func (id ID) Tag() uint8 { return uint8(id) }

// WithTag returns a copy of id's handle with a different tag, used by the
// Object Table when it bumps the tag on reuse but keeps the handle stable.
func (id ID) WithTag(tag uint8) ID {
	return ID((uint64(id) &^ 0xff) | uint64(tag))
}

// FromHandle reconstructs an ID from a handle_index and tag, the inverse of
// Handle()/Tag().
func FromHandle(handle uint64, tag uint8) ID {
	return ID((handle << 8) | uint64(tag))
}

// NextTag increments a tag with skip-0: the sequence is 1..255 cyclically,
// 0 is never produced because raw()==0 must stay reserved for Invalid.
func NextTag(tag uint8) uint8 {
	tag++
	if tag == 0 {
		tag = 1
	}
	return tag
}

// String renders an ID as shard:index:tag for logs and error messages.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.Shard(), id.Index(), id.Tag())
}
