// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import "errors"

// Sentinel errors returned by Runtime and StoreInterface implementations,
// mirroring the teacher's package-level ErrNotFound/ErrCorrupt/ErrSealed/
// ErrClosed block in shape (a flat var() of errors.New, not a typed error
// hierarchy).
var (
	// ErrNotFound is returned by read_node/read_node_pinned when the
	// handle's index slot has no live entry.
	ErrNotFound = errors.New("xtreestore: node not found")

	// ErrStaleTag is returned when a handle's tag no longer matches the
	// slot's current generation (ABA: the slot was reused).
	ErrStaleTag = errors.New("xtreestore: stale handle tag")

	// ErrOutOfHandles is returned when the Object Table cannot allocate a
	// new handle (all shards exhausted their index space).
	ErrOutOfHandles = errors.New("xtreestore: out of handles")

	// ErrOutOfSpace is returned when the segment allocator cannot satisfy
	// an allocation request from any existing or newly grown segment.
	ErrOutOfSpace = errors.New("xtreestore: out of space")

	// ErrBufferOverflow is returned by PublishNodeInPlace when the
	// caller-supplied bytes are larger than the node's slot.
	ErrBufferOverflow = errors.New("xtreestore: buffer too small")

	// ErrCorrupt is returned when recovery or a read detects a checksum
	// mismatch it cannot tolerate.
	ErrCorrupt = errors.New("xtreestore: corrupt data")

	// ErrReadOnly is returned by any mutating operation on a MemoryStore
	// or DurableStore opened in read-only mode.
	ErrReadOnly = errors.New("xtreestore: store is read-only")

	// ErrNoActiveLog is returned if a commit is attempted before Runtime
	// finishes attaching an active delta log (should not happen outside
	// of a bug in Open's sequencing).
	ErrNoActiveLog = errors.New("xtreestore: no active log attached")

	// ErrIO wraps unexpected I/O failures surfaced from the durable layer.
	ErrIO = errors.New("xtreestore: I/O error")

	// ErrClosed is returned by any operation on a Runtime or Store after
	// Close.
	ErrClosed = errors.New("xtreestore: closed")
)
