// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

// RetireReason classifies why retire_node was called, mirroring
// durable_store.h's RetireReason. RetireNode accepts it but does not write
// it to the delta log: a retirement record has no reason field.
type RetireReason uint8

const (
	RetireReasonUnspecified RetireReason = iota
	// RetireReasonReallocation: the node was rewritten in place to a new
	// slot (grew past its current segment's size class).
	RetireReasonReallocation
	// RetireReasonAbortRollback: a writer's batch was rolled back before
	// commit and the handle's provisional publish must be undone.
	RetireReasonAbortRollback
	// RetireReasonEvict: a cache-like eviction policy above the store
	// dropped a clean copy (the durable copy is unaffected).
	RetireReasonEvict
	// RetireReasonTreeDestroy: the whole tree (or a named root) is being
	// torn down.
	RetireReasonTreeDestroy
	// RetireReasonCompaction: a background compaction pass rewrote the
	// node's subtree and retired the old version.
	RetireReasonCompaction
	// RetireReasonUserDelete: the application deleted the entity this
	// node represented.
	RetireReasonUserDelete
)

func (r RetireReason) String() string {
	switch r {
	case RetireReasonReallocation:
		return "reallocation"
	case RetireReasonAbortRollback:
		return "abort_rollback"
	case RetireReasonEvict:
		return "evict"
	case RetireReasonTreeDestroy:
		return "tree_destroy"
	case RetireReasonCompaction:
		return "compaction"
	case RetireReasonUserDelete:
		return "user_delete"
	default:
		return "unspecified"
	}
}

// FreeReason classifies why free_node_immediate was called, mirroring
// durable_store.h's FreeReason. Unlike RetireReason this bypasses the MVCC
// retire window entirely: the space becomes reusable the moment the call
// returns, so it is restricted to handles no reader could still observe.
type FreeReason uint8

const (
	FreeReasonUnspecified FreeReason = iota
	// FreeReasonAbortRollback: a handle allocated within a batch that
	// never committed.
	FreeReasonAbortRollback
	// FreeReasonNeverPublished: allocate_node was called but the node was
	// never wired into any published tree before the batch ended.
	FreeReasonNeverPublished
	// FreeReasonReallocation: a LIVE node was rewritten into a new, larger
	// slot within the same batch that retires it; the old slot is safe to
	// reclaim immediately because the new NodeID, not the old one, is
	// what gets published.
	FreeReasonReallocation
	// FreeReasonEvict: a cache-like eviction policy above the store
	// dropped a clean, unreferenced copy of a LIVE node (the durable
	// copy elsewhere is unaffected).
	FreeReasonEvict
	// FreeReasonTreeDestroy: the whole tree (or a named root) is being
	// torn down under exclusive access, so no concurrent reader can
	// observe any of its LIVE handles.
	FreeReasonTreeDestroy
)

func (r FreeReason) String() string {
	switch r {
	case FreeReasonAbortRollback:
		return "abort_rollback"
	case FreeReasonNeverPublished:
		return "never_published"
	case FreeReasonReallocation:
		return "reallocation"
	case FreeReasonEvict:
		return "evict"
	case FreeReasonTreeDestroy:
		return "tree_destroy"
	default:
		return "unspecified"
	}
}

// freeReasonLegalOnLive reports whether reason may be used to free a LIVE
// (already-committed) handle. free_node_immediate bypasses the MVCC retire
// window entirely, so it is restricted to reasons that prove no reader
// could still be observing the handle; a bare RESERVED entry (never
// committed) has no such restriction since no reader could have seen it
// regardless of reason.
func freeReasonLegalOnLive(r FreeReason) bool {
	switch r {
	case FreeReasonReallocation, FreeReasonAbortRollback, FreeReasonEvict, FreeReasonTreeDestroy:
		return true
	default:
		return false
	}
}
