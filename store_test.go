// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xtreestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucenia/xtreestore/objtable"
)

func TestMemoryStoreAllocatePublishReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir, WithSegmentSize(64*1024))
	require.NoError(t, err)
	defer s.Close()

	id, buf, err := s.AllocateNode(objtable.KindLeaf, 32)
	require.NoError(t, err)
	copy(buf, "hello node")

	// Not visible before Commit.
	_, err = s.ReadNode(id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PublishNode(id))
	epoch, err := s.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)

	got, err := s.ReadNode(id)
	require.NoError(t, err)
	require.Equal(t, "hello node", string(got[:len("hello node")]))
}

func TestMemoryStoreRetireHidesNodeAtNextEpoch(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	defer s.Close()

	id, _, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)
	require.NoError(t, s.PublishNode(id))
	_, err = s.Commit()
	require.NoError(t, err)

	require.NoError(t, s.RetireNode(id, RetireReasonUserDelete))
	_, err = s.Commit()
	require.NoError(t, err)

	_, err = s.ReadNode(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetRootGetRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.GetRoot("tree-a")
	require.ErrorIs(t, err, ErrNotFound)

	id, _, err := s.AllocateNode(objtable.KindInternal, 16)
	require.NoError(t, err)
	require.NoError(t, s.PublishNode(id))
	require.NoError(t, s.SetRoot("tree-a", id))
	epoch, err := s.Commit()
	require.NoError(t, err)

	gotID, gotEpoch, err := s.GetRoot("tree-a")
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, epoch, gotEpoch)
}

func TestMemoryStoreStaleTagAfterReuse(t *testing.T) {
	dir := t.TempDir()
	// A single shard makes the next allocation reuse the freed handle index.
	s, err := NewMemoryStore(dir, WithShardCount(1))
	require.NoError(t, err)
	defer s.Close()

	id, _, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)
	require.NoError(t, s.PublishNode(id))
	_, err = s.Commit()
	require.NoError(t, err)

	_, err = s.ReadNode(id)
	require.NoError(t, err)

	require.NoError(t, s.RetireNode(id, RetireReasonUserDelete))
	_, err = s.Commit()
	require.NoError(t, err)
	// MemoryStore advances the epoch on every Commit, so this one moves past
	// the retirement and reclaims the handle index.
	_, err = s.Commit()
	require.NoError(t, err)

	reused, _, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)
	require.Equal(t, id.Handle(), reused.Handle())
	_, err = s.ReadNode(id)
	require.ErrorIs(t, err, ErrStaleTag)
}

func TestMemoryStorePublishNodeInPlaceCopiesAndBoundsChecks(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	defer s.Close()

	id, buf, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)
	copy(buf, "original")
	require.NoError(t, s.PublishNode(id))
	_, err = s.Commit()
	require.NoError(t, err)

	require.ErrorIs(t, s.PublishNodeInPlace(id, make([]byte, 17)), ErrBufferOverflow)

	require.NoError(t, s.PublishNodeInPlace(id, []byte("replaced")))
	got, err := s.ReadNode(id)
	require.NoError(t, err)
	require.Equal(t, "replaced", string(got[:len("replaced")]))
}

func TestMemoryStoreFreeNodeImmediateReservedAllowsAnyReason(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	defer s.Close()

	id, _, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)

	// Never published, never committed: a RESERVED handle, freeable under
	// any reason since no reader could have observed it.
	require.NoError(t, s.FreeNodeImmediate(id, FreeReasonNeverPublished))
}

func TestMemoryStoreFreeNodeImmediateLiveRequiresLegalReason(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	defer s.Close()

	id, _, err := s.AllocateNode(objtable.KindLeaf, 16)
	require.NoError(t, err)
	require.NoError(t, s.PublishNode(id))
	_, err = s.Commit()
	require.NoError(t, err)

	require.Error(t, s.FreeNodeImmediate(id, FreeReasonUnspecified))

	require.NoError(t, s.FreeNodeImmediate(id, FreeReasonTreeDestroy))
	_, err = s.ReadNode(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreClosedRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMemoryStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.AllocateNode(objtable.KindLeaf, 16)
	require.Error(t, err)
	require.ErrorIs(t, s.PublishNode(0), ErrClosed)
	require.ErrorIs(t, s.SetRoot("x", 0), ErrClosed)
	_, err = s.Commit()
	require.ErrorIs(t, err, ErrClosed)
}
