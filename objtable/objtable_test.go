// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package objtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucenia/xtreestore/nodeid"
)

func TestAllocateThenLifecycle(t *testing.T) {
	tbl := New(4)

	id, err := tbl.Allocate(0, KindLeaf, 1, Addr{FileID: 1, SegmentID: 2, Offset: 0, Length: 64})
	require.NoError(t, err)
	require.True(t, id.Valid())

	e := tbl.Get(id)
	require.NotNil(t, e)
	require.Equal(t, uint64(0), e.BirthEpoch(), "fresh allocation is RESERVED, birth=0")
	require.False(t, e.Visible(1))

	reserved, err := tbl.MarkLiveReserve(id, 1)
	require.NoError(t, err)
	require.Equal(t, id, reserved)

	tbl.MarkLiveCommit(reserved, 5)
	require.True(t, e.Visible(5))
	require.False(t, e.Visible(4))

	tbl.Retire(reserved, 9)
	require.True(t, e.Visible(8))
	require.False(t, e.Visible(9))
}

func TestValidateTagDetectsStaleID(t *testing.T) {
	tbl := New(1)
	id, err := tbl.Allocate(0, KindDataRecord, 0, Addr{})
	require.NoError(t, err)
	tbl.MarkLiveCommit(id, 1)
	tbl.Retire(id, 2)
	tbl.ReclaimBeforeEpoch(3)

	id2, err := tbl.Allocate(0, KindDataRecord, 0, Addr{})
	require.NoError(t, err)

	require.Equal(t, id.Handle(), id2.Handle(), "handle is stable across reuse")
	require.Equal(t, nodeid.NextTag(id.Tag()), id2.Tag())

	require.False(t, tbl.ValidateTag(id), "stale NodeID must fail validation")
	require.True(t, tbl.ValidateTag(id2))
}

func TestAbortReservationRewindsTag(t *testing.T) {
	tbl := New(1)
	id, err := tbl.Allocate(0, KindLeaf, 0, Addr{})
	require.NoError(t, err)
	require.Equal(t, uint8(1), id.Tag())

	tbl.AbortReservation(id)

	id2, err := tbl.Allocate(0, KindLeaf, 0, Addr{})
	require.NoError(t, err)
	require.Equal(t, id.Handle(), id2.Handle())
	require.Equal(t, uint8(1), id2.Tag(), "aborting an uncommitted reservation must not burn a tag generation")
}

func TestReclaimRespectsRetireEpochBoundary(t *testing.T) {
	tbl := New(1)
	id, err := tbl.Allocate(0, KindLeaf, 0, Addr{})
	require.NoError(t, err)
	tbl.MarkLiveCommit(id, 1)
	tbl.Retire(id, 10)

	require.Equal(t, 0, tbl.ReclaimBeforeEpoch(10), "retire_epoch < E required, not <=")
	require.Equal(t, 1, tbl.ReclaimBeforeEpoch(11))
}

func TestShardsGrowIndependently(t *testing.T) {
	tbl := New(4)
	ids := make([]nodeid.ID, 0, 100)
	for i := 0; i < 100; i++ {
		shard := tbl.ShardIndex(uint64(i))
		id, err := tbl.Allocate(shard, KindLeaf, 0, Addr{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NotNil(t, tbl.Get(id))
	}
}
