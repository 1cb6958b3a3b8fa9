// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package nodeid

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestInvalidIsZero(t *testing.T) {
	require.Equal(t, uint64(0), Invalid.Raw())
	require.False(t, Invalid.Valid())
}

func TestPackUnpackRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 10000; i++ {
		var shardSeed uint8
		var index uint64
		var tag uint8
		f.Fuzz(&shardSeed)
		f.Fuzz(&index)
		f.Fuzz(&tag)

		shard := shardSeed % MaxShards
		index = index % (MaxIndex + 1)

		id := New(shard, index, tag)
		require.Equal(t, shard, id.Shard())
		require.Equal(t, index, id.Index())
		require.Equal(t, tag, id.Tag())
		require.Equal(t, FromHandle(id.Handle(), tag), id)
	}
}

func TestNextTagSkipsZero(t *testing.T) {
	tag := uint8(0)
	seen := make(map[uint8]bool)
	for i := 0; i < 260; i++ {
		tag = NextTag(tag)
		require.NotEqual(t, uint8(0), tag)
		seen[tag] = true
	}
	for t2 := 1; t2 <= 255; t2++ {
		require.True(t, seen[uint8(t2)], "tag %d should appear in the cycle", t2)
	}
}

func TestTagWrapAt256Cycles(t *testing.T) {
	tag := uint8(200)
	start := tag
	for i := 0; i < 255; i++ {
		tag = NextTag(tag)
	}
	require.Equal(t, start, tag, "255 increments with skip-0 should cycle back to start")
}

func TestWithTagPreservesHandle(t *testing.T) {
	id := New(3, 12345, 7)
	id2 := id.WithTag(42)
	require.Equal(t, id.Handle(), id2.Handle())
	require.Equal(t, uint8(42), id2.Tag())
}
