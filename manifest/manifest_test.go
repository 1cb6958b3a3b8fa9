// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openForCorrupt(dir string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, superblockFileName), os.O_RDWR, 0o644)
}

func TestLoadEmptyDirIsEmptyManifest(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, m.Logs())
	require.Empty(t, m.Checkpoints())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	m.AddLog(LogEntry{Path: "logs/delta_1.wal", Sequence: 1, StartEpoch: 1})
	m.AddCheckpoint(CheckpointEntry{Path: "checkpoints/ckpt_5.bin", Epoch: 5})
	m.SetRoot("", RootEntry{NodeID: 42, Epoch: 5})
	require.NoError(t, m.Save())

	m2, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, m2.Logs(), 1)
	require.Len(t, m2.Checkpoints(), 1)
	root, ok := m2.Root("")
	require.True(t, ok)
	require.Equal(t, uint64(42), root.NodeID)
}

func TestCloseAndRemoveLog(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	m.AddLog(LogEntry{Sequence: 1})
	m.CloseLog(1, 10)
	require.Equal(t, uint64(10), m.Logs()[0].EndEpoch)

	m.RemoveLog(1)
	require.Empty(t, m.Logs())
}

func TestSuperblockPublishAlternatesSlots(t *testing.T) {
	dir := t.TempDir()
	sf, err := OpenSuperblock(dir)
	require.NoError(t, err)
	_, ok := sf.Current()
	require.False(t, ok, "fresh store has no superblock yet")

	require.NoError(t, sf.Publish(Superblock{RootHandle: 1, RootTag: 1, Epoch: 1}))
	s1, ok := sf.Current()
	require.True(t, ok)
	require.Equal(t, uint64(1), s1.Sequence)
	slot1 := sf.lastSlot

	require.NoError(t, sf.Publish(Superblock{RootHandle: 2, RootTag: 1, Epoch: 2}))
	s2, _ := sf.Current()
	require.Equal(t, uint64(2), s2.Sequence)
	require.NotEqual(t, slot1, sf.lastSlot, "publish must alternate A/B slots")

	// Reopening must pick the higher sequence.
	sf2, err := OpenSuperblock(dir)
	require.NoError(t, err)
	cur, ok := sf2.Current()
	require.True(t, ok)
	require.Equal(t, uint64(2), cur.RootHandle)
}

func TestSuperblockFallsBackOnCorruptSlot(t *testing.T) {
	dir := t.TempDir()
	sf, err := OpenSuperblock(dir)
	require.NoError(t, err)
	require.NoError(t, sf.Publish(Superblock{RootHandle: 1, Epoch: 1}))
	require.NoError(t, sf.Publish(Superblock{RootHandle: 2, Epoch: 2}))

	// Corrupt the newest slot directly on disk.
	f, err := openForCorrupt(dir)
	require.NoError(t, err)
	buf := make([]byte, slotSize)
	_, err = f.WriteAt(buf, int64(sf.lastSlot*slotSize))
	require.NoError(t, err)
	f.Close()

	sf2, err := OpenSuperblock(dir)
	require.NoError(t, err)
	cur, ok := sf2.Current()
	require.True(t, ok)
	require.Equal(t, uint64(1), cur.RootHandle, "must fall back to the other valid slot")
}
