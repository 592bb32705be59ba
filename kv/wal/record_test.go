package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinydb/kv/transaction"
)

func TestEncodeDecodeUpdatePage(t *testing.T) {
	rec := NewUpdatePage(3, 1<<32|7, 42, 100, []byte("old"), []byte("new"))
	enc := rec.Encode()
	got, n, err := DecodeRecord(enc, 42)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, TypeUpdatePage, got.Type)
	assert.Equal(t, uint64(3), got.TransNum)
	assert.Equal(t, uint64(1<<32|7), got.PageNum)
	assert.Equal(t, uint64(42), got.PrevLSN)
	assert.Equal(t, uint16(100), got.Offset)
	assert.Equal(t, []byte("old"), got.Before)
	assert.Equal(t, []byte("new"), got.After)
	assert.True(t, got.Undoable())
	assert.True(t, got.Redoable())
}

func TestSplitUpdateHalvesKeepPresence(t *testing.T) {
	undoOnly := NewUpdatePage(1, 5, 0, 0, []byte{1, 2}, nil)
	redoOnly := NewUpdatePage(1, 5, 10, 0, nil, []byte{3, 4})

	got, _, err := DecodeRecord(undoOnly.Encode(), 0)
	require.NoError(t, err)
	assert.True(t, got.Undoable())
	assert.False(t, got.Redoable())
	assert.Nil(t, got.After)

	got, _, err = DecodeRecord(redoOnly.Encode(), 0)
	require.NoError(t, err)
	assert.False(t, got.Undoable())
	assert.True(t, got.Redoable())
	assert.Nil(t, got.Before)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	enc := NewCommit(1, 99).Encode()
	enc[3] ^= 0xff
	_, _, err := DecodeRecord(enc, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestUndoBuildsChainedCLR(t *testing.T) {
	rec := NewUpdatePage(3, 7, 40, 8, []byte("before"), []byte("after!"))
	rec.LSN = 60
	clr, flush := rec.Undo(120)
	require.NotNil(t, clr)
	assert.False(t, flush)
	assert.Equal(t, TypeUndoUpdatePage, clr.Type)
	assert.Equal(t, uint64(120), clr.PrevLSN)
	// The CLR continues the rollback at the undone record's prevLSN.
	assert.Equal(t, uint64(40), clr.UndoNextLSN)
	assert.Equal(t, []byte("before"), clr.After)
	assert.False(t, clr.Undoable())
	assert.True(t, clr.Redoable())
	assert.True(t, clr.IsCLR())
}

func TestUndoOfAllocNeedsFlush(t *testing.T) {
	for _, rec := range []*Record{
		NewAllocPage(1, 1<<32, 0),
		NewFreePage(1, 1<<32, 0),
		NewAllocPart(1, 2, 0),
		NewFreePart(1, 2, 0),
	} {
		clr, flush := rec.Undo(0)
		require.NotNil(t, clr, "%v", rec.Type)
		assert.True(t, flush, "%v", rec.Type)
	}
	for _, rec := range []*Record{
		NewCommit(1, 0),
		NewAbort(1, 0),
		NewEnd(1, 0),
		NewBeginCheckpoint(0),
	} {
		clr, _ := rec.Undo(0)
		assert.Nil(t, clr, "%v must not be undoable", rec.Type)
	}
}

func TestEncodeDecodeEndCheckpoint(t *testing.T) {
	rec := NewEndCheckpoint(
		map[uint64]uint64{1: 13, 2: 99},
		map[uint64]CheckpointTxn{
			7: {Status: transaction.Running, LastLSN: 50},
			8: {Status: transaction.Committing, LastLSN: 77},
		},
		map[uint64][]uint64{7: {1, 2}, 8: {2}},
	)
	got, _, err := DecodeRecord(rec.Encode(), 200)
	require.NoError(t, err)
	assert.Equal(t, rec.CheckpointDPT, got.CheckpointDPT)
	assert.Equal(t, rec.CheckpointTxnTable, got.CheckpointTxnTable)
	assert.Equal(t, rec.CheckpointTouchedPages, got.CheckpointTouchedPages)
	assert.False(t, got.HasTransNum())
}

func TestMasterRecordFixedSize(t *testing.T) {
	assert.Len(t, NewMaster(0).Encode(), MasterRecordSize)
	assert.Len(t, NewMaster(1<<40).Encode(), MasterRecordSize)
}

func TestFitsInOneRecord(t *testing.T) {
	assert.True(t, FitsInOneRecord(0, 0, 0, 0))
	assert.True(t, FitsInOneRecord(200, 0, 0, 0))
	// 16 bytes per DPT entry; a few hundred entries exhaust a page.
	assert.False(t, FitsInOneRecord(300, 0, 0, 0))
	assert.False(t, FitsInOneRecord(0, 0, 10, 1000))
}
