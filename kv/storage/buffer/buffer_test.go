package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
)

func newTestPage(t *testing.T, d *disk.VirtualManager) uint64 {
	t.Helper()
	require.NoError(t, d.AllocPartAt(1))
	pageNum, err := d.AllocPage(1)
	require.NoError(t, err)
	return pageNum
}

func TestFetchWriteFlush(t *testing.T) {
	d := disk.NewVirtualManager()
	m := NewManager(d, 4)
	pageNum := newTestPage(t, d)

	page, err := m.FetchPage(pageNum)
	require.NoError(t, err)
	page.WriteAt(0, []byte("abc"))
	page.SetPageLSN(42)
	assert.True(t, page.Dirty())
	page.Unpin()

	require.NoError(t, m.FlushPage(pageNum))
	assert.False(t, page.Dirty())

	// Reload from disk through a fresh manager.
	m2 := NewManager(d, 4)
	page2, err := m2.FetchPage(pageNum)
	require.NoError(t, err)
	defer page2.Unpin()
	buf := make([]byte, 3)
	page2.ReadAt(0, buf)
	assert.Equal(t, []byte("abc"), buf)
	assert.Equal(t, uint64(42), page2.PageLSN())
}

func TestFlushHooksOrdering(t *testing.T) {
	d := disk.NewVirtualManager()
	m := NewManager(d, 4)
	pageNum := newTestPage(t, d)

	var calls []string
	m.SetRecoveryHooks(
		func(pageLSN uint64) {
			calls = append(calls, "wal")
			assert.Equal(t, uint64(7), pageLSN)
		},
		func(p uint64) {
			calls = append(calls, "io")
			assert.Equal(t, pageNum, p)
		},
	)

	page, err := m.FetchPage(pageNum)
	require.NoError(t, err)
	page.WriteAt(0, []byte{1})
	page.SetPageLSN(7)
	page.Unpin()
	require.NoError(t, m.FlushPage(pageNum))
	assert.Equal(t, []string{"wal", "io"}, calls)

	// A clean page flushes without touching the hooks.
	calls = nil
	require.NoError(t, m.FlushPage(pageNum))
	assert.Empty(t, calls)
}

func TestEvictionPrefersUnpinned(t *testing.T) {
	d := disk.NewVirtualManager()
	m := NewManager(d, 2)
	p1 := newTestPage(t, d)
	p2 := newTestPage(t, d)
	p3 := newTestPage(t, d)

	page1, err := m.FetchPage(p1)
	require.NoError(t, err)
	page2, err := m.FetchPage(p2)
	require.NoError(t, err)
	page2.Unpin()

	// p1 is pinned, so p2 must be the victim.
	page3, err := m.FetchPage(p3)
	require.NoError(t, err)
	page3.Unpin()

	count := 0
	m.IterPageNums(func(uint64, bool) { count++ })
	assert.Equal(t, 2, count)

	page1.Unpin()
}

func TestAllPinnedFails(t *testing.T) {
	d := disk.NewVirtualManager()
	m := NewManager(d, 1)
	p1 := newTestPage(t, d)
	p2 := newTestPage(t, d)

	page1, err := m.FetchPage(p1)
	require.NoError(t, err)
	_, err = m.FetchPage(p2)
	require.Error(t, err)
	page1.Unpin()
}
