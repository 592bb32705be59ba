package recovery

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"

	"github.com/pingcap-incubator/tinydb/kv/transaction"
)

// dptItem is one dirty page table entry: the page and the earliest LSN
// whose update is not guaranteed on disk.
type dptItem struct {
	pageNum uint64
	recLSN  uint64
}

func (a dptItem) Less(b btree.Item) bool {
	return a.pageNum < b.(dptItem).pageNum
}

// dirtyPageTable maps dirty pages to their recLSN, ordered by page number
// so checkpoint packing and scans are deterministic. It carries its own
// lock: the buffer manager's disk-IO hook mutates it from under the buffer
// monitor, outside the recovery monitor.
type dirtyPageTable struct {
	mu   sync.Mutex
	tree *btree.BTree
}

func newDirtyPageTable() *dirtyPageTable {
	return &dirtyPageTable{tree: btree.New(16)}
}

func (t *dirtyPageTable) Get(pageNum uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.tree.Get(dptItem{pageNum: pageNum}); item != nil {
		return item.(dptItem).recLSN, true
	}
	return 0, false
}

func (t *dirtyPageTable) Put(pageNum, recLSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(dptItem{pageNum: pageNum, recLSN: recLSN})
}

// PutIfAbsent records recLSN for pageNum unless the page is already dirty.
func (t *dirtyPageTable) PutIfAbsent(pageNum, recLSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tree.Get(dptItem{pageNum: pageNum}) == nil {
		t.tree.ReplaceOrInsert(dptItem{pageNum: pageNum, recLSN: recLSN})
	}
}

func (t *dirtyPageTable) Remove(pageNum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Delete(dptItem{pageNum: pageNum})
}

func (t *dirtyPageTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// MinRecLSN returns the smallest recLSN in the table: the redo starting
// point. ok is false when the table is empty.
func (t *dirtyPageTable) MinRecLSN() (lsn uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Ascend(func(item btree.Item) bool {
		e := item.(dptItem)
		if !ok || e.recLSN < lsn {
			lsn = e.recLSN
			ok = true
		}
		return true
	})
	return lsn, ok
}

// Entries returns the table's entries in page-number order.
func (t *dirtyPageTable) Entries() []dptItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]dptItem, 0, t.tree.Len())
	t.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(dptItem))
		return true
	})
	return out
}

// Retain drops every entry whose page is not in keep.
func (t *dirtyPageTable) Retain(keep map[uint64]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.tree
	t.tree = btree.New(16)
	old.Ascend(func(item btree.Item) bool {
		e := item.(dptItem)
		if keep[e.pageNum] {
			t.tree.ReplaceOrInsert(e)
		}
		return true
	})
}

// txnTableEntry is the transaction table's per-transaction state: the
// transaction object, the LSN of its last log record (the head of its
// prevLSN chain), the pages it has touched, and its named savepoints.
type txnTableEntry struct {
	txn          transaction.Transaction
	lastLSN      uint64
	touchedPages mapset.Set[uint64]
	savepoints   map[string]uint64
}

func newTxnTableEntry(txn transaction.Transaction) *txnTableEntry {
	return &txnTableEntry{
		txn:          txn,
		touchedPages: mapset.NewSet[uint64](),
		savepoints:   make(map[string]uint64),
	}
}
