package recovery

import (
	"container/heap"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
	"github.com/pingcap-incubator/tinydb/kv/transaction"
	"github.com/pingcap-incubator/tinydb/kv/transaction/locks"
	"github.com/pingcap-incubator/tinydb/kv/wal"
)

// Restart performs restart recovery: analysis and redo run to completion,
// the DPT is cleaned of pages not actually dirty in memory, and the
// returned continuation runs the undo phase and a checkpoint. New
// transactions may start once Restart returns; recovery is complete when
// the continuation has run.
func (m *Manager) Restart() (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.restartAnalysis(); err != nil {
		return nil, err
	}
	if err := m.restartRedo(); err != nil {
		return nil, err
	}
	m.cleanDPT()
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.restartUndo(); err != nil {
			return err
		}
		return m.checkpointLocked()
	}, nil
}

// restartAnalysis rebuilds the transaction table and DPT by scanning
// forward from the last successful checkpoint, then disposes of the
// transactions the crash interrupted: committing ones are finished,
// running ones move to RECOVERY_ABORTING with an abort record.
func (m *Manager) restartAnalysis() error {
	master, err := m.logManager.Fetch(0)
	if err != nil {
		return errors.Annotate(err, "reading master record; database never initialized?")
	}
	if master.Type != wal.TypeMaster {
		return errors.Errorf("log starts with a %v record, not the master record", master.Type)
	}

	it := m.logManager.ScanFrom(master.LastCheckpointLSN)
	for it.Next() {
		rec := it.Record()
		if rec.HasTransNum() {
			entry := m.analysisEntryLocked(rec.TransNum)
			if rec.LSN > entry.lastLSN {
				entry.lastLSN = rec.LSN
			}
			if rec.HasPageNum() {
				if err := m.analyzePageRecord(rec, entry); err != nil {
					return err
				}
			}
			switch rec.Type {
			case wal.TypeCommit:
				entry.txn.SetStatus(transaction.Committing)
			case wal.TypeAbort:
				entry.txn.SetStatus(transaction.RecoveryAborting)
			case wal.TypeEnd:
				entry.txn.Cleanup()
				entry.txn.SetStatus(transaction.Complete)
				delete(m.txnTable, rec.TransNum)
			}
		}
		switch rec.Type {
		case wal.TypeBeginCheckpoint:
			m.updateTransNum(rec.MaxTransNum)
		case wal.TypeEndCheckpoint:
			if err := m.analyzeEndCheckpoint(rec); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return errors.Annotate(err, "analysis scan")
	}

	for transNum, entry := range m.txnTable {
		switch entry.txn.Status() {
		case transaction.Committing:
			entry.txn.Cleanup()
			if _, err := m.endLocked(transNum); err != nil {
				return err
			}
		case transaction.Running:
			if _, err := m.abortLocked(transNum, transaction.RecoveryAborting); err != nil {
				return err
			}
		case transaction.Complete:
			delete(m.txnTable, transNum)
		}
	}
	return nil
}

// analysisEntryLocked returns the table entry for transNum, creating the
// transaction through the driver callback on first sight.
func (m *Manager) analysisEntryLocked(transNum uint64) *txnTableEntry {
	if entry, ok := m.txnTable[transNum]; ok {
		return entry
	}
	entry := newTxnTableEntry(m.newTransaction(transNum))
	m.txnTable[transNum] = entry
	return entry
}

// analyzePageRecord applies a page-tagged record to the analysis state:
// the page joins the transaction's touched set, the transaction reacquires
// its X lock, and the DPT is updated. Frees and undone allocations reach
// disk immediately, so they clean the page; allocations and undone frees
// leave the DPT alone.
func (m *Manager) analyzePageRecord(rec *wal.Record, entry *txnTableEntry) error {
	entry.touchedPages.Add(rec.PageNum)
	if err := m.acquireTransactionLock(entry.txn, rec.PageNum); err != nil {
		return err
	}
	switch rec.Type {
	case wal.TypeUpdatePage, wal.TypeUndoUpdatePage:
		m.dpt.PutIfAbsent(rec.PageNum, rec.LSN)
	case wal.TypeFreePage, wal.TypeUndoAllocPage:
		m.dpt.Remove(rec.PageNum)
	}
	return nil
}

// analyzeEndCheckpoint merges a checkpoint snapshot into the live tables.
// Checkpoint DPT entries overwrite; lastLSNs keep the maximum; statuses
// only advance (a checkpointed ABORTING transaction resumes as
// RECOVERY_ABORTING).
func (m *Manager) analyzeEndCheckpoint(rec *wal.Record) error {
	for pageNum, recLSN := range rec.CheckpointDPT {
		m.dpt.Put(pageNum, recLSN)
	}
	for transNum, snap := range rec.CheckpointTxnTable {
		entry := m.analysisEntryLocked(transNum)
		if snap.LastLSN > entry.lastLSN {
			entry.lastLSN = snap.LastLSN
		}
		status := snap.Status
		if status == transaction.Aborting {
			status = transaction.RecoveryAborting
		}
		if cur := entry.txn.Status(); cur != status && cur.CanTransitionTo(status) {
			entry.txn.SetStatus(status)
		}
	}
	for transNum, pages := range rec.CheckpointTouchedPages {
		entry, ok := m.txnTable[transNum]
		if !ok {
			continue
		}
		for _, pageNum := range pages {
			entry.touchedPages.Add(pageNum)
			if err := m.acquireTransactionLock(entry.txn, pageNum); err != nil {
				return err
			}
		}
	}
	return nil
}

// restartRedo replays history from the smallest recLSN in the DPT.
// Partition operations and allocations are redone unconditionally; page
// modifications only when the page is dirty with recLSN <= LSN and the
// on-disk page is older than the record.
func (m *Manager) restartRedo() error {
	start, ok := m.dpt.MinRecLSN()
	if !ok {
		return nil
	}
	it := m.logManager.ScanFrom(start)
	for it.Next() {
		rec := it.Record()
		if !rec.Redoable() {
			continue
		}
		switch rec.Type {
		case wal.TypeAllocPart, wal.TypeFreePart, wal.TypeUndoAllocPart, wal.TypeUndoFreePart,
			wal.TypeAllocPage, wal.TypeUndoFreePage:
			if err := rec.Redo(m.dsm, m.bm); err != nil {
				return errors.Annotatef(err, "redoing %v at LSN %d", rec.Type, rec.LSN)
			}
		case wal.TypeUpdatePage, wal.TypeUndoUpdatePage, wal.TypeFreePage, wal.TypeUndoAllocPage:
			recLSN, dirty := m.dpt.Get(rec.PageNum)
			if !dirty || recLSN > rec.LSN {
				continue
			}
			page, err := m.bm.FetchPage(rec.PageNum)
			if err != nil {
				// A free whose effect already reached disk cannot be
				// pinned again; there is nothing left to redo.
				if (rec.Type == wal.TypeFreePage || rec.Type == wal.TypeUndoAllocPage) &&
					errors.Cause(err) == disk.ErrPageNotAllocated {
					continue
				}
				return errors.Annotatef(err, "fetching page %d to redo LSN %d", rec.PageNum, rec.LSN)
			}
			doRedo := page.PageLSN() < rec.LSN
			page.Unpin()
			if doRedo {
				if err := rec.Redo(m.dsm, m.bm); err != nil {
					return errors.Annotatef(err, "redoing %v at LSN %d", rec.Type, rec.LSN)
				}
			}
		}
	}
	return errors.Annotate(it.Err(), "redo scan")
}

// cleanDPT drops DPT entries for pages that are not actually dirty in the
// buffer manager. Slow; only run between redo and undo.
func (m *Manager) cleanDPT() {
	dirty := make(map[uint64]bool)
	m.bm.IterPageNums(func(pageNum uint64, isDirty bool) {
		if isDirty {
			dirty[pageNum] = true
		}
	})
	m.dpt.Retain(dirty)
}

// recordHeap is a max-heap of log records by LSN: undo always works on the
// largest remaining LSN across all aborting transactions.
type recordHeap []*wal.Record

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].LSN > h[j].LSN }
func (h recordHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(*wal.Record)) }
func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// restartUndo rolls back every RECOVERY_ABORTING transaction, interleaved
// in descending LSN order, ending each transaction when its chain is
// exhausted.
func (m *Manager) restartUndo() error {
	toUndo := &recordHeap{}
	for _, entry := range m.txnTable {
		if entry.txn.Status() != transaction.RecoveryAborting {
			continue
		}
		rec, err := m.logManager.Fetch(entry.lastLSN)
		if err != nil {
			return err
		}
		heap.Push(toUndo, rec)
	}
	heap.Init(toUndo)

	for toUndo.Len() > 0 {
		rec := heap.Pop(toUndo).(*wal.Record)
		var next uint64
		if rec.Undoable() {
			entry, err := m.entryLocked(rec.TransNum)
			if err != nil {
				return err
			}
			next, err = m.undoRecordLocked(entry, rec)
			if err != nil {
				return err
			}
		} else if rec.IsCLR() {
			next = rec.UndoNextLSN
		} else {
			next = rec.PrevLSN
		}
		if next == 0 {
			if entry, ok := m.txnTable[rec.TransNum]; ok {
				entry.txn.Cleanup()
			}
			if _, err := m.endLocked(rec.TransNum); err != nil {
				return err
			}
			continue
		}
		nextRec, err := m.logManager.Fetch(next)
		if err != nil {
			return err
		}
		heap.Push(toUndo, nextRec)
	}
	return nil
}

// acquireTransactionLock reacquires an exclusive lock on a page for a
// transaction found during analysis, taking ancestor intents as needed.
func (m *Manager) acquireTransactionLock(txn transaction.Transaction, pageNum uint64) error {
	ctx := m.pageLockContext(pageNum)
	if err := locks.EnsureSufficient(txn, ctx, locks.X); err != nil {
		log.Errorf("reacquiring X(%v) for transaction %d: %v", ctx.Name(), txn.TransNum(), err)
		return err
	}
	return nil
}

// pageLockContext returns the lock context for a page:
// database/partition/page.
func (m *Manager) pageLockContext(pageNum uint64) *locks.Context {
	partCtx := m.dbContext.ChildContext("part", uint64(disk.PartNum(pageNum)))
	return partCtx.ChildContext("page", pageNum)
}
