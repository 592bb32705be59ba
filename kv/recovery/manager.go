// Package recovery implements ARIES-style crash recovery on top of the
// write-ahead log: forward-processing hooks called by the executor and
// transaction driver (steal/no-force buffer semantics), and the
// analysis/redo/undo restart sequence.
package recovery

import (
	"sort"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/sasha-s/go-deadlock"

	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/storage/buffer"
	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
	"github.com/pingcap-incubator/tinydb/kv/transaction"
	"github.com/pingcap-incubator/tinydb/kv/transaction/locks"
	"github.com/pingcap-incubator/tinydb/kv/wal"
)

// Manager implements ARIES. Forward-processing mutations of the
// transaction table and log are serialized by a single monitor; the dirty
// page table carries its own lock so the buffer manager's hooks can touch
// it mid-flush.
type Manager struct {
	mu deadlock.Mutex

	dbContext  *locks.Context
	dsm        disk.Manager
	bm         *buffer.Manager
	logManager *wal.LogManager

	// newTransaction builds a transaction object for a transaction number
	// found in the log during restart.
	newTransaction func(uint64) transaction.Transaction
	// updateTransNum / getTransNum expose the driver's transaction counter.
	updateTransNum func(uint64)
	getTransNum    func() uint64

	dpt      *dirtyPageTable
	txnTable map[uint64]*txnTableEntry
}

func NewManager(dbContext *locks.Context, newTransaction func(uint64) transaction.Transaction,
	updateTransNum func(uint64), getTransNum func() uint64) *Manager {
	return &Manager{
		dbContext:      dbContext,
		newTransaction: newTransaction,
		updateTransNum: updateTransNum,
		getTransNum:    getTransNum,
		dpt:            newDirtyPageTable(),
		txnTable:       make(map[uint64]*txnTableEntry),
	}
}

// SetManagers wires the disk and buffer managers and opens the log on
// store. Separate from the constructor because of the cycle between the
// buffer manager and the recovery manager: eviction consults the WAL, the
// WAL redoes through the buffer.
func (m *Manager) SetManagers(dsm disk.Manager, bm *buffer.Manager, store wal.Store, conf *config.Config) {
	m.dsm = dsm
	m.bm = bm
	m.logManager = wal.NewLogManager(store, conf.LogBufferSize)
	bm.SetRecoveryHooks(m.PageFlushHook, m.DiskIOHook)
}

// LogManager exposes the log for tests and tooling.
func (m *Manager) LogManager() *wal.LogManager { return m.logManager }

// Initialize writes the initial master record and takes the first
// checkpoint. Only called the first time the database is set up.
func (m *Manager) Initialize() error {
	if _, err := m.logManager.Append(wal.NewMaster(0)); err != nil {
		return err
	}
	return m.Checkpoint()
}

// StartTransaction registers a freshly started transaction.
func (m *Manager) StartTransaction(txn transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txnTable[txn.TransNum()] = newTxnTableEntry(txn)
}

func (m *Manager) entryLocked(transNum uint64) (*txnTableEntry, error) {
	entry, ok := m.txnTable[transNum]
	if !ok {
		return nil, errors.Errorf("transaction %d not in transaction table", transNum)
	}
	return entry, nil
}

// Commit appends a commit record, flushes the log through it, and moves
// the transaction to COMMITTING.
func (m *Manager) Commit(transNum uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := m.logManager.Append(wal.NewCommit(transNum, entry.lastLSN))
	if err != nil {
		return 0, err
	}
	if err := m.logManager.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	entry.lastLSN = lsn
	entry.txn.SetStatus(transaction.Committing)
	return lsn, nil
}

// Abort appends an abort record and moves the transaction to ABORTING.
// No rollback happens here; End performs it.
func (m *Manager) Abort(transNum uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortLocked(transNum, transaction.Aborting)
}

func (m *Manager) abortLocked(transNum uint64, status transaction.Status) (uint64, error) {
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := m.logManager.Append(wal.NewAbort(transNum, entry.lastLSN))
	if err != nil {
		return 0, err
	}
	entry.lastLSN = lsn
	entry.txn.SetStatus(status)
	return lsn, nil
}

// End finishes a transaction: an aborting transaction is rolled back to
// the start of its chain first, then the entry is dropped, an end record
// appended, and the transaction marked COMPLETE.
func (m *Manager) End(transNum uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(transNum)
}

func (m *Manager) endLocked(transNum uint64) (uint64, error) {
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	status := entry.txn.Status()
	if status == transaction.Aborting || status == transaction.RecoveryAborting {
		if err := m.rollbackToLSNLocked(entry, 0); err != nil {
			return 0, err
		}
	}
	delete(m.txnTable, transNum)
	lsn, err := m.logManager.Append(wal.NewEnd(transNum, entry.lastLSN))
	if err != nil {
		return 0, err
	}
	entry.txn.SetStatus(transaction.Complete)
	return lsn, nil
}

// rollbackToLSNLocked undoes the transaction's records down to (but not
// including) stopLSN, emitting a CLR per undone record.
func (m *Manager) rollbackToLSNLocked(entry *txnTableEntry, stopLSN uint64) error {
	last, err := m.logManager.Fetch(entry.lastLSN)
	if err != nil {
		return err
	}
	cur := last.LSN
	if last.IsCLR() {
		// Resume after what the last CLR already undid.
		cur = last.UndoNextLSN
	}
	for cur > stopLSN {
		rec, err := m.logManager.Fetch(cur)
		if err != nil {
			return err
		}
		if rec.Undoable() {
			cur, err = m.undoRecordLocked(entry, rec)
			if err != nil {
				return err
			}
		} else {
			cur = rec.PrevLSN
		}
	}
	return nil
}

// undoRecordLocked emits and applies the CLR for one undoable record and
// returns the next LSN of the transaction to undo.
func (m *Manager) undoRecordLocked(entry *txnTableEntry, rec *wal.Record) (uint64, error) {
	clr, flushNeeded := rec.Undo(entry.lastLSN)
	if clr == nil {
		return 0, errors.Errorf("record %v at LSN %d is not undoable", rec.Type, rec.LSN)
	}
	lsn, err := m.logManager.Append(clr)
	if err != nil {
		return 0, err
	}
	if flushNeeded {
		if err := m.logManager.FlushToLSN(lsn); err != nil {
			return 0, err
		}
	}
	entry.lastLSN = lsn
	// Undoing an update dirties the page again; undoing an allocation
	// frees the page, which is no longer dirty.
	switch rec.Type {
	case wal.TypeUpdatePage:
		m.dpt.PutIfAbsent(rec.PageNum, lsn)
	case wal.TypeAllocPage:
		m.dpt.Remove(rec.PageNum)
	}
	if err := clr.Redo(m.dsm, m.bm); err != nil {
		return 0, errors.Annotatef(err, "applying CLR for LSN %d", rec.LSN)
	}
	return clr.UndoNextLSN, nil
}

// LogPageWrite logs a page write. A write larger than half the effective
// page is split into an undo-only record followed by a redo-only record so
// no single record carries both images; the dirty page's recLSN is the
// first of the two. The log is not flushed (no-force).
func (m *Manager) LogPageWrite(transNum, pageNum uint64, offset uint16, before, after []byte) (uint64, error) {
	if len(before) != len(after) {
		return 0, errors.Errorf("before and after images differ in length: %d vs %d", len(before), len(after))
	}
	if disk.PartNum(pageNum) == disk.LogPartition {
		return 0, errors.New("page writes are never logged for the log partition")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	var lastLSN uint64
	if len(after) > buffer.EffectivePageSize/2 {
		undoOnly := wal.NewUpdatePage(transNum, pageNum, entry.lastLSN, offset, before, nil)
		undoLSN, err := m.logManager.Append(undoOnly)
		if err != nil {
			return 0, err
		}
		redoOnly := wal.NewUpdatePage(transNum, pageNum, undoLSN, offset, nil, after)
		lastLSN, err = m.logManager.Append(redoOnly)
		if err != nil {
			return 0, err
		}
		m.dpt.PutIfAbsent(pageNum, undoLSN)
	} else {
		lastLSN, err = m.logManager.Append(wal.NewUpdatePage(transNum, pageNum, entry.lastLSN, offset, before, after))
		if err != nil {
			return 0, err
		}
		m.dpt.PutIfAbsent(pageNum, lastLSN)
	}
	entry.lastLSN = lastLSN
	entry.touchedPages.Add(pageNum)
	return lastLSN, nil
}

// LogAllocPart logs a partition allocation and flushes through it: the
// allocation is visible on disk as soon as this returns. Returns (0, nil)
// for the log partition.
func (m *Manager) LogAllocPart(transNum uint64, partNum uint32) (uint64, error) {
	if partNum == disk.LogPartition {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	return m.appendFlushedLocked(entry, wal.NewAllocPart(transNum, partNum, entry.lastLSN))
}

// LogFreePart logs a partition free and flushes through it. Returns
// (0, nil) for the log partition.
func (m *Manager) LogFreePart(transNum uint64, partNum uint32) (uint64, error) {
	if partNum == disk.LogPartition {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	return m.appendFlushedLocked(entry, wal.NewFreePart(transNum, partNum, entry.lastLSN))
}

// LogAllocPage logs a page allocation and flushes through it. Returns
// (0, nil) for pages of the log partition.
func (m *Manager) LogAllocPage(transNum, pageNum uint64) (uint64, error) {
	if disk.PartNum(pageNum) == disk.LogPartition {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := m.appendFlushedLocked(entry, wal.NewAllocPage(transNum, pageNum, entry.lastLSN))
	if err != nil {
		return 0, err
	}
	entry.touchedPages.Add(pageNum)
	return lsn, nil
}

// LogFreePage logs a page free and flushes through it. The freed page is
// no longer dirty. Returns (0, nil) for pages of the log partition.
func (m *Manager) LogFreePage(transNum, pageNum uint64) (uint64, error) {
	if disk.PartNum(pageNum) == disk.LogPartition {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return 0, err
	}
	lsn, err := m.appendFlushedLocked(entry, wal.NewFreePage(transNum, pageNum, entry.lastLSN))
	if err != nil {
		return 0, err
	}
	entry.touchedPages.Add(pageNum)
	m.dpt.Remove(pageNum)
	return lsn, nil
}

func (m *Manager) appendFlushedLocked(entry *txnTableEntry, rec *wal.Record) (uint64, error) {
	lsn, err := m.logManager.Append(rec)
	if err != nil {
		return 0, err
	}
	entry.lastLSN = lsn
	if err := m.logManager.FlushToLSN(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// PageFlushHook runs before the buffer manager writes back a page with the
// given pageLSN: write-ahead logging requires the log durable through it.
// Never called for log pages.
func (m *Manager) PageFlushHook(pageLSN uint64) {
	if err := m.logManager.FlushToLSN(pageLSN); err != nil {
		log.Fatalf("WAL flush to LSN %d failed: %v", pageLSN, err)
	}
}

// DiskIOHook runs after a page image reaches disk; the page is clean.
func (m *Manager) DiskIOHook(pageNum uint64) {
	m.dpt.Remove(pageNum)
}

// Savepoint records the transaction's current lastLSN under name,
// replacing any savepoint with the same name.
func (m *Manager) Savepoint(transNum uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return err
	}
	entry.savepoints[name] = entry.lastLSN
	return nil
}

// ReleaseSavepoint deletes a savepoint.
func (m *Manager) ReleaseSavepoint(transNum uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return err
	}
	delete(entry.savepoints, name)
	return nil
}

// RollbackToSavepoint undoes everything the transaction did after the
// savepoint, in reverse order, with CLRs written to the log. The
// transaction status is unchanged.
func (m *Manager) RollbackToSavepoint(transNum uint64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entryLocked(transNum)
	if err != nil {
		return err
	}
	lsn, ok := entry.savepoints[name]
	if !ok {
		return errors.Errorf("transaction %d has no savepoint %q", transNum, name)
	}
	return m.rollbackToLSNLocked(entry, lsn)
}

// Checkpoint takes a fuzzy checkpoint: a begin record, end records packed
// greedily with DPT entries, then transaction table entries, then touched
// pages, each flushed; finally the master record is pointed at the begin
// record.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked()
}

func (m *Manager) checkpointLocked() error {
	beginLSN, err := m.logManager.Append(wal.NewBeginCheckpoint(m.getTransNum()))
	if err != nil {
		return err
	}

	dptEntries := m.dpt.Entries()
	transNums := make([]uint64, 0, len(m.txnTable))
	for transNum := range m.txnTable {
		transNums = append(transNums, transNum)
	}
	sort.Slice(transNums, func(i, j int) bool { return transNums[i] < transNums[j] })

	dptIdx, txnIdx := 0, 0
	wrote := false
	for dptIdx < len(dptEntries) || txnIdx < len(transNums) || !wrote {
		chkptDPT := make(map[uint64]uint64)
		chkptTxnTable := make(map[uint64]wal.CheckpointTxn)
		chkptTouchedPages := make(map[uint64][]uint64)
		touchedCount := 0

		for dptIdx < len(dptEntries) && wal.FitsInOneRecord(len(chkptDPT)+1, 0, 0, 0) {
			e := dptEntries[dptIdx]
			chkptDPT[e.pageNum] = e.recLSN
			dptIdx++
		}
		for txnIdx < len(transNums) {
			transNum := transNums[txnIdx]
			entry := m.txnTable[transNum]
			pages := entry.touchedPages.ToSlice()
			if !wal.FitsInOneRecord(len(chkptDPT), len(chkptTxnTable)+1,
				len(chkptTouchedPages)+1, touchedCount+len(pages)) {
				if len(chkptDPT) == 0 && len(chkptTxnTable) == 0 {
					// A single transaction's touched pages outgrow one
					// record; take it anyway rather than stall.
					log.Warnf("checkpoint entry for transaction %d overflows one record (%d touched pages)",
						transNum, len(pages))
				} else {
					break
				}
			}
			chkptTxnTable[transNum] = wal.CheckpointTxn{
				Status:  entry.txn.Status(),
				LastLSN: entry.lastLSN,
			}
			sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
			chkptTouchedPages[transNum] = pages
			touchedCount += len(pages)
			txnIdx++
		}

		endLSN, err := m.logManager.Append(wal.NewEndCheckpoint(chkptDPT, chkptTxnTable, chkptTouchedPages))
		if err != nil {
			return err
		}
		if err := m.logManager.FlushToLSN(endLSN); err != nil {
			return err
		}
		wrote = true
	}

	return m.logManager.RewriteMasterRecord(wal.NewMaster(beginLSN))
}

// Close checkpoints and closes the log. Forward processing must have
// stopped.
func (m *Manager) Close() error {
	if err := m.Checkpoint(); err != nil {
		return err
	}
	return m.logManager.Close()
}
