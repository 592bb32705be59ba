package wal

import (
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/sasha-s/go-deadlock"

	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
)

// LogManager is the append-only log. LSNs are byte offsets into the log
// store, so they are monotonically increasing and self-locating. Appends
// accumulate in a buffer; FlushToLSN makes everything up to an LSN durable.
// A record never spans the flushed/unflushed boundary: flushes always move
// the whole buffer.
type LogManager struct {
	mu    deadlock.Mutex
	store Store

	buf      []byte // encoded records not yet handed to the store
	bufSoft  int    // buffer size that triggers a flush on append
	bufStart uint64 // LSN of buf[0]; everything below is durable
	nextLSN  uint64
}

// fetchCap is the size of the first read when fetching a record from the
// store. Records larger than that (an END_CHECKPOINT for a transaction with
// many touched pages) are read again with a larger window.
const fetchCap = 2 * disk.PageSize

func NewLogManager(store Store, bufSize int) *LogManager {
	size := uint64(store.Size())
	return &LogManager{
		store:    store,
		bufSoft:  bufSize,
		bufStart: size,
		nextLSN:  size,
	}
}

// Append assigns the record its LSN and buffers it. The record is not
// durable until a flush covers it.
func (lm *LogManager) Append(r *Record) (uint64, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	r.LSN = lm.nextLSN
	enc := r.Encode()
	if len(lm.buf) > 0 && len(lm.buf)+len(enc) > lm.bufSoft {
		if err := lm.flushLocked(); err != nil {
			return 0, err
		}
	}
	lm.buf = append(lm.buf, enc...)
	lm.nextLSN += uint64(len(enc))
	return r.LSN, nil
}

func (lm *LogManager) flushLocked() error {
	if len(lm.buf) == 0 {
		return nil
	}
	if _, err := lm.store.WriteAt(lm.buf, int64(lm.bufStart)); err != nil {
		return errors.Annotate(err, "flushing log")
	}
	if err := lm.store.Sync(); err != nil {
		return errors.Annotate(err, "syncing log")
	}
	lm.bufStart = lm.nextLSN
	lm.buf = lm.buf[:0]
	return nil
}

// FlushToLSN makes the log durable through lsn. Monotonic: flushing an
// already-durable LSN is a no-op.
func (lm *LogManager) FlushToLSN(lsn uint64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn < lm.bufStart {
		return nil
	}
	return lm.flushLocked()
}

// FlushedLSN returns the first LSN that is not yet durable: the log is
// durable through every LSN strictly below it.
func (lm *LogManager) FlushedLSN() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.bufStart
}

// AppendLSN returns the LSN the next appended record will get.
func (lm *LogManager) AppendLSN() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// Fetch reads the record at lsn.
func (lm *LogManager) Fetch(lsn uint64) (*Record, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	r, _, err := lm.fetchLocked(lsn)
	return r, err
}

func (lm *LogManager) fetchLocked(lsn uint64) (*Record, int, error) {
	if lsn >= lm.nextLSN {
		return nil, 0, errors.Errorf("no log record at LSN %d (log ends at %d)", lsn, lm.nextLSN)
	}
	if lsn >= lm.bufStart {
		return DecodeRecord(lm.buf[lsn-lm.bufStart:], lsn)
	}
	avail := lm.bufStart - lsn
	n := avail
	if n > fetchCap {
		n = fetchCap
	}
	for {
		chunk := make([]byte, n)
		read, err := lm.store.ReadAt(chunk, int64(lsn))
		if err != nil && read == 0 {
			return nil, 0, errors.Annotatef(err, "reading log at LSN %d", lsn)
		}
		rec, used, err := DecodeRecord(chunk[:read], lsn)
		if err == nil || n >= avail {
			return rec, used, err
		}
		n *= 2
		if n > avail {
			n = avail
		}
	}
}

// RewriteMasterRecord overwrites the master record at LSN 0 in place and
// syncs. The buffer is flushed first so the rewrite cannot be reordered
// ahead of the records it points at.
func (lm *LogManager) RewriteMasterRecord(r *Record) error {
	if r.Type != TypeMaster {
		return errors.Errorf("cannot rewrite master record with a %v record", r.Type)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushLocked(); err != nil {
		return err
	}
	r.LSN = 0
	enc := r.Encode()
	if len(enc) != MasterRecordSize {
		return errors.Errorf("master record encoded to %d bytes, want %d", len(enc), MasterRecordSize)
	}
	if _, err := lm.store.WriteAt(enc, 0); err != nil {
		return errors.Annotate(err, "rewriting master record")
	}
	return errors.Annotate(lm.store.Sync(), "syncing master record")
}

// Close flushes the remaining buffer.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushLocked(); err != nil {
		log.Errorf("flushing log on close: %v", err)
		return err
	}
	return nil
}

// Scanner iterates the log forward from a starting LSN.
type Scanner struct {
	lm  *LogManager
	pos uint64
	rec *Record
	err error
}

// ScanFrom returns a forward scanner positioned at lsn.
func (lm *LogManager) ScanFrom(lsn uint64) *Scanner {
	return &Scanner{lm: lm, pos: lsn}
}

// Next advances to the next record, returning false at the end of the log
// or on error.
func (s *Scanner) Next() bool {
	s.lm.mu.Lock()
	defer s.lm.mu.Unlock()
	if s.err != nil || s.pos >= s.lm.nextLSN {
		return false
	}
	rec, n, err := s.lm.fetchLocked(s.pos)
	if err != nil {
		s.err = err
		return false
	}
	s.rec = rec
	s.pos += uint64(n)
	return true
}

// Record returns the record the scanner is positioned on.
func (s *Scanner) Record() *Record { return s.rec }

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }
