// Package wal implements the write-ahead log: typed, self-delimited log
// records with undo/redo semantics and an append-only, LSN-assigning log
// manager with a mutable master record at LSN 0.
package wal

import (
	"encoding/binary"

	"github.com/pingcap/errors"
	"github.com/spaolacci/murmur3"

	"github.com/pingcap-incubator/tinydb/kv/storage/buffer"
	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
	"github.com/pingcap-incubator/tinydb/kv/transaction"
)

type RecordType uint8

const (
	TypeMaster RecordType = iota + 1
	TypeAllocPage
	TypeUpdatePage
	TypeFreePage
	TypeAllocPart
	TypeFreePart
	TypeCommit
	TypeAbort
	TypeEnd
	TypeBeginCheckpoint
	TypeEndCheckpoint
	TypeUndoAllocPage
	TypeUndoUpdatePage
	TypeUndoFreePage
	TypeUndoAllocPart
	TypeUndoFreePart
)

func (t RecordType) String() string {
	switch t {
	case TypeMaster:
		return "MASTER"
	case TypeAllocPage:
		return "ALLOC_PAGE"
	case TypeUpdatePage:
		return "UPDATE_PAGE"
	case TypeFreePage:
		return "FREE_PAGE"
	case TypeAllocPart:
		return "ALLOC_PART"
	case TypeFreePart:
		return "FREE_PART"
	case TypeCommit:
		return "COMMIT_TRANSACTION"
	case TypeAbort:
		return "ABORT_TRANSACTION"
	case TypeEnd:
		return "END_TRANSACTION"
	case TypeBeginCheckpoint:
		return "BEGIN_CHECKPOINT"
	case TypeEndCheckpoint:
		return "END_CHECKPOINT"
	case TypeUndoAllocPage:
		return "UNDO_ALLOC_PAGE"
	case TypeUndoUpdatePage:
		return "UNDO_UPDATE_PAGE"
	case TypeUndoFreePage:
		return "UNDO_FREE_PAGE"
	case TypeUndoAllocPart:
		return "UNDO_ALLOC_PART"
	case TypeUndoFreePart:
		return "UNDO_FREE_PART"
	}
	return "UNKNOWN"
}

// CheckpointTxn is a transaction table entry snapshotted into an
// END_CHECKPOINT record.
type CheckpointTxn struct {
	Status  transaction.Status
	LastLSN uint64
}

// Record is a log record of any type: a tagged variant rather than an
// inheritance tree. Fields beyond Type and PrevLSN are populated per type;
// the Has* accessors report which ones are meaningful. LSN is the record's
// byte offset in the log, assigned on append and implied on decode.
type Record struct {
	LSN     uint64
	Type    RecordType
	PrevLSN uint64

	TransNum    uint64
	PageNum     uint64
	PartNum     uint32
	Offset      uint16
	Before      []byte // pre-image; nil in a redo-only update record
	After       []byte // post-image; nil in an undo-only update record
	UndoNextLSN uint64 // CLRs only: next LSN of this transaction to undo

	MaxTransNum       uint64 // BEGIN_CHECKPOINT
	LastCheckpointLSN uint64 // MASTER

	CheckpointDPT          map[uint64]uint64        // END_CHECKPOINT: pageNum -> recLSN
	CheckpointTxnTable     map[uint64]CheckpointTxn // END_CHECKPOINT
	CheckpointTouchedPages map[uint64][]uint64      // END_CHECKPOINT
}

func NewMaster(lastCheckpointLSN uint64) *Record {
	return &Record{Type: TypeMaster, LastCheckpointLSN: lastCheckpointLSN}
}

func NewUpdatePage(transNum, pageNum, prevLSN uint64, offset uint16, before, after []byte) *Record {
	return &Record{
		Type:     TypeUpdatePage,
		TransNum: transNum,
		PageNum:  pageNum,
		PrevLSN:  prevLSN,
		Offset:   offset,
		Before:   before,
		After:    after,
	}
}

func NewAllocPage(transNum, pageNum, prevLSN uint64) *Record {
	return &Record{Type: TypeAllocPage, TransNum: transNum, PageNum: pageNum, PrevLSN: prevLSN}
}

func NewFreePage(transNum, pageNum, prevLSN uint64) *Record {
	return &Record{Type: TypeFreePage, TransNum: transNum, PageNum: pageNum, PrevLSN: prevLSN}
}

func NewAllocPart(transNum uint64, partNum uint32, prevLSN uint64) *Record {
	return &Record{Type: TypeAllocPart, TransNum: transNum, PartNum: partNum, PrevLSN: prevLSN}
}

func NewFreePart(transNum uint64, partNum uint32, prevLSN uint64) *Record {
	return &Record{Type: TypeFreePart, TransNum: transNum, PartNum: partNum, PrevLSN: prevLSN}
}

func NewCommit(transNum, prevLSN uint64) *Record {
	return &Record{Type: TypeCommit, TransNum: transNum, PrevLSN: prevLSN}
}

func NewAbort(transNum, prevLSN uint64) *Record {
	return &Record{Type: TypeAbort, TransNum: transNum, PrevLSN: prevLSN}
}

func NewEnd(transNum, prevLSN uint64) *Record {
	return &Record{Type: TypeEnd, TransNum: transNum, PrevLSN: prevLSN}
}

func NewBeginCheckpoint(maxTransNum uint64) *Record {
	return &Record{Type: TypeBeginCheckpoint, MaxTransNum: maxTransNum}
}

func NewEndCheckpoint(dpt map[uint64]uint64, txnTable map[uint64]CheckpointTxn, touchedPages map[uint64][]uint64) *Record {
	return &Record{
		Type:                   TypeEndCheckpoint,
		CheckpointDPT:          dpt,
		CheckpointTxnTable:     txnTable,
		CheckpointTouchedPages: touchedPages,
	}
}

// HasTransNum reports whether the record belongs to a transaction's log
// chain.
func (r *Record) HasTransNum() bool {
	switch r.Type {
	case TypeMaster, TypeBeginCheckpoint, TypeEndCheckpoint:
		return false
	}
	return true
}

// HasPageNum reports whether the record is page-tagged.
func (r *Record) HasPageNum() bool {
	switch r.Type {
	case TypeAllocPage, TypeUpdatePage, TypeFreePage,
		TypeUndoAllocPage, TypeUndoUpdatePage, TypeUndoFreePage:
		return true
	}
	return false
}

// HasPartNum reports whether the record is partition-tagged.
func (r *Record) HasPartNum() bool {
	switch r.Type {
	case TypeAllocPart, TypeFreePart, TypeUndoAllocPart, TypeUndoFreePart:
		return true
	}
	return false
}

// IsCLR reports whether the record is a compensation record carrying
// UndoNextLSN.
func (r *Record) IsCLR() bool {
	switch r.Type {
	case TypeUndoAllocPage, TypeUndoUpdatePage, TypeUndoFreePage,
		TypeUndoAllocPart, TypeUndoFreePart:
		return true
	}
	return false
}

// Undoable reports whether Undo produces a CLR for this record. CLRs,
// status records and checkpoints are never undone; an update record without
// a pre-image (the redo-only half of a split write) is not undoable either.
func (r *Record) Undoable() bool {
	switch r.Type {
	case TypeUpdatePage:
		return r.Before != nil
	case TypeAllocPage, TypeFreePage, TypeAllocPart, TypeFreePart:
		return true
	}
	return false
}

// Redoable reports whether Redo re-applies this record's effect. An update
// record without a post-image (the undo-only half of a split write) has
// nothing to redo.
func (r *Record) Redoable() bool {
	switch r.Type {
	case TypeUpdatePage:
		return r.After != nil
	case TypeAllocPage, TypeFreePage, TypeAllocPart, TypeFreePart,
		TypeUndoAllocPage, TypeUndoUpdatePage, TypeUndoFreePage,
		TypeUndoAllocPart, TypeUndoFreePart:
		return true
	}
	return false
}

// Undo builds the CLR compensating this record, chained so that
// undoNextLSN points at this record's prevLSN. prevLSN is the undoing
// transaction's current lastLSN. flushNeeded is true when the compensated
// operation changes the disk layout immediately, so the caller must flush
// through the CLR before performing it. Undo does not apply anything;
// the caller appends the CLR and then redoes it.
func (r *Record) Undo(prevLSN uint64) (clr *Record, flushNeeded bool) {
	switch r.Type {
	case TypeUpdatePage:
		if r.Before == nil {
			return nil, false
		}
		return &Record{
			Type:        TypeUndoUpdatePage,
			TransNum:    r.TransNum,
			PageNum:     r.PageNum,
			PrevLSN:     prevLSN,
			UndoNextLSN: r.PrevLSN,
			Offset:      r.Offset,
			After:       r.Before,
		}, false
	case TypeAllocPage:
		return &Record{
			Type:        TypeUndoAllocPage,
			TransNum:    r.TransNum,
			PageNum:     r.PageNum,
			PrevLSN:     prevLSN,
			UndoNextLSN: r.PrevLSN,
		}, true
	case TypeFreePage:
		return &Record{
			Type:        TypeUndoFreePage,
			TransNum:    r.TransNum,
			PageNum:     r.PageNum,
			PrevLSN:     prevLSN,
			UndoNextLSN: r.PrevLSN,
		}, true
	case TypeAllocPart:
		return &Record{
			Type:        TypeUndoAllocPart,
			TransNum:    r.TransNum,
			PartNum:     r.PartNum,
			PrevLSN:     prevLSN,
			UndoNextLSN: r.PrevLSN,
		}, true
	case TypeFreePart:
		return &Record{
			Type:        TypeUndoFreePart,
			TransNum:    r.TransNum,
			PartNum:     r.PartNum,
			PrevLSN:     prevLSN,
			UndoNextLSN: r.PrevLSN,
		}, true
	}
	return nil, false
}

// Redo idempotently re-applies the record's effect through the disk and
// buffer managers. For page updates the post-image is written and the
// pageLSN advanced to this record's LSN; the caller is responsible for the
// pageLSN < LSN check where required.
func (r *Record) Redo(dsm disk.Manager, bm *buffer.Manager) error {
	switch r.Type {
	case TypeAllocPage, TypeUndoFreePage:
		return dsm.AllocPageAt(r.PageNum)
	case TypeFreePage, TypeUndoAllocPage:
		bm.Discard(r.PageNum)
		if dsm.PageAllocated(r.PageNum) {
			return dsm.FreePage(r.PageNum)
		}
		return nil
	case TypeAllocPart, TypeUndoFreePart:
		return dsm.AllocPartAt(r.PartNum)
	case TypeFreePart, TypeUndoAllocPart:
		if dsm.PartAllocated(r.PartNum) {
			return dsm.FreePart(r.PartNum)
		}
		return nil
	case TypeUpdatePage, TypeUndoUpdatePage:
		if r.After == nil {
			return errors.Errorf("log record %v at LSN %d has no post-image to redo", r.Type, r.LSN)
		}
		page, err := bm.FetchPage(r.PageNum)
		if err != nil {
			return err
		}
		defer page.Unpin()
		page.WriteAt(int(r.Offset), r.After)
		page.SetPageLSN(r.LSN)
		return nil
	}
	return errors.Errorf("log record %v at LSN %d is not redoable", r.Type, r.LSN)
}

// Encoding ///////////////////////////////////////////////////////////////

// Records are encoded as [type][payload][murmur3-32 checksum over type and
// payload], little-endian, self-delimited: every variable-length field is
// preceded by its length. The LSN is not encoded; it is the record's byte
// offset.

// MasterRecordSize is the fixed encoded size of the master record, which
// occupies the log's first bytes and is rewritten in place.
const MasterRecordSize = 1 + 8 + 4

// MaxRecordSize is one effective page: the bound the checkpoint packer
// splits END_CHECKPOINT records against. Page-update records are not
// checked against it.
const MaxRecordSize = buffer.EffectivePageSize

const checksumSize = 4

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) bytes(b []byte) {
	e.u16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

// Encode serializes the record, checksum included.
func (r *Record) Encode() []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u8(uint8(r.Type))
	switch r.Type {
	case TypeMaster:
		e.u64(r.LastCheckpointLSN)
	case TypeAllocPage, TypeFreePage:
		e.u64(r.TransNum)
		e.u64(r.PageNum)
		e.u64(r.PrevLSN)
	case TypeUndoAllocPage, TypeUndoFreePage:
		e.u64(r.TransNum)
		e.u64(r.PageNum)
		e.u64(r.PrevLSN)
		e.u64(r.UndoNextLSN)
	case TypeAllocPart, TypeFreePart:
		e.u64(r.TransNum)
		e.u32(r.PartNum)
		e.u64(r.PrevLSN)
	case TypeUndoAllocPart, TypeUndoFreePart:
		e.u64(r.TransNum)
		e.u32(r.PartNum)
		e.u64(r.PrevLSN)
		e.u64(r.UndoNextLSN)
	case TypeCommit, TypeAbort, TypeEnd:
		e.u64(r.TransNum)
		e.u64(r.PrevLSN)
	case TypeUpdatePage:
		e.u64(r.TransNum)
		e.u64(r.PageNum)
		e.u64(r.PrevLSN)
		e.u16(r.Offset)
		var flags uint8
		if r.Before != nil {
			flags |= 1
		}
		if r.After != nil {
			flags |= 2
		}
		e.u8(flags)
		if r.Before != nil {
			e.bytes(r.Before)
		}
		if r.After != nil {
			e.bytes(r.After)
		}
	case TypeUndoUpdatePage:
		e.u64(r.TransNum)
		e.u64(r.PageNum)
		e.u64(r.PrevLSN)
		e.u64(r.UndoNextLSN)
		e.u16(r.Offset)
		e.bytes(r.After)
	case TypeBeginCheckpoint:
		e.u64(r.MaxTransNum)
	case TypeEndCheckpoint:
		e.u16(uint16(len(r.CheckpointDPT)))
		for pageNum, recLSN := range r.CheckpointDPT {
			e.u64(pageNum)
			e.u64(recLSN)
		}
		e.u16(uint16(len(r.CheckpointTxnTable)))
		for transNum, entry := range r.CheckpointTxnTable {
			e.u64(transNum)
			e.u8(uint8(entry.Status))
			e.u64(entry.LastLSN)
		}
		e.u16(uint16(len(r.CheckpointTouchedPages)))
		for transNum, pages := range r.CheckpointTouchedPages {
			e.u64(transNum)
			e.u16(uint16(len(pages)))
			for _, p := range pages {
				e.u64(p)
			}
		}
	}
	e.u32(murmur3.Sum32(e.buf))
	return e.buf
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = errors.New("log record truncated")
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bytes() []byte {
	n := int(d.u16())
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out
}

// DecodeRecord parses one record from the front of data, stamping it with
// lsn. It returns the record and the number of bytes consumed. A checksum
// mismatch is a fatal log corruption error.
func DecodeRecord(data []byte, lsn uint64) (*Record, int, error) {
	d := &decoder{buf: data}
	r := &Record{LSN: lsn, Type: RecordType(d.u8())}
	switch r.Type {
	case TypeMaster:
		r.LastCheckpointLSN = d.u64()
	case TypeAllocPage, TypeFreePage:
		r.TransNum = d.u64()
		r.PageNum = d.u64()
		r.PrevLSN = d.u64()
	case TypeUndoAllocPage, TypeUndoFreePage:
		r.TransNum = d.u64()
		r.PageNum = d.u64()
		r.PrevLSN = d.u64()
		r.UndoNextLSN = d.u64()
	case TypeAllocPart, TypeFreePart:
		r.TransNum = d.u64()
		r.PartNum = d.u32()
		r.PrevLSN = d.u64()
	case TypeUndoAllocPart, TypeUndoFreePart:
		r.TransNum = d.u64()
		r.PartNum = d.u32()
		r.PrevLSN = d.u64()
		r.UndoNextLSN = d.u64()
	case TypeCommit, TypeAbort, TypeEnd:
		r.TransNum = d.u64()
		r.PrevLSN = d.u64()
	case TypeUpdatePage:
		r.TransNum = d.u64()
		r.PageNum = d.u64()
		r.PrevLSN = d.u64()
		r.Offset = d.u16()
		flags := d.u8()
		if flags&1 != 0 {
			r.Before = d.bytes()
		}
		if flags&2 != 0 {
			r.After = d.bytes()
		}
	case TypeUndoUpdatePage:
		r.TransNum = d.u64()
		r.PageNum = d.u64()
		r.PrevLSN = d.u64()
		r.UndoNextLSN = d.u64()
		r.Offset = d.u16()
		r.After = d.bytes()
	case TypeBeginCheckpoint:
		r.MaxTransNum = d.u64()
	case TypeEndCheckpoint:
		r.CheckpointDPT = make(map[uint64]uint64)
		for i, n := 0, int(d.u16()); i < n; i++ {
			pageNum := d.u64()
			r.CheckpointDPT[pageNum] = d.u64()
		}
		r.CheckpointTxnTable = make(map[uint64]CheckpointTxn)
		for i, n := 0, int(d.u16()); i < n; i++ {
			transNum := d.u64()
			status := transaction.Status(d.u8())
			r.CheckpointTxnTable[transNum] = CheckpointTxn{Status: status, LastLSN: d.u64()}
		}
		r.CheckpointTouchedPages = make(map[uint64][]uint64)
		for i, n := 0, int(d.u16()); i < n; i++ {
			transNum := d.u64()
			pages := make([]uint64, 0, 4)
			for j, m := 0, int(d.u16()); j < m; j++ {
				pages = append(pages, d.u64())
			}
			r.CheckpointTouchedPages[transNum] = pages
		}
	default:
		return nil, 0, errors.Errorf("unknown log record type %d at LSN %d", uint8(r.Type), lsn)
	}
	payloadEnd := d.pos
	sum := d.u32()
	if d.err != nil {
		return nil, 0, errors.Annotatef(d.err, "decoding %v at LSN %d", r.Type, lsn)
	}
	if sum != murmur3.Sum32(data[:payloadEnd]) {
		return nil, 0, errors.Errorf("checksum mismatch in %v record at LSN %d", r.Type, lsn)
	}
	return r, d.pos, nil
}

// FitsInOneRecord reports whether an END_CHECKPOINT record with the given
// table sizes still fits in one record: numDPT dirty page entries,
// numTxns transaction table entries, and numTouchedPages page numbers
// spread over numTouchedTxns transactions.
func FitsInOneRecord(numDPT, numTxns, numTouchedTxns, numTouchedPages int) bool {
	size := 1 + // type
		2 + 16*numDPT +
		2 + 17*numTxns +
		2 + 10*numTouchedTxns + 8*numTouchedPages +
		checksumSize
	return size <= MaxRecordSize
}
