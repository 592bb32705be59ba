// Package disk provides the disk space manager contract: allocation and
// freeing of partitions and pages, identified by 64-bit page numbers whose
// high 32 bits encode the partition.
package disk

import "github.com/pingcap/errors"

// PageSize is the size in bytes of a data page, including the 8-byte
// pageLSN header maintained by the buffer manager.
const PageSize = 4096

// LogPartition is reserved for the write-ahead log. Data pages are never
// allocated in it.
const LogPartition uint32 = 0

// MakePage builds a page number from a partition number and an index within
// the partition.
func MakePage(partNum uint32, index uint32) uint64 {
	return uint64(partNum)<<32 | uint64(index)
}

// PartNum returns the partition a page number belongs to.
func PartNum(pageNum uint64) uint32 {
	return uint32(pageNum >> 32)
}

// PageIndex returns the index of the page within its partition.
func PageIndex(pageNum uint64) uint32 {
	return uint32(pageNum)
}

// Manager allocates and frees partitions and pages, and moves page images
// between memory and disk. Implementations must be safe for concurrent use.
type Manager interface {
	// AllocPart allocates the given partition. Allocating a partition that
	// already exists is an error on the forward path; use AllocPartAt for
	// the idempotent redo path.
	AllocPart(partNum uint32) error
	// AllocPartAt allocates the given partition if it does not exist yet.
	AllocPartAt(partNum uint32) error
	// FreePart frees a partition and every page in it.
	FreePart(partNum uint32) error
	// AllocPage allocates the next free page in a partition and returns its
	// page number.
	AllocPage(partNum uint32) (uint64, error)
	// AllocPageAt allocates a specific page if it is not allocated yet,
	// creating the partition if needed. Used when redoing allocations.
	AllocPageAt(pageNum uint64) error
	// FreePage frees a page.
	FreePage(pageNum uint64) error
	// PageAllocated reports whether a page is currently allocated.
	PageAllocated(pageNum uint64) bool
	// PartAllocated reports whether a partition is currently allocated.
	PartAllocated(partNum uint32) bool
	// ReadPage reads a page image into buf, which must be PageSize bytes.
	ReadPage(pageNum uint64, buf []byte) error
	// WritePage writes a page image, which must be PageSize bytes.
	WritePage(pageNum uint64, data []byte) error
	Close() error
}

var ErrPageNotAllocated = errors.New("page not allocated")
