package disk

import (
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/pingcap/errors"
)

// VirtualManager is a disk space manager over in-memory files. It backs
// tests and recovery scenarios that need a rewindable disk without touching
// the filesystem.
type VirtualManager struct {
	mu    sync.Mutex
	parts map[uint32]*partition
}

type partition struct {
	file      *memfile.File
	allocated map[uint32]struct{}
	nextIndex uint32
}

func NewVirtualManager() *VirtualManager {
	return &VirtualManager{parts: make(map[uint32]*partition)}
}

func (d *VirtualManager) AllocPart(partNum uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.parts[partNum]; ok {
		return errors.Errorf("partition %d already allocated", partNum)
	}
	d.allocPartLocked(partNum)
	return nil
}

func (d *VirtualManager) AllocPartAt(partNum uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.parts[partNum]; !ok {
		d.allocPartLocked(partNum)
	}
	return nil
}

func (d *VirtualManager) allocPartLocked(partNum uint32) *partition {
	p := &partition{
		file:      memfile.New(make([]byte, 0)),
		allocated: make(map[uint32]struct{}),
	}
	d.parts[partNum] = p
	return p
}

func (d *VirtualManager) FreePart(partNum uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.parts[partNum]; !ok {
		return errors.Errorf("partition %d not allocated", partNum)
	}
	delete(d.parts, partNum)
	return nil
}

func (d *VirtualManager) AllocPage(partNum uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[partNum]
	if !ok {
		return 0, errors.Errorf("partition %d not allocated", partNum)
	}
	idx := p.nextIndex
	p.nextIndex++
	p.allocated[idx] = struct{}{}
	return MakePage(partNum, idx), nil
}

func (d *VirtualManager) AllocPageAt(pageNum uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[PartNum(pageNum)]
	if !ok {
		p = d.allocPartLocked(PartNum(pageNum))
	}
	idx := PageIndex(pageNum)
	p.allocated[idx] = struct{}{}
	if idx >= p.nextIndex {
		p.nextIndex = idx + 1
	}
	return nil
}

func (d *VirtualManager) FreePage(pageNum uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[PartNum(pageNum)]
	if !ok {
		return errors.Errorf("partition %d not allocated", PartNum(pageNum))
	}
	if _, ok := p.allocated[PageIndex(pageNum)]; !ok {
		return errors.Annotatef(ErrPageNotAllocated, "page %d", pageNum)
	}
	delete(p.allocated, PageIndex(pageNum))
	return nil
}

func (d *VirtualManager) PartAllocated(partNum uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.parts[partNum]
	return ok
}

func (d *VirtualManager) PageAllocated(pageNum uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[PartNum(pageNum)]
	if !ok {
		return false
	}
	_, ok = p.allocated[PageIndex(pageNum)]
	return ok
}

func (d *VirtualManager) ReadPage(pageNum uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != PageSize {
		return errors.Errorf("page buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	p, ok := d.parts[PartNum(pageNum)]
	if !ok {
		return errors.Annotatef(ErrPageNotAllocated, "partition %d", PartNum(pageNum))
	}
	if _, ok := p.allocated[PageIndex(pageNum)]; !ok {
		return errors.Annotatef(ErrPageNotAllocated, "page %d", pageNum)
	}
	offset := int64(PageIndex(pageNum)) * PageSize
	if offset+PageSize > int64(len(p.file.Bytes())) {
		// Allocated but never written.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	_, err := p.file.ReadAt(buf, offset)
	return errors.WithStack(err)
}

func (d *VirtualManager) WritePage(pageNum uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data) != PageSize {
		return errors.Errorf("page image must be %d bytes, got %d", PageSize, len(data))
	}
	p, ok := d.parts[PartNum(pageNum)]
	if !ok {
		return errors.Annotatef(ErrPageNotAllocated, "partition %d", PartNum(pageNum))
	}
	if _, ok := p.allocated[PageIndex(pageNum)]; !ok {
		return errors.Annotatef(ErrPageNotAllocated, "page %d", pageNum)
	}
	_, err := p.file.WriteAt(data, int64(PageIndex(pageNum))*PageSize)
	return errors.WithStack(err)
}

func (d *VirtualManager) Close() error { return nil }
