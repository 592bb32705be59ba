// Package buffer implements a pinning buffer manager over the disk space
// manager. Each frame carries the page's LSN in the first 8 bytes of the
// page image; eviction of a dirty page runs the WAL flush hook before
// write-back and the disk-IO hook after.
package buffer

import (
	"encoding/binary"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/sasha-s/go-deadlock"

	"github.com/pingcap-incubator/tinydb/kv/storage/disk"
)

const pageLSNSize = 8

// EffectivePageSize is the number of bytes of a page usable by callers;
// offsets in page-write log records are relative to this area.
const EffectivePageSize = disk.PageSize - pageLSNSize

// Manager caches page frames with pin counts. All state is guarded by a
// single mutex; page contents are only touched while the page is pinned.
type Manager struct {
	mu       deadlock.Mutex
	disk     disk.Manager
	capacity int
	frames   map[uint64]*Page

	// beforeFlush is called with the page's LSN before a dirty page is
	// written back (WAL: the log must be durable through pageLSN first).
	beforeFlush func(pageLSN uint64)
	// afterIO is called with the page number after a page image reaches
	// disk; the page is no longer dirty.
	afterIO func(pageNum uint64)
}

// Page is a pinned handle on a buffered page. Unpin when done; the handle
// must not be used afterwards.
type Page struct {
	mgr     *Manager
	pageNum uint64
	buf     []byte
	pins    int
	dirty   bool
}

func NewManager(d disk.Manager, capacity int) *Manager {
	return &Manager{
		disk:     d,
		capacity: capacity,
		frames:   make(map[uint64]*Page),
	}
}

// SetRecoveryHooks wires the recovery manager's WAL and disk-IO hooks. Set
// once at startup, before any page traffic.
func (m *Manager) SetRecoveryHooks(beforeFlush func(pageLSN uint64), afterIO func(pageNum uint64)) {
	m.beforeFlush = beforeFlush
	m.afterIO = afterIO
}

// FetchPage pins the page, reading it from disk if it is not buffered.
func (m *Manager) FetchPage(pageNum uint64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.frames[pageNum]; ok {
		p.pins++
		return p, nil
	}
	if len(m.frames) >= m.capacity {
		if err := m.evictOneLocked(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, disk.PageSize)
	if err := m.disk.ReadPage(pageNum, buf); err != nil {
		return nil, err
	}
	p := &Page{mgr: m, pageNum: pageNum, buf: buf, pins: 1}
	m.frames[pageNum] = p
	return p, nil
}

func (m *Manager) evictOneLocked() error {
	for _, p := range m.frames {
		if p.pins > 0 {
			continue
		}
		if err := m.flushLocked(p); err != nil {
			return err
		}
		delete(m.frames, p.pageNum)
		return nil
	}
	return errors.New("buffer full: all pages pinned")
}

func (m *Manager) flushLocked(p *Page) error {
	if !p.dirty {
		return nil
	}
	if m.beforeFlush != nil {
		m.beforeFlush(p.PageLSN())
	}
	if err := m.disk.WritePage(p.pageNum, p.buf); err != nil {
		return err
	}
	p.dirty = false
	if m.afterIO != nil {
		m.afterIO(p.pageNum)
	}
	return nil
}

// FlushPage writes the page back if it is buffered and dirty.
func (m *Manager) FlushPage(pageNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.frames[pageNum]; ok {
		return m.flushLocked(p)
	}
	return nil
}

// FlushAll writes back every dirty frame.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.frames {
		if err := m.flushLocked(p); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops the frame for a page without writing it back. Used when the
// page is freed.
func (m *Manager) Discard(pageNum uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.frames[pageNum]; ok {
		if p.pins > 0 {
			log.Warnf("discarding pinned page %d", pageNum)
		}
		delete(m.frames, pageNum)
	}
}

// IterPageNums calls f for every buffered page with its dirty flag. Only
// used by recovery's DPT cleanup; holds the monitor for the whole scan.
func (m *Manager) IterPageNums(f func(pageNum uint64, dirty bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for num, p := range m.frames {
		f(num, p.dirty)
	}
}

func (p *Page) PageNum() uint64 { return p.pageNum }

func (p *Page) PageLSN() uint64 {
	return binary.LittleEndian.Uint64(p.buf[:pageLSNSize])
}

func (p *Page) SetPageLSN(lsn uint64) {
	p.mgr.mu.Lock()
	defer p.mgr.mu.Unlock()
	binary.LittleEndian.PutUint64(p.buf[:pageLSNSize], lsn)
	p.dirty = true
}

// ReadAt copies page bytes starting at offset (relative to the effective
// area) into buf.
func (p *Page) ReadAt(offset int, buf []byte) {
	p.mgr.mu.Lock()
	defer p.mgr.mu.Unlock()
	copy(buf, p.buf[pageLSNSize+offset:])
}

// WriteAt writes data at offset (relative to the effective area) and marks
// the page dirty. The caller logs the write first.
func (p *Page) WriteAt(offset int, data []byte) {
	p.mgr.mu.Lock()
	defer p.mgr.mu.Unlock()
	copy(p.buf[pageLSNSize+offset:], data)
	p.dirty = true
}

func (p *Page) Dirty() bool {
	p.mgr.mu.Lock()
	defer p.mgr.mu.Unlock()
	return p.dirty
}

func (p *Page) Unpin() {
	p.mgr.mu.Lock()
	defer p.mgr.mu.Unlock()
	if p.pins <= 0 {
		log.Warnf("unpin of page %d with no pins", p.pageNum)
		return
	}
	p.pins--
}
