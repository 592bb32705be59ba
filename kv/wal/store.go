package wal

import (
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/pingcap/errors"
)

// Store is the byte-addressed backing of the log: partition 0 of the
// database. Records are written at their LSN offset and synced on flush.
type Store interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Sync() error
}

// MemStore keeps the log in memory. Used beside the virtual disk manager
// and in tests.
type MemStore struct {
	file *memfile.File
}

func NewMemStore() *MemStore {
	return &MemStore{file: memfile.New(make([]byte, 0))}
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error)  { return s.file.ReadAt(p, off) }
func (s *MemStore) WriteAt(p []byte, off int64) (int, error) { return s.file.WriteAt(p, off) }
func (s *MemStore) Size() int64                              { return int64(len(s.file.Bytes())) }
func (s *MemStore) Sync() error                              { return nil }

// FileStore keeps the log in a file on disk.
type FileStore struct {
	file *os.File
}

func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileStore{file: f}, nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error)  { return s.file.ReadAt(p, off) }
func (s *FileStore) WriteAt(p []byte, off int64) (int, error) { return s.file.WriteAt(p, off) }

func (s *FileStore) Size() int64 {
	fi, err := s.file.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *FileStore) Sync() error { return errors.WithStack(s.file.Sync()) }

func (s *FileStore) Close() error { return errors.WithStack(s.file.Close()) }
