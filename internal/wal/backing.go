package wal

import (
	"io"
	"os"
	"sync"
)

// backing is where log bytes are kept.
type backing interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Truncate(size int64) error
	Close() error
}

type fileBacking struct {
	file *os.File
}

func (f *fileBacking) ReadAt(p []byte, off int64) (int, error)  { return f.file.ReadAt(p, off) }
func (f *fileBacking) WriteAt(p []byte, off int64) (int, error) { return f.file.WriteAt(p, off) }
func (f *fileBacking) Truncate(size int64) error                { return f.file.Truncate(size) }
func (f *fileBacking) Close() error                             { return f.file.Close() }
func (f *fileBacking) Sync() error                              { return datasync(f.file) }

// memBacking keeps the log in a growable byte slice.
type memBacking struct {
	mu   sync.RWMutex
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := int(off) + len(p)
	if end > len(m.data) {
		if end > cap(m.data) {
			grown := make([]byte, len(m.data), 2*end)
			copy(grown, m.data)
			m.data = grown
		}
		m.data = m.data[:end]
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memBacking) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	}
	return nil
}

func (m *memBacking) Sync() error  { return nil }
func (m *memBacking) Close() error { return nil }
