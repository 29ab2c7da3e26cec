//go:build unix

package pagesrc

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ───────────────────────────────────────────────────────────────────────────
// Memory-mapped page source
// ───────────────────────────────────────────────────────────────────────────

// Mmap is a PageSource/WritablePageSource that reads pages zero-copy from
// a memory-mapped view of the file, and writes through a companion file
// handle (never through the mapping itself) to preserve crash-safety. The
// mapping is remapped whenever the file grows.
type Mmap struct {
	mu        sync.RWMutex
	f         *os.File
	data      []byte
	pageSize  int
	pageCount uint32
	version   uint64
	transform Transform
}

// OpenMmap maps an existing page file.
func OpenMmap(path string, pageSize int, transform Transform) (*Mmap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagesrc: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("pagesrc: %s size %d not a multiple of page size %d", path, fi.Size(), pageSize)
	}
	if transform == nil {
		transform = Identity{}
	}
	m := &Mmap{
		f:         f,
		pageSize:  pageSize,
		pageCount: uint32(fi.Size() / int64(pageSize)),
		transform: transform,
	}
	if fi.Size() > 0 {
		if err := m.remap(fi.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Mmap) remap(size int64) error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("pagesrc: munmap: %w", err)
		}
		m.data = nil
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pagesrc: mmap: %w", err)
	}
	m.data = data
	return nil
}

func (m *Mmap) PageSize() int       { return m.pageSize }
func (m *Mmap) PageCount() uint32   { m.mu.RLock(); defer m.mu.RUnlock(); return m.pageCount }
func (m *Mmap) DataVersion() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.version }

func (m *Mmap) GetPage(n uint32) ([]byte, error) {
	buf := make([]byte, m.pageSize)
	if err := m.ReadPage(n, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Mmap) ReadPage(n uint32, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkRange(n, m.pageCount); err != nil {
		return err
	}
	off := int64(n-1) * int64(m.pageSize)
	raw := m.data[off : off+int64(m.pageSize)]
	return m.transform.TransformRead(raw, dst, n)
}

// WritePage writes through the companion file handle, never through the
// mapping, then remaps so subsequent reads observe the new bytes.
func (m *Mmap) WritePage(n uint32, span []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(n, m.pageCount); err != nil {
		return err
	}
	raw := make([]byte, m.pageSize)
	if err := m.transform.TransformWrite(span, raw, n); err != nil {
		return err
	}
	off := int64(n-1) * int64(m.pageSize)
	if _, err := m.f.WriteAt(raw, off); err != nil {
		return fmt.Errorf("pagesrc: write page %d: %w", n, err)
	}
	if err := m.remap(int64(m.pageCount) * int64(m.pageSize)); err != nil {
		return err
	}
	return nil
}

// BumpVersion advances DataVersion by one. Called by a transaction's
// Commit exactly once per commit, never by WritePage itself (spec.md §4.8).
func (m *Mmap) BumpVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
}

func (m *Mmap) Invalidate(n uint32) {}

func (m *Mmap) Allocate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageCount++
	n := m.pageCount
	size := int64(m.pageCount) * int64(m.pageSize)
	if err := m.f.Truncate(size); err != nil {
		m.pageCount--
		return 0, fmt.Errorf("pagesrc: grow file for page %d: %w", n, err)
	}
	if err := m.remap(size); err != nil {
		m.pageCount--
		return 0, err
	}
	return n, nil
}

func (m *Mmap) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("pagesrc: msync: %w", err)
		}
	}
	return m.f.Sync()
}

// Close unmaps the view and closes the file handle.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	return m.f.Close()
}
