package pagesrc

import (
	"fmt"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// File-backed page source
// ───────────────────────────────────────────────────────────────────────────

// File is a PageSource/WritablePageSource backed by pread/pwrite at
// page-aligned offsets. Writes are issued through the transform pipeline.
type File struct {
	mu        sync.RWMutex
	f         *os.File
	pageSize  int
	pageCount uint32
	version   uint64
	transform Transform
}

// OpenFile opens (without creating) an existing page file of pageCount
// pages at pageSize bytes each.
func OpenFile(path string, pageSize int, transform Transform) (*File, error) {
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
	return &File{
		f:         f,
		pageSize:  pageSize,
		pageCount: uint32(fi.Size() / int64(pageSize)),
		transform: transform,
	}, nil
}

// CreateFile creates a new, empty page file.
func CreateFile(path string, pageSize int, transform Transform) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagesrc: create %s: %w", path, err)
	}
	if transform == nil {
		transform = Identity{}
	}
	return &File{f: f, pageSize: pageSize, transform: transform}, nil
}

func (fs *File) PageSize() int       { return fs.pageSize }
func (fs *File) PageCount() uint32   { fs.mu.RLock(); defer fs.mu.RUnlock(); return fs.pageCount }
func (fs *File) DataVersion() uint64 { fs.mu.RLock(); defer fs.mu.RUnlock(); return fs.version }

func (fs *File) offsetOf(n uint32) int64 { return int64(n-1) * int64(fs.pageSize) }

func (fs *File) GetPage(n uint32) ([]byte, error) {
	buf := make([]byte, fs.pageSize)
	if err := fs.ReadPage(n, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs *File) ReadPage(n uint32, dst []byte) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if err := checkRange(n, fs.pageCount); err != nil {
		return err
	}
	raw := make([]byte, fs.pageSize)
	if _, err := fs.f.ReadAt(raw, fs.offsetOf(n)); err != nil {
		return fmt.Errorf("pagesrc: read page %d: %w", n, err)
	}
	return fs.transform.TransformRead(raw, dst, n)
}

func (fs *File) WritePage(n uint32, span []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := checkRange(n, fs.pageCount); err != nil {
		return err
	}
	raw := make([]byte, fs.pageSize)
	if err := fs.transform.TransformWrite(span, raw, n); err != nil {
		return err
	}
	if _, err := fs.f.WriteAt(raw, fs.offsetOf(n)); err != nil {
		return fmt.Errorf("pagesrc: write page %d: %w", n, err)
	}
	return nil
}

// BumpVersion advances DataVersion by one. Called by a transaction's
// Commit exactly once per commit, never by WritePage itself (spec.md §4.8).
func (fs *File) BumpVersion() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.version++
}

func (fs *File) Invalidate(n uint32) {}

func (fs *File) Allocate() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pageCount++
	n := fs.pageCount
	raw := make([]byte, fs.pageSize)
	if _, err := fs.f.WriteAt(raw, fs.offsetOf(n)); err != nil {
		fs.pageCount--
		return 0, fmt.Errorf("pagesrc: allocate page %d: %w", n, err)
	}
	return n, nil
}

func (fs *File) Flush() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.f.Sync()
}

// Close releases the underlying file handle.
func (fs *File) Close() error { return fs.f.Close() }
