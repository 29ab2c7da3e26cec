package pagesrc

import (
	"fmt"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Memory-backed page source
// ───────────────────────────────────────────────────────────────────────────

// Memory is a PageSource/WritablePageSource backed by an owned byte buffer.
// It is the simplest implementation and the one used by Database.openMemory.
type Memory struct {
	mu         sync.RWMutex
	pageSize   int
	pages      [][]byte // pages[0] is page 1
	version    uint64
	transform  Transform
}

// NewMemory creates an empty Memory source with the given page size.
func NewMemory(pageSize int, transform Transform) *Memory {
	if transform == nil {
		transform = Identity{}
	}
	return &Memory{pageSize: pageSize, transform: transform}
}

// NewMemoryFromBytes wraps an existing byte image, slicing it into pages.
// The slice is retained, not copied.
func NewMemoryFromBytes(buf []byte, pageSize int, transform Transform) (*Memory, error) {
	if len(buf)%pageSize != 0 {
		return nil, fmt.Errorf("pagesrc: image length %d not a multiple of page size %d", len(buf), pageSize)
	}
	if transform == nil {
		transform = Identity{}
	}
	m := &Memory{pageSize: pageSize, transform: transform}
	n := len(buf) / pageSize
	m.pages = make([][]byte, n)
	for i := 0; i < n; i++ {
		m.pages[i] = buf[i*pageSize : (i+1)*pageSize]
	}
	return m, nil
}

func (m *Memory) PageSize() int       { return m.pageSize }
func (m *Memory) PageCount() uint32   { m.mu.RLock(); defer m.mu.RUnlock(); return uint32(len(m.pages)) }
func (m *Memory) DataVersion() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.version }

func (m *Memory) GetPage(n uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkRange(n, uint32(len(m.pages))); err != nil {
		return nil, err
	}
	raw := m.pages[n-1]
	out := make([]byte, m.pageSize)
	if err := m.transform.TransformRead(raw, out, n); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) ReadPage(n uint32, dst []byte) error {
	src, err := m.GetPage(n)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (m *Memory) WritePage(n uint32, span []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkRange(n, uint32(len(m.pages))); err != nil {
		return err
	}
	out := make([]byte, m.pageSize)
	if err := m.transform.TransformWrite(span, out, n); err != nil {
		return err
	}
	m.pages[n-1] = out
	return nil
}

// BumpVersion advances DataVersion by one. Called by a transaction's
// Commit exactly once per commit, never by WritePage itself (spec.md §4.8).
func (m *Memory) BumpVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
}

func (m *Memory) Invalidate(n uint32) {}

func (m *Memory) Allocate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, make([]byte, m.pageSize))
	return uint32(len(m.pages)), nil
}

func (m *Memory) Flush() error { return nil }

// Bytes returns the full backing image as a single contiguous slice,
// concatenating pages in order. Used by Database tests asserting
// byte-identical rollback images.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, 0, len(m.pages)*m.pageSize)
	for _, p := range m.pages {
		out = append(out, p...)
	}
	return out
}
