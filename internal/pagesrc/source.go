// Package pagesrc implements the page substrate: the PageSource and
// WritablePageSource capabilities, their memory/file/memory-mapped
// implementations, a bounded page cache, and the PageTransform pipeline.
package pagesrc

import "fmt"

// PageSource exposes read-only random access to a paged file.
type PageSource interface {
	// PageSize returns the fixed page size in bytes.
	PageSize() int
	// PageCount returns the number of pages currently backing the source.
	PageCount() uint32
	// GetPage returns a view of page n (1-based). The returned slice must
	// not be retained past the caller's use — implementations may reuse
	// or invalidate it on the next cache eviction.
	GetPage(n uint32) ([]byte, error)
	// ReadPage copies page n into dst, which must be at least PageSize().
	ReadPage(n uint32, dst []byte) error
	// DataVersion returns the source's monotonically non-decreasing
	// version counter. Read-only sources report 0.
	DataVersion() uint64
}

// WritablePageSource adds random write access over a PageSource.
type WritablePageSource interface {
	PageSource
	// WritePage writes span (exactly PageSize() bytes) to page n. It does
	// not by itself move DataVersion — a caller composing several
	// WritePage calls into one logical commit bumps the version exactly
	// once, via VersionBumper, after the last of them lands (spec.md
	// §4.8). internal/txn is the only such caller in this tree.
	WritePage(n uint32, span []byte) error
	// Invalidate drops any cached view of page n, forcing the next
	// GetPage/ReadPage to re-read from the backing store.
	Invalidate(n uint32)
	// Allocate extends the source by one page and returns its number.
	Allocate() (uint32, error)
	// Flush persists any buffered state to stable storage. The core
	// never calls this implicitly; durability policy is the caller's
	// choice (spec.md §5).
	Flush() error
}

// VersionBumper is implemented by writable sources whose DataVersion only
// advances when BumpVersion is called explicitly, rather than on every
// WritePage. internal/txn's Transaction.Commit type-asserts its base
// source against this interface and calls it exactly once per commit, so
// multi-page commits bump DataVersion once regardless of how many pages
// they touch (spec.md §4.8). Transaction itself does not implement this —
// a transaction's shadow has no version of its own; only its base does.
type VersionBumper interface {
	BumpVersion()
}

// ErrOutOfRange is returned when a page number falls outside
// [1, PageCount()].
var ErrOutOfRange = fmt.Errorf("pagesrc: page number out of range")

func checkRange(n uint32, count uint32) error {
	if n < 1 || n > count {
		return fmt.Errorf("%w: page %d (count %d)", ErrOutOfRange, n, count)
	}
	return nil
}
