// Package txn implements the shadow-page transaction overlay: copy-on-
// write dirty pages held in memory until commit, discarded wholesale on
// rollback (spec.md §4.8).
package txn

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sharclabs/sharc/internal/pagesrc"
)

// ErrAlreadyOpen is returned by Begin when a transaction is already live
// on this source (spec.md §4.8: "Only one transaction live at a time per
// writer; nesting fails with TransactionAlreadyOpen").
var ErrAlreadyOpen = fmt.Errorf("txn: transaction already open")

// ErrReadOnly is returned when a mutating call reaches a transaction over
// a source that does not support writes.
var ErrReadOnly = fmt.Errorf("txn: source is read-only")

// Transaction owns a ShadowSource wrapping a WritablePageSource. Reads
// check the shadow first, falling through to the base source otherwise;
// writes copy-on-first-write into the shadow, recording the original
// page into a journal slot; Rollback discards the shadow without
// consulting the journal (spec.md §4.8).
type Transaction struct {
	base    pagesrc.WritablePageSource
	shadow  map[uint32][]byte // dirty page copies, keyed by page number
	journal map[uint32][]byte // original page bytes, for documentation/inspection only — rollback just discards shadow
	id      string
	closed  bool
}

// Registry serialises transaction lifetime against one base source, since
// spec.md §4.8 permits only one live writer transaction at a time.
type Registry struct {
	base    pagesrc.WritablePageSource
	current *Transaction
}

// NewRegistry creates a transaction registry over base.
func NewRegistry(base pagesrc.WritablePageSource) *Registry {
	return &Registry{base: base}
}

// Begin opens a new transaction, failing with ErrAlreadyOpen if one is
// already live.
func (r *Registry) Begin() (*Transaction, error) {
	if r.current != nil {
		return nil, ErrAlreadyOpen
	}
	tx := &Transaction{
		base:    r.base,
		shadow:  make(map[uint32][]byte),
		journal: make(map[uint32][]byte),
		id:      uuid.NewString(),
	}
	r.current = tx
	return tx, nil
}

// Active reports whether a transaction is currently open.
func (r *Registry) Active() bool { return r.current != nil }

func (r *Registry) release(tx *Transaction) {
	if r.current == tx {
		r.current = nil
	}
}

// ID returns the transaction's opaque identifier (used only for
// diagnostics, never persisted to the database file).
func (tx *Transaction) ID() string { return tx.id }

// PageSize returns the base source's physical page size.
func (tx *Transaction) PageSize() int { return tx.base.PageSize() }

// PageCount returns the number of pages visible through this
// transaction, including any the transaction itself has allocated.
func (tx *Transaction) PageCount() uint32 {
	count := tx.base.PageCount()
	for n := range tx.shadow {
		if n > count {
			count = n
		}
	}
	return count
}

// DataVersion reports the base source's version; the shadow's writes are
// invisible to outside readers until commit bumps it.
func (tx *Transaction) DataVersion() uint64 { return tx.base.DataVersion() }

// GetPage returns the shadow copy if this page has been written in the
// transaction, otherwise falls through to the base source.
func (tx *Transaction) GetPage(n uint32) ([]byte, error) {
	if buf, ok := tx.shadow[n]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	return tx.base.GetPage(n)
}

// ReadPage copies page n into dst.
func (tx *Transaction) ReadPage(n uint32, dst []byte) error {
	src, err := tx.GetPage(n)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// WritePage copies span into the shadow overlay. On the first write to a
// given page this transaction performs, it also journals the page's
// original contents (read from base) so the transaction's edit history
// is inspectable; Rollback does not replay the journal, it simply
// discards the shadow, since the base source was never touched.
func (tx *Transaction) WritePage(n uint32, span []byte) error {
	if tx.closed {
		return fmt.Errorf("txn: write after commit/rollback")
	}
	if _, dirty := tx.shadow[n]; !dirty {
		if n <= tx.base.PageCount() {
			orig, err := tx.base.GetPage(n)
			if err == nil {
				journaled := make([]byte, len(orig))
				copy(journaled, orig)
				tx.journal[n] = journaled
			}
		}
	}
	buf := make([]byte, len(span))
	copy(buf, span)
	tx.shadow[n] = buf
	return nil
}

// Invalidate drops any shadow copy of page n, forcing the next GetPage to
// re-read from base (used when a caller wants to discard a speculative
// write without ending the whole transaction).
func (tx *Transaction) Invalidate(n uint32) { delete(tx.shadow, n) }

// Allocate extends the transaction's page space. The new page exists
// only in the shadow until commit writes it through to base, at which
// point base's own Allocate calls establish the real page count.
func (tx *Transaction) Allocate() (uint32, error) {
	n := tx.PageCount() + 1
	tx.shadow[n] = make([]byte, tx.base.PageSize())
	return n, nil
}

// Flush is a no-op for the shadow; durability is the base source's
// concern, engaged only at Commit (spec.md §5).
func (tx *Transaction) Flush() error { return nil }

// dirtyPages returns shadow page numbers in ascending order, so Commit
// writes them in a stable, reproducible sequence.
func (tx *Transaction) dirtyPages() []uint32 {
	out := make([]uint32, 0, len(tx.shadow))
	for n := range tx.shadow {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Committer is implemented by the Registry that owns a transaction, kept
// separate from *Registry so Transaction.Commit can release itself
// without an import cycle back to the registry package (there is none —
// Registry and Transaction share this package — but the separation keeps
// Commit's contract explicit: it touches only committer-owned state).
type committer interface{ release(tx *Transaction) }

// Commit writes every shadow-dirty page through to base, then discards
// the shadow and journal and bumps base's data version exactly once
// (spec.md §4.8). Any failure mid-write aborts the commit; the shadow is
// left intact so the caller can still Rollback.
func (tx *Transaction) Commit(reg *Registry) error {
	if tx.closed {
		return fmt.Errorf("txn: commit after commit/rollback")
	}
	baseCount := tx.base.PageCount()
	for _, n := range tx.dirtyPages() {
		if n > baseCount {
			for baseCount < n {
				allocated, err := tx.base.Allocate()
				if err != nil {
					return fmt.Errorf("txn: commit: allocate page %d: %w", allocated, err)
				}
				baseCount = allocated
			}
		}
	}
	for _, n := range tx.dirtyPages() {
		if err := tx.base.WritePage(n, tx.shadow[n]); err != nil {
			return fmt.Errorf("txn: commit: write page %d: %w", n, err)
		}
	}
	if vb, ok := tx.base.(pagesrc.VersionBumper); ok {
		vb.BumpVersion()
	}
	tx.shadow = nil
	tx.journal = nil
	tx.closed = true
	(committer)(reg).release(tx)
	return nil
}

// Rollback discards the shadow and journal unconditionally — no write
// in an uncommitted transaction ever reaches base, so rollback needs no
// undo log, only abandonment (spec.md §4.8).
func (tx *Transaction) Rollback(reg *Registry) error {
	if tx.closed {
		return nil
	}
	tx.shadow = nil
	tx.journal = nil
	tx.closed = true
	(committer)(reg).release(tx)
	return nil
}

var _ pagesrc.WritablePageSource = (*Transaction)(nil)
