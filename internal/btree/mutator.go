package btree

import (
	"fmt"

	"github.com/sharclabs/sharc/internal/cell"
	"github.com/sharclabs/sharc/internal/freelist"
	"github.com/sharclabs/sharc/internal/pagesrc"
)

// Mutator performs insert/update/delete against a table B-tree, splitting
// and promoting as needed (spec.md §4.6). It operates against a
// pagesrc.WritablePageSource — in practice the shadow overlay a
// transaction owns, never the base source directly.
type Mutator struct {
	src            pagesrc.WritablePageSource
	usablePageSize int
	pageSize       int
}

// NewMutator creates a mutator over src, whose physical page size is
// pageSize and whose usable (post-reserved-bytes) size is usablePageSize.
func NewMutator(src pagesrc.WritablePageSource, pageSize, usablePageSize int) *Mutator {
	return &Mutator{src: src, pageSize: pageSize, usablePageSize: usablePageSize}
}

func (m *Mutator) loadPage(pageNumber uint32) (*Page, []byte, error) {
	buf, err := m.src.GetPage(pageNumber)
	if err != nil {
		return nil, nil, err
	}
	dup := make([]byte, len(buf))
	copy(dup, buf)
	return Wrap(dup, headerOffsetFor(pageNumber), m.usablePageSize), dup, nil
}

func (m *Mutator) writePage(pageNumber uint32, p *Page) error {
	return m.src.WritePage(pageNumber, p.Bytes())
}

func (m *Mutator) newPage(pageType byte) (uint32, *Page, error) {
	n, err := m.allocatePageNumber()
	if err != nil {
		return 0, nil, fmt.Errorf("btree: allocate page: %w", err)
	}
	buf := make([]byte, m.pageSize)
	p := Init(buf, headerOffsetFor(n), m.usablePageSize, pageType)
	return n, p, nil
}

// allocatePageNumber reuses a page off the freelist before growing the
// file, mirroring SQLite's own allocation order (spec.md §4.6).
func (m *Mutator) allocatePageNumber() (uint32, error) {
	if n, ok, err := freelist.Pop(m.src, m.usablePageSize); err != nil {
		return 0, err
	} else if ok {
		return n, nil
	}
	return m.src.Allocate()
}

// Insert inserts a new row under rowID with the given record payload,
// descending to the target leaf, splitting (and promoting upward, growing
// the root if necessary) when the leaf has no room.
func (m *Mutator) Insert(root uint32, rowID int64, payload []byte) error {
	cellSize := cell.ComputeTableLeafCellSize(rowID, len(payload), m.usablePageSize)
	path, idx, err := m.descendForInsert(root, rowID)
	if err != nil {
		return err
	}
	return m.insertIntoLeaf(path, idx, rowID, payload, cellSize)
}

// descendForInsert walks from root to the leaf that should hold rowID,
// returning the full path of (pageNumber) visited and the target cell
// index within the leaf (spec.md §4.6's "descend to target leaf (seek
// rule)").
func (m *Mutator) descendForInsert(root uint32, rowID int64) ([]uint32, int, error) {
	var path []uint32
	pageNumber := root
	for {
		path = append(path, pageNumber)
		p, _, err := m.loadPage(pageNumber)
		if err != nil {
			return nil, 0, err
		}
		if p.IsLeaf() {
			idx, _, err := m.searchLeafTable(p, rowID)
			if err != nil {
				return nil, 0, err
			}
			return path, idx, nil
		}
		idx, child, err := m.searchInteriorTable(p, rowID)
		if err != nil {
			return nil, 0, err
		}
		_ = idx
		pageNumber = child
	}
}

func (m *Mutator) searchLeafTable(p *Page, target int64) (int, bool, error) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		tl, err := cell.ParseTableLeaf(p.CellBytes(mid), m.usablePageSize)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		switch {
		case tl.RowID == target:
			return mid, true, nil
		case tl.RowID < target:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false, nil
}

func (m *Mutator) searchInteriorTable(p *Page, target int64) (int, uint32, error) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		ti, err := cell.ParseTableInterior(p.CellBytes(mid))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		if ti.RowID < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == n {
		return n, p.RightChild(), nil
	}
	ti, err := cell.ParseTableInterior(p.CellBytes(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return lo, ti.LeftChild, nil
}

// insertIntoLeaf writes the cell into the leaf at path[len-1], splitting
// and propagating a divider upward through path when it does not fit.
func (m *Mutator) insertIntoLeaf(path []uint32, idx int, rowID int64, payload []byte, cellSize int) error {
	leafNumber := path[len(path)-1]
	leaf, _, err := m.loadPage(leafNumber)
	if err != nil {
		return err
	}

	if leaf.CanFit(cellSize) {
		buf := make([]byte, cellSize)
		cell.BuildTableLeaf(buf, rowID, payload, m.usablePageSize)
		if err := writeOverflowIfNeeded(m, buf, rowID, payload); err != nil {
			return err
		}
		if err := leaf.AppendCellAt(idx, buf); err != nil {
			return err
		}
		return m.writePage(leafNumber, leaf)
	}

	return m.splitLeafAndInsert(path, idx, rowID, payload)
}

// writeOverflowIfNeeded spills payload bytes beyond the inline split into
// a freshly allocated overflow chain and patches the cell's overflow
// pointer slot (built as 0 by cell.BuildTableLeaf) in place.
func writeOverflowIfNeeded(m *Mutator, cellBuf []byte, rowID int64, payload []byte) error {
	sp := cell.SplitTablePayload(len(payload), m.usablePageSize)
	if sp.Overflow == 0 {
		return nil
	}
	pw := &allocWriter{m: m}
	head, err := cell.WriteChain(pw, payload[sp.Inline:], m.pageSize, m.usablePageSize)
	if err != nil {
		return err
	}
	// overflow pointer sits in the last 4 bytes of the cell.
	patchOverflowPointer(cellBuf, head)
	return nil
}

func patchOverflowPointer(cellBuf []byte, head uint32) {
	n := len(cellBuf)
	cellBuf[n-4] = byte(head >> 24)
	cellBuf[n-3] = byte(head >> 16)
	cellBuf[n-2] = byte(head >> 8)
	cellBuf[n-1] = byte(head)
}

// allocWriter adapts Mutator to cell.PageAllocWriter.
type allocWriter struct{ m *Mutator }

func (a *allocWriter) Allocate() (uint32, error) { return a.m.allocatePageNumber() }
func (a *allocWriter) Write(n uint32, buf []byte) error { return a.m.src.WritePage(n, buf) }

// splitLeafAndInsert splits a full leaf, distributing its cells plus the
// new cell between the original page and a freshly allocated sibling,
// then propagates the divider rowid upward. For strictly-ascending rowid
// insert at the tail (idx == cell count), the new cell alone goes to the
// new page — SPEC_FULL.md's right-leaning fast path, matching SQLite's
// own quick-balance for monotonic-rowid workloads. Otherwise the cells
// are split at the midpoint (median split).
func (m *Mutator) splitLeafAndInsert(path []uint32, idx int, rowID int64, payload []byte) error {
	leafNumber := path[len(path)-1]
	leaf, _, err := m.loadPage(leafNumber)
	if err != nil {
		return err
	}
	n := leaf.CellCount()

	entries := make([]leafEntry, 0, n+1)
	for i := 0; i < n; i++ {
		tl, err := cell.ParseTableLeaf(leaf.CellBytes(i), m.usablePageSize)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		full := rebuildLeafCellBytes(leaf, i)
		entries = append(entries, leafEntry{rowID: tl.RowID, buf: full})
	}
	newCellBuf := make([]byte, cell.ComputeTableLeafCellSize(rowID, len(payload), m.usablePageSize))
	cell.BuildTableLeaf(newCellBuf, rowID, payload, m.usablePageSize)
	if err := writeOverflowIfNeeded(m, newCellBuf, rowID, payload); err != nil {
		return err
	}
	inserted := leafEntry{rowID: rowID, buf: newCellBuf}
	all := make([]leafEntry, 0, len(entries)+1)
	all = append(all, entries[:idx]...)
	all = append(all, inserted)
	all = append(all, entries[idx:]...)

	splitAt := len(all) / 2
	if idx == len(entries) {
		// Ascending-rowid fast path: keep the full original leaf intact,
		// send only the new (highest) cell to the new right sibling.
		splitAt = len(all) - 1
	}

	_, rightNumber, err := m.buildLeafFromEntries(TypeTableLeaf, all[splitAt:])
	if err != nil {
		return err
	}
	leftBuf := make([]byte, m.pageSize)
	leftPage := Init(leftBuf, headerOffsetFor(leafNumber), m.usablePageSize, TypeTableLeaf)
	for _, e := range all[:splitAt] {
		if err := leftPage.AppendCellAt(leftPage.CellCount(), e.buf); err != nil {
			return fmt.Errorf("btree: split does not fit even after halving: %w", err)
		}
	}
	if err := m.writePage(leafNumber, leftPage); err != nil {
		return err
	}

	// The divider is the largest rowid kept in the left half, so a search
	// that follows the left child of the first cell >= target finds it.
	dividerRowID := all[splitAt-1].rowID
	return m.propagateSplit(path[:len(path)-1], leafNumber, dividerRowID, rightNumber)
}

// leafEntry holds one table-leaf cell's rowid and standalone byte copy,
// used to redistribute cells across a split.
type leafEntry struct {
	rowID int64
	buf   []byte
}

// rebuildLeafCellBytes copies cell i of a table-leaf page into a
// standalone buffer, preserving its overflow pointer verbatim — a
// redistribution relocates the cell, not the overflow chain it may
// reference, so the pointer must not be recomputed here.
func rebuildLeafCellBytes(p *Page, i int) []byte {
	tl, err := cell.ParseTableLeaf(p.CellBytes(i), p.usablePageSize)
	if err != nil {
		return nil
	}
	buf := make([]byte, tl.Size)
	copy(buf, p.CellBytes(i)[:tl.Size])
	return buf
}

func (m *Mutator) buildLeafFromEntries(pageType byte, entries []leafEntry) (*Page, uint32, error) {
	n, p, err := m.newPage(pageType)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range entries {
		if err := p.AppendCellAt(p.CellCount(), e.buf); err != nil {
			return nil, 0, fmt.Errorf("btree: new split page does not fit its share: %w", err)
		}
	}
	if err := m.writePage(n, p); err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

// propagateSplit inserts (dividerRowID -> leftChild) into the parent at
// the top of path, recursing into a further split if the parent overflows,
// and allocating a new root if path is empty (the root itself split).
func (m *Mutator) propagateSplit(path []uint32, leftChild uint32, dividerRowID int64, rightChild uint32) error {
	if len(path) == 0 {
		return m.growRoot(leftChild, dividerRowID, rightChild)
	}
	parentNumber := path[len(path)-1]
	parent, _, err := m.loadPage(parentNumber)
	if err != nil {
		return err
	}
	idx, _, err := m.searchInteriorTable(parent, dividerRowID)
	if err != nil {
		return err
	}

	cellBuf := make([]byte, cell.ComputeTableInteriorCellSize(dividerRowID))
	cell.BuildTableInterior(cellBuf, leftChild, dividerRowID)

	if parent.CanFit(len(cellBuf)) {
		if err := parent.AppendCellAt(idx, cellBuf); err != nil {
			return err
		}
		// The cell we just inserted points to what was the left half;
		// whatever pointer previously occupied this slot (or the
		// right-child pointer) now belongs to the right half.
		if idx == parent.CellCount()-1 {
			// appended just before the end: shift right-child down
			parent.SetRightChild(rightChild)
		} else {
			// the cell that used to sit at idx (now idx+1 after the shift)
			// must point at rightChild instead of its old left child.
			ti, err := cell.ParseTableInterior(parent.CellBytes(idx + 1))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptPage, err)
			}
			fixed := make([]byte, cell.ComputeTableInteriorCellSize(ti.RowID))
			cell.BuildTableInterior(fixed, rightChild, ti.RowID)
			copy(parent.CellBytes(idx+1)[:len(fixed)], fixed)
		}
		return m.writePage(parentNumber, parent)
	}

	return m.splitInteriorAndInsert(path, idx, leftChild, dividerRowID, rightChild)
}

// splitInteriorAndInsert splits a full interior page when propagateSplit
// cannot fit the divider cell, recursing upward exactly as the leaf case
// does (spec.md §4.6: "recurse if parent overflows").
func (m *Mutator) splitInteriorAndInsert(path []uint32, idx int, leftChild uint32, dividerRowID int64, rightChild uint32) error {
	parentNumber := path[len(path)-1]
	parent, _, err := m.loadPage(parentNumber)
	if err != nil {
		return err
	}
	n := parent.CellCount()

	type ientry struct {
		rowID int64
		child uint32
	}
	entries := make([]ientry, 0, n)
	for i := 0; i < n; i++ {
		ti, err := cell.ParseTableInterior(parent.CellBytes(i))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		entries = append(entries, ientry{rowID: ti.RowID, child: ti.LeftChild})
	}
	oldRight := parent.RightChild()

	all := make([]ientry, 0, n+1)
	all = append(all, entries[:idx]...)
	all = append(all, ientry{rowID: dividerRowID, child: leftChild})
	all = append(all, entries[idx:]...)
	// The entry that used to point to the old left child at idx now must
	// point to rightChild, since leftChild/rightChild replaced that one
	// subtree.
	if idx+1 < len(all) {
		all[idx+1].child = rightChild
	} else {
		oldRight = rightChild
	}

	mid := len(all) / 2
	middleRowID := all[mid].rowID
	leftEntries := all[:mid]
	rightEntries := all[mid+1:]

	leftBuf := make([]byte, m.pageSize)
	leftPage := Init(leftBuf, headerOffsetFor(parentNumber), m.usablePageSize, TypeTableInterior)
	for _, e := range leftEntries {
		buf := make([]byte, cell.ComputeTableInteriorCellSize(e.rowID))
		cell.BuildTableInterior(buf, e.child, e.rowID)
		if err := leftPage.AppendCellAt(leftPage.CellCount(), buf); err != nil {
			return fmt.Errorf("btree: interior split does not fit: %w", err)
		}
	}
	leftPage.SetRightChild(all[mid].child)
	if err := m.writePage(parentNumber, leftPage); err != nil {
		return err
	}

	rightNumber, rightPage, err := m.newPage(TypeTableInterior)
	if err != nil {
		return err
	}
	for _, e := range rightEntries {
		buf := make([]byte, cell.ComputeTableInteriorCellSize(e.rowID))
		cell.BuildTableInterior(buf, e.child, e.rowID)
		if err := rightPage.AppendCellAt(rightPage.CellCount(), buf); err != nil {
			return fmt.Errorf("btree: interior split does not fit: %w", err)
		}
	}
	rightPage.SetRightChild(oldRight)
	if err := m.writePage(rightNumber, rightPage); err != nil {
		return err
	}

	return m.propagateSplit(path[:len(path)-1], parentNumber, middleRowID, rightNumber)
}

// growRoot handles a split that reached the root. The root page number
// must stay the tree's root (callers hold onto it), so growRoot instead
// relocates the former root's content to a freshly allocated page and
// reformats the root page in place as a new interior page with a single
// divider cell pointing at the relocated page and rightChild.
func (m *Mutator) growRoot(leftChild uint32, dividerRowID int64, rightChild uint32) error {
	rootNumber := leftChild // the page that just split was, in fact, the root
	rootBuf, err := m.src.GetPage(rootNumber)
	if err != nil {
		return err
	}
	relocatedNumber, err := m.src.Allocate()
	if err != nil {
		return fmt.Errorf("btree: allocate new root child: %w", err)
	}
	// Cell content always grows down from usablePageSize regardless of
	// header offset, so a plain copy already preserves it at the right
	// absolute offset. Only the page header and cell-pointer array (which
	// sit just after headerOffset) need to be re-homed when the root was
	// page 1 — a newly allocated page is never page 1, so its header
	// always lives at offset 0.
	relocated := make([]byte, m.pageSize)
	copy(relocated, rootBuf)
	oldOff := headerOffsetFor(rootNumber)
	newOff := headerOffsetFor(relocatedNumber)
	if oldOff != newOff {
		oldPage := Wrap(rootBuf, oldOff, m.usablePageSize)
		span := oldPage.headerSize() + 2*oldPage.CellCount()
		copy(relocated[newOff:newOff+span], rootBuf[oldOff:oldOff+span])
	}
	if err := m.src.WritePage(relocatedNumber, relocated); err != nil {
		return err
	}

	newRootBuf := make([]byte, m.pageSize)
	newRoot := Init(newRootBuf, headerOffsetFor(rootNumber), m.usablePageSize, TypeTableInterior)
	cellBuf := make([]byte, cell.ComputeTableInteriorCellSize(dividerRowID))
	cell.BuildTableInterior(cellBuf, relocatedNumber, dividerRowID)
	if err := newRoot.AppendCellAt(0, cellBuf); err != nil {
		return err
	}
	newRoot.SetRightChild(rightChild)
	if headerOffsetFor(rootNumber) == 100 {
		copy(newRootBuf[:100], rootBuf[:100])
	}
	return m.writePage(rootNumber, newRoot)
}

// Delete removes the row with the given rowID, freeing any overflow chain
// the cell owned back to the freelist (spec.md §4.6). It does not merge
// underfull siblings (SPEC_FULL.md §12 accepts sparse leaves after
// delete, deferring compaction to an external vacuum tool per spec.md §9
// Open Question (b); this mutator additionally does not yet merge
// underfull interior/leaf pages, so deletes can leave pages below their
// ideal fill factor without error).
func (m *Mutator) Delete(root uint32, rowID int64) (bool, error) {
	path, idx, err := m.descendForInsert(root, rowID)
	if err != nil {
		return false, err
	}
	leafNumber := path[len(path)-1]
	leaf, _, err := m.loadPage(leafNumber)
	if err != nil {
		return false, err
	}
	if idx >= leaf.CellCount() {
		return false, nil
	}
	tl, err := cell.ParseTableLeaf(leaf.CellBytes(idx), m.usablePageSize)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	if tl.RowID != rowID {
		return false, nil
	}
	if err := m.freeOverflowChain(tl.OverflowPage, int(tl.PayloadSize)-len(tl.Inline)); err != nil {
		return false, err
	}
	cellSize := tl.Size
	leaf.RemoveCellAt(idx, cellSize)
	if err := m.writePage(leafNumber, leaf); err != nil {
		return false, err
	}
	return true, nil
}

// freeOverflowChain pushes every page of the overflow chain starting at
// headPage back onto the freelist. headPage of 0 means the cell had no
// overflow chain, the common case, and is a no-op.
func (m *Mutator) freeOverflowChain(headPage uint32, overflowLen int) error {
	if headPage == 0 {
		return nil
	}
	get := func(n uint32) ([]byte, error) { return m.src.GetPage(n) }
	pages, err := cell.ChainPageNumbers(get, headPage, overflowLen, m.usablePageSize)
	if err != nil {
		return err
	}
	for _, n := range pages {
		if err := freelist.Push(m.src, m.usablePageSize, n); err != nil {
			return err
		}
	}
	return nil
}

// Update rewrites the row at rowID in place if the new payload is the
// same size as the old, otherwise deletes and reinserts (spec.md §4.6).
func (m *Mutator) Update(root uint32, rowID int64, payload []byte) (bool, error) {
	path, idx, err := m.descendForInsert(root, rowID)
	if err != nil {
		return false, err
	}
	leafNumber := path[len(path)-1]
	leaf, _, err := m.loadPage(leafNumber)
	if err != nil {
		return false, err
	}
	if idx >= leaf.CellCount() {
		return false, nil
	}
	existing, err := cell.ParseTableLeaf(leaf.CellBytes(idx), m.usablePageSize)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	if existing.RowID != rowID {
		return false, nil
	}
	newSize := cell.ComputeTableLeafCellSize(rowID, len(payload), m.usablePageSize)
	if newSize == existing.Size {
		if err := m.freeOverflowChain(existing.OverflowPage, int(existing.PayloadSize)-len(existing.Inline)); err != nil {
			return false, err
		}
		buf := make([]byte, newSize)
		cell.BuildTableLeaf(buf, rowID, payload, m.usablePageSize)
		if err := writeOverflowIfNeeded(m, buf, rowID, payload); err != nil {
			return false, err
		}
		copy(leaf.CellBytes(idx)[:newSize], buf)
		return true, m.writePage(leafNumber, leaf)
	}
	if ok, err := m.Delete(root, rowID); err != nil || !ok {
		return false, err
	}
	return true, m.Insert(root, rowID, payload)
}
