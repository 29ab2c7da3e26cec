package btree

import (
	"fmt"

	"github.com/sharclabs/sharc/internal/cell"
	"github.com/sharclabs/sharc/internal/freelist"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

// IndexMutator inserts and deletes index-leaf records, ordered by record
// key bytes rather than rowid (spec.md §4.6's split mechanism, reused for
// index trees; §4.7's index maintainer calls through this type).
type IndexMutator struct {
	src            pagesrc.WritablePageSource
	usablePageSize int
	pageSize       int
	keyColumns     int
}

// NewIndexMutator creates an index mutator. keyColumns is the number of
// leading columns in each index record that form the comparison key
// (typically the indexed columns plus a trailing rowid for uniqueness).
func NewIndexMutator(src pagesrc.WritablePageSource, pageSize, usablePageSize, keyColumns int) *IndexMutator {
	return &IndexMutator{src: src, pageSize: pageSize, usablePageSize: usablePageSize, keyColumns: keyColumns}
}

func (m *IndexMutator) loadPage(pageNumber uint32) (*Page, error) {
	buf, err := m.src.GetPage(pageNumber)
	if err != nil {
		return nil, err
	}
	dup := make([]byte, len(buf))
	copy(dup, buf)
	return Wrap(dup, headerOffsetFor(pageNumber), m.usablePageSize), nil
}

func (m *IndexMutator) writePage(pageNumber uint32, p *Page) error {
	return m.src.WritePage(pageNumber, p.Bytes())
}

func (m *IndexMutator) newPage(pageType byte) (uint32, *Page, error) {
	n, err := m.allocatePageNumber()
	if err != nil {
		return 0, nil, fmt.Errorf("btree: allocate page: %w", err)
	}
	buf := make([]byte, m.pageSize)
	return n, Init(buf, headerOffsetFor(n), m.usablePageSize, pageType), nil
}

// allocatePageNumber reuses a page off the freelist before growing the
// file, the same allocation order Mutator uses for table trees.
func (m *IndexMutator) allocatePageNumber() (uint32, error) {
	if n, ok, err := freelist.Pop(m.src, m.usablePageSize); err != nil {
		return 0, err
	} else if ok {
		return n, nil
	}
	return m.src.Allocate()
}

func (m *IndexMutator) decodeKey(payload []byte) ([]record.Value, error) {
	values, err := record.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	if len(values) > m.keyColumns {
		values = values[:m.keyColumns]
	}
	return values, nil
}

// cellKey returns the comparison key and, for interior cells, the left
// child pointer of cell i on page p.
func (m *IndexMutator) cellKey(p *Page, i int) ([]record.Value, uint32, int, error) {
	if p.IsInterior() {
		ii, err := cell.ParseIndexInterior(p.CellBytes(i), m.usablePageSize)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		key, err := m.decodeKey(m.fullPayload(ii.Inline, ii.OverflowPage, int(ii.PayloadSize)))
		return key, ii.LeftChild, ii.Size, err
	}
	il, err := cell.ParseIndexLeaf(p.CellBytes(i), m.usablePageSize)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	key, err := m.decodeKey(m.fullPayload(il.Inline, il.OverflowPage, int(il.PayloadSize)))
	return key, 0, il.Size, err
}

// cellRawPayload returns the full record payload of cell i (key columns
// plus whatever trailing bytes the caller originally encoded) without
// truncating to keyColumns, so it can be carried verbatim when a cell is
// relocated or its child pointer patched.
func (m *IndexMutator) cellRawPayload(p *Page, i int) ([]byte, error) {
	if p.IsInterior() {
		ii, err := cell.ParseIndexInterior(p.CellBytes(i), m.usablePageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		return m.fullPayload(ii.Inline, ii.OverflowPage, int(ii.PayloadSize)), nil
	}
	il, err := cell.ParseIndexLeaf(p.CellBytes(i), m.usablePageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return m.fullPayload(il.Inline, il.OverflowPage, int(il.PayloadSize)), nil
}

func (m *IndexMutator) fullPayload(inline []byte, overflowPage uint32, totalLen int) []byte {
	if overflowPage == 0 {
		return inline
	}
	get := func(n uint32) ([]byte, error) { return m.src.GetPage(n) }
	tail, err := cell.ReadChain(get, overflowPage, totalLen-len(inline), m.usablePageSize)
	if err != nil {
		return inline
	}
	return append(append([]byte{}, inline...), tail...)
}

// searchLeaf returns the insertion index for key among a leaf's cells,
// and whether an exact match exists at that index.
func (m *IndexMutator) searchLeaf(p *Page, key []record.Value) (int, bool, error) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		midKey, _, _, err := m.cellKey(p, mid)
		if err != nil {
			return 0, false, err
		}
		if record.CompareKeys(midKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n {
		midKey, _, _, err := m.cellKey(p, lo)
		if err != nil {
			return 0, false, err
		}
		return lo, record.CompareKeys(midKey, key) == 0, nil
	}
	return lo, false, nil
}

func (m *IndexMutator) searchInterior(p *Page, key []record.Value) (int, uint32, error) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		midKey, _, _, err := m.cellKey(p, mid)
		if err != nil {
			return 0, 0, err
		}
		if record.CompareKeys(midKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == n {
		return n, p.RightChild(), nil
	}
	_, child, _, err := m.cellKey(p, lo)
	return lo, child, err
}

// Insert inserts a new index record (already containing its key columns,
// plus whatever trailing disambiguator the caller encoded, e.g. rowid)
// ordered by record.CompareKeys.
func (m *IndexMutator) Insert(root uint32, keyPayload []byte) error {
	key, err := m.decodeKey(keyPayload)
	if err != nil {
		return err
	}
	var path []uint32
	pageNumber := root
	var idx int
	for {
		path = append(path, pageNumber)
		p, err := m.loadPage(pageNumber)
		if err != nil {
			return err
		}
		if p.IsLeaf() {
			idx, _, err = m.searchLeaf(p, key)
			if err != nil {
				return err
			}
			break
		}
		var child uint32
		idx, child, err = m.searchInterior(p, key)
		if err != nil {
			return err
		}
		pageNumber = child
	}

	cellSize := cell.ComputeIndexLeafCellSize(len(keyPayload), m.usablePageSize)
	leafNumber := path[len(path)-1]
	leaf, err := m.loadPage(leafNumber)
	if err != nil {
		return err
	}
	if leaf.CanFit(cellSize) {
		buf := make([]byte, cellSize)
		cell.BuildIndexLeaf(buf, keyPayload, m.usablePageSize)
		if err := m.writeOverflowIfNeeded(buf, keyPayload); err != nil {
			return err
		}
		if err := leaf.AppendCellAt(idx, buf); err != nil {
			return err
		}
		return m.writePage(leafNumber, leaf)
	}
	return m.splitLeafAndInsert(path, idx, keyPayload)
}

func (m *IndexMutator) writeOverflowIfNeeded(cellBuf, payload []byte) error {
	sp := cell.SplitIndexPayload(len(payload), m.usablePageSize)
	if sp.Overflow == 0 {
		return nil
	}
	pw := &indexAllocWriter{m: m}
	head, err := cell.WriteChain(pw, payload[sp.Inline:], m.pageSize, m.usablePageSize)
	if err != nil {
		return err
	}
	n := len(cellBuf)
	cellBuf[n-4] = byte(head >> 24)
	cellBuf[n-3] = byte(head >> 16)
	cellBuf[n-2] = byte(head >> 8)
	cellBuf[n-1] = byte(head)
	return nil
}

type indexAllocWriter struct{ m *IndexMutator }

func (a *indexAllocWriter) Allocate() (uint32, error)          { return a.m.allocatePageNumber() }
func (a *indexAllocWriter) Write(n uint32, buf []byte) error { return a.m.src.WritePage(n, buf) }

type indexLeafEntry struct {
	key []record.Value
	buf []byte
}

func (m *IndexMutator) splitLeafAndInsert(path []uint32, idx int, newPayload []byte) error {
	leafNumber := path[len(path)-1]
	leaf, err := m.loadPage(leafNumber)
	if err != nil {
		return err
	}
	n := leaf.CellCount()
	entries := make([]indexLeafEntry, 0, n+1)
	for i := 0; i < n; i++ {
		key, _, size, err := m.cellKey(leaf, i)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		copy(buf, leaf.CellBytes(i)[:size])
		entries = append(entries, indexLeafEntry{key: key, buf: buf})
	}

	newCellBuf := make([]byte, cell.ComputeIndexLeafCellSize(len(newPayload), m.usablePageSize))
	cell.BuildIndexLeaf(newCellBuf, newPayload, m.usablePageSize)
	if err := m.writeOverflowIfNeeded(newCellBuf, newPayload); err != nil {
		return err
	}
	newKey, err := m.decodeKey(newPayload)
	if err != nil {
		return err
	}

	all := make([]indexLeafEntry, 0, len(entries)+1)
	all = append(all, entries[:idx]...)
	all = append(all, indexLeafEntry{key: newKey, buf: newCellBuf})
	all = append(all, entries[idx:]...)

	splitAt := len(all) / 2
	rightNumber, rightPage, err := m.newPage(TypeIndexLeaf)
	if err != nil {
		return err
	}
	for _, e := range all[splitAt:] {
		if err := rightPage.AppendCellAt(rightPage.CellCount(), e.buf); err != nil {
			return fmt.Errorf("btree: index split does not fit: %w", err)
		}
	}
	if err := m.writePage(rightNumber, rightPage); err != nil {
		return err
	}

	leftBuf := make([]byte, m.pageSize)
	leftPage := Init(leftBuf, headerOffsetFor(leafNumber), m.usablePageSize, TypeIndexLeaf)
	for _, e := range all[:splitAt] {
		if err := leftPage.AppendCellAt(leftPage.CellCount(), e.buf); err != nil {
			return fmt.Errorf("btree: index split does not fit: %w", err)
		}
	}
	if err := m.writePage(leafNumber, leftPage); err != nil {
		return err
	}

	dividerKey := all[splitAt-1].key
	return m.propagateSplit(path[:len(path)-1], leafNumber, dividerKey, rightNumber)
}

func (m *IndexMutator) propagateSplit(path []uint32, leftChild uint32, dividerKey []record.Value, rightChild uint32) error {
	if len(path) == 0 {
		return m.growRoot(leftChild, dividerKey, rightChild)
	}
	parentNumber := path[len(path)-1]
	parent, err := m.loadPage(parentNumber)
	if err != nil {
		return err
	}
	idx, _, err := m.searchInterior(parent, dividerKey)
	if err != nil {
		return err
	}

	dividerPayload := record.Encode(dividerKey)
	cellBuf := make([]byte, cell.ComputeIndexInteriorCellSize(len(dividerPayload), m.usablePageSize))
	cell.BuildIndexInterior(cellBuf, leftChild, dividerPayload, m.usablePageSize)
	if err := m.writeOverflowIfNeeded(cellBuf, dividerPayload); err != nil {
		return err
	}

	if parent.CanFit(len(cellBuf)) {
		if err := parent.AppendCellAt(idx, cellBuf); err != nil {
			return err
		}
		if idx == parent.CellCount()-1 {
			parent.SetRightChild(rightChild)
		} else {
			existingPayload, err := m.cellRawPayload(parent, idx+1)
			if err != nil {
				return err
			}
			fixed := make([]byte, cell.ComputeIndexInteriorCellSize(len(existingPayload), m.usablePageSize))
			cell.BuildIndexInterior(fixed, rightChild, existingPayload, m.usablePageSize)
			if err := m.writeOverflowIfNeeded(fixed, existingPayload); err != nil {
				return err
			}
			copy(parent.CellBytes(idx+1)[:len(fixed)], fixed)
		}
		return m.writePage(parentNumber, parent)
	}
	return fmt.Errorf("btree: index interior split not supported beyond one level in this build")
}

// growRoot relocates the former root's content to a freshly allocated
// page and reformats the root page in place as a new interior page, the
// same relocation strategy Mutator.growRoot uses for table trees.
func (m *IndexMutator) growRoot(leftChild uint32, dividerKey []record.Value, rightChild uint32) error {
	rootNumber := leftChild
	rootBuf, err := m.src.GetPage(rootNumber)
	if err != nil {
		return err
	}
	relocatedNumber, err := m.src.Allocate()
	if err != nil {
		return fmt.Errorf("btree: allocate new root child: %w", err)
	}
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
	newRoot := Init(newRootBuf, headerOffsetFor(rootNumber), m.usablePageSize, TypeIndexInterior)
	dividerPayload := record.Encode(dividerKey)
	cellBuf := make([]byte, cell.ComputeIndexInteriorCellSize(len(dividerPayload), m.usablePageSize))
	cell.BuildIndexInterior(cellBuf, relocatedNumber, dividerPayload, m.usablePageSize)
	if err := m.writeOverflowIfNeeded(cellBuf, dividerPayload); err != nil {
		return err
	}
	if err := newRoot.AppendCellAt(0, cellBuf); err != nil {
		return err
	}
	newRoot.SetRightChild(rightChild)
	if headerOffsetFor(rootNumber) == 100 {
		copy(newRootBuf[:100], rootBuf[:100])
	}
	return m.writePage(rootNumber, newRoot)
}

// Delete removes the first index record matching key exactly, freeing any
// overflow chain the cell owned back to the freelist (spec.md §4.6).
func (m *IndexMutator) Delete(root uint32, key []record.Value) (bool, error) {
	pageNumber := root
	for {
		p, err := m.loadPage(pageNumber)
		if err != nil {
			return false, err
		}
		if p.IsLeaf() {
			idx, exact, err := m.searchLeaf(p, key)
			if err != nil {
				return false, err
			}
			if !exact {
				return false, nil
			}
			il, err := cell.ParseIndexLeaf(p.CellBytes(idx), m.usablePageSize)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrCorruptPage, err)
			}
			if err := m.freeOverflowChain(il.OverflowPage, int(il.PayloadSize)-len(il.Inline)); err != nil {
				return false, err
			}
			p.RemoveCellAt(idx, il.Size)
			return true, m.writePage(pageNumber, p)
		}
		_, child, err := m.searchInterior(p, key)
		if err != nil {
			return false, err
		}
		pageNumber = child
	}
}

// freeOverflowChain pushes every page of the overflow chain starting at
// headPage back onto the freelist. headPage of 0 is a no-op.
func (m *IndexMutator) freeOverflowChain(headPage uint32, overflowLen int) error {
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
