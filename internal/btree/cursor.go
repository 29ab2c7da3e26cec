package btree

import (
	"fmt"

	"github.com/sharclabs/sharc/internal/cell"
	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

// headerOffsetFor returns the B-tree page header's offset within the
// physical page buffer: 100 for page 1 (which carries the 100-byte
// database header first), 0 for every other page.
func headerOffsetFor(pageNumber uint32) int {
	if pageNumber == 1 {
		return 100
	}
	return 0
}

// frame is one level of a cursor's navigation stack: the page currently
// being visited and the cell/child index last followed from it.
type frame struct {
	pageNumber uint32
	cellIndex  int
}

// Cursor is a forward-iterating table B-tree cursor (spec.md §4.5).
type Cursor struct {
	src            pagesrc.PageSource
	root           uint32
	usablePageSize int

	stack     []frame
	began     bool
	snapshot  uint64
	scratch   []byte
}

// NewCursor creates a table B-tree cursor rooted at rootPage.
func NewCursor(src pagesrc.PageSource, rootPage uint32, usablePageSize int) *Cursor {
	return &Cursor{src: src, root: rootPage, usablePageSize: usablePageSize, snapshot: src.DataVersion()}
}

func (c *Cursor) loadPage(pageNumber uint32) (*Page, error) {
	buf, err := c.src.GetPage(pageNumber)
	if err != nil {
		return nil, err
	}
	return Wrap(buf, headerOffsetFor(pageNumber), c.usablePageSize), nil
}

func (c *Cursor) childAt(p *Page, index int) (uint32, error) {
	if index < p.CellCount() {
		ti, err := cell.ParseTableInterior(p.CellBytes(index))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		return ti.LeftChild, nil
	}
	return p.RightChild(), nil
}

// descendLeftmost pushes frames down from pageNumber to the leftmost leaf.
func (c *Cursor) descendLeftmost(pageNumber uint32) error {
	for {
		p, err := c.loadPage(pageNumber)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: 0})
		if p.IsLeaf() {
			return nil
		}
		child, err := c.childAt(p, 0)
		if err != nil {
			return err
		}
		pageNumber = child
	}
}

// MoveNext advances the cursor to the next row in rowid order, returning
// false once the tree is exhausted.
func (c *Cursor) MoveNext() (bool, error) {
	c.snapshot = c.src.DataVersion()
	if !c.began {
		c.began = true
		if err := c.descendLeftmost(c.root); err != nil {
			return false, err
		}
		return c.leafHasCurrentCell()
	}

	top := &c.stack[len(c.stack)-1]
	leaf, err := c.loadPage(top.pageNumber)
	if err != nil {
		return false, err
	}
	if top.cellIndex+1 < leaf.CellCount() {
		top.cellIndex++
		return true, nil
	}

	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		parentFrame := &c.stack[len(c.stack)-1]
		parent, err := c.loadPage(parentFrame.pageNumber)
		if err != nil {
			return false, err
		}
		nextChild := parentFrame.cellIndex + 1
		if nextChild <= parent.CellCount() {
			parentFrame.cellIndex = nextChild
			childNumber, err := c.childAt(parent, nextChild)
			if err != nil {
				return false, err
			}
			if err := c.descendLeftmost(childNumber); err != nil {
				return false, err
			}
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}

func (c *Cursor) leafHasCurrentCell() (bool, error) {
	top := c.stack[len(c.stack)-1]
	leaf, err := c.loadPage(top.pageNumber)
	if err != nil {
		return false, err
	}
	return top.cellIndex < leaf.CellCount(), nil
}

// Seek performs a descent-only binary search for rowID, per spec.md §4.5.
// It returns true only on an exact rowid match; otherwise the cursor is
// left positioned at the closest leaf cell the descent reached.
func (c *Cursor) Seek(rowID int64) (bool, error) {
	c.Reset()
	c.began = true
	pageNumber := c.root
	for {
		p, err := c.loadPage(pageNumber)
		if err != nil {
			return false, err
		}
		if p.IsLeaf() {
			idx, exact, err := c.searchLeafTable(p, rowID)
			if err != nil {
				return false, err
			}
			c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: idx})
			return exact, nil
		}
		idx, child, err := c.searchInteriorTable(p, rowID)
		if err != nil {
			return false, err
		}
		c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: idx})
		pageNumber = child
	}
}

// searchInteriorTable finds the first cell whose rowid >= target,
// returning its index and left-child pointer; if none, returns the right
// child with index == CellCount().
func (c *Cursor) searchInteriorTable(p *Page, target int64) (int, uint32, error) {
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

func (c *Cursor) searchLeafTable(p *Page, target int64) (int, bool, error) {
	n := p.CellCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		tl, err := cell.ParseTableLeaf(p.CellBytes(mid), c.usablePageSize)
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

// Reset clears the navigation stack and refreshes the data-version
// snapshot (spec.md §4.5).
func (c *Cursor) Reset() {
	c.stack = c.stack[:0]
	c.began = false
	c.scratch = nil
	c.snapshot = c.src.DataVersion()
}

// IsStale reports whether a writer has committed since the cursor's last
// navigation step (spec.md §4.5, §5).
func (c *Cursor) IsStale() bool {
	return c.snapshot < c.src.DataVersion()
}

// RowID returns the rowid of the cell the cursor is currently positioned
// at. The cursor must be positioned (a prior MoveNext/Seek returned true).
func (c *Cursor) RowID() (int64, error) {
	tl, err := c.currentCell()
	if err != nil {
		return 0, err
	}
	return tl.RowID, nil
}

func (c *Cursor) currentCell() (cell.TableLeaf, error) {
	if len(c.stack) == 0 {
		return cell.TableLeaf{}, fmt.Errorf("btree: cursor not positioned")
	}
	top := c.stack[len(c.stack)-1]
	p, err := c.loadPage(top.pageNumber)
	if err != nil {
		return cell.TableLeaf{}, err
	}
	if top.cellIndex >= p.CellCount() {
		return cell.TableLeaf{}, fmt.Errorf("btree: cursor not positioned on a cell")
	}
	return cell.ParseTableLeaf(p.CellBytes(top.cellIndex), c.usablePageSize)
}

// Payload returns the current row's full record payload, assembling the
// overflow chain when the payload does not fit inline.
func (c *Cursor) Payload() ([]byte, error) {
	tl, err := c.currentCell()
	if err != nil {
		return nil, err
	}
	if tl.OverflowPage == 0 {
		return tl.Inline, nil
	}
	overflowLen := int(tl.PayloadSize) - len(tl.Inline)
	tail, err := cell.ReadChain(c.pageGetter(), tl.OverflowPage, overflowLen, c.usablePageSize)
	if err != nil {
		return nil, err
	}
	c.scratch = append(append(c.scratch[:0], tl.Inline...), tail...)
	return c.scratch, nil
}

func (c *Cursor) pageGetter() cell.PageGetter {
	return func(n uint32) ([]byte, error) { return c.src.GetPage(n) }
}

// LeafPageScanner pre-collects the ordered list of leaf page numbers with
// a single descent, then iterates cells without re-navigating the tree
// (spec.md §4.5). It does not support Seek or MoveLast.
type LeafPageScanner struct {
	src            pagesrc.PageSource
	usablePageSize int
	leaves         []uint32
	leafIndex      int
	cellIndex      int
	snapshot       uint64
}

// NewLeafPageScanner builds a scanner over the table B-tree rooted at
// rootPage, collecting its leaf pages in order.
func NewLeafPageScanner(src pagesrc.PageSource, rootPage uint32, usablePageSize int) (*LeafPageScanner, error) {
	s := &LeafPageScanner{src: src, usablePageSize: usablePageSize, snapshot: src.DataVersion()}
	if err := s.collectLeaves(rootPage); err != nil {
		return nil, err
	}
	s.Reset()
	return s, nil
}

func (s *LeafPageScanner) collectLeaves(pageNumber uint32) error {
	buf, err := s.src.GetPage(pageNumber)
	if err != nil {
		return err
	}
	p := Wrap(buf, headerOffsetFor(pageNumber), s.usablePageSize)
	if p.IsLeaf() {
		s.leaves = append(s.leaves, pageNumber)
		return nil
	}
	for i := 0; i <= p.CellCount(); i++ {
		var child uint32
		if i < p.CellCount() {
			ti, err := cell.ParseTableInterior(p.CellBytes(i))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptPage, err)
			}
			child = ti.LeftChild
		} else {
			child = p.RightChild()
		}
		if err := s.collectLeaves(child); err != nil {
			return err
		}
	}
	return nil
}

// Reset repositions the scanner before its first row.
func (s *LeafPageScanner) Reset() {
	s.leafIndex = 0
	s.cellIndex = -1
	s.snapshot = s.src.DataVersion()
}

// MoveNext advances to the next cell across the pre-collected leaf list.
func (s *LeafPageScanner) MoveNext() (bool, error) {
	for s.leafIndex < len(s.leaves) {
		buf, err := s.src.GetPage(s.leaves[s.leafIndex])
		if err != nil {
			return false, err
		}
		p := Wrap(buf, headerOffsetFor(s.leaves[s.leafIndex]), s.usablePageSize)
		if s.cellIndex+1 < p.CellCount() {
			s.cellIndex++
			return true, nil
		}
		s.leafIndex++
		s.cellIndex = -1
	}
	return false, nil
}

// Payload returns the current row's full record payload.
func (s *LeafPageScanner) Payload() ([]byte, error) {
	buf, err := s.src.GetPage(s.leaves[s.leafIndex])
	if err != nil {
		return nil, err
	}
	p := Wrap(buf, headerOffsetFor(s.leaves[s.leafIndex]), s.usablePageSize)
	tl, err := cell.ParseTableLeaf(p.CellBytes(s.cellIndex), s.usablePageSize)
	if err != nil {
		return nil, err
	}
	if tl.OverflowPage == 0 {
		return tl.Inline, nil
	}
	overflowLen := int(tl.PayloadSize) - len(tl.Inline)
	get := func(n uint32) ([]byte, error) { return s.src.GetPage(n) }
	tail, err := cell.ReadChain(get, tl.OverflowPage, overflowLen, s.usablePageSize)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, tl.Inline...), tail...), nil
}

// RowID returns the rowid of the current cell.
func (s *LeafPageScanner) RowID() (int64, error) {
	buf, err := s.src.GetPage(s.leaves[s.leafIndex])
	if err != nil {
		return 0, err
	}
	p := Wrap(buf, headerOffsetFor(s.leaves[s.leafIndex]), s.usablePageSize)
	tl, err := cell.ParseTableLeaf(p.CellBytes(s.cellIndex), s.usablePageSize)
	if err != nil {
		return 0, err
	}
	return tl.RowID, nil
}

// IsStale reports whether a writer has committed since the scanner began.
func (s *LeafPageScanner) IsStale() bool { return s.snapshot < s.src.DataVersion() }

// IndexCursor is a forward-iterating index B-tree cursor ordered by
// record key rather than rowid (spec.md §4.5).
type IndexCursor struct {
	src            pagesrc.PageSource
	root           uint32
	usablePageSize int
	keyColumns     int

	stack    []frame
	began    bool
	snapshot uint64
}

// NewIndexCursor creates an index B-tree cursor. keyColumns is the number
// of leading columns in each index record that form the comparison key.
func NewIndexCursor(src pagesrc.PageSource, rootPage uint32, usablePageSize, keyColumns int) *IndexCursor {
	return &IndexCursor{src: src, root: rootPage, usablePageSize: usablePageSize, keyColumns: keyColumns, snapshot: src.DataVersion()}
}

func (c *IndexCursor) loadPage(pageNumber uint32) (*Page, error) {
	buf, err := c.src.GetPage(pageNumber)
	if err != nil {
		return nil, err
	}
	return Wrap(buf, headerOffsetFor(pageNumber), c.usablePageSize), nil
}

func (c *IndexCursor) cellPayload(p *Page, index int) ([]byte, uint32, error) {
	if p.IsInterior() {
		ii, err := cell.ParseIndexInterior(p.CellBytes(index), c.usablePageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		return c.fullPayload(ii.Inline, ii.OverflowPage, int(ii.PayloadSize)), ii.LeftChild, nil
	}
	il, err := cell.ParseIndexLeaf(p.CellBytes(index), c.usablePageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return c.fullPayload(il.Inline, il.OverflowPage, int(il.PayloadSize)), 0, nil
}

func (c *IndexCursor) fullPayload(inline []byte, overflowPage uint32, totalLen int) []byte {
	if overflowPage == 0 {
		return inline
	}
	get := func(n uint32) ([]byte, error) { return c.src.GetPage(n) }
	tail, err := cell.ReadChain(get, overflowPage, totalLen-len(inline), c.usablePageSize)
	if err != nil {
		return inline
	}
	return append(append([]byte{}, inline...), tail...)
}

func (c *IndexCursor) keyAt(p *Page, index int) ([]record.Value, uint32, error) {
	payload, child, err := c.cellPayload(p, index)
	if err != nil {
		return nil, 0, err
	}
	values, err := record.Decode(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	if len(values) > c.keyColumns {
		values = values[:c.keyColumns]
	}
	return values, child, nil
}

func (c *IndexCursor) descendLeftmost(pageNumber uint32) error {
	for {
		p, err := c.loadPage(pageNumber)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: 0})
		if p.IsLeaf() {
			return nil
		}
		_, child, err := c.keyAt(p, 0)
		if err != nil {
			return err
		}
		pageNumber = child
	}
}

// MoveNext advances the cursor to the next key in ascending order.
func (c *IndexCursor) MoveNext() (bool, error) {
	c.snapshot = c.src.DataVersion()
	if !c.began {
		c.began = true
		if err := c.descendLeftmost(c.root); err != nil {
			return false, err
		}
		top := c.stack[len(c.stack)-1]
		p, err := c.loadPage(top.pageNumber)
		if err != nil {
			return false, err
		}
		return top.cellIndex < p.CellCount(), nil
	}

	top := &c.stack[len(c.stack)-1]
	leaf, err := c.loadPage(top.pageNumber)
	if err != nil {
		return false, err
	}
	if top.cellIndex+1 < leaf.CellCount() {
		top.cellIndex++
		return true, nil
	}
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		parentFrame := &c.stack[len(c.stack)-1]
		parent, err := c.loadPage(parentFrame.pageNumber)
		if err != nil {
			return false, err
		}
		nextChild := parentFrame.cellIndex + 1
		if nextChild <= parent.CellCount() {
			parentFrame.cellIndex = nextChild
			var childNumber uint32
			if nextChild < parent.CellCount() {
				_, childNumber, err = c.keyAt(parent, nextChild)
			} else {
				childNumber = parent.RightChild()
			}
			if err != nil {
				return false, err
			}
			if err := c.descendLeftmost(childNumber); err != nil {
				return false, err
			}
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false, nil
}

// SeekFirst positions the cursor at the first record whose key equals
// key, or at the next-larger record if no exact match exists. It returns
// true only on an exact match (spec.md §4.5).
func (c *IndexCursor) SeekFirst(key []record.Value) (bool, error) {
	c.Reset()
	c.began = true
	pageNumber := c.root
	for {
		p, err := c.loadPage(pageNumber)
		if err != nil {
			return false, err
		}
		n := p.CellCount()
		lo, hi := 0, n
		for lo < hi {
			mid := (lo + hi) / 2
			midKey, _, err := c.keyAt(p, mid)
			if err != nil {
				return false, err
			}
			if record.CompareKeys(midKey, key) < 0 {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if p.IsLeaf() {
			c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: lo})
			if lo < n {
				matchKey, _, err := c.keyAt(p, lo)
				if err != nil {
					return false, err
				}
				return record.CompareKeys(matchKey, key) == 0, nil
			}
			return false, nil
		}
		var child uint32
		if lo < n {
			_, child, err = c.keyAt(p, lo)
		} else {
			child = p.RightChild()
		}
		if err != nil {
			return false, err
		}
		c.stack = append(c.stack, frame{pageNumber: pageNumber, cellIndex: lo})
		pageNumber = child
	}
}

// Reset clears the cursor's navigation stack.
func (c *IndexCursor) Reset() {
	c.stack = c.stack[:0]
	c.began = false
	c.snapshot = c.src.DataVersion()
}

// IsStale reports whether a writer has committed since the cursor's last
// navigation step.
func (c *IndexCursor) IsStale() bool { return c.snapshot < c.src.DataVersion() }

// Key returns the current row's decoded key columns.
func (c *IndexCursor) Key() ([]record.Value, error) {
	if len(c.stack) == 0 {
		return nil, fmt.Errorf("btree: index cursor not positioned")
	}
	top := c.stack[len(c.stack)-1]
	p, err := c.loadPage(top.pageNumber)
	if err != nil {
		return nil, err
	}
	values, _, err := c.keyAt(p, top.cellIndex)
	return values, err
}

// Payload returns the current row's full index record payload (key
// columns plus any appended rowid, per whatever the index builder
// encoded).
func (c *IndexCursor) Payload() ([]byte, error) {
	if len(c.stack) == 0 {
		return nil, fmt.Errorf("btree: index cursor not positioned")
	}
	top := c.stack[len(c.stack)-1]
	p, err := c.loadPage(top.pageNumber)
	if err != nil {
		return nil, err
	}
	payload, _, err := c.cellPayload(p, top.cellIndex)
	return payload, err
}
