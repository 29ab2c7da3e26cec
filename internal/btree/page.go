// Package btree implements the B-tree reader and mutator: BTreeCursor and
// IndexBTreeCursor navigation, LeafPageScanner, and insert/update/delete
// with leaf split and interior promotion (spec.md §4.5, §4.6). Delete
// does not merge underfull pages with their siblings.
package btree

import (
	"encoding/binary"
	"fmt"
)

// Page type bytes (spec.md §3).
const (
	TypeTableLeaf     = 0x0D
	TypeTableInterior = 0x05
	TypeIndexLeaf     = 0x0A
	TypeIndexInterior = 0x02
)

// ErrCorruptPage signals a page whose header or cell-pointer array does
// not parse consistently (spec.md §4.6's integrity error category).
var ErrCorruptPage = fmt.Errorf("btree: corrupt page")

// Page wraps a single physical page buffer as a B-tree node. headerOffset
// is 100 for page 1 (which carries the 100-byte database header before
// its B-tree payload begins) and 0 for every other page.
type Page struct {
	buf           []byte
	headerOffset  int
	usablePageSize int
}

// Wrap views an existing page buffer as a B-tree node.
func Wrap(buf []byte, headerOffset, usablePageSize int) *Page {
	return &Page{buf: buf, headerOffset: headerOffset, usablePageSize: usablePageSize}
}

// Init formats buf as a fresh, empty B-tree page of the given type.
func Init(buf []byte, headerOffset, usablePageSize int, pageType byte) *Page {
	p := &Page{buf: buf, headerOffset: headerOffset, usablePageSize: usablePageSize}
	hdr := p.header()
	hdr[0] = pageType
	binary.BigEndian.PutUint16(hdr[1:3], 0) // no first freeblock
	binary.BigEndian.PutUint16(hdr[3:5], 0) // zero cells
	p.setCellContentOffset(usablePageSize)
	hdr[7] = 0 // no fragmented bytes
	if p.IsInterior() {
		binary.BigEndian.PutUint32(hdr[8:12], 0)
	}
	return p
}

func (p *Page) header() []byte { return p.buf[p.headerOffset:] }

// Type returns the page type byte.
func (p *Page) Type() byte { return p.header()[0] }

// IsLeaf reports whether the page is a leaf (table or index).
func (p *Page) IsLeaf() bool { t := p.Type(); return t == TypeTableLeaf || t == TypeIndexLeaf }

// IsInterior reports whether the page carries a 12-byte header with a
// right-child pointer.
func (p *Page) IsInterior() bool {
	t := p.Type()
	return t == TypeTableInterior || t == TypeIndexInterior
}

// IsTable reports whether the page belongs to a table (rowid) B-tree.
func (p *Page) IsTable() bool {
	t := p.Type()
	return t == TypeTableLeaf || t == TypeTableInterior
}

func (p *Page) headerSize() int {
	if p.IsInterior() {
		return 12
	}
	return 8
}

// FirstFreeblock returns the absolute page offset of the first freeblock,
// or 0 if none. Each freeblock is a 4-byte node living inline in the
// vacated cell-content bytes it describes: [nextFreeblock:u16 BE]
// [blockSize:u16 BE], chained in ascending-offset order (spec.md §4.6).
func (p *Page) FirstFreeblock() int { return int(binary.BigEndian.Uint16(p.header()[1:3])) }

func (p *Page) setFirstFreeblock(off int) {
	binary.BigEndian.PutUint16(p.header()[1:3], uint16(off))
}

func (p *Page) freeblockNext(off int) int { return int(binary.BigEndian.Uint16(p.buf[off : off+2])) }
func (p *Page) freeblockSize(off int) int { return int(binary.BigEndian.Uint16(p.buf[off+2 : off+4])) }

func (p *Page) setFreeblockNext(off, next int) {
	binary.BigEndian.PutUint16(p.buf[off:off+2], uint16(next))
}

func (p *Page) setFreeblockSize(off, size int) {
	binary.BigEndian.PutUint16(p.buf[off+2:off+4], uint16(size))
}

// addFreeblock links a newly vacated [off, off+size) byte range into the
// freeblock chain in ascending-offset order, merging with an immediately
// adjacent neighbor on either side so adjoining deletes coalesce into one
// reusable block instead of accumulating unreachable slivers.
func (p *Page) addFreeblock(off, size int) {
	prev := 0
	cur := p.FirstFreeblock()
	for cur != 0 && cur < off {
		prev = cur
		cur = p.freeblockNext(cur)
	}
	if prev != 0 && prev+p.freeblockSize(prev) == off {
		off = prev
		size += p.freeblockSize(prev)
	}
	if cur != 0 && off+size == cur {
		size += p.freeblockSize(cur)
		cur = p.freeblockNext(cur)
	}
	p.setFreeblockSize(off, size)
	p.setFreeblockNext(off, cur)
	if off != prev {
		if prev == 0 {
			p.setFirstFreeblock(off)
		} else {
			p.setFreeblockNext(prev, off)
		}
	}
}

// unlinkFreeblock removes the freeblock at cur (whose predecessor in the
// chain is prev, or 0 if cur is currently the head) entirely.
func (p *Page) unlinkFreeblock(prev, cur int) {
	next := p.freeblockNext(cur)
	if prev == 0 {
		p.setFirstFreeblock(next)
	} else {
		p.setFreeblockNext(prev, next)
	}
}

// takeFreeblock first-fit searches the freeblock chain for a block able to
// hold cellSize bytes, and returns the content offset to write the cell
// at. A block within 3 bytes of an exact fit is consumed whole (its slack
// becomes fragmented, too small to remain its own freeblock); otherwise
// the block is shrunk in place and the cell takes its trailing bytes, so
// the remaining free portion keeps the same chain node and offset.
func (p *Page) takeFreeblock(cellSize int) (int, bool) {
	prev := 0
	cur := p.FirstFreeblock()
	for cur != 0 {
		size := p.freeblockSize(cur)
		if size >= cellSize {
			remaining := size - cellSize
			if remaining < 4 {
				p.unlinkFreeblock(prev, cur)
				if remaining > 0 {
					p.setFragmentedFreeBytes(p.FragmentedFreeBytes() + remaining)
				}
				return cur, true
			}
			p.setFreeblockSize(cur, remaining)
			return cur + remaining, true
		}
		prev = cur
		cur = p.freeblockNext(cur)
	}
	return 0, false
}

// freeblockBytes sums the full free-page-list capacity held in freeblocks,
// for reporting alongside the contiguous tail gap.
func (p *Page) freeblockBytes() int {
	total := 0
	for cur := p.FirstFreeblock(); cur != 0; cur = p.freeblockNext(cur) {
		total += p.freeblockSize(cur)
	}
	return total
}

// CellCount returns the number of cells on this page.
func (p *Page) CellCount() int { return int(binary.BigEndian.Uint16(p.header()[3:5])) }

func (p *Page) setCellCount(n int) {
	binary.BigEndian.PutUint16(p.header()[3:5], uint16(n))
}

// cellContentOffset returns the byte offset (relative to the start of
// this page's physical buffer, i.e. NOT relative to headerOffset) where
// cell content begins. A raw value of 0 represents 65536 per the format.
func (p *Page) cellContentOffset() int {
	raw := int(binary.BigEndian.Uint16(p.header()[5:7]))
	if raw == 0 {
		return 65536
	}
	return raw
}

func (p *Page) setCellContentOffset(off int) {
	if off == 65536 {
		binary.BigEndian.PutUint16(p.header()[5:7], 0)
		return
	}
	binary.BigEndian.PutUint16(p.header()[5:7], uint16(off))
}

// FragmentedFreeBytes returns the count of fragmented free bytes within
// the cell content area (gaps smaller than 4 bytes, too small to track
// as a freeblock).
func (p *Page) FragmentedFreeBytes() int { return int(p.header()[7]) }

func (p *Page) setFragmentedFreeBytes(n int) { p.header()[7] = byte(n) }

// RightChild returns the right-most child pointer of an interior page.
func (p *Page) RightChild() uint32 {
	return binary.BigEndian.Uint32(p.header()[8:12])
}

// SetRightChild sets the right-most child pointer of an interior page.
func (p *Page) SetRightChild(pageNumber uint32) {
	binary.BigEndian.PutUint32(p.header()[8:12], pageNumber)
}

func (p *Page) cellPointerArrayOffset() int {
	return p.headerOffset + p.headerSize()
}

// cellPointer returns the absolute page offset stored at slot i of the
// cell pointer array.
func (p *Page) cellPointer(i int) int {
	off := p.cellPointerArrayOffset() + 2*i
	return int(binary.BigEndian.Uint16(p.buf[off : off+2]))
}

func (p *Page) setCellPointer(i, value int) {
	off := p.cellPointerArrayOffset() + 2*i
	binary.BigEndian.PutUint16(p.buf[off:off+2], uint16(value))
}

// CellBytes returns the raw bytes of cell i, from its pointer to the end
// of usable page space (callers parse only as much as the cell variant
// needs; this is a generous upper bound, not the exact cell length).
func (p *Page) CellBytes(i int) []byte {
	off := p.cellPointer(i)
	end := p.usablePageSize
	return p.buf[off:end]
}

// Bytes returns the full physical page buffer.
func (p *Page) Bytes() []byte { return p.buf }

// tailGap returns the number of contiguous bytes available between the
// end of the cell pointer array and the start of cell content. Only this
// gap can ever hold a new pointer-array slot, since the pointer array must
// stay contiguous with the page header; cell content itself may also come
// from a freeblock (see takeFreeblock).
func (p *Page) tailGap() int {
	pointerArrayEnd := p.cellPointerArrayOffset() + 2*p.CellCount()
	return p.cellContentOffset() - pointerArrayEnd
}

// freeSpace returns the total bytes available for a new cell's content —
// the contiguous tail gap plus whatever the freeblock chain holds (spec.md
// §4.6). Fragmented bytes (gaps under 4 bytes, recorded only via
// FragmentedFreeBytes) are too small to ever host a freeblock and are not
// counted here.
func (p *Page) freeSpace() int {
	return p.tailGap() + p.freeblockBytes()
}

// CanFit reports whether a new cell of cellSize bytes fits without a
// split: its content must come from the tail gap or a freeblock, and its
// new pointer-array slot always needs 2 bytes of tail gap regardless of
// which one supplies the content bytes.
func (p *Page) CanFit(cellSize int) bool {
	tail := p.tailGap()
	if tail >= cellSize+2 {
		return true
	}
	if tail < 2 {
		return false
	}
	_, found := p.bestFreeblockFit(cellSize)
	return found
}

// bestFreeblockFit reports whether a freeblock large enough for cellSize
// exists, without mutating the chain (used by CanFit to check before
// takeFreeblock actually consumes one during AppendCellAt).
func (p *Page) bestFreeblockFit(cellSize int) (int, bool) {
	for cur := p.FirstFreeblock(); cur != 0; cur = p.freeblockNext(cur) {
		if p.freeblockSize(cur) >= cellSize {
			return cur, true
		}
	}
	return 0, false
}

// AppendCellAt writes cellBytes into the cell-content area — from the
// contiguous tail gap if it alone fits the cell, otherwise from the first
// freeblock big enough to hold it — and inserts a pointer for it at
// pointer-array slot index, shifting later slots right. The caller must
// have already verified CanFit.
func (p *Page) AppendCellAt(index int, cellBytes []byte) error {
	cellSize := len(cellBytes)
	if !p.CanFit(cellSize) {
		return fmt.Errorf("%w: no room for %d-byte cell", ErrCorruptPage, cellSize)
	}
	tail := p.tailGap()
	var contentOff int
	if tail >= cellSize+2 {
		contentOff = p.cellContentOffset() - cellSize
		p.setCellContentOffset(contentOff)
	} else {
		off, ok := p.takeFreeblock(cellSize)
		if !ok {
			return fmt.Errorf("%w: no room for %d-byte cell", ErrCorruptPage, cellSize)
		}
		contentOff = off
	}
	copy(p.buf[contentOff:contentOff+cellSize], cellBytes)

	n := p.CellCount()
	for i := n; i > index; i-- {
		p.setCellPointer(i, p.cellPointer(i-1))
	}
	p.setCellPointer(index, contentOff)
	p.setCellCount(n + 1)
	return nil
}

// RemoveCellAt deletes the cell at pointer-array slot index, shifting
// later slots left. Gaps under 4 bytes are too small to track as a
// freeblock and are counted in FragmentedFreeBytes instead; gaps of 4
// bytes or more are coalesced into the page's freeblock chain so a later
// insert on this same page can reuse them (spec.md §4.6).
func (p *Page) RemoveCellAt(index int, cellSize int) {
	off := p.cellPointer(index)
	n := p.CellCount()
	for i := index; i < n-1; i++ {
		p.setCellPointer(i, p.cellPointer(i+1))
	}
	p.setCellCount(n - 1)
	if cellSize < 4 {
		p.setFragmentedFreeBytes(p.FragmentedFreeBytes() + cellSize)
		return
	}
	p.addFreeblock(off, cellSize)
}
