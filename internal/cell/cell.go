// Package cell implements the four SQLite B-tree cell variants and the
// inline-vs-overflow payload split computation (spec.md §4.4).
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/sharclabs/sharc/internal/varint"
)

// Split describes how a payload of a given size divides between inline
// bytes on the home page and bytes spilled to an overflow chain.
type Split struct {
	Inline   int // bytes stored inline on the cell's home page
	Overflow int // bytes stored in the overflow chain (P - Inline)
}

// thresholds holds the M/X constants for one cell kind.
type thresholds struct {
	M, X int
}

// TableThresholds computes M and X for table cells on a page with usable
// size U, per spec.md §3: M = ((U-12)*32/255) - 23, X = U - 35.
func TableThresholds(usablePageSize int) (m, x int) {
	u := usablePageSize
	m = (u-12)*32/255 - 23
	x = u - 35
	return m, x
}

// IndexThresholds computes M and X for index cells on a page with usable
// size U: M = ((U-12)*32/255) - 23, X = ((U-12)*64/255) - 23.
func IndexThresholds(usablePageSize int) (m, x int) {
	u := usablePageSize
	m = (u-12)*32/255 - 23
	x = (u-12)*64/255 - 23
	return m, x
}

// SplitTablePayload computes the inline/overflow split for a payload of
// size P on a table B-tree page with usable size U.
func SplitTablePayload(payloadSize, usablePageSize int) Split {
	m, x := TableThresholds(usablePageSize)
	return split(payloadSize, usablePageSize, m, x)
}

// SplitIndexPayload computes the inline/overflow split for a payload of
// size P on an index B-tree page with usable size U.
func SplitIndexPayload(payloadSize, usablePageSize int) Split {
	m, x := IndexThresholds(usablePageSize)
	return split(payloadSize, usablePageSize, m, x)
}

// split implements spec.md §3's exact formula:
//
//	K = M + (P - M) mod (U - 4)
//	inline = P            if P <= X
//	       = K            if K <= X
//	       = M            otherwise
func split(p, u, m, x int) Split {
	if p <= x {
		return Split{Inline: p, Overflow: 0}
	}
	mod := u - 4
	k := m + mod2(p-m, mod)
	inline := m
	if k <= x {
		inline = k
	}
	return Split{Inline: inline, Overflow: p - inline}
}

// mod2 computes a mod b for a that may be negative-leaning per the spec's
// arithmetic (P is always >= M once P > X in practice, but guard anyway).
func mod2(a, b int) int {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

// ───────────────────────────────────────────────────────────────────────────
// Table leaf cell: [payloadSize:varint][rowId:varint][inline-payload][overflowPage?:u32 BE]
// ───────────────────────────────────────────────────────────────────────────

// TableLeaf is a parsed table-leaf cell.
type TableLeaf struct {
	PayloadSize  int64
	RowID        int64
	Inline       []byte // slice into the page, inline payload bytes only
	OverflowPage uint32 // 0 if no overflow
	Size         int    // total bytes the cell occupies on the page
}

// ParseTableLeaf parses a table-leaf cell starting at buf[0].
func ParseTableLeaf(buf []byte, usablePageSize int) (TableLeaf, error) {
	ps, n1 := varint.Read(buf)
	if n1 == 0 {
		return TableLeaf{}, fmt.Errorf("cell: corrupt payload-size varint")
	}
	rowID, n2 := varint.Read(buf[n1:])
	if n2 == 0 {
		return TableLeaf{}, fmt.Errorf("cell: corrupt rowid varint")
	}
	off := n1 + n2
	sp := SplitTablePayload(int(ps), usablePageSize)
	if off+sp.Inline > len(buf) {
		return TableLeaf{}, fmt.Errorf("cell: inline payload exceeds buffer")
	}
	c := TableLeaf{PayloadSize: int64(ps), RowID: int64(rowID), Inline: buf[off : off+sp.Inline]}
	off += sp.Inline
	if sp.Overflow > 0 {
		if off+4 > len(buf) {
			return TableLeaf{}, fmt.Errorf("cell: missing overflow page pointer")
		}
		c.OverflowPage = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	c.Size = off
	return c, nil
}

// BuildTableLeaf writes a table-leaf cell into dst and returns the number
// of bytes written. If the payload overflows, the overflow-page slot is
// written as 0; the mutator fills it in after allocating the chain.
func BuildTableLeaf(dst []byte, rowID int64, payload []byte, usablePageSize int) int {
	sp := SplitTablePayload(len(payload), usablePageSize)
	off := varint.Write(dst, uint64(len(payload)))
	off += varint.WriteInt64(dst[off:], rowID)
	off += copy(dst[off:], payload[:sp.Inline])
	if sp.Overflow > 0 {
		binary.BigEndian.PutUint32(dst[off:off+4], 0)
		off += 4
	}
	return off
}

// ComputeTableLeafCellSize returns the exact byte count BuildTableLeaf
// would write, so the mutator can space-check before mutating.
func ComputeTableLeafCellSize(rowID int64, payloadSize, usablePageSize int) int {
	sp := SplitTablePayload(payloadSize, usablePageSize)
	n := varint.EncodedLength(uint64(payloadSize)) + varint.EncodedLength(uint64(rowID)) + sp.Inline
	if sp.Overflow > 0 {
		n += 4
	}
	return n
}

// ───────────────────────────────────────────────────────────────────────────
// Table interior cell: [leftChild:u32 BE][rowId:varint]
// ───────────────────────────────────────────────────────────────────────────

// TableInterior is a parsed table-interior cell.
type TableInterior struct {
	LeftChild uint32
	RowID     int64
	Size      int
}

// ParseTableInterior parses a table-interior cell starting at buf[0].
func ParseTableInterior(buf []byte) (TableInterior, error) {
	if len(buf) < 4 {
		return TableInterior{}, fmt.Errorf("cell: short table-interior cell")
	}
	leftChild := binary.BigEndian.Uint32(buf[0:4])
	rowID, n := varint.Read(buf[4:])
	if n == 0 {
		return TableInterior{}, fmt.Errorf("cell: corrupt rowid varint")
	}
	return TableInterior{LeftChild: leftChild, RowID: int64(rowID), Size: 4 + n}, nil
}

// BuildTableInterior writes a table-interior cell into dst.
func BuildTableInterior(dst []byte, leftChild uint32, rowID int64) int {
	binary.BigEndian.PutUint32(dst[0:4], leftChild)
	return 4 + varint.WriteInt64(dst[4:], rowID)
}

// ComputeTableInteriorCellSize returns the byte count BuildTableInterior
// would write.
func ComputeTableInteriorCellSize(rowID int64) int {
	return 4 + varint.EncodedLength(uint64(rowID))
}

// ───────────────────────────────────────────────────────────────────────────
// Index leaf cell: [payloadSize:varint][inline-payload][overflowPage?:u32 BE]
// ───────────────────────────────────────────────────────────────────────────

// IndexLeaf is a parsed index-leaf cell.
type IndexLeaf struct {
	PayloadSize  int64
	Inline       []byte
	OverflowPage uint32
	Size         int
}

// ParseIndexLeaf parses an index-leaf cell starting at buf[0].
func ParseIndexLeaf(buf []byte, usablePageSize int) (IndexLeaf, error) {
	ps, n1 := varint.Read(buf)
	if n1 == 0 {
		return IndexLeaf{}, fmt.Errorf("cell: corrupt payload-size varint")
	}
	off := n1
	sp := SplitIndexPayload(int(ps), usablePageSize)
	if off+sp.Inline > len(buf) {
		return IndexLeaf{}, fmt.Errorf("cell: inline payload exceeds buffer")
	}
	c := IndexLeaf{PayloadSize: int64(ps), Inline: buf[off : off+sp.Inline]}
	off += sp.Inline
	if sp.Overflow > 0 {
		if off+4 > len(buf) {
			return IndexLeaf{}, fmt.Errorf("cell: missing overflow page pointer")
		}
		c.OverflowPage = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	c.Size = off
	return c, nil
}

// BuildIndexLeaf writes an index-leaf cell into dst and returns the
// number of bytes written.
func BuildIndexLeaf(dst []byte, payload []byte, usablePageSize int) int {
	sp := SplitIndexPayload(len(payload), usablePageSize)
	off := varint.Write(dst, uint64(len(payload)))
	off += copy(dst[off:], payload[:sp.Inline])
	if sp.Overflow > 0 {
		binary.BigEndian.PutUint32(dst[off:off+4], 0)
		off += 4
	}
	return off
}

// ComputeIndexLeafCellSize returns the byte count BuildIndexLeaf would write.
func ComputeIndexLeafCellSize(payloadSize, usablePageSize int) int {
	sp := SplitIndexPayload(payloadSize, usablePageSize)
	n := varint.EncodedLength(uint64(payloadSize)) + sp.Inline
	if sp.Overflow > 0 {
		n += 4
	}
	return n
}

// ───────────────────────────────────────────────────────────────────────────
// Index interior cell: [leftChild:u32 BE][payloadSize:varint][inline-payload][overflowPage?:u32 BE]
// ───────────────────────────────────────────────────────────────────────────

// IndexInterior is a parsed index-interior cell.
type IndexInterior struct {
	LeftChild    uint32
	PayloadSize  int64
	Inline       []byte
	OverflowPage uint32
	Size         int
}

// ParseIndexInterior parses an index-interior cell starting at buf[0].
func ParseIndexInterior(buf []byte, usablePageSize int) (IndexInterior, error) {
	if len(buf) < 4 {
		return IndexInterior{}, fmt.Errorf("cell: short index-interior cell")
	}
	leftChild := binary.BigEndian.Uint32(buf[0:4])
	ps, n1 := varint.Read(buf[4:])
	if n1 == 0 {
		return IndexInterior{}, fmt.Errorf("cell: corrupt payload-size varint")
	}
	off := 4 + n1
	sp := SplitIndexPayload(int(ps), usablePageSize)
	if off+sp.Inline > len(buf) {
		return IndexInterior{}, fmt.Errorf("cell: inline payload exceeds buffer")
	}
	c := IndexInterior{LeftChild: leftChild, PayloadSize: int64(ps), Inline: buf[off : off+sp.Inline]}
	off += sp.Inline
	if sp.Overflow > 0 {
		if off+4 > len(buf) {
			return IndexInterior{}, fmt.Errorf("cell: missing overflow page pointer")
		}
		c.OverflowPage = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	c.Size = off
	return c, nil
}

// BuildIndexInterior writes an index-interior cell into dst.
func BuildIndexInterior(dst []byte, leftChild uint32, payload []byte, usablePageSize int) int {
	binary.BigEndian.PutUint32(dst[0:4], leftChild)
	sp := SplitIndexPayload(len(payload), usablePageSize)
	off := 4
	off += varint.Write(dst[off:], uint64(len(payload)))
	off += copy(dst[off:], payload[:sp.Inline])
	if sp.Overflow > 0 {
		binary.BigEndian.PutUint32(dst[off:off+4], 0)
		off += 4
	}
	return off
}

// ComputeIndexInteriorCellSize returns the byte count BuildIndexInterior
// would write.
func ComputeIndexInteriorCellSize(payloadSize, usablePageSize int) int {
	sp := SplitIndexPayload(payloadSize, usablePageSize)
	n := 4 + varint.EncodedLength(uint64(payloadSize)) + sp.Inline
	if sp.Overflow > 0 {
		n += 4
	}
	return n
}
