package cell

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow chains
// ───────────────────────────────────────────────────────────────────────────
//
// Each overflow page begins with a 4-byte big-endian "next page" pointer
// (0 terminates the chain) followed by up to usablePageSize-4 payload
// bytes (spec.md §3, §4.6).

// OverflowCapacity returns the payload capacity of one overflow page.
func OverflowCapacity(usablePageSize int) int { return usablePageSize - 4 }

// PageGetter reads a page by number.
type PageGetter func(pageNumber uint32) ([]byte, error)

// PageAllocWriter allocates new pages and stores their contents: Allocate
// returns the number of a fresh page, and Write stores a full page buffer
// under that number.
type PageAllocWriter interface {
	Allocate() (uint32, error)
	Write(pageNumber uint32, buf []byte) error
}

// ReadChain assembles the full overflow payload starting at headPage,
// reading totalLen bytes. It tracks visited page numbers and fails with
// an error identifying a revisited page (spec.md I4's cycle detection)
// rather than looping forever.
func ReadChain(get PageGetter, headPage uint32, totalLen, usablePageSize int) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	visited := make(map[uint32]struct{})
	pageNum := headPage
	capacity := OverflowCapacity(usablePageSize)
	for len(out) < totalLen {
		if pageNum == 0 {
			return nil, fmt.Errorf("%w: overflow chain ended early (%d of %d bytes)", ErrCorruptChain, len(out), totalLen)
		}
		if _, seen := visited[pageNum]; seen {
			return nil, fmt.Errorf("%w: cycle at overflow page %d", ErrCorruptChain, pageNum)
		}
		visited[pageNum] = struct{}{}

		buf, err := get(pageNum)
		if err != nil {
			return nil, err
		}
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: overflow page %d shorter than header", ErrCorruptChain, pageNum)
		}
		next := binary.BigEndian.Uint32(buf[0:4])
		remaining := totalLen - len(out)
		take := capacity
		if take > remaining {
			take = remaining
		}
		if 4+take > len(buf) {
			return nil, fmt.Errorf("%w: overflow page %d shorter than expected payload", ErrCorruptChain, pageNum)
		}
		out = append(out, buf[4:4+take]...)
		pageNum = next
	}
	return out, nil
}

// ChainPageNumbers walks an overflow chain the same way ReadChain does,
// but collects page numbers instead of payload bytes — used by a delete to
// free every page in a cell's overflow chain (spec.md §4.6).
func ChainPageNumbers(get PageGetter, headPage uint32, totalLen, usablePageSize int) ([]uint32, error) {
	var pages []uint32
	visited := make(map[uint32]struct{})
	pageNum := headPage
	capacity := OverflowCapacity(usablePageSize)
	read := 0
	for read < totalLen {
		if pageNum == 0 {
			return nil, fmt.Errorf("%w: overflow chain ended early (%d of %d bytes)", ErrCorruptChain, read, totalLen)
		}
		if _, seen := visited[pageNum]; seen {
			return nil, fmt.Errorf("%w: cycle at overflow page %d", ErrCorruptChain, pageNum)
		}
		visited[pageNum] = struct{}{}
		pages = append(pages, pageNum)

		buf, err := get(pageNum)
		if err != nil {
			return nil, err
		}
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: overflow page %d shorter than header", ErrCorruptChain, pageNum)
		}
		next := binary.BigEndian.Uint32(buf[0:4])
		remaining := totalLen - read
		take := capacity
		if take > remaining {
			take = remaining
		}
		read += take
		pageNum = next
	}
	return pages, nil
}

// WriteChain spills data across a freshly allocated chain of overflow
// pages and returns the head page number. pageSize is the full physical
// page size the underlying page source requires per write; only the
// leading usablePageSize bytes of each overflow page carry chain header
// and payload, matching every other page's reserved-bytes trailer.
func WriteChain(pw PageAllocWriter, data []byte, pageSize, usablePageSize int) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	capacity := OverflowCapacity(usablePageSize)

	type pending struct {
		pageNumber uint32
		start, end int
	}
	var pages []pending
	for off := 0; off < len(data); off += capacity {
		end := off + capacity
		if end > len(data) {
			end = len(data)
		}
		n, err := pw.Allocate()
		if err != nil {
			return 0, fmt.Errorf("overflow: allocate page: %w", err)
		}
		pages = append(pages, pending{pageNumber: n, start: off, end: end})
	}

	for i, p := range pages {
		buf := make([]byte, pageSize)
		var next uint32
		if i+1 < len(pages) {
			next = pages[i+1].pageNumber
		}
		binary.BigEndian.PutUint32(buf[0:4], next)
		copy(buf[4:], data[p.start:p.end])
		if err := pw.Write(p.pageNumber, buf); err != nil {
			return 0, fmt.Errorf("overflow: write page %d: %w", p.pageNumber, err)
		}
	}
	return pages[0].pageNumber, nil
}

// ErrCorruptChain is returned when an overflow chain is malformed: it
// ends before the expected payload length, or revisits a page number.
var ErrCorruptChain = fmt.Errorf("cell: corrupt overflow chain")
