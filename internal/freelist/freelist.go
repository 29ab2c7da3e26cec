// Package freelist implements the SQLite trunk/leaf free-page list (spec.md
// §4.6: delete "frees overflow pages to the freelist"). It reads and writes
// page 1's FirstFreelistTrunk/FreelistPageCount fields directly by byte
// offset rather than through internal/format's Header type, because format
// itself imports internal/btree (to scan sqlite_schema) and internal/btree
// is this package's only caller — going through format.Header here would
// close an import cycle.
package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/sharclabs/sharc/internal/pagesrc"
)

// Byte offsets of the freelist fields within page 1's 100-byte header.
const (
	firstTrunkOffset = 32
	pageCountOffset  = 36
)

// A trunk page holds [nextTrunk:u32 BE][leafCount:u32 BE] followed by up
// to maxLeavesPerTrunk leaf page numbers, each 4 bytes.
func maxLeavesPerTrunk(usablePageSize int) int {
	return (usablePageSize - 8) / 4
}

// Push returns pageNumber to the freelist, appending it to the current
// trunk's leaf array when there is room, or turning pageNumber itself into
// a new trunk chained to the old one otherwise.
func Push(src pagesrc.WritablePageSource, usablePageSize int, pageNumber uint32) error {
	page1, firstTrunk, count, err := readHeader(src)
	if err != nil {
		return err
	}

	if firstTrunk != 0 {
		trunkBuf, err := src.GetPage(firstTrunk)
		if err != nil {
			return fmt.Errorf("freelist: read trunk %d: %w", firstTrunk, err)
		}
		tbuf := make([]byte, len(trunkBuf))
		copy(tbuf, trunkBuf)
		leafCount := binary.BigEndian.Uint32(tbuf[4:8])
		if int(leafCount) < maxLeavesPerTrunk(usablePageSize) {
			off := 8 + 4*leafCount
			binary.BigEndian.PutUint32(tbuf[off:off+4], pageNumber)
			binary.BigEndian.PutUint32(tbuf[4:8], leafCount+1)
			if err := src.WritePage(firstTrunk, tbuf); err != nil {
				return err
			}
			return writeCount(src, page1, firstTrunk, count+1)
		}
	}

	// No trunk yet, or the current trunk's leaf array is full: pageNumber
	// becomes the new first trunk, chained to the old one.
	trunkBuf := make([]byte, src.PageSize())
	binary.BigEndian.PutUint32(trunkBuf[0:4], firstTrunk)
	binary.BigEndian.PutUint32(trunkBuf[4:8], 0)
	if err := src.WritePage(pageNumber, trunkBuf); err != nil {
		return err
	}
	return writeCount(src, page1, pageNumber, count+1)
}

// Pop removes and returns a page from the freelist, or ok=false if the
// freelist is empty, the caller's cue to grow the file instead.
func Pop(src pagesrc.WritablePageSource, usablePageSize int) (pageNumber uint32, ok bool, err error) {
	page1, firstTrunk, count, err := readHeader(src)
	if err != nil {
		return 0, false, err
	}
	if firstTrunk == 0 {
		return 0, false, nil
	}
	trunkBuf, err := src.GetPage(firstTrunk)
	if err != nil {
		return 0, false, fmt.Errorf("freelist: read trunk %d: %w", firstTrunk, err)
	}
	tbuf := make([]byte, len(trunkBuf))
	copy(tbuf, trunkBuf)
	leafCount := binary.BigEndian.Uint32(tbuf[4:8])

	if leafCount > 0 {
		last := leafCount - 1
		off := 8 + 4*last
		leaf := binary.BigEndian.Uint32(tbuf[off : off+4])
		binary.BigEndian.PutUint32(tbuf[4:8], last)
		if err := src.WritePage(firstTrunk, tbuf); err != nil {
			return 0, false, err
		}
		if err := writeCount(src, page1, firstTrunk, count-1); err != nil {
			return 0, false, err
		}
		return leaf, true, nil
	}

	// The trunk itself carries no leaves: reuse the trunk page and promote
	// its next pointer to be the new first trunk.
	next := binary.BigEndian.Uint32(tbuf[0:4])
	if err := writeCount(src, page1, next, count-1); err != nil {
		return 0, false, err
	}
	return firstTrunk, true, nil
}

func readHeader(src pagesrc.WritablePageSource) (page1 []byte, firstTrunk, count uint32, err error) {
	raw, err := src.GetPage(1)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("freelist: read header page: %w", err)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	firstTrunk = binary.BigEndian.Uint32(buf[firstTrunkOffset : firstTrunkOffset+4])
	count = binary.BigEndian.Uint32(buf[pageCountOffset : pageCountOffset+4])
	return buf, firstTrunk, count, nil
}

func writeCount(src pagesrc.WritablePageSource, page1 []byte, newFirstTrunk, newCount uint32) error {
	binary.BigEndian.PutUint32(page1[firstTrunkOffset:firstTrunkOffset+4], newFirstTrunk)
	binary.BigEndian.PutUint32(page1[pageCountOffset:pageCountOffset+4], newCount)
	return src.WritePage(1, page1)
}
