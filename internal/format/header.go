// Package format implements the 100-byte database header and the
// sqlite_schema table reader that materialises TableInfo/IndexInfo/
// ViewInfo by scanning page 1.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of the database header at the start of
// page 1.
const HeaderSize = 100

// Magic is the fixed header string identifying the on-disk format.
const Magic = "SQLite format 3\x00"

// Text encoding values stored at header offset 56.
const (
	TextEncodingUTF8    = 1
	TextEncodingUTF16LE = 2
	TextEncodingUTF16BE = 3
)

// Sentinel errors signalled while parsing a database header or schema,
// named per spec.md §6.
var (
	ErrBadMagic            = errors.New("sharc: bad magic string")
	ErrUnsupportedPageSize = errors.New("sharc: unsupported page size")
	ErrCorruptPage         = errors.New("sharc: corrupt page")
)

// Header mirrors the 100-byte SQLite format-3 file header.
type Header struct {
	PageSize            uint32 // byte 16-17; 1 represents 65536
	WriteVersion        uint8
	ReadVersion         uint8
	ReservedBytesPerPage uint8
	MaxEmbeddedPayload  uint8 // always 64
	MinEmbeddedPayload  uint8 // always 32
	LeafPayloadFraction uint8 // always 32
	FileChangeCounter   uint32
	PageCount           uint32
	FirstFreelistTrunk  uint32
	FreelistPageCount   uint32
	SchemaCookie        uint32
	SchemaFormat        uint32 // 1-4
	DefaultCacheSize    uint32
	LargestRootBTree    uint32
	TextEncoding        uint32 // 1=UTF-8, 2=UTF-16LE, 3=UTF-16BE
	UserVersion         uint32
	IncrementalVacuum   uint32
	ApplicationID       uint32
	VersionValidFor     uint32
	SQLiteVersionNumber uint32
}

// UsablePageSize is pageSize - reservedBytesPerPage, the effective
// capacity for cell storage (spec.md §3).
func (h *Header) UsablePageSize() int {
	return int(h.PageSize) - int(h.ReservedBytesPerPage)
}

// NewHeader builds a default header for a freshly created database of the
// given page size.
func NewHeader(pageSize int) *Header {
	return &Header{
		PageSize:            uint32(pageSize),
		WriteVersion:        1,
		ReadVersion:         1,
		MaxEmbeddedPayload:  64,
		MinEmbeddedPayload:  32,
		LeafPayloadFraction: 32,
		PageCount:           1,
		SchemaFormat:        4,
		DefaultCacheSize:    0,
		TextEncoding:        TextEncodingUTF8,
		SQLiteVersionNumber: 3045000,
	}
}

// Parse decodes a Header from the first HeaderSize bytes of page 1.
func Parse(page1 []byte) (*Header, error) {
	if len(page1) < HeaderSize {
		return nil, fmt.Errorf("%w: page 1 shorter than header", ErrCorruptPage)
	}
	if string(page1[0:16]) != Magic {
		return nil, ErrBadMagic
	}
	h := &Header{}
	rawPS := binary.BigEndian.Uint16(page1[16:18])
	switch {
	case rawPS == 1:
		h.PageSize = 65536
	case rawPS >= 512 && rawPS&(rawPS-1) == 0:
		h.PageSize = uint32(rawPS)
	default:
		return nil, fmt.Errorf("%w: raw page size field %d", ErrUnsupportedPageSize, rawPS)
	}
	h.WriteVersion = page1[18]
	h.ReadVersion = page1[19]
	h.ReservedBytesPerPage = page1[20]
	h.MaxEmbeddedPayload = page1[21]
	h.MinEmbeddedPayload = page1[22]
	h.LeafPayloadFraction = page1[23]
	h.FileChangeCounter = binary.BigEndian.Uint32(page1[24:28])
	h.PageCount = binary.BigEndian.Uint32(page1[28:32])
	h.FirstFreelistTrunk = binary.BigEndian.Uint32(page1[32:36])
	h.FreelistPageCount = binary.BigEndian.Uint32(page1[36:40])
	h.SchemaCookie = binary.BigEndian.Uint32(page1[40:44])
	h.SchemaFormat = binary.BigEndian.Uint32(page1[44:48])
	h.DefaultCacheSize = binary.BigEndian.Uint32(page1[48:52])
	h.LargestRootBTree = binary.BigEndian.Uint32(page1[52:56])
	h.TextEncoding = binary.BigEndian.Uint32(page1[56:60])
	h.UserVersion = binary.BigEndian.Uint32(page1[60:64])
	h.IncrementalVacuum = binary.BigEndian.Uint32(page1[64:68])
	h.ApplicationID = binary.BigEndian.Uint32(page1[68:72])
	h.VersionValidFor = binary.BigEndian.Uint32(page1[92:96])
	h.SQLiteVersionNumber = binary.BigEndian.Uint32(page1[96:100])

	if h.SchemaFormat < 1 || h.SchemaFormat > 4 {
		return nil, fmt.Errorf("%w: schema format %d", ErrCorruptPage, h.SchemaFormat)
	}
	return h, nil
}

// Write encodes h into the first HeaderSize bytes of page1.
func (h *Header) Write(page1 []byte) {
	copy(page1[0:16], Magic)
	if h.PageSize == 65536 {
		binary.BigEndian.PutUint16(page1[16:18], 1)
	} else {
		binary.BigEndian.PutUint16(page1[16:18], uint16(h.PageSize))
	}
	page1[18] = h.WriteVersion
	page1[19] = h.ReadVersion
	page1[20] = h.ReservedBytesPerPage
	page1[21] = h.MaxEmbeddedPayload
	page1[22] = h.MinEmbeddedPayload
	page1[23] = h.LeafPayloadFraction
	binary.BigEndian.PutUint32(page1[24:28], h.FileChangeCounter)
	binary.BigEndian.PutUint32(page1[28:32], h.PageCount)
	binary.BigEndian.PutUint32(page1[32:36], h.FirstFreelistTrunk)
	binary.BigEndian.PutUint32(page1[36:40], h.FreelistPageCount)
	binary.BigEndian.PutUint32(page1[40:44], h.SchemaCookie)
	binary.BigEndian.PutUint32(page1[44:48], h.SchemaFormat)
	binary.BigEndian.PutUint32(page1[48:52], h.DefaultCacheSize)
	binary.BigEndian.PutUint32(page1[52:56], h.LargestRootBTree)
	binary.BigEndian.PutUint32(page1[56:60], h.TextEncoding)
	binary.BigEndian.PutUint32(page1[60:64], h.UserVersion)
	binary.BigEndian.PutUint32(page1[64:68], h.IncrementalVacuum)
	binary.BigEndian.PutUint32(page1[68:72], h.ApplicationID)
	binary.BigEndian.PutUint32(page1[92:96], h.VersionValidFor)
	binary.BigEndian.PutUint32(page1[96:100], h.SQLiteVersionNumber)
}
