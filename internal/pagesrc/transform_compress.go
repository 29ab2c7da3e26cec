package pagesrc

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// CompressTransform is an optional PageTransform that stores the usable
// portion of each page (everything but the trailing reservedBytes) as an
// s2-compressed block. The reservedBytes trailer — the same region the
// SQLite header's "reserved bytes per page" field carves out of the
// usable page size — holds a 4-byte big-endian compressed length; a
// length of 0 means the page did not compress smaller than its usable
// size and was stored raw. Sized so a full incompressible page always
// fits: s2's worst-case expansion is bounded, and reservedBytes must be
// configured large enough to hold it (s2.MaxEncodedLen overhead) or the
// transform falls back to raw storage for that page.
type CompressTransform struct {
	ReservedBytes int
}

func (c CompressTransform) usable(pageSize int) int { return pageSize - c.ReservedBytes }

func (c CompressTransform) TransformWrite(src, dst []byte, _ uint32) error {
	if len(src) != len(dst) {
		return fmt.Errorf("pagesrc: compress transform size mismatch")
	}
	u := c.usable(len(dst))
	if c.ReservedBytes < 4 {
		return fmt.Errorf("pagesrc: compress transform needs at least 4 reserved bytes, got %d", c.ReservedBytes)
	}
	compressed := s2.Encode(nil, src[:u])
	trailer := dst[u:]
	if len(compressed) < u {
		binary.BigEndian.PutUint32(trailer[:4], uint32(len(compressed)))
		copy(dst[:len(compressed)], compressed)
		// Zero any stale bytes between the compressed payload and the trailer.
		for i := len(compressed); i < u; i++ {
			dst[i] = 0
		}
		return nil
	}
	// Raw fallback: length 0 signals "usable bytes are stored verbatim".
	binary.BigEndian.PutUint32(trailer[:4], 0)
	copy(dst[:u], src[:u])
	return nil
}

func (c CompressTransform) TransformRead(src, dst []byte, _ uint32) error {
	if len(src) != len(dst) {
		return fmt.Errorf("pagesrc: compress transform size mismatch")
	}
	u := c.usable(len(src))
	trailer := src[u:]
	n := binary.BigEndian.Uint32(trailer[:4])
	copy(dst[u:], trailer)
	if n == 0 {
		copy(dst[:u], src[:u])
		return nil
	}
	if int(n) > u {
		return fmt.Errorf("pagesrc: corrupt compressed page (length %d exceeds usable size %d)", n, u)
	}
	decoded, err := s2.Decode(nil, src[:n])
	if err != nil {
		return fmt.Errorf("pagesrc: s2 decode: %w", err)
	}
	copy(dst[:u], decoded)
	return nil
}
