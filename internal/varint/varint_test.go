package varint

import "testing"

func TestVarint_RoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 2, 127, 128, 129, 16383, 16384, 16385,
		1 << 20, 1 << 27, 1 << 28, 1 << 34, 1 << 41, 1 << 48, 1 << 55,
		1<<63 - 1, 1 << 63, ^uint64(0),
	}
	for _, v := range values {
		buf := make([]byte, MaxLen)
		n := Write(buf, v)
		if n != EncodedLength(v) {
			t.Errorf("Write(%d): wrote %d bytes, EncodedLength says %d", v, n, EncodedLength(v))
		}
		got, read := Read(buf[:n])
		if got != v {
			t.Errorf("Read(Write(%d)) = %d", v, got)
		}
		if read != n {
			t.Errorf("Read(Write(%d)) consumed %d bytes, want %d", v, read, n)
		}
	}
}

func TestVarint_MinimalLength(t *testing.T) {
	// The boundary values around each 7-bit jump must cross exactly at
	// the documented width.
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {127, 1}, {128, 2}, {16383, 2}, {16384, 3},
		{1<<56 - 1, 8}, {1 << 56, 9}, {^uint64(0), 9},
	}
	for _, c := range cases {
		if got := EncodedLength(c.v); got != c.want {
			t.Errorf("EncodedLength(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestVarint_NineByteForm(t *testing.T) {
	v := uint64(0xFFFFFFFFFFFFFFFF)
	buf := make([]byte, MaxLen)
	n := Write(buf, v)
	if n != 9 {
		t.Fatalf("expected 9-byte encoding, got %d", n)
	}
	for i := 0; i < 8; i++ {
		if buf[i]&0x80 == 0 {
			t.Errorf("byte %d should have continuation bit set", i)
		}
	}
	got, read := Read(buf)
	if read != 9 || got != v {
		t.Errorf("Read() = %d, %d bytes; want %d, 9 bytes", got, read, v)
	}
}

func TestIntSerialType_RoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 127, -128, 128, 32767, -32768, 32768,
		1 << 23, -(1 << 23), 1 << 31, -(1 << 31), 1 << 40, -(1 << 40),
		1<<62 - 1, -(1 << 62)}
	for _, v := range values {
		st := IntSerialType(v)
		body := make([]byte, ContentSize(st))
		EncodeInt(st, v, body)
		got, err := DecodeInt(st, body)
		if err != nil {
			t.Fatalf("DecodeInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round-trip %d via serial type %d got %d", v, st, got)
		}
	}
}

func TestContentSize_TextAndBlob(t *testing.T) {
	if ContentSize(TypeNull) != 0 {
		t.Errorf("NULL content size should be 0")
	}
	if ContentSize(TypeZero) != 0 || ContentSize(TypeOne) != 0 {
		t.Errorf("constant serial types should have 0 content size")
	}
	for n := 0; n < 20; n++ {
		bst := BlobSerialType(n)
		if !IsBlob(bst) || ContentSize(bst) != n {
			t.Errorf("blob(%d): serial type %d content size %d", n, bst, ContentSize(bst))
		}
		tst := TextSerialType(n)
		if !IsText(tst) || ContentSize(tst) != n {
			t.Errorf("text(%d): serial type %d content size %d", n, tst, ContentSize(tst))
		}
	}
}
