package cell

import "testing"

func TestSplit_InlineEqualsPayloadBelowThreshold(t *testing.T) {
	for _, u := range []int{512, 1024, 4096, 65536} {
		_, x := TableThresholds(u)
		for _, p := range []int{0, 1, x - 1, x} {
			if p < 0 {
				continue
			}
			sp := SplitTablePayload(p, u)
			if sp.Inline != p {
				t.Errorf("u=%d p=%d: inline=%d, want %d (P<=X)", u, p, sp.Inline, p)
			}
			if sp.Overflow != 0 {
				t.Errorf("u=%d p=%d: expected no overflow, got %d", u, p, sp.Overflow)
			}
		}
	}
}

func TestSplit_InlineRangeInvariant(t *testing.T) {
	for _, u := range []int{512, 1024, 4096, 65536} {
		for p := 0; p <= 100000; p += 997 {
			sp := SplitTablePayload(p, u)
			if sp.Inline < 0 || sp.Inline > p {
				t.Fatalf("u=%d p=%d: inline=%d out of [0,P]", u, p, sp.Inline)
			}
			if sp.Inline+sp.Overflow != p {
				t.Fatalf("u=%d p=%d: inline+overflow=%d != P", u, p, sp.Inline+sp.Overflow)
			}
		}
	}
}

func TestSplit_AboveThresholdUsesOverflow(t *testing.T) {
	u := 4096
	_, x := TableThresholds(u)
	sp := SplitTablePayload(x+1000, u)
	if sp.Inline == x+1000 {
		t.Fatalf("expected overflow for payload above X, got fully inline")
	}
	if sp.Overflow == 0 {
		t.Fatalf("expected non-zero overflow bytes")
	}
}

func TestTableLeafCell_RoundTrip(t *testing.T) {
	u := 4096
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, u)
	n := BuildTableLeaf(buf, 42, payload, u)
	want := ComputeTableLeafCellSize(42, len(payload), u)
	if n != want {
		t.Fatalf("BuildTableLeaf wrote %d bytes, ComputeTableLeafCellSize says %d", n, want)
	}
	parsed, err := ParseTableLeaf(buf, u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.RowID != 42 || parsed.PayloadSize != int64(len(payload)) {
		t.Fatalf("got rowid=%d payloadSize=%d", parsed.RowID, parsed.PayloadSize)
	}
	if string(parsed.Inline) != string(payload) {
		t.Fatalf("inline payload mismatch")
	}
	if parsed.OverflowPage != 0 {
		t.Fatalf("expected no overflow for small payload")
	}
}

func TestTableLeafCell_OverflowRoundTrip(t *testing.T) {
	u := 4096
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	buf := make([]byte, u)
	BuildTableLeaf(buf, 1, payload, u)
	parsed, err := ParseTableLeaf(buf, u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.OverflowPage != 0 {
		t.Fatalf("overflow page should be unfilled (0) until mutator allocates it")
	}
	if len(parsed.Inline)+int(parsed.PayloadSize)-len(parsed.Inline) != len(payload) {
		t.Fatalf("inline/overflow split does not sum to payload length")
	}
}

func TestTableInteriorCell_RoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n := BuildTableInterior(buf, 7, 99999)
	want := ComputeTableInteriorCellSize(99999)
	if n != want {
		t.Fatalf("wrote %d, want %d", n, want)
	}
	parsed, err := ParseTableInterior(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.LeftChild != 7 || parsed.RowID != 99999 {
		t.Fatalf("got leftChild=%d rowid=%d", parsed.LeftChild, parsed.RowID)
	}
}

func TestIndexLeafCell_RoundTrip(t *testing.T) {
	u := 4096
	payload := []byte("indexed-key-bytes")
	buf := make([]byte, u)
	n := BuildIndexLeaf(buf, payload, u)
	want := ComputeIndexLeafCellSize(len(payload), u)
	if n != want {
		t.Fatalf("wrote %d, want %d", n, want)
	}
	parsed, err := ParseIndexLeaf(buf, u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(parsed.Inline) != string(payload) {
		t.Fatalf("mismatch: got %q", parsed.Inline)
	}
}

func TestIndexInteriorCell_RoundTrip(t *testing.T) {
	u := 4096
	payload := []byte("sep")
	buf := make([]byte, u)
	n := BuildIndexInterior(buf, 3, payload, u)
	want := ComputeIndexInteriorCellSize(len(payload), u)
	if n != want {
		t.Fatalf("wrote %d, want %d", n, want)
	}
	parsed, err := ParseIndexInterior(buf, u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.LeftChild != 3 || string(parsed.Inline) != string(payload) {
		t.Fatalf("mismatch: leftChild=%d inline=%q", parsed.LeftChild, parsed.Inline)
	}
}

func TestOverflowChain_RoundTrip(t *testing.T) {
	pageSize := 512
	usable := pageSize
	pages := map[uint32][]byte{}
	var next uint32 = 1
	pw := &fakePageWriter{pages: pages, nextID: &next}

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	head, err := WriteChain(pw, data, pageSize, usable)
	if err != nil {
		t.Fatalf("WriteChain: %v", err)
	}
	got, err := ReadChain(pw.get, head, len(data), usable)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("length mismatch got %d want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestOverflowChain_DetectsCycle(t *testing.T) {
	pages := map[uint32][]byte{
		1: makeOverflowPage(512, 2, make([]byte, 508)),
		2: makeOverflowPage(512, 1, make([]byte, 508)), // cycles back to 1
	}
	get := func(n uint32) ([]byte, error) { return pages[n], nil }
	_, err := ReadChain(get, 1, 10000, 512)
	if err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func makeOverflowPage(pageSize int, next uint32, payload []byte) []byte {
	buf := make([]byte, pageSize)
	buf[0] = byte(next >> 24)
	buf[1] = byte(next >> 16)
	buf[2] = byte(next >> 8)
	buf[3] = byte(next)
	copy(buf[4:], payload)
	return buf
}

type fakePageWriter struct {
	pages  map[uint32][]byte
	nextID *uint32
}

func (f *fakePageWriter) Allocate() (uint32, error) {
	n := *f.nextID
	*f.nextID++
	return n, nil
}

func (f *fakePageWriter) Write(n uint32, buf []byte) error {
	f.pages[n] = append([]byte{}, buf...)
	return nil
}

func (f *fakePageWriter) get(n uint32) ([]byte, error) { return f.pages[n], nil }
