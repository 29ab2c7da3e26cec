package btree

import (
	"testing"

	"github.com/sharclabs/sharc/internal/pagesrc"
	"github.com/sharclabs/sharc/internal/record"
)

const testPageSize = 512

func newTestSource(t *testing.T) (*pagesrc.Memory, uint32) {
	t.Helper()
	src := pagesrc.NewMemory(testPageSize, nil)
	if _, err := src.Allocate(); err != nil { // page 1, unused placeholder
		t.Fatalf("allocate page 1: %v", err)
	}
	root, err := src.Allocate() // page 2, becomes the table root
	if err != nil {
		t.Fatalf("allocate root: %v", err)
	}
	buf := make([]byte, testPageSize)
	Init(buf, 0, testPageSize, TypeTableLeaf)
	if err := src.WritePage(root, buf); err != nil {
		t.Fatalf("write root: %v", err)
	}
	return src, root
}

func payloadFor(i int) []byte {
	return record.Encode([]record.Value{record.IntValue(int64(i)), record.TextValue([]byte("row-value"))})
}

func TestMutator_InsertAscendingThenScanOrdered(t *testing.T) {
	src, root := newTestSource(t)
	mut := NewMutator(src, testPageSize, testPageSize)

	const n = 200
	for i := 1; i <= n; i++ {
		if err := mut.Insert(root, int64(i), payloadFor(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	cur := NewCursor(src, root, testPageSize)
	var last int64 = -1
	count := 0
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatalf("moveNext: %v", err)
		}
		if !ok {
			break
		}
		rid, err := cur.RowID()
		if err != nil {
			t.Fatalf("rowid: %v", err)
		}
		if rid <= last {
			t.Fatalf("rowids not strictly increasing: %d after %d", rid, last)
		}
		last = rid
		count++
	}
	if count != n {
		t.Fatalf("scanned %d rows, want %d", count, n)
	}
}

func TestMutator_SeekExactAndMiss(t *testing.T) {
	src, root := newTestSource(t)
	mut := NewMutator(src, testPageSize, testPageSize)
	for _, i := range []int{10, 20, 30, 40, 50} {
		if err := mut.Insert(root, int64(i), payloadFor(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	cur := NewCursor(src, root, testPageSize)
	ok, err := cur.Seek(30)
	if err != nil || !ok {
		t.Fatalf("seek(30): ok=%v err=%v", ok, err)
	}
	rid, _ := cur.RowID()
	if rid != 30 {
		t.Fatalf("got rowid %d, want 30", rid)
	}
	ok, err = cur.Seek(25)
	if err != nil {
		t.Fatalf("seek(25): %v", err)
	}
	if ok {
		t.Fatalf("seek(25) should not match exactly")
	}
}

func TestMutator_DeleteRemovesRow(t *testing.T) {
	src, root := newTestSource(t)
	mut := NewMutator(src, testPageSize, testPageSize)
	for _, i := range []int{1, 2, 3} {
		if err := mut.Insert(root, int64(i), payloadFor(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	ok, err := mut.Delete(root, 2)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	cur := NewCursor(src, root, testPageSize)
	var seen []int64
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatalf("moveNext: %v", err)
		}
		if !ok {
			break
		}
		rid, _ := cur.RowID()
		seen = append(seen, rid)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Fatalf("unexpected rows after delete: %v", seen)
	}
}

func TestMutator_OverflowPayloadRoundTrip(t *testing.T) {
	src, root := newTestSource(t)
	mut := NewMutator(src, testPageSize, testPageSize)
	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(i % 250)
	}
	payload := record.Encode([]record.Value{record.BlobValue(big)})
	if err := mut.Insert(root, 1, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cur := NewCursor(src, root, testPageSize)
	ok, err := cur.MoveNext()
	if err != nil || !ok {
		t.Fatalf("moveNext: ok=%v err=%v", ok, err)
	}
	got, err := cur.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	values, err := record.Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(values) != 1 || string(values[0].Blob) != string(big) {
		t.Fatalf("blob round-trip mismatch")
	}
}

func TestLeafPageScanner_MatchesCursorOrder(t *testing.T) {
	src, root := newTestSource(t)
	mut := NewMutator(src, testPageSize, testPageSize)
	for i := 1; i <= 60; i++ {
		if err := mut.Insert(root, int64(i), payloadFor(i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	scanner, err := NewLeafPageScanner(src, root, testPageSize)
	if err != nil {
		t.Fatalf("scanner: %v", err)
	}
	count := 0
	for {
		ok, err := scanner.MoveNext()
		if err != nil {
			t.Fatalf("moveNext: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 60 {
		t.Fatalf("scanner saw %d rows, want 60", count)
	}
}

func TestIndexMutator_InsertAndSeekOrdered(t *testing.T) {
	src := pagesrc.NewMemory(testPageSize, nil)
	if _, err := src.Allocate(); err != nil { // page 1, unused placeholder
		t.Fatalf("allocate page 1: %v", err)
	}
	root, err := src.Allocate()
	if err != nil {
		t.Fatalf("allocate root: %v", err)
	}
	buf := make([]byte, testPageSize)
	Init(buf, 0, testPageSize, TypeIndexLeaf)
	if err := src.WritePage(root, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	mut := NewIndexMutator(src, testPageSize, testPageSize, 1)

	keys := []string{"b", "a", "c"}
	for _, k := range keys {
		payload := record.Encode([]record.Value{record.TextValue([]byte(k))})
		if err := mut.Insert(root, payload); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	cur := NewIndexCursor(src, root, testPageSize, 1)
	var got []string
	for {
		ok, err := cur.MoveNext()
		if err != nil {
			t.Fatalf("moveNext: %v", err)
		}
		if !ok {
			break
		}
		key, err := cur.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		got = append(got, string(key[0].Text))
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	ok, err := mut.Delete(root, []record.Value{record.TextValue([]byte("b"))})
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	found, err := cur.SeekFirst([]record.Value{record.TextValue([]byte("b"))})
	if err != nil {
		t.Fatalf("seekFirst: %v", err)
	}
	if found {
		t.Fatalf("deleted key should no longer be found")
	}
}
