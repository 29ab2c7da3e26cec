package pagesrc

import "testing"

func TestMemory_WriteReadRoundTrip(t *testing.T) {
	m := NewMemory(512, nil)
	if _, err := m.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	if err := m.WritePage(1, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := m.GetPage(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestMemory_DataVersionMonotonic(t *testing.T) {
	m := NewMemory(512, nil)
	m.Allocate()
	if m.DataVersion() != 0 {
		t.Fatalf("expected version 0 before any write")
	}
	buf := make([]byte, 512)
	// WritePage itself never moves DataVersion — only an explicit
	// BumpVersion call does, so a caller composing several WritePage
	// calls into one commit controls exactly how many bumps occur
	// (spec.md §4.8; see internal/txn.Transaction.Commit).
	m.WritePage(1, buf)
	m.WritePage(1, buf)
	if m.DataVersion() != 0 {
		t.Fatalf("expected WritePage alone to leave version at 0, got %d", m.DataVersion())
	}
	m.BumpVersion()
	v1 := m.DataVersion()
	m.BumpVersion()
	v2 := m.DataVersion()
	if !(v2 > v1) {
		t.Fatalf("data version did not strictly increase: %d -> %d", v1, v2)
	}
}

func TestMemory_OutOfRange(t *testing.T) {
	m := NewMemory(512, nil)
	if _, err := m.GetPage(1); err == nil {
		t.Fatalf("expected out-of-range error on empty source")
	}
}

func TestCache_InvalidatesOnWrite(t *testing.T) {
	m := NewMemory(512, nil)
	m.Allocate()
	cache := NewCache(m, 4)

	buf := make([]byte, 512)
	buf[0] = 1
	m.WritePage(1, buf)
	cache.Invalidate(1)

	got, err := cache.GetPage(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("expected invalidated cache to re-read fresh data")
	}

	buf[0] = 2
	m.WritePage(1, buf)
	cache.Invalidate(1)
	got2, _ := cache.GetPage(1)
	if got2[0] != 2 {
		t.Fatalf("expected cache to reflect post-invalidation write")
	}
}

func TestCache_EvictsLRU(t *testing.T) {
	m := NewMemory(64, nil)
	for i := 0; i < 5; i++ {
		m.Allocate()
	}
	cache := NewCache(m, 2)
	cache.GetPage(1)
	cache.GetPage(2)
	cache.GetPage(3) // evicts 1
	if _, ok := cache.entries[1]; ok {
		t.Fatalf("expected page 1 to be evicted")
	}
	if len(cache.entries) != 2 {
		t.Fatalf("expected cache size 2, got %d", len(cache.entries))
	}
}

func TestCompressTransform_RoundTrip(t *testing.T) {
	tr := CompressTransform{ReservedBytes: 64}
	pageSize := 4096
	src := make([]byte, pageSize)
	for i := 0; i < pageSize-64; i++ {
		src[i] = byte(i % 7) // compressible pattern
	}
	dst := make([]byte, pageSize)
	if err := tr.TransformWrite(src, dst, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	back := make([]byte, pageSize)
	if err := tr.TransformRead(dst, back, 1); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < pageSize-64; i++ {
		if back[i] != src[i] {
			t.Fatalf("byte %d: got %d want %d", i, back[i], src[i])
		}
	}
}

func TestChaChaTransform_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	tr, err := NewChaChaTransform(key, 32)
	if err != nil {
		t.Fatalf("new transform: %v", err)
	}
	pageSize := 4096
	src := make([]byte, pageSize)
	for i := 0; i < pageSize-32; i++ {
		src[i] = byte(i)
	}
	dst := make([]byte, pageSize)
	if err := tr.TransformWrite(src, dst, 7); err != nil {
		t.Fatalf("write: %v", err)
	}
	back := make([]byte, pageSize)
	if err := tr.TransformRead(dst, back, 7); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < pageSize-32; i++ {
		if back[i] != src[i] {
			t.Fatalf("byte %d mismatch after decrypt", i)
		}
	}
}

func TestChaChaTransform_WrongPageFailsAuth(t *testing.T) {
	key := make([]byte, 32)
	tr, _ := NewChaChaTransform(key, 32)
	pageSize := 512
	src := make([]byte, pageSize)
	dst := make([]byte, pageSize)
	tr.TransformWrite(src, dst, 1)
	back := make([]byte, pageSize)
	if err := tr.TransformRead(dst, back, 2); err == nil {
		t.Fatalf("expected authentication failure when page number differs")
	}
}
