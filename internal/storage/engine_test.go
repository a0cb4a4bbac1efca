package storage

import (
	"errors"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(Config{
		Directory:      dir,
		ObjectName:     "test",
		SlotSize:       128,
		SlotsPerBucket: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestInsertLookupFree(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	h, err := e.Insert(1, []byte("hello"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := e.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Lookup = %q, want hello", got)
	}

	if err := e.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if _, err := e.Lookup(h); !errors.Is(err, ErrHandleStale) {
		t.Fatalf("Lookup after Free = %v, want ErrHandleStale", err)
	}

	if err := e.Free(h); !errors.Is(err, ErrHandleStale) {
		t.Fatalf("double Free = %v, want ErrHandleStale", err)
	}
}

func TestLookupUnknownBucket(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	_, err := e.Lookup(Handle{BucketID: 99, Offset: 0})
	if !errors.Is(err, ErrHandleInvalid) {
		t.Fatalf("Lookup unknown bucket = %v, want ErrHandleInvalid", err)
	}
}

func TestInsertGrowsNewBucket(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	var handles []Handle
	for i := 0; i < 10; i++ {
		h, err := e.Insert(uint32(i), []byte{byte(i)})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	seen := make(map[uint32]bool)
	for _, h := range handles {
		seen[h.BucketID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected records to span multiple buckets with slots-per-bucket=4, got bucket ids %v", seen)
	}

	for i, h := range handles {
		got, err := e.Lookup(h)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Fatalf("Lookup %d = %v, want [%d]", i, got, i)
		}
	}
}

func TestInsertReusesFreedSlot(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()

	h1, err := e.Insert(1, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Free(h1); err != nil {
		t.Fatal(err)
	}
	h2, err := e.Insert(2, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if h2.BucketID != h1.BucketID || h2.Offset != h1.Offset {
		t.Fatalf("expected freed slot to be reused, got h1=%v h2=%v", h1, h2)
	}
}

func TestLoadRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directory: dir, ObjectName: "test", SlotSize: 128, SlotsPerBucket: 4}

	e1, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := e1.Insert(1, []byte("keep"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := e1.Insert(2, []byte("freed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e1.Free(h2); err != nil {
		t.Fatal(err)
	}
	if err := e1.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	records, err := e2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Load returned %d records, want 1", len(records))
	}
	if records[0].Handle != h1 || string(records[0].Payload) != "keep" {
		t.Fatalf("Load = %+v, want handle %v payload keep", records[0], h1)
	}
}

func TestLoadQuarantinesCorruptBucket(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Directory: dir, ObjectName: "test", SlotSize: 128, SlotsPerBucket: 4}

	e1, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e1.Insert(1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the bucket's magic bytes directly.
	path := e1.bucketPath(0)
	f, err := osOpenForWrite(path)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0, 0, 0, 0}, 0)
	f.Close()

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	records, err := e2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records from quarantined bucket, got %d", len(records))
	}
	if !fileExists(path + ".corrupt") {
		t.Fatal("expected corrupt bucket to be renamed aside")
	}
}
