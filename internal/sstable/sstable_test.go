package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/record"
)

func readFile(path string) ([]byte, error)     { return os.ReadFile(path) }
func writeFile(path string, data []byte) error { return os.WriteFile(path, data, 0o644) }

func writeSegment(t *testing.T, dir string, num uint64, keys []string, compression compress.Code) *Meta {
	t.Helper()

	w, err := NewWriter(filepath.Join(dir, fmt.Sprintf("seg%d", num)), num, 64, 1<<20, compression)
	if err != nil {
		t.Fatal(err)
	}

	for i, k := range keys {
		e, err := record.New(k, fmt.Sprintf("v%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write(e); err != nil {
			t.Fatal(err)
		}
	}

	meta, err := w.Done()
	if err != nil {
		t.Fatal(err)
	}
	return meta
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}

	for _, c := range []compress.Code{compress.None, compress.Snappy, compress.LZ4} {
		meta := writeSegment(t, dir, uint64(c)+1, keys, c)

		seg, err := Load(meta.Path, meta.Num)
		if err != nil {
			t.Fatalf("%s: load: %v", c, err)
		}
		defer seg.Close()

		if seg.MinKey != "a" || seg.MaxKey != "g" {
			t.Fatalf("%s: bad min/max: %s/%s", c, seg.MinKey, seg.MaxKey)
		}
		if seg.KeyCount != uint32(len(keys)) {
			t.Fatalf("%s: bad key count: %d", c, seg.KeyCount)
		}

		for i, k := range keys {
			val, ok, err := seg.Get(k)
			if err != nil {
				t.Fatalf("%s: get %s: %v", c, k, err)
			}
			if !ok || val != fmt.Sprintf("v%d", i) {
				t.Fatalf("%s: expected v%d for %s, got ok=%v val=%s", c, i, k, ok, val)
			}
		}

		if _, ok, err := seg.Get("zzz"); err != nil || ok {
			t.Fatalf("%s: expected miss for key outside range", c)
		}
		if _, ok, err := seg.Get("aa"); err != nil || ok {
			t.Fatalf("%s: expected miss for key inside range but absent", c)
		}
	}
}

func TestWriteAfterDoneFails(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "seg1"), 1, 64, 1<<20, compress.None)
	if err != nil {
		t.Fatal(err)
	}

	e, _ := record.New("a", "1")
	if err := w.Write(e); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Done(); err != nil {
		t.Fatal(err)
	}

	if err := w.Write(e); err == nil {
		t.Fatal("expected SegmentFinalized error")
	}
}

func TestAllEntriesPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	keys := []string{"a", "b", "c", "d", "e"}
	meta := writeSegment(t, dir, 1, keys, compress.None)

	seg, err := Load(meta.Path, meta.Num)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	entries, err := seg.AllEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(entries))
	}
	for i, e := range entries {
		if e.Key != keys[i] {
			t.Fatalf("entry %d: expected key %s, got %s", i, keys[i], e.Key)
		}
	}
}

func TestCorruptedMagicRejected(t *testing.T) {
	dir := t.TempDir()
	meta := writeSegment(t, dir, 1, []string{"a"}, compress.None)

	// Corrupt a byte inside the footer (just before the trailing length).
	data, err := readFile(meta.Path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-6] ^= 0xFF
	if err := writeFile(meta.Path, data); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(meta.Path, meta.Num); err == nil {
		t.Fatal("expected corruption error")
	}
}
