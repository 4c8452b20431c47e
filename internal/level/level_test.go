package level

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/internal/sstable"
)

func buildSegment(t *testing.T, dir string, num uint64, keys []string) *sstable.Segment {
	t.Helper()

	w, err := sstable.NewWriter(filepath.Join(dir, fmt.Sprintf("seg%d", num)), num, 1<<16, 1<<20, compress.None)
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range keys {
		e, err := record.New(k, fmt.Sprintf("v%d-%d", num, i))
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

	seg, err := sstable.Load(meta.Path, meta.Num)
	if err != nil {
		t.Fatal(err)
	}
	return seg
}

func threshold(l int) int {
	if l == 0 {
		return 4
	}
	return 5
}

func TestL0GetProbesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	l := New(0, L0, threshold, 1<<20)

	older := buildSegment(t, dir, 1, []string{"a", "b"})
	newer := buildSegment(t, dir, 2, []string{"a", "c"})
	l.AddSegment(older)
	l.AddSegment(newer)

	val, ok, err := l.Get("a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if val != "v2-0" {
		t.Fatalf("expected newest segment's value v2-0, got %s", val)
	}
}

func TestLNFloorLookup(t *testing.T) {
	dir := t.TempDir()
	l := New(1, LN, threshold, 1<<20)

	l.AddSegment(buildSegment(t, dir, 1, []string{"a", "b", "c"}))
	l.AddSegment(buildSegment(t, dir, 2, []string{"m", "n", "o"}))

	val, ok, err := l.Get("b")
	if err != nil || !ok || val != "v1-1" {
		t.Fatalf("expected v1-1, got ok=%v val=%s err=%v", ok, val, err)
	}

	if _, ok, err := l.Get("z"); err != nil || ok {
		t.Fatalf("expected miss for out-of-range key, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Get("d"); err != nil || ok {
		t.Fatalf("expected miss for key between segments, got ok=%v err=%v", ok, err)
	}
}

func TestScoreL0(t *testing.T) {
	dir := t.TempDir()
	l := New(0, L0, threshold, 1<<20)

	for i := 0; i < 4; i++ {
		l.AddSegment(buildSegment(t, dir, uint64(i+1), []string{fmt.Sprintf("k%d", i)}))
	}

	if score := l.Score(); score != 1.0 {
		t.Fatalf("expected score 1.0 at threshold, got %f", score)
	}
}

func TestScoreLNIgnoresMarkedSegments(t *testing.T) {
	dir := t.TempDir()
	l := New(1, LN, threshold, 1000)

	seg := buildSegment(t, dir, 1, []string{"a", "b"})
	l.AddSegment(seg)

	before := l.Score()
	if before <= 0 {
		t.Fatalf("expected positive score, got %f", before)
	}

	l.MarkForCompaction(seg.Num)
	if after := l.Score(); after != 0 {
		t.Fatalf("expected zero score once segment is marked, got %f", after)
	}
}

func TestOverlappingSegments(t *testing.T) {
	dir := t.TempDir()
	l := New(1, LN, threshold, 1<<20)

	l.AddSegment(buildSegment(t, dir, 1, []string{"a", "c"}))
	l.AddSegment(buildSegment(t, dir, 2, []string{"f", "h"}))

	overlap := l.OverlappingSegments("b", "g")
	if len(overlap) != 2 {
		t.Fatalf("expected both segments to overlap [b,g], got %d", len(overlap))
	}

	none := l.OverlappingSegments("x", "z")
	if len(none) != 0 {
		t.Fatalf("expected no overlap, got %d", len(none))
	}
}

func TestRemoveSegment(t *testing.T) {
	dir := t.TempDir()
	l := New(1, LN, threshold, 1<<20)

	seg := buildSegment(t, dir, 1, []string{"a"})
	l.AddSegment(seg)
	if l.Count() != 1 {
		t.Fatalf("expected 1 segment")
	}

	l.RemoveSegment(seg.Num)
	if l.Count() != 0 {
		t.Fatalf("expected 0 segments after removal")
	}
}

func TestLevelsGetProbesAscending(t *testing.T) {
	dir := t.TempDir()
	ls := NewLevels(3, threshold, 1<<20)

	ls.AddSegment(0, buildSegment(t, dir, 1, []string{"a"}))
	ls.AddSegment(1, buildSegment(t, dir, 2, []string{"a", "b"}))

	val, ok, err := ls.Get("a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if val != "v1-0" {
		t.Fatalf("expected L0's value to shadow L1's, got %s", val)
	}

	val, ok, err = ls.Get("b")
	if err != nil || !ok || val != "v2-1" {
		t.Fatalf("expected L1 hit for b, got ok=%v val=%s err=%v", ok, val, err)
	}
}

func TestLevelsHighestScoring(t *testing.T) {
	dir := t.TempDir()
	ls := NewLevels(2, threshold, 1<<20)

	for i := 0; i < 4; i++ {
		ls.AddSegment(0, buildSegment(t, dir, uint64(i+1), []string{fmt.Sprintf("k%d", i)}))
	}

	best, score := ls.HighestScoring()
	if best.Num() != 0 {
		t.Fatalf("expected L0 to have the highest score, got L%d", best.Num())
	}
	if score < 1.0 {
		t.Fatalf("expected score >= 1.0, got %f", score)
	}
}
