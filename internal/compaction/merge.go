// Package compaction implements the L0 and L>=1 compaction workers (spec
// §4.9): segment selection, the N-way priority-queue merge, sharding-bound
// rollover, and atomic "+new -old" manifest installation.
//
// No teacher analogue exists (the teacher never compacts). The
// worker/selection loop shape (ticker-driven, mutex-guarded Compact(),
// mark-then-rollback-on-error) is grounded on
// other_examples/.../dsjohal14-selfstack/.../wal/compactor.go; the
// multi-level tier/merge shape is grounded on
// other_examples/.../gtarraga-kv-store/v6/lsm_manager.go. The merge
// algorithm itself (N-way priority queue ordered by (key asc, num desc))
// follows spec §4.9 exactly.
package compaction

import (
	"container/heap"
	"fmt"
	"path/filepath"

	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/internal/sstable"
)

// scanner walks one segment's entries in ascending key order.
type scanner struct {
	segNum  uint64
	entries []record.Entry
	pos     int
}

func newScanner(seg *sstable.Segment) (*scanner, error) {
	entries, err := seg.AllEntries()
	if err != nil {
		return nil, fmt.Errorf("scan segment %d: %w", seg.Num, err)
	}
	return &scanner{segNum: seg.Num, entries: entries}, nil
}

func (s *scanner) key() string         { return s.entries[s.pos].Key }
func (s *scanner) done() bool          { return s.pos >= len(s.entries) }
func (s *scanner) entry() record.Entry { return s.entries[s.pos] }
func (s *scanner) advance()            { s.pos++ }

// scannerHeap orders scanners by (key ascending, segNum descending) so
// that on equal keys the newer (higher-numbered) segment surfaces first,
// per spec §4.9 step 2.
type scannerHeap []*scanner

func (h scannerHeap) Len() int { return len(h) }
func (h scannerHeap) Less(i, j int) bool {
	if h[i].key() != h[j].key() {
		return h[i].key() < h[j].key()
	}
	return h[i].segNum > h[j].segNum
}
func (h scannerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scannerHeap) Push(x interface{}) { *h = append(*h, x.(*scanner)) }
func (h *scannerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ShardingBound reports when a merge output segment should roll over
// early because it would otherwise overlap too much of the grandchild
// level, per spec §4.9 step 4.
type ShardingBound struct {
	MaxOverlapSegments int
	MaxOverlapBytes    int64
	Grandchild         *GrandchildProber
}

// GrandchildProber answers span queries against the level after the
// compaction's target, without importing internal/level (which would
// create an import cycle back into compaction's caller); the worker
// supplies a closure-backed implementation.
type GrandchildProber struct {
	SegmentSpan func(minKey, maxKey string) (count int, bytes int64)
}

// MergeResult is one output segment produced by a merge.
type MergeResult struct {
	Meta *sstable.Meta
}

// Merge performs the N-way merge of spec §4.9 over segs, writing output
// segments under dir using nextNum for fresh generation numbers. It stops
// an output segment and starts a new one when maxSegmentSize is reached
// or (if bound is non-nil) the sharding bound is breached.
func Merge(segs []*sstable.Segment, dir string, maxBlockSize, maxSegmentSize int64, compression compress.Code, nextNum func() uint64, bound *ShardingBound) ([]MergeResult, error) {
	if len(segs) == 1 {
		return singleInputRename(segs[0], dir, maxBlockSize, maxSegmentSize, compression, nextNum)
	}

	h := make(scannerHeap, 0, len(segs))
	for _, seg := range segs {
		sc, err := newScanner(seg)
		if err != nil {
			return nil, err
		}
		if !sc.done() {
			h = append(h, sc)
		}
	}
	heap.Init(&h)

	var results []MergeResult
	var cur *sstable.Writer
	var curMinKey, curMaxKey string
	var curNum uint64

	startSegment := func() error {
		curNum = nextNum()
		w, err := sstable.NewWriter(filepath.Join(dir, fmt.Sprintf("seg%d", curNum)), curNum, maxBlockSize, maxSegmentSize, compression)
		if err != nil {
			return err
		}
		cur = w
		curMinKey, curMaxKey = "", ""
		return nil
	}
	finishSegment := func() error {
		if cur == nil {
			return nil
		}
		meta, err := cur.Done()
		if err != nil {
			return err
		}
		results = append(results, MergeResult{Meta: meta})
		cur = nil
		return nil
	}

	if err := startSegment(); err != nil {
		return nil, err
	}

	for h.Len() > 0 {
		top := h[0]
		key := top.key()
		emitted := top.entry()

		// Advance every scanner whose current key equals the emitted key,
		// discarding stale duplicates (spec §4.9 step 3).
		for h.Len() > 0 && h[0].key() == key {
			s := h[0]
			s.advance()
			if s.done() {
				heap.Pop(&h)
			} else {
				heap.Fix(&h, 0)
			}
		}

		if err := cur.Write(emitted); err != nil {
			return nil, err
		}
		if curMinKey == "" {
			curMinKey = key
		}
		curMaxKey = key

		rollover := cur.ExceedsMaxSize()
		if !rollover && bound != nil && bound.Grandchild != nil {
			count, bytes := bound.Grandchild.SegmentSpan(curMinKey, curMaxKey)
			if count > bound.MaxOverlapSegments || bytes > bound.MaxOverlapBytes {
				rollover = true
			}
		}

		if rollover && h.Len() > 0 {
			if err := finishSegment(); err != nil {
				return nil, err
			}
			if err := startSegment(); err != nil {
				return nil, err
			}
		}
	}

	if err := finishSegment(); err != nil {
		return nil, err
	}

	return results, nil
}

// singleInputRename implements the "single-input optimization" of spec
// §4.9: when the only input is one segment, it is copied into the target
// directory as a fresh file rather than merged byte-for-byte.
func singleInputRename(seg *sstable.Segment, dir string, maxBlockSize, maxSegmentSize int64, compression compress.Code, nextNum func() uint64) ([]MergeResult, error) {
	entries, err := seg.AllEntries()
	if err != nil {
		return nil, err
	}

	num := nextNum()
	w, err := sstable.NewWriter(filepath.Join(dir, fmt.Sprintf("seg%d", num)), num, maxBlockSize, maxSegmentSize, compression)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			return nil, err
		}
	}
	meta, err := w.Done()
	if err != nil {
		return nil, err
	}
	return []MergeResult{{Meta: meta}}, nil
}
