// Package level implements Level (spec §4.4) as a tagged variant over L0 and
// L>=1 behavior — "Polymorphism over segment layout... modeled as a tagged
// variant LevelKind{L0, LN}... not inheritance" (spec §9) — and Levels, the
// ascending-order multi-level lookup (spec §4.5).
//
// No teacher analogue exists (the teacher has a single flat segment
// directory); the level-set/score shape is grounded on
// AndrewTheMaster/.../pkg/persistence/levels.go and
// gtarraga-kv-store/v6/lsm_manager.go from the retrieval pack, composed
// with spec §4.4's exact rules.
package level

import (
	"math"
	"sort"
	"sync"

	"github.com/yogi/ldb-sub000/internal/sstable"
)

// Kind tags whether a Level behaves as L0 (unordered, overlapping, probe
// newest-first) or L>=1 (ordered by minKey, non-overlapping).
type Kind int

const (
	L0 Kind = iota
	LN
)

// Level holds the live segment set for one numbered level.
type Level struct {
	mu sync.RWMutex

	num  int
	kind Kind

	// segments is ordered: for L0, descending by Num (newest first); for
	// LN, ascending by MinKey.
	segments []*sstable.Segment

	thresholdFn    func(level int) int
	maxSegmentSize int64

	markedForCompaction map[uint64]bool
}

func New(num int, kind Kind, thresholdFn func(int) int, maxSegmentSize int64) *Level {
	return &Level{
		num:                 num,
		kind:                kind,
		thresholdFn:         thresholdFn,
		maxSegmentSize:      maxSegmentSize,
		markedForCompaction: make(map[uint64]bool),
	}
}

func (l *Level) Num() int   { return l.num }
func (l *Level) Kind() Kind { return l.kind }

// AddSegment inserts seg maintaining the level's order invariant.
func (l *Level) AddSegment(seg *sstable.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.segments = append(l.segments, seg)
	l.resort()
}

// RemoveSegment drops the segment with the given generation number.
func (l *Level) RemoveSegment(num uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.segments[:0]
	for _, s := range l.segments {
		if s.Num != num {
			out = append(out, s)
		}
	}
	l.segments = out
	delete(l.markedForCompaction, num)
}

func (l *Level) resort() {
	if l.kind == L0 {
		sort.SliceStable(l.segments, func(i, j int) bool { return l.segments[i].Num > l.segments[j].Num })
	} else {
		sort.SliceStable(l.segments, func(i, j int) bool { return l.segments[i].MinKey < l.segments[j].MinKey })
	}
}

// Snapshot returns a stable copy of the current segment slice, taken under
// the level's read lock, so callers can iterate it without holding the lock.
func (l *Level) Snapshot() []*sstable.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*sstable.Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// Get performs the level-kind-specific lookup of spec §4.4.
func (l *Level) Get(key string) (string, bool, error) {
	segs := l.Snapshot()

	if l.kind == L0 {
		for _, s := range segs {
			if key < s.MinKey || key > s.MaxKey {
				continue
			}
			val, ok, err := s.Get(key)
			if err != nil {
				return "", false, err
			}
			if ok {
				return val, true, nil
			}
		}
		return "", false, nil
	}

	// LN: floor lookup on MinKey, probe exactly that segment.
	idx := floorByMinKey(segs, key)
	if idx < 0 {
		return "", false, nil
	}
	s := segs[idx]
	if key > s.MaxKey {
		return "", false, nil
	}
	return s.Get(key)
}

func floorByMinKey(segs []*sstable.Segment, key string) int {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].MinKey > key })
	return i - 1
}

// OverlappingSegments returns every live segment whose [MinKey,MaxKey]
// intersects [minKey,maxKey].
func (l *Level) OverlappingSegments(minKey, maxKey string) []*sstable.Segment {
	segs := l.Snapshot()

	var out []*sstable.Segment
	for _, s := range segs {
		if s.MaxKey < minKey || s.MinKey > maxKey {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SegmentSpan returns the count and total bytes of segments overlapping
// [minKey,maxKey].
func (l *Level) SegmentSpan(minKey, maxKey string) (count int, bytes int64) {
	for _, s := range l.OverlappingSegments(minKey, maxKey) {
		count++
		bytes += s.Size
	}
	return count, bytes
}

// MarkForCompaction excludes a segment from future selection.
func (l *Level) MarkForCompaction(num uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markedForCompaction[num] = true
}

func (l *Level) IsMarkedForCompaction(num uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.markedForCompaction[num]
}

// UnmarkForCompaction clears a segment's compaction mark (used when a
// selection attempt is abandoned).
func (l *Level) UnmarkForCompaction(num uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markedForCompaction, num)
}

// NotBeingCompactedCount reports how many live segments are not currently
// marked for compaction — the numerator the throttler's L0 predicate
// watches (§4.10).
func (l *Level) NotBeingCompactedCount() int {
	return len(l.notBeingCompacted(l.Snapshot()))
}

// notBeingCompacted filters segs to those not currently marked.
func (l *Level) notBeingCompacted(segs []*sstable.Segment) []*sstable.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*sstable.Segment
	for _, s := range segs {
		if !l.markedForCompaction[s.Num] {
			out = append(out, s)
		}
	}
	return out
}

// Score computes the compaction score per spec §4.4: for L0,
// segmentsNotBeingCompacted/memtablePartitions (triggers >= 1, where the
// level's thresholdFn(0) supplies the partition count); for L>=1,
// totalBytesNotBeingCompacted/(threshold(L) x maxSegmentSize).
func (l *Level) Score() float64 {
	segs := l.notBeingCompacted(l.Snapshot())

	if l.kind == L0 {
		partitions := l.thresholdFn(0)
		if partitions <= 0 {
			partitions = 1
		}
		return float64(len(segs)) / float64(partitions)
	}

	var totalBytes int64
	for _, s := range segs {
		totalBytes += s.Size
	}
	threshold := l.thresholdFn(l.num)
	denom := float64(threshold) * float64(l.maxSegmentSize)
	if denom <= 0 {
		return math.Inf(1)
	}
	return float64(totalBytes) / denom
}

// Count returns the number of live segments.
func (l *Level) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// TotalBytes returns the sum of all live segment sizes.
func (l *Level) TotalBytes() int64 {
	var total int64
	for _, s := range l.Snapshot() {
		total += s.Size
	}
	return total
}

// TotalKeys returns the sum of all live segment key counts.
func (l *Level) TotalKeys() uint32 {
	var total uint32
	for _, s := range l.Snapshot() {
		total += s.KeyCount
	}
	return total
}
