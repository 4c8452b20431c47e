package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/level"
	"github.com/yogi/ldb-sub000/internal/manifest"
	"github.com/yogi/ldb-sub000/internal/sstable"
)

// Coordinator runs the L0 and L>=1 compaction workers against a shared
// Levels set and Manifest, serialized by a single global compaction
// mutex (spec §4.9 "a global compaction mutex serializes selection and
// segment marking").
type Coordinator struct {
	dir        string
	levels     *level.Levels
	manifest   *manifest.Manifest
	logger     *zap.SugaredLogger
	nextSegNum func(level int) uint64

	maxBlockSize   int64
	maxSegmentSize int64
	compression    compress.Code
	l0FanInCap     int

	mu sync.Mutex // global compaction mutex

	lnCursor map[int]string // per-level round-robin maxKey cursor

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCoordinator(dir string, levels *level.Levels, man *manifest.Manifest, nextSegNum func(level int) uint64, maxBlockSize, maxSegmentSize int64, compression compress.Code, l0FanInCap int, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		dir:            dir,
		levels:         levels,
		manifest:       man,
		logger:         logger,
		nextSegNum:     nextSegNum,
		maxBlockSize:   maxBlockSize,
		maxSegmentSize: maxSegmentSize,
		compression:    compression,
		l0FanInCap:     l0FanInCap,
		lnCursor:       make(map[int]string),
		stop:           make(chan struct{}),
	}
}

// Start launches the two long-running workers of spec §5: "L0
// compactor, L>=1 compactor".
func (c *Coordinator) Start(interval time.Duration) {
	c.wg.Add(2)
	go c.loop(interval, c.RunL0Once)
	go c.loop(interval, c.RunLNOnce)
}

func (c *Coordinator) loop(interval time.Duration, step func() error) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := step(); err != nil && c.logger != nil {
				c.logger.Warnw("compaction step failed", "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Stop is the cooperative shutdown of spec §4.9/§5: workers check the
// flag between units of work.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// RunL0Once performs one L0->L1 compaction cycle, per spec §4.9's "L0
// worker" selection rule. Returns nil with no work done if L0 is empty.
func (c *Coordinator) RunL0Once() error {
	c.mu.Lock()

	l0 := c.levels.Level(0)
	segs := l0.Snapshot()
	var oldest *sstable.Segment
	for _, s := range segs {
		if l0.IsMarkedForCompaction(s.Num) {
			continue
		}
		if oldest == nil || s.Num < oldest.Num {
			oldest = s
		}
	}
	if oldest == nil {
		c.mu.Unlock()
		return nil
	}

	selected := []*sstable.Segment{oldest}
	for _, s := range segs {
		if s.Num == oldest.Num || l0.IsMarkedForCompaction(s.Num) {
			continue
		}
		if s.MaxKey < oldest.MinKey || s.MinKey > oldest.MaxKey {
			continue
		}
		selected = append(selected, s)
		if len(selected) >= c.l0FanInCap {
			break
		}
	}

	minKey, maxKey := spanOf(selected)
	l1 := c.levels.Level(1)
	l1Overlap := l1.OverlappingSegments(minKey, maxKey)

	for _, s := range selected {
		l0.MarkForCompaction(s.Num)
	}
	for _, s := range l1Overlap {
		l1.MarkForCompaction(s.Num)
	}
	c.mu.Unlock()

	return c.installMerge(0, 1, selected, l1Overlap, nil)
}

// RunLNOnce performs one round of spec §4.9's "L>=1 worker": score every
// level from L1 up to the second-to-last (the last level has no level to
// compact into), pick the highest-scoring (ties broken by smaller level
// number), select within it by round-robin maxKey cursor.
func (c *Coordinator) RunLNOnce() error {
	c.mu.Lock()

	var best *level.Level
	var bestScore float64
	for n := 1; n < c.levels.NumLevels()-1; n++ {
		l := c.levels.Level(n)
		score := l.Score()
		if best == nil || score > bestScore {
			best = l
			bestScore = score
		}
	}
	if best == nil || bestScore <= 0 {
		c.mu.Unlock()
		return nil
	}

	segs := best.Snapshot()
	cursor := c.lnCursor[best.Num()]

	var chosen *sstable.Segment
	for _, s := range segs {
		if best.IsMarkedForCompaction(s.Num) {
			continue
		}
		if s.MinKey <= cursor {
			continue
		}
		if chosen == nil || s.MinKey < chosen.MinKey {
			chosen = s
		}
	}
	if chosen == nil {
		// No segment past the cursor: reset and retry once.
		c.lnCursor[best.Num()] = ""
		for _, s := range segs {
			if best.IsMarkedForCompaction(s.Num) {
				continue
			}
			if chosen == nil || s.MinKey < chosen.MinKey {
				chosen = s
			}
		}
	}
	if chosen == nil {
		c.mu.Unlock()
		return nil
	}
	c.lnCursor[best.Num()] = chosen.MaxKey

	target := c.levels.Level(best.Num() + 1)
	overlap := target.OverlappingSegments(chosen.MinKey, chosen.MaxKey)

	best.MarkForCompaction(chosen.Num)
	for _, s := range overlap {
		target.MarkForCompaction(s.Num)
	}

	targetNum := best.Num() + 1
	var bound *ShardingBound
	if targetNum+1 < c.levels.NumLevels() {
		grandchild := c.levels.Level(targetNum + 1)
		bound = &ShardingBound{
			MaxOverlapSegments: 10,
			MaxOverlapBytes:    10 * c.maxSegmentSize,
			Grandchild:         &GrandchildProber{SegmentSpan: grandchild.SegmentSpan},
		}
	}

	c.mu.Unlock()

	return c.installMerge(best.Num(), targetNum, []*sstable.Segment{chosen}, overlap, bound)
}

// installMerge merges sourceSegs (from sourceLevel) and targetSegs (the
// target level's overlapping segments) into targetLevel, and installs the
// result atomically: manifest "+new -old" in one Record call, then level
// structures updated, per spec §4.9.
func (c *Coordinator) installMerge(sourceLevel, targetLevel int, sourceSegs, targetSegs []*sstable.Segment, bound *ShardingBound) (err error) {
	all := append(append([]*sstable.Segment{}, sourceSegs...), targetSegs...)

	defer func() {
		if err != nil {
			// Selection attempt abandoned: unmark so segments are eligible again.
			for _, s := range sourceSegs {
				c.levels.Level(sourceLevel).UnmarkForCompaction(s.Num)
			}
			for _, s := range targetSegs {
				c.levels.Level(targetLevel).UnmarkForCompaction(s.Num)
			}
		}
	}()

	if len(all) == 0 {
		return nil
	}

	targetDir := filepath.Join(c.dir, fmt.Sprintf("level%d", targetLevel))
	nextNum := func() uint64 { return c.nextSegNum(targetLevel) }
	results, mergeErr := Merge(all, targetDir, c.maxBlockSize, c.maxSegmentSize, c.compression, nextNum, bound)
	if mergeErr != nil {
		return fmt.Errorf("merge level %d into %d: %w", sourceLevel, targetLevel, mergeErr)
	}

	var adds, removes []manifest.Entry
	var newSegs []*sstable.Segment
	for _, r := range results {
		seg, loadErr := sstable.Load(r.Meta.Path, r.Meta.Num)
		if loadErr != nil {
			err = loadErr
			return err
		}
		newSegs = append(newSegs, seg)
		adds = append(adds, manifest.Entry{Level: targetLevel, Num: r.Meta.Num})
	}
	for _, s := range sourceSegs {
		removes = append(removes, manifest.Entry{Level: sourceLevel, Num: s.Num})
	}
	for _, s := range targetSegs {
		removes = append(removes, manifest.Entry{Level: targetLevel, Num: s.Num})
	}

	if recErr := c.manifest.Record(adds, removes); recErr != nil {
		err = recErr
		return err
	}

	for _, seg := range newSegs {
		c.levels.Level(targetLevel).AddSegment(seg)
	}
	for _, s := range sourceSegs {
		// A Get in flight already holds s.file open; unlinking here is safe
		// under POSIX semantics even if it's still mid-read.
		c.levels.Level(sourceLevel).RemoveSegment(s.Num)
		_ = s.Close()
		_ = os.Remove(s.Path)
	}
	for _, s := range targetSegs {
		c.levels.Level(targetLevel).RemoveSegment(s.Num)
		_ = s.Close()
		_ = os.Remove(s.Path)
	}

	return nil
}

func spanOf(segs []*sstable.Segment) (minKey, maxKey string) {
	for i, s := range segs {
		if i == 0 || s.MinKey < minKey {
			minKey = s.MinKey
		}
		if i == 0 || s.MaxKey > maxKey {
			maxKey = s.MaxKey
		}
	}
	return minKey, maxKey
}

