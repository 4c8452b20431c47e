// Package ldb is the top-level embedded key-value store: the Engine that
// coordinates a crash-safe WAL, an in-memory sharded memtable, leveled
// on-disk segments, a manifest, and the background compactors (§2, §5).
//
// The Engine/Config shape and the atomic-closed lifecycle are grounded on
// iamNilotpal-ignite's internal/engine/engine.go (Config{Options, Logger},
// atomic.Bool closed flag, CompareAndSwap on Stop); the exported surface
// (Set/Get/Stop) is a generalization of the teacher's root DB interface
// (Put/Get/Delete/Close) to the store's §6 operations — Delete has no
// on-disk representation here since tombstones are out of scope.
package ldb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yogi/ldb-sub000/internal/compaction"
	"github.com/yogi/ldb-sub000/internal/level"
	"github.com/yogi/ldb-sub000/internal/manifest"
	"github.com/yogi/ldb-sub000/internal/memtable"
	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/internal/sstable"
	"github.com/yogi/ldb-sub000/internal/throttle"
	"github.com/yogi/ldb-sub000/internal/wal"
	"github.com/yogi/ldb-sub000/ldberrors"
	"github.com/yogi/ldb-sub000/options"
)

// walAppendBuffer sizes the bounded hand-off queue each WAL's writer
// goroutine drains (§4.6, §9 "queue-based WAL writer").
const walAppendBuffer = 256

// Config holds the parameters needed to open an Engine.
type Config struct {
	Options options.Options
	Logger  *zap.SugaredLogger
}

// epoch is one (WAL, memtable) pair: the unit that flush swaps out
// atomically (§4.8 step 1).
type epoch struct {
	gen      uint64
	wal      *wal.WAL
	memtable *memtable.Memtable
}

// Engine is the embedded store. One Engine owns one directory; open
// multiple in one process freely (§9 "tests must be able to run multiple
// engines").
type Engine struct {
	dir    string
	opts   options.Options
	logger *zap.SugaredLogger

	// writeMu serializes WAL append + memtable update + flush swap — the
	// engine write lock of §5.
	writeMu sync.Mutex

	// flushMu is the engine read lock of §5: many Gets hold it for read,
	// excluding only the brief active/frozen swap a flush performs.
	flushMu sync.RWMutex
	active  *epoch
	frozen  []*epoch

	levels   *level.Levels
	manifest *manifest.Manifest

	// segCounters assigns fresh segment numbers per level directory: a
	// segment's identity on disk and in the manifest (level<n>/seg<num>) only
	// needs to be unique within its own level.
	segCounters []atomic.Uint64

	compactor *compaction.Coordinator
	throttler *throttle.Throttler

	closed atomic.Bool
}

// Open recovers dir (if it holds a prior store) and returns a ready
// Engine. Recovery replays every wal<N> file ascending, flushes any
// non-empty recovered memtable as L0 segments, and picks the next WAL
// generation as lastReplayedGeneration+1 (§4.6).
func Open(dir string, config Config) (*Engine, error) {
	opts := config.Options
	logger := config.Logger

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "create store directory", err)
	}
	for n := 0; n < opts.NumLevels; n++ {
		if err := os.MkdirAll(filepath.Join(dir, fmt.Sprintf("level%d", n)), 0o755); err != nil {
			return nil, ldberrors.Wrap(ldberrors.Io, "create level directory", err)
		}
	}

	man, err := manifest.Open(filepath.Join(dir, "manifest"), opts.ManifestSnapshotLineBudget, opts.SyncOnWrite)
	if err != nil {
		return nil, err
	}

	levels := level.NewLevels(opts.NumLevels, opts.LevelCompactionThreshold, opts.MaxSegmentSize)

	e := &Engine{
		dir:         dir,
		opts:        opts,
		logger:      logger,
		levels:      levels,
		manifest:    man,
		segCounters: make([]atomic.Uint64, opts.NumLevels),
	}

	for _, entry := range man.Live() {
		path := filepath.Join(dir, fmt.Sprintf("level%d", entry.Level), fmt.Sprintf("seg%d", entry.Num))
		seg, err := sstable.Load(path, entry.Num)
		if err != nil {
			// A segment the manifest claims is live but that fails to load is
			// corrupt or was never finished; drop it rather than fail Open,
			// per §7 ("corruption during segment load... that single segment
			// is deleted"). Only a corruption error removes the file; an I/O
			// failure leaves it on disk.
			if ldberrors.Is(err, ldberrors.Corruption) {
				_ = os.Remove(path)
			}
			if logger != nil {
				logger.Warnw("dropping unloadable segment named in manifest", "path", path, "error", err)
			}
			continue
		}
		levels.AddSegment(entry.Level, seg)
		if entry.Num+1 > e.segCounters[entry.Level].Load() {
			e.segCounters[entry.Level].Store(entry.Num + 1)
		}
	}

	nextGen, err := e.recoverWALs()
	if err != nil {
		_ = man.Close()
		return nil, err
	}

	active, err := e.openEpoch(nextGen)
	if err != nil {
		_ = man.Close()
		return nil, err
	}
	e.active = active

	e.compactor = compaction.NewCoordinator(dir, levels, man, e.nextSegNum, opts.MaxBlockSize, opts.MaxSegmentSize, opts.CompressionType, opts.L0CompactionFanInCap, logger)
	e.compactor.Start(time.Duration(opts.SleepBetweenCompactionsMs) * time.Millisecond)

	if opts.EnableThrottling {
		e.throttler = throttle.New(func() bool {
			return levels.Level(0).NotBeingCompactedCount() >= 2*opts.MemtablePartitions
		})
		e.throttler.Start()
	}

	return e, nil
}

// recoverWALs replays every existing wal<N> file ascending into a fresh
// memtable, flushes non-empty ones as L0 segments, deletes the replayed
// file, and returns lastReplayedGeneration+1 (0 if none existed).
func (e *Engine) recoverWALs() (uint64, error) {
	gens, err := wal.ExistingGenerations(e.dir)
	if err != nil {
		return 0, err
	}
	if len(gens) == 0 {
		return 0, nil
	}

	var lastGen uint64
	for _, gen := range gens {
		mt := memtable.New(e.opts.MemtablePartitions)

		if err := wal.Replay(e.dir, gen, e.logger, func(rec record.Entry) error {
			mt.Put(rec.Key, rec.Value)
			return nil
		}); err != nil {
			return 0, err
		}

		if mt.Len() > 0 {
			if err := e.flushToL0(mt); err != nil {
				return 0, err
			}
		}

		if err := os.Remove(filepath.Join(e.dir, wal.FileName(gen))); err != nil && !os.IsNotExist(err) {
			return 0, ldberrors.Wrap(ldberrors.Io, "remove replayed wal", err)
		}
		lastGen = gen
	}

	return lastGen + 1, nil
}

func (e *Engine) openEpoch(gen uint64) (*epoch, error) {
	w, err := wal.Open(e.dir, gen, walAppendBuffer, e.opts.SyncOnWrite, e.logger)
	if err != nil {
		return nil, err
	}
	return &epoch{gen: gen, wal: w, memtable: memtable.New(e.opts.MemtablePartitions)}, nil
}

// nextSegNum hands out the next generation number within one level
// directory: each level's numbers are independent (level<n>/seg<num>
// only needs to be unique within level n).
func (e *Engine) nextSegNum(level int) uint64 {
	return e.segCounters[level].Add(1) - 1
}

// Set durably appends key/value to the WAL and applies it to the active
// memtable before returning (§6). A write exceeding maxWalSize triggers a
// synchronous flush of the epoch being retired.
func (e *Engine) Set(key, value string) error {
	if e.closed.Load() {
		return ldberrors.New(ldberrors.ShuttingDown, "set after stop")
	}
	entry, err := record.New(key, value)
	if err != nil {
		kind := ldberrors.KeyTooLarge
		if len(key) <= record.MaxLen {
			kind = ldberrors.ValueTooLarge
		}
		return ldberrors.Wrap(kind, "set", err)
	}

	if e.throttler != nil {
		e.throttler.Wait()
	}

	e.writeMu.Lock()

	e.flushMu.RLock()
	active := e.active
	e.flushMu.RUnlock()

	appendErr := active.wal.Append(entry)
	if appendErr == nil {
		active.memtable.Put(key, value)
	}

	var retiring *epoch
	var swapErr error
	if appendErr == nil && active.wal.TotalBytes() >= e.opts.ResolvedMaxWalSize() {
		retiring, swapErr = e.swapEpoch(active)
	}
	e.writeMu.Unlock()

	if appendErr != nil {
		return appendErr
	}
	if swapErr != nil {
		return swapErr
	}
	if retiring != nil {
		return e.finishFlush(retiring)
	}
	return nil
}

// Get returns the freshest visible value for key: active memtable, then
// any frozen memtable still awaiting flush (newest first), then the
// levels ascending (§4.5, §6).
func (e *Engine) Get(key string) (string, bool, error) {
	if e.closed.Load() {
		return "", false, ldberrors.New(ldberrors.ShuttingDown, "get after stop")
	}

	e.flushMu.RLock()
	active := e.active
	frozen := make([]*epoch, len(e.frozen))
	copy(frozen, e.frozen)
	e.flushMu.RUnlock()

	if val, ok := active.memtable.Get(key); ok {
		return val, true, nil
	}
	for i := len(frozen) - 1; i >= 0; i-- {
		if val, ok := frozen[i].memtable.Get(key); ok {
			return val, true, nil
		}
	}
	return e.levels.Get(key)
}

// swapEpoch implements §4.8 step 1: atomically install a fresh (wal,
// memtable) pair as active and keep retiring queryable as "frozen" until
// its segments are durably installed. Holding writeMu only for this swap
// (not the flush work that follows) keeps the write lock's hold time
// short, per §5's "set may block on the engine write lock" being a brief
// suspension point rather than the whole flush.
func (e *Engine) swapEpoch(retiring *epoch) (*epoch, error) {
	next, err := e.openEpoch(retiring.gen + 1)
	if err != nil {
		return nil, err
	}

	e.flushMu.Lock()
	e.active = next
	e.frozen = append(e.frozen, retiring)
	e.flushMu.Unlock()

	return retiring, nil
}

// finishFlush completes §4.8 steps 2-4 for an epoch already swapped out
// by swapEpoch: close its WAL for writes, partition its memtable into L0
// segments, install them, then delete the WAL file. Reads concurrent with
// this stay correct because retiring remains in e.frozen (and so
// queryable via Get) until its segments are installed.
func (e *Engine) finishFlush(retiring *epoch) error {
	if err := retiring.wal.Close(); err != nil && e.logger != nil {
		e.logger.Warnw("closing retired wal", "gen", retiring.gen, "error", err)
	}

	if err := e.flushToL0(retiring.memtable); err != nil {
		return err
	}

	e.flushMu.Lock()
	for i, f := range e.frozen {
		if f == retiring {
			e.frozen = append(e.frozen[:i], e.frozen[i+1:]...)
			break
		}
	}
	e.flushMu.Unlock()

	return retiring.wal.Remove()
}

// flushToL0 partitions mt's shards into one or more L0 segments each
// (rolling over at maxSegmentSize), installs them all via a single
// manifest record, and adds them to Level 0 (§4.8 step 3).
func (e *Engine) flushToL0(mt *memtable.Memtable) error {
	levelDir := filepath.Join(e.dir, "level0")

	var segs []*sstable.Segment
	for i := 0; i < mt.ShardCount(); i++ {
		if mt.ShardLen(i) == 0 {
			continue
		}

		var w *sstable.Writer
		var written int

		startWriter := func() error {
			num := e.nextSegNum(0)
			nw, err := sstable.NewWriter(filepath.Join(levelDir, fmt.Sprintf("seg%d", num)), num, e.opts.MaxBlockSize, e.opts.MaxSegmentSize, e.opts.CompressionType)
			if err != nil {
				return err
			}
			w = nw
			written = 0
			return nil
		}
		finishWriter := func() error {
			if w == nil || written == 0 {
				w = nil
				return nil
			}
			meta, err := w.Done()
			if err != nil {
				return err
			}
			seg, err := sstable.Load(meta.Path, meta.Num)
			if err != nil {
				return err
			}
			segs = append(segs, seg)
			w = nil
			return nil
		}

		if err := startWriter(); err != nil {
			return err
		}
		for rec := range mt.Shard(i) {
			entry, err := record.New(rec.Key, rec.Value)
			if err != nil {
				return err
			}
			if err := w.Write(entry); err != nil {
				return err
			}
			written++
			if w.ExceedsMaxSize() {
				if err := finishWriter(); err != nil {
					return err
				}
				if err := startWriter(); err != nil {
					return err
				}
			}
		}
		if err := finishWriter(); err != nil {
			return err
		}
	}

	if len(segs) == 0 {
		return nil
	}

	adds := make([]manifest.Entry, 0, len(segs))
	for _, s := range segs {
		adds = append(adds, manifest.Entry{Level: 0, Num: s.Num})
	}
	if err := e.manifest.Record(adds, nil); err != nil {
		return err
	}

	for _, s := range segs {
		e.levels.AddSegment(0, s)
	}
	return nil
}

// RunCompaction is the §6 test hook: run one compaction iteration
// synchronously. levelNum 0 runs the L0->L1 worker; any other value runs
// the L>=1 worker, which picks its own highest-scoring level.
func (e *Engine) RunCompaction(levelNum int) error {
	if levelNum == 0 {
		return e.compactor.RunL0Once()
	}
	return e.compactor.RunLNOnce()
}

// Stats reports per-level segment counts/bytes/keys, the active
// memtable's size, and the live manifest entry count (domain-stack
// addition: bloom filter false-positive counters per level).
func (e *Engine) Stats() map[string]any {
	e.flushMu.RLock()
	activeLen := e.active.memtable.Len()
	frozenLen := 0
	for _, f := range e.frozen {
		frozenLen += f.memtable.Len()
	}
	e.flushMu.RUnlock()

	levelStats := make([]map[string]any, 0, e.levels.NumLevels())
	for n := 0; n < e.levels.NumLevels(); n++ {
		l := e.levels.Level(n)
		var probes, falsePositives uint64
		for _, s := range l.Snapshot() {
			p, fp := s.BloomStats()
			probes += p
			falsePositives += fp
		}
		levelStats = append(levelStats, map[string]any{
			"level":               n,
			"segments":            l.Count(),
			"totalBytes":          l.TotalBytes(),
			"totalKeys":           l.TotalKeys(),
			"bloomProbes":         probes,
			"bloomFalsePositives": falsePositives,
		})
	}

	return map[string]any{
		"memtableSize":       activeLen,
		"frozenMemtableSize": frozenLen,
		"manifestLiveCount":  len(e.manifest.Live()),
		"levels":             levelStats,
	}
}

// Stop is the cooperative shutdown of §4.9/§5: signal the workers, let
// in-flight Set calls finish (writeMu serializes behind them), then close
// the active WAL and the manifest. Errors from each component are
// aggregated rather than stopping short, in the teacher's idiom of never
// leaving other subsystems half-closed.
func (e *Engine) Stop() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ldberrors.New(ldberrors.ShuttingDown, "already stopped")
	}

	if e.throttler != nil {
		e.throttler.Stop()
	}
	e.compactor.Stop()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var err error
	if closeErr := e.active.wal.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	for _, f := range e.frozen {
		if closeErr := f.wal.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}
	if closeErr := e.manifest.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	return err
}
