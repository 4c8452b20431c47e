// Package options defines the configuration surface for ldb, following the
// shape of iamNilotpal/ignite's pkg/options: a plain struct of defaults plus
// With... functional setters, rather than a generic map[string]any.
package options

import "github.com/yogi/ldb-sub000/internal/compress"

// Defaults, per spec §6.
const (
	DefaultMaxSegmentSize             = 2 * 1024 * 1024 // 2 MiB
	DefaultMaxBlockSize               = 100 * 1024      // 100 KiB
	DefaultNumLevels                  = 6
	DefaultMemtablePartitions         = 6
	DefaultSleepBetweenCompactionsMs  = 1
	DefaultEnableThrottling           = true
	DefaultL0CompactionThreshold      = 4
	DefaultL0CompactionFanInCap       = 10
	DefaultManifestSnapshotLineBudget = 1000
)

// ThresholdFunc computes the compaction-trigger threshold for a level.
// Default: level 0 -> DefaultL0CompactionThreshold, level L>=1 -> 5^L.
type ThresholdFunc func(level int) int

// Options configures a ldb Engine. Every field has a default; construct with
// Default() and layer WithX(...) functions over it.
type Options struct {
	// CompressionType selects the block payload codec.
	CompressionType compress.Code

	// MaxSegmentSize caps the size of one output segment file.
	MaxSegmentSize int64

	// MaxBlockSize caps the uncompressed size of one block before it is
	// flushed into the segment.
	MaxBlockSize int64

	// MaxWalSize is the flush trigger: once the active WAL's total bytes
	// reach this, the memtable is frozen and flushed. Zero means derive it
	// from a fixed 4 MiB baseline, MemtablePartitions, and the compression
	// type (see ResolvedMaxWalSize).
	MaxWalSize int64

	// NumLevels is the number of levels, L0..NumLevels-1.
	NumLevels int

	// LevelCompactionThreshold computes threshold(L) for compaction scoring.
	LevelCompactionThreshold ThresholdFunc

	// MemtablePartitions is the number of memtable shards.
	MemtablePartitions int

	// SleepBetweenCompactionsMs is the pause between compactor iterations.
	SleepBetweenCompactionsMs int

	// EnableThrottling turns on the write-rate regulator (§4.10).
	EnableThrottling bool

	// L0CompactionFanInCap bounds how many overlapping L0 segments a single
	// L0->L1 compaction pulls in (spec §4.9, §9 open question (c)).
	L0CompactionFanInCap int

	// ManifestSnapshotLineBudget is how many +/- lines accumulate before the
	// manifest is rewritten as a +-only snapshot (spec §6).
	ManifestSnapshotLineBudget int

	// SyncOnWrite, when true, calls fsync on the WAL file after every append
	// and on the manifest after every record; when false, each write goes to
	// the file with no fsync. Default false: the
	// engine's durability target is "survives process crash", not "survives
	// OS crash" (spec §4.6, §9 open question (b)).
	SyncOnWrite bool
}

func defaultThreshold(level int) int {
	if level == 0 {
		return DefaultL0CompactionThreshold
	}
	n := 1
	for i := 0; i < level; i++ {
		n *= 5
	}
	return n
}

// Default returns an Options populated with every spec §6 default.
func Default() Options {
	return Options{
		CompressionType:            compress.None,
		MaxSegmentSize:             DefaultMaxSegmentSize,
		MaxBlockSize:               DefaultMaxBlockSize,
		MaxWalSize:                 0,
		NumLevels:                  DefaultNumLevels,
		LevelCompactionThreshold:   defaultThreshold,
		MemtablePartitions:         DefaultMemtablePartitions,
		SleepBetweenCompactionsMs:  DefaultSleepBetweenCompactionsMs,
		EnableThrottling:           DefaultEnableThrottling,
		L0CompactionFanInCap:       DefaultL0CompactionFanInCap,
		ManifestSnapshotLineBudget: DefaultManifestSnapshotLineBudget,
		SyncOnWrite:                false,
	}
}

// ResolvedMaxWalSize returns MaxWalSize if set, otherwise derives it per
// spec §6: approximately 4 MiB x partitions x a compression factor (1 for
// NONE, larger when compression lets more logical bytes fit per flush).
func (o Options) ResolvedMaxWalSize() int64 {
	if o.MaxWalSize > 0 {
		return o.MaxWalSize
	}

	const baseline = 4 * 1024 * 1024
	factor := int64(1)
	switch o.CompressionType {
	case compress.Snappy:
		factor = 2
	case compress.LZ4:
		factor = 3
	}

	return baseline * int64(o.MemtablePartitions) * factor
}

// Option mutates an Options in place.
type Option func(*Options)

func WithCompression(c compress.Code) Option {
	return func(o *Options) { o.CompressionType = c }
}

func WithMaxSegmentSize(n int64) Option {
	return func(o *Options) { o.MaxSegmentSize = n }
}

func WithMaxBlockSize(n int64) Option {
	return func(o *Options) { o.MaxBlockSize = n }
}

func WithMaxWalSize(n int64) Option {
	return func(o *Options) { o.MaxWalSize = n }
}

func WithNumLevels(n int) Option {
	return func(o *Options) { o.NumLevels = n }
}

func WithLevelCompactionThreshold(f ThresholdFunc) Option {
	return func(o *Options) { o.LevelCompactionThreshold = f }
}

func WithMemtablePartitions(n int) Option {
	return func(o *Options) { o.MemtablePartitions = n }
}

func WithSleepBetweenCompactionsMs(n int) Option {
	return func(o *Options) { o.SleepBetweenCompactionsMs = n }
}

func WithThrottling(enabled bool) Option {
	return func(o *Options) { o.EnableThrottling = enabled }
}

func WithL0CompactionFanInCap(n int) Option {
	return func(o *Options) { o.L0CompactionFanInCap = n }
}

func WithSyncOnWrite(enabled bool) Option {
	return func(o *Options) { o.SyncOnWrite = enabled }
}

// New builds an Options from Default() with the given overrides applied.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
