package level

import "github.com/yogi/ldb-sub000/internal/sstable"

// Levels is the ordered collection L0..L(NumLevels-1), probed ascending on
// Get per spec §4.5: a key found in a lower-numbered level shadows any
// copy in a higher-numbered one.
type Levels struct {
	levels []*Level
}

func NewLevels(numLevels int, thresholdFn func(int) int, maxSegmentSize int64) *Levels {
	ls := make([]*Level, numLevels)
	for i := range ls {
		kind := LN
		if i == 0 {
			kind = L0
		}
		ls[i] = New(i, kind, thresholdFn, maxSegmentSize)
	}
	return &Levels{levels: ls}
}

func (ls *Levels) Level(n int) *Level { return ls.levels[n] }
func (ls *Levels) NumLevels() int     { return len(ls.levels) }

// Get probes levels 0..N in order, returning the first hit.
func (ls *Levels) Get(key string) (string, bool, error) {
	for _, l := range ls.levels {
		val, ok, err := l.Get(key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return val, true, nil
		}
	}
	return "", false, nil
}

// HighestScoring returns the level with the greatest compaction score,
// alongside that score, considering every level including L0. The
// compaction workers do not call it; RunLNOnce scores the L>=1 levels
// itself.
func (ls *Levels) HighestScoring() (*Level, float64) {
	var best *Level
	var bestScore float64
	for _, l := range ls.levels {
		score := l.Score()
		if best == nil || score > bestScore {
			best = l
			bestScore = score
		}
	}
	return best, bestScore
}

// AddSegment places seg into level n.
func (ls *Levels) AddSegment(n int, seg *sstable.Segment) {
	ls.levels[n].AddSegment(seg)
}
