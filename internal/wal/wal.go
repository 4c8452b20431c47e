// Package wal implements the per-epoch append-only log (spec §3/§4.6):
// file `wal<gen>`, one KeyValueEntry per `set`, replayed into a fresh
// memtable on startup.
//
// The bounded-channel + single-writer-goroutine shape is lifted directly
// from the teacher's wal/wal_writer.go — this is the most direct
// adaptation in the repo; the WAL append queue here plays the same role
// as the teacher's WALWriter, generalized from a single fixed WAL.log to
// spec's generation-numbered wal<gen> naming and a streaming Replay that
// tolerates a malformed trailing record instead of failing outright.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/ldberrors"
)

var ErrClosed = ldberrors.New(ldberrors.ShuttingDown, "wal closed")

var genPattern = regexp.MustCompile(`^wal(\d+)$`)

// FileName returns the conventional file name for generation gen.
func FileName(gen uint64) string {
	return fmt.Sprintf("wal%d", gen)
}

// ExistingGenerations scans dir for wal<N> files and returns their
// generation numbers sorted ascending.
func ExistingGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ldberrors.Wrap(ldberrors.Io, "list wal directory", err)
	}

	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := genPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, n)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// WAL is the active writer for one generation's log file. Writes are
// handed to a single background goroutine over a bounded channel, which
// serializes them to disk; Append blocks until the entry has reached that
// goroutine, matching spec's synchronous-w.r.t.-in-memory-durability
// contract (§9 Redesign note on the queue-based writer).
type WAL struct {
	gen  uint64
	path string
	file *os.File

	instanceID uuid.UUID
	logger     *zap.SugaredLogger

	ch     chan appendReq
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	totalBytes  atomic.Int64
	syncOnWrite bool
}

type appendReq struct {
	entry record.Entry
	errCh chan error
}

// Open creates dir/wal<gen> (or opens an existing one and appends after its
// current contents) and starts its writer goroutine. buffer sizes the
// append queue.
func Open(dir string, gen uint64, buffer int, syncOnWrite bool, logger *zap.SugaredLogger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "create wal directory", err)
	}

	path := filepath.Join(dir, FileName(gen))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "open wal file", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, ldberrors.Wrap(ldberrors.Io, "seek wal file", err)
	}

	w := &WAL{
		gen:         gen,
		path:        path,
		file:        f,
		instanceID:  uuid.New(),
		logger:      logger,
		ch:          make(chan appendReq, buffer),
		done:        make(chan struct{}),
		syncOnWrite: syncOnWrite,
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Gen is this WAL's generation number.
func (w *WAL) Gen() uint64 { return w.gen }

// Path is the WAL's file path.
func (w *WAL) Path() string { return w.path }

// TotalBytes is the number of bytes appended so far, for the
// wal.totalBytes() >= maxWalSize flush trigger (spec §4.8).
func (w *WAL) TotalBytes() int64 { return w.totalBytes.Load() }

// Append hands e to the writer goroutine and blocks until it has been
// written (and, if syncOnWrite, fsynced). Returns ErrClosed if the WAL
// has already been closed.
func (w *WAL) Append(e record.Entry) error {
	errCh := make(chan error, 1)
	select {
	case w.ch <- appendReq{entry: e, errCh: errCh}:
	case <-w.done:
		return ErrClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-w.done:
		return ErrClosed
	}
}

// Close stops the writer goroutine (draining any queued appends first)
// and closes the underlying file.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.done)
	w.wg.Wait()
	return w.file.Close()
}

func (w *WAL) loop() {
	defer w.wg.Done()

	writeOne := func(req appendReq) {
		n, err := req.entry.WriteTo(w.file)
		if err == nil && w.syncOnWrite {
			err = w.file.Sync()
		}
		if err != nil && w.logger != nil {
			w.logger.Warnw("wal append failed", "path", w.path, "instance", w.instanceID, "error", err)
		} else {
			w.totalBytes.Add(n)
		}
		req.errCh <- err
	}

	for {
		select {
		case req := <-w.ch:
			writeOne(req)
		case <-w.done:
			for {
				select {
				case req := <-w.ch:
					writeOne(req)
				default:
					return
				}
			}
		}
	}
}

// Remove closes and deletes the WAL's file, per the post-flush "delete
// the old WAL file" step (spec §4.8 step 4).
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return ldberrors.Wrap(ldberrors.Io, "remove wal file", err)
	}
	return nil
}

// Replay streams every KeyValueEntry out of dir/wal<gen> via fn. A
// malformed trailing record (EOF mid-record) is tolerated: it stops the
// scan and returns nil rather than an error, per spec §4.6.
func Replay(dir string, gen uint64, logger *zap.SugaredLogger, fn func(record.Entry) error) error {
	path := filepath.Join(dir, FileName(gen))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ldberrors.Wrap(ldberrors.Io, "open wal for replay", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		e, err := record.ReadFrom(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if logger != nil {
				logger.Warnw("malformed trailing wal record, stopping replay", "path", path, "gen", gen, "error", err)
			}
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
