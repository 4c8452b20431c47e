// Package sstable implements the immutable sorted on-disk Segment described
// in spec §3/§4.3: block data, block index, bloom filter, footer.
//
// Layout and footer shape are lifted from the teacher's sst/writer.go
// (which already documents this exact structure in its own package doc
// comment: data blocks, index block, bloom filter, fixed footer), adapted
// to spec's field order/sizes and split into a write side (Writer) and a
// read side (Segment) since the teacher never implemented a reader. The
// footer additionally carries the bloom filter's offset/length — spec's
// §4.3 footer doesn't name the bloom filter because spec.md predates it;
// SPEC_FULL.md's domain-stack expansion adds the bloom filter and its
// footer slot together (see DESIGN.md, internal/sstable entry).
package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yogi/ldb-sub000/internal/block"
	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/ldberrors"
)

// Magic is the fixed footer value "LDB!" per spec §4.3/§6.
const Magic uint32 = 0x4C444221

// indexEntry is one block-index row: startKey -> (offset, length, codec).
type indexEntry struct {
	startKey    string
	blockOffset int64
	blockLength uint32
	compression compress.Code
}

// Writer builds one segment file in key order. Callers must write entries
// in ascending key order; the writer does not sort.
type Writer struct {
	num  uint64
	path string
	file *os.File

	blockWriter *block.Writer
	index       []indexEntry
	bloom       *bloom.BloomFilter

	minKey, maxKey string
	keyCount       uint32
	ready          bool

	maxSegmentSize int64
	// pendingBytes is the uncompressed size of the entries buffered for the
	// current, not yet flushed block.
	pendingBytes int64
}

// NewWriter creates segment file `path` for generation `num`.
func NewWriter(path string, num uint64, maxBlockSize, maxSegmentSize int64, compression compress.Code) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "create segment file", err)
	}

	w := &Writer{
		num:            num,
		path:           path,
		file:           f,
		bloom:          bloom.NewWithEstimates(100_000, 0.01),
		maxSegmentSize: maxSegmentSize,
	}
	w.blockWriter = block.NewWriter(f, 0, maxBlockSize, compression)

	return w, nil
}

// Num is the segment's generation number.
func (w *Writer) Num() uint64 { return w.num }

// Path is the segment's file path.
func (w *Writer) Path() string { return w.path }

// Write appends one entry. Returns ldberrors.SegmentFinalized if the writer
// already had Done called on it.
func (w *Writer) Write(e record.Entry) error {
	if w.ready {
		return ldberrors.New(ldberrors.SegmentFinalized, "write after markReady")
	}

	if w.minKey == "" || e.Key < w.minKey {
		w.minKey = e.Key
	}
	if w.maxKey == "" || e.Key > w.maxKey {
		w.maxKey = e.Key
	}
	w.keyCount++
	w.bloom.AddString(e.Key)

	desc, err := w.blockWriter.Add(e)
	if err != nil {
		return err
	}
	if desc != nil {
		w.recordIndex(*desc)
		w.pendingBytes = 0
	}
	w.pendingBytes += int64(e.EncodedLen())

	return nil
}

func (w *Writer) recordIndex(d block.Descriptor) {
	w.index = append(w.index, indexEntry{
		startKey:    d.StartKey,
		blockOffset: d.Offset,
		blockLength: d.Length,
		compression: d.Compression,
	})
}

// ExceedsMaxSize reports whether the writer should be rolled over to a new
// segment, per the §4.8/§4.9 "stops on maxSegmentSize" rule. The size counts
// the blocks already written plus the entries buffered for the next block.
func (w *Writer) ExceedsMaxSize() bool {
	return w.blockWriter.Offset()+w.pendingBytes >= w.maxSegmentSize
}

// Done flushes any partial block, writes the block index, bloom filter, and
// footer, then closes the file. It marks the writer ready: further Write
// calls fail.
func (w *Writer) Done() (*Meta, error) {
	if w.ready {
		return nil, ldberrors.New(ldberrors.SegmentFinalized, "Done called twice")
	}
	w.ready = true

	if d, err := w.blockWriter.Flush(); err != nil {
		return nil, err
	} else if d != nil {
		w.recordIndex(*d)
	}

	blockIndexOffset := w.blockWriter.Offset()
	if err := w.writeBlockIndex(); err != nil {
		return nil, err
	}

	bloomOffset := w.currentOffset()
	if err := w.writeBloom(); err != nil {
		return nil, err
	}
	bloomLength := w.currentOffset() - bloomOffset

	if err := w.writeFooter(blockIndexOffset, bloomOffset, bloomLength); err != nil {
		return nil, err
	}

	if err := w.file.Sync(); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "sync segment", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "close segment", err)
	}

	size, err := fileSize(w.path)
	if err != nil {
		return nil, err
	}

	return &Meta{
		Num:      w.num,
		Path:     w.path,
		MinKey:   w.minKey,
		MaxKey:   w.maxKey,
		KeyCount: w.keyCount,
		Size:     size,
	}, nil
}

func (w *Writer) currentOffset() int64 {
	off, _ := w.file.Seek(0, io.SeekCurrent)
	return off
}

func (w *Writer) writeBlockIndex() error {
	for _, e := range w.index {
		if err := binary.Write(w.file, binary.BigEndian, uint16(len(e.startKey))); err != nil {
			return err
		}
		if _, err := w.file.Write([]byte(e.startKey)); err != nil {
			return err
		}
		if err := binary.Write(w.file, binary.BigEndian, uint32(e.blockOffset)); err != nil {
			return err
		}
		if err := binary.Write(w.file, binary.BigEndian, e.blockLength); err != nil {
			return err
		}
		if err := binary.Write(w.file, binary.BigEndian, uint8(e.compression)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeBloom() error {
	if _, err := w.bloom.WriteTo(w.file); err != nil {
		return ldberrors.Wrap(ldberrors.Io, "write bloom filter", err)
	}
	return nil
}

// writeFooter writes blockIndexOffset, the bloom filter's location, min/max
// key, key count, total byte size, and the magic, then a trailing uint32
// footer length so Load can locate this variable-length footer by seeking
// from the end of the file.
func (w *Writer) writeFooter(blockIndexOffset, bloomOffset, bloomLength int64) error {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.BigEndian, uint32(blockIndexOffset))
	_ = binary.Write(&buf, binary.BigEndian, uint64(bloomOffset))
	_ = binary.Write(&buf, binary.BigEndian, uint32(bloomLength))
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(w.minKey)))
	buf.WriteString(w.minKey)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(w.maxKey)))
	buf.WriteString(w.maxKey)
	_ = binary.Write(&buf, binary.BigEndian, w.keyCount)

	size, err := w.file.Stat()
	if err != nil {
		return err
	}
	totalBytes := uint64(size.Size()) + uint64(buf.Len()) + 8 + 4
	_ = binary.Write(&buf, binary.BigEndian, totalBytes)
	_ = binary.Write(&buf, binary.BigEndian, Magic)

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return ldberrors.Wrap(ldberrors.Io, "write footer", err)
	}

	if err := binary.Write(w.file, binary.BigEndian, uint32(buf.Len())); err != nil {
		return ldberrors.Wrap(ldberrors.Io, "write footer length trailer", err)
	}

	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Meta is the static metadata of a segment, cheap to keep in memory without
// loading the block index.
type Meta struct {
	Num      uint64
	Path     string
	MinKey   string
	MaxKey   string
	KeyCount uint32
	Size     int64
}

// Segment is a loaded, immutable on-disk file: footer parsed, block index
// loaded into a sorted slice for floor lookup.
type Segment struct {
	Meta

	file  *os.File
	index []indexEntry // sorted by startKey ascending
	bloom *bloom.BloomFilter

	// bloomProbes/bloomFalsePositives count filter checks and filter passes
	// that found no key, for Stats() (SPEC_FULL bloom filter addition).
	bloomProbes, bloomFalsePositives uint64
}

// Load opens path, reads its footer and block index.
func Load(path string, num uint64) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "open segment", err)
	}

	seg, err := load(f, path, num)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return seg, nil
}

func load(f *os.File, path string, num uint64) (*Segment, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "stat segment", err)
	}
	size := info.Size()
	if size < 4 {
		return nil, ldberrors.New(ldberrors.Corruption, "segment too small")
	}

	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], size-4); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "read footer length", err)
	}
	footerLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if footerLen <= 0 || footerLen > size-4 {
		return nil, ldberrors.New(ldberrors.Corruption, "invalid footer length")
	}

	footerBuf := make([]byte, footerLen)
	if _, err := f.ReadAt(footerBuf, size-4-footerLen); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "read footer", err)
	}

	r := bytes.NewReader(footerBuf)
	var blockIndexOffset uint32
	var bloomOffset uint64
	var bloomLength uint32
	if err := binary.Read(r, binary.BigEndian, &blockIndexOffset); err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: blockIndexOffset")
	}
	if err := binary.Read(r, binary.BigEndian, &bloomOffset); err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: bloomOffset")
	}
	if err := binary.Read(r, binary.BigEndian, &bloomLength); err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: bloomLength")
	}

	minKey, err := readLenPrefixed16(r)
	if err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: minKey")
	}
	maxKey, err := readLenPrefixed16(r)
	if err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: maxKey")
	}

	var keyCount uint32
	if err := binary.Read(r, binary.BigEndian, &keyCount); err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: keyCount")
	}
	var totalBytes uint64
	if err := binary.Read(r, binary.BigEndian, &totalBytes); err != nil {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: totalBytes")
	}
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil || magic != Magic {
		return nil, ldberrors.New(ldberrors.Corruption, "footer: magic mismatch")
	}

	index, err := readBlockIndex(f, int64(blockIndexOffset), int64(bloomOffset))
	if err != nil {
		return nil, err
	}

	filter, err := readBloom(f, int64(bloomOffset), int64(bloomOffset)+int64(bloomLength))
	if err != nil {
		return nil, err
	}

	return &Segment{
		Meta: Meta{
			Num:      num,
			Path:     path,
			MinKey:   minKey,
			MaxKey:   maxKey,
			KeyCount: keyCount,
			Size:     size,
		},
		file:  f,
		index: index,
		bloom: filter,
	}, nil
}

func readLenPrefixed16(r *bytes.Reader) (string, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return "", err
	}
	buf := make([]byte, l)
	if l > 0 {
		if _, err := r.Read(buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// readBlockIndex reads index entries from offset up to (excluding) end.
func readBlockIndex(f *os.File, offset, end int64) ([]indexEntry, error) {
	if end <= offset {
		return nil, nil
	}

	buf := make([]byte, end-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "read block index", err)
	}

	var entries []indexEntry
	pos := 0
	for pos < len(buf) {
		if pos+2 > len(buf) {
			return nil, ldberrors.New(ldberrors.Corruption, "block index: truncated key length")
		}
		keyLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2

		if pos+keyLen+4+4+1 > len(buf) {
			return nil, ldberrors.New(ldberrors.Corruption, "block index: truncated entry")
		}
		key := string(buf[pos : pos+keyLen])
		pos += keyLen

		blockOffset := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		blockLength := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		code := compress.Code(buf[pos])
		pos++

		entries = append(entries, indexEntry{
			startKey:    key,
			blockOffset: int64(blockOffset),
			blockLength: blockLength,
			compression: code,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].startKey < entries[j].startKey })
	return entries, nil
}

func readBloom(f *os.File, start, end int64) (*bloom.BloomFilter, error) {
	if end <= start {
		return bloom.NewWithEstimates(1, 0.01), nil
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "read bloom filter", err)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(buf)); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "decode bloom filter", err)
	}
	return filter, nil
}

// Close releases the segment's file handle.
func (s *Segment) Close() error {
	return s.file.Close()
}

// Get performs the §4.3 lookup: reject outside [minKey,maxKey], consult the
// bloom filter, floor-lookup the owning block, delegate to it.
func (s *Segment) Get(key string) (string, bool, error) {
	if key < s.MinKey || key > s.MaxKey {
		return "", false, nil
	}

	if s.bloom != nil {
		s.bloomProbes++
		if !s.bloom.TestString(key) {
			return "", false, nil
		}
	}

	idx := s.floor(key)
	if idx < 0 {
		if s.bloom != nil {
			s.bloomFalsePositives++
		}
		return "", false, nil
	}

	e := s.index[idx]
	blk := block.Open(block.Descriptor{
		StartKey:    e.startKey,
		Offset:      e.blockOffset,
		Length:      e.blockLength,
		Compression: e.compression,
	}, s.file)

	val, ok, err := blk.Get(key)
	if err == nil && !ok && s.bloom != nil {
		s.bloomFalsePositives++
	}
	return val, ok, err
}

// BloomStats reports the bloom filter's observed false-positive behavior,
// for Engine.Stats() (SPEC_FULL addition).
func (s *Segment) BloomStats() (probes, falsePositives uint64) {
	return s.bloomProbes, s.bloomFalsePositives
}

// floor returns the index of the block with the greatest startKey <= key,
// or -1 if none.
func (s *Segment) floor(key string) int {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].startKey > key })
	return i - 1
}

// AllEntries streams every entry in the segment in ascending key order, for
// compaction scanners.
func (s *Segment) AllEntries() ([]record.Entry, error) {
	var all []record.Entry
	for _, e := range s.index {
		blk := block.Open(block.Descriptor{
			StartKey:    e.startKey,
			Offset:      e.blockOffset,
			Length:      e.blockLength,
			Compression: e.compression,
		}, s.file)
		entries, err := blk.Entries()
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}
