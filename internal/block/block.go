// Package block implements Block and BlockWriter (spec §4.2): a grouped run
// of entries, optionally compressed as a whole, and the writer that batches
// entries into blocks before handing them to the segment writer.
//
// Framing follows the teacher's sst/writer.go appendDataBlock technique: a
// CRC is computed over the payload as it streams through an io.MultiWriter,
// then written after the payload.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/yogi/ldb-sub000/internal/compress"
	"github.com/yogi/ldb-sub000/internal/record"
	"github.com/yogi/ldb-sub000/ldberrors"
)

// Descriptor is what a BlockWriter returns once it emits a block: enough to
// build a segment's block index entry.
type Descriptor struct {
	StartKey    string
	Offset      int64
	Length      uint32
	Compression compress.Code
}

// Writer accumulates entries until their uncompressed total reaches
// maxSize, then serializes, compresses, and writes one block to out at the
// current offset.
type Writer struct {
	out         io.Writer
	offset      int64
	maxSize     int64
	compression compress.Code

	entries []record.Entry
	rawSize int64
}

func NewWriter(out io.Writer, startOffset int64, maxSize int64, compression compress.Code) *Writer {
	return &Writer{out: out, offset: startOffset, maxSize: maxSize, compression: compression}
}

// Add appends e to the current block, flushing a block first if e would
// exceed maxSize. It returns the descriptor of a flushed block, or a nil
// descriptor if nothing was emitted yet.
func (w *Writer) Add(e record.Entry) (*Descriptor, error) {
	var flushed *Descriptor

	if w.rawSize > 0 && w.rawSize+int64(e.EncodedLen()) > w.maxSize {
		d, err := w.flush()
		if err != nil {
			return nil, err
		}
		flushed = d
	}

	w.entries = append(w.entries, e)
	w.rawSize += int64(e.EncodedLen())

	return flushed, nil
}

// Flush emits any partial block. Returns nil if there was nothing pending.
func (w *Writer) Flush() (*Descriptor, error) {
	if len(w.entries) == 0 {
		return nil, nil
	}
	return w.flush()
}

func (w *Writer) flush() (*Descriptor, error) {
	startKey := w.entries[0].Key

	var raw bytes.Buffer
	for _, e := range w.entries {
		if _, err := e.WriteTo(&raw); err != nil {
			return nil, err
		}
	}

	compressed, err := compress.Compress(w.compression, raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress block: %w", err)
	}

	blockStart := w.offset

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w.out, crc)
	if err := binary.Write(mw, binary.BigEndian, uint32(len(compressed))); err != nil {
		return nil, err
	}
	if _, err := mw.Write(compressed); err != nil {
		return nil, err
	}
	if err := binary.Write(w.out, binary.BigEndian, crc.Sum32()); err != nil {
		return nil, err
	}

	totalWritten := int64(4 + len(compressed) + 4)
	w.offset += totalWritten

	w.entries = w.entries[:0]
	w.rawSize = 0

	return &Descriptor{
		StartKey:    startKey,
		Offset:      blockStart,
		Length:      uint32(totalWritten),
		Compression: w.compression,
	}, nil
}

// Offset reports the writer's current position in the output stream.
func (w *Writer) Offset() int64 { return w.offset }

// Block is the read-side view of a Descriptor: it knows how to fetch and
// decompress its bytes from a RandomReaderAt-like source and scan for a key.
type Block struct {
	Descriptor
	src io.ReaderAt
}

func Open(d Descriptor, src io.ReaderAt) *Block {
	return &Block{Descriptor: d, src: src}
}

// Get decompresses the block and linearly scans for key using
// record.GetIfMatches, per spec §4.2.
func (b *Block) Get(key string) (string, bool, error) {
	raw, err := b.decode()
	if err != nil {
		return "", false, err
	}

	pos := 0
	for pos < len(raw) {
		e, ok, err := record.GetIfMatches(raw, &pos, key)
		if err != nil {
			return "", false, ldberrors.Wrap(ldberrors.Corruption, "block scan", err)
		}
		if ok {
			return e.Value, true, nil
		}
	}

	return "", false, nil
}

func (b *Block) decode() ([]byte, error) {
	buf := make([]byte, b.Length)
	if _, err := b.src.ReadAt(buf, b.Offset); err != nil {
		return nil, ldberrors.Wrap(ldberrors.Io, "read block", err)
	}

	if len(buf) < 8 {
		return nil, ldberrors.New(ldberrors.Corruption, "block too short")
	}

	payloadLen := binary.BigEndian.Uint32(buf[:4])
	if int(4+payloadLen+4) != len(buf) {
		return nil, ldberrors.New(ldberrors.Corruption, "block length mismatch")
	}

	payload := buf[4 : 4+payloadLen]
	wantCRC := binary.BigEndian.Uint32(buf[4+payloadLen:])
	if crc32.ChecksumIEEE(buf[:4+payloadLen]) != wantCRC {
		return nil, ldberrors.New(ldberrors.Corruption, "block checksum mismatch")
	}

	raw, err := compress.Decompress(b.Compression, payload)
	if err != nil {
		return nil, ldberrors.Wrap(ldberrors.Corruption, "decompress block", err)
	}

	return raw, nil
}

// Entries decodes every entry in the block, in key order, for compaction
// scanners.
func (b *Block) Entries() ([]record.Entry, error) {
	raw, err := b.decode()
	if err != nil {
		return nil, err
	}

	var entries []record.Entry
	pos := 0
	for pos < len(raw) {
		e, err := record.ReadFrom(bytes.NewReader(raw[pos:]))
		if err != nil {
			return nil, ldberrors.Wrap(ldberrors.Corruption, "block entry decode", err)
		}
		pos += e.EncodedLen()
		entries = append(entries, e)
	}

	return entries, nil
}
