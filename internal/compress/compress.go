// Package compress implements the block payload compression codecs named in
// spec §4.2 and §6: NONE, SNAPPY, and LZ4.
package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
)

// Code identifies the compression applied to a block's payload. It is
// written into both the block index entry and kept alongside the block in
// memory.
type Code uint8

const (
	None Code = iota
	Snappy
	LZ4
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compress.Code(%d)", uint8(c))
	}
}

// Compress returns raw compressed by c.
func Compress(c Code, raw []byte) ([]byte, error) {
	switch c {
	case None:
		return raw, nil
	case Snappy:
		return snappy.Encode(nil, raw), nil
	case LZ4:
		return compressLZ4(raw)
	default:
		return nil, fmt.Errorf("unknown compression code %d", c)
	}
}

// Decompress reverses Compress.
func Decompress(c Code, payload []byte) ([]byte, error) {
	switch c {
	case None:
		return payload, nil
	case Snappy:
		return snappy.Decode(nil, payload)
	case LZ4:
		return decompressLZ4(payload)
	default:
		return nil, fmt.Errorf("unknown compression code %d", c)
	}
}

// compressLZ4 frames the LZ4 block with a 4-byte big-endian uncompressed
// length prefix, per spec §4.2/§6.
func compressLZ4(raw []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(raw))
	dst := make([]byte, 4+bound)
	binary.BigEndian.PutUint32(dst[:4], uint32(len(raw)))

	if len(raw) == 0 {
		return dst[:4], nil
	}

	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, dst[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("lz4 compress: destination buffer too small")
	}

	return dst[:4+n], nil
}

func decompressLZ4(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("lz4: truncated frame")
	}
	uncompressedLen := binary.BigEndian.Uint32(payload[:4])
	dst := make([]byte, uncompressedLen)

	n, err := lz4.UncompressBlock(payload[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst[:n], nil
}

