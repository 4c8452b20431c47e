// Package record implements the KeyValueEntry wire format shared by the WAL,
// memtable flush path, and segment writers.
package record

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxLen is the largest a key or value may be, per spec.
const MaxLen = 32767

// Metadata encodes the command represented by an entry.
type Metadata uint8

const (
	// Set is the only command type ldb currently persists.
	Set Metadata = 1
)

// ErrCorruptRecord is returned when a read yields a length that cannot
// possibly be valid, or the stream ends mid-record.
var ErrCorruptRecord = fmt.Errorf("corrupt record")

// Entry is an immutable key/value pair as it appears in the WAL, memtable,
// and segment blocks. On-disk layout (big-endian):
//
//	u8 metadata | u16 keyLen | keyLen bytes | u16 valueLen | valueLen bytes
type Entry struct {
	Metadata Metadata
	Key      string
	Value    string
}

// New constructs an Entry, validating the §6 length limits.
func New(key, value string) (Entry, error) {
	if len(key) > MaxLen {
		return Entry{}, fmt.Errorf("key too large: %d bytes", len(key))
	}
	if len(value) > MaxLen {
		return Entry{}, fmt.Errorf("value too large: %d bytes", len(value))
	}
	return Entry{Metadata: Set, Key: key, Value: value}, nil
}

// EncodedLen returns 5 + len(key) + len(value), matching spec §4.1.
func (e Entry) EncodedLen() int {
	return 5 + len(e.Key) + len(e.Value)
}

// WriteTo serializes the entry to sink.
func (e Entry) WriteTo(sink io.Writer) (int64, error) {
	buf := make([]byte, e.EncodedLen())
	buf[0] = byte(e.Metadata)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(e.Key)))
	n := copy(buf[3:], e.Key)
	binary.BigEndian.PutUint16(buf[3+n:5+n], uint16(len(e.Value)))
	copy(buf[5+n:], e.Value)

	written, err := sink.Write(buf)
	return int64(written), err
}

// ReadFrom decodes one Entry by streaming from source. It returns io.EOF
// (unwrapped) if the source is empty at the start of a record, so that
// callers reading a sequence of entries can treat a clean end-of-stream
// differently from a truncated one.
func ReadFrom(source io.Reader) (Entry, error) {
	var header [3]byte
	if _, err := io.ReadFull(source, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Entry{}, ErrCorruptRecord
		}
		return Entry{}, err
	}

	meta := Metadata(header[0])
	keyLen := binary.BigEndian.Uint16(header[1:3])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(source, key); err != nil {
		return Entry{}, ErrCorruptRecord
	}

	var valLenBuf [2]byte
	if _, err := io.ReadFull(source, valLenBuf[:]); err != nil {
		return Entry{}, ErrCorruptRecord
	}
	valLen := binary.BigEndian.Uint16(valLenBuf[:])

	value := make([]byte, valLen)
	if _, err := io.ReadFull(source, value); err != nil {
		return Entry{}, ErrCorruptRecord
	}

	return Entry{Metadata: meta, Key: string(key), Value: string(value)}, nil
}

// GetIfMatches is a zero-copy probe over a buffer positioned at the start of
// an entry. It always advances *pos past the entry; it returns the decoded
// entry and true only when the entry's key equals candidateKey.
func GetIfMatches(buf []byte, pos *int, candidateKey string) (Entry, bool, error) {
	start := *pos
	if start+3 > len(buf) {
		return Entry{}, false, ErrCorruptRecord
	}

	meta := Metadata(buf[start])
	keyLen := int(binary.BigEndian.Uint16(buf[start+1 : start+3]))
	keyStart := start + 3
	keyEnd := keyStart + keyLen
	if keyLen > MaxLen || keyEnd+2 > len(buf) {
		return Entry{}, false, ErrCorruptRecord
	}

	valLen := int(binary.BigEndian.Uint16(buf[keyEnd : keyEnd+2]))
	valStart := keyEnd + 2
	valEnd := valStart + valLen
	if valLen > MaxLen || valEnd > len(buf) {
		return Entry{}, false, ErrCorruptRecord
	}

	*pos = valEnd

	key := buf[keyStart:keyEnd]
	if string(key) != candidateKey {
		return Entry{}, false, nil
	}

	return Entry{
		Metadata: meta,
		Key:      candidateKey,
		Value:    string(buf[valStart:valEnd]),
	}, true, nil
}
