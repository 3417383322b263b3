package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
)

// Version is the schema version written to new records. Records with a lower
// version are still decoded.
const Version uint16 = 1

const minVersion uint16 = 1

// Record layout:
//
//	version(2) | kind(1) | seq(8) | json payload | blake3-256(preceding bytes)
const (
	entryHeaderSize = 2 + 1 + 8
	checksumSize    = 32
)

var (
	ErrUnsupportedVersion = errs.New(errs.Resource, "unsupported log record version")
	ErrCorruptEntry       = errs.New(errs.Resource, "corrupt log entry")
)

// EncodeEntry serializes an entry into a checksummed record.
func EncodeEntry(e Entry) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("entry %d has no payload", e.Seq)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Payload.Kind(), err)
	}
	out := make([]byte, 0, entryHeaderSize+len(body)+checksumSize)
	out = binary.BigEndian.AppendUint16(out, Version)
	out = append(out, byte(e.Payload.Kind()))
	out = binary.BigEndian.AppendUint64(out, e.Seq)
	out = append(out, body...)
	sum := blake3.Sum256(out)
	return append(out, sum[:]...), nil
}

// DecodeEntry parses a record produced by EncodeEntry.
func DecodeEntry(rec []byte) (Entry, error) {
	body, err := verify(rec, entryHeaderSize)
	if err != nil {
		return Entry{}, err
	}
	kind := Kind(rec[2])
	seq := binary.BigEndian.Uint64(rec[3:])
	p := newPayload(kind)
	if p == nil {
		return Entry{}, fmt.Errorf("%w: unknown kind %d at seq %d", ErrCorruptEntry, kind, seq)
	}
	if err := json.Unmarshal(body, p); err != nil {
		return Entry{}, fmt.Errorf("%w: seq %d: %v", ErrCorruptEntry, seq, err)
	}
	return Entry{Seq: seq, Payload: p}, nil
}

// verify checks length, version and checksum and returns the JSON body.
func verify(rec []byte, headerSize int) ([]byte, error) {
	if len(rec) < headerSize+checksumSize {
		return nil, fmt.Errorf("%w: record is %d bytes", ErrCorruptEntry, len(rec))
	}
	version := binary.BigEndian.Uint16(rec)
	if version > Version {
		return nil, fmt.Errorf("%w: %d (newest known %d)", ErrUnsupportedVersion, version, Version)
	}
	if version < minVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptEntry, version)
	}
	n := len(rec) - checksumSize
	sum := blake3.Sum256(rec[:n])
	if !bytes.Equal(sum[:], rec[n:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}
	return rec[headerSize:n], nil
}
