package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

// Key layout inside the log's namespace.
var (
	entryPrefix = []byte("e")
	snapshotKey = []byte("s")
)

// compactBatchSize bounds the deletes committed per batch during compaction.
const compactBatchSize = 1000

// ErrAppendFailed wraps storage errors returned by Append.
var ErrAppendFailed = errs.New(errs.Resource, "log append failed")

// Log is the durable entry sequence. It is safe for concurrent use, although
// the wallet only appends from its writer goroutine.
type Log struct {
	db     storage.DB
	logger zerolog.Logger

	mu      sync.Mutex
	lastSeq uint64
	snapSeq uint64
	tail    int
}

func entryKey(seq uint64) []byte {
	k := make([]byte, len(entryPrefix)+8)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], seq)
	return k
}

// Open loads log metadata from db. The db is usually a storage.PrefixDB
// dedicated to the log.
func Open(db storage.DB) (*Log, error) {
	l := &Log{db: db, logger: klog.Persist}

	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		l.snapSeq = snap.Seq
		l.lastSeq = snap.Seq
	}
	err = db.ForEach(entryPrefix, func(key, _ []byte) error {
		if len(key) != len(entryPrefix)+8 {
			return fmt.Errorf("%w: bad key %x", ErrCorruptEntry, key)
		}
		seq := binary.BigEndian.Uint64(key[len(entryPrefix):])
		if seq > l.lastSeq {
			l.lastSeq = seq
		}
		if seq > l.snapSeq {
			l.tail++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	l.logger.Debug().
		Uint64("last_seq", l.lastSeq).
		Uint64("snapshot_seq", l.snapSeq).
		Int("tail", l.tail).
		Msg("Log opened")
	return l, nil
}

// Append durably writes payloads as consecutive entries in one batch.
// Nothing is written if any payload fails to encode or the commit fails.
func (l *Log) Append(payloads ...Payload) ([]Entry, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Records are encoded before the batch opens its transaction.
	entries := make([]Entry, len(payloads))
	recs := make([][]byte, len(payloads))
	for i, p := range payloads {
		entries[i] = Entry{Seq: l.lastSeq + uint64(i) + 1, Payload: p}
		rec, err := EncodeEntry(entries[i])
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	batch := storage.NewBatch(l.db)
	for i, rec := range recs {
		if err := batch.Put(entryKey(entries[i].Seq), rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	l.lastSeq += uint64(len(payloads))
	l.tail += len(payloads)
	return entries, nil
}

// Replay calls fn for every entry after the snapshot, in sequence order.
// A gap in the sequence is reported as ErrCorruptEntry.
func (l *Log) Replay(fn func(Entry) error) error {
	l.mu.Lock()
	next := l.snapSeq + 1
	l.mu.Unlock()

	return l.db.ForEach(entryPrefix, func(key, value []byte) error {
		e, err := DecodeEntry(value)
		if err != nil {
			return err
		}
		if e.Seq != binary.BigEndian.Uint64(key[len(entryPrefix):]) {
			return fmt.Errorf("%w: entry seq %d stored under key %x", ErrCorruptEntry, e.Seq, key)
		}
		// Leftovers of an interrupted compaction.
		if e.Seq < next {
			return nil
		}
		if e.Seq != next {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrCorruptEntry, next, e.Seq)
		}
		next++
		return fn(e)
	})
}

// Snapshot returns the stored snapshot, or nil if none was written.
func (l *Log) Snapshot() (*Snapshot, error) {
	rec, err := l.db.Get(snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(rec)
}

// Compact stores s as the new snapshot, stamped with the last appended
// sequence, and deletes the folded entries. The caller must build s from
// state that includes every appended entry.
//
// A crash after the snapshot is written leaves folded entries behind. They
// are skipped on replay and removed by the next compaction.
func (l *Log) Compact(s *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.Seq = l.lastSeq
	rec, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	batch := storage.NewBatch(l.db)
	if err := batch.Put(snapshotKey, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", ErrAppendFailed, err)
	}
	l.snapSeq = s.Seq
	l.tail = 0

	var stale [][]byte
	err = l.db.ForEach(entryPrefix, func(key, _ []byte) error {
		if binary.BigEndian.Uint64(key[len(entryPrefix):]) <= s.Seq {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan folded entries: %w", err)
	}
	for start := 0; start < len(stale); start += compactBatchSize {
		end := min(start+compactBatchSize, len(stale))
		batch := storage.NewBatch(l.db)
		for _, k := range stale[start:end] {
			if err := batch.Delete(k); err != nil {
				return fmt.Errorf("delete folded entry: %w", err)
			}
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("delete folded entries: %w", err)
		}
	}
	l.logger.Info().
		Uint64("seq", s.Seq).
		Int("folded", len(stale)).
		Int("coins", len(s.Ledger.Coins)).
		Int("headers", len(s.Chain.Headers)).
		Msg("Log compacted")
	return nil
}

// LastSeq returns the sequence number of the newest entry.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// TailLen returns the number of entries after the snapshot.
func (l *Log) TailLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}
