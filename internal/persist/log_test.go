package persist

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Klingon-tech/klingnet-spv/internal/storage"
)

func openLog(t *testing.T, db storage.DB) *Log {
	t.Helper()
	l, err := Open(db)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return l
}

func collect(t *testing.T, l *Log) []Entry {
	t.Helper()
	var out []Entry
	if err := l.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	return out
}

func TestLog_AppendReplay(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)

	payloads := testPayloads()
	entries, err := l.Append(payloads[:2]...)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", entries[0].Seq, entries[1].Seq)
	}
	if _, err := l.Append(payloads[2:]...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Reopen from the same storage.
	l2 := openLog(t, db)
	if l2.LastSeq() != uint64(len(payloads)) {
		t.Errorf("LastSeq() = %d, want %d", l2.LastSeq(), len(payloads))
	}
	got := collect(t, l2)
	if len(got) != len(payloads) {
		t.Fatalf("replayed %d entries, want %d", len(got), len(payloads))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if !reflect.DeepEqual(e.Payload, payloads[i]) {
			t.Errorf("entry %d payload = %+v, want %+v", i, e.Payload, payloads[i])
		}
	}
}

func TestLog_AppendEmpty(t *testing.T) {
	l := openLog(t, storage.NewMemory())
	entries, err := l.Append()
	if err != nil || entries != nil {
		t.Fatalf("Append() = %v, %v", entries, err)
	}
	if l.LastSeq() != 0 {
		t.Error("empty append must not consume a sequence number")
	}
}

func TestLog_AppendFailureWritesNothing(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)
	if _, err := l.Append(testPayloads()[0]); err != nil {
		t.Fatal(err)
	}

	db.SetWriteError(errors.New("disk full"))
	_, err := l.Append(testPayloads()[1:]...)
	if !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("error = %v, want ErrAppendFailed", err)
	}
	if l.LastSeq() != 1 {
		t.Errorf("LastSeq() = %d after failed append, want 1", l.LastSeq())
	}
	db.SetWriteError(nil)

	if got := collect(t, openLog(t, db)); len(got) != 1 {
		t.Errorf("replayed %d entries, want 1", len(got))
	}
	// The sequence continues without a gap.
	entries, err := l.Append(testPayloads()[1])
	if err != nil || entries[0].Seq != 2 {
		t.Fatalf("Append() = %v, %v", entries, err)
	}
}

// countingDB counts the batches opened on it.
type countingDB struct {
	*storage.MemoryDB
	batches int
}

func (c *countingDB) NewBatch() storage.Batch {
	c.batches++
	return c.MemoryDB.NewBatch()
}

func TestLog_AppendEncodeFailureOpensNoBatch(t *testing.T) {
	db := &countingDB{MemoryDB: storage.NewMemory()}
	l := openLog(t, db)

	if _, err := l.Append(testPayloads()[0], nil); err == nil {
		t.Fatal("Append() with a nil payload succeeded")
	}
	if db.batches != 0 {
		t.Errorf("opened %d batches for an append that failed to encode", db.batches)
	}
	if l.LastSeq() != 0 {
		t.Errorf("LastSeq() = %d, want 0", l.LastSeq())
	}
	if _, err := l.Append(testPayloads()[0]); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if db.batches != 1 {
		t.Errorf("batches = %d, want 1", db.batches)
	}
}

func TestLog_ReplayDetectsGap(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)
	if _, err := l.Append(testPayloads()...); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(entryKey(3)); err != nil {
		t.Fatal(err)
	}
	err := openLog(t, db).Replay(func(Entry) error { return nil })
	if !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("error = %v, want ErrCorruptEntry", err)
	}
}

func TestLog_ReplayDetectsCorruption(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)
	if _, err := l.Append(testPayloads()...); err != nil {
		t.Fatal(err)
	}
	rec, _ := db.Get(entryKey(2))
	rec[len(rec)-5] ^= 0xff
	if err := db.Put(entryKey(2), rec); err != nil {
		t.Fatal(err)
	}
	var seen int
	err := l.Replay(func(Entry) error { seen++; return nil })
	if !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("error = %v, want ErrCorruptEntry", err)
	}
	if seen != 1 {
		t.Errorf("entries before corruption = %d, want 1", seen)
	}
}

func TestLog_ReplayStopsOnCallbackError(t *testing.T) {
	l := openLog(t, storage.NewMemory())
	if _, err := l.Append(testPayloads()...); err != nil {
		t.Fatal(err)
	}
	stop := errors.New("stop")
	if err := l.Replay(func(Entry) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("error = %v, want stop", err)
	}
}

func TestLog_Compact(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)
	payloads := testPayloads()
	if _, err := l.Append(payloads[:3]...); err != nil {
		t.Fatal(err)
	}

	snap := &Snapshot{
		Watermarks: []WatermarkAdvanced{{Next: 9}},
		Chain:      ChainSnapshot{BaseWork: "02"},
	}
	if err := l.Compact(snap); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}
	if snap.Seq != 3 {
		t.Errorf("snapshot seq = %d, want 3", snap.Seq)
	}
	if l.TailLen() != 0 {
		t.Errorf("TailLen() = %d, want 0", l.TailLen())
	}
	if _, err := l.Append(payloads[3:]...); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, db)
	got, err := l2.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if got == nil || got.Seq != 3 || got.Watermarks[0].Next != 9 {
		t.Fatalf("Snapshot() = %+v", got)
	}
	tail := collect(t, l2)
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Fatalf("tail = %+v", tail)
	}
	if l2.TailLen() != 2 {
		t.Errorf("TailLen() = %d, want 2", l2.TailLen())
	}
	if has, _ := db.Has(entryKey(1)); has {
		t.Error("folded entry 1 still stored")
	}
}

// A crash between writing the snapshot and deleting folded entries must not
// replay those entries again.
func TestLog_CompactInterrupted(t *testing.T) {
	db := storage.NewMemory()
	l := openLog(t, db)
	if _, err := l.Append(testPayloads()...); err != nil {
		t.Fatal(err)
	}
	rec, err := encodeSnapshot(&Snapshot{Seq: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(snapshotKey, rec); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, db)
	tail := collect(t, l2)
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("tail = %+v, want seqs 4 and 5", tail)
	}
	if l2.LastSeq() != 5 {
		t.Errorf("LastSeq() = %d, want 5", l2.LastSeq())
	}
}

func TestLog_NoSnapshot(t *testing.T) {
	snap, err := openLog(t, storage.NewMemory()).Snapshot()
	if err != nil || snap != nil {
		t.Fatalf("Snapshot() = %v, %v, want nil, nil", snap, err)
	}
}

func TestLog_Badger(t *testing.T) {
	db, err := storage.NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	l := openLog(t, storage.NewPrefixDB(db, []byte("wal/")))
	if _, err := l.Append(testPayloads()...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if got := collect(t, l); len(got) != len(testPayloads()) {
		t.Errorf("replayed %d entries", len(got))
	}
}
