package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(txn uint64, key, data string) *Record {
	return &Record{Type: RecordPut, TxnID: txn, DB: 1, SlotID: 9, Key: []byte(key), Data: []byte(data)}
}

func openTestLog(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cedar.log")
	w, err := Open(path, SyncEveryCommit, 0)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	for name, w := range map[string]*WAL{"memory": OpenMemory()} {
		t.Run(name, func(t *testing.T) {
			rec := &Record{
				Type:       RecordPut,
				TxnID:      3,
				DB:         2,
				SlotID:     77,
				Expiration: 1700000000,
				ModTime:    1700000000123,
				Flags:      FlagTombstone,
				Key:        []byte("key"),
				Data:       []byte("value"),
			}
			lsn, err := w.Append(rec)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), lsn)

			got, err := w.Read(lsn)
			require.NoError(t, err)
			assert.Equal(t, rec, got)

			lsn2, err := w.Append(&Record{Type: RecordCommit, TxnID: 3})
			require.NoError(t, err)
			assert.Greater(t, lsn2, lsn)
			assert.Greater(t, w.Size(), int64(lsn2))
		})
	}
}

func TestEmptyKeyAndData(t *testing.T) {
	t.Parallel()

	w := OpenMemory()
	lsn, err := w.Append(&Record{Type: RecordPut, TxnID: 1})
	require.NoError(t, err)

	got, err := w.Read(lsn)
	require.NoError(t, err)
	assert.Nil(t, got.Key)
	assert.Nil(t, got.Data)
}

func TestReplayCommittedOnly(t *testing.T) {
	t.Parallel()

	w, _ := openTestLog(t)

	// txn 1 commits, txn 2 aborts, txn 3 never finishes, txn 0 is autocommit
	mustAppend(t, w, put(1, "a", "1"))
	mustAppend(t, w, put(2, "b", "2"))
	mustAppend(t, w, put(0, "c", "3"))
	mustAppend(t, w, put(3, "d", "4"))
	mustAppend(t, w, &Record{Type: RecordCommit, TxnID: 1})
	mustAppend(t, w, &Record{Type: RecordAbort, TxnID: 2})

	var keys []string
	stats, err := w.Replay(func(lsn uint64, rec *Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, keys)
	assert.Equal(t, 6, stats.Records)
	assert.Equal(t, 2, stats.Applied)
	assert.Equal(t, 2, stats.Discarded)
	assert.Zero(t, stats.Truncated)
	assert.Equal(t, uint64(3), stats.MaxTxnID)
}

func TestReplayTruncatesTornTail(t *testing.T) {
	t.Parallel()

	w, path := openTestLog(t)
	mustAppend(t, w, put(0, "a", "1"))
	good := w.Size()
	mustAppend(t, w, put(0, "b", "2"))
	require.NoError(t, w.Close())

	// Chop the last record in half
	full, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, full[:good+5], 0600))

	w2, err := Open(path, SyncOff, 0)
	require.NoError(t, err)
	defer w2.Close()

	var keys []string
	stats, err := w2.Replay(func(_ uint64, rec *Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
	assert.Equal(t, int64(5), stats.Truncated)
	assert.Equal(t, good, w2.Size())

	// Appends continue after the good prefix
	lsn := mustAppend(t, w2, put(0, "c", "3"))
	assert.Equal(t, uint64(good), lsn)
}

func TestReplayStopsAtChecksumMismatch(t *testing.T) {
	t.Parallel()

	w, path := openTestLog(t)
	mustAppend(t, w, put(0, "a", "1"))
	second := mustAppend(t, w, put(0, "b", "2"))
	require.NoError(t, w.Close())

	full, err := os.ReadFile(path)
	require.NoError(t, err)
	full[len(full)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, full, 0600))

	w2, err := Open(path, SyncOff, 0)
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Read(second)
	assert.ErrorIs(t, err, ErrCorrupt)

	var n int
	_, err = w2.Replay(func(uint64, *Record) error { n++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncModes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, mode := range []SyncMode{SyncEveryCommit, SyncBytes, SyncOff} {
		w, err := Open(filepath.Join(dir, "log"+string(rune('0'+mode))), mode, 16)
		require.NoError(t, err)
		mustAppend(t, w, put(0, "k", "v"))
		assert.NoError(t, w.Sync())
		assert.NoError(t, w.ForceSync())
		assert.NoError(t, w.Close())
		// Double close is fine
		assert.NoError(t, w.Close())

		_, err = w.Append(put(0, "k", "v"))
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func mustAppend(t *testing.T, w *WAL, rec *Record) uint64 {
	t.Helper()
	lsn, err := w.Append(rec)
	require.NoError(t, err)
	return lsn
}
