// Package wal is the append-only record log. Every record version written by
// the engine lives here; a record's log sequence number (LSN) is its byte
// offset in the log.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// SyncMode controls when the log is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every commit and every non-transactional
	// write.
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when bytesPerSync bytes have been written.
	// Data loss window: up to bytesPerSync bytes on power failure.
	SyncBytes

	// SyncOff never fsyncs except on Close.
	SyncOff
)

// frameHeaderSize Frame format: [PayloadLen:4][XXHash64:8][Payload:N]
const frameHeaderSize = 4 + 8

// maxPayload bounds a single record so that a corrupt length cannot trigger a
// huge allocation during replay.
const maxPayload = 1 << 30

var (
	ErrCorrupt = errors.New("wal: corrupt record")
	ErrClosed  = errors.New("wal: closed")
)

// WAL is the record log. Appends are serialized; reads by LSN may run
// concurrently with appends.
type WAL struct {
	mu     sync.Mutex
	store  backing
	offset int64 // Current write position
	closed bool

	// Sync configuration
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int // Bytes written since last fsync

	bufPool sync.Pool
}

// Open opens or creates a file-backed log.
func Open(path string, syncMode SyncMode, bytesPerSync int) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", path)
	}

	// get current file size to set offset
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat log")
	}

	return newWAL(&fileBacking{file: file}, info.Size(), syncMode, bytesPerSync), nil
}

// OpenMemory creates a log that lives only in memory.
func OpenMemory() *WAL {
	return newWAL(&memBacking{}, 0, SyncOff, 0)
}

func newWAL(store backing, size int64, syncMode SyncMode, bytesPerSync int) *WAL {
	return &WAL{
		store:        store,
		offset:       size,
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, 256)
				return &b
			},
		},
	}
}

// Append writes rec and returns its LSN.
func (w *WAL) Append(rec *Record) (uint64, error) {
	bp := w.bufPool.Get().(*[]byte)
	defer w.bufPool.Put(bp)

	buf := (*bp)[:0]
	buf = append(buf, make([]byte, frameHeaderSize)...)
	buf = rec.appendPayload(buf)
	payload := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], xxhash.Sum64(payload))
	*bp = buf

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	lsn := w.offset
	if _, err := w.store.WriteAt(buf, lsn); err != nil {
		return 0, errors.Wrap(err, "append log record")
	}

	// Update offset and track bytes since sync
	w.offset += int64(len(buf))
	w.bytesSinceSync += len(buf)
	return uint64(lsn), nil
}

// Read returns the record stored at lsn.
func (w *WAL) Read(lsn uint64) (*Record, error) {
	rec, _, err := readFrame(w.store, int64(lsn))
	if err != nil {
		return nil, errors.Wrapf(err, "read log record at %d", lsn)
	}
	return rec, nil
}

// readFrame decodes the frame at off and returns the offset just past it.
func readFrame(r io.ReaderAt, off int64) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := r.ReadAt(header[:], off); err != nil {
		return nil, 0, err
	}
	n := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint64(header[4:12])
	if n == 0 || n > maxPayload {
		return nil, 0, ErrCorrupt
	}

	payload := make([]byte, n)
	if _, err := r.ReadAt(payload, off+frameHeaderSize); err != nil {
		return nil, 0, err
	}
	if xxhash.Sum64(payload) != sum {
		return nil, 0, ErrCorrupt
	}

	rec, err := decodePayload(payload)
	if err != nil {
		return nil, 0, err
	}
	return rec, off + frameHeaderSize + int64(n), nil
}

// Sync conditionally fsyncs the log based on sync mode configuration.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncUnsafe()

	case SyncBytes:
		// Sync if we've exceeded the byte threshold
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncUnsafe()
		}
		return nil

	case SyncOff:
		return nil

	default:
		return errors.Errorf("unknown wal sync mode: %d", w.syncMode)
	}
}

// ForceSync unconditionally fsyncs the log regardless of sync mode.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.syncUnsafe()
}

// syncUnsafe performs fsync and resets the byte counter.
// Caller must hold w.mu.
func (w *WAL) syncUnsafe() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.store.Sync(); err != nil {
		return errors.Wrap(err, "sync log")
	}
	w.bytesSinceSync = 0
	return nil
}

// Size returns the number of bytes in the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// ReplayStats describes a replay.
type ReplayStats struct {
	Records   int
	Applied   int
	Discarded int   // records of transactions without a commit marker
	Truncated int64 // bytes cut from a torn tail
	MaxTxnID  uint64
}

// Replay reads the log and calls applyFn for every record that belongs to a
// committed transaction or to no transaction, in log order of commit. A torn
// or corrupt tail is truncated.
func (w *WAL) Replay(applyFn func(lsn uint64, rec *Record) error) (ReplayStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	type pending struct {
		lsn uint64
		rec *Record
	}

	var stats ReplayStats
	// Track uncommitted transactions
	// Map: TxnID -> records to apply if commit marker found
	uncommitted := make(map[uint64][]pending)

	var off int64
	for off < w.offset {
		rec, next, err := readFrame(w.store, off)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
				break
			}
			return stats, errors.Wrapf(err, "wal replay at %d", off)
		}
		stats.Records++
		stats.MaxTxnID = max(stats.MaxTxnID, rec.TxnID)
		lsn := uint64(off)
		off = next

		switch rec.Type {
		case RecordCommit:
			for _, p := range uncommitted[rec.TxnID] {
				if err := applyFn(p.lsn, p.rec); err != nil {
					return stats, errors.Wrapf(err, "wal replay: apply record %d", p.lsn)
				}
				stats.Applied++
			}
			delete(uncommitted, rec.TxnID)

		case RecordAbort:
			stats.Discarded += len(uncommitted[rec.TxnID])
			delete(uncommitted, rec.TxnID)

		default:
			if rec.TxnID == 0 {
				if err := applyFn(lsn, rec); err != nil {
					return stats, errors.Wrapf(err, "wal replay: apply record %d", lsn)
				}
				stats.Applied++
				continue
			}
			uncommitted[rec.TxnID] = append(uncommitted[rec.TxnID], pending{lsn: lsn, rec: rec})
		}
	}

	for _, recs := range uncommitted {
		stats.Discarded += len(recs)
	}

	if off < w.offset {
		stats.Truncated = w.offset - off
		if err := w.store.Truncate(off); err != nil {
			return stats, errors.Wrap(err, "truncate torn log tail")
		}
		w.offset = off
	}
	return stats, nil
}

// Close syncs and closes the log. Closing twice is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	err := w.store.Sync()
	w.closed = true
	if cerr := w.store.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "close log")
}
