package cedar

import (
	"time"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/wal"
)

// readData returns the record data logged at lsn, going through the cache
// according to mode. The returned slice is shared and must not be modified.
func (e *Environment) readData(lsn uint64, mode CacheMode) ([]byte, error) {
	var (
		data []byte
		ok   bool
	)
	if mode == CacheUnchanged {
		data, ok = e.cache.Peek(lsn)
	} else {
		data, ok = e.cache.Get(lsn)
	}
	if !ok {
		rec, err := e.wal.Read(lsn)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruption, "%v", err)
		}
		if rec.Type != wal.RecordPut {
			return nil, errors.Wrapf(ErrCorruption, "record at %d is not a put", lsn)
		}
		data = rec.Data
		if mode != CacheUnchanged {
			e.cache.Put(lsn, data)
		}
	}
	if mode == CacheEvictLN || mode == CacheEvictBIN {
		e.cache.Delete(lsn)
	}
	return data, nil
}

// writeSpec is a write's record metadata after options are resolved.
type writeSpec struct {
	expiration int64 // absolute, unix seconds; 0 = never
	updateTTL  bool  // apply expiration to an existing record too
	modTime    int64
	tombstone  bool
	cacheMode  CacheMode
}

func (c *Cursor) writeSpec(opts *WriteOptions) writeSpec {
	now := time.Now()
	ws := writeSpec{modTime: now.UnixNano(), cacheMode: c.cacheMode}
	if opts == nil {
		return ws
	}
	if opts.TTL > 0 {
		ws.expiration = now.Add(opts.TTL).Unix()
	}
	ws.updateTTL = opts.UpdateTTL
	if !opts.ModificationTime.IsZero() {
		ws.modTime = opts.ModificationTime.UnixNano()
	}
	ws.tombstone = opts.Tombstone
	if opts.CacheMode != nil {
		ws.cacheMode = *opts.CacheMode
	}
	return ws
}

// logRecord appends a put or delete of s to the record log. Writes made
// without a transaction are synced according to the sync mode right away;
// transactional writes are synced at commit.
func (c *Cursor) logRecord(typ uint8, s *base.Slot, key, data []byte, exp, modTime int64, tombstone bool) (uint64, error) {
	rec := &wal.Record{
		Type:       typ,
		TxnID:      c.lk.txnID(),
		DB:         c.st.id,
		SlotID:     uint64(s.ID),
		Expiration: exp,
		ModTime:    modTime,
		Key:        key,
		Data:       data,
	}
	if tombstone {
		rec.Flags |= wal.FlagTombstone
	}
	if c.st.dups {
		rec.Flags |= wal.FlagDups
	}

	lsn, err := c.env.wal.Append(rec)
	if err != nil {
		return 0, errors.Wrap(err, "log record")
	}
	if c.lk.txn != nil {
		c.lk.txn.logged.Store(true)
		return lsn, nil
	}
	return lsn, c.env.wal.Sync()
}

// result builds the public result of a record snapshot.
func result(snap base.Snapshot, update bool) *OperationResult {
	r := &OperationResult{
		ModificationTime: time.Unix(0, snap.ModTime),
		StorageSize:      snap.Size,
		Tombstone:        snap.Flags&base.Tombstone != 0,
		Update:           update,
	}
	if snap.Expiration != 0 {
		r.ExpirationTime = time.Unix(snap.Expiration, 0)
	}
	return r
}

func nowUnix() int64 { return time.Now().Unix() }
