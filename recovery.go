package cedar

import (
	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/wal"
)

// catalogEntry is a database known to the environment. state is built the
// first time the database is opened, because the key comparators are only
// known then.
type catalogEntry struct {
	id            uint32
	name          string
	dups          bool
	transactional bool
	state         *dbState
}

// recoveredRecord is a committed record replayed from the log but not yet
// applied to its database's tree. The record's data is dropped; it is read
// back through the cache when needed.
type recoveredRecord struct {
	lsn  uint64
	size int
	rec  *wal.Record
}

// recover replays the record log. Records are grouped per database and
// applied when the database is first opened.
func (e *Environment) recover() error {
	stats, err := e.wal.Replay(func(lsn uint64, rec *wal.Record) error {
		switch rec.Type {
		case wal.RecordCatalog:
			ce := &catalogEntry{
				id:            rec.DB,
				name:          string(rec.Key),
				dups:          rec.Flags&wal.FlagDups != 0,
				transactional: rec.Flags&wal.FlagTransactional != 0,
			}
			e.catalog[ce.name] = ce
			e.byID[ce.id] = ce
			e.nextDBID = max(e.nextDBID, ce.id)

		case wal.RecordPut, wal.RecordDelete:
			base.AdvanceSlotIDs(base.SlotID(rec.SlotID))
			size := len(rec.Key) + len(rec.Data)
			rec.Data = nil
			e.recovered[rec.DB] = append(e.recovered[rec.DB], recoveredRecord{lsn: lsn, size: size, rec: rec})

		default:
			return errors.Wrapf(ErrCorruption, "unexpected record type %d at %d", rec.Type, lsn)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "recover record log")
	}

	e.nextTxnID.Store(stats.MaxTxnID)
	for id := range e.recovered {
		if _, ok := e.byID[id]; !ok {
			return errors.Wrapf(ErrCorruption, "records for unknown database %d", id)
		}
	}

	if stats.Records > 0 {
		e.log.Info("recovered record log",
			"records", stats.Records,
			"applied", stats.Applied,
			"discarded", stats.Discarded,
			"truncated", stats.Truncated,
			"databases", len(e.catalog))
	}
	return nil
}

// applyRecovered rebuilds a database's tree from its recovered records, in
// log order. Requires e.mu.
func (e *Environment) applyRecovered(st *dbState) {
	recs := e.recovered[st.id]
	delete(e.recovered, st.id)
	if len(recs) == 0 {
		return
	}

	t := st.tree
	t.Latch()
	defer t.Unlatch()

	for _, r := range recs {
		rec := r.rec
		existing := t.SearchExact(t.SearchFor(rec.Key))

		if rec.Type == wal.RecordDelete {
			if existing != nil {
				t.Remove(existing)
			}
			continue
		}

		s := existing
		if s == nil {
			s = &base.Slot{ID: base.SlotID(rec.SlotID), Key: rec.Key}
			t.Insert(s)
		} else {
			// A comparator-equal key may have replaced the stored bytes
			s.Key = rec.Key
		}
		s.LSN = r.lsn
		s.Size = r.size
		s.Expiration = rec.Expiration
		s.ModTime = rec.ModTime
		s.Flags = 0
		if rec.Flags&wal.FlagTombstone != 0 {
			s.Flags |= base.Tombstone
		}
	}
}

// logCatalog writes the catalog record of a new database.
func (e *Environment) logCatalog(ce *catalogEntry) error {
	var flags uint8
	if ce.dups {
		flags |= wal.FlagDups
	}
	if ce.transactional {
		flags |= wal.FlagTransactional
	}
	if _, err := e.wal.Append(&wal.Record{
		Type:  wal.RecordCatalog,
		DB:    ce.id,
		Flags: flags,
		Key:   []byte(ce.name),
	}); err != nil {
		return errors.Wrapf(err, "create database %q", ce.name)
	}
	return e.wal.Sync()
}
