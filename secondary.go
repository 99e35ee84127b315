package cedar

import (
	"bytes"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/dupkey"
	"github.com/alexhholmes/cedar/internal/lock"
)

// SecondaryKeyCreator derives the secondary key of a primary record. ok is
// false when the record has no secondary key.
type SecondaryKeyCreator func(key, data []byte) (secKey []byte, ok bool, err error)

// ForeignKeyNullifier clears foreignKey from the primary record data. It
// returns the new data and whether anything changed.
type ForeignKeyNullifier func(data, foreignKey []byte) (newData []byte, changed bool)

// ForeignKeyDeleteAction is what deleting a foreign record does to the
// primary records that reference it.
type ForeignKeyDeleteAction int

const (
	// ForeignKeyAbort fails the delete with ErrDeleteConstraint.
	ForeignKeyAbort ForeignKeyDeleteAction = iota
	// ForeignKeyCascade deletes the referencing primary records.
	ForeignKeyCascade
	// ForeignKeyNullify rewrites the referencing primary records with the
	// ForeignKeyNullifier.
	ForeignKeyNullify
)

func (a ForeignKeyDeleteAction) String() string {
	switch a {
	case ForeignKeyAbort:
		return "abort"
	case ForeignKeyCascade:
		return "cascade"
	case ForeignKeyNullify:
		return "nullify"
	}
	return "unknown"
}

// SecondaryConfig configures OpenSecondaryDatabase.
type SecondaryConfig struct {
	DatabaseConfig

	KeyCreator SecondaryKeyCreator
	// ImmutableSecondaryKey promises that an update never changes the
	// secondary key, so updates skip the secondary unless the expiration or
	// tombstone state changed.
	ImmutableSecondaryKey bool
	// AllowPopulate fills a new, empty secondary from the primary on open.
	AllowPopulate bool

	// ForeignKeyDatabase, when set, must contain every secondary key.
	ForeignKeyDatabase     *Database
	ForeignKeyDeleteAction ForeignKeyDeleteAction
	ForeignKeyNullifier    ForeignKeyNullifier
}

// SecondaryDatabase is an index over a primary database, kept up to date by
// every write to the primary. Its records map a secondary key to a primary
// key; reads through it return the primary record.
type SecondaryDatabase struct {
	*Database
	primary *Database
	foreign *Database
	config  SecondaryConfig

	corrupt atomic.Bool
}

// OpenSecondaryDatabase opens name as a secondary of primary.
func (e *Environment) OpenSecondaryDatabase(txn *Transaction, name string, primary *Database, cfg *SecondaryConfig) (*SecondaryDatabase, error) {
	if cfg == nil || cfg.KeyCreator == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "secondary requires a key creator")
	}
	if primary == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "secondary requires a primary database")
	}
	if err := primary.checkOpen(); err != nil {
		return nil, err
	}
	switch {
	case primary.env != e:
		return nil, errors.Wrap(ErrInvalidArgument, "primary belongs to another environment")
	case primary.secondary != nil:
		return nil, errors.Wrapf(ErrInvalidArgument, "%q is itself a secondary", primary.st.name)
	case primary.st.dups:
		return nil, errors.Wrapf(ErrInvalidArgument, "primary %q has sorted duplicates", primary.st.name)
	case primary.st.transactional != (cfg.Transactional && e.opts.transactional):
		return nil, errors.Wrapf(ErrInvalidArgument, "secondary %q and primary %q differ in transactional setting", name, primary.st.name)
	}
	if fdb := cfg.ForeignKeyDatabase; fdb != nil {
		switch {
		case fdb.env != e:
			return nil, errors.Wrap(ErrInvalidArgument, "foreign key database belongs to another environment")
		case fdb.st.dups:
			return nil, errors.Wrapf(ErrInvalidArgument, "foreign key database %q has sorted duplicates", fdb.st.name)
		case cfg.ForeignKeyDeleteAction == ForeignKeyNullify && cfg.ForeignKeyNullifier == nil:
			return nil, errors.Wrap(ErrInvalidArgument, "nullify action requires a nullifier")
		}
	}

	db, err := e.OpenDatabase(txn, name, &cfg.DatabaseConfig)
	if err != nil {
		return nil, err
	}
	if db.st == primary.st {
		db.Close()
		return nil, errors.Wrap(ErrInvalidArgument, "a database cannot be its own secondary")
	}

	sdb := &SecondaryDatabase{
		Database: db,
		primary:  primary,
		foreign:  cfg.ForeignKeyDatabase,
		config:   *cfg,
	}
	db.secondary = sdb

	empty := db.st.tree.Len() == 0

	primary.st.assocMu.Lock()
	for _, other := range primary.st.secondaries {
		if other.st == db.st {
			primary.st.assocMu.Unlock()
			db.Close()
			return nil, errors.Wrapf(ErrInvalidArgument, "secondary %q is already open", name)
		}
	}
	primary.st.secondaries = append(primary.st.secondaries, sdb)
	primary.st.assocMu.Unlock()
	if sdb.foreign != nil {
		sdb.foreign.st.assocMu.Lock()
		sdb.foreign.st.foreignRefs = append(sdb.foreign.st.foreignRefs, sdb)
		sdb.foreign.st.assocMu.Unlock()
	}

	if cfg.AllowPopulate && empty {
		if err := sdb.populate(txn); err != nil {
			sdb.Close()
			return nil, errors.Wrapf(err, "populate secondary %q", name)
		}
	}
	return sdb, nil
}

// Primary returns the primary database.
func (s *SecondaryDatabase) Primary() *Database { return s.primary }

// SecondaryConfig returns the configuration the secondary was opened with.
func (s *SecondaryDatabase) SecondaryConfig() SecondaryConfig { return s.config }

// IsCorrupt reports whether an integrity failure marked the secondary
// corrupt. A corrupt secondary rejects every read and the primary rejects
// every write.
func (s *SecondaryDatabase) IsCorrupt() bool { return s.corrupt.Load() }

// Close removes the secondary from its primary and foreign database and
// closes the handle.
func (s *SecondaryDatabase) Close() error {
	if err := s.Database.Close(); err != nil {
		return err
	}
	detach := func(list []*SecondaryDatabase) []*SecondaryDatabase {
		out := list[:0]
		for _, x := range list {
			if x != s {
				out = append(out, x)
			}
		}
		return out
	}
	s.primary.st.assocMu.Lock()
	s.primary.st.secondaries = detach(s.primary.st.secondaries)
	s.primary.st.assocMu.Unlock()
	if s.foreign != nil {
		s.foreign.st.assocMu.Lock()
		s.foreign.st.foreignRefs = detach(s.foreign.st.foreignRefs)
		s.foreign.st.assocMu.Unlock()
	}
	return nil
}

func (s *SecondaryDatabase) checkCorrupt() error {
	if s.corrupt.Load() {
		return errors.Wrapf(ErrSecondaryCorrupted, "%q", s.st.name)
	}
	return nil
}

// integrityError reports a broken secondary reference and, under the
// integrity-fatal policy, marks the secondary corrupt.
func (s *SecondaryDatabase) integrityError(secKey, priKey []byte, reason string) error {
	env := s.env
	env.metrics.IntegrityFailures.Inc()
	if env.opts.integrityFatal {
		s.corrupt.Store(true)
	}
	env.log.Error("secondary integrity failure",
		"secondary", s.st.name, "primary", s.primary.st.name, "reason", reason,
		"marked_corrupt", env.opts.integrityFatal)
	return &SecondaryIntegrityError{
		Secondary:    s.st.name,
		Primary:      s.primary.st.name,
		SecondaryKey: append([]byte(nil), secKey...),
		PrimaryKey:   append([]byte(nil), priKey...),
		Reason:       reason,
	}
}

func (s *SecondaryDatabase) createKey(key, data []byte) ([]byte, bool, error) {
	sk, ok, err := s.config.KeyCreator(key, data)
	if err != nil {
		return nil, false, errors.Wrapf(err, "key creator of secondary %q", s.st.name)
	}
	return sk, ok, nil
}

// populate indexes every record of the primary.
func (s *SecondaryDatabase) populate(txn *Transaction) error {
	return s.primary.update(txn, func(pc *Cursor) error {
		key, data := &Entry{}, &Entry{}
		for {
			res, err := pc.Get(key, data, Next, nil)
			if err != nil || res == nil {
				return err
			}
			sk, ok, err := s.createKey(key.Data, data.Data)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ws := writeSpec{
				expiration: unixOrZero(res.ExpirationTime.Unix(), !res.ExpirationTime.IsZero()),
				updateTTL:  true,
				modTime:    res.ModificationTime.UnixNano(),
				tombstone:  res.Tombstone,
				cacheMode:  pc.cacheMode,
			}
			if err := s.insertEntry(pc, sk, key.Data, ws); err != nil {
				return err
			}
		}
	})
}

func unixOrZero(v int64, ok bool) int64 {
	if !ok {
		return 0
	}
	return v
}

// needOldData reports whether a put must read the data it replaces. Triggers
// receive it, and a secondary whose key may change derives the key to
// remove from it.
func (st *dbState) needOldData() bool {
	if len(st.triggers) > 0 {
		return true
	}
	for _, s := range st.secondaries {
		if !s.config.ImmutableSecondaryKey {
			return true
		}
	}
	return false
}

// precheckSecondaries fails a put before the primary changes when the new
// record's secondary keys violate a foreign key or unique constraint.
// Requires the primary's assocMu read lock.
func (c *Cursor) precheckSecondaries(key, data []byte) error {
	for _, s := range c.st.secondaries {
		if err := s.checkCorrupt(); err != nil {
			return err
		}
		sk, ok, err := s.createKey(key, data)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if s.foreign != nil {
			if err := s.checkForeign(c, sk); err != nil {
				return err
			}
		}
		if !s.st.dups {
			if err := s.checkUnique(c, sk, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkForeign read-locks sk in the foreign database; it must exist.
func (s *SecondaryDatabase) checkForeign(c *Cursor, sk []byte) error {
	fc := newCursor(s.foreign, c.lk, true)
	defer fc.closeLocked()

	rs := fc.readSpec(nil)
	l, err := fc.searchExact(s.foreign.st.tree.SearchFor(sk), rs)
	if err != nil {
		return err
	}
	if l == nil {
		return errors.Wrapf(ErrForeignConstraint, "secondary %q: key %q not in %q", s.st.name, sk, s.foreign.st.name)
	}
	fc.setPosition(l.pos)
	return nil
}

// checkUnique fails when sk already maps to a primary key other than key.
// It is a dirty check; insertEntry repeats it under lock.
func (s *SecondaryDatabase) checkUnique(c *Cursor, sk, key []byte) error {
	ic := newCursor(s.Database, c.lk, true)
	defer ic.closeLocked()

	rs := &readSpec{lockType: lock.None, now: nowUnix()}
	l, err := ic.searchExact(s.st.tree.SearchFor(sk), rs)
	if err != nil || l == nil {
		return err
	}
	if !bytes.Equal(l.data, key) {
		return errors.Wrapf(ErrUniqueConstraint, "secondary %q: key %q", s.st.name, sk)
	}
	return nil
}

// updateSecondaries brings every secondary of the database in line with m.
// Requires the primary's assocMu read lock.
func (c *Cursor) updateSecondaries(m *mutation) error {
	for _, s := range c.st.secondaries {
		if err := s.apply(c, m); err != nil {
			return err
		}
	}
	return nil
}

// apply updates the secondary for one primary mutation.
func (s *SecondaryDatabase) apply(c *Cursor, m *mutation) error {
	if err := s.checkCorrupt(); err != nil {
		return err
	}
	metaChanged := m.before.Expiration != m.after.Expiration ||
		m.before.Flags&base.Tombstone != m.after.Flags&base.Tombstone
	if s.config.ImmutableSecondaryKey && m.existed && !m.deleted && !metaChanged {
		return nil
	}

	var (
		oldKey, newKey []byte
		hasOld, hasNew bool
		err            error
	)
	if !m.deleted {
		if newKey, hasNew, err = s.createKey(m.key, m.newData); err != nil {
			return err
		}
	}
	switch {
	case !m.existed:
	case s.config.ImmutableSecondaryKey && !m.deleted:
		// The old data may not have been read; the key is the same
		oldKey, hasOld = newKey, hasNew
	default:
		if oldKey, hasOld, err = s.createKey(m.key, m.oldData); err != nil {
			return err
		}
	}
	same := hasOld && hasNew && s.st.keyCmp(oldKey, newKey) == 0

	ws := writeSpec{
		expiration: m.after.Expiration,
		updateTTL:  true,
		modTime:    m.after.ModTime,
		tombstone:  m.after.Flags&base.Tombstone != 0,
		cacheMode:  c.cacheMode,
	}
	if m.deleted {
		ws.modTime = nowUnix() * 1e9
	}

	if hasOld && !same {
		if err := s.deleteEntry(c, oldKey, m.key, ws); err != nil {
			return err
		}
	}
	if hasNew && (!same || metaChanged) {
		return s.insertEntry(c, newKey, m.key, ws)
	}
	return nil
}

// insertEntry writes sk -> key. A sk of a unique secondary that maps to a
// different primary key fails with ErrUniqueConstraint.
func (s *SecondaryDatabase) insertEntry(c *Cursor, sk, key []byte, ws writeSpec) error {
	ic := newCursor(s.Database, c.lk, true)
	ic.cacheMode = c.cacheMode
	defer ic.closeLocked()

	if s.foreign != nil {
		if err := s.checkForeign(c, sk); err != nil {
			return err
		}
	}
	if s.st.dups {
		_, err := ic.write(Overwrite, sk, NewEntry(key), ws)
		return err
	}

	rs := ic.readSpec(&ReadOptions{LockMode: RMW})
	for {
		res, err := ic.write(NoOverwrite, sk, NewEntry(key), ws)
		if err != nil || res != nil {
			return err
		}
		// sk exists; it may already be ours
		l, err := ic.searchExact(s.st.tree.SearchFor(sk), rs)
		if err != nil {
			return err
		}
		if l == nil {
			continue
		}
		ic.setPosition(l.pos)
		if !bytes.Equal(l.data, key) {
			return errors.Wrapf(ErrUniqueConstraint, "secondary %q: key %q", s.st.name, sk)
		}
		_, err = ic.write(PutCurrent, nil, NewEntry(key), ws)
		return err
	}
}

// deleteEntry removes sk -> key. A missing entry means the secondary is
// out of step with the primary.
func (s *SecondaryDatabase) deleteEntry(c *Cursor, sk, key []byte, ws writeSpec) error {
	ic := newCursor(s.Database, c.lk, true)
	ic.cacheMode = c.cacheMode
	defer ic.closeLocked()

	rs := ic.readSpec(&ReadOptions{LockMode: RMW})
	var (
		l   *landing
		err error
	)
	if s.st.dups {
		l, err = ic.searchExact(s.st.codec.Exact(dupkey.Combine(sk, key)), rs)
	} else {
		l, err = ic.searchExact(s.st.tree.SearchFor(sk), rs)
		if err == nil && l != nil && !bytes.Equal(l.data, key) {
			ic.discard(l)
			l = nil
		}
	}
	if err != nil {
		return err
	}
	if l == nil {
		return s.integrityError(sk, key, "secondary record missing for primary record")
	}
	ic.setPosition(l.pos)
	_, err = ic.delete(ws)
	return err
}

// Get returns the primary key and data of the first record with secKey. A
// nil result means not found.
func (s *SecondaryDatabase) Get(txn *Transaction, secKey []byte, opts *ReadOptions) (pKey, data []byte, res *OperationResult, err error) {
	sc, err := s.OpenSecondaryCursor(txn, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	defer sc.Close()

	pk, d := &Entry{}, &Entry{}
	res, err = sc.Get(NewEntry(secKey), pk, d, Search, opts)
	if err != nil || res == nil {
		return nil, nil, nil, err
	}
	return pk.Data, d.Data, res, nil
}

// Delete deletes every primary record indexed under secKey. A nil result
// means none was found.
func (s *SecondaryDatabase) Delete(txn *Transaction, secKey []byte, opts *WriteOptions) (*OperationResult, error) {
	var res *OperationResult
	err := s.primary.update(txn, func(pc *Cursor) error {
		sc, err := s.openSecondaryCursor(pc.lk.txn, nil)
		if err != nil {
			return err
		}
		defer sc.Close()

		rmw := &ReadOptions{LockMode: RMW}
		for r, err := sc.Get(NewEntry(secKey), nil, nil, Search, rmw); r != nil || err != nil; r, err = sc.Get(nil, nil, nil, NextDup, rmw) {
			if err != nil {
				return err
			}
			dr, err := sc.Delete(opts)
			if err != nil {
				return err
			}
			if dr != nil {
				res = dr
			}
		}
		return nil
	})
	return res, err
}

// Put is not supported on a secondary; write the primary instead.
func (s *SecondaryDatabase) Put(*Transaction, []byte, []byte, *WriteOptions) (*OperationResult, error) {
	return nil, errors.Wrapf(ErrUnsupportedOperation, "database %q is a secondary; write its primary", s.st.name)
}
