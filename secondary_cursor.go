package cedar

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/lock"
)

// SecondaryCursor reads a primary database in the order of a secondary
// index. Gets return the secondary key, the primary key and the primary
// data; Delete deletes the primary record.
type SecondaryCursor struct {
	c       *Cursor // on the secondary
	sdb     *SecondaryDatabase
	primary *Cursor // internal, same locker as c
	// updateErr is why the primary may not be written through this cursor
	updateErr error
}

// OpenSecondaryCursor opens a cursor on the secondary.
func (s *SecondaryDatabase) OpenSecondaryCursor(txn *Transaction, cfg *CursorConfig) (*SecondaryCursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.checkCorrupt(); err != nil {
		return nil, err
	}
	return s.openSecondaryCursor(txn, cfg)
}

func (s *SecondaryDatabase) openSecondaryCursor(txn *Transaction, cfg *CursorConfig) (*SecondaryCursor, error) {
	c, err := s.Database.openCursor(txn, cfg, false)
	if err != nil {
		return nil, err
	}
	return &SecondaryCursor{
		c:         c,
		sdb:       s,
		primary:   newCursor(s.primary, c.lk, true),
		updateErr: newCursor(s.primary, c.lk, false).checkUpdatesAllowed(),
	}, nil
}

// Database returns the secondary database.
func (sc *SecondaryCursor) Database() *SecondaryDatabase { return sc.sdb }

// IsInitialized reports whether the cursor has a position.
func (sc *SecondaryCursor) IsInitialized() bool { return sc.c.IsInitialized() }

// SetRangeConstraint bounds movement to secondary keys rc accepts.
func (sc *SecondaryCursor) SetRangeConstraint(rc RangeConstraint) { sc.c.SetRangeConstraint(rc) }

// SetCacheMode sets the default cache mode of both the secondary and the
// primary reads.
func (sc *SecondaryCursor) SetCacheMode(m CacheMode) {
	sc.c.SetCacheMode(m)
	sc.primary.SetCacheMode(m)
}

// Close closes the cursor. Closing twice is a no-op.
func (sc *SecondaryCursor) Close() error {
	if sc.c.closed {
		return nil
	}
	if err := sc.c.Close(); err != nil {
		return err
	}
	sc.primary.closeLocked()
	return nil
}

// Dup returns a new cursor on the same secondary and locker.
func (sc *SecondaryCursor) Dup(samePosition bool) (*SecondaryCursor, error) {
	c, err := sc.c.Dup(samePosition)
	if err != nil {
		return nil, err
	}
	n := &SecondaryCursor{
		c:         c,
		sdb:       sc.sdb,
		primary:   sc.primary.dup(samePosition),
		updateErr: sc.updateErr,
	}
	return n, nil
}

// Count returns the number of primary records indexed under the current
// secondary key.
func (sc *SecondaryCursor) Count() (int, error) { return sc.c.Count() }

// CountEstimate estimates Count.
func (sc *SecondaryCursor) CountEstimate() (int64, error) { return sc.c.CountEstimate() }

// Get reads through the secondary. key is the secondary key, pKey the
// primary key (the search target of SearchBoth kinds) and data the primary
// data. A nil result with a nil error means not found.
func (sc *SecondaryCursor) Get(key, pKey, data *Entry, op Get, opts *ReadOptions) (res *OperationResult, err error) {
	c := sc.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end("secondary_"+op.String(), &res, &err)

	if err := sc.sdb.checkCorrupt(); err != nil {
		return nil, err
	}
	return sc.get(key, pKey, data, op, opts)
}

func (sc *SecondaryCursor) get(key, pKey, data *Entry, op Get, opts *ReadOptions) (*OperationResult, error) {
	c := sc.c
	for _, e := range []struct {
		name string
		e    *Entry
	}{{"key", key}, {"pKey", pKey}, {"data", data}} {
		if err := e.e.validate(e.name); err != nil {
			return nil, err
		}
	}
	if op.isSearch() && (key == nil || key.Data == nil || key.Partial) {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s requires a complete key", op)
	}
	if (op == SearchBoth || op == SearchBothGTE) && (pKey == nil || pKey.Data == nil || pKey.Partial) {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s requires a complete primary key", op)
	}

	rs := c.readSpec(opts)
	// The secondary is read without locks; readPrimaryAfterGet locks the
	// primary first, then the secondary.
	dirty := *rs
	dirty.lockType = lock.None

	var keyIn, pkIn []byte
	if key != nil {
		keyIn = key.Data
	}
	if pKey != nil {
		pkIn = pKey.Data
	}

	// Stale records are stepped over with unlocked positions; orig is put
	// back before the outcome is applied.
	orig := c.pos
	for {
		l, err := c.locate(op, keyIn, pkIn, &dirty)
		if err == nil && l != nil {
			var pl *landing
			pl, err = sc.readPrimaryAfterGet(l, rs)
			if err == nil && pl != nil {
				c.pos = orig
				if !l.keep {
					c.setPosition(l.pos)
				}
				sc.primary.setPosition(pl.pos)
				output(key, l.key)
				output(pKey, l.data)
				output(data, pl.data)
				return result(pl.snap, false), nil
			}
			if err == nil {
				if next, ok := continuation(op); ok {
					c.pos = position{slot: l.pos.slot}
					op = next
					continue
				}
			}
		}
		c.pos = orig
		if resets(op) || orig.slot == nil {
			c.reset()
		}
		return nil, err
	}
}

// continuation is the op that resumes a move after it landed on a stale
// secondary record.
func continuation(op Get) (Get, bool) {
	switch op {
	case First, Next, NextNoDup, SearchGTE:
		return Next, true
	case Last, Prev, PrevNoDup:
		return Prev, true
	case Search, SearchBothGTE, NextDup:
		return NextDup, true
	case PrevDup:
		return PrevDup, true
	}
	return op, false
}

// readPrimaryAfterGet reads the primary record of a secondary landing that
// was found without locks. The primary is locked first, then the secondary
// record is locked and checked again; a secondary record deleted or
// repointed meanwhile is stale and yields nil. A live secondary record with
// no primary record is an integrity failure.
func (sc *SecondaryCursor) readPrimaryAfterGet(l *landing, rs *readSpec) (*landing, error) {
	c, pc := sc.c, sc.primary
	pk := l.data

	pl, err := pc.searchExact(sc.sdb.primary.st.tree.SearchFor(pk), rs)
	if err != nil {
		return nil, err
	}
	if rs.dirty() {
		return pl, nil
	}

	t := c.st.tree
	t.LatchShared()
	s := l.pos.slot
	g, ok, err := c.lockLatched(s, rs.lockType, false)
	if err != nil || !ok || !rs.live(s) {
		if ok {
			c.revert(s, g)
		}
		t.UnlatchShared()
		pc.discard(pl)
		return nil, err
	}
	snap := s.Snapshot()
	t.UnlatchShared()
	l.pos, l.grant, l.keep = c.positionFor(s, rs), g, false

	if !c.st.dups {
		cur, err := c.env.readData(snap.LSN, rs.cacheMode)
		if err != nil || !bytes.Equal(cur, pk) {
			c.discard(l)
			pc.discard(pl)
			return nil, err
		}
	}
	if pl == nil {
		c.discard(l)
		// The primary may have expired a moment before the secondary
		if snap.Expiration != 0 && snap.Expiration <= nowUnix()+1 {
			return nil, nil
		}
		return nil, sc.sdb.integrityError(l.key, pk, "primary record not found")
	}
	return pl, nil
}

// Delete deletes the primary record the cursor refers to, and with it every
// secondary record of it. A nil result means it was already deleted.
func (sc *SecondaryCursor) Delete(opts *WriteOptions) (res *OperationResult, err error) {
	c := sc.c
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end("secondary_delete", &res, &err)

	if sc.updateErr != nil {
		return nil, sc.updateErr
	}
	if err := c.env.checkDiskLimit(); err != nil {
		return nil, err
	}
	if err := opts.validateDelete(); err != nil {
		return nil, err
	}
	if err := sc.sdb.checkCorrupt(); err != nil {
		return nil, err
	}
	if !c.IsInitialized() {
		return nil, errors.Wrap(ErrInvalidState, "cursor is not initialized")
	}

	// Same order as readPrimaryAfterGet: find the primary key without
	// locking the secondary, then lock the primary.
	dirty := c.readSpec(&ReadOptions{LockMode: ReadUncommitted})
	l, err := c.current(dirty)
	if err != nil || l == nil {
		return nil, err
	}
	pk := append([]byte(nil), l.data...)

	pc := sc.primary
	pl, err := pc.searchExact(sc.sdb.primary.st.tree.SearchFor(pk), pc.readSpec(&ReadOptions{LockMode: RMW}))
	if err != nil {
		return nil, err
	}
	if pl == nil {
		l, err := c.current(c.readSpec(&ReadOptions{LockMode: ReadCommitted}))
		if err != nil || l == nil {
			return nil, err
		}
		c.setPosition(l.pos)
		return nil, sc.sdb.integrityError(l.key, pk, "primary record not found")
	}
	pc.setPosition(pl.pos)
	return pc.delete(pc.writeSpec(opts))
}

// Put is not supported; write the primary instead.
func (sc *SecondaryCursor) Put(*Entry, *Entry, Put, *WriteOptions) (*OperationResult, error) {
	return nil, errors.Wrapf(ErrUnsupportedOperation, "database %q is a secondary; write its primary", sc.sdb.st.name)
}

func (sc *SecondaryCursor) getMode(key, pKey, data *Entry, op Get, m LockMode) (*OperationResult, error) {
	return sc.Get(key, pKey, data, op, mode(m))
}

// GetSearchKey moves to the first record with secondary key key.
func (sc *SecondaryCursor) GetSearchKey(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, Search, m)
}

// GetSearchKeyRange moves to the first record with secondary key >= key.
func (sc *SecondaryCursor) GetSearchKeyRange(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, SearchGTE, m)
}

// GetSearchBoth moves to the record with secondary key key and primary key
// pKey.
func (sc *SecondaryCursor) GetSearchBoth(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, SearchBoth, m)
}

func (sc *SecondaryCursor) GetFirst(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, First, m)
}

func (sc *SecondaryCursor) GetLast(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, Last, m)
}

func (sc *SecondaryCursor) GetNext(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, Next, m)
}

func (sc *SecondaryCursor) GetPrev(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, Prev, m)
}

func (sc *SecondaryCursor) GetNextDup(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, NextDup, m)
}

func (sc *SecondaryCursor) GetNextNoDup(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, NextNoDup, m)
}

func (sc *SecondaryCursor) GetCurrent(key, pKey, data *Entry, m LockMode) (*OperationResult, error) {
	return sc.getMode(key, pKey, data, Current, m)
}
