package cedar

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/algo"
	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/dupkey"
	"github.com/alexhholmes/cedar/internal/lock"
	"github.com/alexhholmes/cedar/internal/wal"
)

// mutation describes a completed write of a primary record, for secondary
// maintenance and triggers.
type mutation struct {
	key     []byte // user key
	existed bool   // a live record was replaced or deleted
	deleted bool
	oldData []byte
	newData []byte
	before  base.Snapshot
	after   base.Snapshot
}

// Put writes a record. key must be nil for PutCurrent, which writes at the
// cursor position. A nil result with a nil error means NoOverwrite or
// NoDupData found an existing record, or PutCurrent found the current
// record deleted.
func (c *Cursor) Put(key, data *Entry, op Put, opts *WriteOptions) (res *OperationResult, err error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end("put_"+op.String(), &res, &err)
	return c.put(key, data, op, opts)
}

func (c *Cursor) put(key, data *Entry, op Put, opts *WriteOptions) (*OperationResult, error) {
	if err := c.checkWrite(); err != nil {
		return nil, err
	}
	if data == nil || data.Data == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "put requires data")
	}
	if err := data.validate("data"); err != nil {
		return nil, err
	}
	if data.Partial && c.st.dups {
		return nil, errors.Wrap(ErrInvalidArgument, "partial data is not allowed in a duplicates database")
	}

	var keyIn []byte
	switch op {
	case PutCurrent:
		if key != nil {
			return nil, errors.Wrap(ErrInvalidArgument, "put current takes no key")
		}
		if !c.IsInitialized() {
			return nil, errors.Wrap(ErrInvalidState, "cursor is not initialized")
		}
	case Overwrite, NoOverwrite, NoDupData:
		if key == nil || key.Data == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "put %s requires a key", op)
		}
		if key.Partial {
			return nil, errors.Wrap(ErrInvalidArgument, "put does not accept a partial key")
		}
		if op == NoDupData && !c.st.dups {
			return nil, errors.Wrapf(ErrUnsupportedOperation, "database %q does not have sorted duplicates", c.st.name)
		}
		if op == NoOverwrite && c.st.dups {
			return nil, errors.Wrapf(ErrUnsupportedOperation, "no overwrite in database %q with sorted duplicates; use no dup data", c.st.name)
		}
		keyIn = key.Data
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown put operation %d", op)
	}

	return c.write(op, keyIn, data, c.writeSpec(opts))
}

// write performs a put and the secondary and trigger work that follows it.
func (c *Cursor) write(op Put, key []byte, data *Entry, ws writeSpec) (*OperationResult, error) {
	st := c.st
	st.assocMu.RLock()
	defer st.assocMu.RUnlock()

	needOld := data.Partial || st.needOldData()
	pc := &precheck{needed: len(st.secondaries) > 0}
	if pc.needed && !data.Partial && op != PutCurrent {
		pc.request(key, data.Data)
		if err := c.runPrecheck(pc); err != nil {
			return nil, err
		}
	}

	var (
		m   *mutation
		err error
	)
	if op == PutCurrent {
		m, err = c.putCurrent(data, ws, needOld, pc)
	} else {
		m, err = c.putKey(op, key, data, ws, needOld, pc)
	}
	if err != nil || m == nil {
		return nil, err
	}

	if err := c.updateSecondaries(m); err != nil {
		return nil, err
	}
	if err := c.runPutTriggers(m); err != nil {
		return nil, err
	}
	return result(m.after, m.existed), nil
}

// precheck tracks the record the secondary prechecks passed for. When the
// final data is only known under the latch, as for a partial put or a put at
// the cursor, the write asks for the checks, runs them with the latch
// released and tries again.
type precheck struct {
	needed  bool
	passed  bool
	pending bool
	key     []byte
	data    []byte
}

// covers reports whether key/data may be written without another check.
func (p *precheck) covers(key, data []byte) bool {
	return !p.needed || (p.passed && bytes.Equal(p.key, key) && bytes.Equal(p.data, data))
}

func (p *precheck) request(key, data []byte) {
	p.pending = true
	p.passed = false
	p.key = append([]byte(nil), key...)
	p.data = append([]byte(nil), data...)
}

// runPrecheck checks the requested record. Requires the primary's assocMu
// read lock and no latch.
func (c *Cursor) runPrecheck(p *precheck) error {
	p.pending = false
	if err := c.precheckSecondaries(p.key, p.data); err != nil {
		return err
	}
	p.passed = true
	return nil
}

// putKey inserts or updates the record with key.
func (c *Cursor) putKey(op Put, key []byte, data *Entry, ws writeSpec, needOld bool, pc *precheck) (*mutation, error) {
	t := c.st.tree
	stored := c.storedKey(key, data.Data)
	cmp := t.SearchFor(stored)

	for {
		t.Latch()
		m, retry, err := c.putKeyLatched(op, key, stored, cmp, data, ws, needOld, pc)
		t.Unlatch()
		if pc.pending {
			if err := c.runPrecheck(pc); err != nil {
				return nil, err
			}
			continue
		}
		if !retry {
			return m, err
		}
	}
}

func (c *Cursor) putKeyLatched(op Put, key, stored []byte, cmp algo.SearchFunc, data *Entry, ws writeSpec, needOld bool, pc *precheck) (*mutation, bool, error) {
	t := c.st.tree
	now := nowUnix()

	var (
		g       lock.Grant
		existed bool
		fresh   bool
		old     []byte
	)
	s := t.SearchExact(cmp)
	if s != nil {
		var (
			ok  bool
			err error
		)
		g, ok, err = c.lockLatched(s, lock.Write, true)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		existed = !s.IsDeleted() && !s.IsExpired(now)
		if existed && (op == NoOverwrite || op == NoDupData) {
			c.revert(s, g)
			return nil, false, nil
		}
		if existed {
			if old, err = c.oldData(s, needOld, ws.cacheMode); err != nil {
				c.revert(s, g)
				return nil, false, err
			}
		}
	} else {
		s = base.NewSlot(stored)
		g, _ = c.env.locks.TryLock(s.ID, c.lk.owner, lock.Write)
		fresh = true
	}

	before := s.Snapshot()
	if fresh {
		before.Flags = base.KnownDeleted
	}

	newData := data.Data
	if data.Partial {
		newData = data.partialIn(old)
	}
	if !pc.covers(key, newData) {
		c.revert(s, g)
		pc.request(key, newData)
		return nil, true, nil
	}
	var storedData []byte
	if !c.st.dups {
		storedData = newData
	}

	after, err := c.apply(s, before, stored, storedData, existed, ws)
	if err != nil {
		c.revert(s, g)
		return nil, false, err
	}
	if fresh {
		t.Insert(s)
	}
	c.setPosition(position{slot: s, lockType: lock.Write, transient: c.lk.transient(lock.Write, false)})

	return &mutation{
		key:     append([]byte(nil), key...),
		existed: existed,
		oldData: old,
		newData: newData,
		before:  before,
		after:   after,
	}, false, nil
}

// oldData returns the user data of the live record in s when needed.
// Requires the latch and the write lock on s.
func (c *Cursor) oldData(s *base.Slot, need bool, mode CacheMode) ([]byte, error) {
	if c.st.dups {
		d, err := dupkey.Data(s.Key)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruption, "database %q: %v", c.st.name, err)
		}
		return d, nil
	}
	if !need {
		return nil, nil
	}
	return c.env.readData(s.LSN, mode)
}

// putCurrent replaces the data of the record at the cursor position.
func (c *Cursor) putCurrent(data *Entry, ws writeSpec, needOld bool, pc *precheck) (*mutation, error) {
	t := c.st.tree
	for {
		t.Latch()
		m, err := c.putCurrentLatched(data, ws, needOld, pc)
		t.Unlatch()
		if !pc.pending {
			return m, err
		}
		if err := c.runPrecheck(pc); err != nil {
			return nil, err
		}
	}
}

func (c *Cursor) putCurrentLatched(data *Entry, ws writeSpec, needOld bool, pc *precheck) (*mutation, error) {
	s := c.pos.slot
	now := nowUnix()

	if s.Flags&(base.KnownDeleted|base.Removed) != 0 {
		return nil, nil
	}
	g, ok, err := c.lockLatched(s, lock.Write, true)
	if err != nil || !ok {
		return nil, err
	}
	if s.IsDeleted() || s.IsExpired(now) {
		c.revert(s, g)
		return nil, nil
	}
	before := s.Snapshot()

	var key, old, newData, stored, storedData []byte
	if c.st.dups {
		key, old, err = dupkey.Split(s.Key)
		if err != nil {
			c.revert(s, g)
			return nil, errors.Wrapf(ErrCorruption, "database %q: %v", c.st.name, err)
		}
		// The data is part of the sort order; it may only change to
		// comparator-equal bytes
		if c.st.dupCmp(data.Data, old) != 0 {
			c.revert(s, g)
			return nil, &DuplicateDataError{Database: c.st.name, Key: append([]byte(nil), key...)}
		}
		newData = data.Data
		stored = dupkey.Combine(key, newData)
	} else {
		key = s.Key
		if old, err = c.oldData(s, needOld, ws.cacheMode); err != nil {
			c.revert(s, g)
			return nil, err
		}
		newData = data.Data
		if data.Partial {
			newData = data.partialIn(old)
		}
		stored, storedData = s.Key, newData
	}
	if !pc.covers(key, newData) {
		c.revert(s, g)
		pc.request(key, newData)
		return nil, nil
	}

	after, err := c.apply(s, before, stored, storedData, true, ws)
	if err != nil {
		c.revert(s, g)
		return nil, err
	}
	c.setPosition(position{slot: s, lockType: lock.Write, transient: c.lk.transient(lock.Write, false)})

	return &mutation{
		key:     append([]byte(nil), key...),
		existed: true,
		oldData: old,
		newData: newData,
		before:  before,
		after:   after,
	}, nil
}

// apply logs a put of s and updates the slot. Requires the exclusive latch
// and the write lock on s.
func (c *Cursor) apply(s *base.Slot, before base.Snapshot, stored, storedData []byte, existed bool, ws writeSpec) (base.Snapshot, error) {
	exp := ws.expiration
	if existed && !ws.updateTTL {
		exp = before.Expiration
	}
	if storedData == nil && !c.st.dups {
		storedData = []byte{}
	}
	storedData = append([]byte(nil), storedData...)

	lsn, err := c.logRecord(wal.RecordPut, s, stored, storedData, exp, ws.modTime, ws.tombstone)
	if err != nil {
		return base.Snapshot{}, err
	}
	if txn := c.lk.txn; txn != nil {
		txn.remember(c.st, s, before)
	}

	if !bytes.Equal(s.Key, stored) {
		s.Key = append([]byte(nil), stored...)
	}
	s.LSN = lsn
	s.Size = len(stored) + len(storedData)
	s.Expiration = exp
	s.ModTime = ws.modTime
	s.Flags = 0
	if ws.tombstone {
		s.Flags |= base.Tombstone
	}

	switch ws.cacheMode {
	case CacheEvictLN, CacheEvictBIN:
		c.env.cache.Delete(before.LSN)
	default:
		if !c.st.dups {
			c.env.cache.Put(lsn, storedData)
		}
	}
	return s.Snapshot(), nil
}

// Delete deletes the record at the cursor position. The cursor stays on the
// deleted slot. A nil result with a nil error means the record was already
// deleted.
func (c *Cursor) Delete(opts *WriteOptions) (res *OperationResult, err error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end("delete", &res, &err)

	if err := c.checkWrite(); err != nil {
		return nil, err
	}
	if err := opts.validateDelete(); err != nil {
		return nil, err
	}
	return c.delete(c.writeSpec(opts))
}

func (c *Cursor) delete(ws writeSpec) (*OperationResult, error) {
	if !c.IsInitialized() {
		return nil, errors.Wrap(ErrInvalidState, "cursor is not initialized")
	}
	st, t := c.st, c.st.tree
	s := c.pos.slot
	now := nowUnix()

	st.assocMu.RLock()
	defer st.assocMu.RUnlock()
	// Every secondary key to remove is derived from the deleted data
	needOld := len(st.secondaries) > 0 || len(st.triggers) > 0

	t.Latch()
	if s.Flags&(base.KnownDeleted|base.Removed) != 0 {
		t.Unlatch()
		return nil, nil
	}
	g, ok, err := c.lockLatched(s, lock.Write, true)
	if err != nil || !ok {
		t.Unlatch()
		return nil, err
	}
	if s.IsDeleted() || s.IsExpired(now) {
		c.revert(s, g)
		t.Unlatch()
		return nil, nil
	}
	before := s.Snapshot()
	key := s.Key
	if st.dups {
		key, _ = dupkey.Key(s.Key)
	}
	key = append([]byte(nil), key...)
	old, err := c.oldData(s, needOld, ws.cacheMode)
	t.Unlatch()
	if err != nil {
		c.revert(s, g)
		return nil, err
	}

	// Foreign key actions run first so that a refusal leaves the record
	if err := c.onForeignKeyDelete(key); err != nil {
		c.revert(s, g)
		return nil, err
	}

	t.Latch()
	if _, err := c.logRecord(wal.RecordDelete, s, s.Key, nil, 0, ws.modTime, false); err != nil {
		c.revert(s, g)
		t.Unlatch()
		return nil, err
	}
	if txn := c.lk.txn; txn != nil {
		txn.remember(st, s, before)
		s.Flags |= base.PendingDeleted
	} else {
		s.Flags |= base.KnownDeleted
	}
	if ws.cacheMode == CacheEvictLN || ws.cacheMode == CacheEvictBIN {
		c.env.cache.Delete(s.LSN)
	}
	t.Unlatch()
	c.setPosition(position{slot: s, lockType: lock.Write, transient: c.lk.transient(lock.Write, false)})

	m := &mutation{key: key, existed: true, deleted: true, oldData: old, before: before, after: before}
	if err := c.updateSecondaries(m); err != nil {
		return nil, err
	}
	if err := c.runDeleteTriggers(m); err != nil {
		return nil, err
	}
	return result(before, false), nil
}

// PutOverwrite stores key/data, replacing an existing record.
func (c *Cursor) PutOverwrite(key, data *Entry) (*OperationResult, error) {
	return c.Put(key, data, Overwrite, nil)
}

// PutNoOverwrite stores key/data only if key is absent.
func (c *Cursor) PutNoOverwrite(key, data *Entry) (*OperationResult, error) {
	return c.Put(key, data, NoOverwrite, nil)
}

// PutNoDupData stores key/data only if the pair is absent.
func (c *Cursor) PutNoDupData(key, data *Entry) (*OperationResult, error) {
	return c.Put(key, data, NoDupData, nil)
}

// PutCurrent replaces the data at the cursor position.
func (c *Cursor) PutCurrent(data *Entry) (*OperationResult, error) {
	return c.Put(nil, data, PutCurrent, nil)
}
