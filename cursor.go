package cedar

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/dupkey"
	"github.com/alexhholmes/cedar/internal/lock"
)

// RangeConstraint bounds cursor movement. A forward move or search fails as
// not found at the first key the constraint rejects. A backward move passes
// over rejected keys until it reaches an accepted one, then stops at the
// next rejected key, so an upper bound works from either end. It must not
// have side effects.
type RangeConstraint func(key []byte) bool

// CursorConfig configures OpenCursor.
type CursorConfig struct {
	// ReadUncommitted makes reads take no locks by default.
	ReadUncommitted bool
	// ReadCommitted releases read locks when the cursor moves.
	ReadCommitted bool
}

// position is a cursor's place in the tree and the lock it took there.
type position struct {
	slot     *base.Slot
	lockType lock.Type
	// transient locks are dropped when the cursor leaves the slot
	transient bool
}

// Cursor reads and writes the records of one database in key order.
//
// A cursor is bound to one locker: its transaction, or a basic locker whose
// locks are released when the cursor moves. Cursors of a transaction may be
// used from one goroutine at a time; a non-transactional cursor fails with
// ErrInvalidState when used concurrently.
type Cursor struct {
	db  *Database
	st  *dbState
	env *Environment
	lk  *locker

	pos        position
	cacheMode  CacheMode
	userRange  RangeConstraint
	constraint func(storedKey []byte) bool
	// readCommitted and dirtyDefault come from the cursor config
	readCommitted bool
	dirtyDefault  bool
	// updateErr is why writes are not allowed, computed at creation
	updateErr error

	// internal cursors serve secondary and foreign key maintenance inside
	// another operation; they skip the operation guard and the handle checks.
	internal bool
	closed   bool
	inUse    atomic.Bool
}

// OpenCursor opens a cursor. With a nil txn the cursor uses a basic locker.
func (d *Database) OpenCursor(txn *Transaction, cfg *CursorConfig) (*Cursor, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if d.secondary != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "use SecondaryDatabase.OpenSecondaryCursor on a secondary")
	}
	return d.openCursor(txn, cfg, false)
}

func (d *Database) openCursor(txn *Transaction, cfg *CursorConfig, internal bool) (*Cursor, error) {
	var lk *locker
	if txn != nil {
		if err := txn.checkActive(); err != nil {
			return nil, err
		}
		lk = txn.lk
	} else {
		lk = newBasicLocker(d.env)
	}
	c := newCursor(d, lk, internal)
	if cfg != nil {
		c.readCommitted = cfg.ReadCommitted
		c.dirtyDefault = cfg.ReadUncommitted
	}
	c.register()
	return c, nil
}

func newCursor(d *Database, lk *locker, internal bool) *Cursor {
	c := &Cursor{
		db:       d,
		st:       d.st,
		env:      d.env,
		lk:       lk,
		internal: internal,
	}
	c.updateErr = c.checkUpdatesAllowed()
	return c
}

func (c *Cursor) register() {
	if c.internal {
		return
	}
	c.db.cursors.Add(1)
	if c.lk.txn != nil {
		c.lk.txn.addCursor(c)
	}
}

// checkUpdatesAllowed returns why the cursor may not write, or nil.
func (c *Cursor) checkUpdatesAllowed() error {
	st := c.st
	switch {
	case c.lk.readOnly:
		return errors.Wrap(ErrReadOnly, "locker is read-only")
	case c.db.readOnly:
		return errors.Wrapf(ErrReadOnly, "database %q is open read-only", st.name)
	case c.db.secondary != nil && !c.internal:
		return errors.Wrapf(ErrUnsupportedOperation, "database %q is a secondary; write its primary", st.name)
	case st.transactional && c.lk.txn == nil:
		return errors.Wrapf(ErrUnsupportedOperation, "database %q is transactional but the locker is not", st.name)
	case c.env.opts.replicated && st.replicated && c.lk.localWrite && c.lk.txn != nil:
		return errors.Wrapf(ErrUnsupportedOperation, "local-write transaction cannot write replicated database %q", st.name)
	case c.env.opts.replicated && !st.replicated && !c.lk.localWrite:
		return errors.Wrapf(ErrUnsupportedOperation, "database %q is not replicated; use a local-write transaction", st.name)
	}
	return nil
}

// checkWrite is checkUpdatesAllowed plus the disk limit.
func (c *Cursor) checkWrite() error {
	if c.updateErr != nil {
		return c.updateErr
	}
	return c.env.checkDiskLimit()
}

// begin guards a public operation: the handle must be usable and only one
// operation may run per transaction or non-transactional cursor.
func (c *Cursor) begin() error {
	if c.closed {
		return errors.Wrap(ErrInvalidState, "cursor is closed")
	}
	if err := c.db.checkOpen(); err != nil {
		return err
	}
	if txn := c.lk.txn; txn != nil {
		return txn.enter()
	}
	if !c.inUse.CompareAndSwap(false, true) {
		return errors.Wrap(ErrInvalidState, "non-transactional cursor used concurrently")
	}
	return nil
}

// end closes an operation started with begin. A panic invalidates the
// environment and is re-raised.
func (c *Cursor) end(op string, res **OperationResult, errp *error) {
	if txn := c.lk.txn; txn != nil {
		txn.exit()
	} else {
		c.inUse.Store(false)
	}

	if r := recover(); r != nil {
		c.env.metrics.OpError(op)
		c.env.invalidate(fmt.Errorf("panic in cursor %s: %v", op, r))
		panic(r)
	}

	switch {
	case *errp != nil:
		c.env.metrics.OpError(op)
		if errors.Is(*errp, ErrDeadlock) {
			c.env.log.Warn("deadlock victim", "db", c.st.name, "op", op, "txn", c.lk.txnID())
		}
	default:
		c.env.metrics.Op(op, res == nil || *res != nil)
	}
}

// Close releases the cursor's position. Closing twice is a no-op.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	if txn := c.lk.txn; txn != nil && !c.internal {
		if err := txn.enter(); err == nil {
			defer txn.exit()
		}
	}
	c.closeLocked()
	return nil
}

// closeLocked closes the cursor; the caller holds the operation guard.
func (c *Cursor) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.reset()
	if !c.internal {
		c.db.cursors.Add(-1)
		if c.lk.txn != nil {
			c.lk.txn.removeCursor(c)
		}
	}
}

// IsInitialized reports whether the cursor has a position.
func (c *Cursor) IsInitialized() bool {
	return c.pos.slot != nil
}

// Database returns the cursor's database.
func (c *Cursor) Database() *Database { return c.db }

// CacheMode returns the cursor's default cache mode.
func (c *Cursor) CacheMode() CacheMode { return c.cacheMode }

// SetCacheMode sets the cache mode used when an operation does not give one.
func (c *Cursor) SetCacheMode(m CacheMode) { c.cacheMode = m }

// RangeConstraint returns the cursor's range constraint.
func (c *Cursor) RangeConstraint() RangeConstraint { return c.userRange }

// SetRangeConstraint bounds cursor movement to keys rc accepts. Nil removes
// the constraint.
func (c *Cursor) SetRangeConstraint(rc RangeConstraint) {
	c.userRange = rc
	c.constraint = c.storedConstraint(rc)
}

// storedConstraint applies a constraint on user keys to stored keys.
func (c *Cursor) storedConstraint(rc RangeConstraint) func([]byte) bool {
	if rc == nil {
		return nil
	}
	if !c.st.dups {
		return rc
	}
	return func(stored []byte) bool {
		k, err := dupkey.Key(stored)
		return err == nil && rc(k)
	}
}

// both combines two constraints; either may be nil.
func both(a, b func([]byte) bool) func([]byte) bool {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(k []byte) bool { return a(k) && b(k) }
}

// Dup returns a new cursor on the same database and locker. With
// samePosition the new cursor starts at this cursor's position and takes its
// own hold on the position's lock.
func (c *Cursor) Dup(samePosition bool) (*Cursor, error) {
	if c.closed {
		return nil, errors.Wrap(ErrInvalidState, "cursor is closed")
	}
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	return c.dup(samePosition), nil
}

func (c *Cursor) dup(samePosition bool) *Cursor {
	n := newCursor(c.db, c.lk, c.internal)
	n.cacheMode = c.cacheMode
	n.userRange = c.userRange
	n.constraint = c.constraint
	n.readCommitted = c.readCommitted
	n.dirtyDefault = c.dirtyDefault
	n.register()

	if samePosition && c.pos.slot != nil {
		p := c.pos
		if p.lockType != lock.None {
			// Same owner, so the lock is always grantable
			c.env.locks.TryLock(p.slot.ID, c.lk.owner, p.lockType)
		}
		n.pos = p
	}
	return n
}

// setPosition moves the cursor to p, then drops the old position's lock if
// it was transient.
func (c *Cursor) setPosition(p position) {
	old := c.pos
	c.pos = p
	c.releasePosition(old)
}

// reset leaves the cursor uninitialized.
func (c *Cursor) reset() {
	old := c.pos
	c.pos = position{}
	c.releasePosition(old)
}

func (c *Cursor) releasePosition(p position) {
	if p.slot == nil || !p.transient {
		return
	}
	// Drops exactly one acquisition; other cursors of the locker keep theirs
	c.env.locks.Revert(p.slot.ID, c.lk.owner, lock.GrantExisting)
}

// readSpec is a read's locking and visibility rules after options are
// resolved.
type readSpec struct {
	lockType          lock.Type
	readCommitted     bool
	excludeTombstones bool
	cacheMode         CacheMode
	now               int64
}

func (c *Cursor) readSpec(opts *ReadOptions) *readSpec {
	rs := &readSpec{
		lockType:      lock.Read,
		readCommitted: c.readCommitted,
		cacheMode:     c.cacheMode,
		now:           nowUnix(),
	}
	mode := LockDefault
	if opts != nil {
		mode = opts.LockMode
		rs.excludeTombstones = opts.ExcludeTombstones
		if opts.CacheMode != nil {
			rs.cacheMode = *opts.CacheMode
		}
	}
	switch {
	case mode.dirty():
		rs.lockType = lock.None
	case mode == RMW:
		rs.lockType = lock.Write
	case mode == ReadCommitted:
		rs.readCommitted = true
	case mode == LockDefault && (c.dirtyDefault || c.lk.readUncommitted):
		rs.lockType = lock.None
	}
	return rs
}

func (rs *readSpec) dirty() bool { return rs.lockType == lock.None }

// live reports whether s holds a record the read may return. Requires the
// latch; for locking reads, also the record lock.
func (rs *readSpec) live(s *base.Slot) bool {
	if s.IsDeleted() || s.IsExpired(rs.now) {
		return false
	}
	return !rs.excludeTombstones || !s.IsTombstone()
}

// skippable reports whether s can be stepped over without locking it.
func (rs *readSpec) skippable(s *base.Slot) bool {
	if s.Flags&(base.KnownDeleted|base.Removed) != 0 {
		return true
	}
	return rs.dirty() && !rs.live(s)
}

func (c *Cursor) positionFor(s *base.Slot, rs *readSpec) position {
	return position{
		slot:      s,
		lockType:  rs.lockType,
		transient: c.lk.transient(rs.lockType, rs.readCommitted),
	}
}

// lockLatched locks s for the cursor's locker. The tree latch is held on
// entry and on return, but is dropped while waiting for the lock. ok is
// false when s was removed from the tree during the wait.
func (c *Cursor) lockLatched(s *base.Slot, typ lock.Type, exclusive bool) (g lock.Grant, ok bool, err error) {
	if typ == lock.None {
		return lock.GrantNone, true, nil
	}
	locks := c.env.locks
	if g, ok := locks.TryLock(s.ID, c.lk.owner, typ); ok {
		return g, true, nil
	}

	t := c.st.tree
	if exclusive {
		t.Unlatch()
	} else {
		t.UnlatchShared()
	}
	g, err = locks.LockTimeout(s.ID, c.lk.owner, typ, c.lk.timeout)
	if exclusive {
		t.Latch()
	} else {
		t.LatchShared()
	}
	if err != nil {
		return lock.GrantNone, false, errors.WithStack(err)
	}
	if s.IsRemoved() {
		locks.Revert(s.ID, c.lk.owner, g)
		return lock.GrantNone, false, nil
	}
	return g, true, nil
}

// revert undoes one lock acquisition made by this cursor.
func (c *Cursor) revert(s *base.Slot, g lock.Grant) {
	c.env.locks.Revert(s.ID, c.lk.owner, g)
}

// landing is a slot a read settled on, before the cursor moves there.
type landing struct {
	pos   position
	grant lock.Grant
	snap  base.Snapshot
	key   []byte // user key
	data  []byte // user data
	// keep leaves the cursor's current position as is
	keep bool
}

// discard undoes the lock acquisition of an unused landing.
func (c *Cursor) discard(l *landing) {
	if l != nil && !l.keep && l.pos.slot != nil {
		c.revert(l.pos.slot, l.grant)
	}
}

// resolve fills in a landing's user key and data from its snapshot. The
// latch must not be held.
func (c *Cursor) resolve(l *landing, cacheMode CacheMode) error {
	if c.st.dups {
		k, d, err := dupkey.Split(l.snap.Key)
		if err != nil {
			return errors.Wrapf(ErrCorruption, "database %q: %v", c.st.name, err)
		}
		l.key, l.data = k, d
		return nil
	}
	l.key = l.snap.Key
	data, err := c.env.readData(l.snap.LSN, cacheMode)
	if err != nil {
		return err
	}
	l.data = data
	return nil
}

// userKey returns the user key of the current position. Requires an
// initialized cursor.
func (c *Cursor) userKey() []byte {
	t := c.st.tree
	t.LatchShared()
	stored := c.pos.slot.Key
	t.UnlatchShared()
	if !c.st.dups {
		return stored
	}
	k, _ := dupkey.Key(stored)
	return k
}

// storedKey returns the key stored in the tree for a user key/data pair.
func (c *Cursor) storedKey(key, data []byte) []byte {
	if c.st.dups {
		return dupkey.Combine(key, data)
	}
	return key
}

// output copies v into e, applying e's partial window.
func output(e *Entry, v []byte) {
	if e == nil {
		return
	}
	e.Data = append([]byte(nil), e.partialOut(v)...)
}
