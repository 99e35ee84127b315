package cedar

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/lock"
	"github.com/alexhholmes/cedar/internal/wal"
)

// TransactionConfig configures BeginTransaction.
type TransactionConfig struct {
	// ReadCommitted releases read locks when a cursor leaves a record.
	ReadCommitted bool
	// ReadUncommitted makes reads take no locks by default.
	ReadUncommitted bool
	// LocalWrite allows writing non-replicated databases in a replicated
	// environment, and forbids writing replicated ones.
	LocalWrite bool
	ReadOnly   bool
	// LockTimeout overrides the environment's lock timeout when non-zero.
	LockTimeout time.Duration
}

// locker is the locking context of a cursor: a transaction, or a basic
// non-transactional locker shared by a cursor and its duplicates.
type locker struct {
	env             *Environment
	owner           lock.Owner
	txn             *Transaction
	readCommitted   bool
	readUncommitted bool
	readOnly        bool
	localWrite      bool
	timeout         time.Duration
}

// newBasicLocker returns a non-transactional locker. Its locks are released
// as soon as the cursor holding them moves.
func newBasicLocker(env *Environment) *locker {
	return &locker{
		env:        env,
		owner:      lock.NewOwner(),
		localWrite: true,
		readOnly:   env.opts.readOnly,
		timeout:    env.opts.lockTimeout,
	}
}

func (l *locker) txnID() uint64 {
	if l.txn == nil {
		return 0
	}
	return l.txn.id
}

// transient reports whether a lock of type typ is dropped when the cursor
// holding it moves.
func (l *locker) transient(typ lock.Type, readCommitted bool) bool {
	if typ == lock.None {
		return false
	}
	if l.txn == nil {
		return true
	}
	return typ == lock.Read && (readCommitted || l.readCommitted)
}

type txnState int32

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// undoEntry is the first before-image of a slot the transaction modified.
type undoEntry struct {
	st     *dbState
	slot   *base.Slot
	before base.Snapshot
}

func undoLess(a, b *undoEntry) bool {
	return a.slot.ID < b.slot.ID
}

// Transaction groups writes that commit or abort together. A transaction may
// be used by one goroutine at a time; operations of its cursors are
// serialized.
type Transaction struct {
	env    *Environment
	id     uint64
	config TransactionConfig
	lk     *locker

	// opMu serializes cursor operations against each other and against
	// commit and abort.
	opMu  sync.Mutex
	state atomic.Int32

	// triggerDepth is non-zero while triggers run on the goroutine holding
	// opMu; their operations on this transaction do not lock opMu again.
	triggerDepth atomic.Int32

	mu         sync.Mutex // guards the fields below
	undo       *btree.BTreeG[*undoEntry]
	cursors    map[*Cursor]struct{}
	triggerDBs map[*dbState]struct{}

	logged atomic.Bool
}

// BeginTransaction starts a transaction.
func (e *Environment) BeginTransaction(cfg *TransactionConfig) (*Transaction, error) {
	if err := e.checkValid(); err != nil {
		return nil, err
	}
	if !e.opts.transactional {
		return nil, errors.Wrap(ErrUnsupportedOperation, "environment is not transactional")
	}
	if cfg == nil {
		cfg = &TransactionConfig{}
	}

	txn := &Transaction{
		env:        e,
		id:         e.nextTxnID.Add(1),
		config:     *cfg,
		undo:       btree.NewG[*undoEntry](8, undoLess),
		cursors:    make(map[*Cursor]struct{}),
		triggerDBs: make(map[*dbState]struct{}),
	}
	txn.lk = &locker{
		env:             e,
		owner:           lock.NewOwner(),
		txn:             txn,
		readCommitted:   cfg.ReadCommitted,
		readUncommitted: cfg.ReadUncommitted,
		readOnly:        cfg.ReadOnly || e.opts.readOnly,
		localWrite:      cfg.LocalWrite,
		timeout:         e.opts.lockTimeout,
	}
	if cfg.LockTimeout > 0 {
		txn.lk.timeout = cfg.LockTimeout
	}
	return txn, nil
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.id }

func (t *Transaction) checkActive() error {
	switch txnState(t.state.Load()) {
	case txnCommitted:
		return errors.Wrapf(ErrInvalidState, "transaction %d is committed", t.id)
	case txnAborted:
		return errors.Wrapf(ErrInvalidState, "transaction %d is aborted", t.id)
	}
	return nil
}

// enter serializes an operation on the transaction.
func (t *Transaction) enter() error {
	if t.triggerDepth.Load() == 0 {
		t.opMu.Lock()
	}
	if err := t.checkActive(); err != nil {
		t.exit()
		return err
	}
	return nil
}

func (t *Transaction) exit() {
	if t.triggerDepth.Load() == 0 {
		t.opMu.Unlock()
	}
}

// remember records the before-image of s the first time the transaction
// modifies it. Requires the tree's exclusive latch.
func (t *Transaction) remember(st *dbState, s *base.Slot, before base.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	probe := &undoEntry{slot: s}
	if t.undo.Has(probe) {
		return
	}
	before.Key = append([]byte(nil), before.Key...)
	t.undo.ReplaceOrInsert(&undoEntry{st: st, slot: s, before: before})
}

func (t *Transaction) addCursor(c *Cursor) {
	t.mu.Lock()
	t.cursors[c] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) removeCursor(c *Cursor) {
	t.mu.Lock()
	delete(t.cursors, c)
	t.mu.Unlock()
}

func (t *Transaction) touchTriggers(st *dbState) {
	t.mu.Lock()
	t.triggerDBs[st] = struct{}{}
	t.mu.Unlock()
}

// Commit makes the transaction's writes durable and releases its locks.
// Every cursor opened in the transaction must be closed first.
func (t *Transaction) Commit() error {
	if err := t.enter(); err != nil {
		return err
	}
	defer t.exit()

	t.mu.Lock()
	open := len(t.cursors)
	t.mu.Unlock()
	if open > 0 {
		return errors.Wrapf(ErrInvalidState, "transaction %d has %d open cursors", t.id, open)
	}
	if err := t.env.checkValid(); err != nil {
		return err
	}

	if t.logged.Load() {
		if _, err := t.env.wal.Append(&wal.Record{Type: wal.RecordCommit, TxnID: t.id}); err != nil {
			t.env.invalidate(err)
			return errors.Wrap(err, "log commit")
		}
		if err := t.env.wal.Sync(); err != nil {
			t.env.invalidate(err)
			return errors.Wrap(err, "sync commit")
		}
	}

	// Deletes become visible as committed before the locks go away
	t.undo.Ascend(func(u *undoEntry) bool {
		tr := u.st.tree
		tr.Latch()
		if u.slot.Flags&base.PendingDeleted != 0 {
			u.slot.Flags = u.slot.Flags&^base.PendingDeleted | base.KnownDeleted
		}
		tr.Unlatch()
		return true
	})

	t.state.Store(int32(txnCommitted))
	t.env.locks.ReleaseAll(t.lk.owner)
	t.env.metrics.TransactionResults.WithLabelValues("commit").Inc()
	t.finishTriggers(true)
	return nil
}

// Abort restores the before-image of every record the transaction modified
// and releases its locks. Open cursors are closed. Aborting a finished
// transaction is a no-op.
func (t *Transaction) Abort() error {
	if txnState(t.state.Load()) != txnActive {
		return nil
	}
	if err := t.enter(); err != nil {
		return nil
	}
	defer t.exit()

	t.mu.Lock()
	cursors := make([]*Cursor, 0, len(t.cursors))
	for c := range t.cursors {
		cursors = append(cursors, c)
	}
	t.mu.Unlock()
	for _, c := range cursors {
		c.closeLocked()
	}

	t.undo.Descend(func(u *undoEntry) bool {
		tr := u.st.tree
		tr.Latch()
		u.slot.Key = u.before.Key
		u.slot.Restore(u.before)
		tr.Unlatch()
		return true
	})

	var err error
	if t.logged.Load() && t.env.IsValid() {
		if _, aerr := t.env.wal.Append(&wal.Record{Type: wal.RecordAbort, TxnID: t.id}); aerr != nil {
			err = errors.Wrap(aerr, "log abort")
		}
	}

	t.state.Store(int32(txnAborted))
	t.env.locks.ReleaseAll(t.lk.owner)
	t.env.metrics.TransactionResults.WithLabelValues("abort").Inc()
	t.finishTriggers(false)
	return err
}
