package cedar

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/dupkey"
	"github.com/alexhholmes/cedar/internal/tree"
)

// Comparator orders keys or duplicate data like bytes.Compare.
type Comparator func(a, b []byte) int

// DatabaseConfig configures OpenDatabase.
type DatabaseConfig struct {
	AllowCreate bool
	// UseExistingConfig opens an existing database with its stored duplicate
	// setting instead of failing when SortedDuplicates differs.
	UseExistingConfig bool
	SortedDuplicates  bool
	// KeyComparator and DuplicateComparator default to bytes.Compare. They
	// are fixed by the first open of the database in an environment.
	KeyComparator       Comparator
	DuplicateComparator Comparator
	ReadOnly            bool
	Transactional       bool
	// Replicated defaults to the environment's setting.
	Replicated *bool
	// Triggers replace the database's triggers when non-nil.
	Triggers []Trigger
}

// dbState is the shared state of a database; every handle and cursor on the
// database points to it.
type dbState struct {
	env           *Environment
	id            uint32
	name          string
	tree          *tree.Tree
	dups          bool
	codec         *dupkey.Codec // nil unless dups
	keyCmp        Comparator
	dupCmp        Comparator
	transactional bool
	replicated    bool

	// assocMu is read-locked for the duration of every write that touches
	// secondaries, foreign key references or triggers, and write-locked when
	// they change.
	assocMu     sync.RWMutex
	secondaries []*SecondaryDatabase
	foreignRefs []*SecondaryDatabase
	triggers    []Trigger
}

func newDBState(env *Environment, ce *catalogEntry, cfg *DatabaseConfig, replicated bool) *dbState {
	st := &dbState{
		env:           env,
		id:            ce.id,
		name:          ce.name,
		dups:          ce.dups,
		keyCmp:        orBytes(cfg.KeyComparator),
		dupCmp:        orBytes(cfg.DuplicateComparator),
		transactional: ce.transactional,
		replicated:    replicated,
		triggers:      cfg.Triggers,
	}
	if st.dups {
		st.codec = dupkey.NewCodec(dupkey.Comparator(st.keyCmp), dupkey.Comparator(st.dupCmp))
		st.tree = tree.New(st.codec.Compare)
	} else {
		st.tree = tree.New(tree.Comparator(st.keyCmp))
	}
	return st
}

func orBytes(cmp Comparator) Comparator {
	if cmp == nil {
		return bytes.Compare
	}
	return cmp
}

// compress removes known-deleted slots that nobody holds or waits for a lock
// on, and drops their data from the cache.
func (st *dbState) compress() int {
	locks := st.env.locks
	t := st.tree

	t.Latch()
	defer t.Unlatch()

	var victims []*base.Slot
	for s := t.First(); s != nil; s = t.Next(s.Key) {
		if s.Flags&base.KnownDeleted != 0 && !locks.IsLocked(s.ID) {
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		if t.Remove(s) && s.LSN != 0 {
			st.env.cache.Delete(s.LSN)
		}
	}
	return len(victims)
}

// Database is a handle on a database.
type Database struct {
	env       *Environment
	st        *dbState
	config    DatabaseConfig
	readOnly  bool
	secondary *SecondaryDatabase // set when this handle is a secondary

	closed  atomic.Bool
	cursors atomic.Int32
}

// OpenDatabase opens, and with AllowCreate creates, the named database.
// Database creation is logged immediately and is not part of txn.
func (e *Environment) OpenDatabase(txn *Transaction, name string, cfg *DatabaseConfig) (*Database, error) {
	if err := e.checkValid(); err != nil {
		return nil, err
	}
	if txn != nil {
		if err := txn.checkActive(); err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = &DatabaseConfig{}
	}
	if name == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "database name is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ce, ok := e.catalog[name]
	switch {
	case !ok && !cfg.AllowCreate:
		return nil, errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	case !ok && (e.opts.readOnly || cfg.ReadOnly):
		return nil, errors.Wrapf(ErrReadOnly, "cannot create database %q", name)
	case !ok:
		e.nextDBID++
		ce = &catalogEntry{
			id:            e.nextDBID,
			name:          name,
			dups:          cfg.SortedDuplicates,
			transactional: cfg.Transactional && e.opts.transactional,
		}
		if err := e.logCatalog(ce); err != nil {
			return nil, err
		}
		e.catalog[name] = ce
		e.byID[ce.id] = ce
	case ce.dups != cfg.SortedDuplicates && !cfg.UseExistingConfig:
		return nil, errors.Wrapf(ErrInvalidArgument,
			"database %q has sorted duplicates %t, config asks for %t", name, ce.dups, cfg.SortedDuplicates)
	}

	replicated := e.opts.replicated
	if cfg.Replicated != nil {
		replicated = *cfg.Replicated
	}
	if ce.state == nil {
		ce.state = newDBState(e, ce, cfg, replicated)
		e.applyRecovered(ce.state)
	} else if cfg.Triggers != nil {
		ce.state.assocMu.Lock()
		ce.state.triggers = cfg.Triggers
		ce.state.assocMu.Unlock()
	}
	e.openDBs++

	return &Database{
		env:      e,
		st:       ce.state,
		config:   *cfg,
		readOnly: cfg.ReadOnly || e.opts.readOnly,
	}, nil
}

// Name returns the database name.
func (d *Database) Name() string { return d.st.name }

// Config returns the configuration the handle was opened with. The duplicate
// and transactional settings reflect the stored database.
func (d *Database) Config() DatabaseConfig {
	cfg := d.config
	cfg.SortedDuplicates = d.st.dups
	cfg.Transactional = d.st.transactional
	return cfg
}

// Environment returns the environment the database lives in.
func (d *Database) Environment() *Environment { return d.env }

func (d *Database) checkOpen() error {
	if d.closed.Load() {
		return errors.Wrapf(ErrInvalidState, "database %q is closed", d.st.name)
	}
	return d.env.checkValid()
}

// Close closes the handle. Closing a handle with open cursors fails; closing
// twice is a no-op.
func (d *Database) Close() error {
	if d.closed.Load() {
		return nil
	}
	if n := d.cursors.Load(); n > 0 {
		return errors.Wrapf(ErrInvalidState, "database %q has %d open cursors", d.st.name, n)
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.env.mu.Lock()
	d.env.openDBs--
	d.env.mu.Unlock()
	return nil
}

// update runs fn on a fresh cursor. With a nil txn on a transactional
// database fn runs in its own transaction, committed when fn succeeds.
func (d *Database) update(txn *Transaction, fn func(c *Cursor) error) error {
	if txn != nil || !d.st.transactional {
		c, err := d.OpenCursor(txn, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(c)
	}

	auto, err := d.env.BeginTransaction(nil)
	if err != nil {
		return err
	}
	c, err := d.OpenCursor(auto, nil)
	if err != nil {
		auto.Abort()
		return err
	}
	if err := fn(c); err != nil {
		c.Close()
		auto.Abort()
		return err
	}
	c.Close()
	return auto.Commit()
}

// view runs fn on a fresh cursor for reads.
func (d *Database) view(txn *Transaction, fn func(c *Cursor) error) error {
	c, err := d.OpenCursor(txn, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// Get returns the data of key; in a duplicates database, of its first
// duplicate. A nil result means not found.
func (d *Database) Get(txn *Transaction, key []byte, opts *ReadOptions) ([]byte, *OperationResult, error) {
	var (
		data = &Entry{}
		res  *OperationResult
	)
	err := d.view(txn, func(c *Cursor) error {
		var err error
		res, err = c.Get(NewEntry(key), data, Search, opts)
		return err
	})
	if err != nil || res == nil {
		return nil, nil, err
	}
	return data.Data, res, nil
}

func (d *Database) put(txn *Transaction, key, data []byte, op Put, opts *WriteOptions) (*OperationResult, error) {
	var res *OperationResult
	err := d.update(txn, func(c *Cursor) error {
		var err error
		res, err = c.Put(NewEntry(key), NewEntry(data), op, opts)
		return err
	})
	return res, err
}

// Put stores key/data, replacing the existing record; in a duplicates
// database it adds the pair unless it is already present.
func (d *Database) Put(txn *Transaction, key, data []byte, opts *WriteOptions) (*OperationResult, error) {
	return d.put(txn, key, data, Overwrite, opts)
}

// PutNoOverwrite stores key/data only if key is absent. A nil result means
// the key exists.
func (d *Database) PutNoOverwrite(txn *Transaction, key, data []byte, opts *WriteOptions) (*OperationResult, error) {
	return d.put(txn, key, data, NoOverwrite, opts)
}

// PutNoDupData stores key/data only if the pair is absent. Duplicates
// databases only.
func (d *Database) PutNoDupData(txn *Transaction, key, data []byte, opts *WriteOptions) (*OperationResult, error) {
	return d.put(txn, key, data, NoDupData, opts)
}

// Delete removes key and all its duplicates. A nil result means the key was
// not found.
func (d *Database) Delete(txn *Transaction, key []byte, opts *WriteOptions) (*OperationResult, error) {
	var res *OperationResult
	err := d.update(txn, func(c *Cursor) error {
		rmw := &ReadOptions{LockMode: RMW}
		for r, err := c.Get(NewEntry(key), nil, Search, rmw); r != nil || err != nil; r, err = c.Get(nil, nil, NextDup, rmw) {
			if err != nil {
				return err
			}
			dr, err := c.Delete(opts)
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

// Count returns the number of live records. It scans the database without
// taking record locks.
func (d *Database) Count() (int64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	t := d.st.tree
	now := time.Now().Unix()

	t.LatchShared()
	defer t.UnlatchShared()

	var n int64
	for s := t.First(); s != nil; s = t.Next(s.Key) {
		if !s.IsDeleted() && !s.IsExpired(now) {
			n++
		}
	}
	return n, nil
}
