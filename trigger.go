package cedar

import (
	"github.com/pkg/errors"
)

// Trigger observes writes to the primary records of a database. Triggers
// run after the record and its secondaries are written, on the writing
// goroutine. txn is nil for a non-transactional write; when it is not, the
// trigger may use txn for its own reads and writes of other databases.
// A returned error fails the write; the caller should abort txn.
type Trigger interface {
	Name() string
	// Put is called after an insert or update. oldData is nil for an
	// insert.
	Put(txn *Transaction, key, oldData, newData []byte) error
	// Delete is called after a delete.
	Delete(txn *Transaction, key, oldData []byte) error
}

// TransactionTrigger is a Trigger that also learns how the transactions it
// saw end.
type TransactionTrigger interface {
	Trigger
	Commit(txn *Transaction)
	Abort(txn *Transaction)
}

func (c *Cursor) runPutTriggers(m *mutation) error {
	var old []byte
	if m.existed {
		old = m.oldData
		if old == nil {
			old = []byte{}
		}
	}
	return c.runTriggers(func(tr Trigger, txn *Transaction) error {
		return tr.Put(txn, m.key, old, m.newData)
	})
}

func (c *Cursor) runDeleteTriggers(m *mutation) error {
	return c.runTriggers(func(tr Trigger, txn *Transaction) error {
		return tr.Delete(txn, m.key, m.oldData)
	})
}

// runTriggers calls fn for each trigger of the database. Requires the
// database's assocMu read lock.
func (c *Cursor) runTriggers(fn func(Trigger, *Transaction) error) error {
	triggers := c.st.triggers
	if len(triggers) == 0 {
		return nil
	}
	txn := c.lk.txn
	if txn != nil {
		txn.touchTriggers(c.st)
		txn.triggerDepth.Add(1)
		defer txn.triggerDepth.Add(-1)
	}
	for _, tr := range triggers {
		if err := fn(tr, txn); err != nil {
			return errors.Wrapf(err, "trigger %q on database %q", tr.Name(), c.st.name)
		}
	}
	return nil
}

// finishTriggers tells the transaction triggers of every database the
// transaction fired triggers on how it ended.
func (t *Transaction) finishTriggers(commit bool) {
	t.mu.Lock()
	dbs := make([]*dbState, 0, len(t.triggerDBs))
	for st := range t.triggerDBs {
		dbs = append(dbs, st)
	}
	t.triggerDBs = make(map[*dbState]struct{})
	t.mu.Unlock()

	for _, st := range dbs {
		st.assocMu.RLock()
		triggers := st.triggers
		st.assocMu.RUnlock()

		for _, tr := range triggers {
			tt, ok := tr.(TransactionTrigger)
			if !ok {
				continue
			}
			if commit {
				tt.Commit(t)
			} else {
				tt.Abort(t)
			}
		}
	}
}
