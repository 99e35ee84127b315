package cedar

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func begin(t *testing.T, env *Environment, cfg *TransactionConfig) *Transaction {
	t.Helper()
	txn, err := env.BeginTransaction(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = txn.Abort() })
	return txn
}

func TestTransactionAbortRestores(t *testing.T) {
	t.Parallel()
	env := setup(t)
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})
	put(t, db, nil, "a", "1")
	put(t, db, nil, "b", "2")

	txn := begin(t, env, nil)
	put(t, db, txn, "a", "changed")
	put(t, db, txn, "c", "new")
	_, err := db.Delete(txn, []byte("b"), nil)
	require.NoError(t, err)
	put(t, db, txn, "a", "changed twice")

	assert.Equal(t, [][2]string{{"a", "changed twice"}, {"c", "new"}}, scan(t, db, txn))

	require.NoError(t, txn.Abort())
	require.NoError(t, txn.Abort(), "second abort is a no-op")
	assert.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}}, scan(t, db, nil))

	_, err = db.Put(txn, []byte("a"), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTransactionCursors(t *testing.T) {
	t.Parallel()
	env := setup(t)
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})

	txn := begin(t, env, nil)
	c, err := db.OpenCursor(txn, nil)
	require.NoError(t, err)
	_, err = c.PutOverwrite(NewEntry([]byte("k")), NewEntry([]byte("v")))
	require.NoError(t, err)

	assert.ErrorIs(t, txn.Commit(), ErrInvalidState, "open cursor")
	require.NoError(t, c.Close())
	require.NoError(t, txn.Commit())
	assert.ErrorIs(t, txn.Commit(), ErrInvalidState)

	// Abort closes what is still open
	txn = begin(t, env, nil)
	c, err = db.OpenCursor(txn, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Abort())
	_, err = c.GetFirst(&Entry{}, &Entry{}, LockDefault)
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, db.Close(), "no cursors left open")
}

func TestTransactionalDatabaseNeedsTransaction(t *testing.T) {
	t.Parallel()
	env := setup(t)
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})

	c := cursor(t, db, nil)
	_, err := c.PutOverwrite(NewEntry([]byte("k")), NewEntry([]byte("v")))
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	// Database operations commit on their own
	put(t, db, nil, "k", "v")
	data, res, err := db.Get(nil, []byte("k"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "v", string(data))

	ro := begin(t, env, &TransactionConfig{ReadOnly: true})
	_, err = db.Put(ro, []byte("k"), []byte("w"), nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestTransactionLockConflict(t *testing.T) {
	t.Parallel()
	env := setup(t, WithLockTimeout(50*time.Millisecond))
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})
	put(t, db, nil, "k", "old")

	writer := begin(t, env, nil)
	put(t, db, writer, "k", "new")

	reader := begin(t, env, nil)
	_, _, err := db.Get(reader, []byte("k"), nil)
	assert.ErrorIs(t, err, ErrLockTimeout)

	data, _, err := db.Get(reader, []byte("k"), &ReadOptions{LockMode: ReadUncommitted})
	require.NoError(t, err)
	assert.Equal(t, "new", string(data), "dirty reads see uncommitted data")

	require.NoError(t, writer.Commit())
	data, _, err = db.Get(reader, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	// reader keeps its read lock until it ends
	other := begin(t, env, nil)
	_, err = db.Put(other, []byte("k"), []byte("other"), nil)
	assert.ErrorIs(t, err, ErrLockTimeout)
	require.NoError(t, reader.Commit())
	_, err = db.Put(other, []byte("k"), []byte("other"), nil)
	require.NoError(t, err)
}

func TestTransactionReadCommitted(t *testing.T) {
	t.Parallel()
	env := setup(t, WithLockTimeout(50*time.Millisecond))
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})
	put(t, db, nil, "a", "1")
	put(t, db, nil, "b", "2")

	reader := begin(t, env, &TransactionConfig{ReadCommitted: true})
	c, err := db.OpenCursor(reader, nil)
	require.NoError(t, err)
	defer c.Close()

	_, _, ok := get(t, c, First, nil, nil)
	require.True(t, ok)

	writer := begin(t, env, nil)
	_, err = db.Put(writer, []byte("a"), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrLockTimeout, "the cursor's record stays locked")

	_, _, ok = get(t, c, Next, nil, nil)
	require.True(t, ok)
	_, err = db.Put(writer, []byte("a"), []byte("x"), nil)
	require.NoError(t, err, "released once the cursor moved")
	require.NoError(t, writer.Commit())
}

func TestTransactionDeadlock(t *testing.T) {
	t.Parallel()
	env := setup(t, WithLockTimeout(5*time.Second))
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})

	t1 := begin(t, env, nil)
	t2 := begin(t, env, nil)
	put(t, db, t1, "a", "1")
	put(t, db, t2, "b", "2")

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i, step := range []struct {
		txn *Transaction
		key string
	}{{t1, "b"}, {t2, "a"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Put(step.txn, []byte(step.key), []byte("x"), nil)
			errs[i] = err
			if err != nil {
				_ = step.txn.Abort()
			}
		}()
	}
	wg.Wait()

	deadlocks := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrDeadlock)
			deadlocks++
		}
	}
	assert.Equal(t, 1, deadlocks)
}

func TestTransactionDeleteVisibility(t *testing.T) {
	t.Parallel()
	env := setup(t, WithCompressInterval(0))
	db := openDB(t, env, "a", DatabaseConfig{Transactional: true})
	put(t, db, nil, "a", "1")

	txn := begin(t, env, nil)
	res, err := db.Delete(txn, []byte("a"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	_, res, err = db.Get(txn, []byte("a"), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	_, res, err = db.Get(nil, []byte("a"), &ReadOptions{LockMode: ReadUncommitted})
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, txn.Commit())
	n, err := env.Compress()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
