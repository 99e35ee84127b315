package cedar

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setup opens an in-memory environment closed at the end of the test.
func setup(t *testing.T, opts ...EnvOption) *Environment {
	t.Helper()
	env, err := Open("", opts...)
	require.NoError(t, err, "Failed to open environment")
	t.Cleanup(func() { _ = env.Close() })
	return env
}

// openDB creates and opens a database closed at the end of the test.
func openDB(t *testing.T, env *Environment, name string, cfg DatabaseConfig) *Database {
	t.Helper()
	cfg.AllowCreate = true
	db, err := env.OpenDatabase(nil, name, &cfg)
	require.NoError(t, err, "Failed to open database %s", name)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// cursor opens a cursor closed at the end of the test.
func cursor(t *testing.T, db *Database, txn *Transaction) *Cursor {
	t.Helper()
	c, err := db.OpenCursor(txn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func put(t *testing.T, db *Database, txn *Transaction, key, data string) {
	t.Helper()
	res, err := db.Put(txn, []byte(key), []byte(data), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
}

// scan returns every key/data pair of db in cursor order, read without
// locks.
func scan(t *testing.T, db *Database, txn *Transaction) [][2]string {
	t.Helper()
	c, err := db.OpenCursor(txn, nil)
	require.NoError(t, err)
	defer c.Close()

	var out [][2]string
	key, data := &Entry{}, &Entry{}
	for {
		res, err := c.GetNext(key, data, ReadUncommitted)
		require.NoError(t, err)
		if res == nil {
			return out
		}
		out = append(out, [2]string{string(key.Data), string(data.Data)})
	}
}

func TestEnvironmentClose(t *testing.T) {
	t.Parallel()

	env, err := Open("")
	require.NoError(t, err)
	db, err := env.OpenDatabase(nil, "a", &DatabaseConfig{AllowCreate: true})
	require.NoError(t, err)

	require.NoError(t, env.Close())
	require.NoError(t, env.Close(), "second close is a no-op")
	assert.False(t, env.IsValid())

	_, err = env.OpenDatabase(nil, "a", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, _, err = db.Get(nil, []byte("k"), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDatabaseCatalog(t *testing.T) {
	t.Parallel()
	env := setup(t)

	_, err := env.OpenDatabase(nil, "missing", nil)
	assert.ErrorIs(t, err, ErrDatabaseNotFound)

	openDB(t, env, "b", DatabaseConfig{})
	openDB(t, env, "a", DatabaseConfig{SortedDuplicates: true})

	names, err := env.DatabaseNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = env.OpenDatabase(nil, "a", &DatabaseConfig{})
	assert.ErrorIs(t, err, ErrInvalidArgument, "duplicates setting differs")

	db, err := env.OpenDatabase(nil, "a", &DatabaseConfig{UseExistingConfig: true})
	require.NoError(t, err)
	assert.True(t, db.Config().SortedDuplicates)
	require.NoError(t, db.Close())
}

func TestDatabaseCloseWithOpenCursor(t *testing.T) {
	t.Parallel()
	env := setup(t)

	db, err := env.OpenDatabase(nil, "a", &DatabaseConfig{AllowCreate: true})
	require.NoError(t, err)
	c, err := db.OpenCursor(nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, db.Close(), ErrInvalidState)
	require.NoError(t, c.Close())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestRecoveryAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	env, err := Open(dir)
	require.NoError(t, err)
	db, err := env.OpenDatabase(nil, "plain", &DatabaseConfig{AllowCreate: true, Transactional: true})
	require.NoError(t, err)
	dups, err := env.OpenDatabase(nil, "dups", &DatabaseConfig{AllowCreate: true, SortedDuplicates: true})
	require.NoError(t, err)

	put(t, db, nil, "a", "1")
	put(t, db, nil, "b", "2")
	put(t, db, nil, "b", "2b")
	_, err = db.Delete(nil, []byte("a"), nil)
	require.NoError(t, err)

	committed, err := env.BeginTransaction(nil)
	require.NoError(t, err)
	put(t, db, committed, "c", "3")
	require.NoError(t, committed.Commit())

	aborted, err := env.BeginTransaction(nil)
	require.NoError(t, err)
	put(t, db, aborted, "d", "4")
	require.NoError(t, aborted.Abort())

	open, err := env.BeginTransaction(nil)
	require.NoError(t, err)
	put(t, db, open, "e", "5")

	for _, d := range []string{"y", "x"} {
		_, err := dups.PutNoDupData(nil, []byte("k"), []byte(d), nil)
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
	require.NoError(t, dups.Close())
	require.NoError(t, env.Close())

	env, err = Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	db = openDB(t, env, "plain", DatabaseConfig{Transactional: true})
	assert.Equal(t, [][2]string{{"b", "2b"}, {"c", "3"}}, scan(t, db, nil))

	dups = openDB(t, env, "dups", DatabaseConfig{SortedDuplicates: true})
	assert.Equal(t, [][2]string{{"k", "x"}, {"k", "y"}}, scan(t, dups, nil))

	// Ids keep increasing after recovery
	txn, err := env.BeginTransaction(nil)
	require.NoError(t, err)
	assert.Greater(t, txn.ID(), open.ID())
	require.NoError(t, txn.Abort())
}

func TestEnvironmentLocked(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	env, err := Open(dir)
	require.NoError(t, err)
	defer env.Close()

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrEnvironmentLocked)
}

func TestDiskLimit(t *testing.T) {
	t.Parallel()
	env := setup(t, WithMaxDisk(1))
	db := openDB(t, env, "a", DatabaseConfig{})

	_, err := db.Put(nil, []byte("k"), []byte("v"), nil)
	assert.ErrorIs(t, err, ErrDiskLimitExceeded)
}

func TestReadOnlyEnvironment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	env, err := Open(dir)
	require.NoError(t, err)
	db, err := env.OpenDatabase(nil, "a", &DatabaseConfig{AllowCreate: true})
	require.NoError(t, err)
	put(t, db, nil, "k", "v")
	require.NoError(t, db.Close())
	require.NoError(t, env.Close())

	env = setupDir(t, dir, WithReadOnly())
	_, err = env.OpenDatabase(nil, "b", &DatabaseConfig{AllowCreate: true})
	assert.ErrorIs(t, err, ErrReadOnly)

	db = openDB(t, env, "a", DatabaseConfig{})
	_, err = db.Put(nil, []byte("k"), []byte("w"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	data, res, err := db.Get(nil, []byte("k"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "v", string(data))
}

func setupDir(t *testing.T, dir string, opts ...EnvOption) *Environment {
	t.Helper()
	env, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestCompress(t *testing.T) {
	t.Parallel()
	env := setup(t, WithCompressInterval(0))
	db := openDB(t, env, "a", DatabaseConfig{})

	put(t, db, nil, "a", "1")
	put(t, db, nil, "b", "2")
	_, err := db.Delete(nil, []byte("a"), nil)
	require.NoError(t, err)

	n, err := env.Compress()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CompressedSlots))

	assert.Equal(t, 1, db.st.tree.Len())

	assert.Equal(t, [][2]string{{"b", "2"}}, scan(t, db, nil))
}

func TestBackgroundCompressor(t *testing.T) {
	t.Parallel()
	env := setup(t, WithCompressInterval(10*time.Millisecond))
	db := openDB(t, env, "a", DatabaseConfig{})

	put(t, db, nil, "a", "1")
	_, err := db.Delete(nil, []byte("a"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.CompressedSlots) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCursorMetrics(t *testing.T) {
	t.Parallel()
	env := setup(t)
	db := openDB(t, env, "a", DatabaseConfig{})
	put(t, db, nil, "a", "1")

	c := cursor(t, db, nil)
	res, err := c.GetSearchKey(NewEntry([]byte("a")), nil, LockDefault)
	require.NoError(t, err)
	require.NotNil(t, res)
	res, err = c.GetSearchKey(NewEntry([]byte("zz")), nil, LockDefault)
	require.NoError(t, err)
	require.Nil(t, res)

	ops := env.metrics.CursorOps
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("search", "notfound")))

	count, err := testutil.GatherAndCount(env.Metrics(), "cedar_log_size_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
