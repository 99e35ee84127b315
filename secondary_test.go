package cedar

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// People are stored as "name|dept|email".
func field(i int) SecondaryKeyCreator {
	return func(_, data []byte) ([]byte, bool, error) {
		parts := bytes.Split(data, []byte("|"))
		if i >= len(parts) || len(parts[i]) == 0 {
			return nil, false, nil
		}
		return parts[i], true, nil
	}
}

func openSecondary(t *testing.T, env *Environment, name string, primary *Database, cfg SecondaryConfig) *SecondaryDatabase {
	t.Helper()
	cfg.AllowCreate = true
	sdb, err := env.OpenSecondaryDatabase(nil, name, primary, &cfg)
	require.NoError(t, err, "Failed to open secondary %s", name)
	t.Cleanup(func() { _ = sdb.Close() })
	return sdb
}

// lookup lists "secKey:pKey" for every record of sdb under secKey.
func lookup(t *testing.T, sdb *SecondaryDatabase, secKey string) []string {
	t.Helper()
	sc, err := sdb.OpenSecondaryCursor(nil, nil)
	require.NoError(t, err)
	defer sc.Close()

	var out []string
	key, pKey, data := NewEntry([]byte(secKey)), &Entry{}, &Entry{}
	res, err := sc.GetSearchKey(key, pKey, data, LockDefault)
	for ; res != nil; res, err = sc.GetNextDup(key, pKey, data, LockDefault) {
		out = append(out, string(key.Data)+":"+string(pKey.Data))
	}
	require.NoError(t, err)
	return out
}

// scanSecondary returns every secKey/pKey pair of sdb in cursor order, read
// without locks.
func scanSecondary(t *testing.T, sdb *SecondaryDatabase) [][2]string {
	t.Helper()
	sc, err := sdb.OpenSecondaryCursor(nil, nil)
	require.NoError(t, err)
	defer sc.Close()

	var out [][2]string
	key, pKey, data := &Entry{}, &Entry{}, &Entry{}
	for {
		res, err := sc.GetNext(key, pKey, data, ReadUncommitted)
		require.NoError(t, err)
		if res == nil {
			return out
		}
		out = append(out, [2]string{string(key.Data), string(pKey.Data)})
	}
}

func TestSecondaryMaintenance(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
	})

	put(t, people, nil, "p1", "alice|eng")
	put(t, people, nil, "p2", "bob|eng")
	put(t, people, nil, "p3", "carol|ops")
	put(t, people, nil, "p4", "dave|")
	assert.Equal(t, []string{"eng:p1", "eng:p2"}, lookup(t, byDept, "eng"))

	put(t, people, nil, "p2", "bob|ops")
	assert.Equal(t, []string{"eng:p1"}, lookup(t, byDept, "eng"))
	assert.Equal(t, []string{"ops:p2", "ops:p3"}, lookup(t, byDept, "ops"))

	_, err := people.Delete(nil, []byte("p1"), nil)
	require.NoError(t, err)
	assert.Empty(t, lookup(t, byDept, "eng"))

	pk, data, res, err := byDept.Get(nil, []byte("ops"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "p2", string(pk))
	assert.Equal(t, "bob|ops", string(data))

	n, err := byDept.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "p4 has no department")

	_, err = byDept.Put(nil, []byte("x"), []byte("p1"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	res, err = byDept.Delete(nil, []byte("ops"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, [][2]string{{"p4", "dave|"}}, scan(t, people, nil))
	assert.Empty(t, scanSecondary(t, byDept))
}

func TestSecondaryCursor(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
	})
	put(t, people, nil, "p1", "alice|eng")
	put(t, people, nil, "p2", "bob|eng")
	put(t, people, nil, "p3", "carol|ops")

	sc, err := byDept.OpenSecondaryCursor(nil, nil)
	require.NoError(t, err)
	defer sc.Close()

	key, pKey, data := &Entry{}, &Entry{}, &Entry{}
	res, err := sc.GetLast(key, pKey, data, LockDefault)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "ops p3 carol|ops", string(key.Data)+" "+string(pKey.Data)+" "+string(data.Data))

	res, err = sc.GetSearchBoth(NewEntry([]byte("eng")), NewEntry([]byte("p2")), data, LockDefault)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "bob|eng", string(data.Data))

	n, err := sc.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err = sc.GetSearchKeyRange(NewEntry([]byte("f")), pKey, data, LockDefault)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "p3", string(pKey.Data))

	_, err = sc.Put(NewEntry([]byte("x")), NewEntry([]byte("y")), Overwrite, nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	// Deleting through the secondary deletes the primary record
	res, err = sc.Delete(nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NoError(t, sc.Close())

	_, res, err = people.Get(nil, []byte("p3"), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, lookup(t, byDept, "ops"))
}

func TestSecondaryPopulate(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	put(t, people, nil, "p1", "alice|eng")
	put(t, people, nil, "p2", "bob|ops")

	byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
		AllowPopulate:  true,
	})
	assert.Equal(t, []string{"eng:p1"}, lookup(t, byDept, "eng"))
	assert.Equal(t, []string{"ops:p2"}, lookup(t, byDept, "ops"))

	_, err := env.OpenSecondaryDatabase(nil, "by_dept", people, &SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
	})
	assert.ErrorIs(t, err, ErrInvalidArgument, "already open")
}

func TestSecondaryOpenValidation(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	dups := openDB(t, env, "dups", DatabaseConfig{SortedDuplicates: true})

	for name, tc := range map[string]struct {
		primary *Database
		cfg     SecondaryConfig
	}{
		"no key creator":    {people, SecondaryConfig{}},
		"dups primary":      {dups, SecondaryConfig{KeyCreator: field(1)}},
		"transactional":     {people, SecondaryConfig{KeyCreator: field(1), DatabaseConfig: DatabaseConfig{Transactional: true}}},
		"dups foreign":      {people, SecondaryConfig{KeyCreator: field(1), ForeignKeyDatabase: dups}},
		"nullifier missing": {people, SecondaryConfig{KeyCreator: field(1), ForeignKeyDatabase: people, ForeignKeyDeleteAction: ForeignKeyNullify}},
	} {
		cfg := tc.cfg
		cfg.AllowCreate = true
		_, err := env.OpenSecondaryDatabase(nil, "sec_"+name, tc.primary, &cfg)
		assert.ErrorIs(t, err, ErrInvalidArgument, name)
	}
}

func TestSecondaryUnique(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	byEmail := openSecondary(t, env, "by_email", people, SecondaryConfig{KeyCreator: field(2)})

	put(t, people, nil, "p1", "alice|eng|a@x")
	_, err := people.Put(nil, []byte("p2"), []byte("bob|eng|a@x"), nil)
	assert.ErrorIs(t, err, ErrUniqueConstraint)
	_, res, err := people.Get(nil, []byte("p2"), nil)
	require.NoError(t, err)
	assert.Nil(t, res, "the primary is checked before it is written")

	// Rewriting the owner keeps the key
	put(t, people, nil, "p1", "alice|ops|a@x")
	pk, _, res, err := byEmail.Get(nil, []byte("a@x"), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "p1", string(pk))

	put(t, people, nil, "p1", "alice|ops|alice@x")
	put(t, people, nil, "p2", "bob|eng|a@x")
	assert.Equal(t, [][2]string{{"a@x", "p2"}, {"alice@x", "p1"}}, scanSecondary(t, byEmail))
}

func TestForeignKeyActions(t *testing.T) {
	t.Parallel()

	nullify := func(data, fk []byte) ([]byte, bool) {
		parts := bytes.Split(data, []byte("|"))
		if !bytes.Equal(parts[1], fk) {
			return data, false
		}
		parts[1] = nil
		return bytes.Join(parts, []byte("|")), true
	}

	for _, tc := range []struct {
		action ForeignKeyDeleteAction
		people [][2]string
	}{
		{ForeignKeyAbort, [][2]string{{"p1", "alice|eng"}, {"p2", "bob|eng"}, {"p3", "carol|ops"}}},
		{ForeignKeyCascade, [][2]string{{"p3", "carol|ops"}}},
		{ForeignKeyNullify, [][2]string{{"p1", "alice|"}, {"p2", "bob|"}, {"p3", "carol|ops"}}},
	} {
		t.Run(tc.action.String(), func(t *testing.T) {
			t.Parallel()
			env := setup(t)
			depts := openDB(t, env, "depts", DatabaseConfig{})
			people := openDB(t, env, "people", DatabaseConfig{})
			byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
				DatabaseConfig:         DatabaseConfig{SortedDuplicates: true},
				KeyCreator:             field(1),
				ForeignKeyDatabase:     depts,
				ForeignKeyDeleteAction: tc.action,
				ForeignKeyNullifier:    nullify,
			})

			put(t, depts, nil, "eng", "Engineering")
			put(t, depts, nil, "ops", "Operations")
			put(t, people, nil, "p1", "alice|eng")
			put(t, people, nil, "p2", "bob|eng")
			put(t, people, nil, "p3", "carol|ops")

			_, err := people.Put(nil, []byte("p4"), []byte("dave|hr"), nil)
			assert.ErrorIs(t, err, ErrForeignConstraint)

			_, err = depts.Delete(nil, []byte("eng"), nil)
			if tc.action == ForeignKeyAbort {
				assert.ErrorIs(t, err, ErrDeleteConstraint)
				assert.Equal(t, [][2]string{{"eng", "Engineering"}, {"ops", "Operations"}}, scan(t, depts, nil))
			} else {
				require.NoError(t, err)
				assert.Equal(t, [][2]string{{"ops", "Operations"}}, scan(t, depts, nil))
				assert.Empty(t, lookup(t, byDept, "eng"))
			}
			assert.Equal(t, tc.people, scan(t, people, nil))
		})
	}
}

// TestSecondaryPrecheckAllSecondaries writes records that break the foreign
// key of the second secondary while the first one has no key for them. The
// primary must be left as it was, for plain, current and partial puts.
func TestSecondaryPrecheckAllSecondaries(t *testing.T) {
	t.Parallel()
	env := setup(t)
	depts := openDB(t, env, "depts", DatabaseConfig{})
	people := openDB(t, env, "people", DatabaseConfig{})
	byEmail := openSecondary(t, env, "by_email", people, SecondaryConfig{KeyCreator: field(2)})
	byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig:     DatabaseConfig{SortedDuplicates: true},
		KeyCreator:         field(1),
		ForeignKeyDatabase: depts,
	})
	put(t, depts, nil, "eng", "Engineering")
	put(t, people, nil, "p1", "alice|eng")

	_, err := people.Put(nil, []byte("p4"), []byte("dave|hr"), nil)
	assert.ErrorIs(t, err, ErrForeignConstraint)
	assert.Equal(t, [][2]string{{"p1", "alice|eng"}}, scan(t, people, nil))

	c := cursor(t, people, nil)
	_, _, ok := get(t, c, Search, []byte("p1"), nil)
	require.True(t, ok)

	_, err = c.PutCurrent(NewEntry([]byte("alice|hr")))
	assert.ErrorIs(t, err, ErrForeignConstraint)
	_, err = c.PutCurrent(&Entry{Data: []byte("hr"), Partial: true, Offset: 6, Length: 3})
	assert.ErrorIs(t, err, ErrForeignConstraint)
	_, err = c.Put(NewEntry([]byte("p1")), &Entry{Data: []byte("hr"), Partial: true, Offset: 6, Length: 3}, Overwrite, nil)
	assert.ErrorIs(t, err, ErrForeignConstraint)

	_, d, ok := get(t, c, Current, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "alice|eng", d)
	assert.Equal(t, [][2]string{{"eng", "p1"}}, scanSecondary(t, byDept))
	assert.Empty(t, scanSecondary(t, byEmail))

	// A partial put that keeps a valid department goes through
	_, err = c.PutCurrent(&Entry{Data: []byte("|a@x"), Partial: true, Offset: 9, Length: 0})
	require.NoError(t, err)
	_, d, _ = get(t, c, Current, nil, nil)
	assert.Equal(t, "alice|eng|a@x", d)
	assert.Equal(t, [][2]string{{"a@x", "p1"}}, scanSecondary(t, byEmail))
}

// TestSecondaryImmutableKey updates records of a secondary whose key never
// changes; the index follows without reading the replaced data.
func TestSecondaryImmutableKey(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	byName := openSecondary(t, env, "by_name", people, SecondaryConfig{
		KeyCreator:            field(0),
		ImmutableSecondaryKey: true,
	})
	assert.False(t, people.st.needOldData())

	put(t, people, nil, "p1", "alice|eng")
	put(t, people, nil, "p1", "alice|ops")
	_, err := people.Put(nil, []byte("p1"), []byte("alice|ops"), &WriteOptions{Tombstone: true})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"alice", "p1"}}, scanSecondary(t, byName))

	_, err = people.Delete(nil, []byte("p1"), nil)
	require.NoError(t, err)
	assert.Empty(t, scanSecondary(t, byName))

	// A secondary whose key may change needs the old data again
	openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
	})
	assert.True(t, people.st.needOldData())
}

// TestSecondaryStaleReference makes a secondary record change while a
// reader that found it waits for the primary lock. The reader sees no
// record and the secondary is not reported corrupt.
func TestSecondaryStaleReference(t *testing.T) {
	t.Parallel()

	for name, repoint := range map[string]bool{"deleted": false, "repointed": true} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			env := setup(t, WithLockTimeout(5*time.Second))
			people := openDB(t, env, "people", DatabaseConfig{Transactional: true})
			byEmail := openSecondary(t, env, "by_email", people, SecondaryConfig{
				DatabaseConfig: DatabaseConfig{Transactional: true},
				KeyCreator:     field(2),
			})
			put(t, people, nil, "p1", "alice|eng|a@x")
			put(t, people, nil, "p2", "bob|eng|b@x")

			writer := begin(t, env, nil)
			_, _, err := people.Get(writer, []byte("p1"), &ReadOptions{LockMode: RMW})
			require.NoError(t, err)

			reader := begin(t, env, nil)
			sc, err := byEmail.OpenSecondaryCursor(reader, nil)
			require.NoError(t, err)
			defer sc.Close()

			waits := env.locks.Stats().Waits
			var res *OperationResult
			done := make(chan error, 1)
			go func() {
				var err error
				res, err = sc.GetSearchKey(NewEntry([]byte("a@x")), &Entry{}, &Entry{}, LockDefault)
				done <- err
			}()
			require.Eventually(t, func() bool {
				return env.locks.Stats().Waits > waits
			}, 5*time.Second, time.Millisecond, "reader waits for p1")

			put(t, people, writer, "p1", "alice|eng|alice@x")
			if repoint {
				put(t, people, writer, "p2", "bob|eng|a@x")
			}
			require.NoError(t, writer.Commit())

			require.NoError(t, <-done)
			assert.Nil(t, res)
			assert.False(t, byEmail.IsCorrupt())
			require.NoError(t, sc.Close())
			require.NoError(t, reader.Commit())

			want := [][2]string{{"alice@x", "p1"}, {"b@x", "p2"}}
			if repoint {
				want = [][2]string{{"a@x", "p2"}, {"alice@x", "p1"}}
			}
			assert.Equal(t, want, scanSecondary(t, byEmail))
		})
	}
}

func TestSecondaryIntegrity(t *testing.T) {
	t.Parallel()
	env := setup(t)
	people := openDB(t, env, "people", DatabaseConfig{})
	cfg := SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
		AllowPopulate:  true,
	}

	put(t, people, nil, "p1", "alice|eng")
	sdb, err := env.OpenSecondaryDatabase(nil, "by_dept", people, withCreate(cfg))
	require.NoError(t, err)
	require.NoError(t, sdb.Close())

	// Written while the secondary is not attached
	_, err = people.Delete(nil, []byte("p1"), nil)
	require.NoError(t, err)

	byDept := openSecondary(t, env, "by_dept", people, cfg)
	_, _, _, err = byDept.Get(nil, []byte("eng"), nil)
	var ie *SecondaryIntegrityError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, "p1", string(ie.PrimaryKey))
	assert.ErrorIs(t, err, ErrSecondaryCorrupted)
	assert.True(t, byDept.IsCorrupt())

	_, err = people.Put(nil, []byte("p2"), []byte("bob|ops"), nil)
	assert.ErrorIs(t, err, ErrSecondaryCorrupted)
	_, err = byDept.OpenSecondaryCursor(nil, nil)
	assert.ErrorIs(t, err, ErrSecondaryCorrupted)
}

func TestSecondaryIntegrityNotFatal(t *testing.T) {
	t.Parallel()
	env := setup(t, WithSecondaryIntegrityFatal(false))
	people := openDB(t, env, "people", DatabaseConfig{})
	put(t, people, nil, "p1", "alice|eng")

	// Empty and not populated, so p1 is missing from it
	byDept := openSecondary(t, env, "by_dept", people, SecondaryConfig{
		DatabaseConfig: DatabaseConfig{SortedDuplicates: true},
		KeyCreator:     field(1),
	})
	_, err := people.Delete(nil, []byte("p1"), nil)
	assert.ErrorIs(t, err, ErrSecondaryCorrupted)
	assert.False(t, byDept.IsCorrupt())

	put(t, people, nil, "p2", "bob|ops")
	assert.Equal(t, []string{"ops:p2"}, lookup(t, byDept, "ops"))
}

func withCreate(cfg SecondaryConfig) *SecondaryConfig {
	cfg.AllowCreate = true
	return &cfg
}
