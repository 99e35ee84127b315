package cedar

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// TestOrderingMatchesBolt writes the same random records to a database and
// to a bbolt bucket, and expects both to iterate them identically, forward
// and backward.
func TestOrderingMatchesBolt(t *testing.T) {
	t.Parallel()
	env := setup(t)
	db := openDB(t, env, "a", DatabaseConfig{})

	bdb, err := bolt.Open(filepath.Join(t.TempDir(), "bolt.db"), 0o600, &bolt.Options{NoSync: true})
	require.NoError(t, err)
	defer bdb.Close()
	bucket := []byte("a")

	rng := rand.New(rand.NewSource(1))
	var deleted [][]byte
	err = bdb.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return err
		}
		for i := range 2000 {
			key := make([]byte, 1+rng.Intn(12))
			rng.Read(key)
			val := []byte{byte(i), byte(i >> 8)}
			if _, err := db.Put(nil, key, val, nil); err != nil {
				return err
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
			if i%7 == 0 {
				deleted = append(deleted, key)
			}
		}
		for _, key := range deleted {
			if _, err := db.Delete(nil, key, nil); err != nil {
				return err
			}
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var want [][2]string
	require.NoError(t, bdb.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			want = append(want, [2]string{string(k), string(v)})
			return nil
		})
	}))
	assert.Equal(t, want, scan(t, db, nil))

	c := cursor(t, db, nil)
	key, data := &Entry{}, &Entry{}
	i := len(want) - 1
	for res, err := c.GetLast(key, data, LockDefault); res != nil; res, err = c.GetPrev(key, data, LockDefault) {
		require.NoError(t, err)
		require.GreaterOrEqual(t, i, 0)
		assert.Equal(t, want[i], [2]string{string(key.Data), string(data.Data)})
		i--
	}
	assert.Equal(t, -1, i)

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), n)
}
