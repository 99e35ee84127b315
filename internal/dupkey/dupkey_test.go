package dupkey

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineSplitRoundTrip(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte("k"), 300)
	cases := []struct {
		name string
		key  []byte
		data []byte
	}{
		{"empty_both", []byte{}, []byte{}},
		{"empty_data", []byte("key"), []byte{}},
		{"empty_key", []byte{}, []byte("data")},
		{"plain", []byte("apple"), []byte("red")},
		{"binary", []byte{0x00, 0xff, 0x80}, []byte{0x80, 0x80, 0x01}},
		{"long_key_multibyte_marker", long, []byte("v")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k, d, err := Split(Combine(tc.key, tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.key, []byte(k))
			assert.Equal(t, tc.data, []byte(d))
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		key := make([]byte, rng.Intn(200))
		data := make([]byte, rng.Intn(200))
		rng.Read(key)
		rng.Read(data)

		k, d, err := Split(Combine(key, data))
		require.NoError(t, err)
		require.True(t, bytes.Equal(key, k), "key mismatch at %d", i)
		require.True(t, bytes.Equal(data, d), "data mismatch at %d", i)
	}
}

func TestSplitMalformed(t *testing.T) {
	t.Parallel()

	_, _, err := Split(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	// marker claims a key longer than the buffer
	_, _, err = Split([]byte{'a', 9})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOrdering(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil, nil)

	// k1 < k2 orders every pair of k1 before every pair of k2
	assert.Negative(t, c.Compare(Combine([]byte("a"), []byte("zzz")), Combine([]byte("b"), []byte(""))))
	assert.Negative(t, c.Compare(Combine([]byte("a"), []byte("zzz")), Combine([]byte("ab"), []byte(""))))

	// within one key, data order decides
	assert.Negative(t, c.Compare(Combine([]byte("k"), []byte("a")), Combine([]byte("k"), []byte("b"))))
	assert.Positive(t, c.Compare(Combine([]byte("k"), []byte("c")), Combine([]byte("k"), []byte("b"))))
	assert.Zero(t, c.Compare(Combine([]byte("k"), []byte("b")), Combine([]byte("k"), []byte("b"))))
}

func TestOrderingGroupsDuplicateSets(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil, nil)
	var keys [][]byte
	for _, k := range []string{"b", "a", "ab", "c"} {
		for _, d := range []string{"3", "1", "2"} {
			keys = append(keys, Combine([]byte(k), []byte(d)))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return c.Compare(keys[i], keys[j]) < 0 })

	var got []string
	for _, tp := range keys {
		k, d, err := Split(tp)
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("%s/%s", k, d))
	}
	assert.Equal(t, []string{
		"a/1", "a/2", "a/3",
		"ab/1", "ab/2", "ab/3",
		"b/1", "b/2", "b/3",
		"c/1", "c/2", "c/3",
	}, got)
}

func TestCustomDupComparator(t *testing.T) {
	t.Parallel()

	reverse := func(a, b []byte) int { return bytes.Compare(b, a) }
	c := NewCodec(nil, reverse)

	assert.Positive(t, c.Compare(Combine([]byte("k"), []byte("a")), Combine([]byte("k"), []byte("b"))))
	assert.Negative(t, c.Compare(Combine([]byte("j"), []byte("a")), Combine([]byte("k"), []byte("b"))))
}

func TestPrefixComparators(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil, nil)
	member := Combine([]byte("k"), []byte(""))
	other := Combine([]byte("l"), []byte("x"))
	before := Combine([]byte("j"), []byte("zz"))

	first := c.PrefixFirst([]byte("k"))
	assert.Negative(t, first(member), "prefix sorts before the smallest member")
	assert.Negative(t, first(other))
	assert.Positive(t, first(before))

	after := c.PrefixAfter([]byte("k"))
	assert.Positive(t, after(member), "prefix-after never equals a member")
	assert.Negative(t, after(other))

	inSet := c.SetConstraint([]byte("k"))
	assert.True(t, inSet(member))
	assert.True(t, inSet(Combine([]byte("k"), []byte("zzz"))))
	assert.False(t, inSet(other))
}
