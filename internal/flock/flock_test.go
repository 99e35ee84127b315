//go:build unix

package flock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cedar.lck")
	l, err := Acquire(path, false)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = Acquire(path, false)
	assert.ErrorIs(t, err, ErrLocked)
	_, err = Acquire(path, true)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := Acquire(path, false)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())
}

func TestShared(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cedar.lck")
	a, err := Acquire(path, true)
	require.NoError(t, err)
	defer a.Release()

	b, err := Acquire(path, true)
	require.NoError(t, err)
	defer b.Release()

	_, err = Acquire(path, false)
	assert.ErrorIs(t, err, ErrLocked)
}
