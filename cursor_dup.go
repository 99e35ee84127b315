package cedar

import (
	"bytes"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/dupkey"
	"github.com/alexhholmes/cedar/internal/lock"
)

// Operations of a database configured for sorted duplicates. Every record is
// stored under the two-part key of its user key and data, so a duplicate set
// is a contiguous run of slots bounded with prefix comparators.

// searchDup positions within the duplicate sets of a duplicates database.
func (c *Cursor) searchDup(op Get, key, data []byte, rs *readSpec) (*landing, error) {
	codec := c.st.codec
	switch op {
	case Search:
		return c.searchRange(codec.PrefixFirst(key), both(codec.SetConstraint(key), c.constraint), rs)

	case SearchGTE:
		return c.searchRange(codec.PrefixFirst(key), c.constraint, rs)

	case SearchBoth:
		if c.constraint != nil && !c.constraint(dupkey.Combine(key, data)) {
			return nil, nil
		}
		l, err := c.searchExact(codec.Exact(dupkey.Combine(key, data)), rs)
		if err != nil || l == nil {
			return l, err
		}
		// Matched by the duplicate comparator; only the same bytes count
		if !bytes.Equal(l.data, data) {
			c.discard(l)
			return nil, nil
		}
		return l, nil

	case SearchBothGTE:
		return c.searchRange(codec.Exact(dupkey.Combine(key, data)), both(codec.SetConstraint(key), c.constraint), rs)
	}
	panic("unreachable: searchDup " + op.String())
}

// stepDup moves to the next or previous duplicate of the current key. The
// cursor is not touched; a nil landing leaves it where it was.
func (c *Cursor) stepDup(forward bool, rs *readSpec) (*landing, error) {
	set := c.st.codec.SetConstraint(c.userKey())
	return c.step(forward, both(set, c.constraint), rs)
}

// nextNoDup lands on the first record of the next duplicate set.
func (c *Cursor) nextNoDup(rs *readSpec) (*landing, error) {
	return c.searchRange(c.st.codec.PrefixAfter(c.userKey()), c.constraint, rs)
}

// prevNoDup lands on the last record of the previous duplicate set. The walk
// starts just before the current set; a landing that still shares the
// current key, possible after a concurrent insert while the latch was
// dropped, is stepped past by comparing prefixes.
func (c *Cursor) prevNoDup(rs *readSpec) (*landing, error) {
	codec := c.st.codec
	key := append([]byte(nil), c.userKey()...)

	return c.land(rs, func() (*base.Slot, lock.Grant, error) {
		t := c.st.tree
		start, _ := t.SearchRange(codec.PrefixFirst(key))
		s, g, err := c.walk(start, false, c.constraint, true, rs)
		for err == nil && s != nil && codec.SameKey(s.Key, key) {
			c.revert(s, g)
			s, g, err = c.walk(t.Prev(s.Key), false, c.constraint, true, rs)
		}
		return s, g, err
	})
}
