package cedar

import (
	"github.com/alexhholmes/cedar/internal/algo"
	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/lock"
)

// walk returns the first live slot at or after start in the given direction,
// locked according to rs. The walk stops at the first key inRange rejects,
// unless seek is set and no key has been accepted yet: a seek passes over
// rejected keys until it enters the range.
// Requires the shared latch, which may be dropped while waiting for a lock.
func (c *Cursor) walk(start *base.Slot, forward bool, inRange func([]byte) bool, seek bool, rs *readSpec) (*base.Slot, lock.Grant, error) {
	t := c.st.tree
	for s := start; s != nil; s = t.Step(s.Key, forward) {
		if inRange != nil {
			if !inRange(s.Key) {
				if seek {
					continue
				}
				return nil, lock.GrantNone, nil
			}
			seek = false
		}
		if rs.skippable(s) {
			continue
		}
		g, ok, err := c.lockLatched(s, rs.lockType, false)
		if err != nil {
			return nil, lock.GrantNone, err
		}
		if !ok {
			continue
		}
		if rs.live(s) {
			return s, g, nil
		}
		c.revert(s, g)
	}
	return nil, lock.GrantNone, nil
}

// land runs find under the shared latch and snapshots the slot it returns.
func (c *Cursor) land(rs *readSpec, find func() (*base.Slot, lock.Grant, error)) (*landing, error) {
	t := c.st.tree
	t.LatchShared()
	s, g, err := find()
	if err != nil || s == nil {
		t.UnlatchShared()
		return nil, err
	}
	snap := s.Snapshot()
	t.UnlatchShared()

	l := &landing{pos: c.positionFor(s, rs), grant: g, snap: snap}
	if err := c.resolve(l, rs.cacheMode); err != nil {
		c.discard(l)
		return nil, err
	}
	return l, nil
}

// edge lands on the first or last live record.
func (c *Cursor) edge(first bool, rs *readSpec) (*landing, error) {
	return c.land(rs, func() (*base.Slot, lock.Grant, error) {
		t := c.st.tree
		start := t.Last()
		if first {
			start = t.First()
		}
		return c.walk(start, first, c.constraint, !first, rs)
	})
}

// step lands on the neighbour of the current position. inRange replaces the
// cursor's constraint when non-nil. Moving backward under the cursor's own
// constraint seeks into the range.
func (c *Cursor) step(forward bool, inRange func([]byte) bool, rs *readSpec) (*landing, error) {
	from := c.pos.slot
	seek := false
	if inRange == nil {
		inRange, seek = c.constraint, !forward
	}
	return c.land(rs, func() (*base.Slot, lock.Grant, error) {
		return c.walk(c.st.tree.Step(from.Key, forward), forward, inRange, seek, rs)
	})
}

// searchExact lands on the slot equal to the search target.
func (c *Cursor) searchExact(cmp algo.SearchFunc, rs *readSpec) (*landing, error) {
	t := c.st.tree
	for {
		t.LatchShared()
		s := t.SearchExact(cmp)
		if s == nil || rs.skippable(s) {
			t.UnlatchShared()
			return nil, nil
		}
		g, ok, err := c.lockLatched(s, rs.lockType, false)
		if err != nil {
			t.UnlatchShared()
			return nil, err
		}
		if !ok {
			// Removed while waiting; a new slot may have taken its key
			t.UnlatchShared()
			continue
		}
		if !rs.live(s) {
			c.revert(s, g)
			t.UnlatchShared()
			return nil, nil
		}
		snap := s.Snapshot()
		t.UnlatchShared()

		l := &landing{pos: c.positionFor(s, rs), grant: g, snap: snap}
		if err := c.resolve(l, rs.cacheMode); err != nil {
			c.discard(l)
			return nil, err
		}
		return l, nil
	}
}

// searchRange lands on the smallest live slot >= the search target that
// inRange accepts. A concurrent insert seen while the latch was dropped can
// put the landing below the target; the search then starts over.
func (c *Cursor) searchRange(cmp algo.SearchFunc, inRange func([]byte) bool, rs *readSpec) (*landing, error) {
	for {
		l, retry, err := c.searchRangeOnce(cmp, inRange, rs)
		if !retry {
			return l, err
		}
		c.env.metrics.SearchRestarts.Inc()
	}
}

func (c *Cursor) searchRangeOnce(cmp algo.SearchFunc, inRange func([]byte) bool, rs *readSpec) (*landing, bool, error) {
	t := c.st.tree
	t.LatchShared()

	s, exact := t.SearchRange(cmp)
	var start *base.Slot
	switch {
	case s == nil:
		start = t.First()
	case exact:
		start = s
	default:
		start = t.Next(s.Key)
	}

	found, g, err := c.walk(start, true, inRange, false, rs)
	if err != nil || found == nil {
		t.UnlatchShared()
		return nil, false, err
	}
	if cmp(found.Key) > 0 {
		c.revert(found, g)
		t.UnlatchShared()
		return nil, true, nil
	}
	snap := found.Snapshot()
	t.UnlatchShared()

	l := &landing{pos: c.positionFor(found, rs), grant: g, snap: snap}
	if err := c.resolve(l, rs.cacheMode); err != nil {
		c.discard(l)
		return nil, false, err
	}
	return l, false, nil
}

// current re-reads the record at the cursor position. A nil landing means
// the record was deleted.
func (c *Cursor) current(rs *readSpec) (*landing, error) {
	t := c.st.tree
	s := c.pos.slot

	t.LatchShared()
	if s.Flags&(base.KnownDeleted|base.Removed) != 0 {
		t.UnlatchShared()
		return nil, nil
	}
	// A dirty read keeps whatever lock the position already has
	keep := rs.dirty()
	g, ok, err := c.lockLatched(s, rs.lockType, false)
	if err != nil || !ok {
		t.UnlatchShared()
		return nil, err
	}
	if !rs.live(s) {
		c.revert(s, g)
		t.UnlatchShared()
		return nil, nil
	}
	snap := s.Snapshot()
	t.UnlatchShared()

	l := &landing{pos: c.positionFor(s, rs), grant: g, snap: snap, keep: keep}
	if keep {
		l.pos = c.pos
	}
	if err := c.resolve(l, rs.cacheMode); err != nil {
		c.discard(l)
		return nil, err
	}
	return l, nil
}
