package cedar

import (
	"math"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
	"github.com/alexhholmes/cedar/internal/lock"
)

// Count returns the number of records with the current key: the size of the
// duplicate set, or 1 in a database without duplicates. It takes no locks,
// so concurrent writes may or may not be counted.
func (c *Cursor) Count() (n int, err error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end("count", nil, &err)

	if !c.IsInitialized() {
		return 0, errors.Wrap(ErrInvalidState, "cursor is not initialized")
	}
	if !c.st.dups {
		return c.countSingle(), nil
	}

	t := c.st.tree
	codec := c.st.codec
	key := append([]byte(nil), c.userKey()...)
	scan := &readSpec{lockType: lock.None, now: nowUnix()}
	valid := func(s *base.Slot) bool { return !scan.skippable(s) }
	set := codec.SetConstraint(key)
	batch := c.env.opts.skipBatch

	// The first batch starts before the set; later ones after the key of
	// the last slot counted. The key, not the slot, marks the resume point,
	// so a slot compressed away between batches does not move it. Slots
	// inserted or deleted between batches may or may not be counted.
	cmp := codec.PrefixFirst(key)
	for {
		t.LatchShared()
		s, k := t.Skip(cmp, true, batch, set, valid)
		if s != nil {
			cmp = t.SearchFor(s.Key)
		}
		t.UnlatchShared()
		n += k
		if k < batch {
			return n, nil
		}
	}
}

// countSingle is Count in a database without duplicates.
func (c *Cursor) countSingle() int {
	t := c.st.tree
	t.LatchShared()
	defer t.UnlatchShared()
	s := c.pos.slot
	if s.IsRemoved() || s.IsDeleted() || s.IsExpired(nowUnix()) {
		return 0
	}
	return 1
}

// CountEstimate estimates the size of the current duplicate set from the
// tree positions of its two ends. The estimate is at least 1 and may be off
// by a factor of two when the tree is unbalanced.
func (c *Cursor) CountEstimate() (n int64, err error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end("count_estimate", nil, &err)

	if !c.IsInitialized() {
		return 0, errors.Wrap(ErrInvalidState, "cursor is not initialized")
	}
	if !c.st.dups {
		return int64(c.countSingle()), nil
	}

	t := c.st.tree
	codec := c.st.codec
	key := c.userKey()

	t.LatchShared()
	start := t.Estimate(codec.PrefixFirst(key))
	end := t.Estimate(codec.PrefixAfter(key))
	size := t.Size()
	t.UnlatchShared()

	n = int64(math.Round((end - start) * float64(size)))
	if n < 1 {
		n = 1
	}
	return n, nil
}

// SkipNext moves forward over up to maxCount records and returns how many
// were skipped. The records passed over are not locked; the landing record
// is locked according to m and returned in key and data. A return of 0
// leaves the cursor where it was.
func (c *Cursor) SkipNext(maxCount int64, key, data *Entry, m LockMode) (int64, error) {
	return c.skipOp("skip_next", true, maxCount, key, data, m)
}

// SkipPrev is SkipNext in the backward direction.
func (c *Cursor) SkipPrev(maxCount int64, key, data *Entry, m LockMode) (int64, error) {
	return c.skipOp("skip_prev", false, maxCount, key, data, m)
}

func (c *Cursor) skipOp(op string, forward bool, maxCount int64, key, data *Entry, m LockMode) (n int64, err error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end(op, nil, &err)

	if maxCount <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "maxCount must be positive, got %d", maxCount)
	}
	if !c.IsInitialized() {
		return 0, errors.Wrap(ErrInvalidState, "cursor is not initialized")
	}
	if err := key.validate("key"); err != nil {
		return 0, err
	}
	if err := data.validate("data"); err != nil {
		return 0, err
	}
	return c.skip(forward, maxCount, key, data, c.readSpec(mode(m)))
}

func (c *Cursor) skip(forward bool, maxCount int64, key, data *Entry, rs *readSpec) (int64, error) {
	batch := c.env.opts.skipBatch
	for {
		l, n, err := c.skipOnce(forward, maxCount, batch, rs)
		if err != nil || n == 0 {
			return 0, err
		}
		if l != nil {
			c.setPosition(l.pos)
			output(key, l.key)
			output(data, l.data)
			return n, nil
		}
		// The landing went away before it could be locked. Start over from
		// the same position with smaller batches.
		if batch > 1 {
			batch /= 2
		}
	}
}

// skipOnce counts up to maxCount live slots from the current position and
// locks the last one. A nil landing with n > 0 means the landing was deleted
// after the count.
func (c *Cursor) skipOnce(forward bool, maxCount int64, batch int, rs *readSpec) (*landing, int64, error) {
	t := c.st.tree
	scan := &readSpec{lockType: lock.None, now: rs.now, excludeTombstones: rs.excludeTombstones}
	valid := func(s *base.Slot) bool { return !scan.skippable(s) }

	t.LatchShared()
	from := c.pos.slot.Key
	t.UnlatchShared()

	var (
		last  *base.Slot
		total int64
	)
	for total < maxCount {
		want := int(min(int64(batch), maxCount-total))
		t.LatchShared()
		s, k := t.Skip(t.SearchFor(from), forward, want, c.constraint, valid)
		if s != nil {
			last, from = s, s.Key
		}
		t.UnlatchShared()
		total += int64(k)
		if k < want {
			break
		}
	}
	if last == nil {
		return nil, 0, nil
	}

	l, err := c.land(rs, func() (*base.Slot, lock.Grant, error) {
		g, ok, err := c.lockLatched(last, rs.lockType, false)
		if err != nil || !ok {
			return nil, lock.GrantNone, err
		}
		if !rs.live(last) {
			c.revert(last, g)
			return nil, lock.GrantNone, nil
		}
		return last, g, nil
	})
	return l, total, err
}
