package cedar

import (
	"bytes"

	"github.com/pkg/errors"
)

// Get reads a record and moves the cursor to it. key and data are filled in
// on success; search kinds read their target from them. A nil result with a
// nil error means not found.
//
// After a failed move the cursor is uninitialized, except that Current never
// moves and NextDup and PrevDup leave the cursor where it was.
func (c *Cursor) Get(key, data *Entry, op Get, opts *ReadOptions) (res *OperationResult, err error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end(op.String(), &res, &err)
	return c.get(key, data, op, opts)
}

func (c *Cursor) get(key, data *Entry, op Get, opts *ReadOptions) (*OperationResult, error) {
	if err := key.validate("key"); err != nil {
		return nil, err
	}
	if err := data.validate("data"); err != nil {
		return nil, err
	}
	if op.isSearch() {
		if key == nil || key.Data == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s requires a key", op)
		}
		if key.Partial {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s does not accept a partial key", op)
		}
		if (op == SearchBoth || op == SearchBothGTE) && (data == nil || data.Partial) {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s requires complete data", op)
		}
	}

	rs := c.readSpec(opts)
	var keyIn, dataIn []byte
	if key != nil {
		keyIn = key.Data
	}
	if data != nil {
		dataIn = data.Data
	}

	l, err := c.locate(op, keyIn, dataIn, rs)
	if err != nil || l == nil {
		if resets(op) {
			c.reset()
		}
		return nil, err
	}
	if !l.keep {
		c.setPosition(l.pos)
	}
	output(key, l.key)
	output(data, l.data)
	return result(l.snap, false), nil
}

// resets reports whether a failed op leaves the cursor uninitialized.
func resets(op Get) bool {
	return op != Current && op != NextDup && op != PrevDup
}

// locate finds where op lands without moving the cursor. The landing holds
// the lock taken for it; callers either move there or discard it.
func (c *Cursor) locate(op Get, key, data []byte, rs *readSpec) (*landing, error) {
	initialized := c.IsInitialized()

	switch op {
	case Search, SearchBoth, SearchGTE, SearchBothGTE:
		if c.st.dups {
			return c.searchDup(op, key, data, rs)
		}
		return c.search(op, key, data, rs)

	case Current:
		if !initialized {
			return nil, errors.Wrap(ErrInvalidState, "cursor is not initialized")
		}
		return c.current(rs)

	case First, Last:
		return c.edge(op == First, rs)

	case Next, Prev:
		if !initialized {
			return c.edge(op == Next, rs)
		}
		return c.step(op == Next, nil, rs)

	case NextNoDup, PrevNoDup:
		if !initialized {
			return c.edge(op == NextNoDup, rs)
		}
		if !c.st.dups {
			return c.step(op == NextNoDup, nil, rs)
		}
		if op == NextNoDup {
			return c.nextNoDup(rs)
		}
		return c.prevNoDup(rs)

	case NextDup, PrevDup:
		if !initialized {
			return nil, errors.Wrap(ErrInvalidState, "cursor is not initialized")
		}
		if !c.st.dups {
			return nil, nil
		}
		return c.stepDup(op == NextDup, rs)
	}
	return nil, errors.Wrapf(ErrInvalidArgument, "unknown get operation %d", op)
}

// search positions in a database without duplicates.
func (c *Cursor) search(op Get, key, data []byte, rs *readSpec) (*landing, error) {
	if op == SearchGTE {
		return c.searchRange(c.st.tree.SearchFor(key), c.constraint, rs)
	}
	if c.constraint != nil && !c.constraint(key) {
		return nil, nil
	}

	l, err := c.searchExact(c.st.tree.SearchFor(key), rs)
	if err != nil || l == nil {
		return l, err
	}
	switch {
	case op == SearchBoth && !bytes.Equal(l.data, data):
		c.discard(l)
		return nil, nil
	case op == SearchBothGTE && c.st.dupCmp(l.data, data) < 0:
		c.discard(l)
		return nil, nil
	}
	return l, nil
}

func mode(m LockMode) *ReadOptions {
	return &ReadOptions{LockMode: m}
}

// GetFirst moves to the first record.
func (c *Cursor) GetFirst(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, First, mode(m))
}

// GetLast moves to the last record.
func (c *Cursor) GetLast(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, Last, mode(m))
}

// GetNext moves to the next record, or the first if uninitialized.
func (c *Cursor) GetNext(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, Next, mode(m))
}

// GetPrev moves to the previous record, or the last if uninitialized.
func (c *Cursor) GetPrev(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, Prev, mode(m))
}

// GetNextDup moves to the next duplicate of the current key.
func (c *Cursor) GetNextDup(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, NextDup, mode(m))
}

// GetPrevDup moves to the previous duplicate of the current key.
func (c *Cursor) GetPrevDup(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, PrevDup, mode(m))
}

// GetNextNoDup moves to the first record of the next key.
func (c *Cursor) GetNextNoDup(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, NextNoDup, mode(m))
}

// GetPrevNoDup moves to the last record of the previous key.
func (c *Cursor) GetPrevNoDup(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, PrevNoDup, mode(m))
}

// GetCurrent returns the record at the cursor. A nil result means it was
// deleted.
func (c *Cursor) GetCurrent(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, Current, mode(m))
}

// GetSearchKey moves to key; in a duplicates database, to its first
// duplicate.
func (c *Cursor) GetSearchKey(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, Search, mode(m))
}

// GetSearchKeyRange moves to the smallest key >= key.
func (c *Cursor) GetSearchKeyRange(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, SearchGTE, mode(m))
}

// GetSearchBoth moves to the record with exactly key and data.
func (c *Cursor) GetSearchBoth(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, SearchBoth, mode(m))
}

// GetSearchBothRange moves to key with the smallest data >= data.
func (c *Cursor) GetSearchBothRange(key, data *Entry, m LockMode) (*OperationResult, error) {
	return c.Get(key, data, SearchBothGTE, mode(m))
}
