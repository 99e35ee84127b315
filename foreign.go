package cedar

import (
	"github.com/pkg/errors"
)

// onForeignKeyDelete applies the delete action of every secondary that uses
// this database as its foreign key database. It runs before the foreign
// record is deleted, holding the write lock on it.
func (c *Cursor) onForeignKeyDelete(key []byte) error {
	for _, s := range c.st.foreignRefs {
		if err := s.onForeignKeyDelete(c, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SecondaryDatabase) onForeignKeyDelete(c *Cursor, fk []byte) error {
	if err := s.checkCorrupt(); err != nil {
		return err
	}

	// The action removes the entry it acted on, so each round looks up the
	// first remaining one.
	seen := make(map[string]struct{})
	for {
		pk, err := s.firstReference(c, fk)
		if err != nil || pk == nil {
			return err
		}
		if s.config.ForeignKeyDeleteAction == ForeignKeyAbort {
			return errors.Wrapf(ErrDeleteConstraint, "key %q of %q is referenced by secondary %q",
				fk, c.st.name, s.st.name)
		}
		if _, dup := seen[string(pk)]; dup {
			return errors.Wrapf(ErrDeleteConstraint, "secondary %q still references key %q after %s",
				s.st.name, fk, s.config.ForeignKeyDeleteAction)
		}
		seen[string(pk)] = struct{}{}

		if err := s.actOnPrimary(c, fk, pk); err != nil {
			return err
		}
	}
}

// firstReference returns the primary key of the first live secondary record
// with key fk, or nil.
func (s *SecondaryDatabase) firstReference(c *Cursor, fk []byte) ([]byte, error) {
	ic := newCursor(s.Database, c.lk, true)
	defer ic.closeLocked()

	rs := ic.readSpec(nil)
	var (
		l   *landing
		err error
	)
	if s.st.dups {
		codec := s.st.codec
		l, err = ic.searchRange(codec.PrefixFirst(fk), codec.SetConstraint(fk), rs)
	} else {
		l, err = ic.searchExact(s.st.tree.SearchFor(fk), rs)
	}
	if err != nil || l == nil {
		return nil, err
	}
	pk := append([]byte(nil), l.data...)
	ic.discard(l)
	return pk, nil
}

// actOnPrimary cascades the delete to, or nullifies fk in, the primary
// record pk.
func (s *SecondaryDatabase) actOnPrimary(c *Cursor, fk, pk []byte) error {
	pc := newCursor(s.primary, c.lk, true)
	pc.cacheMode = c.cacheMode
	defer pc.closeLocked()

	rs := pc.readSpec(&ReadOptions{LockMode: RMW})
	l, err := pc.searchExact(s.primary.st.tree.SearchFor(pk), rs)
	if err != nil {
		return err
	}
	if l == nil {
		return s.integrityError(fk, pk, "primary record missing for foreign key reference")
	}
	pc.setPosition(l.pos)

	ws := pc.writeSpec(nil)
	switch s.config.ForeignKeyDeleteAction {
	case ForeignKeyCascade:
		_, err = pc.delete(ws)
		return err

	case ForeignKeyNullify:
		data, changed := s.config.ForeignKeyNullifier(append([]byte(nil), l.data...), fk)
		if !changed {
			return errors.Wrapf(ErrDeleteConstraint, "nullifier of secondary %q left primary record %q unchanged",
				s.st.name, pk)
		}
		if data == nil {
			data = []byte{}
		}
		res, err := pc.write(PutCurrent, nil, NewEntry(data), ws)
		if err == nil && res == nil {
			return s.integrityError(fk, pk, "primary record deleted during nullify")
		}
		return err
	}
	return errors.Wrapf(ErrInvalidArgument, "unknown foreign key delete action %d", s.config.ForeignKeyDeleteAction)
}
