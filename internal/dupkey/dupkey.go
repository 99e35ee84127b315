// Package dupkey encodes the two-part keys stored in the B-tree of a
// database configured for sorted duplicates.
//
// A two-part key is the user key followed by the user data and a trailing,
// byte-reversed uvarint holding the length of the user key:
//
//	[key][data][len(key) as reversed uvarint]
//
// The marker is read from the end, so a two-part key can always be split
// without knowing where the data starts.
package dupkey

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Comparator orders two byte strings like bytes.Compare.
type Comparator func(a, b []byte) int

var ErrMalformed = errors.New("dupkey: malformed two-part key")

// Combine builds the two-part key for key and data.
func Combine(key, data []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(key)))

	out := make([]byte, 0, len(key)+len(data)+n)
	out = append(out, key...)
	out = append(out, data...)
	for i := n - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out
}

// Split returns the key and data portions of a two-part key. The returned
// slices alias twoPart.
func Split(twoPart []byte) (key, data []byte, err error) {
	keyLen, markerLen, err := readMarker(twoPart)
	if err != nil {
		return nil, nil, err
	}
	end := len(twoPart) - markerLen
	if keyLen > end {
		return nil, nil, ErrMalformed
	}
	return twoPart[:keyLen], twoPart[keyLen:end], nil
}

// Key returns only the key portion.
func Key(twoPart []byte) ([]byte, error) {
	k, _, err := Split(twoPart)
	return k, err
}

// Data returns only the data portion.
func Data(twoPart []byte) ([]byte, error) {
	_, d, err := Split(twoPart)
	return d, err
}

// readMarker decodes the reversed uvarint at the end of b.
func readMarker(b []byte) (keyLen, markerLen int, err error) {
	var tmp [binary.MaxVarintLen64]byte
	n := 0
	for i := len(b) - 1; i >= 0 && n < len(tmp); i-- {
		tmp[n] = b[i]
		n++
		if b[i] < 0x80 {
			break
		}
	}
	if n == 0 {
		return 0, 0, ErrMalformed
	}
	v, used := binary.Uvarint(tmp[:n])
	if used <= 0 {
		return 0, 0, ErrMalformed
	}
	return int(v), used, nil
}

func orDefault(cmp Comparator) Comparator {
	if cmp == nil {
		return bytes.Compare
	}
	return cmp
}

// Codec compares and bounds two-part keys using a key comparator and a
// duplicate (data) comparator.
type Codec struct {
	keyCmp Comparator
	dupCmp Comparator
}

// NewCodec returns a Codec. Nil comparators mean bytes.Compare.
func NewCodec(keyCmp, dupCmp Comparator) *Codec {
	return &Codec{keyCmp: orDefault(keyCmp), dupCmp: orDefault(dupCmp)}
}

// KeyComparator returns the comparator used for the key portion.
func (c *Codec) KeyComparator() Comparator { return c.keyCmp }

// DupComparator returns the comparator used for the data portion.
func (c *Codec) DupComparator() Comparator { return c.dupCmp }

// Compare orders two-part keys by key portion, then data portion. Malformed
// input falls back to byte order so that the tree never panics on it.
func (c *Codec) Compare(a, b []byte) int {
	ak, ad, errA := Split(a)
	bk, bd, errB := Split(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	if r := c.keyCmp(ak, bk); r != 0 {
		return r
	}
	return c.dupCmp(ad, bd)
}

// SameKey reports whether the key portion of twoPart equals key.
func (c *Codec) SameKey(twoPart, key []byte) bool {
	k, err := Key(twoPart)
	if err != nil {
		return false
	}
	return c.keyCmp(k, key) == 0
}

// PrefixFirst returns a search comparator for target user key that sorts
// the target before every member of its duplicate set. A range search with it
// lands on the first duplicate of key, or the first record of a later set.
func (c *Codec) PrefixFirst(key []byte) func(slotKey []byte) int {
	return func(slotKey []byte) int {
		k, err := Key(slotKey)
		if err != nil {
			return bytes.Compare(key, slotKey)
		}
		if r := c.keyCmp(key, k); r != 0 {
			return r
		}
		return -1
	}
}

// PrefixAfter returns a search comparator that sorts the target after every
// member of key's duplicate set. An exact prefix match never compares equal,
// so a range search lands strictly in the following duplicate set.
func (c *Codec) PrefixAfter(key []byte) func(slotKey []byte) int {
	return func(slotKey []byte) int {
		k, err := Key(slotKey)
		if err != nil {
			return bytes.Compare(key, slotKey)
		}
		if r := c.keyCmp(key, k); r != 0 {
			return r
		}
		return 1
	}
}

// Exact returns a search comparator for a complete two-part target.
func (c *Codec) Exact(target []byte) func(slotKey []byte) int {
	return func(slotKey []byte) int {
		return c.Compare(target, slotKey)
	}
}

// SetConstraint returns a range constraint that accepts only members of
// key's duplicate set.
func (c *Codec) SetConstraint(key []byte) func(slotKey []byte) bool {
	k := append([]byte(nil), key...)
	return func(slotKey []byte) bool {
		return c.SameKey(slotKey, k)
	}
}
