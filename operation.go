package cedar

import (
	"time"

	"github.com/pkg/errors"
)

// Get is the kind of a cursor read.
type Get int

const (
	// Search positions at the given key; in a duplicates database, at its
	// first duplicate.
	Search Get = iota
	// SearchBoth positions at the exact key/data pair. Data is matched by
	// byte equality, not by the duplicate comparator.
	SearchBoth
	// SearchGTE positions at the smallest key >= the given key.
	SearchGTE
	// SearchBothGTE positions at the given key with the smallest data >= the
	// given data.
	SearchBothGTE
	// Current returns the record at the cursor position.
	Current
	First
	Last
	Next
	// NextDup moves to the next duplicate of the current key.
	NextDup
	// NextNoDup moves to the first record of the next key.
	NextNoDup
	Prev
	// PrevDup moves to the previous duplicate of the current key.
	PrevDup
	// PrevNoDup moves to the last record of the previous key.
	PrevNoDup
)

var getNames = [...]string{"search", "search_both", "search_gte", "search_both_gte", "current",
	"first", "last", "next", "next_dup", "next_nodup", "prev", "prev_dup", "prev_nodup"}

func (g Get) String() string {
	if g < 0 || int(g) >= len(getNames) {
		return "unknown"
	}
	return getNames[g]
}

func (g Get) isSearch() bool {
	return g == Search || g == SearchBoth || g == SearchGTE || g == SearchBothGTE
}

// Put is the kind of a cursor write.
type Put int

const (
	// Overwrite inserts or replaces the record. In a duplicates database it
	// adds the key/data pair unless it already exists.
	Overwrite Put = iota
	// NoOverwrite inserts only if the key is absent.
	NoOverwrite
	// NoDupData inserts only if the key/data pair is absent. Duplicates
	// databases only.
	NoDupData
	// PutCurrent replaces the data at the cursor position.
	PutCurrent
)

var putNames = [...]string{"overwrite", "no_overwrite", "no_dup_data", "current"}

func (p Put) String() string {
	if p < 0 || int(p) >= len(putNames) {
		return "unknown"
	}
	return putNames[p]
}

// LockMode selects the isolation of a read.
type LockMode int

const (
	// LockDefault takes a read lock and keeps it according to the locker.
	LockDefault LockMode = iota
	// ReadUncommitted takes no lock and may see uncommitted data.
	ReadUncommitted
	// ReadUncommittedAll is ReadUncommitted that also returns records whose
	// deletion is not yet committed. It behaves like ReadUncommitted here.
	ReadUncommittedAll
	// ReadCommitted takes a read lock that is released when the cursor moves.
	ReadCommitted
	// RMW takes a write lock for read-modify-write.
	RMW
)

func (m LockMode) dirty() bool {
	return m == ReadUncommitted || m == ReadUncommittedAll
}

// CacheMode controls what happens to a record's cached data after an
// operation.
type CacheMode int

const (
	CacheDefault CacheMode = iota
	// CacheUnchanged leaves the record's cache recency as it was.
	CacheUnchanged
	// CacheEvictLN drops the record's data from the cache after the
	// operation.
	CacheEvictLN
	// CacheEvictBIN behaves like CacheEvictLN.
	CacheEvictBIN
	// CacheKeepHot behaves like CacheDefault.
	CacheKeepHot
)

// ReadOptions tune a read.
type ReadOptions struct {
	LockMode          LockMode
	CacheMode         *CacheMode
	ExcludeTombstones bool
}

// WriteOptions tune a write.
type WriteOptions struct {
	CacheMode *CacheMode
	// TTL sets the record to expire TTL after the write. Zero means never.
	TTL time.Duration
	// UpdateTTL applies TTL to an existing record; otherwise an update keeps
	// the record's old expiration.
	UpdateTTL bool
	// ModificationTime overrides the record's modification time.
	ModificationTime time.Time
	// Tombstone writes the record as a tombstone.
	Tombstone bool
}

// Entry is a key or data parameter. A partial entry reads or writes only
// Length bytes at Offset.
type Entry struct {
	Data    []byte
	Partial bool
	Offset  int
	Length  int
}

// NewEntry returns an entry holding data.
func NewEntry(data []byte) *Entry {
	return &Entry{Data: data}
}

func (e *Entry) validate(name string) error {
	if e == nil || !e.Partial {
		return nil
	}
	if e.Offset < 0 || e.Length < 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s: negative partial offset or length", name)
	}
	return nil
}

// partialOut trims data to the entry's partial window.
func (e *Entry) partialOut(data []byte) []byte {
	if !e.Partial {
		return data
	}
	if e.Offset >= len(data) {
		return []byte{}
	}
	end := min(len(data), e.Offset+e.Length)
	return data[e.Offset:end]
}

// partialIn merges a partial write into old. Bytes between the end of old
// and Offset are zero filled.
func (e *Entry) partialIn(old []byte) []byte {
	if !e.Partial {
		return e.Data
	}
	end := e.Offset + e.Length
	tail := []byte(nil)
	if end < len(old) {
		tail = old[end:]
	}
	out := make([]byte, 0, e.Offset+len(e.Data)+len(tail))
	if e.Offset <= len(old) {
		out = append(out, old[:e.Offset]...)
	} else {
		out = append(out, old...)
		out = append(out, make([]byte, e.Offset-len(old))...)
	}
	out = append(out, e.Data...)
	return append(out, tail...)
}

// OperationResult describes a successful operation. A nil result with a nil
// error means the record was not found, already existed, or was deleted.
type OperationResult struct {
	ModificationTime time.Time
	// ExpirationTime is zero when the record never expires.
	ExpirationTime time.Time
	StorageSize    int
	Tombstone      bool
	// Update is set by puts that replaced an existing record.
	Update bool
}

func (o *WriteOptions) validateDelete() error {
	if o == nil {
		return nil
	}
	if o.Tombstone {
		return errors.Wrap(ErrInvalidArgument, "tombstone is not allowed on delete")
	}
	if !o.ModificationTime.IsZero() {
		return errors.Wrap(ErrInvalidArgument, "modification time is not allowed on delete")
	}
	return nil
}
