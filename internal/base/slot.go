package base

import "sync/atomic"

// SlotID identifies a record slot for the life of the environment. Record
// locks are taken on slot ids, never on key bytes, so two keys that compare
// equal under a custom comparator still share one lock.
type SlotID uint64

var lastSlotID atomic.Uint64

// NextSlotID allocates a fresh, never reused slot id.
func NextSlotID() SlotID {
	return SlotID(lastSlotID.Add(1))
}

// AdvanceSlotIDs makes sure ids handed out later are larger than id. Used by
// recovery.
func AdvanceSlotIDs(id SlotID) {
	for {
		cur := lastSlotID.Load()
		if cur >= uint64(id) || lastSlotID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// Slot flags
const (
	// KnownDeleted marks a committed delete; the slot may be compressed away
	// once nobody holds a lock on it.
	KnownDeleted uint8 = 1 << iota
	// PendingDeleted marks a delete by a transaction that has not finished.
	PendingDeleted
	// Removed marks a slot that compression has unlinked from the tree.
	Removed
	// Tombstone marks a record written as a tombstone.
	Tombstone
)

// Slot is one keyed position in a leaf. ID never changes. Key may only be
// replaced, under the tree's exclusive latch, by bytes that compare equal;
// everything else is guarded by the owning tree's latch.
type Slot struct {
	ID  SlotID
	Key []byte

	LSN        uint64
	Size       int
	Flags      uint8
	Expiration int64 // unix seconds, 0 = never
	ModTime    int64 // unix nanoseconds
}

// NewSlot creates a slot with a fresh id. The key is copied.
func NewSlot(key []byte) *Slot {
	return &Slot{
		ID:  NextSlotID(),
		Key: append([]byte(nil), key...),
	}
}

// IsDeleted reports whether the slot holds no live record.
func (s *Slot) IsDeleted() bool {
	return s.Flags&(KnownDeleted|PendingDeleted|Removed) != 0
}

// IsRemoved reports whether compression unlinked the slot.
func (s *Slot) IsRemoved() bool {
	return s.Flags&Removed != 0
}

// IsTombstone reports whether the record is a tombstone.
func (s *Slot) IsTombstone() bool {
	return s.Flags&Tombstone != 0
}

// IsExpired reports whether the record's TTL has passed at now (unix
// seconds).
func (s *Slot) IsExpired(now int64) bool {
	return s.Expiration != 0 && s.Expiration <= now
}

// Snapshot is an immutable copy of a slot's record fields, taken under the
// latch and used after it is released.
type Snapshot struct {
	ID         SlotID
	Key        []byte
	LSN        uint64
	Size       int
	Flags      uint8
	Expiration int64
	ModTime    int64
}

// Snapshot copies the record fields of s.
func (s *Slot) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID,
		Key:        s.Key,
		LSN:        s.LSN,
		Size:       s.Size,
		Flags:      s.Flags,
		Expiration: s.Expiration,
		ModTime:    s.ModTime,
	}
}

// Restore writes a snapshot's record fields back into s. ID and Key are left
// alone.
func (s *Slot) Restore(snap Snapshot) {
	s.LSN = snap.LSN
	s.Size = snap.Size
	s.Flags = snap.Flags &^ Removed
	s.Expiration = snap.Expiration
	s.ModTime = snap.ModTime
}
