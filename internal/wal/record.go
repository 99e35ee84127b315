package wal

import (
	"encoding/binary"
)

// Record types
const (
	RecordPut     uint8 = 1 // Record version write
	RecordDelete  uint8 = 2 // Record delete
	RecordCommit  uint8 = 3 // Commit marker
	RecordAbort   uint8 = 4 // Abort marker
	RecordCatalog uint8 = 5 // Database creation
)

// Record flags
const (
	FlagTombstone uint8 = 1 << iota
	FlagDups
	FlagTransactional
)

// Record is a single log record.
//
// Payload format:
// [Type:1][TxnID:8][DB:4][SlotID:8][Expiration:8][ModTime:8][Flags:1]
// [KeyLen:uvarint][Key][DataLen:uvarint][Data]
//
// Catalog records carry the database name in Key.
type Record struct {
	Type       uint8
	TxnID      uint64
	DB         uint32
	SlotID     uint64
	Expiration int64
	ModTime    int64
	Flags      uint8
	Key        []byte
	Data       []byte
}

const fixedPayloadSize = 1 + 8 + 4 + 8 + 8 + 8 + 1

func (r *Record) appendPayload(buf []byte) []byte {
	var fixed [fixedPayloadSize]byte
	fixed[0] = r.Type
	binary.LittleEndian.PutUint64(fixed[1:9], r.TxnID)
	binary.LittleEndian.PutUint32(fixed[9:13], r.DB)
	binary.LittleEndian.PutUint64(fixed[13:21], r.SlotID)
	binary.LittleEndian.PutUint64(fixed[21:29], uint64(r.Expiration))
	binary.LittleEndian.PutUint64(fixed[29:37], uint64(r.ModTime))
	fixed[37] = r.Flags

	buf = append(buf, fixed[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Data)))
	buf = append(buf, r.Data...)
	return buf
}

func decodePayload(p []byte) (*Record, error) {
	if len(p) < fixedPayloadSize {
		return nil, ErrCorrupt
	}
	r := &Record{
		Type:       p[0],
		TxnID:      binary.LittleEndian.Uint64(p[1:9]),
		DB:         binary.LittleEndian.Uint32(p[9:13]),
		SlotID:     binary.LittleEndian.Uint64(p[13:21]),
		Expiration: int64(binary.LittleEndian.Uint64(p[21:29])),
		ModTime:    int64(binary.LittleEndian.Uint64(p[29:37])),
		Flags:      p[37],
	}
	if r.Type < RecordPut || r.Type > RecordCatalog {
		return nil, ErrCorrupt
	}

	rest := p[fixedPayloadSize:]
	var ok bool
	if r.Key, rest, ok = readBytes(rest); !ok {
		return nil, ErrCorrupt
	}
	if r.Data, rest, ok = readBytes(rest); !ok {
		return nil, ErrCorrupt
	}
	if len(rest) != 0 {
		return nil, ErrCorrupt
	}
	return r, nil
}

func readBytes(p []byte) ([]byte, []byte, bool) {
	n, w := binary.Uvarint(p)
	if w <= 0 || n > uint64(len(p)-w) {
		return nil, nil, false
	}
	p = p[w:]
	if n == 0 {
		return nil, p, true
	}
	return p[:n:n], p[n:], true
}
