package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"
)

// mdaSlotHeaderSize is the fixed prefix written before each slot's JSON
// payload: length (8) + CRC-32 (4) + timestamp seconds (8) + timestamp
// nanoseconds (4) + padding (8) = 32 bytes.
const mdaSlotHeaderSize = 32

// NumSlots is the number of alternating MDA slots per block device. The
// engine always writes the slot that is not current, never the current
// one, so a crash mid-write cannot corrupt the last-known-good record.
const NumSlots = 2

// SlotHeader is the fixed-size header written immediately before an MDA
// slot's JSON payload.
type SlotHeader struct {
	Length    uint64
	CRC       uint32
	Timestamp time.Time
}

// MarshalSlotHeader serializes h into its 32-byte on-disk form.
func MarshalSlotHeader(h SlotHeader) [mdaSlotHeaderSize]byte {
	var buf [mdaSlotHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Length)
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Timestamp.Nanosecond()))
	// buf[24:32] reserved, left zero.
	return buf
}

// UnmarshalSlotHeader parses a 32-byte buffer into a SlotHeader.
func UnmarshalSlotHeader(buf []byte) (SlotHeader, error) {
	var h SlotHeader
	if len(buf) < mdaSlotHeaderSize {
		return h, fmt.Errorf("mda slot header short read: got %d bytes, want %d", len(buf), mdaSlotHeaderSize)
	}
	h.Length = binary.LittleEndian.Uint64(buf[0:8])
	h.CRC = binary.LittleEndian.Uint32(buf[8:12])
	sec := int64(binary.LittleEndian.Uint64(buf[12:20]))
	nsec := int64(binary.LittleEndian.Uint32(buf[20:24]))
	h.Timestamp = time.Unix(sec, nsec).UTC()
	return h, nil
}

// Slot is one MDA slot as read from or about to be written to a device:
// its header plus the raw JSON payload bytes.
type Slot struct {
	Header  SlotHeader
	Payload []byte
}

// Valid reports whether s's payload matches its header's recorded length
// and CRC-32, and parses as a Record. An invalid slot is never chosen as
// current: valid means CRC matches and the payload parses as JSON.
func (s Slot) Valid() bool {
	if uint64(len(s.Payload)) != s.Header.Length {
		return false
	}
	if crc32.ChecksumIEEE(s.Payload) != s.Header.CRC {
		return false
	}
	var r Record
	return json.Unmarshal(s.Payload, &r) == nil
}

// EncodeSlot builds a Slot (header + payload) ready to write for the
// given record and timestamp. The timestamp is supplied by the caller
// (internal/persistence) rather than taken from time.Now() here, so the
// in-memory "current" timestamp only advances after a successful write,
// the write protocol: never overwrite the current slot.
func EncodeSlot(r Record, ts time.Time) (Slot, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return Slot{}, fmt.Errorf("encode metadata record: %w", err)
	}
	return Slot{
		Header: SlotHeader{
			Length:    uint64(len(payload)),
			CRC:       crc32.ChecksumIEEE(payload),
			Timestamp: ts,
		},
		Payload: payload,
	}, nil
}

// Decode parses s's payload as a Record. Callers must check Valid first.
func (s Slot) Decode() (Record, error) {
	var r Record
	if err := json.Unmarshal(s.Payload, &r); err != nil {
		return r, fmt.Errorf("decode metadata record: %w", err)
	}
	return r, nil
}

// SelectCurrent picks the current slot index among candidates read from a
// single block device: among valid slots, the greatest
// timestamp wins; ties are broken by the higher slot index. Returns -1 if
// no slot is valid.
func SelectCurrent(slots [NumSlots]Slot) int {
	best := -1
	for i, s := range slots {
		if !s.Valid() {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if s.Header.Timestamp.After(slots[best].Header.Timestamp) ||
			(s.Header.Timestamp.Equal(slots[best].Header.Timestamp) && i > best) {
			best = i
		}
	}
	return best
}

// OtherSlot returns the slot index the write protocol must target next:
// the slot that is not current. When current is -1 (no valid slot on this
// device yet), slot 0 is the starting point.
func OtherSlot(current int) int {
	if current < 0 {
		return 0
	}
	return 1 - current
}
