package metadata

import (
	"io"
	"testing"
	"time"

	"github.com/stratis-storage/stratisd-go"
)

// memDevice is a fixed-size in-memory DeviceReaderWriter for tests; it
// never touches a real file, matching the sim-backend philosophy
// calls for.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{buf: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(m.buf) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *memDevice) Sync() error { return nil }

func testHeader() StaticHeader {
	return StaticHeader{
		PoolUUID:    stratisd.NewPoolUUID(),
		DeviceUUID:  stratisd.NewDeviceUUID(),
		DeviceSize:  1 << 20,
		MDASlotSize: 4096 / stratisd.SectorSize * 8, // generous slot
		MDAOffsets:  [2]stratisd.Sectors{0, 32},
		Version:     FormatVersion,
	}
}

func TestStaticHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	buf := h.Marshal()
	got, err := UnmarshalStaticHeader(buf[:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PoolUUID != h.PoolUUID || got.DeviceUUID != h.DeviceUUID {
		t.Fatalf("round trip changed UUIDs: got %+v, want %+v", got, h)
	}
	if got.DeviceSize != h.DeviceSize || got.MDASlotSize != h.MDASlotSize {
		t.Fatalf("round trip changed sizes: got %+v, want %+v", got, h)
	}
}

func TestStaticHeaderCorruption(t *testing.T) {
	h := testHeader()
	buf := h.Marshal()
	buf[50] ^= 0xff // corrupt a byte inside the device UUID field
	if _, err := UnmarshalStaticHeader(buf[:]); err == nil {
		t.Fatal("expected CRC mismatch error, got nil")
	}
}

func TestStaticHeaderBadMagic(t *testing.T) {
	h := testHeader()
	buf := h.Marshal()
	buf[0] = 'X'
	if _, err := UnmarshalStaticHeader(buf[:]); err == nil {
		t.Fatal("expected bad magic error, got nil")
	}
}

func TestSlotValidityAndSelection(t *testing.T) {
	r := Record{PoolUUID: stratisd.NewPoolUUID(), Name: "pool1"}
	now := time.Now().UTC().Truncate(time.Second)

	older, err := EncodeSlot(r, now)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := EncodeSlot(r, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !older.Valid() || !newer.Valid() {
		t.Fatal("expected both slots valid")
	}

	idx := SelectCurrent([NumSlots]Slot{older, newer})
	if idx != 1 {
		t.Fatalf("expected slot 1 (newer) to be current, got %d", idx)
	}

	// Corrupt the newer slot's payload; the older one should now win.
	corrupted := newer
	corrupted.Payload = append([]byte(nil), newer.Payload...)
	corrupted.Payload[0] ^= 0xff
	idx = SelectCurrent([NumSlots]Slot{older, corrupted})
	if idx != 0 {
		t.Fatalf("expected slot 0 (only valid slot) to be current, got %d", idx)
	}
}

func TestSlotSelectionTieBreaksOnIndex(t *testing.T) {
	r := Record{PoolUUID: stratisd.NewPoolUUID()}
	ts := time.Now().UTC().Truncate(time.Second)
	a, _ := EncodeSlot(r, ts)
	b, _ := EncodeSlot(r, ts)
	if idx := SelectCurrent([NumSlots]Slot{a, b}); idx != 1 {
		t.Fatalf("expected tie to break toward higher index 1, got %d", idx)
	}
}

func TestOtherSlot(t *testing.T) {
	cases := map[int]int{-1: 0, 0: 1, 1: 0}
	for current, want := range cases {
		if got := OtherSlot(current); got != want {
			t.Errorf("OtherSlot(%d) = %d, want %d", current, got, want)
		}
	}
}

func TestWriteAndReadBDARoundTrip(t *testing.T) {
	dev := newMemDevice(1 << 20)
	hdr := testHeader()
	if err := WriteHeader(dev, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	rec := Record{
		PoolUUID: hdr.PoolUUID,
		Name:     "mypool",
		Devices: []DeviceRecord{
			{DeviceUUID: hdr.DeviceUUID, Path: "/dev/sdb", SizeSectors: hdr.DeviceSize, Tier: TierData},
		},
	}
	ts := time.Now().UTC().Truncate(time.Second)
	if err := WriteSlot(dev, hdr, 0, rec, ts); err != nil {
		t.Fatalf("write slot 0: %v", err)
	}

	bda, err := ReadBDA(dev)
	if err != nil {
		t.Fatalf("read bda: %v", err)
	}
	if bda.Current != 0 {
		t.Fatalf("expected slot 0 current, got %d", bda.Current)
	}
	got, err := bda.Slots[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "mypool" || got.PoolUUID != hdr.PoolUUID {
		t.Fatalf("decoded record mismatch: %+v", got)
	}

	// Write a newer record to the other slot and confirm it becomes current.
	rec2 := rec
	rec2.Name = "renamed"
	next := OtherSlot(bda.Current)
	if err := WriteSlot(dev, hdr, next, rec2, ts.Add(time.Minute)); err != nil {
		t.Fatalf("write slot %d: %v", next, err)
	}
	bda2, err := ReadBDA(dev)
	if err != nil {
		t.Fatalf("read bda after second write: %v", err)
	}
	if bda2.Current != next {
		t.Fatalf("expected slot %d current after newer write, got %d", next, bda2.Current)
	}
	got2, _ := bda2.Slots[bda2.Current].Decode()
	if got2.Name != "renamed" {
		t.Fatalf("expected renamed record, got %q", got2.Name)
	}
}

func TestSelectAuthoritativeDivergentHistories(t *testing.T) {
	ts := time.Now().UTC()
	mk := func(pool stratisd.PoolUUID) BDA {
		r := Record{PoolUUID: pool, Name: "x"}
		s, _ := EncodeSlot(r, ts)
		return BDA{Slots: [NumSlots]Slot{s}, Current: 0}
	}
	a := mk(stratisd.NewPoolUUID())
	b := mk(stratisd.NewPoolUUID())
	if _, err := SelectAuthoritative([]BDA{a, b}); err == nil {
		t.Fatal("expected divergent pool identity error, got nil")
	}
}

func TestSelectAuthoritativeNoValidRecord(t *testing.T) {
	if _, err := SelectAuthoritative([]BDA{{Current: -1}}); err == nil {
		t.Fatal("expected error for no valid record")
	}
}

// TestSelectAuthoritativeQuorumFailureKeepsPriorRecord is the metadata
// tear scenario: a flush to add fsN writes the new record's slot on two
// of three devices before the third fails, so fsN's timestamp is valid
// on two devices but not on all of them. Restart must pick the prior record,
// which has no fsN, not the partially-written one.
func TestSelectAuthoritativeQuorumFailureKeepsPriorRecord(t *testing.T) {
	pool := stratisd.NewPoolUUID()
	ts := time.Now().UTC()
	prior := Record{PoolUUID: pool, Name: "p", Filesystems: []FilesystemRecord{{Name: "fs1"}}}
	torn := Record{PoolUUID: pool, Name: "p", Filesystems: []FilesystemRecord{{Name: "fs1"}, {Name: "fsN"}}}

	priorSlot, err := EncodeSlot(prior, ts)
	if err != nil {
		t.Fatal(err)
	}
	tornSlot, err := EncodeSlot(torn, ts.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	// Two devices completed the flush: slot 0 holds the prior record,
	// slot 1 (now current) holds the torn one.
	caughtUp := BDA{Slots: [NumSlots]Slot{priorSlot, tornSlot}, Current: 1}
	// The third device's write failed: only the prior slot is present.
	lagging := BDA{Slots: [NumSlots]Slot{priorSlot}, Current: 0}

	got, err := SelectAuthoritative([]BDA{caughtUp, caughtUp, lagging})
	if err != nil {
		t.Fatalf("select authoritative: %v", err)
	}
	if len(got.Filesystems) != 1 || got.Filesystems[0].Name != "fs1" {
		t.Fatalf("expected the prior record with only fs1, got %+v", got)
	}
	for _, fs := range got.Filesystems {
		if fs.Name == "fsN" {
			t.Fatalf("authoritative record must not contain the torn write's fsN")
		}
	}
}
