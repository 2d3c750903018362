package metadata

import (
	"fmt"
	"io"
	"time"

	"github.com/stratis-storage/stratisd-go"
)

// DeviceReaderWriter is the narrow seam internal/metadata needs onto a
// block device: read and write at a byte offset. *os.File satisfies it;
// internal/engine passes each device's opened file under both backends,
// and this package's tests use an in-memory buffer.
type DeviceReaderWriter interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// BDA is one block device's block device area: its static header plus
// the current contents of both MDA slots, as last read from disk.
type BDA struct {
	Header  StaticHeader
	Slots   [NumSlots]Slot
	Current int // index into Slots, or -1 if neither slot is valid
}

// ReadBDA reads and validates the static header (falling back to the
// backup copy if sector 0 is corrupt) and both MDA slots from dev.
func ReadBDA(dev DeviceReaderWriter) (BDA, error) {
	var bda BDA

	primary := make([]byte, Size())
	var hdr StaticHeader
	var err error
	if _, rerr := dev.ReadAt(primary, 0); rerr == nil {
		hdr, err = UnmarshalStaticHeader(primary)
	} else {
		err = rerr
	}
	if err != nil {
		backup := make([]byte, Size())
		off := int64(BackupSectorOffset) * stratisd.SectorSize
		if _, rerr := dev.ReadAt(backup, off); rerr != nil {
			return bda, fmt.Errorf("read static header: primary failed (%v), backup read failed: %w", err, rerr)
		}
		hdr, err = UnmarshalStaticHeader(backup)
		if err != nil {
			return bda, fmt.Errorf("read static header: primary and backup both invalid: %w", err)
		}
	}
	bda.Header = hdr

	mdaBase := int64(Size()) + int64(BackupSectorOffset)*stratisd.SectorSize + int64(stratisd.SectorSize)
	for i := 0; i < NumSlots; i++ {
		slotOff := mdaBase + int64(hdr.MDAOffsets[i])*stratisd.SectorSize
		hdrBuf := make([]byte, mdaSlotHeaderSize)
		if _, err := dev.ReadAt(hdrBuf, slotOff); err != nil {
			continue // unreadable slot is simply not valid
		}
		sh, err := UnmarshalSlotHeader(hdrBuf)
		if err != nil {
			continue
		}
		maxPayload := uint64(hdr.MDASlotSize)*stratisd.SectorSize - mdaSlotHeaderSize
		if sh.Length > maxPayload {
			continue
		}
		payload := make([]byte, sh.Length)
		if _, err := dev.ReadAt(payload, slotOff+mdaSlotHeaderSize); err != nil {
			continue
		}
		bda.Slots[i] = Slot{Header: sh, Payload: payload}
	}
	bda.Current = SelectCurrent(bda.Slots)
	return bda, nil
}

// WriteHeader writes the static header to both the primary and backup
// locations on dev, syncing after each so a crash cannot leave sector 0
// and the backup sector disagreeing about which is current.
func WriteHeader(dev DeviceReaderWriter, hdr StaticHeader) error {
	buf := hdr.Marshal()
	if _, err := dev.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write primary static header: %w", err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("sync primary static header: %w", err)
	}
	off := int64(BackupSectorOffset) * stratisd.SectorSize
	if _, err := dev.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("write backup static header: %w", err)
	}
	return dev.Sync()
}

// WriteSlot writes record into the slot at index idx on dev (never the
// current slot; callers must pass OtherSlot's result), then barriers the
// write. ts is the timestamp to stamp the slot with.
func WriteSlot(dev DeviceReaderWriter, hdr StaticHeader, idx int, r Record, ts time.Time) error {
	slot, err := EncodeSlot(r, ts)
	if err != nil {
		return err
	}
	maxPayload := uint64(hdr.MDASlotSize)*stratisd.SectorSize - mdaSlotHeaderSize
	if slot.Header.Length > maxPayload {
		return fmt.Errorf("metadata record is %d bytes, exceeds slot capacity %d", slot.Header.Length, maxPayload)
	}
	mdaBase := int64(Size()) + int64(BackupSectorOffset)*stratisd.SectorSize + int64(stratisd.SectorSize)
	slotOff := mdaBase + int64(hdr.MDAOffsets[idx])*stratisd.SectorSize

	hdrBuf := MarshalSlotHeader(slot.Header)
	if _, err := dev.WriteAt(hdrBuf[:], slotOff); err != nil {
		return fmt.Errorf("write mda slot %d header: %w", idx, err)
	}
	if _, err := dev.WriteAt(slot.Payload, slotOff+mdaSlotHeaderSize); err != nil {
		return fmt.Errorf("write mda slot %d payload: %w", idx, err)
	}
	return dev.Sync()
}

// SelectAuthoritative picks the authoritative record across every device
// in a pool: the greatest timestamp that is a valid slot on every
// reporting device, not a bare global max. A flush writes the
// not-current slot on each device in turn, so a flush that fails quorum
// partway through leaves the new timestamp valid on only some devices;
// that timestamp has no corroboration and must lose to the prior one,
// which by construction is still valid everywhere. Devices whose slots
// disagree in PoolUUID with the rest are reported as divergent so the
// caller (internal/discovery) can refuse to auto-start instead of
// silently picking a majority. A device with no valid slot is skipped
// and takes no part in the choice.
func SelectAuthoritative(bdas []BDA) (Record, error) {
	seenPool := map[stratisd.PoolUUID]bool{}
	perDevice := make([]map[int64]Record, 0, len(bdas))

	for _, b := range bdas {
		valid := map[int64]Record{}
		for _, s := range b.Slots {
			if !s.Valid() {
				continue
			}
			r, err := s.Decode()
			if err != nil {
				continue
			}
			seenPool[r.PoolUUID] = true
			valid[s.Header.Timestamp.UnixNano()] = r
		}
		if len(valid) == 0 {
			continue
		}
		perDevice = append(perDevice, valid)
	}

	if len(perDevice) == 0 {
		return Record{}, fmt.Errorf("no device reported a valid metadata record")
	}
	if len(seenPool) > 1 {
		return Record{}, fmt.Errorf("devices report divergent pool identities: %d distinct pool uuids seen", len(seenPool))
	}

	var best *Record
	var bestTS int64
	for key, r := range perDevice[0] {
		corroborated := true
		for _, dev := range perDevice[1:] {
			if _, ok := dev[key]; !ok {
				corroborated = false
				break
			}
		}
		if !corroborated {
			continue
		}
		if best == nil || key > bestTS {
			rCopy := r
			best = &rCopy
			bestTS = key
		}
	}
	if best == nil {
		return Record{}, fmt.Errorf("no metadata record is current on every reporting device")
	}
	return *best, nil
}
