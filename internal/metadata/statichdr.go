// Package metadata implements the on-disk block device area (BDA) and
// metadata area (MDA): a sector-0 static
// header with a backup copy, followed by a two-slot journaled JSON region.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/stratis-storage/stratisd-go"
)

// Magic is the 16-byte signature that marks a sector as ours; a device
// lacking it at both the primary and backup offset is foreign.
var Magic = [16]byte{'!', 'S', 't', 'r', 'a', '0', 't', 'i', 's', 0x86, 0xff, 0x02, 0x5e, 0x41, 0x0d, 'h'}

// FormatVersion is the BDA format version this engine writes. Future
// versions are compatible as long as the major (high) byte is unchanged.
const FormatVersion uint16 = 1

// staticHeaderSize is the on-disk size of one StaticHeader, in bytes.
// 16 magic + 4 crc + 16 pool uuid + 16 device uuid + 8 size + 8 mda slot
// size + 16 (two slot offsets) + 16 (two reserved boundaries) + 2 version
// + 26 padding to a round 128 bytes.
const staticHeaderSize = 128

// BackupSectorOffset is the sector (relative to the start of the device)
// holding the backup copy of the static header, so single-sector
// corruption of sector 0 is survivable.
const BackupSectorOffset = 1

// StaticHeader is the fixed-layout sector-0 header of a block device area.
type StaticHeader struct {
	PoolUUID    stratisd.PoolUUID
	DeviceUUID  stratisd.DeviceUUID
	DeviceSize  stratisd.Sectors
	MDASlotSize stratisd.Sectors
	// MDAOffsets holds the two slot start offsets, in sectors from the
	// start of the MDA region (immediately following this header).
	MDAOffsets         [2]stratisd.Sectors
	ReservedStart      stratisd.Sectors
	ReservedEnd        stratisd.Sectors
	Version            uint16
}

// Marshal serializes h into its fixed 128-byte on-disk form, with the
// CRC-32 (IEEE) of every byte after the CRC field (bytes 20-127; the
// magic is not covered) written into the CRC field.
func (h StaticHeader) Marshal() [staticHeaderSize]byte {
	var buf [staticHeaderSize]byte
	copy(buf[0:16], Magic[:])
	// buf[16:20] is the CRC field, filled in last.
	putUUID(buf[20:36], h.PoolUUID[:])
	putUUID(buf[36:52], h.DeviceUUID[:])
	binary.LittleEndian.PutUint64(buf[52:60], uint64(h.DeviceSize))
	binary.LittleEndian.PutUint64(buf[60:68], uint64(h.MDASlotSize))
	binary.LittleEndian.PutUint64(buf[68:76], uint64(h.MDAOffsets[0]))
	binary.LittleEndian.PutUint64(buf[76:84], uint64(h.MDAOffsets[1]))
	binary.LittleEndian.PutUint64(buf[84:92], uint64(h.ReservedStart))
	binary.LittleEndian.PutUint64(buf[92:100], uint64(h.ReservedEnd))
	binary.LittleEndian.PutUint16(buf[100:102], h.Version)
	// buf[102:128] is reserved padding, left zero.

	crc := crc32.ChecksumIEEE(buf[20:])
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf
}

// UnmarshalStaticHeader parses a 128-byte buffer into a StaticHeader,
// validating the magic and the CRC-32 over every byte after the CRC field.
func UnmarshalStaticHeader(buf []byte) (StaticHeader, error) {
	var h StaticHeader
	if len(buf) < staticHeaderSize {
		return h, fmt.Errorf("static header short read: got %d bytes, want %d", len(buf), staticHeaderSize)
	}
	if !bytes.Equal(buf[0:16], Magic[:]) {
		return h, fmt.Errorf("bad magic: not a stratisd-go block device")
	}
	wantCRC := binary.LittleEndian.Uint32(buf[16:20])
	gotCRC := crc32.ChecksumIEEE(buf[20:staticHeaderSize])
	if wantCRC != gotCRC {
		return h, fmt.Errorf("static header CRC mismatch: stored=%08x computed=%08x", wantCRC, gotCRC)
	}

	copy(h.PoolUUID[:], buf[20:36])
	copy(h.DeviceUUID[:], buf[36:52])
	h.DeviceSize = stratisd.Sectors(binary.LittleEndian.Uint64(buf[52:60]))
	h.MDASlotSize = stratisd.Sectors(binary.LittleEndian.Uint64(buf[60:68]))
	h.MDAOffsets[0] = stratisd.Sectors(binary.LittleEndian.Uint64(buf[68:76]))
	h.MDAOffsets[1] = stratisd.Sectors(binary.LittleEndian.Uint64(buf[76:84]))
	h.ReservedStart = stratisd.Sectors(binary.LittleEndian.Uint64(buf[84:92]))
	h.ReservedEnd = stratisd.Sectors(binary.LittleEndian.Uint64(buf[92:100]))
	h.Version = binary.LittleEndian.Uint16(buf[100:102])

	if h.Version>>8 != FormatVersion>>8 {
		return h, fmt.Errorf("incompatible BDA major version %d (engine supports major version %d)", h.Version>>8, FormatVersion>>8)
	}
	return h, nil
}

// Size returns the fixed on-disk size of a static header, in bytes.
func Size() int { return staticHeaderSize }

func putUUID(dst []byte, src []byte) { copy(dst, src) }
