package devicemapper

import (
	"fmt"
	"strings"
)

// Segment is one linear target segment: sectorCount sectors of the
// virtual device are mapped starting at physicalStart on sourceDevice.
type Segment struct {
	SourceDevice string
	PhysicalStart uint64
	SectorCount   uint64
}

// LinearTable builds a dmsetup table string concatenating segments into
// a single linear device, matching the "LinearConcat" node: one or
// more raw or crypt devices presented as one contiguous virtual device.
func LinearTable(segments []Segment) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("linear table needs at least one segment")
	}
	var b strings.Builder
	var virtualStart uint64
	for i, seg := range segments {
		if seg.SectorCount == 0 {
			return "", fmt.Errorf("segment %d has zero sector count", i)
		}
		fmt.Fprintf(&b, "%d %d linear %s %d\n", virtualStart, seg.SectorCount, seg.SourceDevice, seg.PhysicalStart)
		virtualStart += seg.SectorCount
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// CryptTable builds a dm-crypt table for a LUKS2-unlocked device.
// keyHex is the already-unwrapped volume key in hex (obtained
// from a successful unlock via internal/encryption); this function never
// touches key material beyond formatting it into the table line.
func CryptTable(sectorCount uint64, cipher, keyHex, sourceDevice string, ivOffset uint64) string {
	return fmt.Sprintf("0 %d crypt %s %s %d %s 0", sectorCount, cipher, keyHex, ivOffset, sourceDevice)
}

// CacheTable builds a dm-cache table layering a fast cache device in
// front of a slower origin device, building the optional "CacheTarget"
// node. metadataDevice and cacheDevice are expected to already be
// correctly sized per the kernel's dm-cache constraints; this function
// only formats the table line.
func CacheTable(sectorCount uint64, metadataDevice, cacheDevice, originDevice string, blockSectors uint64, policy string) string {
	return fmt.Sprintf("0 %d cache %s %s %s %d default 0", sectorCount, metadataDevice, cacheDevice, originDevice, blockSectors)
}

// ThinPoolTable builds a dm-thin-pool table. lowWaterMarkBlocks is the
// data-block count at which the kernel emits a dm-event the thin-pool
// manager's reaction loop consumes.
func ThinPoolTable(sectorCount uint64, metadataDevice, dataDevice string, dataBlockSectors, lowWaterMarkBlocks uint64, skipZero bool) string {
	opts := "1 skip_block_zeroing"
	if !skipZero {
		opts = "0"
	}
	return fmt.Sprintf("0 %d thin-pool %s %s %d %d %s", sectorCount, metadataDevice, dataDevice, dataBlockSectors, lowWaterMarkBlocks, opts)
}

// ThinTable builds a dm-thin table for one thin volume (filesystem or
// snapshot) backed by poolDevice at thinID.
func ThinTable(sectorCount uint64, poolDevice string, thinID uint32) string {
	return fmt.Sprintf("0 %d thin %s %d", sectorCount, poolDevice, thinID)
}

// ThinPoolMessage formats the dmsetup message payload for a thin-pool
// control operation (create_thin, create_snap, delete, reserve/release
// metadata snapshot).
func ThinPoolMessage(kind string, args ...any) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, kind)
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	return strings.Join(parts, " ")
}
