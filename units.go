package stratisd

import "fmt"

// SectorSize is the fixed size of a sector in bytes; every on-disk extent
// and header offset in this engine is expressed in sectors of this size.
const SectorSize = 512

// DefaultAlignmentSectors is the minimum allocation unit (1 MiB) used
// unless a device reports non-standard physical block sizes (see
// internal/allocator.AlignmentFor).
const DefaultAlignmentSectors Sectors = (1024 * 1024) / SectorSize

// Sectors is a count of 512-byte sectors. Kept distinct from Bytes so a
// stray mix-up (passing bytes where sectors are wanted) fails to compile.
type Sectors uint64

// Bytes converts a sector count to a byte count.
func (s Sectors) Bytes() Bytes { return Bytes(uint64(s) * SectorSize) }

// Bytes is a count of bytes.
type Bytes uint64

// Sectors converts a byte count down to whole sectors, rejecting values
// that are not sector-aligned: on-disk geometry in this engine is never
// allowed to straddle a sector boundary.
func (b Bytes) Sectors() (Sectors, error) {
	if uint64(b)%SectorSize != 0 {
		return 0, fmt.Errorf("%d bytes is not a multiple of sector size %d", b, SectorSize)
	}
	return Sectors(uint64(b) / SectorSize), nil
}

// AlignUp rounds s up to the next multiple of align. align must be > 0.
func (s Sectors) AlignUp(align Sectors) Sectors {
	if align == 0 {
		return s
	}
	rem := s % align
	if rem == 0 {
		return s
	}
	return s + (align - rem)
}

// AlignDown rounds s down to the previous multiple of align.
func (s Sectors) AlignDown(align Sectors) Sectors {
	if align == 0 {
		return s
	}
	return s - (s % align)
}

// DataBlocks is a count of thin-pool data blocks (each DataBlockSizeSectors
// sectors, conventionally 1 MiB).
type DataBlocks uint64

// DataBlockSizeSectors is the default thin-pool data block size (1 MiB).
const DataBlockSizeSectors Sectors = 2048

// ToSectors converts a data-block count to sectors at the given block size.
func (d DataBlocks) ToSectors(blockSize Sectors) Sectors {
	return Sectors(uint64(d)) * blockSize
}
