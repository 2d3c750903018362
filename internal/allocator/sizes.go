package allocator

import "github.com/stratis-storage/stratisd-go"

// AlignmentFor returns the allocation alignment to use for a device. Per
// By default this is DefaultAlignmentSectors unless the device reports
// a larger physical block size, in which case alignment rounds up to
// that size so every extent boundary also falls on a physical-block
// boundary.
func AlignmentFor(physicalBlockSectors stratisd.Sectors) stratisd.Sectors {
	if physicalBlockSectors > stratisd.DefaultAlignmentSectors {
		return physicalBlockSectors
	}
	return stratisd.DefaultAlignmentSectors
}

// integrityStep is the deterministic table internal/engine consults when
// it initializes a device, to compute how many sectors the device
// reserves for its integrity metadata region (every device gets this
// reservation). The table is a simple step function of device
// size: larger devices reserve more sectors but a smaller fraction of
// the device (1/512 at 16 GiB, 1/2048 at 2 TiB and beyond), in whole
// mebibytes, so two engine processes (or two runs of the same process)
// always agree without needing to read anything back from the kernel.
var integrityStep = []struct {
	maxDeviceSectors stratisd.Sectors
	reserveSectors   stratisd.Sectors
}{
	{maxDeviceSectors: 16 << 21, reserveSectors: 32 << 11},     // <= 16 GiB device -> 32 MiB reserved
	{maxDeviceSectors: 256 << 21, reserveSectors: 256 << 11},   // <= 256 GiB device -> 256 MiB reserved
	{maxDeviceSectors: 2048 << 21, reserveSectors: 1024 << 11}, // <= 2 TiB device -> 1 GiB reserved
}

// defaultIntegrityReserve is used for devices larger than every step in
// the table: 1/2048th of the device, rounded up to a whole mebibyte.
func defaultIntegrityReserve(deviceSectors stratisd.Sectors) stratisd.Sectors {
	mib := stratisd.Sectors(1 << 11)
	return (deviceSectors / 2048).AlignUp(mib)
}

// IntegrityReservation returns the number of sectors a device of the
// given size reserves for its integrity region.
func IntegrityReservation(deviceSectors stratisd.Sectors) stratisd.Sectors {
	for _, step := range integrityStep {
		if deviceSectors <= step.maxDeviceSectors {
			return step.reserveSectors
		}
	}
	return defaultIntegrityReserve(deviceSectors)
}
