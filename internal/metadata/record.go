package metadata

import (
	"time"

	"github.com/stratis-storage/stratisd-go"
)

// Record is the JSON payload schema carried in an MDA slot. It is the
// authoritative description of a pool: its membership, allocation state,
// filesystems, and encryption descriptor.
type Record struct {
	PoolUUID  stratisd.PoolUUID `json:"pool_uuid"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`

	// FeatureFlags records optional on-disk features this pool uses
	// (e.g. "integrity", "cache") so a future engine version can refuse
	// to assemble a pool whose features it does not understand.
	FeatureFlags []string `json:"feature_flags,omitempty"`

	Devices     []DeviceRecord     `json:"devices"`
	Filesystems []FilesystemRecord `json:"filesystems"`
	Encryption  *EncryptionRecord  `json:"encryption,omitempty"`

	// ThinPoolLayout pins the physical extents backing the thin-pool's
	// metadata and data subdevices. Unlike a device's FreeExtents (which
	// the allocator can recompute from scratch on every flush), these
	// extents must round-trip exactly: the on-disk dm-thin superblocks
	// already living at these LBAs have to be found at the same offsets
	// on every subsequent assembly, not merely at equivalent ones.
	ThinPoolLayout *ThinPoolLayoutRecord `json:"thinpool_layout,omitempty"`
}

// ThinPoolLayoutRecord is the physical layout of one pool's thin-pool
// metadata and data subdevices, in the device-and-extent terms
// internal/devstack's BuildInput expects.
type ThinPoolLayoutRecord struct {
	MetadataSegments []SegmentRecord `json:"metadata_segments"`
	DataSegments     []SegmentRecord `json:"data_segments"`
}

// SegmentRecord is one contiguous extent on a named device contributing
// to the thin-pool's metadata or data subdevice.
type SegmentRecord struct {
	DeviceUUID stratisd.DeviceUUID `json:"device_uuid"`
	Start      stratisd.Sectors   `json:"start"`
	Length     stratisd.Sectors   `json:"length"`
}

// DeviceRecord describes one block device's membership in the pool and
// the allocator's view of its free space, as an explicit run-list rather
// than a derived value, so assembly never needs kernel access to learn
// what is allocated.
type DeviceRecord struct {
	DeviceUUID    stratisd.DeviceUUID `json:"device_uuid"`
	Path          string              `json:"path"`
	SizeSectors   stratisd.Sectors    `json:"size_sectors"`
	Tier          Tier                `json:"tier"`
	FreeExtents   []ExtentRecord      `json:"free_extents"`
	IntegrityMeta *IntegrityRecord    `json:"integrity,omitempty"`
}

// Tier classifies a device's role in the layered device stack.
type Tier string

const (
	TierData  Tier = "data"
	TierCache Tier = "cache"
)

// ExtentRecord is one free extent on a device, in sectors.
type ExtentRecord struct {
	Start  stratisd.Sectors `json:"start"`
	Length stratisd.Sectors `json:"length"`
}

// IntegrityRecord records the reserved integrity region for a device, if
// the pool was created with integrity checking enabled.
type IntegrityRecord struct {
	Start  stratisd.Sectors `json:"start"`
	Length stratisd.Sectors `json:"length"`
}

// FilesystemRecord describes one thin filesystem within the pool.
type FilesystemRecord struct {
	FilesystemUUID stratisd.FilesystemUUID  `json:"filesystem_uuid"`
	Name           string                   `json:"name"`
	ThinID         uint32                   `json:"thin_id"`
	SizeLimit      *stratisd.Bytes          `json:"size_limit,omitempty"`
	Origin         *stratisd.FilesystemUUID `json:"origin,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
}

// EncryptionRecord describes the pool's LUKS2-style token slot layout,
// It never carries key material: only slot metadata
// needed to attempt an unlock.
type EncryptionRecord struct {
	Slots []TokenSlotRecord `json:"slots"`
}

// TokenSlotRecord is one occupied encryption slot.
type TokenSlotRecord struct {
	Slot int            `json:"slot"`
	Kind string         `json:"kind"` // "passphrase" or "network"
	Data map[string]any `json:"data,omitempty"`
}
