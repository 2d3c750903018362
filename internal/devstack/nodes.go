// Package devstack assembles the layered device-mapper stack backing one
// pool: RawDevice -> CryptDevice? -> LinearConcat -> CacheTarget? ->
// ThinPoolDevice -> ThinVolume*. The graph is rebuilt fresh from a pool's
// metadata record, allocator state, and filesystem list on every start or
// grow; it is never itself persisted, only the record it is built from.
package devstack

import (
	"fmt"

	stratisd "github.com/stratis-storage/stratisd-go"
)

// NodeKind identifies which layer of the stack a Node represents.
type NodeKind int

const (
	KindRawDevice NodeKind = iota
	KindCryptDevice
	KindLinearConcat
	KindCacheTarget
	KindThinPoolDevice
	KindThinVolume
)

func (k NodeKind) String() string {
	switch k {
	case KindRawDevice:
		return "raw_device"
	case KindCryptDevice:
		return "crypt_device"
	case KindLinearConcat:
		return "linear_concat"
	case KindCacheTarget:
		return "cache_target"
	case KindThinPoolDevice:
		return "thin_pool_device"
	case KindThinVolume:
		return "thin_volume"
	default:
		return "unknown"
	}
}

// NodeID is an index into a Graph's Nodes slice. Child->parent references
// are NodeIDs rather than pointers so the graph stays acyclic, trivially
// walkable in slice order, and cheap to rebuild from scratch every start.
type NodeID int

// Node is one layer of the assembled stack. Only the fields relevant to
// Kind are populated; the rest are zero.
type Node struct {
	ID      NodeID
	Kind    NodeKind
	Name    string // dm device name this node activates as, once built
	Parents []NodeID

	// RawDevice
	DevicePath string
	DeviceUUID stratisd.DeviceUUID

	// CryptDevice
	KeyHex string

	// LinearConcat
	Segments []Segment

	// CacheTarget
	BlockSectors  stratisd.Sectors
	CachePolicy   string
	CacheMetaNode NodeID
	CacheDataNode NodeID
	OriginNode    NodeID

	// ThinPoolDevice
	MetaNode           NodeID
	DataNode           NodeID
	DataBlockSectors   uint64
	LowWaterMarkBlocks uint64
	SizeSectors        stratisd.Sectors

	// ThinVolume
	FilesystemUUID stratisd.FilesystemUUID
	ThinID         uint32
}

// Segment is a contiguous extent of a parent device contributed to a
// LinearConcat node, carried here rather than imported from
// internal/allocator to keep devstack's node definitions free of an
// allocator dependency; callers convert allocator.Extent values when
// building the graph.
type Segment struct {
	ParentDevice NodeID
	StartSector  stratisd.Sectors
	LengthSector stratisd.Sectors
}

func (n *Node) addParent(id NodeID) {
	n.Parents = append(n.Parents, id)
}

func (n Node) validate() error {
	switch n.Kind {
	case KindRawDevice:
		if n.DevicePath == "" {
			return fmt.Errorf("raw device node %d missing device path", n.ID)
		}
	case KindLinearConcat:
		if len(n.Segments) == 0 {
			return fmt.Errorf("linear concat node %d has no segments", n.ID)
		}
	case KindThinPoolDevice:
		if n.SizeSectors == 0 {
			return fmt.Errorf("thin-pool node %d has zero size", n.ID)
		}
	case KindThinVolume:
		if n.Name == "" {
			return fmt.Errorf("thin volume node %d missing name", n.ID)
		}
	}
	return nil
}
