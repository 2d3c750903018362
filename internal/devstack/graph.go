package devstack

import (
	"context"
	"fmt"
	"regexp"

	"github.com/iancoleman/strcase"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/devicemapper"
)

var dmUnsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// dmSafeName turns a user-supplied pool name into the snake_case token
// dmsetup device names are built from. Pool names are free-form UTF-8
// text (spaces, punctuation, mixed case all legal at the API layer), but
// dmsetup device names must avoid whitespace and most punctuation, so
// every node name built from a pool name routes through here first
// rather than risking a rejected "dmsetup create" deep inside Activate.
func dmSafeName(poolName string) string {
	safe := dmUnsafeChars.ReplaceAllString(strcase.ToSnake(poolName), "_")
	if safe == "" {
		safe = "pool"
	}
	return safe
}

// Graph is one pool's fully assembled device stack, built fresh from a
// BuildInput on every start or grow. Nodes are stored in dependency order
// (a node's Parents always have a lower index), so activating in slice
// order is always safe.
type Graph struct {
	PoolName string
	Nodes    []Node
}

func (g *Graph) addNode(n Node) NodeID {
	n.ID = NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, n)
	return n.ID
}

// Node returns the node at id, panicking on an out-of-range id since a
// caller holding a NodeID always obtained it from this same graph.
func (g *Graph) Node(id NodeID) *Node {
	return &g.Nodes[id]
}

// RawDeviceSpec describes one block device contributing to a pool's
// layered stack, before any DM layers are built on top of it.
type RawDeviceSpec struct {
	DeviceUUID stratisd.DeviceUUID
	Path       string
	// KeyHex, if non-empty, causes a CryptDevice node to be inserted
	// between this RawDevice and whatever consumes it.
	KeyHex string
}

// SegmentSpec is a contiguous extent of one of BuildInput's DataDevices
// or CacheDevices, identified by slice index rather than NodeID since it
// is supplied before the graph's nodes exist.
type SegmentSpec struct {
	DeviceIndex int
	Start       stratisd.Sectors
	Length      stratisd.Sectors
}

// ThinVolumeSpec describes one filesystem's thin volume on top of the
// pool's thin-pool device.
type ThinVolumeSpec struct {
	FilesystemUUID stratisd.FilesystemUUID
	Name           string
	ThinID         uint32
	SizeSectors    stratisd.Sectors
}

// BuildInput is everything devstack needs to assemble a pool's stack. It
// is produced by internal/thinpool (or internal/pool, during assembly)
// from a metadata.Record plus whatever the allocator has currently
// reserved; devstack itself has no opinion on how segments were chosen.
type BuildInput struct {
	PoolName string

	DataDevices  []RawDeviceSpec
	CacheDevices []RawDeviceSpec // empty: no cache tier

	MetadataSegments []SegmentSpec // thin-pool metadata device, carved from DataDevices
	DataSegments     []SegmentSpec // thin-pool data device, carved from DataDevices

	CacheMetaSegments []SegmentSpec // carved from CacheDevices
	CacheDataSegments []SegmentSpec // carved from CacheDevices
	CachePolicy       string
	CacheBlockSectors stratisd.Sectors

	DataBlockSectors   uint64
	LowWaterMarkBlocks uint64
	PoolDataSizeSectors stratisd.Sectors

	Filesystems []ThinVolumeSpec
}

// Build assembles a Graph from in without touching the kernel. Callers
// activate the returned graph with Activate.
func Build(in BuildInput) (*Graph, error) {
	if len(in.DataDevices) == 0 {
		return nil, fmt.Errorf("devstack: pool %s has no data devices", in.PoolName)
	}
	if len(in.MetadataSegments) == 0 {
		return nil, fmt.Errorf("devstack: pool %s has no metadata segments", in.PoolName)
	}
	if len(in.DataSegments) == 0 {
		return nil, fmt.Errorf("devstack: pool %s has no data segments", in.PoolName)
	}

	g := &Graph{PoolName: dmSafeName(in.PoolName)}

	dataLeaf, err := g.buildRawAndCryptLayer(in.DataDevices, "data")
	if err != nil {
		return nil, err
	}

	metaSegs, metaParents, err := translateSegments(in.MetadataSegments, dataLeaf)
	if err != nil {
		return nil, fmt.Errorf("devstack: pool %s metadata segments: %w", in.PoolName, err)
	}
	metaLinearID := g.addNode(Node{
		Kind:     KindLinearConcat,
		Name:     g.PoolName + "-thinmeta",
		Segments: metaSegs,
		Parents:  metaParents,
	})

	dataSegs, dataParents, err := translateSegments(in.DataSegments, dataLeaf)
	if err != nil {
		return nil, fmt.Errorf("devstack: pool %s data segments: %w", in.PoolName, err)
	}
	dataLinearID := g.addNode(Node{
		Kind:     KindLinearConcat,
		Name:     g.PoolName + "-thindata",
		Segments: dataSegs,
		Parents:  dataParents,
	})

	thinPoolDataNode := dataLinearID
	if len(in.CacheDevices) > 0 {
		cacheLeaf, err := g.buildRawAndCryptLayer(in.CacheDevices, "cache")
		if err != nil {
			return nil, err
		}
		cacheMetaSegs, cacheMetaParents, err := translateSegments(in.CacheMetaSegments, cacheLeaf)
		if err != nil {
			return nil, fmt.Errorf("devstack: pool %s cache metadata segments: %w", in.PoolName, err)
		}
		cacheMetaID := g.addNode(Node{
			Kind:     KindLinearConcat,
			Name:     g.PoolName + "-cachemeta",
			Segments: cacheMetaSegs,
			Parents:  cacheMetaParents,
		})
		cacheDataSegs, cacheDataParents, err := translateSegments(in.CacheDataSegments, cacheLeaf)
		if err != nil {
			return nil, fmt.Errorf("devstack: pool %s cache data segments: %w", in.PoolName, err)
		}
		cacheDataID := g.addNode(Node{
			Kind:     KindLinearConcat,
			Name:     g.PoolName + "-cachedata",
			Segments: cacheDataSegs,
			Parents:  cacheDataParents,
		})

		blockSectors := in.CacheBlockSectors
		if blockSectors == 0 {
			blockSectors = 512 // 256KiB at 512B sectors, dm-cache's default block size
		}
		thinPoolDataNode = g.addNode(Node{
			Kind:          KindCacheTarget,
			Name:          g.PoolName + "-cache",
			CacheMetaNode: cacheMetaID,
			CacheDataNode: cacheDataID,
			OriginNode:    dataLinearID,
			BlockSectors:  blockSectors,
			CachePolicy:   in.CachePolicy,
			Parents:       []NodeID{cacheMetaID, cacheDataID, dataLinearID},
		})
	}

	blockSectors := in.DataBlockSectors
	if blockSectors == 0 {
		blockSectors = devicemapper.DefaultDataBlockSectors
	}
	lowWater := in.LowWaterMarkBlocks
	if lowWater == 0 {
		lowWater = devicemapper.DefaultLowWaterMarkBlocks
	}
	thinPoolID := g.addNode(Node{
		Kind:               KindThinPoolDevice,
		Name:               g.PoolName + "-pool",
		MetaNode:           metaLinearID,
		DataNode:           thinPoolDataNode,
		DataBlockSectors:   blockSectors,
		LowWaterMarkBlocks: lowWater,
		SizeSectors:        in.PoolDataSizeSectors,
		Parents:            []NodeID{metaLinearID, thinPoolDataNode},
	})

	for _, fs := range in.Filesystems {
		g.addNode(Node{
			Kind:           KindThinVolume,
			Name:           fs.Name,
			FilesystemUUID: fs.FilesystemUUID,
			ThinID:         fs.ThinID,
			SizeSectors:    fs.SizeSectors,
			Parents:        []NodeID{thinPoolID},
		})
	}

	for _, n := range g.Nodes {
		if err := n.validate(); err != nil {
			return nil, fmt.Errorf("devstack: pool %s: %w", in.PoolName, err)
		}
	}
	return g, nil
}

// buildRawAndCryptLayer adds a RawDevice node (and CryptDevice node, if
// the spec carries a key) for each device in specs, returning the leaf
// NodeID of each one in the same order.
func (g *Graph) buildRawAndCryptLayer(specs []RawDeviceSpec, tier string) ([]NodeID, error) {
	leaves := make([]NodeID, len(specs))
	for i, d := range specs {
		if d.Path == "" {
			return nil, fmt.Errorf("devstack: %s device %d has no path", tier, i)
		}
		rawID := g.addNode(Node{
			Kind:       KindRawDevice,
			Name:       fmt.Sprintf("%s-%s-raw-%d", g.PoolName, tier, i),
			DevicePath: d.Path,
			DeviceUUID: d.DeviceUUID,
		})
		leaf := rawID
		if d.KeyHex != "" {
			leaf = g.addNode(Node{
				Kind:    KindCryptDevice,
				Name:    fmt.Sprintf("%s-%s-crypt-%d", g.PoolName, tier, i),
				KeyHex:  d.KeyHex,
				Parents: []NodeID{rawID},
			})
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

// translateSegments converts SegmentSpecs (which reference devices by
// slice index) into devstack Segments referencing the actual leaf
// NodeIDs built for those devices, plus the deduplicated parent list for
// the LinearConcat node that will own them.
func translateSegments(specs []SegmentSpec, leaves []NodeID) ([]Segment, []NodeID, error) {
	segs := make([]Segment, len(specs))
	seen := make(map[NodeID]bool)
	var parents []NodeID
	for i, s := range specs {
		if s.DeviceIndex < 0 || s.DeviceIndex >= len(leaves) {
			return nil, nil, fmt.Errorf("segment %d references out-of-range device index %d", i, s.DeviceIndex)
		}
		if s.Length == 0 {
			return nil, nil, fmt.Errorf("segment %d has zero length", i)
		}
		parent := leaves[s.DeviceIndex]
		segs[i] = Segment{ParentDevice: parent, StartSector: s.Start, LengthSector: s.Length}
		if !seen[parent] {
			seen[parent] = true
			parents = append(parents, parent)
		}
	}
	return segs, parents, nil
}

// Activate builds and activates every DM table in the graph, in
// dependency order, using client. It does not tear anything down on
// failure: per devicemapper's cleanup policy, a partially activated
// stack is left in place for inspection rather than unwound.
func Activate(ctx context.Context, client *devicemapper.Client, g *Graph) error {
	pathOf := make([]string, len(g.Nodes))

	for i, n := range g.Nodes {
		switch n.Kind {
		case KindRawDevice:
			pathOf[i] = n.DevicePath

		case KindCryptDevice:
			parent := pathOf[n.Parents[0]]
			sectorCount := sumSegments(g.Nodes[n.Parents[0]])
			table := devicemapper.CryptTable(uint64(sectorCount), "aes-xts-plain64", n.KeyHex, parent, 0)
			info, err := client.CreateTable(ctx, n.Name, table)
			if err != nil {
				return fmt.Errorf("activate %s: %w", n.Name, err)
			}
			pathOf[i] = info.DevicePath

		case KindLinearConcat:
			segs := make([]devicemapper.Segment, len(n.Segments))
			for j, s := range n.Segments {
				segs[j] = devicemapper.Segment{
					SourceDevice:  pathOf[s.ParentDevice],
					PhysicalStart: uint64(s.StartSector),
					SectorCount:   uint64(s.LengthSector),
				}
			}
			table, err := devicemapper.LinearTable(segs)
			if err != nil {
				return fmt.Errorf("build linear table for %s: %w", n.Name, err)
			}
			info, err := client.CreateTable(ctx, n.Name, table)
			if err != nil {
				return fmt.Errorf("activate %s: %w", n.Name, err)
			}
			pathOf[i] = info.DevicePath

		case KindCacheTarget:
			originSectors := sectorsOf(g, n.OriginNode)
			table := devicemapper.CacheTable(uint64(originSectors),
				pathOf[n.CacheMetaNode], pathOf[n.CacheDataNode], pathOf[n.OriginNode],
				uint64(n.BlockSectors), n.CachePolicy)
			info, err := client.CreateTable(ctx, n.Name, table)
			if err != nil {
				return fmt.Errorf("activate %s: %w", n.Name, err)
			}
			pathOf[i] = info.DevicePath

		case KindThinPoolDevice:
			table := devicemapper.ThinPoolTable(uint64(n.SizeSectors),
				pathOf[n.MetaNode], pathOf[n.DataNode], n.DataBlockSectors, n.LowWaterMarkBlocks, true)
			info, err := client.CreateTable(ctx, n.Name, table)
			if err != nil {
				return fmt.Errorf("activate %s: %w", n.Name, err)
			}
			pathOf[i] = info.DevicePath

		case KindThinVolume:
			poolPath := pathOf[n.Parents[0]]
			info, err := client.CreateThin(ctx, poolPath, n.ThinID, n.Name, uint64(n.SizeSectors))
			if err != nil {
				return fmt.Errorf("activate %s: %w", n.Name, err)
			}
			pathOf[i] = info.DevicePath
		}
	}
	return nil
}

func sectorsOf(g *Graph, id NodeID) stratisd.Sectors {
	return sumSegments(g.Nodes[id])
}

func sumSegments(n Node) stratisd.Sectors {
	var total stratisd.Sectors
	for _, s := range n.Segments {
		total += s.LengthSector
	}
	return total
}
