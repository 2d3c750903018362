// Package thinpool owns the thin-pool manager described in spec §4.4:
// metadata/data subdevice size policy, the filesystem_uuid -> thin_id
// map, filesystem create/snapshot/destroy, and the reaction loop that
// consumes thin-pool DM events (metadata-low, data-low,
// out-of-data-space, read-only).
package thinpool

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/devicemapper"
	"github.com/stratis-storage/stratisd-go/internal/allocator"
	"github.com/stratis-storage/stratisd-go/internal/metrics"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

// Policy controls the thin-pool manager's extend-on-low-water behavior.
type Policy struct {
	// ExtendStepSectors is how much a low-water event grows a
	// subdevice, carved from the pool's free data sectors.
	ExtendStepSectors stratisd.Sectors
	// MkfsCommand formats a newly created (non-snapshot) thin volume;
	// defaults to "mkfs.xfs" (the journaling filesystem the engine
	// layers on top of its thin volumes per spec §1's non-goals).
	MkfsCommand string
}

// DefaultPolicy is a conservative extend step (1 GiB) using mkfs.xfs.
var DefaultPolicy = Policy{
	ExtendStepSectors: (1 << 30) / stratisd.SectorSize,
	MkfsCommand:       "mkfs.xfs",
}

// EventKind names the thin-pool DM events spec §4.4's state machine
// reacts to.
type EventKind int

const (
	EventMetadataLow EventKind = iota
	EventDataLow
	EventOutOfDataSpace
	EventReadOnly
)

func (k EventKind) String() string {
	switch k {
	case EventMetadataLow:
		return "metadata-low"
	case EventDataLow:
		return "data-low"
	case EventOutOfDataSpace:
		return "out-of-data-space"
	case EventReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Manager owns one pool's thin-pool device and its extend policy.
type Manager struct {
	Pool          *pool.Pool
	PoolDevice    string // dm name of the thin-pool device, e.g. "pA-pool"
	MetaLinear    string // dm name of the thin-pool's metadata linear device
	DataLinear    string // dm name of the thin-pool's data linear device
	Backend       Backend
	Policy        Policy
	Logger        logrus.FieldLogger
}

// New creates a Manager for an already-activated thin-pool device.
// backend is RealBackend for a live DM thin-pool or SimBackend for an
// in-memory one; Manager itself never knows which.
func New(p *pool.Pool, poolDevice, metaLinear, dataLinear string, backend Backend, policy Policy, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		Pool: p, PoolDevice: poolDevice, MetaLinear: metaLinear, DataLinear: dataLinear,
		Backend: backend, Policy: policy, Logger: logger.WithField("pool", p.Name),
	}
}

// HandleEvent runs the spec §4.4 reaction for one thin-pool DM event.
func (m *Manager) HandleEvent(ctx context.Context, kind EventKind) error {
	switch kind {
	case EventMetadataLow:
		if err := m.extend(ctx, m.MetaLinear, "thinmeta"); err != nil {
			if serr := m.Pool.SetAvailability(stratisd.NoRequests); serr != nil {
				return serr
			}
			m.Logger.WithError(err).Error("metadata-low extension failed; pool moved to NoRequests")
			return stratisd.NewPoolError(stratisd.KindResource, m.Pool.UUID, fmt.Errorf("metadata-low extension failed: %w", err))
		}
		return nil

	case EventDataLow:
		if err := m.extend(ctx, m.DataLinear, "thindata"); err != nil {
			if serr := m.Pool.SetAvailability(stratisd.NoRequests); serr != nil {
				return serr
			}
			m.Logger.WithError(err).Error("data-low extension failed; pool moved to NoRequests")
			return stratisd.NewPoolError(stratisd.KindResource, m.Pool.UUID, fmt.Errorf("data-low extension failed: %w", err))
		}
		return nil

	case EventOutOfDataSpace:
		if err := m.Pool.SetAvailability(stratisd.NoRequests); err != nil {
			return err
		}
		m.Logger.Error("out-of-data-space: pool moved to NoRequests, writes will block per kernel policy until an operator adds a device")
		return nil

	case EventReadOnly:
		if err := m.Pool.SetAvailability(stratisd.NoRequests); err != nil {
			return err
		}
		m.Logger.Error("thin-pool entered read-only mode; pool moved to NoRequests")
		return nil

	default:
		return fmt.Errorf("unrecognized thin-pool event %v", kind)
	}
}

// extend carves ExtendStepSectors of free space from the pool's data
// devices and appends it as a new segment to the given linear device's
// table via suspend/reload/resume (spec §4.3's grow contract), rolling
// the allocation back if the reload fails.
func (m *Manager) extend(ctx context.Context, linearName, purpose string) error {
	unlock := m.Pool.Lock()
	defer unlock()

	var (
		chosen  *pool.Device
		newFree *allocator.FreeList
		extents []allocator.Extent
	)
	for _, d := range m.Pool.DataDevices {
		nf, ex, err := d.Free.Request(m.Policy.ExtendStepSectors, stratisd.DefaultAlignmentSectors)
		if err == nil {
			chosen, newFree, extents = d, nf, ex
			break
		}
	}
	if chosen == nil {
		return stratisd.NewPoolError(stratisd.KindResource, m.Pool.UUID, fmt.Errorf("no device has %d free sectors to extend %s", m.Policy.ExtendStepSectors, purpose))
	}

	segs := make([]devicemapper.Segment, 0, len(extents)+1)
	for _, e := range extents {
		segs = append(segs, devicemapper.Segment{SourceDevice: chosen.Path, PhysicalStart: uint64(e.Start), SectorCount: uint64(e.Length)})
	}
	table, err := devicemapper.LinearTable(segs)
	if err != nil {
		// Nothing committed yet: chosen.Free is untouched, so the
		// tentative extents are still considered free.
		return fmt.Errorf("build extension table for %s: %w", linearName, err)
	}

	if err := m.Backend.ReloadTable(ctx, linearName, table); err != nil {
		// Rollback: the tentative allocation is discarded, chosen.Free is
		// left untouched (it was never reassigned), so the extents are
		// still considered free.
		return fmt.Errorf("reload %s with extension: %w", linearName, err)
	}
	chosen.Free = newFree
	metrics.SetAllocatorFree(m.Pool.Name, chosen.Path, uint64(chosen.Free.Free()))
	return nil
}

// CreateFilesystem allocates a thin ID, creates and activates the thin
// volume, and formats it (unless raw, used for a snapshot origin that
// will never be mounted directly). The new Filesystem is added to
// m.Pool.Filesystems before returning.
func (m *Manager) CreateFilesystem(ctx context.Context, name string, sizeSectors stratisd.Sectors, sizeLimit *stratisd.Bytes) (*pool.Filesystem, error) {
	if sizeSectors == 0 {
		return nil, stratisd.NewPoolError(stratisd.KindInput, m.Pool.UUID, fmt.Errorf("filesystem size must be non-zero"))
	}
	if m.Pool.NameInUse(name) {
		return nil, stratisd.NewPoolError(stratisd.KindInput, m.Pool.UUID, fmt.Errorf("filesystem name %q already in use", name))
	}

	thinID := m.Pool.NextThinID()
	fsUUID := stratisd.NewFilesystemUUID()
	devName := fmt.Sprintf("%s-thin-%d", m.Pool.Name, thinID)

	if _, err := m.Backend.CreateThin(ctx, m.PoolDevice, thinID, devName, uint64(sizeSectors)); err != nil {
		return nil, stratisd.NewPoolError(stratisd.KindEnvironment, m.Pool.UUID, fmt.Errorf("create thin volume: %w", err))
	}

	if m.Policy.MkfsCommand != "" {
		devPath := m.Backend.GetDevicePath(devName)
		if err := m.Backend.FormatFilesystem(ctx, m.Policy.MkfsCommand, devPath); err != nil {
			return nil, stratisd.NewPoolError(stratisd.KindEnvironment, m.Pool.UUID, err)
		}
	}

	fs := &pool.Filesystem{UUID: fsUUID, Name: name, ThinID: thinID, SizeLimit: sizeLimit, CreatedAt: time.Now().UTC()}
	unlock := m.Pool.Lock()
	m.Pool.Filesystems[fsUUID] = fs
	unlock()
	return fs, nil
}

// SnapshotFilesystem implements spec §4.4's snapshot sequence: suspend
// the origin, issue create_snap, resume the origin, then activate the
// new thin ID as a DM device. The new filesystem gets a fresh UUID and
// inherits the origin's size limit.
func (m *Manager) SnapshotFilesystem(ctx context.Context, origin stratisd.FilesystemUUID, name string) (*pool.Filesystem, error) {
	unlock := m.Pool.Lock()
	originFS, ok := m.Pool.Filesystems[origin]
	unlock()
	if !ok {
		return nil, stratisd.NewPoolError(stratisd.KindInput, m.Pool.UUID, fmt.Errorf("origin filesystem %s not found", origin))
	}
	if m.Pool.NameInUse(name) {
		return nil, stratisd.NewPoolError(stratisd.KindInput, m.Pool.UUID, fmt.Errorf("filesystem name %q already in use", name))
	}

	snapID := m.Pool.NextThinID()
	originDevName := fmt.Sprintf("%s-thin-%d", m.Pool.Name, originFS.ThinID)
	if err := m.Backend.CreateSnapshotSafe(ctx, m.PoolDevice, originDevName, snapID, originFS.ThinID); err != nil {
		return nil, stratisd.NewPoolError(stratisd.KindEnvironment, m.Pool.UUID, fmt.Errorf("snapshot %s: %w", origin, err))
	}

	snapDevName := fmt.Sprintf("%s-thin-%d", m.Pool.Name, snapID)
	snapUUID := stratisd.NewFilesystemUUID()
	originCopy := origin
	if _, err := m.Backend.CreateTable(ctx, snapDevName, devicemapper.ThinTable(0, m.PoolDevice, snapID)); err != nil {
		return nil, stratisd.NewPoolError(stratisd.KindEnvironment, m.Pool.UUID, fmt.Errorf("activate snapshot %s: %w", snapDevName, err))
	}

	fs := &pool.Filesystem{UUID: snapUUID, Name: name, ThinID: snapID, SizeLimit: originFS.SizeLimit, Origin: &originCopy, CreatedAt: time.Now().UTC()}
	unlock2 := m.Pool.Lock()
	m.Pool.Filesystems[snapUUID] = fs
	unlock2()
	return fs, nil
}

// DestroyFilesystem frees a filesystem's thin ID and removes it from the
// pool's bookkeeping. The DM thin volume itself is left for the caller
// to deactivate per the package-level "never auto-cleanup on an error
// path" policy; DestroyFilesystem only issues the thin-pool "delete"
// message, which is the one cleanup path that is an explicit operator
// action rather than error-handling.
func (m *Manager) DestroyFilesystem(ctx context.Context, fsUUID stratisd.FilesystemUUID) error {
	unlock := m.Pool.Lock()
	fs, ok := m.Pool.Filesystems[fsUUID]
	if !ok {
		unlock()
		return stratisd.NewPoolError(stratisd.KindInput, m.Pool.UUID, fmt.Errorf("filesystem %s not found", fsUUID))
	}
	delete(m.Pool.Filesystems, fsUUID)
	unlock()

	if err := m.Backend.DeleteThin(ctx, m.PoolDevice, fs.ThinID); err != nil {
		return stratisd.NewFilesystemError(stratisd.KindEnvironment, m.Pool.UUID, fsUUID, fmt.Errorf("delete thin %d: %w", fs.ThinID, err))
	}
	return nil
}
