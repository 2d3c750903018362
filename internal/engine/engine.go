// Package engine is the top-level orchestrator wiring every other
// internal package into the three long-running task families spec §5
// describes (request handling, hotplug consumption, DM/thin-pool event
// consumption) plus the per-pool mailbox goroutines that give mutations
// and discovery events their strict per-pool ordering. Engine is the one
// concrete implementation of the root package's RequestHandler interface.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/devicemapper"
	"github.com/stratis-storage/stratisd-go/internal/allocator"
	"github.com/stratis-storage/stratisd-go/internal/audit"
	"github.com/stratis-storage/stratisd-go/internal/config"
	"github.com/stratis-storage/stratisd-go/internal/devlinks"
	"github.com/stratis-storage/stratisd-go/internal/devstack"
	"github.com/stratis-storage/stratisd-go/internal/discovery"
	"github.com/stratis-storage/stratisd-go/internal/encryption"
	"github.com/stratis-storage/stratisd-go/internal/metadata"
	"github.com/stratis-storage/stratisd-go/internal/metrics"
	"github.com/stratis-storage/stratisd-go/internal/persistence"
	"github.com/stratis-storage/stratisd-go/internal/pool"
	"github.com/stratis-storage/stratisd-go/internal/registry"
	"github.com/stratis-storage/stratisd-go/safeguards"
	"github.com/stratis-storage/stratisd-go/internal/thinpool"
	"github.com/stratis-storage/stratisd-go/internal/tracing"
)

// defaultMDASlotSectors is the fallback slot size (2 MiB) when the config
// doesn't override it; spec §4.1 calls for "a few MiB each" by default.
const defaultMDASlotSectors = (2 << 20) / stratisd.SectorSize

// poolExtra is the per-pool bookkeeping the registry holds opaquely in
// Handle.Extra: everything a pool's mailbox goroutine needs that isn't
// part of pool.Pool's own state.
type poolExtra struct {
	box *mailbox

	devFiles map[stratisd.DeviceUUID]*os.File
	persist  []persistence.Device

	dm   *devicemapper.Client
	thin *thinpool.Manager
	enc  *encryption.Context

	// layout pins the thin-pool's metadata/data subdevice extents for
	// every subsequent flush; it is computed once, in PoolCreate, and
	// never changes thereafter (thinpool.Manager.extend appends new
	// segments to the live DM table but does not rewrite this record,
	// matching spec §4.4's extend-step model: growth is additive, the
	// original layout is never relocated).
	layout metadata.ThinPoolLayoutRecord

	record metadata.Record
}

// Engine wires the registry, persistence, devicemapper, discovery,
// encryption, and metrics subsystems together and implements
// stratisd.RequestHandler, the seam the (external) message-bus layer
// calls into.
type Engine struct {
	cfg      config.Config
	reg      *registry.Registry
	persist  *persistence.Engine
	links    *devlinks.Manager
	guard    *safeguards.OperationGuard
	notifier stratisd.PropertyNotifier
	logger   logrus.FieldLogger
	audit    *audit.Log
	cache    *persistence.Cache

	discovery *discovery.Pipeline
}

// New builds an Engine from cfg. notifier may be nil (property-change
// broadcasts are then simply skipped, matching PropertyNotifier's
// fire-and-forget contract).
func New(cfg config.Config, notifier stratisd.PropertyNotifier, logger logrus.FieldLogger) (*Engine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var cache *persistence.Cache
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
			return nil, fmt.Errorf("engine: create state dir %s: %w", cfg.StateDir, err)
		}
		c, err := persistence.OpenCache(cfg.StateDir + "/persistence-cache.db")
		if err != nil {
			return nil, fmt.Errorf("engine: open persistence cache: %w", err)
		}
		cache = c
	}

	var auditLog *audit.Log
	if cfg.StateDir != "" {
		a, err := audit.Open(cfg.StateDir + "/audit.db")
		if err != nil {
			return nil, fmt.Errorf("engine: open audit log: %w", err)
		}
		auditLog = a
	}

	e := &Engine{
		cfg:      cfg,
		reg:      registry.New(),
		persist:  persistence.New(cache),
		links:    devlinks.New(cfg.DevlinksRoot, logger),
		guard:    safeguards.NewOperationGuard(safeguards.GuardConfig{MaxConcurrent: 4, Logger: logger}),
		notifier: notifier,
		logger:   logger,
		audit:    auditLog,
		cache:    cache,
	}

	var bo backoff.BackOff
	if cfg.DiscoveryBackoffMaxElapsed != 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = cfg.DiscoveryBackoffMaxElapsed
		bo = eb
	}
	pipe, err := discovery.New(e, e, e, discovery.Config{AutoStart: cfg.AutoStart(), Backoff: bo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("engine: build discovery pipeline: %w", err)
	}
	e.discovery = pipe

	return e, nil
}

// Close releases the engine's own process-wide resources (the
// persistence restart-hint cache and the audit log); it does not touch
// any registered pool's devices or DM tables, which is PoolStop's job.
func (e *Engine) Close() error {
	var errs []error
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close persistence cache: %w", err))
		}
	}
	if e.audit != nil {
		if err := e.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine close: %v", errs)
	}
	return nil
}

// newDMClient builds a devicemapper.Client for one pool's mailbox
// goroutine, matching Client's own doc that its mutex only serializes DM
// calls within a single caller's goroutine.
func (e *Engine) newDMClient() *devicemapper.Client {
	c := devicemapper.New()
	if e.cfg.Backend == config.BackendSim {
		c.SuppressLogs()
	}
	return c
}

// thinBackend picks the thinpool.Backend a pool's Manager reaches the
// thin-pool driver through: a RealBackend wrapping the pool's own DM
// client for BackendReal, or a fresh in-memory SimBackend otherwise.
// dm is still built and stored on poolExtra either way, since
// PoolCreate/PoolStop/PoolRename use it directly for activation and
// teardown calls that are already gated on e.cfg.Backend themselves.
func (e *Engine) thinBackend(dm *devicemapper.Client) thinpool.Backend {
	if e.cfg.Backend == config.BackendReal {
		return thinpool.RealBackend{Client: dm}
	}
	return thinpool.NewSimBackend()
}

// checkHealthBeforeRestart runs safeguards.SystemHealthChecker against
// poolDevice before a pool is allowed to leave MaintenanceMode or
// NoRequests and rejoin Full: stop+start (or a successful pool_grow) is
// the one path that can raise Availability, and doing that against a
// kernel thin-pool that is still wedged from whatever degraded the pool
// in the first place would just hand mutations back to a pool that will
// fail them again. A sim pool has no kernel thin-pool to check, so this
// is a no-op under config.BackendSim.
func (e *Engine) checkHealthBeforeRestart(ctx context.Context, poolDevice string) error {
	if e.cfg.Backend != config.BackendReal {
		return nil
	}
	checker := safeguards.NewSystemHealthChecker(poolDevice, e.logger)
	return checker.CheckAll(ctx)
}

func (e *Engine) mdaSlotSectors() stratisd.Sectors {
	if e.cfg.MDASlotSectors != 0 {
		return stratisd.Sectors(e.cfg.MDASlotSectors)
	}
	return defaultMDASlotSectors
}

func (e *Engine) alignment() stratisd.Sectors {
	if e.cfg.AllocationAlignmentSectors != 0 {
		return stratisd.Sectors(e.cfg.AllocationAlignmentSectors)
	}
	return stratisd.DefaultAlignmentSectors
}

// mdaBaseBytes mirrors internal/metadata.ReadBDA's own layout arithmetic
// exactly, so the header this engine writes is readable by the same
// package's reader.
func mdaBaseBytes() int64 {
	return int64(metadata.Size()) + int64(metadata.BackupSectorOffset)*stratisd.SectorSize + stratisd.SectorSize
}

// headerSectorsFor returns how many sectors from the start of the device
// the static header plus both MDA slots occupy, aligned up so the
// allocatable region that follows starts on an aligned boundary.
func (e *Engine) headerSectorsFor() stratisd.Sectors {
	totalBytes := mdaBaseBytes() + 2*int64(e.mdaSlotSectors())*stratisd.SectorSize
	sectors := stratisd.Sectors((totalBytes + stratisd.SectorSize - 1) / stratisd.SectorSize)
	return sectors.AlignUp(e.alignment())
}

// initDevice opens path, reserves its header/MDA/integrity region, writes
// a fresh static header, and returns the per-device bookkeeping PoolCreate
// and PoolGrow need. It never writes an MDA slot payload itself; the
// caller does that once as part of the pool's first flush.
func (e *Engine) initDevice(poolUUID stratisd.PoolUUID, path string) (*pool.Device, *os.File, metadata.StaticHeader, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, metadata.StaticHeader{}, stratisd.NewPoolError(stratisd.KindEnvironment, poolUUID, fmt.Errorf("open device %s: %w", path, err))
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, metadata.StaticHeader{}, stratisd.NewPoolError(stratisd.KindEnvironment, poolUUID, fmt.Errorf("stat device %s: %w", path, err))
	}
	sizeSectors := stratisd.Sectors(st.Size() / stratisd.SectorSize)

	headerSectors := e.headerSectorsFor()
	integrity := allocator.IntegrityReservation(sizeSectors)
	reservedEnd := headerSectors + integrity
	if reservedEnd >= sizeSectors {
		f.Close()
		return nil, nil, metadata.StaticHeader{}, stratisd.NewPoolError(stratisd.KindInput, poolUUID,
			fmt.Errorf("device %s (%d sectors) is too small for header+integrity reservation of %d sectors", path, sizeSectors, reservedEnd))
	}

	deviceUUID := stratisd.NewDeviceUUID()
	hdr := metadata.StaticHeader{
		PoolUUID:      poolUUID,
		DeviceUUID:    deviceUUID,
		DeviceSize:    sizeSectors,
		MDASlotSize:   e.mdaSlotSectors(),
		MDAOffsets:    [2]stratisd.Sectors{0, e.mdaSlotSectors()},
		ReservedStart: headerSectors,
		ReservedEnd:   reservedEnd,
		Version:       metadata.FormatVersion,
	}
	if err := metadata.WriteHeader(f, hdr); err != nil {
		f.Close()
		return nil, nil, metadata.StaticHeader{}, stratisd.NewPoolError(stratisd.KindEnvironment, poolUUID, fmt.Errorf("write header to %s: %w", path, err))
	}

	free := allocator.NewFreeList(sizeSectors)
	// Consume the header/reserved prefix so the device's free list only
	// ever offers allocatable sectors; the prefix extent is never
	// returned to the caller and is never released.
	free, _, err = free.Request(reservedEnd, 1)
	if err != nil {
		f.Close()
		return nil, nil, metadata.StaticHeader{}, stratisd.NewPoolError(stratisd.KindInternal, poolUUID, fmt.Errorf("reserve header region on %s: %w", path, err))
	}

	dev := &pool.Device{
		UUID:      deviceUUID,
		Path:      path,
		Tier:      "data",
		Size:      sizeSectors,
		Free:      free,
		Integrity: integrity,
	}
	return dev, f, hdr, nil
}

// buildRecord derives the on-disk metadata.Record from a pool's current
// in-memory state, the form every flush serializes.
func buildRecord(p *pool.Pool, enc *encryption.Context, layout metadata.ThinPoolLayoutRecord) metadata.Record {
	rec := metadata.Record{PoolUUID: p.UUID, Name: p.Name, CreatedAt: time.Now().UTC(), ThinPoolLayout: &layout}

	var devUUIDs []stratisd.DeviceUUID
	for u := range p.DataDevices {
		devUUIDs = append(devUUIDs, u)
	}
	sort.Slice(devUUIDs, func(i, j int) bool { return devUUIDs[i].String() < devUUIDs[j].String() })
	for _, u := range devUUIDs {
		d := p.DataDevices[u]
		var extents []metadata.ExtentRecord
		for _, ex := range d.Free.Extents() {
			extents = append(extents, metadata.ExtentRecord{Start: ex.Start, Length: ex.Length})
		}
		rec.Devices = append(rec.Devices, metadata.DeviceRecord{
			DeviceUUID:  d.UUID,
			Path:        d.Path,
			SizeSectors: d.Size,
			Tier:        metadata.TierData,
			FreeExtents: extents,
		})
	}

	var fsUUIDs []stratisd.FilesystemUUID
	for u := range p.Filesystems {
		fsUUIDs = append(fsUUIDs, u)
	}
	sort.Slice(fsUUIDs, func(i, j int) bool { return fsUUIDs[i].String() < fsUUIDs[j].String() })
	for _, u := range fsUUIDs {
		fs := p.Filesystems[u]
		rec.Filesystems = append(rec.Filesystems, metadata.FilesystemRecord{
			FilesystemUUID: fs.UUID,
			Name:           fs.Name,
			ThinID:         fs.ThinID,
			SizeLimit:      fs.SizeLimit,
			Origin:         fs.Origin,
			CreatedAt:      fs.CreatedAt,
		})
	}

	if enc != nil {
		var slots []metadata.TokenSlotRecord
		for _, s := range enc.Slots() {
			slot := metadata.TokenSlotRecord{Slot: s.Index, Kind: string(s.Unlocker.Kind())}
			switch u := s.Unlocker.(type) {
			case encryption.PassphraseUnlocker:
				slot.Data = map[string]any{"key_description": u.KeyDescription}
			case encryption.NetworkUnlocker:
				slot.Data = map[string]any{"url": u.URL, "thumbprint": u.Thumbprint, "timeout_seconds": int(u.Timeout.Seconds())}
			}
			slots = append(slots, slot)
		}
		rec.Encryption = &metadata.EncryptionRecord{Slots: slots}
	}
	return rec
}

// unlockerFromSlotRecord rebuilds an encryption.Unlocker from a
// persisted TokenSlotRecord, the inverse of buildRecord's encoding.
func unlockerFromSlotRecord(s metadata.TokenSlotRecord) (encryption.Unlocker, error) {
	switch encryption.SlotKind(s.Kind) {
	case encryption.KindPassphrase:
		desc, _ := s.Data["key_description"].(string)
		return encryption.PassphraseUnlocker{KeyDescription: desc}, nil
	case encryption.KindNetwork:
		url, _ := s.Data["url"].(string)
		thumb, _ := s.Data["thumbprint"].(string)
		seconds, _ := s.Data["timeout_seconds"].(float64)
		if seconds == 0 {
			if i, ok := s.Data["timeout_seconds"].(int); ok {
				seconds = float64(i)
			}
		}
		return encryption.NetworkUnlocker{URL: url, Thumbprint: thumb, Timeout: time.Duration(seconds) * time.Second}, nil
	default:
		return nil, fmt.Errorf("unrecognized persisted slot kind %q", s.Kind)
	}
}

// flush serializes and writes pool's current record to every device, per
// internal/persistence.Engine.Flush, moving the pool to NoRequests on
// failure (spec §4.8).
func (e *Engine) flush(h *registry.Handle, extra *poolExtra) error {
	rec := buildRecord(h.Pool, extra.enc, extra.layout)
	start := time.Now()
	_, err := e.persist.Flush(h.Pool.UUID, h.Pool.Name, extra.persist, rec)
	metrics.ObservePhase("metadata_write", time.Since(start))
	if err != nil {
		if serr := h.Pool.SetAvailability(stratisd.NoRequests); serr != nil {
			e.logger.WithError(serr).Error("flush failed but pool could not be downgraded to NoRequests")
		}
		return stratisd.NewPoolError(stratisd.KindEnvironment, h.Pool.UUID, err)
	}
	extra.record = rec
	metrics.SetPoolAvailability(h.Pool.Name, rank(h.Pool.Availability))
	return nil
}

func rank(a stratisd.ActionAvailability) int {
	switch a {
	case stratisd.Full:
		return 2
	case stratisd.NoRequests:
		return 1
	default:
		return 0
	}
}

// recordAudit appends one lifecycle event, best-effort: an audit-log
// write failure is logged and otherwise ignored, since losing history
// must never fail the mutation it describes.
func (e *Engine) recordAudit(ctx context.Context, poolUUID stratisd.PoolUUID, poolName, operation, outcome, detail string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, audit.Event{PoolUUID: poolUUID, PoolName: poolName, Operation: operation, Outcome: outcome, Detail: detail}); err != nil {
		e.logger.WithError(err).Warn("audit log write failed")
	}
}

func (e *Engine) notifyPool(p *pool.Pool) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyPoolChanged(summarize(p))
}

func summarize(p *pool.Pool) stratisd.PoolSummary {
	var total, used stratisd.Sectors
	var fss []stratisd.FilesystemSummary
	for _, d := range p.DataDevices {
		total += d.Size
		used += d.Size - d.Free.Free()
	}
	for _, fs := range p.Filesystems {
		fss = append(fss, stratisd.FilesystemSummary{
			UUID: fs.UUID, Name: fs.Name, ThinID: fs.ThinID,
			UsedBytes: fs.UsedBytes, SizeLimit: fs.SizeLimit, Origin: fs.Origin,
		})
	}
	return stratisd.PoolSummary{
		UUID: p.UUID, Name: p.Name, TotalSectors: total, UsedSectors: used,
		Availability: p.Availability, Encrypted: p.Encrypted, Filesystems: fss,
	}
}

// withMutation runs fn on h's mailbox goroutine, wrapped in a tracing
// span and the safeguards OperationGuard (a concurrency bound; the
// engine's guard has no health check configured), recording a metrics
// counter for the outcome. This is the single choke point every
// RequestHandler mutation passes through.
func (e *Engine) withMutation(ctx context.Context, h *registry.Handle, op pool.Operation, fn func(extra *poolExtra) error) error {
	if err := h.Pool.Admit(op); err != nil {
		metrics.RecordMutation(string(op), "rejected")
		return err
	}
	extra := h.Extra.(*poolExtra)

	ctx, end := tracing.StartMutation(ctx, h.Pool.UUID, string(op))
	err := extra.box.submit(func() error {
		return e.guard.WithOperation(ctx, string(op), func() error { return fn(extra) })
	})
	outcome := "ok"
	detail := ""
	if err != nil {
		outcome = "error"
		detail = err.Error()
	}
	metrics.RecordMutation(string(op), outcome)
	e.recordAudit(ctx, h.Pool.UUID, h.Pool.Name, string(op), outcome, detail)
	end(err, h.Pool.Availability)
	if err == nil {
		e.notifyPool(h.Pool)
	}
	return err
}

// thinPolicy builds a thinpool.Policy from configuration, falling back to
// thinpool.DefaultPolicy's extend step when unset.
func (e *Engine) thinPolicy() thinpool.Policy {
	p := thinpool.DefaultPolicy
	if e.cfg.ThinPoolExtendStepSectors != 0 {
		p.ExtendStepSectors = stratisd.Sectors(e.cfg.ThinPoolExtendStepSectors)
	}
	return p
}

// thinPoolMetadataSectors is the fixed size reserved for a new pool's
// thin-pool metadata subdevice (32 MiB), well above what dm-thin needs for
// any data-device size this engine supports.
const thinPoolMetadataSectors = (32 << 20) / stratisd.SectorSize

func minSectors(a, b stratisd.Sectors) stratisd.Sectors {
	if a < b {
		return a
	}
	return b
}

// carveThinPoolSegments reserves thinPoolMetadataSectors from devs
// (greedily, spilling across devices if no single one has enough room)
// and then carves one extend step's worth of data segments for the
// thin-pool's initial data subdevice, leaving the rest of each device's
// space free for thinpool.Manager.extend to grow into later (spec
// §4.4's low-water extend-on-demand policy, not a single upfront
// allocation of the whole pool's capacity). Each returned SegmentSpec's
// DeviceIndex matches devs' order, which callers must use as
// devstack.BuildInput.DataDevices' order too.
func (e *Engine) carveThinPoolSegments(poolUUID stratisd.PoolUUID, devs []*pool.Device) ([]devstack.SegmentSpec, []devstack.SegmentSpec, error) {
	var metaSegs, dataSegs []devstack.SegmentSpec

	remaining := stratisd.Sectors(thinPoolMetadataSectors)
	for i, d := range devs {
		if remaining == 0 {
			break
		}
		want := minSectors(remaining, d.Free.Free())
		if want == 0 {
			continue
		}
		nf, extents, err := d.Free.Request(want, e.alignment())
		if err != nil {
			continue
		}
		d.Free = nf
		for _, ex := range extents {
			metaSegs = append(metaSegs, devstack.SegmentSpec{DeviceIndex: i, Start: ex.Start, Length: ex.Length})
			remaining -= ex.Length
		}
	}
	if remaining > 0 {
		return nil, nil, stratisd.NewPoolError(stratisd.KindResource, poolUUID,
			fmt.Errorf("not enough space across devices to reserve thin-pool metadata (%d sectors short)", remaining))
	}

	dataRemaining := e.thinPolicy().ExtendStepSectors
	for i, d := range devs {
		if dataRemaining == 0 {
			break
		}
		want := minSectors(dataRemaining, d.Free.Free())
		if want == 0 {
			continue
		}
		nf, extents, err := d.Free.Request(want, e.alignment())
		if err != nil {
			continue
		}
		d.Free = nf
		for _, ex := range extents {
			dataSegs = append(dataSegs, devstack.SegmentSpec{DeviceIndex: i, Start: ex.Start, Length: ex.Length})
			dataRemaining -= ex.Length
		}
	}
	if len(dataSegs) == 0 {
		return nil, nil, stratisd.NewPoolError(stratisd.KindResource, poolUUID,
			fmt.Errorf("no free data space available after metadata reservation"))
	}
	return metaSegs, dataSegs, nil
}

func segmentsSectors(segs []devstack.SegmentSpec) stratisd.Sectors {
	var total stratisd.Sectors
	for _, s := range segs {
		total += s.Length
	}
	return total
}

// segmentsToLayout translates devstack.SegmentSpec lists (which address
// devices by position in devs) into a metadata.ThinPoolLayoutRecord
// (which addresses them by UUID, the only identifier stable across a
// restart where devices may enumerate in a different order).
func segmentsToLayout(devs []*pool.Device, metaSegs, dataSegs []devstack.SegmentSpec) metadata.ThinPoolLayoutRecord {
	convert := func(segs []devstack.SegmentSpec) []metadata.SegmentRecord {
		out := make([]metadata.SegmentRecord, len(segs))
		for i, s := range segs {
			out[i] = metadata.SegmentRecord{DeviceUUID: devs[s.DeviceIndex].UUID, Start: s.Start, Length: s.Length}
		}
		return out
	}
	return metadata.ThinPoolLayoutRecord{MetadataSegments: convert(metaSegs), DataSegments: convert(dataSegs)}
}

// PoolCreate implements stratisd.RequestHandler. It initializes a fresh
// BDA/MDA header on every device, carves the thin-pool's metadata and data
// subdevices from their combined free space, assembles and (on the real
// backend) activates the layered device stack, and performs the pool's
// first metadata flush before returning.
func (e *Engine) PoolCreate(ctx context.Context, name string, devicePaths []string) (stratisd.PoolSummary, error) {
	if len(devicePaths) == 0 {
		return stratisd.PoolSummary{}, stratisd.NewError(stratisd.KindInput, fmt.Errorf("pool %q: at least one device is required", name))
	}
	if e.reg.NameTaken(name) {
		return stratisd.PoolSummary{}, stratisd.NewError(stratisd.KindInput, fmt.Errorf("pool name %q already in use", name))
	}

	poolUUID := stratisd.NewPoolUUID()
	p := pool.New(poolUUID, name)

	var (
		rawSpecs    []devstack.RawDeviceSpec
		orderedDevs []*pool.Device
		persistDevs []persistence.Device
		devFiles    = make(map[stratisd.DeviceUUID]*os.File)
	)
	for _, path := range devicePaths {
		dev, f, hdr, err := e.initDevice(poolUUID, path)
		if err != nil {
			return stratisd.PoolSummary{}, err
		}
		p.DataDevices[dev.UUID] = dev
		devFiles[dev.UUID] = f
		orderedDevs = append(orderedDevs, dev)
		rawSpecs = append(rawSpecs, devstack.RawDeviceSpec{DeviceUUID: dev.UUID, Path: path})
		persistDevs = append(persistDevs, persistence.NewDevice(dev.UUID, f, metadata.BDA{Header: hdr, Current: -1}))
	}

	metaSegs, dataSegs, err := e.carveThinPoolSegments(poolUUID, orderedDevs)
	if err != nil {
		return stratisd.PoolSummary{}, err
	}

	buildInput := devstack.BuildInput{
		PoolName:            name,
		DataDevices:         rawSpecs,
		MetadataSegments:    metaSegs,
		DataSegments:        dataSegs,
		PoolDataSizeSectors: segmentsSectors(dataSegs),
	}
	graph, err := devstack.Build(buildInput)
	if err != nil {
		return stratisd.PoolSummary{}, stratisd.NewPoolError(stratisd.KindInternal, poolUUID, err)
	}

	dm := e.newDMClient()
	if e.cfg.Backend == config.BackendReal {
		if err := devstack.Activate(ctx, dm, graph); err != nil {
			return stratisd.PoolSummary{}, stratisd.NewPoolError(stratisd.KindEnvironment, poolUUID, err)
		}
	}

	extra := &poolExtra{
		box:      newMailbox(name, e.logger),
		devFiles: devFiles,
		persist:  persistDevs,
		dm:       dm,
		thin:     thinpool.New(p, name+"-pool", name+"-thinmeta", name+"-thindata", e.thinBackend(dm), e.thinPolicy(), e.logger),
		layout:   segmentsToLayout(orderedDevs, metaSegs, dataSegs),
	}

	h := &registry.Handle{Pool: p, Extra: extra}
	if err := e.reg.Insert(poolUUID, name, h); err != nil {
		return stratisd.PoolSummary{}, err
	}

	if err := e.flush(h, extra); err != nil {
		e.reg.Remove(poolUUID, name)
		e.recordAudit(ctx, poolUUID, name, string(pool.OpPoolCreate), "error", err.Error())
		return stratisd.PoolSummary{}, err
	}

	if err := e.links.EnsurePoolDir(name); err != nil {
		e.logger.WithError(err).WithField("pool", name).Warn("could not create pool devlink directory")
	}

	e.recordAudit(ctx, poolUUID, name, string(pool.OpPoolCreate), "ok", fmt.Sprintf("%d device(s)", len(devicePaths)))
	return summarize(p), nil
}

// PoolDestroy implements stratisd.RequestHandler. It requires every
// filesystem to already be destroyed, issues the thin-pool and raw device
// teardown, and removes the pool from the registry; per devicemapper's
// fail-dumb policy, a teardown failure leaves DM state in place for
// inspection rather than being silently retried or ignored.
func (e *Engine) PoolDestroy(ctx context.Context, poolUUID stratisd.PoolUUID) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpPoolDestroy, func(extra *poolExtra) error {
		if len(h.Pool.Filesystems) > 0 {
			return stratisd.NewPoolError(stratisd.KindPrecondition, poolUUID, fmt.Errorf("pool still has %d filesystem(s); destroy them first", len(h.Pool.Filesystems)))
		}
		if err := e.links.RemovePoolDir(h.Pool.Name); err != nil {
			e.logger.WithError(err).WithField("pool", h.Pool.Name).Warn("could not remove pool devlink directory")
		}
		if e.cfg.Backend == config.BackendReal {
			if err := extra.dm.DeactivateDevice(ctx, h.Pool.Name+"-pool"); err != nil {
				e.logger.WithError(err).WithField("pool", h.Pool.Name).Error("thin-pool device teardown failed; leaving DM state for manual inspection")
			}
		}
		for _, f := range extra.devFiles {
			f.Close()
		}
		extra.box.close()
		e.reg.Remove(poolUUID, h.Pool.Name)
		return nil
	})
}

// PoolStart implements stratisd.RequestHandler for the explicit operator
// path. A pool already registered (Running, or degraded but still
// present) is simply restarted in place; a pool known only to discovery's
// PartialPools table (Stopped, devices seen but not yet assembled) is
// handed to the same StartPool assembly logic discovery's own auto-start
// path uses (see assembly.go).
func (e *Engine) PoolStart(ctx context.Context, poolUUID stratisd.PoolUUID) error {
	if h, ok := e.reg.Get(poolUUID); ok {
		return e.withMutation(ctx, h, pool.OpPoolStart, func(extra *poolExtra) error {
			if err := e.checkHealthBeforeRestart(ctx, h.Pool.Name+"-pool"); err != nil {
				return stratisd.NewPoolError(stratisd.KindEnvironment, poolUUID, fmt.Errorf("health check failed, pool left at %s: %w", h.Pool.Availability, err))
			}
			h.Pool.Restart()
			return nil
		})
	}

	record, bdas, ok := e.discovery.AuthoritativeRecord(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found or not enough devices seen yet to assemble it"))
	}
	return e.StartPool(ctx, record, bdas)
}

// PoolStop implements stratisd.RequestHandler: it removes every
// filesystem's devlink and, when TeardownOnStop is set under the real
// backend, deactivates the thin-pool device. It leaves the pool
// registered and its availability unchanged, so later mutations are
// still admitted.
func (e *Engine) PoolStop(ctx context.Context, poolUUID stratisd.PoolUUID) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpPoolStop, func(extra *poolExtra) error {
		if e.cfg.TeardownOnStop && e.cfg.Backend == config.BackendReal {
			if err := extra.dm.DeactivateDevice(ctx, h.Pool.Name+"-pool"); err != nil {
				e.logger.WithError(err).WithField("pool", h.Pool.Name).Error("thin-pool teardown on stop failed; leaving DM state for manual inspection")
			}
		}
		for _, fs := range h.Pool.Filesystems {
			_ = e.links.Destroy(h.Pool.Name, fs.Name)
		}
		return nil
	})
}

// Pools returns the UUIDs of every currently registered pool, in no
// particular order. It exists for cmd/stratisd-engine's orderly shutdown
// path, which needs to call PoolStop on each one before closing the
// engine itself.
func (e *Engine) Pools() []stratisd.PoolUUID {
	handles := e.reg.List()
	out := make([]stratisd.PoolUUID, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Pool.UUID)
	}
	return out
}

// PoolRename implements stratisd.RequestHandler, maintaining the registry's
// name index and every active filesystem's devlink under the pool's new
// name.
func (e *Engine) PoolRename(ctx context.Context, poolUUID stratisd.PoolUUID, newName string) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	if e.reg.NameTaken(newName) {
		return stratisd.NewError(stratisd.KindInput, fmt.Errorf("pool name %q already in use", newName))
	}
	return e.withMutation(ctx, h, pool.OpPoolRename, func(extra *poolExtra) error {
		oldName := h.Pool.Name
		if err := e.reg.Rename(poolUUID, oldName, newName); err != nil {
			return err
		}
		h.Pool.Name = newName
		if err := e.links.EnsurePoolDir(newName); err != nil {
			e.logger.WithError(err).WithField("pool", newName).Warn("could not create renamed pool's devlink directory")
		}
		for _, fs := range h.Pool.Filesystems {
			devPath := extra.dm.GetDevicePath(fmt.Sprintf("%s-thin-%d", newName, fs.ThinID))
			if err := e.links.Create(newName, fs.Name, devPath); err != nil {
				e.logger.WithError(err).WithField("filesystem", fs.Name).Warn("could not install filesystem devlink under renamed pool")
			}
		}
		_ = e.links.RemovePoolDir(oldName)
		return e.flush(h, extra)
	})
}

// PoolGrow implements stratisd.RequestHandler: it initializes each new
// device exactly as PoolCreate does, adds it to the pool's free space, and
// flushes the pool's metadata (now listing the new device) to every
// device, old and new.
func (e *Engine) PoolGrow(ctx context.Context, poolUUID stratisd.PoolUUID, devicePaths []string) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	if len(devicePaths) == 0 {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool_grow requires at least one device path"))
	}
	return e.withMutation(ctx, h, pool.OpPoolGrow, func(extra *poolExtra) error {
		for _, path := range devicePaths {
			dev, f, hdr, err := e.initDevice(poolUUID, path)
			if err != nil {
				return err
			}
			h.Pool.DataDevices[dev.UUID] = dev
			extra.devFiles[dev.UUID] = f
			extra.persist = append(extra.persist, persistence.NewDevice(dev.UUID, f, metadata.BDA{Header: hdr, Current: -1}))
		}
		if err := e.flush(h, extra); err != nil {
			return err
		}
		// Per spec, successfully adding a device restores a pool degraded
		// by low space back to Full, same as an explicit stop+start.
		if h.Pool.Availability != stratisd.Full {
			if err := e.checkHealthBeforeRestart(ctx, h.Pool.Name+"-pool"); err != nil {
				e.logger.WithError(err).WithField("pool", h.Pool.Name).Warn("pool_grow added space but health check failed; pool left degraded")
				return nil
			}
			h.Pool.Restart()
		}
		return nil
	})
}
