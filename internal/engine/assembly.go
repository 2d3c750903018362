// This file implements Engine's three collaborator roles in spec §4.6's
// hotplug assembly pipeline (DeviceReader, Starter, AlertSink), the
// explicit StartPool assembly path both pool_start and discovery's
// auto-start share, and the two long-running consumer loops (hotplug
// events, thin-pool DM events) that round out spec §5's three task
// families alongside request handling.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/devicemapper"
	"github.com/stratis-storage/stratisd-go/internal/allocator"
	"github.com/stratis-storage/stratisd-go/internal/config"
	"github.com/stratis-storage/stratisd-go/internal/devstack"
	"github.com/stratis-storage/stratisd-go/internal/discovery"
	"github.com/stratis-storage/stratisd-go/internal/encryption"
	"github.com/stratis-storage/stratisd-go/internal/metadata"
	"github.com/stratis-storage/stratisd-go/internal/persistence"
	"github.com/stratis-storage/stratisd-go/internal/pool"
	"github.com/stratis-storage/stratisd-go/internal/registry"
	"github.com/stratis-storage/stratisd-go/internal/thinpool"
)

// ReadDeviceBDA implements discovery.DeviceReader by opening path
// read-only and parsing its static header and MDA slots. A device that
// can't be opened at all (ENOENT, EBUSY) is reported as Environment-kind
// so discovery's backoff retries it; anything else (a device that is
// simply not ours) surfaces as whatever metadata.ReadBDA returns, and
// discovery treats that as "not ours" rather than retrying.
func (e *Engine) ReadDeviceBDA(ctx context.Context, path string) (metadata.BDA, error) {
	f, err := os.Open(path)
	if err != nil {
		return metadata.BDA{}, stratisd.NewError(stratisd.KindEnvironment, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()
	return metadata.ReadBDA(f)
}

// DeviceMissing implements discovery.AlertSink: a device vanished out
// from under a Running pool. Per spec §4.6 step 3 this is never an
// auto-stop; it downgrades the pool so new mutations are refused and
// lets the kernel's own I/O errors (once a missing extent is touched)
// do the rest.
func (e *Engine) DeviceMissing(poolUUID stratisd.PoolUUID, deviceUUID stratisd.DeviceUUID) {
	logger := e.logger.WithField("pool_uuid", poolUUID.String()).WithField("device_uuid", deviceUUID.String())
	logger.Error("device removed from a running pool")
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return
	}
	if err := h.Pool.SetAvailability(stratisd.NoRequests); err != nil {
		logger.WithError(err).Warn("could not downgrade pool availability after device loss")
	}
	e.notifyPool(h.Pool)
}

// StartPool implements discovery.Starter: the single assembly routine
// both discovery's auto-start and the operator-driven pool_start path
// (engine.go's PoolStart) use to bring a fully-seen pool record up from
// cold devices to a registered, running pool.
func (e *Engine) StartPool(ctx context.Context, record metadata.Record, bdas []metadata.BDA) (err error) {
	defer func() {
		if err != nil {
			e.recordAudit(ctx, record.PoolUUID, record.Name, "pool_assemble", "error", err.Error())
		}
	}()

	if e.reg.NameTaken(record.Name) {
		return stratisd.NewPoolError(stratisd.KindInput, record.PoolUUID, fmt.Errorf("pool name %q already in use", record.Name))
	}
	if record.ThinPoolLayout == nil {
		return stratisd.NewPoolError(stratisd.KindCorruption, record.PoolUUID, fmt.Errorf("pool record has no thin-pool layout"))
	}

	p := pool.New(record.PoolUUID, record.Name)

	bdaByDevice := make(map[stratisd.DeviceUUID]metadata.BDA, len(bdas))
	for _, b := range bdas {
		bdaByDevice[b.Header.DeviceUUID] = b
	}

	devFiles := make(map[stratisd.DeviceUUID]*os.File, len(record.Devices))
	rollback := func() {
		for _, f := range devFiles {
			f.Close()
		}
	}

	persistDevs := make([]persistence.Device, 0, len(record.Devices))
	rawSpecs := make([]devstack.RawDeviceSpec, len(record.Devices))
	devIndex := make(map[stratisd.DeviceUUID]int, len(record.Devices))

	for i, dr := range record.Devices {
		f, err := os.OpenFile(dr.Path, os.O_RDWR, 0)
		if err != nil {
			rollback()
			return stratisd.NewPoolError(stratisd.KindEnvironment, record.PoolUUID, fmt.Errorf("open device %s: %w", dr.Path, err))
		}
		devFiles[dr.DeviceUUID] = f
		devIndex[dr.DeviceUUID] = i

		extents := make([]allocator.Extent, len(dr.FreeExtents))
		for j, ex := range dr.FreeExtents {
			extents[j] = allocator.Extent{Start: ex.Start, Length: ex.Length}
		}
		p.DataDevices[dr.DeviceUUID] = &pool.Device{
			UUID: dr.DeviceUUID, Path: dr.Path, Tier: string(dr.Tier), Size: dr.SizeSectors,
			Free: allocator.FromExtents(extents),
		}
		rawSpecs[i] = devstack.RawDeviceSpec{DeviceUUID: dr.DeviceUUID, Path: dr.Path}

		bda, ok := bdaByDevice[dr.DeviceUUID]
		if !ok {
			bda = metadata.BDA{Current: -1}
		}
		persistDevs = append(persistDevs, persistence.NewDevice(dr.DeviceUUID, f, bda))
	}

	for _, fr := range record.Filesystems {
		var origin *stratisd.FilesystemUUID
		if fr.Origin != nil {
			o := *fr.Origin
			origin = &o
		}
		p.Filesystems[fr.FilesystemUUID] = &pool.Filesystem{
			UUID: fr.FilesystemUUID, Name: fr.Name, ThinID: fr.ThinID,
			SizeLimit: fr.SizeLimit, Origin: origin, CreatedAt: fr.CreatedAt,
		}
	}

	var enc *encryption.Context
	if record.Encryption != nil && len(record.Devices) > 0 {
		var (
			backend encryption.SlotFile
			keyring encryption.Keyring
			netCli  encryption.NetworkClient
		)
		firstPath := record.Devices[0].Path
		if e.cfg.Backend == config.BackendReal {
			backend = &encryption.RealSlots{DevicePath: firstPath, Logger: e.logger}
			keyring = encryption.RealKeyring{}
			netCli = encryption.RealNetworkClient{}
		} else {
			sim := encryption.NewSimSlots()
			backend = sim
			keyring = encryption.SimKeyring{Slots: sim}
			netCli = encryption.SimNetworkClient{Slots: sim}
			e.logger.WithField("pool", record.Name).Warn("sim backend does not persist slot material across process restarts; unlock will fail unless the sim keyring/network responses were reseeded")
		}

		slots := make([]encryption.Slot, 0, len(record.Encryption.Slots))
		for _, sr := range record.Encryption.Slots {
			u, err := unlockerFromSlotRecord(sr)
			if err != nil {
				rollback()
				return stratisd.NewPoolError(stratisd.KindCorruption, record.PoolUUID, err)
			}
			slots = append(slots, encryption.Slot{Index: sr.Slot, Unlocker: u})
		}
		enc = encryption.Restore(p, backend, keyring, netCli, slots)

		keyHex, _, err := enc.Unlock(ctx, nil)
		if err != nil {
			rollback()
			return fmt.Errorf("unlock pool %s: %w", record.Name, err)
		}
		for i := range rawSpecs {
			rawSpecs[i].KeyHex = keyHex
		}
		p.Encrypted = true
	}

	translate := func(segs []metadata.SegmentRecord) []devstack.SegmentSpec {
		out := make([]devstack.SegmentSpec, len(segs))
		for i, s := range segs {
			out[i] = devstack.SegmentSpec{DeviceIndex: devIndex[s.DeviceUUID], Start: s.Start, Length: s.Length}
		}
		return out
	}
	metaSegs := translate(record.ThinPoolLayout.MetadataSegments)
	dataSegs := translate(record.ThinPoolLayout.DataSegments)

	fsSpecs := make([]devstack.ThinVolumeSpec, 0, len(record.Filesystems))
	for _, fr := range record.Filesystems {
		fsSpecs = append(fsSpecs, devstack.ThinVolumeSpec{
			FilesystemUUID: fr.FilesystemUUID, Name: fr.Name, ThinID: fr.ThinID,
			SizeSectors: sizeLimitSectors(fr.SizeLimit),
		})
	}

	buildInput := devstack.BuildInput{
		PoolName: record.Name, DataDevices: rawSpecs,
		MetadataSegments: metaSegs, DataSegments: dataSegs,
		PoolDataSizeSectors: segmentsSectors(dataSegs),
		Filesystems:         fsSpecs,
	}
	graph, err := devstack.Build(buildInput)
	if err != nil {
		rollback()
		return stratisd.NewPoolError(stratisd.KindInternal, record.PoolUUID, err)
	}

	dm := e.newDMClient()
	if e.cfg.Backend == config.BackendReal {
		if err := devstack.Activate(ctx, dm, graph); err != nil {
			rollback()
			return stratisd.NewPoolError(stratisd.KindEnvironment, record.PoolUUID, err)
		}
		if err := e.checkHealthBeforeRestart(ctx, record.Name+"-pool"); err != nil {
			rollback()
			return stratisd.NewPoolError(stratisd.KindEnvironment, record.PoolUUID, fmt.Errorf("pre-assembly health check failed: %w", err))
		}
	}

	extra := &poolExtra{
		box: newMailbox(record.Name, e.logger), devFiles: devFiles, persist: persistDevs,
		dm:     dm,
		thin:   thinpool.New(p, record.Name+"-pool", record.Name+"-thinmeta", record.Name+"-thindata", e.thinBackend(dm), e.thinPolicy(), e.logger),
		enc:    enc,
		layout: *record.ThinPoolLayout,
		record: record,
	}
	h := &registry.Handle{Pool: p, Extra: extra}
	if err := e.reg.Insert(record.PoolUUID, record.Name, h); err != nil {
		rollback()
		return err
	}

	if err := e.links.EnsurePoolDir(record.Name); err != nil {
		e.logger.WithError(err).WithField("pool", record.Name).Warn("could not create pool devlink directory")
	}
	for _, fs := range p.Filesystems {
		devPath := dm.GetDevicePath(fmt.Sprintf("%s-thin-%d", record.Name, fs.ThinID))
		if err := e.links.Create(record.Name, fs.Name, devPath); err != nil {
			e.logger.WithError(err).WithField("filesystem", fs.Name).Warn("could not install filesystem devlink during assembly")
		}
	}

	e.recordAudit(ctx, record.PoolUUID, record.Name, "pool_assemble", "ok", fmt.Sprintf("%d device(s), %d filesystem(s)", len(record.Devices), len(record.Filesystems)))
	e.notifyPool(p)
	return nil
}

// RunHotplug consumes source's hotplug events until ctx is cancelled,
// feeding each one through the discovery pipeline. This is one of spec
// §5's three long-running task families; callers run it in its own
// goroutine from cmd/stratisd-engine's main.
func (e *Engine) RunHotplug(ctx context.Context, source discovery.HotplugSource) {
	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.discovery.Handle(ctx, ev); err != nil {
				e.logger.WithField("device", ev.DeviceID).WithError(err).Error("hotplug event handling failed")
			}
		}
	}
}

// RunThinPoolEvents polls every registered pool's thin-pool status on
// interval until ctx is cancelled, translating capacity thresholds into
// thinpool.Manager.HandleEvent calls. Real dmeventd delivery is
// push-based; this poll loop gives a real backend run without a
// dmeventd plugin installed the same reaction behavior. Under the sim
// backend each poll returns at once, since there is no kernel thin-pool
// status to read.
func (e *Engine) RunThinPoolEvents(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollThinPoolEvents(ctx)
		}
	}
}

func (e *Engine) pollThinPoolEvents(ctx context.Context) {
	if e.cfg.Backend != config.BackendReal {
		return // sim backend has no kernel thin-pool to poll; tests drive HandleEvent directly
	}
	for _, h := range e.reg.List() {
		extra, ok := h.Extra.(*poolExtra)
		if !ok || extra.thin == nil {
			continue
		}
		if h.Pool.Availability != stratisd.Full {
			continue // already degraded; no new low-water extension will help
		}
		status, err := extra.dm.GetPoolStatus(ctx, extra.thin.PoolDevice)
		if err != nil {
			continue // transient dmsetup failure; try again next tick
		}
		for _, kind := range e.classifyPoolStatus(h.Pool.Name, status) {
			if err := extra.thin.HandleEvent(ctx, kind); err != nil {
				e.logger.WithField("pool", h.Pool.Name).WithField("event", kind.String()).WithError(err).Error("thin-pool event reaction failed")
			}
		}
	}
}

// classifyPoolStatus turns one `dmsetup status` line into zero or more
// thinpool.EventKind reactions, using e.cfg.PoolCapacityWarnPercent as
// the low-water threshold for both the metadata and data subdevices.
func (e *Engine) classifyPoolStatus(poolName, status string) []thinpool.EventKind {
	var kinds []thinpool.EventKind
	if strings.Contains(status, " ro ") || strings.HasSuffix(strings.TrimSpace(status), "ro") {
		kinds = append(kinds, thinpool.EventReadOnly)
	}

	info, err := devicemapper.ParsePoolStatusLine(poolName, status)
	if err != nil {
		return kinds
	}
	threshold := float64(e.cfg.PoolCapacityWarnPercent)
	if threshold <= 0 {
		threshold = devicemapper.PoolCapacityThreshold
	}

	if info.TotalMetaBlocks > 0 && percentUsed(info.UsedMetaBlocks, info.TotalMetaBlocks) >= threshold {
		kinds = append(kinds, thinpool.EventMetadataLow)
	}
	if info.TotalDataBlocks > 0 {
		used := percentUsed(info.UsedDataBlocks, info.TotalDataBlocks)
		switch {
		case info.UsedDataBlocks >= info.TotalDataBlocks:
			kinds = append(kinds, thinpool.EventOutOfDataSpace)
		case used >= threshold:
			kinds = append(kinds, thinpool.EventDataLow)
		}
	}
	return kinds
}

func percentUsed(used, total int64) float64 {
	if total == 0 {
		return 0
	}
	return (float64(used) / float64(total)) * 100.0
}
