// Package discovery implements the hotplug-driven assembly pipeline of
// spec §4.6: LiveDevices and PartialPools tracking, the add/change/remove
// algorithm, and the divergent-history reconciliation that puts a pool
// into Errored rather than guessing.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/metadata"
)

// Event is one hotplug notification: a stable device identifier, the
// action the OS reported, and the device node path at the time.
type Event struct {
	DeviceID string
	Action   Action
	Path     string
}

// Action names the three hotplug actions spec §4.6 distinguishes.
type Action int

const (
	ActionAdd Action = iota
	ActionChange
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionChange:
		return "change"
	case ActionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// HotplugSource is the narrow seam onto whatever emits hotplug events.
// UdevHotplugSource (real backend) and SimHotplugSource (tests/simulator)
// both satisfy it.
type HotplugSource interface {
	Events() <-chan Event
}

// PoolState is PartialPools' per-pool assembly state.
type PoolState string

const (
	Stopped  PoolState = "Stopped"
	Starting PoolState = "Starting"
	Running  PoolState = "Running"
	Errored  PoolState = "Errored"
)

// liveDeviceRow is the go-memdb row backing LiveDevices, indexed by the
// device's stable identifier so an add/remove pair round-trips through
// the same row regardless of how many times the path changes.
type liveDeviceRow struct {
	DeviceID string
	Path     string
}

// partialPoolRow is the go-memdb row backing PartialPools. Devices and
// LastRead are replaced wholesale on every update (copy-on-write),
// matching memdb's expectation that inserted objects are treated as
// immutable once committed to a transaction.
type partialPoolRow struct {
	// ID mirrors PoolUUID.String(); go-memdb's StringFieldIndex needs a
	// plain string field to index on.
	ID       string
	PoolUUID stratisd.PoolUUID
	PoolName string
	State    PoolState
	// Devices is the set of device UUIDs seen so far for this pool,
	// keyed by UUID string.
	Devices map[string]stratisd.DeviceUUID
	// LastRead is the most recently read BDA per device UUID string.
	LastRead map[string]metadata.BDA
	// bestTS is the greatest MDA slot timestamp seen across this pool's
	// devices so far (spec §4.6's "maximum timestamp across the devices
	// seen at decision time").
	bestTS time.Time
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"live_device": {
				Name: "live_device",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "DeviceID"},
					},
				},
			},
			"partial_pool": {
				Name: "partial_pool",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					// Unique index on pool name realizes spec §8's "names
					// unique across live pools" without a separate scan.
					"name": {
						Name:    "name",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "PoolName"},
					},
				},
			},
		},
	}
}

// DeviceReader opens a candidate device by path and reads its BDA;
// callers wire this to the real backend's block device open or the sim
// backend's in-memory device map.
type DeviceReader interface {
	ReadDeviceBDA(ctx context.Context, path string) (metadata.BDA, error)
}

// Starter is engine's callback for actually assembling a complete pool:
// unlocking ciphertext devices if needed, building and loading the
// layered device stack, and marking the pool Running in the registry.
// Pipeline only decides *when* to call it; Starter decides *how*.
type Starter interface {
	StartPool(ctx context.Context, record metadata.Record, bdas []metadata.BDA) error
}

// AlertSink receives the "device removed from a Running pool" alert
// spec §4.6 step 3 requires be surfaced rather than silently absorbed.
type AlertSink interface {
	DeviceMissing(poolUUID stratisd.PoolUUID, deviceUUID stratisd.DeviceUUID)
}

// Pipeline owns LiveDevices and PartialPools and runs the assembly
// algorithm against a stream of hotplug events.
type Pipeline struct {
	db        *memdb.MemDB
	reader    DeviceReader
	starter   Starter
	alerts    AlertSink
	autoStart bool
	backoff   backoff.BackOff
	logger    logrus.FieldLogger
}

// Config controls a Pipeline's optional knobs.
type Config struct {
	AutoStart bool
	// Backoff governs retries of transient Environment-class errors
	// encountered reading a candidate device (e.g. briefly busy right
	// after an add event). Defaults to a bounded exponential backoff.
	Backoff backoff.BackOff
	Logger  logrus.FieldLogger
}

// New creates a Pipeline with empty LiveDevices/PartialPools tables.
func New(reader DeviceReader, starter Starter, alerts AlertSink, cfg Config) (*Pipeline, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("build discovery memdb: %w", err)
	}
	bo := cfg.Backoff
	if bo == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 5 * time.Second
		bo = eb
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		db: db, reader: reader, starter: starter, alerts: alerts,
		autoStart: cfg.AutoStart, backoff: bo, logger: logger,
	}, nil
}

// Handle runs the full spec §4.6 algorithm for one event. Handle does not
// serialize events itself, per pool or across pools; internal/engine's
// RunHotplug calls it from its hotplug goroutine, outside the engine's
// per-pool mailbox.
func (p *Pipeline) Handle(ctx context.Context, ev Event) error {
	switch ev.Action {
	case ActionAdd, ActionChange:
		return p.handleAddOrChange(ctx, ev)
	case ActionRemove:
		return p.handleRemove(ctx, ev)
	default:
		return fmt.Errorf("discovery: unrecognized action %v", ev.Action)
	}
}

func (p *Pipeline) handleAddOrChange(ctx context.Context, ev Event) error {
	bda, err := p.readWithRetry(ctx, ev.Path)
	if err != nil {
		p.logger.WithField("device", ev.DeviceID).WithError(err).Debug("device is not ours or unreadable; ignoring")
		return nil
	}

	txn := p.db.Txn(true)
	row := &liveDeviceRow{DeviceID: ev.DeviceID, Path: ev.Path}
	if err := txn.Insert("live_device", row); err != nil {
		txn.Abort()
		return fmt.Errorf("record live device %s: %w", ev.DeviceID, err)
	}
	txn.Commit()

	if bda.Current < 0 {
		return nil // no valid MDA slot yet; nothing more to do until a change event brings one
	}
	record, derr := bda.Slots[bda.Current].Decode()
	if derr != nil {
		return nil
	}
	deviceUUID := deviceUUIDFromRecord(record, ev.Path)

	return p.mergeIntoPool(ctx, record, deviceUUID, bda)
}

// readWithRetry reads a candidate device's BDA, retrying transient
// Environment-class errors per spec SPEC_FULL §4.6.
func (p *Pipeline) readWithRetry(ctx context.Context, path string) (metadata.BDA, error) {
	var bda metadata.BDA
	op := func() error {
		b, err := p.reader.ReadDeviceBDA(ctx, path)
		if err != nil {
			if stratisd.KindOf(err) == stratisd.KindEnvironment {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		bda = b
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(p.backoff, ctx))
	return bda, err
}

// deviceUUIDFromRecord finds the device UUID a path belongs to by
// scanning the authoritative record's device list; callers that already
// know the device UUID (e.g. a real udev ID_PART_ENTRY_UUID tag) would
// skip this, but the sim/test backend identifies purely by path.
func deviceUUIDFromRecord(r metadata.Record, path string) stratisd.DeviceUUID {
	for _, d := range r.Devices {
		if d.Path == path {
			return d.DeviceUUID
		}
	}
	return stratisd.DeviceUUID{}
}

func (p *Pipeline) mergeIntoPool(ctx context.Context, record metadata.Record, deviceUUID stratisd.DeviceUUID, bda metadata.BDA) error {
	txn := p.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First("partial_pool", "id", record.PoolUUID.String())
	if err != nil {
		return fmt.Errorf("lookup pool %s: %w", record.PoolUUID, err)
	}

	var row *partialPoolRow
	if existingRaw != nil {
		old := existingRaw.(*partialPoolRow)
		row = clonePartialPool(old)
	} else {
		row = &partialPoolRow{
			ID:       record.PoolUUID.String(),
			PoolUUID: record.PoolUUID,
			PoolName: record.Name,
			State:    Stopped,
			Devices:  map[string]stratisd.DeviceUUID{},
			LastRead: map[string]metadata.BDA{},
		}
	}

	if row.State == Running {
		if !deviceBelongsToRecord(record, deviceUUID) {
			return fmt.Errorf("device %s does not belong to running pool %s's authoritative record", deviceUUID, record.PoolUUID)
		}
	}

	// Divergent-history reconciliation: a later device may bring a
	// record with a newer timestamp but a disjoint device-set membership
	// from what's already been seen for this pool. Two disjoint
	// "current" records for the same pool UUID is an Errored condition,
	// never auto-started.
	if row.bestRecordSet() && recordsDiverge(row, record) {
		row.State = Errored
		commitRow(txn, row)
		txn.Commit()
		return stratisd.NewPoolError(stratisd.KindCorruption, record.PoolUUID,
			fmt.Errorf("divergent metadata histories observed for pool %s", record.PoolUUID))
	}

	row.Devices[deviceUUID.String()] = deviceUUID
	row.LastRead[deviceUUID.String()] = bda
	ts := bda.Slots[bda.Current].Header.Timestamp
	if ts.After(row.bestTS) {
		row.bestTS = ts
		row.PoolName = record.Name
	}

	commitRow(txn, row)
	txn.Commit()

	return p.maybeStart(ctx, record, row)
}

func commitRow(txn *memdb.Txn, row *partialPoolRow) {
	_ = txn.Insert("partial_pool", row)
}

func clonePartialPool(old *partialPoolRow) *partialPoolRow {
	devices := make(map[string]stratisd.DeviceUUID, len(old.Devices))
	for k, v := range old.Devices {
		devices[k] = v
	}
	reads := make(map[string]metadata.BDA, len(old.LastRead))
	for k, v := range old.LastRead {
		reads[k] = v
	}
	return &partialPoolRow{
		ID: old.ID, PoolUUID: old.PoolUUID, PoolName: old.PoolName, State: old.State,
		Devices: devices, LastRead: reads, bestTS: old.bestTS,
	}
}

func (row *partialPoolRow) bestRecordSet() bool { return len(row.Devices) > 0 }

// recordsDiverge reports whether record's device set is disjoint from
// every device already attributed to row, which can only happen if two
// different "current" histories for the same pool UUID exist.
func recordsDiverge(row *partialPoolRow, record metadata.Record) bool {
	seen := map[stratisd.DeviceUUID]bool{}
	for _, d := range row.Devices {
		seen[d] = true
	}
	overlap := false
	for _, d := range record.Devices {
		if seen[d.DeviceUUID] {
			overlap = true
			break
		}
	}
	return len(seen) > 0 && !overlap
}

func deviceBelongsToRecord(r metadata.Record, deviceUUID stratisd.DeviceUUID) bool {
	for _, d := range r.Devices {
		if d.DeviceUUID == deviceUUID {
			return true
		}
	}
	return false
}

// maybeStart implements spec §4.6 step 2: once the seen device set
// equals the authoritative record's device set, and the pool is Stopped
// with auto-start permitted, transition to Starting and hand off to the
// Starter.
func (p *Pipeline) maybeStart(ctx context.Context, record metadata.Record, row *partialPoolRow) error {
	if row.State != Stopped || !p.autoStart {
		return nil
	}
	if len(row.Devices) != len(record.Devices) {
		return nil
	}
	for _, d := range record.Devices {
		if _, ok := row.Devices[d.DeviceUUID.String()]; !ok {
			return nil
		}
	}

	txn := p.db.Txn(true)
	row.State = Starting
	commitRow(txn, row)
	txn.Commit()

	bdas := make([]metadata.BDA, 0, len(row.LastRead))
	uuidOrder := make([]stratisd.DeviceUUID, 0, len(row.LastRead))
	for _, d := range row.Devices {
		uuidOrder = append(uuidOrder, d)
	}
	sort.Slice(uuidOrder, func(i, j int) bool { return uuidOrder[i].String() < uuidOrder[j].String() })
	for _, u := range uuidOrder {
		bdas = append(bdas, row.LastRead[u.String()])
	}

	if err := p.starter.StartPool(ctx, record, bdas); err != nil {
		txn2 := p.db.Txn(true)
		row2 := clonePartialPool(row)
		row2.State = Errored
		commitRow(txn2, row2)
		txn2.Commit()
		return fmt.Errorf("start pool %s: %w", record.PoolUUID, err)
	}

	txn3 := p.db.Txn(true)
	row3 := clonePartialPool(row)
	row3.State = Running
	commitRow(txn3, row3)
	txn3.Commit()
	return nil
}

func (p *Pipeline) handleRemove(ctx context.Context, ev Event) error {
	txn := p.db.Txn(true)
	if raw, err := txn.First("live_device", "id", ev.DeviceID); err == nil && raw != nil {
		_ = txn.Delete("live_device", raw)
	}
	txn.Commit()

	// Spec §4.6 step 3: a device removed from a Running pool is never
	// auto-stopped; surface an alert and let I/O errors (propagated by
	// the kernel once a missing extent is touched) do the rest.
	it, err := p.db.Txn(false).Get("partial_pool", "id")
	if err != nil {
		return nil
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*partialPoolRow)
		if row.State != Running {
			continue
		}
		for _, d := range row.Devices {
			if d.String() == ev.DeviceID {
				p.alerts.DeviceMissing(row.PoolUUID, d)
			}
		}
	}
	return nil
}

// PoolStatus is a snapshot of one pool's PartialPools row, for callers
// (e.g. a property-query request handler) that want to report assembly
// progress without reaching into the memdb internals.
type PoolStatus struct {
	PoolUUID    stratisd.PoolUUID
	PoolName    string
	State       PoolState
	SeenDevices int
}

// AuthoritativeRecord returns the most recently merged record and device
// BDAs for poolUUID, for an explicit pool_start operator call against a
// pool discovery has already seen devices for but has not auto-started
// (e.g. DiscoveryAutoStart was disabled). ok is false if the pool is
// unknown or no device has yet produced a decodable record for it.
func (p *Pipeline) AuthoritativeRecord(poolUUID stratisd.PoolUUID) (metadata.Record, []metadata.BDA, bool) {
	txn := p.db.Txn(false)
	raw, err := txn.First("partial_pool", "id", poolUUID.String())
	if err != nil || raw == nil {
		return metadata.Record{}, nil, false
	}
	row := raw.(*partialPoolRow)
	if len(row.LastRead) == 0 {
		return metadata.Record{}, nil, false
	}

	uuidOrder := make([]stratisd.DeviceUUID, 0, len(row.Devices))
	for _, d := range row.Devices {
		uuidOrder = append(uuidOrder, d)
	}
	sort.Slice(uuidOrder, func(i, j int) bool { return uuidOrder[i].String() < uuidOrder[j].String() })

	bdas := make([]metadata.BDA, 0, len(uuidOrder))
	for _, u := range uuidOrder {
		bdas = append(bdas, row.LastRead[u.String()])
	}
	record, err := SelectAuthoritativeRecord(bdas)
	if err != nil {
		return metadata.Record{}, nil, false
	}
	return record, bdas, true
}

// SelectAuthoritativeRecord is metadata.SelectAuthoritative, re-exported
// so callers outside this package don't need to import internal/metadata
// solely to pick a record out of a BDA slice.
func SelectAuthoritativeRecord(bdas []metadata.BDA) (metadata.Record, error) {
	return metadata.SelectAuthoritative(bdas)
}

// Status returns a snapshot of every pool PartialPools currently knows
// about, sorted by pool name for deterministic output.
func (p *Pipeline) Status() []PoolStatus {
	txn := p.db.Txn(false)
	it, err := txn.Get("partial_pool", "id")
	if err != nil {
		return nil
	}
	var out []PoolStatus
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*partialPoolRow)
		out = append(out, PoolStatus{PoolUUID: row.PoolUUID, PoolName: row.PoolName, State: row.State, SeenDevices: len(row.Devices)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolName < out[j].PoolName })
	return out
}
