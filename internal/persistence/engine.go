// Package persistence implements the flush/read half of the on-disk
// metadata protocol described in internal/metadata: choose the slot not
// currently authoritative, serialize, size-check, write every block
// device, barrier, and only then declare the new timestamp durable.
// Nothing here decides *what* goes into a record; internal/pool and
// internal/thinpool own that.
package persistence

import (
	"fmt"
	"sync"
	"time"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/metadata"
)

// QuorumPolicy decides whether a flush across several devices succeeded.
// AllDevices is the spec's default and only supported policy today: any
// single failed write fails the whole flush, because a partial write
// across a pool's devices is exactly the divergent-history condition
// assembly cannot safely reconcile.
type QuorumPolicy int

const (
	AllDevices QuorumPolicy = iota
)

// Device is one block device participating in a pool's metadata flush:
// its identity, the handle persistence writes through, and the static
// header already read back from it during assembly or create.
type Device struct {
	UUID   stratisd.DeviceUUID
	Handle metadata.DeviceReaderWriter
	Header metadata.StaticHeader

	// current is the slot index this device's current read showed as
	// authoritative before this flush; -1 if the device had no valid
	// slot yet (a freshly initialized bd).
current int
}

// NewDevice wraps a just-read BDA as a persistence Device.
func NewDevice(uuid stratisd.DeviceUUID, handle metadata.DeviceReaderWriter, bda metadata.BDA) Device {
	return Device{UUID: uuid, Handle: handle, Header: bda.Header, current: bda.Current}
}

// Engine flushes metadata records to a pool's devices and keeps a
// non-authoritative local cache of the last successful flush per pool,
// purely so a restarting daemon can log "pool P was last seen at
// generation N" before discovery completes. The cache is never consulted
// to pick the authoritative record.
type Engine struct {
	Quorum QuorumPolicy
	cache  *Cache

	mu sync.Mutex
}

// New creates a persistence Engine. cache may be nil, in which case the
// restart-hint log line is simply skipped.
func New(cache *Cache) *Engine {
	return &Engine{Quorum: AllDevices, cache: cache}
}

// FlushResult reports, per device, whether the slot write succeeded, so
// a caller can distinguish "this one stale device needs a retry" from
// "every device failed."
type FlushResult struct {
	Timestamp time.Time
	Failed    []stratisd.DeviceUUID
}

// Flush writes record to the slot that is not currently authoritative on
// every device in devices, in any order, then declares the new timestamp
// durable only if the quorum policy is satisfied. devices is mutated in
// place: each Device's current field is advanced on a successful write so
// a subsequent Flush call targets the correct slot.
//
// On failure under AllDevices, the previous slot remains authoritative
// on every device (the write protocol never overwrites the current
// slot), so the caller's in-memory record must not be considered durable
// and the pool must move to NoRequests per spec.
func (e *Engine) Flush(poolUUID stratisd.PoolUUID, poolName string, devices []Device, record metadata.Record) (FlushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	var failed []stratisd.DeviceUUID

	for i := range devices {
		d := &devices[i]
		target := metadata.OtherSlot(d.current)
		if err := metadata.WriteSlot(d.Handle, d.Header, target, record, now); err != nil {
			failed = append(failed, d.UUID)
			continue
		}
		d.current = target
	}

	if len(failed) > 0 {
		switch e.Quorum {
		case AllDevices:
			return FlushResult{Failed: failed}, fmt.Errorf(
				"metadata flush for pool %s failed on %d of %d devices: quorum (all) not met",
				poolName, len(failed), len(devices))
		}
	}

	if e.cache != nil {
		if err := e.cache.Record(poolUUID, poolName, now); err != nil {
			// Purely a restart-hint cache; never fails the flush itself.
			return FlushResult{Timestamp: now}, nil
		}
	}
	return FlushResult{Timestamp: now}, nil
}

// ReadAuthoritative re-reads every device's BDA and picks the
// authoritative record per internal/metadata.SelectAuthoritative. Used by
// assembly (internal/discovery) rather than by ongoing mutation, which
// keeps the record in memory between flushes.
func ReadAuthoritative(devices []metadata.DeviceReaderWriter) (metadata.Record, []metadata.BDA, error) {
	bdas := make([]metadata.BDA, 0, len(devices))
	for _, dev := range devices {
		bda, err := metadata.ReadBDA(dev)
		if err != nil {
			continue // unreadable device: disowned, not fatal to the pool as a whole
		}
		bdas = append(bdas, bda)
	}
	rec, err := metadata.SelectAuthoritative(bdas)
	return rec, bdas, err
}
