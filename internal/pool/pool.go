// Package pool implements the per-pool state machine: ActionAvailability
// gating (spec §4.5), the in-memory view of a pool's devices and
// filesystems, and the declarative floor table every mutating engine
// operation is checked against before it is allowed to run.
package pool

import (
	"fmt"
	"sync"
	"time"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/allocator"
)

// Operation names the floor table is keyed on. Kept as a distinct type
// (not a bare string) so a typo in a call site fails to compile against
// the wrong constant rather than silently missing the table.
type Operation string

const (
	OpPoolCreate             Operation = "pool_create"
	OpPoolDestroy            Operation = "pool_destroy"
	OpPoolStart              Operation = "pool_start"
	OpPoolStop               Operation = "pool_stop"
	OpPoolRename             Operation = "pool_rename"
	OpPoolGrow               Operation = "pool_grow"
	OpFilesystemCreate       Operation = "filesystem_create"
	OpFilesystemDestroy      Operation = "filesystem_destroy"
	OpFilesystemSnapshot     Operation = "filesystem_snapshot"
	OpFilesystemRename       Operation = "filesystem_rename"
	OpFilesystemSetSizeLimit Operation = "filesystem_set_size_limit"
	OpEncryptionBind         Operation = "encryption_bind"
	OpEncryptionUnbind       Operation = "encryption_unbind"
	OpEncryptionRebind       Operation = "encryption_rebind"
	OpEncryptionUnlock       Operation = "encryption_unlock"
	OpMetadataRead           Operation = "metadata_read"
)

// floors is the source-of-truth classification of every mutating
// operation by required ActionAvailability (spec §4.5's "proc-macro" is
// realized here as a plain map built at init time; the contract —
// operations below their floor are rejected before any side effect — is
// what matters, not the mechanism).
var floors = map[Operation]stratisd.ActionAvailability{
	OpPoolCreate:             stratisd.Full,
	OpPoolDestroy:            stratisd.MaintenanceMode,
	OpPoolStart:              stratisd.MaintenanceMode,
	OpPoolStop:               stratisd.MaintenanceMode,
	OpPoolRename:             stratisd.NoRequests,
	OpPoolGrow:               stratisd.Full,
	OpFilesystemCreate:       stratisd.Full,
	OpFilesystemDestroy:      stratisd.NoRequests,
	OpFilesystemSnapshot:     stratisd.Full,
	OpFilesystemRename:       stratisd.NoRequests,
	OpFilesystemSetSizeLimit: stratisd.Full,
	OpEncryptionBind:         stratisd.Full,
	OpEncryptionUnbind:       stratisd.Full,
	OpEncryptionRebind:       stratisd.Full,
	OpEncryptionUnlock:       stratisd.NoRequests,
	OpMetadataRead:           stratisd.MaintenanceMode,
}

// Floor returns the required ActionAvailability for op. Operations absent
// from the table default to Full (the most conservative: unrecognized is
// treated as mutating), so adding a new engine operation without
// registering its floor fails safe rather than fails open.
func Floor(op Operation) stratisd.ActionAvailability {
	if f, ok := floors[op]; ok {
		return f
	}
	return stratisd.Full
}

// Device is the in-memory view of one block device belonging to a pool.
type Device struct {
	UUID   stratisd.DeviceUUID
	Path   string
	Tier   string // "data" or "cache", never reassigned once set
	Size   stratisd.Sectors
	Free   *allocator.FreeList
	Integrity stratisd.Sectors // reserved integrity region, sectors
}

// Filesystem is the in-memory view of one thin filesystem.
type Filesystem struct {
	UUID      stratisd.FilesystemUUID
	Name      string
	ThinID    uint32
	SizeLimit *stratisd.Bytes
	Origin    *stratisd.FilesystemUUID
	UsedBytes stratisd.Bytes
	CreatedAt time.Time
}

// Pool is the in-memory state of one pool: its devices, filesystems, and
// ActionAvailability. Every mutating method takes pool.mu for the
// duration of the mutation; internal/engine's per-pool mailbox goroutine
// is what actually guarantees spec §5's "no two mutations on the same
// pool ever interleave" property, but Pool's own lock makes that true
// even if a caller bypasses the mailbox (e.g. in a unit test).
type Pool struct {
	mu sync.Mutex

	UUID         stratisd.PoolUUID
	Name         string
	Availability stratisd.ActionAvailability
	Encrypted    bool

	DataDevices  map[stratisd.DeviceUUID]*Device
	CacheDevices map[stratisd.DeviceUUID]*Device
	Filesystems  map[stratisd.FilesystemUUID]*Filesystem

	// started counts stop+start cycles. A transition to a more permissive
	// state is only legal if it happens within the same started
	// "epoch" as a fresh Start call, i.e. never: once a pool degrades
	// within a process lifetime it stays degraded until Stop+Start.
	started int
}

// New creates an empty pool in the Full state (a pool is only ever
// constructed by PoolCreate or by PoolStart during assembly, both of
// which start it fresh).
func New(uuid stratisd.PoolUUID, name string) *Pool {
	return &Pool{
		UUID:         uuid,
		Name:         name,
		Availability: stratisd.Full,
		DataDevices:  make(map[stratisd.DeviceUUID]*Device),
		CacheDevices: make(map[stratisd.DeviceUUID]*Device),
		Filesystems:  make(map[stratisd.FilesystemUUID]*Filesystem),
		started:      1,
	}
}

// Admit checks whether op is currently permitted, returning a
// Precondition error naming op and the pool's current/required
// availability if not. It takes no lock of its own visible effect beyond
// the read; callers that go on to mutate must still hold pool.mu for the
// whole operation so the check-then-act is atomic.
func (p *Pool) Admit(op Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitLocked(op)
}

func (p *Pool) admitLocked(op Operation) error {
	required := Floor(op)
	if !p.Availability.Admits(required) {
		return stratisd.NewPoolError(stratisd.KindPrecondition, p.UUID,
			fmt.Errorf("operation %s requires availability at least %s, pool is %s", op, required, p.Availability))
	}
	return nil
}

// Lock acquires the pool's mutation lock and returns an unlock func,
// letting internal/engine and internal/thinpool wrap a whole multi-step
// mutation (allocate -> reload DM tables -> flush metadata) atomically
// instead of re-locking per step.
func (p *Pool) Lock() func() {
	p.mu.Lock()
	return p.mu.Unlock
}

// SetAvailability transitions the pool to next. Per spec §4.5, a
// transition within the same started epoch may only move to a state that
// is no more permissive than the current one; the single legal path back
// to Full is Restart, the stop+start cycle, which increments started.
func (p *Pool) SetAvailability(next stratisd.ActionAvailability) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAvailabilityLocked(next)
}

func (p *Pool) setAvailabilityLocked(next stratisd.ActionAvailability) error {
	if rank(next) > rank(p.Availability) {
		return fmt.Errorf("pool %s: refusing to transition %s -> %s without a stop+start cycle", p.Name, p.Availability, next)
	}
	p.Availability = next
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

// EnterMaintenanceMode is the one way a pool ever reaches
// MaintenanceMode: a mutation's rollback has itself failed. It is always
// legal (MaintenanceMode is the least permissive state) and is meant to
// be called before the failing mutation returns to its caller, never
// after an intervening yield point, so no other goroutine can observe
// the pool between "rollback failed" and "pool now refuses everything."
func (p *Pool) EnterMaintenanceMode(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Availability = stratisd.MaintenanceMode
	_ = cause // surfaced by the caller's returned error; recorded here only via state
}

// Restart resets the pool to Full and starts a new started epoch,
// re-permitting mutations that were refused after a degradation. This is
// the only operation that can increase Availability; it models "stop
// then start."
func (p *Pool) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Availability = stratisd.Full
	p.started++
}

// TotalFree sums free sectors across every data device, the figure
// internal/thinpool consults when deciding whether a low-water extension
// can be satisfied.
func (p *Pool) TotalFree() stratisd.Sectors {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total stratisd.Sectors
	for _, d := range p.DataDevices {
		total += d.Free.Free()
	}
	return total
}

// NameInUse reports whether name is already used by another filesystem
// in the pool (spec §8: "names unique ... within a pool").
func (p *Pool) NameInUse(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fs := range p.Filesystems {
		if fs.Name == name {
			return true
		}
	}
	return false
}

// ThinIDInUse reports whether id is already assigned to a filesystem.
func (p *Pool) ThinIDInUse(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fs := range p.Filesystems {
		if fs.ThinID == id {
			return true
		}
	}
	return false
}

// NextThinID returns the lowest thin ID not currently assigned in the
// pool, so thin IDs are allocated densely and deterministically.
func (p *Pool) NextThinID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := make(map[uint32]bool, len(p.Filesystems))
	for _, fs := range p.Filesystems {
		used[fs.ThinID] = true
	}
	var id uint32
	for used[id] {
		id++
	}
	return id
}
