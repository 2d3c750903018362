// Package registry implements the process-wide pool registry (spec §9's
// "global mutable state... the only process-wide mutable structure"): a
// map from pool UUID to pool handle, guarded by a reader/writer lock so
// many concurrent property reads never block each other, with a unique
// index on pool name enforcing spec §8's "names unique across live
// pools" invariant.
package registry

import (
	"fmt"
	"sort"
	"sync"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

// Handle is one entry in the registry, shared by pointer with no
// reference count (Remove drops it whatever other holders remain): the pool's state
// machine plus whatever per-pool resources the engine keeps alive for as
// long as the pool is registered (its mailbox channel, thin-pool manager,
// encryption context, devicemapper client). internal/engine populates
// Extra; registry itself only cares about UUID/Name for indexing.
type Handle struct {
	Pool  *pool.Pool
	Extra any
}

// Registry is the pool-UUID-indexed, name-uniqueness-enforcing table of
// every pool known to this process, whether Running, Stopped, or
// mid-assembly. It is the single piece of process-wide mutable state the
// engine holds; everything else is reached through a Handle obtained
// here and is itself owned by a per-pool mailbox goroutine.
type Registry struct {
	mu      sync.RWMutex
	byUUID  map[stratisd.PoolUUID]*Handle
	nameIdx map[string]stratisd.PoolUUID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byUUID:  make(map[stratisd.PoolUUID]*Handle),
		nameIdx: make(map[string]stratisd.PoolUUID),
	}
}

// Insert adds a new handle under uuid/name, failing if either the UUID or
// the name is already registered. Names are unique across every live pool
// regardless of state (Stopped pools still reserve their name), matching
// spec §8.
func (r *Registry) Insert(uuid stratisd.PoolUUID, name string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUUID[uuid]; ok {
		return fmt.Errorf("registry: pool %s already registered", uuid)
	}
	if _, ok := r.nameIdx[name]; ok {
		return stratisd.NewError(stratisd.KindInput, fmt.Errorf("pool name %q already in use", name))
	}
	r.byUUID[uuid] = h
	r.nameIdx[name] = uuid
	return nil
}

// Get returns the handle for uuid, or ok=false if no pool with that UUID
// is registered.
func (r *Registry) Get(uuid stratisd.PoolUUID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUUID[uuid]
	return h, ok
}

// ByName returns the handle registered under name, or ok=false.
func (r *Registry) ByName(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok := r.nameIdx[name]
	if !ok {
		return nil, false
	}
	return r.byUUID[uuid], true
}

// Rename updates the name index for uuid from oldName to newName,
// failing without effect if newName is already taken by a different
// pool. Callers are expected to have already updated h.Pool.Name; Rename
// only maintains the registry's own index.
func (r *Registry) Rename(uuid stratisd.PoolUUID, oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nameIdx[newName]; ok && existing != uuid {
		return stratisd.NewError(stratisd.KindInput, fmt.Errorf("pool name %q already in use", newName))
	}
	delete(r.nameIdx, oldName)
	r.nameIdx[newName] = uuid
	return nil
}

// Remove deletes uuid's entry from both indexes. Called only by
// pool_destroy, after every device has been wiped.
func (r *Registry) Remove(uuid stratisd.PoolUUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUUID, uuid)
	delete(r.nameIdx, name)
}

// List returns every registered handle, sorted by pool name for
// deterministic iteration (property reads, status dumps).
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.byUUID))
	for _, h := range r.byUUID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool.Name < out[j].Pool.Name })
	return out
}

// NameTaken reports whether name is already registered to any pool.
func (r *Registry) NameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nameIdx[name]
	return ok
}
