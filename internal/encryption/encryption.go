// Package encryption implements the per-pool token slot lifecycle of
// spec §4.7: passphrase and network/TPM-bound unlockers, bind/unbind/
// rebind with the bind-fails-then-unbind-rollback-fails escalation to
// MaintenanceMode, and unlock's deterministic slot-trial order.
package encryption

import (
	"context"
	"fmt"
	"sort"
	"time"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

// SlotKind distinguishes the two unlocker shapes spec §4.7 describes.
type SlotKind string

const (
	KindPassphrase SlotKind = "passphrase"
	KindNetwork    SlotKind = "network"
)

// Unlocker is implemented by PassphraseUnlocker and NetworkUnlocker.
type Unlocker interface {
	Kind() SlotKind
}

// PassphraseUnlocker references a key description that must be present
// in the operator's keyring at unlock time; stratisd-go never stores the
// passphrase itself, only this reference.
type PassphraseUnlocker struct {
	KeyDescription string
}

func (PassphraseUnlocker) Kind() SlotKind { return KindPassphrase }

// NetworkUnlocker references a network/TPM-bound policy document: a
// server URL and the thumbprint (or TPM policy digest) expected back.
type NetworkUnlocker struct {
	URL        string
	Thumbprint string
	Timeout    time.Duration
}

func (NetworkUnlocker) Kind() SlotKind { return KindNetwork }

// Keyring is the narrow seam onto the operator's kernel keyring a
// PassphraseUnlocker is checked against. RealKeyring shells out to
// `keyctl`; SimKeyring (sim.go) is an in-memory map for tests.
type Keyring interface {
	Lookup(ctx context.Context, description string) (passphrase string, ok bool, err error)
}

// NetworkClient performs the bounded HTTPS round trip a NetworkUnlocker
// needs. RealNetworkClient (real.go) uses net/http; SimNetworkClient
// (sim.go) is a canned-response stub for tests.
type NetworkClient interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (thumbprint string, err error)
}

// SlotFile is the narrow seam onto the LUKS2 (or, in the sim backend, an
// in-memory wrapped-key table) slot storage: adding, removing, and testing a
// slot's usable unlock material. RealSlots (real.go) shells out to
// cryptsetup; SimSlots (sim.go) wraps the pool's master key with
// argon2/chacha20poly1305 entirely in memory.
type SlotFile interface {
	// AddSlot installs unlocker's material into slot, returning the
	// unwrapped key on success so the caller can build a CryptTable.
	AddSlot(ctx context.Context, slot int, unlocker Unlocker) (keyHex string, err error)
	// RemoveSlot destroys a slot's material. Idempotent: removing an
	// absent slot is not an error.
	RemoveSlot(ctx context.Context, slot int) error
	// TryUnlock attempts to recover the key material from slot using
	// unlocker, returning the unwrapped key on success.
	TryUnlock(ctx context.Context, slot int, unlocker Unlocker) (keyHex string, err error)
}

// Slot is one occupied token slot's bookkeeping (no key material).
type Slot struct {
	Index    int
	Unlocker Unlocker
}

// Context is a pool's encryption state: its occupied slots and the
// backend that actually performs LUKS2/sim slot operations.
type Context struct {
	Pool    *pool.Pool
	Backend SlotFile
	Keyring Keyring
	Net     NetworkClient

	slots map[int]Slot
}

// New creates an encryption Context with no slots bound yet. Per spec
// §3's encryption-context invariant, at least one slot must exist before
// the pool is considered encrypted; callers bind the first slot
// immediately after calling New.
func New(p *pool.Pool, backend SlotFile, keyring Keyring, net NetworkClient) *Context {
	return &Context{Pool: p, Backend: backend, Keyring: keyring, Net: net, slots: map[int]Slot{}}
}

// Restore rebuilds a Context's slot bookkeeping from a persisted slot
// list, for assembly: the slot material itself already lives in the
// backend (a real LUKS2 header, or whatever the sim backend's own
// restart story provides), Restore only repopulates which slots exist
// and what each one's Unlocker looks like so Unlock can try them.
func Restore(p *pool.Pool, backend SlotFile, keyring Keyring, net NetworkClient, slots []Slot) *Context {
	c := New(p, backend, keyring, net)
	for _, s := range slots {
		c.slots[s.Index] = s
	}
	return c
}

// Slots returns the currently occupied slot indices, in ascending order.
func (c *Context) Slots() []Slot {
	out := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Bind installs a new slot. If the underlying LUKS2 write succeeds, the
// slot is recorded; if it fails, there is nothing to roll back (the
// write itself failed, so no Stratis metadata was ever touched). The
// rollback path spec §4.7 describes applies to a failure that happens
// *after* the LUKS2 write succeeds but before the caller durably records
// the slot (see BindThenRecord).
func (c *Context) Bind(ctx context.Context, slot int, unlocker Unlocker) (keyHex string, err error) {
	if err := c.Pool.Admit(pool.OpEncryptionBind); err != nil {
		return "", err
	}
	if _, exists := c.slots[slot]; exists {
		return "", stratisd.NewPoolError(stratisd.KindInput, c.Pool.UUID, fmt.Errorf("slot %d already occupied", slot))
	}
	keyHex, err = c.Backend.AddSlot(ctx, slot, unlocker)
	if err != nil {
		return "", stratisd.NewPoolError(stratisd.KindEnvironment, c.Pool.UUID, fmt.Errorf("bind slot %d: %w", slot, err))
	}
	c.slots[slot] = Slot{Index: slot, Unlocker: unlocker}
	return keyHex, nil
}

// BindThenRecord wraps Bind with spec §4.7's rollback contract: record is
// the caller's durable-metadata-write step. If it fails after a
// successful LUKS2 bind, Unbind(slot) is attempted as a rollback; if that
// rollback also fails, the pool is escalated to MaintenanceMode, since
// in-memory and on-disk slot state may now disagree.
func (c *Context) BindThenRecord(ctx context.Context, slot int, unlocker Unlocker, record func(keyHex string) error) error {
	keyHex, err := c.Bind(ctx, slot, unlocker)
	if err != nil {
		return err
	}
	if err := record(keyHex); err != nil {
		if uerr := c.unbindLocked(ctx, slot); uerr != nil {
			c.Pool.EnterMaintenanceMode(uerr)
			return stratisd.NewPoolError(stratisd.KindInternal, c.Pool.UUID,
				fmt.Errorf("bind slot %d: metadata record failed (%v) and rollback unbind also failed (%v)", slot, err, uerr))
		}
		return stratisd.NewPoolError(stratisd.KindEnvironment, c.Pool.UUID, fmt.Errorf("bind slot %d: metadata record failed: %w", slot, err))
	}
	return nil
}

// Unbind removes a slot, rejected if it would leave the pool with zero
// slots (spec §4.7).
func (c *Context) Unbind(ctx context.Context, slot int) error {
	if err := c.Pool.Admit(pool.OpEncryptionUnbind); err != nil {
		return err
	}
	if len(c.slots) <= 1 {
		if _, exists := c.slots[slot]; exists {
			return stratisd.NewPoolError(stratisd.KindPrecondition, c.Pool.UUID, fmt.Errorf("refusing to remove the last encryption slot"))
		}
	}
	return c.unbindLocked(ctx, slot)
}

func (c *Context) unbindLocked(ctx context.Context, slot int) error {
	if err := c.Backend.RemoveSlot(ctx, slot); err != nil {
		return fmt.Errorf("remove slot %d: %w", slot, err)
	}
	delete(c.slots, slot)
	return nil
}

// Rebind is logically bind-then-unbind: the new slot must be usable
// before the old one is destroyed, so a crash mid-rebind never leaves
// the pool with zero usable slots.
func (c *Context) Rebind(ctx context.Context, oldSlot, newSlot int, unlocker Unlocker) (keyHex string, err error) {
	if err := c.Pool.Admit(pool.OpEncryptionRebind); err != nil {
		return "", err
	}
	keyHex, err = c.Backend.AddSlot(ctx, newSlot, unlocker)
	if err != nil {
		return "", stratisd.NewPoolError(stratisd.KindEnvironment, c.Pool.UUID, fmt.Errorf("rebind: install new slot %d: %w", newSlot, err))
	}
	c.slots[newSlot] = Slot{Index: newSlot, Unlocker: unlocker}

	if err := c.unbindLocked(ctx, oldSlot); err != nil {
		c.Pool.EnterMaintenanceMode(err)
		return "", stratisd.NewPoolError(stratisd.KindInternal, c.Pool.UUID, fmt.Errorf("rebind: new slot %d is usable but removing old slot %d failed: %w", newSlot, oldSlot, err))
	}
	return keyHex, nil
}

// UnlockAttempt records why one slot's unlock attempt failed, so a
// caller whose whole Unlock call fails can report every slot tried.
type UnlockAttempt struct {
	Slot int
	Kind SlotKind
	Err  error
}

// Unlock tries slots in the deterministic order spec §4.7 specifies:
// an explicit override first if given, else passphrase slots before
// network-bound slots (each group in ascending slot-index order).
// Unlocking an already-unlocked pool is idempotent; callers detect that
// case themselves (Context carries no "locked" bit of its own).
func (c *Context) Unlock(ctx context.Context, override *int) (keyHex string, attempts []UnlockAttempt, err error) {
	order := c.trialOrder(override)
	for _, s := range order {
		key, aerr := c.Backend.TryUnlock(ctx, s.Index, s.Unlocker)
		if aerr == nil {
			return key, attempts, nil
		}
		attempts = append(attempts, UnlockAttempt{Slot: s.Index, Kind: s.Unlocker.Kind(), Err: aerr})
	}
	return "", attempts, stratisd.NewPoolError(stratisd.KindEnvironment, c.Pool.UUID,
		fmt.Errorf("unlock failed: tried %d slot(s), none succeeded", len(attempts)))
}

func (c *Context) trialOrder(override *int) []Slot {
	all := c.Slots()
	if override != nil {
		for _, s := range all {
			if s.Index == *override {
				return []Slot{s}
			}
		}
		return nil
	}
	var passphrase, network []Slot
	for _, s := range all {
		if s.Unlocker.Kind() == KindPassphrase {
			passphrase = append(passphrase, s)
		} else {
			network = append(network, s)
		}
	}
	return append(passphrase, network...)
}
