package engine

import (
	"context"
	"fmt"
	"time"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/config"
	"github.com/stratis-storage/stratisd-go/internal/encryption"
	"github.com/stratis-storage/stratisd-go/internal/pool"
	"github.com/stratis-storage/stratisd-go/internal/registry"
)

// translateUnlocker maps the root package's thin Unlocker shapes onto
// internal/encryption's richer ones; engine is the one package that
// imports both, so the translation lives here rather than in either.
func translateUnlocker(u stratisd.Unlocker) (encryption.Unlocker, error) {
	switch v := u.(type) {
	case stratisd.PassphraseUnlocker:
		return encryption.PassphraseUnlocker{KeyDescription: v.KeyDescription}, nil
	case stratisd.NetworkUnlocker:
		timeout := time.Duration(v.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return encryption.NetworkUnlocker{URL: v.URL, Thumbprint: v.Thumbprint, Timeout: timeout}, nil
	default:
		return nil, stratisd.NewError(stratisd.KindInput, fmt.Errorf("unrecognized unlocker type %T", u))
	}
}

// ensureEncryptionContext lazily builds extra.enc the first time a pool
// is bound, choosing the cryptsetup-backed slot file for the real
// backend or the in-memory one for the sim backend. The real backend's
// RealSlots targets the pool's first data device: every member device
// shares the same wrapped master key, so any one of them is a valid
// handle for cryptsetup slot operations.
func (e *Engine) ensureEncryptionContext(h *registry.Handle, extra *poolExtra) (*encryption.Context, error) {
	if extra.enc != nil {
		return extra.enc, nil
	}
	if len(h.Pool.DataDevices) == 0 {
		return nil, stratisd.NewPoolError(stratisd.KindInternal, h.Pool.UUID, fmt.Errorf("pool has no data devices to bind encryption against"))
	}
	var firstPath string
	for _, d := range h.Pool.DataDevices {
		firstPath = d.Path
		break
	}

	var (
		backend encryption.SlotFile
		keyring encryption.Keyring
		netCli  encryption.NetworkClient
	)
	if e.cfg.Backend == config.BackendReal {
		backend = &encryption.RealSlots{DevicePath: firstPath, Logger: e.logger}
		keyring = encryption.RealKeyring{}
		netCli = encryption.RealNetworkClient{}
	} else {
		sim := encryption.NewSimSlots()
		backend = sim
		keyring = encryption.SimKeyring{Slots: sim}
		netCli = encryption.SimNetworkClient{Slots: sim}
	}

	extra.enc = encryption.New(h.Pool, backend, keyring, netCli)
	return extra.enc, nil
}

// nextFreeSlot returns the lowest slot index not currently occupied in
// enc, the index EncryptionRebind installs the replacement material at.
func nextFreeSlot(enc *encryption.Context) int {
	used := map[int]bool{}
	for _, s := range enc.Slots() {
		used[s.Index] = true
	}
	n := 0
	for used[n] {
		n++
	}
	return n
}

// EncryptionBind implements stratisd.RequestHandler.
func (e *Engine) EncryptionBind(ctx context.Context, poolUUID stratisd.PoolUUID, slot int, unlocker stratisd.Unlocker) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpEncryptionBind, func(extra *poolExtra) error {
		enc, err := e.ensureEncryptionContext(h, extra)
		if err != nil {
			return err
		}
		translated, err := translateUnlocker(unlocker)
		if err != nil {
			return err
		}
		return enc.BindThenRecord(ctx, slot, translated, func(keyHex string) error {
			h.Pool.Encrypted = true
			return e.flush(h, extra)
		})
	})
}

// EncryptionUnbind implements stratisd.RequestHandler.
func (e *Engine) EncryptionUnbind(ctx context.Context, poolUUID stratisd.PoolUUID, slot int) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpEncryptionUnbind, func(extra *poolExtra) error {
		if extra.enc == nil {
			return stratisd.NewPoolError(stratisd.KindPrecondition, poolUUID, fmt.Errorf("pool is not encrypted"))
		}
		if err := extra.enc.Unbind(ctx, slot); err != nil {
			return err
		}
		if len(extra.enc.Slots()) == 0 {
			h.Pool.Encrypted = false
		}
		return e.flush(h, extra)
	})
}

// EncryptionRebind implements stratisd.RequestHandler: it replaces a
// slot's unlock material in place. Internally this installs the new
// material at a fresh slot index before removing the old one (spec
// §4.7's bind-before-unbind ordering), so the pool is never left with
// zero usable slots even if the process crashes mid-rebind.
func (e *Engine) EncryptionRebind(ctx context.Context, poolUUID stratisd.PoolUUID, slot int, unlocker stratisd.Unlocker) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpEncryptionRebind, func(extra *poolExtra) error {
		if extra.enc == nil {
			return stratisd.NewPoolError(stratisd.KindPrecondition, poolUUID, fmt.Errorf("pool is not encrypted"))
		}
		translated, err := translateUnlocker(unlocker)
		if err != nil {
			return err
		}
		newSlot := nextFreeSlot(extra.enc)
		if _, err := extra.enc.Rebind(ctx, slot, newSlot, translated); err != nil {
			return err
		}
		return e.flush(h, extra)
	})
}

// EncryptionUnlock implements stratisd.RequestHandler.
func (e *Engine) EncryptionUnlock(ctx context.Context, poolUUID stratisd.PoolUUID, slot *int) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpEncryptionUnlock, func(extra *poolExtra) error {
		if extra.enc == nil {
			return stratisd.NewPoolError(stratisd.KindPrecondition, poolUUID, fmt.Errorf("pool is not encrypted"))
		}
		_, attempts, err := extra.enc.Unlock(ctx, slot)
		if err != nil {
			e.logger.WithField("pool", h.Pool.Name).WithField("attempts", len(attempts)).Warn("encryption unlock failed on every tried slot")
			return err
		}
		return nil
	})
}
