package encryption

import (
	"context"
	"testing"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

func newCtx(t *testing.T) (*Context, *SimSlots) {
	t.Helper()
	p := pool.New(stratisd.NewPoolUUID(), "pA")
	sim := NewSimSlots()
	return New(p, sim, SimKeyring{Slots: sim}, SimNetworkClient{Slots: sim}), sim
}

func TestBindUnbindRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, sim := newCtx(t)
	sim.SetKeyringEntry("kd0", "hunter2")

	if _, err := c.Bind(ctx, 0, PassphraseUnlocker{KeyDescription: "kd0"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	sim.SetKeyringEntry("kd1", "hunter3")
	if _, err := c.Bind(ctx, 1, PassphraseUnlocker{KeyDescription: "kd1"}); err != nil {
		t.Fatalf("bind second slot: %v", err)
	}
	if err := c.Unbind(ctx, 1); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if len(c.Slots()) != 1 {
		t.Fatalf("expected 1 slot after unbind, got %d", len(c.Slots()))
	}
}

func TestUnbindLastSlotRejected(t *testing.T) {
	ctx := context.Background()
	c, sim := newCtx(t)
	sim.SetKeyringEntry("kd0", "hunter2")
	if _, err := c.Bind(ctx, 0, PassphraseUnlocker{KeyDescription: "kd0"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Unbind(ctx, 0); err == nil {
		t.Fatalf("expected unbind of last slot to be rejected")
	}
}

// TestUnlockFallsThroughToNetwork is end-to-end scenario 4 from spec §8:
// passphrase slot's keyring entry is cleared, so unlock must fall
// through to the network-bound slot.
func TestUnlockFallsThroughToNetwork(t *testing.T) {
	ctx := context.Background()
	c, sim := newCtx(t)
	sim.SetKeyringEntry("kd0", "hunter2")
	if _, err := c.Bind(ctx, 0, PassphraseUnlocker{KeyDescription: "kd0"}); err != nil {
		t.Fatal(err)
	}
	sim.SetNetworkResponse("https://kms.example/v1", "a6thumb")
	if _, err := c.Bind(ctx, 1, NetworkUnlocker{URL: "https://kms.example/v1", Thumbprint: "a6thumb"}); err != nil {
		t.Fatal(err)
	}

	sim.ClearKeyringEntry("kd0")

	_, attempts, err := c.Unlock(ctx, nil)
	if err != nil {
		t.Fatalf("unlock should have fallen through to the network slot: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Kind != KindPassphrase {
		t.Fatalf("expected exactly one failed passphrase attempt before success, got %+v", attempts)
	}
}
