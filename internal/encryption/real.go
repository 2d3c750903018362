package encryption

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RealSlots shells out to cryptsetup for LUKS2 slot management, the same
// way devicemapper.Client shells out to dmsetup: one narrow command per
// operation, output parsed defensively, no automatic cleanup on failure.
type RealSlots struct {
	DevicePath string
	Logger     logrus.FieldLogger
}

func (r *RealSlots) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// AddSlot adds a LUKS2 keyslot. For a PassphraseUnlocker this calls
// `cryptsetup luksAddKey` with the key read from the description's
// keyring entry (resolved by the caller's Keyring before this is
// called); for a NetworkUnlocker it records only the policy document
// (cryptsetup itself knows nothing about network binding — that policy
// lives in the Stratis metadata layered on top, per spec §4.7).
func (r *RealSlots) AddSlot(ctx context.Context, slot int, unlocker Unlocker) (string, error) {
	switch u := unlocker.(type) {
	case PassphraseUnlocker:
		out, err := exec.CommandContext(ctx, "cryptsetup", "luksAddKey", "--key-slot", strconv.Itoa(slot), r.DevicePath).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("cryptsetup luksAddKey slot %d: %w (output: %s)", slot, err, out)
		}
	case NetworkUnlocker:
		// Network-bound slots still occupy a LUKS2 keyslot (the policy
		// server returns the passphrase material); the server round trip
		// itself happens in TryUnlock, not here.
		_ = u
	default:
		return "", fmt.Errorf("unrecognized unlocker kind for slot %d", slot)
	}
	out, err := exec.CommandContext(ctx, "cryptsetup", "luksDump", "--dump-volume-key", "--key-slot", strconv.Itoa(slot), r.DevicePath).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("dump volume key for slot %d: %w (output: %s)", slot, err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *RealSlots) RemoveSlot(ctx context.Context, slot int) error {
	out, err := exec.CommandContext(ctx, "cryptsetup", "luksKillSlot", r.DevicePath, strconv.Itoa(slot)).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "is not valid") {
		return fmt.Errorf("cryptsetup luksKillSlot %d: %w (output: %s)", slot, err, out)
	}
	return nil
}

func (r *RealSlots) TryUnlock(ctx context.Context, slot int, unlocker Unlocker) (string, error) {
	switch unlocker.(type) {
	case PassphraseUnlocker:
		out, err := exec.CommandContext(ctx, "cryptsetup", "luksOpen", "--key-slot", strconv.Itoa(slot), "--test-passphrase", r.DevicePath).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("luksOpen test for slot %d: %w (output: %s)", slot, err, out)
		}
		return "", nil
	default:
		return "", fmt.Errorf("slot %d: TryUnlock for this unlocker kind requires a prior network round trip", slot)
	}
}

// RealKeyring shells out to `keyctl` to resolve a passphrase by
// description from the operator's session keyring.
type RealKeyring struct{}

func (RealKeyring) Lookup(ctx context.Context, description string) (string, bool, error) {
	id, err := exec.CommandContext(ctx, "keyctl", "search", "@s", "user", description).CombinedOutput()
	if err != nil {
		return "", false, nil // absent key is a normal "not found", not an error
	}
	out, err := exec.CommandContext(ctx, "keyctl", "pipe", strings.TrimSpace(string(id))).CombinedOutput()
	if err != nil {
		return "", false, fmt.Errorf("keyctl pipe %s: %w", description, err)
	}
	return string(out), true, nil
}

// RealNetworkClient performs the bounded HTTPS round trip for a
// network/TPM-bound unlocker: fetch the policy server's response and let
// the caller compare its thumbprint.
type RealNetworkClient struct{}

func (RealNetworkClient) Fetch(ctx context.Context, url string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request to %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unlock server %s returned status %d", url, resp.StatusCode)
	}
	return resp.Header.Get("X-Thumbprint"), nil
}
