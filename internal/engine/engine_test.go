package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/config"
	"github.com/stratis-storage/stratisd-go/internal/encryption"
	"github.com/stratis-storage/stratisd-go/internal/metadata"
)

// makeDeviceFile creates a sparse file of sizeBytes and returns its path,
// standing in for a raw block device without requiring root or a kernel
// loop device.
func makeDeviceFile(t *testing.T, dir, name string, sizeBytes int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create device file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("truncate device file: %v", err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend = config.BackendSim
	cfg.StateDir = ""
	cfg.DevlinksRoot = t.TempDir()
	cfg.ThinPoolExtendStepSectors = (1 << 20) / stratisd.SectorSize // 1 MiB, keeps test devices small
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("construct engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

const testDeviceBytes = 128 << 20 // 128 MiB: 5 MiB header + 32 MiB integrity + 32 MiB thin-pool metadata + 1 MiB extend step, with slack

func TestPoolCreateFilesystemSnapshotDestroy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}
	if summary.Name != "pool1" {
		t.Fatalf("unexpected pool name %q", summary.Name)
	}

	fs, err := e.FilesystemCreate(ctx, summary.UUID, "fs1", nil)
	if err != nil {
		t.Fatalf("filesystem create: %v", err)
	}

	snap, err := e.FilesystemSnapshot(ctx, summary.UUID, fs.UUID, "fs1-snap")
	if err != nil {
		t.Fatalf("filesystem snapshot: %v", err)
	}
	if snap.Origin == nil || *snap.Origin != fs.UUID {
		t.Fatalf("snapshot did not record origin filesystem")
	}

	if err := e.FilesystemDestroy(ctx, summary.UUID, snap.UUID); err != nil {
		t.Fatalf("destroy snapshot: %v", err)
	}
	if err := e.FilesystemDestroy(ctx, summary.UUID, fs.UUID); err != nil {
		t.Fatalf("destroy origin: %v", err)
	}
	if err := e.PoolDestroy(ctx, summary.UUID); err != nil {
		t.Fatalf("pool destroy: %v", err)
	}
	if _, ok := e.reg.Get(summary.UUID); ok {
		t.Fatalf("pool still registered after destroy")
	}
}

// TestPoolRestartReadsBackMetadata exercises spec's restart scenario: a
// pool is created and populated, its devices are read by a brand new
// engine (standing in for a fresh process), and StartPool reassembles
// the same pool and filesystem list from the on-disk record.
func TestPoolRestartReadsBackMetadata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	e1 := newTestEngine(t)
	summary, err := e1.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}
	if _, err := e1.FilesystemCreate(ctx, summary.UUID, "fs1", nil); err != nil {
		t.Fatalf("filesystem create: %v", err)
	}

	bda, err := e1.ReadDeviceBDA(ctx, devPath)
	if err != nil {
		t.Fatalf("read bda: %v", err)
	}
	record, err := metadata.SelectAuthoritative([]metadata.BDA{bda})
	if err != nil {
		t.Fatalf("select authoritative record: %v", err)
	}
	if record.Name != "pool1" {
		t.Fatalf("unexpected record name %q", record.Name)
	}

	e2 := newTestEngine(t)
	if err := e2.StartPool(ctx, record, []metadata.BDA{bda}); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	h, ok := e2.reg.Get(summary.UUID)
	if !ok {
		t.Fatalf("pool not registered after restart")
	}
	if len(h.Pool.Filesystems) != 1 {
		t.Fatalf("expected 1 filesystem to survive restart, got %d", len(h.Pool.Filesystems))
	}
}

// TestPoolStopStartRestoresFull exercises the sim-backend no-op path
// through checkHealthBeforeRestart: a pool degraded by SetAvailability
// and then pool_start'd in place must come back to Full without a real
// thin-pool device for the health check to inspect.
func TestPoolStopStartRestoresFull(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}
	h, _ := e.reg.Get(summary.UUID)
	if err := h.Pool.SetAvailability(stratisd.NoRequests); err != nil {
		t.Fatalf("degrade pool: %v", err)
	}

	if err := e.PoolStart(ctx, summary.UUID); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	if h.Pool.Availability != stratisd.Full {
		t.Fatalf("expected pool back at Full after restart, got %v", h.Pool.Availability)
	}
}

func TestPoolRename(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}
	if err := e.PoolRename(ctx, summary.UUID, "pool1-renamed"); err != nil {
		t.Fatalf("pool rename: %v", err)
	}
	h, ok := e.reg.Get(summary.UUID)
	if !ok || h.Pool.Name != "pool1-renamed" {
		t.Fatalf("pool rename did not stick")
	}
	if _, ok := e.reg.ByName("pool1"); ok {
		t.Fatalf("old pool name still resolves after rename")
	}
}

func TestPoolGrowAddsDataDevice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	dev0 := makeDeviceFile(t, dir, "dev0", testDeviceBytes)
	dev1 := makeDeviceFile(t, dir, "dev1", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{dev0})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}
	if err := e.PoolGrow(ctx, summary.UUID, []string{dev1}); err != nil {
		t.Fatalf("pool grow: %v", err)
	}
	h, ok := e.reg.Get(summary.UUID)
	if !ok {
		t.Fatalf("pool not found after grow")
	}
	if len(h.Pool.DataDevices) != 2 {
		t.Fatalf("expected 2 data devices after grow, got %d", len(h.Pool.DataDevices))
	}
}

// TestEncryptionBindUnlockRoundTrip exercises the sim encryption backend
// through the engine's request-handler surface end to end.
func TestEncryptionBindUnlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}

	unlocker := stratisd.PassphraseUnlocker{KeyDescription: "kd0"}
	h, _ := e.reg.Get(summary.UUID)
	extra := h.Extra.(*poolExtra)
	enc, err := e.ensureEncryptionContext(h, extra)
	if err != nil {
		t.Fatalf("ensure encryption context: %v", err)
	}
	simKeyring, ok := enc.Keyring.(encryption.SimKeyring)
	if !ok {
		t.Fatalf("expected sim keyring under the sim backend, got %T", enc.Keyring)
	}
	simKeyring.Slots.SetKeyringEntry("kd0", "hunter2")

	if err := e.EncryptionBind(ctx, summary.UUID, 0, unlocker); err != nil {
		t.Fatalf("encryption bind: %v", err)
	}

	if err := e.EncryptionUnlock(ctx, summary.UUID, nil); err != nil {
		t.Fatalf("encryption unlock: %v", err)
	}
}

// TestConcurrentFilesystemCreateIsSerialized fires many FilesystemCreate
// calls at once and checks the per-pool mailbox gives them distinct thin
// IDs and names with no data race, per spec §5's single-mutation-in-flight
// guarantee.
func TestConcurrentFilesystemCreateIsSerialized(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	dir := t.TempDir()
	devPath := makeDeviceFile(t, dir, "dev0", testDeviceBytes)

	summary, err := e.PoolCreate(ctx, "pool1", []string{devPath})
	if err != nil {
		t.Fatalf("pool create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.FilesystemCreate(ctx, summary.UUID, fmt.Sprintf("fs%d", i), nil)
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent create %d failed: %v", i, err)
		}
	}

	h, _ := e.reg.Get(summary.UUID)
	seen := map[uint32]bool{}
	for _, fs := range h.Pool.Filesystems {
		if seen[fs.ThinID] {
			t.Fatalf("duplicate thin ID %d across concurrent creates", fs.ThinID)
		}
		seen[fs.ThinID] = true
	}
	if len(h.Pool.Filesystems) != n {
		t.Fatalf("expected %d filesystems, got %d", n, len(h.Pool.Filesystems))
	}
}
