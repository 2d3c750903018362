package thinpool

import (
	"context"
	"testing"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/allocator"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

func newTestManager(t *testing.T) (*Manager, *SimBackend) {
	t.Helper()
	p := pool.New(stratisd.NewPoolUUID(), "pA")
	dev := &pool.Device{
		UUID: stratisd.NewDeviceUUID(), Path: "/dev/fake0", Tier: "data",
		Size: 1 << 22, Free: allocator.NewFreeList(1 << 22),
	}
	p.DataDevices[dev.UUID] = dev
	backend := NewSimBackend()
	mgr := New(p, "pA-pool", "pA-thinmeta", "pA-thindata", backend, DefaultPolicy, nil)
	return mgr, backend
}

func TestCreateFilesystemNoSubprocess(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	fs, err := mgr.CreateFilesystem(ctx, "fs1", 2048, nil)
	if err != nil {
		t.Fatalf("create filesystem: %v", err)
	}
	if fs.Name != "fs1" || fs.ThinID != 0 {
		t.Fatalf("unexpected filesystem %+v", fs)
	}
	if _, ok := mgr.Pool.Filesystems[fs.UUID]; !ok {
		t.Fatalf("filesystem not recorded on pool")
	}
}

func TestCreateFilesystemDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if _, err := mgr.CreateFilesystem(ctx, "fs1", 2048, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.CreateFilesystem(ctx, "fs1", 2048, nil); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestSnapshotFilesystem(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	origin, err := mgr.CreateFilesystem(ctx, "fs1", 2048, nil)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := mgr.SnapshotFilesystem(ctx, origin.UUID, "fs1-snap")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Origin == nil || *snap.Origin != origin.UUID {
		t.Fatalf("snapshot did not record origin")
	}
	if snap.ThinID == origin.ThinID {
		t.Fatalf("snapshot reused origin thin ID")
	}
}

func TestDestroyFilesystem(t *testing.T) {
	ctx := context.Background()
	mgr, backend := newTestManager(t)

	fs, err := mgr.CreateFilesystem(ctx, "fs1", 2048, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.DestroyFilesystem(ctx, fs.UUID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := mgr.Pool.Filesystems[fs.UUID]; ok {
		t.Fatalf("filesystem still present after destroy")
	}
	if _, err := backend.CreateThin(ctx, mgr.PoolDevice, fs.ThinID, "pA-thin-0-again", 2048); err != nil {
		t.Fatalf("thin ID not freed for reuse: %v", err)
	}
}

func TestExtendDataLowGrowsFromFreeDevice(t *testing.T) {
	ctx := context.Background()
	mgr, backend := newTestManager(t)

	if err := mgr.HandleEvent(ctx, EventDataLow); err != nil {
		t.Fatalf("handle data-low event: %v", err)
	}
	table, ok := backend.Table("pA-thindata")
	if !ok {
		t.Fatalf("expected an extended table to be recorded for pA-thindata")
	}
	if table == "" {
		t.Fatalf("extended table is empty")
	}
}

func TestExtendFailsWhenNoFreeSpace(t *testing.T) {
	ctx := context.Background()
	p := pool.New(stratisd.NewPoolUUID(), "pB")
	dev := &pool.Device{
		UUID: stratisd.NewDeviceUUID(), Path: "/dev/fake0", Tier: "data",
		Size: 0, Free: allocator.NewFreeList(0),
	}
	p.DataDevices[dev.UUID] = dev
	mgr := New(p, "pB-pool", "pB-thinmeta", "pB-thindata", NewSimBackend(), DefaultPolicy, nil)

	if err := mgr.HandleEvent(ctx, EventDataLow); err == nil {
		t.Fatalf("expected extend to fail with no free space")
	}
	if p.Availability != stratisd.NoRequests {
		t.Fatalf("expected pool to degrade to NoRequests, got %v", p.Availability)
	}
}
