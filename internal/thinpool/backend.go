package thinpool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/stratis-storage/stratisd-go/devicemapper"
)

// Backend is the narrow seam Manager uses to reach the kernel's
// thin-pool driver: create/snapshot/delete a thin device, reload a
// linear table on extend, and format a freshly created volume.
// RealBackend shells out to dmsetup/mkfs exactly as the teacher's
// devicemapper.Client always has; SimBackend keeps the equivalent
// bookkeeping in memory, so Manager is unit-testable without root or a
// live thin-pool device.
type Backend interface {
	CreateThin(ctx context.Context, poolDevice string, thinID uint32, deviceName string, sectorCount uint64) (*devicemapper.DeviceInfo, error)
	CreateSnapshotSafe(ctx context.Context, poolDevice, originDeviceName string, snapID, originID uint32) error
	CreateTable(ctx context.Context, name, table string) (*devicemapper.DeviceInfo, error)
	DeleteThin(ctx context.Context, poolDevice string, thinID uint32) error
	ReloadTable(ctx context.Context, name, table string) error
	GetDevicePath(name string) string
	FormatFilesystem(ctx context.Context, mkfsCommand, devicePath string) error
}

// RealBackend wraps a devicemapper.Client, reaching the kernel exactly
// as the teacher's thin-pool code always did.
type RealBackend struct {
	Client *devicemapper.Client
}

func (b RealBackend) CreateThin(ctx context.Context, poolDevice string, thinID uint32, deviceName string, sectorCount uint64) (*devicemapper.DeviceInfo, error) {
	return b.Client.CreateThin(ctx, poolDevice, thinID, deviceName, sectorCount)
}

func (b RealBackend) CreateSnapshotSafe(ctx context.Context, poolDevice, originDeviceName string, snapID, originID uint32) error {
	return b.Client.CreateSnapshotSafe(ctx, poolDevice, originDeviceName, snapID, originID)
}

func (b RealBackend) CreateTable(ctx context.Context, name, table string) (*devicemapper.DeviceInfo, error) {
	return b.Client.CreateTable(ctx, name, table)
}

func (b RealBackend) DeleteThin(ctx context.Context, poolDevice string, thinID uint32) error {
	return b.Client.DeleteThin(ctx, poolDevice, thinID)
}

func (b RealBackend) ReloadTable(ctx context.Context, name, table string) error {
	return b.Client.ReloadTable(ctx, name, table)
}

func (b RealBackend) GetDevicePath(name string) string {
	return b.Client.GetDevicePath(name)
}

func (b RealBackend) FormatFilesystem(ctx context.Context, mkfsCommand, devicePath string) error {
	if mkfsCommand == "" {
		return nil
	}
	out, err := exec.CommandContext(ctx, mkfsCommand, devicePath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", mkfsCommand, devicePath, err, out)
	}
	return nil
}

// simThin is one thin device's bookkeeping inside SimBackend.
type simThin struct {
	poolDevice  string
	sectorCount uint64
	origin      *uint32
	formatted   bool
}

// SimBackend stands in for the kernel's thin-pool driver: it tracks
// which thin IDs exist, their origin relationships, and their formatted
// state, all in memory. It never runs dmsetup, mkfs, or any other
// external command.
type SimBackend struct {
	mu     sync.Mutex
	thins  map[uint32]*simThin
	tables map[string]string // device name -> last loaded/reloaded table
}

// NewSimBackend returns a SimBackend with no thin devices yet created.
func NewSimBackend() *SimBackend {
	return &SimBackend{thins: map[uint32]*simThin{}, tables: map[string]string{}}
}

func (b *SimBackend) CreateThin(ctx context.Context, poolDevice string, thinID uint32, deviceName string, sectorCount uint64) (*devicemapper.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.thins[thinID]; exists {
		return nil, &devicemapper.DeviceExistsError{DeviceID: fmt.Sprintf("%d", thinID)}
	}
	b.thins[thinID] = &simThin{poolDevice: poolDevice, sectorCount: sectorCount}
	b.tables[deviceName] = devicemapper.ThinTable(sectorCount, poolDevice, thinID)
	return &devicemapper.DeviceInfo{Name: deviceName, DevicePath: b.GetDevicePath(deviceName), Active: true}, nil
}

func (b *SimBackend) CreateSnapshotSafe(ctx context.Context, poolDevice, originDeviceName string, snapID, originID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	origin, ok := b.thins[originID]
	if !ok {
		return &devicemapper.DeviceNotFoundError{DeviceID: fmt.Sprintf("%d", originID)}
	}
	if _, exists := b.thins[snapID]; exists {
		return &devicemapper.DeviceExistsError{DeviceID: fmt.Sprintf("%d", snapID)}
	}
	originCopy := originID
	b.thins[snapID] = &simThin{poolDevice: poolDevice, sectorCount: origin.sectorCount, origin: &originCopy, formatted: origin.formatted}
	return nil
}

func (b *SimBackend) CreateTable(ctx context.Context, name, table string) (*devicemapper.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = table
	return &devicemapper.DeviceInfo{Name: name, DevicePath: b.GetDevicePath(name), Active: true}, nil
}

func (b *SimBackend) DeleteThin(ctx context.Context, poolDevice string, thinID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.thins, thinID)
	return nil
}

func (b *SimBackend) ReloadTable(ctx context.Context, name, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = table
	return nil
}

func (b *SimBackend) GetDevicePath(name string) string {
	return "/dev/mapper/" + name
}

func (b *SimBackend) FormatFilesystem(ctx context.Context, mkfsCommand, devicePath string) error {
	return nil
}

// Table returns the last table loaded for a sim device name, for tests
// that want to assert on the extend step's emitted table string.
func (b *SimBackend) Table(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	return t, ok
}
