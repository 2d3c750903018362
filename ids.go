package stratisd

import (
	"fmt"

	"github.com/google/uuid"
)

// PoolUUID, DeviceUUID, and FilesystemUUID wrap uuid.UUID in distinct Go
// types so the compiler rejects passing a device UUID where a pool UUID
// is expected, even though both are 128-bit values underneath.

type PoolUUID uuid.UUID

// NewPoolUUID allocates a fresh random pool UUID.
func NewPoolUUID() PoolUUID { return PoolUUID(uuid.New()) }

// ParsePoolUUID parses a canonical UUID string as a pool UUID.
func ParsePoolUUID(s string) (PoolUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PoolUUID{}, fmt.Errorf("parse pool uuid: %w", err)
	}
	return PoolUUID(u), nil
}

func (p PoolUUID) String() string { return uuid.UUID(p).String() }

// IsNil reports whether p is the zero UUID (never a live pool's identity).
func (p PoolUUID) IsNil() bool { return uuid.UUID(p) == uuid.Nil }

type DeviceUUID uuid.UUID

// NewDeviceUUID allocates a fresh random block device UUID.
func NewDeviceUUID() DeviceUUID { return DeviceUUID(uuid.New()) }

// ParseDeviceUUID parses a canonical UUID string as a device UUID.
func ParseDeviceUUID(s string) (DeviceUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceUUID{}, fmt.Errorf("parse device uuid: %w", err)
	}
	return DeviceUUID(u), nil
}

func (d DeviceUUID) String() string { return uuid.UUID(d).String() }

func (d DeviceUUID) IsNil() bool { return uuid.UUID(d) == uuid.Nil }

type FilesystemUUID uuid.UUID

// NewFilesystemUUID allocates a fresh random filesystem UUID.
func NewFilesystemUUID() FilesystemUUID { return FilesystemUUID(uuid.New()) }

// ParseFilesystemUUID parses a canonical UUID string as a filesystem UUID.
func ParseFilesystemUUID(s string) (FilesystemUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FilesystemUUID{}, fmt.Errorf("parse filesystem uuid: %w", err)
	}
	return FilesystemUUID(u), nil
}

func (f FilesystemUUID) String() string { return uuid.UUID(f).String() }

func (f FilesystemUUID) IsNil() bool { return uuid.UUID(f) == uuid.Nil }
