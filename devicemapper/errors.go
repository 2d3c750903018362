package devicemapper

import "fmt"

// DeviceExistsError is returned when a DM device or thin-pool device ID
// already exists.
type DeviceExistsError struct {
	DeviceID string
}

func (e *DeviceExistsError) Error() string {
	return fmt.Sprintf("device already exists: %s", e.DeviceID)
}

// PoolFullError is returned when a thin-pool is at or above
// PoolCapacityThreshold.
type PoolFullError struct {
	PoolName      string
	UsedPercent   float64
	Threshold     float64
	UsedBlocks    int64
	TotalBlocks   int64
	FreeBlocks    int64
	RequiredBytes int64
}

func (e *PoolFullError) Error() string {
	if e.UsedPercent > 0 {
		return fmt.Sprintf("pool %q is %.1f%% full (threshold %.0f%%, free %d blocks, need %d bytes)",
			e.PoolName, e.UsedPercent, e.Threshold, e.FreeBlocks, e.RequiredBytes)
	}
	return fmt.Sprintf("pool is full: %s", e.PoolName)
}

// DeviceNotFoundError is returned when a thin device ID is not found in
// its pool.
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.DeviceID)
}

// IsDeviceExistsError reports whether err is a *DeviceExistsError.
func IsDeviceExistsError(err error) bool { _, ok := err.(*DeviceExistsError); return ok }

// IsPoolFullError reports whether err is a *PoolFullError.
func IsPoolFullError(err error) bool { _, ok := err.(*PoolFullError); return ok }

// IsDeviceNotFoundError reports whether err is a *DeviceNotFoundError.
func IsDeviceNotFoundError(err error) bool { _, ok := err.(*DeviceNotFoundError); return ok }
