package devicemapper

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CreateThin issues the thin-pool "create_thin" control message, then
// activates the resulting thin device as a DM device via its own table.
// This is the generalization of what was once a single hardcoded
// ext4-formatting call: internal/thinpool decides the filesystem (or
// none, for a raw snapshot origin) and formats separately.
func (c *Client) CreateThin(ctx context.Context, poolDevice string, thinID uint32, deviceName string, sectorCount uint64) (*DeviceInfo, error) {
	c.mu.Lock()
	if err := validateDeviceName(deviceName); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("invalid device name: %w", err)
	}
	logger := c.logger.WithFields(logrus.Fields{"pool_device": poolDevice, "thin_id": thinID, "device_name": deviceName})
	logger.Info("creating thin device")

	msg := ThinPoolMessage("create_thin", thinID)
	output, err := c.run(ctx, "dmsetup", "message", poolDevice, "0", msg)
	c.mu.Unlock()
	if err != nil {
		if strings.Contains(output, "File exists") || strings.Contains(output, "already exists") {
			return nil, &DeviceExistsError{DeviceID: strconv.FormatUint(uint64(thinID), 10)}
		}
		if strings.Contains(output, "No space") || strings.Contains(output, "pool full") {
			return nil, &PoolFullError{PoolName: poolDevice}
		}
		return nil, fmt.Errorf("create_thin %d on %s: %w (output: %s)", thinID, poolDevice, err, output)
	}

	table := ThinTable(sectorCount, poolDevice, thinID)
	return c.CreateTable(ctx, deviceName, table)
}

// CreateSnap issues the thin-pool "create_snap" control message for
// originID, without activating it as a DM device (callers decide whether
// and when to activate the resulting snapshot).
func (c *Client) CreateSnap(ctx context.Context, poolDevice string, snapID, originID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := ThinPoolMessage("create_snap", snapID, originID)
	output, err := c.run(ctx, "dmsetup", "message", poolDevice, "0", msg)
	if err != nil {
		if strings.Contains(output, "File exists") || strings.Contains(output, "already exists") {
			return &DeviceExistsError{DeviceID: strconv.FormatUint(uint64(snapID), 10)}
		}
		if strings.Contains(output, "No space") || strings.Contains(output, "pool full") {
			return &PoolFullError{PoolName: poolDevice}
		}
		if strings.Contains(output, "not found") || strings.Contains(output, "No such") {
			return &DeviceNotFoundError{DeviceID: strconv.FormatUint(uint64(originID), 10)}
		}
		return fmt.Errorf("create_snap %d from %d on %s: %w (output: %s)", snapID, originID, poolDevice, err, output)
	}
	return nil
}

// CreateSnapshotSafe performs the filesystem snapshot sequence:
// suspend the origin's DM device (if active), issue create_snap, then
// resume the origin. This is the preferred way to snapshot a live
// filesystem; CreateSnap alone is for an origin that is already known to
// be inactive.
func (c *Client) CreateSnapshotSafe(ctx context.Context, poolDevice, originDeviceName string, snapID, originID uint32) error {
	logger := c.logger.WithFields(logrus.Fields{
		"pool_device":        poolDevice,
		"origin_device_name": originDeviceName,
		"origin_id":          originID,
		"snap_id":            snapID,
	})

	originActive := false
	if _, err := os.Stat(c.GetDevicePath(originDeviceName)); err == nil {
		originActive = true
	}

	if originActive {
		logger.Info("suspending origin before snapshot")
		if err := c.SuspendDevice(ctx, originDeviceName); err != nil {
			logger.WithError(err).Warn("could not suspend origin device, attempting snapshot anyway")
		}
	}

	err := c.CreateSnap(ctx, poolDevice, snapID, originID)

	if originActive {
		if rerr := c.ResumeDevice(ctx, originDeviceName); rerr != nil {
			logger.WithError(rerr).Warn("failed to resume origin device after snapshot attempt")
		}
	}

	return err
}

// DeleteThin issues the thin-pool "delete" control message for a thin
// device ID. Per the package-level cleanup policy, this is for an
// explicit administrative or GC path, never an automatic error-handling
// branch.
func (c *Client) DeleteThin(ctx context.Context, poolDevice string, thinID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := ThinPoolMessage("delete", thinID)
	output, err := c.run(ctx, "dmsetup", "message", poolDevice, "0", msg)
	if err != nil {
		if strings.Contains(output, "not found") || strings.Contains(output, "No such") {
			return nil
		}
		return fmt.Errorf("delete thin %d on %s: %w (output: %s)", thinID, poolDevice, err, output)
	}
	return nil
}

// SyncPoolMetadata forces the thin-pool to commit its metadata to disk by
// reserving and immediately releasing a metadata snapshot, so the
// persistence engine can rely on a known-committed kernel state before it
// declares its own flush successful.
func (c *Client) SyncPoolMetadata(ctx context.Context, poolDevice string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithField("pool_device", poolDevice)

	if output, err := c.run(ctx, "dmsetup", "message", poolDevice, "0", "reserve_metadata_snap"); err != nil {
		logger.WithField("output", output).Debug("reserve_metadata_snap failed (pool may not support it)")
		return nil
	}
	if output, err := c.run(ctx, "dmsetup", "message", poolDevice, "0", "release_metadata_snap"); err != nil {
		logger.WithField("output", output).Debug("release_metadata_snap failed")
	}
	return nil
}
