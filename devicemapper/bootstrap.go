package devicemapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ThinPoolConfig describes the geometry of one pool's thin-pool device,
// MetadataDevice and DataDevice are DM or raw block
// device paths — normally segments of the pool's own bds, carved out by
// internal/devstack's LinearConcat node, but a loop file works too (see
// LoopBackedFile) when bootstrapping against plain files in a
// development environment without spare block devices.
type ThinPoolConfig struct {
	PoolDevice         string
	MetadataDevice     string
	DataDevice         string
	DataSizeBytes      int64
	DataBlockSectors   uint64
	LowWaterMarkBlocks uint64
}

// DefaultDataBlockSectors is the conventional dm-thin data block size
// (1 MiB at 512-byte sectors).
const DefaultDataBlockSectors = 2048

// DefaultLowWaterMarkBlocks is the data-block count at which the
// thin-pool manager's reaction loop is notified to extend
// the pool.
const DefaultLowWaterMarkBlocks = 32768

// PoolStatus is the liveness view of a thin-pool device used during
// startup reconciliation: does it already exist, is it healthy, and (if
// loop-backed) which loop devices back it.
type PoolStatus struct {
	Exists         bool
	NeedsCheck     bool
	ReadOnly       bool
	ErrorState     string
	LoopDataDevice string
	LoopMetaDevice string
}

// CreateThinPool activates a new thin-pool device from cfg. Callers are
// expected to have already sized MetadataDevice/DataDevice correctly
// (internal/thinpool owns that policy); this function only builds the
// table and activates it.
func (c *Client) CreateThinPool(ctx context.Context, cfg ThinPoolConfig) (*DeviceInfo, error) {
	blockSectors := cfg.DataBlockSectors
	if blockSectors == 0 {
		blockSectors = DefaultDataBlockSectors
	}
	lowWater := cfg.LowWaterMarkBlocks
	if lowWater == 0 {
		lowWater = DefaultLowWaterMarkBlocks
	}

	poolSectors := uint64(cfg.DataSizeBytes) / 512
	table := ThinPoolTable(poolSectors, cfg.MetadataDevice, cfg.DataDevice, blockSectors, lowWater, true)
	return c.CreateTable(ctx, cfg.PoolDevice, table)
}

// GetThinPoolStatus reports whether a thin-pool device exists and
// whether its status line shows any of the unhealthy flags dm-thin can
// report (needs_check, read-only, Error).
func (c *Client) GetThinPoolStatus(ctx context.Context, poolDevice string) (*PoolStatus, error) {
	status := &PoolStatus{}

	output, err := c.run(ctx, "dmsetup", "status", poolDevice)
	if err != nil {
		if strings.Contains(output, "Device does not exist") {
			return status, nil
		}
		return nil, fmt.Errorf("check pool status for %s: %w (output: %s)", poolDevice, err, output)
	}

	status.Exists = true
	if strings.Contains(output, "needs_check") {
		status.NeedsCheck = true
	}
	if strings.Contains(output, "ro ") || strings.Contains(output, " ro") {
		status.ReadOnly = true
	}
	if strings.Contains(output, "Error") || strings.Contains(output, "error") {
		status.ErrorState = "error detected in pool status"
	}
	return status, nil
}

// ValidateThinPoolHealth is a pre-flight check an engine pool mutation
// runs before admitting any operation that would touch the thin-pool:
// a needs_check, read-only, or errored pool must escalate the owning
// pool to MaintenanceMode rather than let the operation proceed.
func (c *Client) ValidateThinPoolHealth(ctx context.Context, poolDevice string) error {
	status, err := c.GetThinPoolStatus(ctx, poolDevice)
	if err != nil {
		return fmt.Errorf("thin-pool health check failed: %w", err)
	}
	if !status.Exists {
		return fmt.Errorf("thin-pool %s does not exist", poolDevice)
	}
	if status.NeedsCheck {
		return fmt.Errorf("thin-pool %s needs_check flag is set - corruption detected", poolDevice)
	}
	if status.ReadOnly {
		return fmt.Errorf("thin-pool %s is in read-only mode", poolDevice)
	}
	if status.ErrorState != "" {
		return fmt.Errorf("thin-pool %s error: %s", poolDevice, status.ErrorState)
	}
	return nil
}

// LoopBackedFile creates (or reuses) a flat file at path of the given
// size and attaches it to a loop device, for development and simulator
// environments that have no spare real block devices to assemble a pool
// from. Nothing in this repository calls it; it is a helper for standing
// a pool up on an ordinary filesystem.
func (c *Client) LoopBackedFile(ctx context.Context, path string, sizeBytes int64) (string, error) {
	c.detachExistingLoop(ctx, path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale pool file %s: %w", path, err)
	}
	if output, err := exec.CommandContext(ctx, "fallocate", "-l", fmt.Sprintf("%d", sizeBytes), path).CombinedOutput(); err != nil {
		return "", fmt.Errorf("fallocate %s: %w (output: %s)", path, err, output)
	}

	output, err := exec.CommandContext(ctx, "losetup", "-f", "--show", path).Output()
	if err != nil {
		return "", fmt.Errorf("losetup %s: %w", path, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *Client) detachExistingLoop(ctx context.Context, path string) {
	output, err := exec.CommandContext(ctx, "losetup", "-j", path).Output()
	if err != nil {
		return
	}
	parts := strings.Split(string(output), ":")
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/dev/loop") {
		return
	}
	dev := strings.TrimSpace(parts[0])
	if err := exec.CommandContext(ctx, "losetup", "-d", dev).Run(); err != nil {
		c.logger.WithFields(logrus.Fields{"device": dev, "path": path}).WithError(err).Debug("failed to detach stale loop device")
	}
}
