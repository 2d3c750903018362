package devicemapper

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// PoolInfo is parsed `dmsetup status` output for a thin-pool device.
type PoolInfo struct {
	Name            string
	TransactionID   int64
	UsedMetaBlocks  int64
	TotalMetaBlocks int64
	UsedDataBlocks  int64
	TotalDataBlocks int64
}

// PoolCapacityThreshold is the usage percentage above which the engine
// refuses new allocating operations against a thin-pool, conservatively
// set to leave headroom for copy-on-write during snapshot activity.
const PoolCapacityThreshold = 70.0

// GetPoolStatus returns the raw `dmsetup status` line for a thin-pool.
func (c *Client) GetPoolStatus(ctx context.Context, poolDevice string) (string, error) {
	logger := c.logger.WithField("pool_device", poolDevice)
	output, err := c.run(ctx, "dmsetup", "status", poolDevice)
	if err != nil {
		logger.WithError(err).Error("failed to get pool status")
		return "", fmt.Errorf("get pool status for %s: %w", poolDevice, err)
	}
	return output, nil
}

// ParsePoolStatus parses the `dmsetup status` line for a thin-pool:
//
//	0 <size> thin-pool <transaction_id> <used_meta>/<total_meta> <used_data>/<total_data> <held_meta_root> ...
func (c *Client) ParsePoolStatus(ctx context.Context, poolDevice string) (*PoolInfo, error) {
	status, err := c.GetPoolStatus(ctx, poolDevice)
	if err != nil {
		return nil, err
	}
	return ParsePoolStatusLine(poolDevice, status)
}

// ParsePoolStatusLine parses an already-fetched status line, split out
// from ParsePoolStatus so internal/thinpool's event-reaction loop can
// reparse a status line it received as part of a dm-event payload
// without shelling out again.
func ParsePoolStatusLine(poolName, status string) (*PoolInfo, error) {
	parts := strings.Fields(status)
	if len(parts) < 6 {
		return nil, fmt.Errorf("invalid pool status format: %s", status)
	}

	info := &PoolInfo{Name: poolName}
	if tid, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
		info.TransactionID = tid
	}
	if metaParts := strings.Split(parts[4], "/"); len(metaParts) == 2 {
		info.UsedMetaBlocks, _ = strconv.ParseInt(metaParts[0], 10, 64)
		info.TotalMetaBlocks, _ = strconv.ParseInt(metaParts[1], 10, 64)
	}
	if dataParts := strings.Split(parts[5], "/"); len(dataParts) == 2 {
		info.UsedDataBlocks, _ = strconv.ParseInt(dataParts[0], 10, 64)
		info.TotalDataBlocks, _ = strconv.ParseInt(dataParts[1], 10, 64)
	}
	return info, nil
}

// CheckPoolCapacity checks the pool's data usage against
// PoolCapacityThreshold, returning a *PoolFullError if it is exceeded.
// requiredBytes is carried through into the error for diagnostics only;
// it does not affect the threshold check itself.
func (c *Client) CheckPoolCapacity(ctx context.Context, poolDevice string, requiredBytes int64) (*PoolInfo, error) {
	logger := c.logger.WithFields(logrus.Fields{"pool_device": poolDevice, "required_bytes": requiredBytes})

	info, err := c.ParsePoolStatus(ctx, poolDevice)
	if err != nil {
		logger.WithError(err).Warn("failed to check pool capacity (continuing anyway)")
		return nil, nil
	}

	var usedPercent float64
	if info.TotalDataBlocks > 0 {
		usedPercent = (float64(info.UsedDataBlocks) / float64(info.TotalDataBlocks)) * 100.0
	}
	freeBlocks := info.TotalDataBlocks - info.UsedDataBlocks

	if usedPercent >= PoolCapacityThreshold {
		logger.WithFields(logrus.Fields{"used_percent": usedPercent, "free_blocks": freeBlocks}).
			Error("pool capacity threshold exceeded")
		return nil, &PoolFullError{
			PoolName:      poolDevice,
			UsedPercent:   usedPercent,
			Threshold:     PoolCapacityThreshold,
			UsedBlocks:    info.UsedDataBlocks,
			TotalBlocks:   info.TotalDataBlocks,
			FreeBlocks:    freeBlocks,
			RequiredBytes: requiredBytes,
		}
	}
	return info, nil
}
