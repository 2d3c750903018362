package engine

import (
	"context"
	"fmt"

	stratisd "github.com/stratis-storage/stratisd-go"
	"github.com/stratis-storage/stratisd-go/internal/pool"
)

// defaultFilesystemSectors sizes a filesystem's thin volume when the
// caller gives no size limit: thin provisioning means this is a virtual
// size, not a reservation against the pool's actual free space.
const defaultFilesystemSectors = (1 << 40) / stratisd.SectorSize // 1 TiB virtual

func sizeLimitSectors(limit *stratisd.Bytes) stratisd.Sectors {
	if limit == nil {
		return defaultFilesystemSectors
	}
	s, err := limit.Sectors()
	if err != nil {
		return (stratisd.Sectors(*limit) + stratisd.SectorSize - 1) / stratisd.SectorSize
	}
	return s
}

func filesystemSummary(fs *pool.Filesystem, devPath string) stratisd.FilesystemSummary {
	return stratisd.FilesystemSummary{
		UUID: fs.UUID, Name: fs.Name, ThinID: fs.ThinID,
		UsedBytes: fs.UsedBytes, SizeLimit: fs.SizeLimit, Origin: fs.Origin,
		DevicePath: devPath,
	}
}

// FilesystemCreate implements stratisd.RequestHandler.
func (e *Engine) FilesystemCreate(ctx context.Context, poolUUID stratisd.PoolUUID, name string, sizeLimit *stratisd.Bytes) (stratisd.FilesystemSummary, error) {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.FilesystemSummary{}, stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	var out stratisd.FilesystemSummary
	err := e.withMutation(ctx, h, pool.OpFilesystemCreate, func(extra *poolExtra) error {
		fs, err := extra.thin.CreateFilesystem(ctx, name, sizeLimitSectors(sizeLimit), sizeLimit)
		if err != nil {
			return err
		}
		if err := e.flush(h, extra); err != nil {
			return err
		}
		devPath := extra.dm.GetDevicePath(fmt.Sprintf("%s-thin-%d", h.Pool.Name, fs.ThinID))
		if err := e.links.Create(h.Pool.Name, fs.Name, devPath); err != nil {
			e.logger.WithError(err).WithField("filesystem", name).Warn("could not install filesystem devlink")
		}
		out = filesystemSummary(fs, devPath)
		return nil
	})
	return out, err
}

// FilesystemDestroy implements stratisd.RequestHandler.
func (e *Engine) FilesystemDestroy(ctx context.Context, poolUUID stratisd.PoolUUID, fsUUID stratisd.FilesystemUUID) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpFilesystemDestroy, func(extra *poolExtra) error {
		unlock := h.Pool.Lock()
		fs, exists := h.Pool.Filesystems[fsUUID]
		unlock()
		if !exists {
			return stratisd.NewFilesystemError(stratisd.KindInput, poolUUID, fsUUID, fmt.Errorf("filesystem not found"))
		}
		name := fs.Name
		if err := extra.thin.DestroyFilesystem(ctx, fsUUID); err != nil {
			return err
		}
		if err := e.links.Destroy(h.Pool.Name, name); err != nil {
			e.logger.WithError(err).WithField("filesystem", name).Warn("could not remove filesystem devlink")
		}
		return e.flush(h, extra)
	})
}

// FilesystemSnapshot implements stratisd.RequestHandler.
func (e *Engine) FilesystemSnapshot(ctx context.Context, poolUUID stratisd.PoolUUID, origin stratisd.FilesystemUUID, name string) (stratisd.FilesystemSummary, error) {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.FilesystemSummary{}, stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	var out stratisd.FilesystemSummary
	err := e.withMutation(ctx, h, pool.OpFilesystemSnapshot, func(extra *poolExtra) error {
		fs, err := extra.thin.SnapshotFilesystem(ctx, origin, name)
		if err != nil {
			return err
		}
		if err := e.flush(h, extra); err != nil {
			return err
		}
		devPath := extra.dm.GetDevicePath(fmt.Sprintf("%s-thin-%d", h.Pool.Name, fs.ThinID))
		if err := e.links.Create(h.Pool.Name, fs.Name, devPath); err != nil {
			e.logger.WithError(err).WithField("filesystem", name).Warn("could not install snapshot devlink")
		}
		out = filesystemSummary(fs, devPath)
		return nil
	})
	return out, err
}

// FilesystemRename implements stratisd.RequestHandler.
func (e *Engine) FilesystemRename(ctx context.Context, poolUUID stratisd.PoolUUID, fsUUID stratisd.FilesystemUUID, newName string) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpFilesystemRename, func(extra *poolExtra) error {
		unlock := h.Pool.Lock()
		fs, exists := h.Pool.Filesystems[fsUUID]
		if !exists {
			unlock()
			return stratisd.NewFilesystemError(stratisd.KindInput, poolUUID, fsUUID, fmt.Errorf("filesystem not found"))
		}
		if h.Pool.NameInUse(newName) {
			unlock()
			return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("filesystem name %q already in use", newName))
		}
		oldName := fs.Name
		fs.Name = newName
		unlock()

		devPath := extra.dm.GetDevicePath(fmt.Sprintf("%s-thin-%d", h.Pool.Name, fs.ThinID))
		if err := e.links.Rename(h.Pool.Name, oldName, newName, devPath); err != nil {
			e.logger.WithError(err).WithField("filesystem", newName).Warn("could not move filesystem devlink")
		}
		return e.flush(h, extra)
	})
}

// FilesystemSetSizeLimit implements stratisd.RequestHandler.
func (e *Engine) FilesystemSetSizeLimit(ctx context.Context, poolUUID stratisd.PoolUUID, fsUUID stratisd.FilesystemUUID, limit *stratisd.Bytes) error {
	h, ok := e.reg.Get(poolUUID)
	if !ok {
		return stratisd.NewPoolError(stratisd.KindInput, poolUUID, fmt.Errorf("pool not found"))
	}
	return e.withMutation(ctx, h, pool.OpFilesystemSetSizeLimit, func(extra *poolExtra) error {
		unlock := h.Pool.Lock()
		fs, exists := h.Pool.Filesystems[fsUUID]
		if !exists {
			unlock()
			return stratisd.NewFilesystemError(stratisd.KindInput, poolUUID, fsUUID, fmt.Errorf("filesystem not found"))
		}
		if limit != nil && fs.UsedBytes > *limit {
			unlock()
			return stratisd.NewFilesystemError(stratisd.KindPrecondition, poolUUID, fsUUID,
				fmt.Errorf("new size limit %d is below current used size %d", *limit, fs.UsedBytes))
		}
		fs.SizeLimit = limit
		unlock()
		return e.flush(h, extra)
	})
}
