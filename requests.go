package stratisd

import "context"

// RequestHandler is the boundary the (external, bus-owned) request layer
// calls into. The message-bus transport itself is treated as an external
// collaborator; this interface is the seam the engine core exposes so
// that collaborator can be wired up without the core knowing anything
// about D-Bus, a JSON-RPC transport, or any other wire protocol.
type RequestHandler interface {
	PoolCreate(ctx context.Context, name string, devicePaths []string) (PoolSummary, error)
	PoolDestroy(ctx context.Context, pool PoolUUID) error
	PoolStart(ctx context.Context, pool PoolUUID) error
	PoolStop(ctx context.Context, pool PoolUUID) error
	PoolRename(ctx context.Context, pool PoolUUID, newName string) error
	PoolGrow(ctx context.Context, pool PoolUUID, devicePaths []string) error

	FilesystemCreate(ctx context.Context, pool PoolUUID, name string, sizeLimit *Bytes) (FilesystemSummary, error)
	FilesystemDestroy(ctx context.Context, pool PoolUUID, fs FilesystemUUID) error
	FilesystemSnapshot(ctx context.Context, pool PoolUUID, origin FilesystemUUID, name string) (FilesystemSummary, error)
	FilesystemRename(ctx context.Context, pool PoolUUID, fs FilesystemUUID, newName string) error
	FilesystemSetSizeLimit(ctx context.Context, pool PoolUUID, fs FilesystemUUID, limit *Bytes) error

	EncryptionBind(ctx context.Context, pool PoolUUID, slot int, unlocker Unlocker) error
	EncryptionUnbind(ctx context.Context, pool PoolUUID, slot int) error
	EncryptionRebind(ctx context.Context, pool PoolUUID, slot int, unlocker Unlocker) error
	EncryptionUnlock(ctx context.Context, pool PoolUUID, slot *int) error
}

// Unlocker is implemented by the two token-slot kinds: passphrase and
// network/TPM-bound unlockers.
// It lives here (not in internal/encryption) purely so RequestHandler can
// name it without the root package importing an internal package.
type Unlocker interface {
	unlockerKind() string
}

// PropertyNotifier is the fire-and-forget broadcast seam for the
// property-change stream. It never gates a mutation; a notifier that is
// slow or absent must never block an engine operation.
type PropertyNotifier interface {
	NotifyPoolChanged(pool PoolSummary)
	NotifyFilesystemChanged(pool PoolUUID, fs FilesystemSummary)
}

// PoolSummary is the read-only view of a pool exposed across the
// property-notification boundary: names, sizes, used space, and
// availability state.
type PoolSummary struct {
	UUID            PoolUUID
	Name            string
	TotalSectors    Sectors
	UsedSectors     Sectors
	Availability    ActionAvailability
	Encrypted       bool
	Filesystems     []FilesystemSummary
}

// FilesystemSummary is the read-only view of a filesystem exposed across
// the same boundary.
type FilesystemSummary struct {
	UUID       FilesystemUUID
	Name       string
	ThinID     uint32
	UsedBytes  Bytes
	SizeLimit  *Bytes
	Origin     *FilesystemUUID
	DevicePath string
}
