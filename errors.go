package stratisd

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error without requiring callers to inspect
// prose. Each kind carries its own propagation policy, documented below.
type Kind int

const (
	// KindInternal marks a bug or a rollback that itself failed; it always
	// escalates the owning pool to MaintenanceMode.
	KindInternal Kind = iota
	// KindInput marks a malformed argument, name collision, or UUID not found.
	KindInput
	// KindPrecondition marks an operation rejected because of pool or
	// filesystem state (wrong availability, size limit reached, slot absent).
	KindPrecondition
	// KindResource marks exhaustion: out of data/metadata space, LUKS2 slots full.
	KindResource
	// KindEnvironment marks a failure attributable to the outside world:
	// missing device, failed kernel target load, missing keyring entry,
	// unreachable network-bound unlock server.
	KindEnvironment
	// KindCorruption marks CRC/parse failure or divergent metadata histories.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "Input"
	case KindPrecondition:
		return "Precondition"
	case KindResource:
		return "Resource"
	case KindEnvironment:
		return "Environment"
	case KindCorruption:
		return "Corruption"
	default:
		return "Internal"
	}
}

// Error is the structured error every engine-exported operation returns,
// carrying the fields error propagation requires: kind, the pool/filesystem involved
// (if known), and a human-readable cause.
type Error struct {
	Kind       Kind
	Pool       *PoolUUID
	Filesystem *FilesystemUUID
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Filesystem != nil && e.Pool != nil:
		return fmt.Sprintf("%s: pool %s filesystem %s: %v", e.Kind, e.Pool, e.Filesystem, e.Cause)
	case e.Pool != nil:
		return fmt.Sprintf("%s: pool %s: %v", e.Kind, e.Pool, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error with no pool/filesystem context.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NewPoolError constructs an Error scoped to a pool.
func NewPoolError(kind Kind, pool PoolUUID, cause error) *Error {
	return &Error{Kind: kind, Pool: &pool, Cause: cause}
}

// NewFilesystemError constructs an Error scoped to a pool and filesystem.
func NewFilesystemError(kind Kind, pool PoolUUID, fs FilesystemUUID, cause error) *Error {
	return &Error{Kind: kind, Pool: &pool, Filesystem: &fs, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal for unrecognized errors so an unclassified bug still
// drives its pool to the most conservative state.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
