package malloc

import "errors"

var (
	// ErrOutOfMemory is returned by Allocate when no single free block is large enough.
	// The sum of free bytes may still exceed the request; see Stats.Fragmentation.
	ErrOutOfMemory = errors.New("buddy: out of memory")

	// ErrInvalidHandle is returned by Release, Bytes and HandleOf for a handle that
	// is zero, outside the arena, or not currently allocated (including double release).
	ErrInvalidHandle = errors.New("buddy: invalid handle")

	// ErrInvalidSize is returned by Allocate for a negative size.
	ErrInvalidSize = errors.New("buddy: invalid size")
)
