package arena

import "errors"

// Domain-specific errors for arena operations.
var (
	// ErrAlreadyAllocated is returned when Allocate is called while resources are live.
	ErrAlreadyAllocated = errors.New("arena: resources already allocated")

	// ErrOutOfMemory is returned when an allocation exceeds the memory budget.
	ErrOutOfMemory = errors.New("arena: memory budget exhausted")

	// ErrInvalidSize is returned for zero or negative resource sizes.
	ErrInvalidSize = errors.New("arena: invalid resource size")

	// ErrPoolEmpty is returned when a packet pool has no free packets.
	ErrPoolEmpty = errors.New("arena: packet pool empty")

	// ErrForeignPacket is returned when a packet is returned to the wrong pool.
	ErrForeignPacket = errors.New("arena: packet does not belong to this pool")

	// ErrReleased is returned when using a resource after it was released.
	ErrReleased = errors.New("arena: resource released")

	// ErrPoolsRequired is returned when the IP stack is created without both pools.
	ErrPoolsRequired = errors.New("arena: ip stack requires transmit and receive pools")

	// ErrProtocolEnabled is returned when a protocol is enabled twice.
	ErrProtocolEnabled = errors.New("arena: protocol already enabled")
)
