package arena

import (
	"fmt"
	"sync"
)

// Stage names one step of the acquisition sequence.
type Stage string

// Acquisition stages, in order.
const (
	StageTxPool   Stage = "tx-pool"
	StageRxPool   Stage = "rx-pool"
	StageIPStack  Stage = "ip-stack"
	StageARPCache Stage = "arp-cache"
	StageTCP      Stage = "tcp"
	StageUDP      Stage = "udp"
	StageICMP     Stage = "icmp"
)

// Stages returns the acquisition stages in the order Allocate runs them.
func Stages() []Stage {
	return []Stage{
		StageTxPool,
		StageRxPool,
		StageIPStack,
		StageARPCache,
		StageTCP,
		StageUDP,
		StageICMP,
	}
}

// Allocator supplies backing memory for arena resources.
//
// Free is called exactly once for every successful Alloc, in reverse
// acquisition order.
type Allocator interface {
	Alloc(stage Stage, size int) ([]byte, error)
	Free(stage Stage, buf []byte)
}

// HeapAllocator allocates from the Go heap, optionally capped at a byte budget.
//
// Thread Safety: safe for concurrent use.
type HeapAllocator struct {
	budget int

	mu    sync.Mutex
	inUse int
}

// NewHeapAllocator returns an allocator capped at budget bytes. A budget of
// zero or less means unlimited.
func NewHeapAllocator(budget int) *HeapAllocator {
	return &HeapAllocator{budget: budget}
}

// Alloc returns a zeroed buffer of the requested size.
func (h *HeapAllocator) Alloc(stage Stage, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s requested %d bytes", ErrInvalidSize, stage, size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.budget > 0 && h.inUse+size > h.budget {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, stage, size, h.inUse, h.budget)
	}
	h.inUse += size
	return make([]byte, size), nil
}

// Free returns a buffer's bytes to the budget.
func (h *HeapAllocator) Free(_ Stage, buf []byte) {
	h.mu.Lock()
	h.inUse -= len(buf)
	if h.inUse < 0 {
		h.inUse = 0
	}
	h.mu.Unlock()
}

// InUse returns the number of bytes currently allocated.
func (h *HeapAllocator) InUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}
