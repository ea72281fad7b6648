package arena

import (
	"context"
	"fmt"
	"sync"

	"github.com/Arnold208/MQTTClient/internal/fault"
)

// Config sizes the arena resources.
type Config struct {
	// TxPackets is the number of packets in the transmit pool.
	TxPackets int

	// RxPackets is the number of packets in the receive pool.
	RxPackets int

	// PacketSize is the payload size of every packet (link MTU).
	PacketSize int

	// IPStackSize is the memory reserved for the IP instance control block.
	IPStackSize int

	// ARPCacheSize is the memory reserved for the ARP cache.
	ARPCacheSize int

	// MemoryBudget caps the total memory of the default allocator. 0 = unlimited.
	MemoryBudget int
}

// DefaultConfig returns the reference sizing: 16 transmit and 12 receive
// packets of 1536 bytes, a 2 KiB stack block and a 512 byte ARP cache.
func DefaultConfig() Config {
	return Config{
		TxPackets:    16,
		RxPackets:    12,
		PacketSize:   1536,
		IPStackSize:  2048,
		ARPCacheSize: 512,
	}
}

// Resources are the live arena resources after a successful Allocate.
type Resources struct {
	TxPool *PacketPool
	RxPool *PacketPool
	Stack  *IPStack
}

// Logger defines the logging interface for the arena.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Option configures an Arena.
type Option func(*Arena)

// WithAllocator replaces the default heap allocator.
func WithAllocator(alloc Allocator) Option {
	return func(a *Arena) { a.alloc = alloc }
}

// WithLogger sets the arena logger.
func WithLogger(logger Logger) Option {
	return func(a *Arena) { a.logger = logger }
}

// Arena owns at most one live set of Resources.
//
// Thread Safety: Allocate and Release are serialised; a second Allocate while
// resources are live is rejected.
type Arena struct {
	cfg    Config
	alloc  Allocator
	logger Logger

	mu    sync.Mutex
	scope Scope
	res   *Resources
}

// New creates an arena. Nothing is allocated until Allocate.
func New(cfg Config, opts ...Option) *Arena {
	a := &Arena{
		cfg:    cfg,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alloc == nil {
		a.alloc = NewHeapAllocator(cfg.MemoryBudget)
	}
	return a
}

// Allocate acquires every resource in stage order. On failure all resources
// acquired so far are released in reverse order and a fault.AllocationFailure
// naming the failing stage is returned.
func (a *Arena) Allocate(ctx context.Context) (*Resources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.res != nil {
		return nil, ErrAlreadyAllocated
	}

	res := &Resources{}
	steps := []struct {
		stage   Stage
		acquire func() (Resource, error)
	}{
		{StageTxPool, func() (Resource, error) {
			p, err := newPacketPool(Transmit, a.cfg.PacketSize, a.cfg.TxPackets, a.alloc)
			res.TxPool = p
			return p, err
		}},
		{StageRxPool, func() (Resource, error) {
			p, err := newPacketPool(Receive, a.cfg.PacketSize, a.cfg.RxPackets, a.alloc)
			res.RxPool = p
			return p, err
		}},
		{StageIPStack, func() (Resource, error) {
			s, err := newIPStack(res.TxPool, res.RxPool, a.cfg.IPStackSize, a.alloc)
			res.Stack = s
			return s, err
		}},
		{StageARPCache, func() (Resource, error) {
			return res.Stack.attachARP(a.cfg.ARPCacheSize)
		}},
		{StageTCP, func() (Resource, error) { return res.Stack.enableProtocol(TCP) }},
		{StageUDP, func() (Resource, error) { return res.Stack.enableProtocol(UDP) }},
		{StageICMP, func() (Resource, error) { return res.Stack.enableProtocol(ICMP) }},
	}

	for _, step := range steps {
		err := ctx.Err()
		var r Resource
		if err == nil {
			r, err = step.acquire()
		}
		if err != nil {
			released := a.scope.Len()
			if unwindErr := a.scope.Unwind(); unwindErr != nil {
				err = fmt.Errorf("%w (unwind: %v)", err, unwindErr)
			}
			a.logger.Warn("arena allocation failed, unwound",
				"stage", step.stage,
				"released", released,
				"error", err,
			)
			return nil, fault.New(fault.AllocationFailure, string(step.stage), err)
		}
		a.scope.Push(r)
		a.logger.Debug("arena stage acquired", "stage", step.stage)
	}

	a.res = res
	return res, nil
}

// Release tears down live resources in reverse acquisition order.
// Calling Release with nothing allocated is a no-op.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.res == nil {
		return nil
	}
	err := a.scope.Unwind()
	a.res = nil
	return err
}

// Resources returns the live resources, or nil.
func (a *Arena) Resources() *Resources {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.res
}

// Live returns the stages currently held, in acquisition order.
func (a *Arena) Live() []Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope.Stages()
}
