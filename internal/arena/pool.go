package arena

import (
	"fmt"
	"sync"
)

// packetOverhead is the per-packet header space reserved in the backing buffer.
const packetOverhead = 64

// Role identifies what a packet pool is used for.
type Role int

const (
	Transmit Role = iota
	Receive
)

func (r Role) String() string {
	switch r {
	case Transmit:
		return "transmit"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) stage() Stage {
	if r == Transmit {
		return StageTxPool
	}
	return StageRxPool
}

// Packet is one fixed-size buffer carved out of a pool's backing memory.
type Packet struct {
	pool  *PacketPool
	index int
	buf   []byte
}

// Data returns the packet's payload area.
func (p *Packet) Data() []byte {
	return p.buf
}

// PacketPool is a fixed-capacity pool of equally sized packets.
//
// Thread Safety: Get and Put are safe for concurrent use.
type PacketPool struct {
	role       Role
	packetSize int
	capacity   int
	alloc      Allocator

	mu       sync.Mutex
	backing  []byte
	free     []int
	released bool
}

func newPacketPool(role Role, packetSize, count int, alloc Allocator) (*PacketPool, error) {
	if packetSize <= 0 || count <= 0 {
		return nil, fmt.Errorf("%w: %s pool %d x %d", ErrInvalidSize, role, count, packetSize)
	}

	backing, err := alloc.Alloc(role.stage(), (packetSize+packetOverhead)*count)
	if err != nil {
		return nil, err
	}

	free := make([]int, count)
	for i := range free {
		free[i] = count - 1 - i
	}

	return &PacketPool{
		role:       role,
		packetSize: packetSize,
		capacity:   count,
		alloc:      alloc,
		backing:    backing,
		free:       free,
	}, nil
}

// Role returns the pool's role.
func (p *PacketPool) Role() Role { return p.role }

// Capacity returns the total number of packets in the pool.
func (p *PacketPool) Capacity() int { return p.capacity }

// PacketSize returns the payload size of each packet.
func (p *PacketPool) PacketSize() int { return p.packetSize }

// Available returns the number of free packets.
func (p *PacketPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Get takes a free packet from the pool.
func (p *PacketPool) Get() (*Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, ErrReleased
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPoolEmpty, p.role)
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	slot := p.packetSize + packetOverhead
	start := idx*slot + packetOverhead
	return &Packet{
		pool:  p,
		index: idx,
		buf:   p.backing[start : start+p.packetSize : start+p.packetSize],
	}, nil
}

// Put returns a packet to the pool.
func (p *PacketPool) Put(pkt *Packet) error {
	if pkt == nil || pkt.pool != p {
		return ErrForeignPacket
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return ErrReleased
	}
	clear(pkt.buf)
	p.free = append(p.free, pkt.index)
	pkt.pool = nil
	return nil
}

// Stage implements Resource.
func (p *PacketPool) Stage() Stage { return p.role.stage() }

// Release returns the backing memory to the allocator. Releasing twice is a no-op.
func (p *PacketPool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	p.released = true
	p.alloc.Free(p.role.stage(), p.backing)
	p.backing = nil
	p.free = nil
	return nil
}
