package arena

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// Protocol is a transport protocol that can be enabled on the IP stack.
type Protocol int

const (
	TCP Protocol = iota
	UDP
	ICMP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMP:
		return "icmp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

func (p Protocol) stage() Stage {
	switch p {
	case TCP:
		return StageTCP
	case UDP:
		return StageUDP
	default:
		return StageICMP
	}
}

// controlBlockSize is the memory each protocol needs for its state tables.
func (p Protocol) controlBlockSize() int {
	switch p {
	case TCP:
		return 1024
	case UDP:
		return 256
	default:
		return 128
	}
}

// IPStack is the single IP instance. It transmits from the Transmit pool and
// exists only while both pools exist.
//
// Thread Safety: all methods are safe for concurrent use.
type IPStack struct {
	tx    *PacketPool
	rx    *PacketPool
	alloc Allocator

	mu        sync.RWMutex
	block     []byte
	arp       *ARPCache
	protocols map[Protocol][]byte
	address   netip.Addr
	mask      net.IPMask
	gateway   netip.Addr
	released  bool
}

func newIPStack(tx, rx *PacketPool, size int, alloc Allocator) (*IPStack, error) {
	if tx == nil || rx == nil {
		return nil, ErrPoolsRequired
	}
	block, err := alloc.Alloc(StageIPStack, size)
	if err != nil {
		return nil, err
	}
	return &IPStack{
		tx:        tx,
		rx:        rx,
		alloc:     alloc,
		block:     block,
		protocols: make(map[Protocol][]byte),
	}, nil
}

// TxPool returns the pool the stack transmits from.
func (s *IPStack) TxPool() *PacketPool { return s.tx }

// RxPool returns the pool the stack receives into.
func (s *IPStack) RxPool() *PacketPool { return s.rx }

// ARP returns the address-resolution cache, or nil if not yet attached.
func (s *IPStack) ARP() *ARPCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arp
}

// Enabled reports whether a protocol is enabled.
func (s *IPStack) Enabled(p Protocol) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.protocols[p]
	return ok
}

// SetInterfaceAddress assigns the primary interface address and mask.
func (s *IPStack) SetInterfaceAddress(ip netip.Addr, mask net.IPMask) {
	s.mu.Lock()
	s.address = ip
	s.mask = mask
	s.mu.Unlock()
}

// SetGateway sets the default gateway.
func (s *IPStack) SetGateway(gw netip.Addr) {
	s.mu.Lock()
	s.gateway = gw
	s.mu.Unlock()
}

// Address returns the interface address, mask and gateway.
func (s *IPStack) Address() (netip.Addr, net.IPMask, netip.Addr) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.mask, s.gateway
}

// Stage implements Resource.
func (s *IPStack) Stage() Stage { return StageIPStack }

// Release frees the stack's control block. Releasing twice is a no-op.
func (s *IPStack) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.alloc.Free(StageIPStack, s.block)
	s.block = nil
	return nil
}

func (s *IPStack) attachARP(size int) (*ARPCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	buf, err := s.alloc.Alloc(StageARPCache, size)
	if err != nil {
		return nil, err
	}
	c := newARPCache(s, buf)
	s.arp = c
	return c, nil
}

func (s *IPStack) detachARP(c *ARPCache) {
	s.mu.Lock()
	if s.arp == c {
		s.arp = nil
	}
	s.mu.Unlock()
	s.alloc.Free(StageARPCache, c.buf)
}

// enableProtocol allocates the protocol's control block and returns its
// release handle.
func (s *IPStack) enableProtocol(p Protocol) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if _, ok := s.protocols[p]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProtocolEnabled, p)
	}
	block, err := s.alloc.Alloc(p.stage(), p.controlBlockSize())
	if err != nil {
		return nil, err
	}
	s.protocols[p] = block
	return &protocolHandle{stack: s, proto: p}, nil
}

type protocolHandle struct {
	stack *IPStack
	proto Protocol
	once  sync.Once
}

func (h *protocolHandle) Stage() Stage { return h.proto.stage() }

func (h *protocolHandle) Release() error {
	h.once.Do(func() {
		h.stack.mu.Lock()
		block := h.stack.protocols[h.proto]
		delete(h.stack.protocols, h.proto)
		h.stack.mu.Unlock()
		h.stack.alloc.Free(h.proto.stage(), block)
	})
	return nil
}
