package arena

import (
	"net"
	"net/netip"
	"sync"
)

// arpEntrySize is the memory one cache entry occupies.
const arpEntrySize = 52

// ARPCache maps IPv4 addresses to hardware addresses. It holds a fixed
// number of entries derived from its memory size; when full, the oldest entry
// is evicted.
//
// Thread Safety: all methods are safe for concurrent use.
type ARPCache struct {
	stack *IPStack
	buf   []byte

	mu       sync.Mutex
	capacity int
	entries  map[netip.Addr]net.HardwareAddr
	order    []netip.Addr
	released bool
}

func newARPCache(stack *IPStack, buf []byte) *ARPCache {
	capacity := len(buf) / arpEntrySize
	if capacity < 1 {
		capacity = 1
	}
	return &ARPCache{
		stack:    stack,
		buf:      buf,
		capacity: capacity,
		entries:  make(map[netip.Addr]net.HardwareAddr, capacity),
	}
}

// Capacity returns the maximum number of entries.
func (c *ARPCache) Capacity() int { return c.capacity }

// Len returns the number of cached entries.
func (c *ARPCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Add records or refreshes a mapping, evicting the oldest entry when full.
func (c *ARPCache) Add(ip netip.Addr, mac net.HardwareAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrReleased
	}
	if _, ok := c.entries[ip]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, ip)
	}
	c.entries[ip] = append(net.HardwareAddr(nil), mac...)
	return nil
}

// Lookup returns the hardware address for ip.
func (c *ARPCache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mac, ok := c.entries[ip]
	return mac, ok
}

// Stage implements Resource.
func (c *ARPCache) Stage() Stage { return StageARPCache }

// Release detaches the cache from the stack and frees its memory.
func (c *ARPCache) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.entries = nil
	c.order = nil
	c.mu.Unlock()

	c.stack.detachARP(c)
	return nil
}
