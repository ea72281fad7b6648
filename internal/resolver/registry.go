// Package resolver holds the node's DNS resolver set and performs lookups
// against it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultCapacity matches the reference sizing of six resolver slots.
const DefaultCapacity = 6

const (
	dnsPort        = 53
	defaultTimeout = 2 * time.Second
)

var (
	// ErrInvalidServer is returned for addresses that cannot serve queries.
	ErrInvalidServer = errors.New("resolver: invalid server address")

	// ErrRegistryFull is returned when every slot is taken.
	ErrRegistryFull = errors.New("resolver: registry full")

	// ErrNoServers is returned by Lookup when nothing is registered.
	ErrNoServers = errors.New("resolver: no servers registered")

	// ErrNotFound is returned when no server produced an address.
	ErrNotFound = errors.New("resolver: host not found")
)

// Exchanger sends one DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithExchanger replaces the DNS client.
func WithExchanger(e Exchanger) Option {
	return func(r *Registry) { r.client = e }
}

// WithTimeout sets the per-server query timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// Registry is a bounded set of resolver addresses. Order of insertion is
// kept for lookups but carries no other meaning.
type Registry struct {
	capacity int
	client   Exchanger
	timeout  time.Duration

	mu      sync.RWMutex
	servers []netip.AddrPort
}

// NewRegistry creates a registry with room for capacity servers.
// A capacity below one uses DefaultCapacity.
func NewRegistry(capacity int, opts ...Option) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		capacity: capacity,
		client:   &dns.Client{Net: "udp"},
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseServer accepts "ip" or "ip:port" and defaults the port to 53.
func ParseServer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		if !usable(ap.Addr()) || ap.Port() == 0 {
			return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidServer, s)
		}
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !usable(addr) {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidServer, s)
	}
	return netip.AddrPortFrom(addr, dnsPort), nil
}

func usable(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast()
}

// Add registers a server. Adding a server already present is a no-op.
func (r *Registry) Add(server string) error {
	ap, err := ParseServer(server)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.servers {
		if s == ap {
			return nil
		}
	}
	if len(r.servers) >= r.capacity {
		return fmt.Errorf("%w: capacity %d", ErrRegistryFull, r.capacity)
	}
	r.servers = append(r.servers, ap)
	return nil
}

// Remove unregisters a server. It reports whether the server was present.
func (r *Registry) Remove(server string) bool {
	ap, err := ParseServer(server)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.servers {
		if s == ap {
			r.servers = append(r.servers[:i], r.servers[i+1:]...)
			return true
		}
	}
	return false
}

// Servers returns a copy of the registered servers.
func (r *Registry) Servers() []netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]netip.AddrPort, len(r.servers))
	copy(out, r.servers)
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Lookup resolves host to IPv4 addresses, asking each server in turn until
// one answers. IP literals are returned unchanged.
func (r *Registry) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	servers := r.Servers()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		addrs, err := r.query(ctx, msg, server)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		if err != nil {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, host, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, host)
}

func (r *Registry) query(ctx context.Context, msg *dns.Msg, server netip.AddrPort) ([]netip.Addr, error) {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, _, err := r.client.ExchangeContext(qctx, msg, server.String())
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("querying %s: %s", server, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
