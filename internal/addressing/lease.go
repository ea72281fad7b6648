package addressing

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// State is the lifecycle state of a Lease.
type State int

const (
	// Pending means no address has been applied yet.
	Pending State = iota
	// Bound means the address came from a DHCP server.
	Bound
	// StaticFallback means DHCP was exhausted or disabled and the configured
	// static address was applied instead.
	StaticFallback
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Bound:
		return "bound"
	case StaticFallback:
		return "static-fallback"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lease is the interface address in effect.
type Lease struct {
	State    State
	IP       netip.Addr
	Mask     net.IPMask
	Gateway  netip.Addr
	DNS      []netip.Addr
	Duration time.Duration
	Server   netip.Addr
}

// Usable reports whether the lease carries an address a session may use.
func (l Lease) Usable() bool {
	return (l.State == Bound || l.State == StaticFallback) && l.IP.IsValid()
}

// Prefix returns the interface address with its mask length.
func (l Lease) Prefix() netip.Prefix {
	ones, _ := l.Mask.Size()
	return netip.PrefixFrom(l.IP, ones)
}

func (l Lease) String() string {
	if !l.IP.IsValid() {
		return l.State.String()
	}
	return fmt.Sprintf("%s %s gw %s", l.State, l.Prefix(), l.Gateway)
}
