// Package arena owns the fixed-capacity resources the IP stack runs on.
//
// This package manages:
//   - Transmit and receive packet pools (exactly one of each)
//   - The IP stack instance, bound to the transmit pool
//   - The address-resolution (ARP) cache
//   - The transport protocols enabled on the stack (TCP, UDP, ICMP)
//
// # Acquisition Order
//
// Resources are acquired in a fixed order:
//
//	tx-pool → rx-pool → ip-stack → arp-cache → tcp → udp → icmp
//
// Each acquired resource is pushed onto a Scope. If any stage fails, the Scope
// is unwound and every earlier resource is released in exact reverse order
// before the AllocationFailure is returned. There is no per-stage cleanup code.
//
// # Memory
//
// All backing memory comes from an Allocator. The default allocator is heap
// backed with an optional byte budget, which models the static memory regions
// of a constrained device: a budget that is too small fails the stage that
// exceeds it.
//
// # Usage
//
//	a := arena.New(arena.DefaultConfig())
//	res, err := a.Allocate(ctx)
//	if err != nil {
//	    return err // fault.AllocationFailure, nothing leaked
//	}
//	defer a.Release()
//	pkt, err := res.TxPool.Get()
package arena
