// Package fault defines the error taxonomy shared by network bring-up and the
// messaging session.
//
// Every failure that crosses a package boundary carries a Kind, so callers can
// branch on the class of failure without knowing which component produced it:
//
//	if errors.Is(err, fault.RadioJoinFailure) {
//	    // retry Connect later; arena resources are still allocated
//	}
//
// Kinds and their propagation:
//   - AllocationFailure: arena/IP-stack stage failed; bring-up aborts after unwind
//   - RadioJoinFailure: join attempts exhausted; arena left intact
//   - AddressAcquisitionFailure: lease attempt failed; always resolved by static fallback
//   - ResolverConfigurationFailure: logged, bring-up proceeds
//   - TimeSyncFailure: logged, bring-up proceeds
//   - TransportFailure: session connect/publish/subscribe failed; never retried internally
//   - BufferOverflow: inbound topic or payload exceeded mailbox capacity
package fault
