// Package addressing obtains the node's IPv4 address and registers the
// resolvers it will use.
//
// AcquireAddress never fails: after the configured number of lease attempts
// (each bounded by its own wait window) it applies the static fallback
// address, so a device on a network without a DHCP server still comes up.
// The fallback is logged at warn level so it is visible in the field.
//
// The DHCP wire client lives in the dhcp subpackage; any Leaser can be used.
package addressing
