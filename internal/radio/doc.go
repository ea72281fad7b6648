// Package radio defines the wireless driver contract used by network bring-up.
//
// A Driver joins and leaves a wireless network given Credentials. Join is a
// single attempt; retry and backoff policy belongs to the caller (see package
// bringup). Implementations:
//
//   - radio/sim: scripted in-memory driver for tests and bench setups
//   - radio/wpa: Linux driver that supervises wpa_supplicant
package radio
