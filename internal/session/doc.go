// Package session owns the node's single broker session.
//
// A Manager connects once a bring-up has produced a usable network, then
// serves two consumer operations:
//
//   - Publish: exactly one QoS 0 send per call, never retried internally
//   - Subscribe: arms the topic on first use, then polls its mailbox
//
// Inbound messages arrive on the transport's goroutines and land in a
// per-topic Mailbox of capacity one. The Mailbox Policy decides whether a
// second unread arrival replaces the first (OverwriteOldest, the default)
// or is discarded (DropNewest). Topics longer than the topic capacity or
// payloads larger than the payload capacity are never truncated: the next
// poll returns a fault.BufferOverflow error instead.
//
// Any transport failure moves the session to StateFaulted. A faulted
// session stays faulted until Connect is called with a network from a
// fresh bring-up (a different NetworkID).
package session
