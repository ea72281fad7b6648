package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/Arnold208/MQTTClient/internal/fault"
)

// Default mailbox capacities in bytes.
const (
	DefaultTopicCapacity   = 100
	DefaultPayloadCapacity = 256
)

// Policy decides what happens when a message arrives while the mailbox
// still holds an unread one.
type Policy int

const (
	// OverwriteOldest replaces the unread message (last write wins).
	OverwriteOldest Policy = iota

	// DropNewest keeps the unread message and discards the arrival.
	DropNewest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case OverwriteOldest:
		return "overwrite"
	case DropNewest:
		return "drop-new"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a Policy. An empty name selects
// OverwriteOldest.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "overwrite":
		return OverwriteOldest, nil
	case "drop-new":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("session: unknown mailbox policy %q", name)
	}
}

// Message is an inbound message copied out of the transport.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// slot holds either a message or the overflow error that replaced it.
type slot struct {
	msg Message
	err error
}

// Mailbox is a capacity-one holding area for the latest inbound message on
// a topic. It is safe for concurrent use: Deliver runs on the transport's
// goroutines while Take runs on the polling goroutine.
type Mailbox struct {
	policy     Policy
	topicCap   int
	payloadCap int
	now        func() time.Time

	mu          sync.Mutex
	held        *slot
	overwritten uint64
	dropped     uint64
	overflows   uint64
}

// NewMailbox creates an empty mailbox. Non-positive capacities take the
// defaults.
func NewMailbox(policy Policy, topicCap, payloadCap int) *Mailbox {
	if topicCap <= 0 {
		topicCap = DefaultTopicCapacity
	}
	if payloadCap <= 0 {
		payloadCap = DefaultPayloadCapacity
	}
	return &Mailbox{
		policy:     policy,
		topicCap:   topicCap,
		payloadCap: payloadCap,
		now:        time.Now,
	}
}

// Deliver copies topic and payload into the mailbox. An oversized topic or
// payload is not stored; an overflow entry takes its place and Deliver
// returns the same fault.BufferOverflow error that the next Take reports.
func (m *Mailbox) Deliver(topic string, payload []byte) error {
	var s slot
	switch {
	case len(topic) > m.topicCap:
		s.err = fault.New(fault.BufferOverflow, "deliver",
			fmt.Errorf("topic is %d bytes, capacity %d", len(topic), m.topicCap))
	case len(payload) > m.payloadCap:
		s.err = fault.New(fault.BufferOverflow, "deliver",
			fmt.Errorf("payload on %q is %d bytes, capacity %d", topic, len(payload), m.payloadCap))
	default:
		s.msg = Message{
			Topic:      topic,
			Payload:    append([]byte(nil), payload...),
			ReceivedAt: m.now(),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.err != nil {
		m.overflows++
	}
	if m.held != nil {
		if m.policy == DropNewest {
			m.dropped++
			return s.err
		}
		m.overwritten++
	}
	m.held = &s
	return s.err
}

// Take removes and returns the held message. ok is false when the mailbox
// is empty or held an overflow entry, in which case err is non-nil.
func (m *Mailbox) Take() (msg Message, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == nil {
		return Message{}, false, nil
	}
	s := m.held
	m.held = nil
	if s.err != nil {
		return Message{}, false, s.err
	}
	return s.msg, true, nil
}

// Overwritten returns how many unread entries were replaced.
func (m *Mailbox) Overwritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overwritten
}

// Dropped returns how many arrivals were discarded under DropNewest.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Overflows returns how many arrivals exceeded a capacity.
func (m *Mailbox) Overflows() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflows
}
