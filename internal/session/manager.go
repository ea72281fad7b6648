package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/mqtt"
)

var (
	// ErrNetworkNotReady is returned by Connect when the network has no
	// usable address.
	ErrNetworkNotReady = errors.New("session: network not ready")

	// ErrFaulted is returned while the session is faulted.
	ErrFaulted = errors.New("session: faulted")

	// ErrNotConnected is returned by Publish and Subscribe before Connect.
	ErrNotConnected = errors.New("session: not connected")

	// ErrInvalidEndpoint is returned for an empty host or out-of-range port.
	ErrInvalidEndpoint = errors.New("session: invalid broker endpoint")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// State is the session's connection state.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateConnected         State = "connected"
	StatePublishing        State = "publishing"
	StateSubscribedWaiting State = "subscribed-waiting"
	StateFaulted           State = "faulted"
)

// Endpoint is the broker address. Host is normally a raw IP address so the
// session does not depend on resolvers.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate checks the endpoint fields.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Network is the bring-up result the session connects over.
type Network interface {
	// NetworkID identifies the bring-up that produced the network.
	NetworkID() string

	// Usable reports whether the network has a bound or fallback address.
	Usable() bool
}

// Transport is one broker connection. *mqtt.Client implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, filter string) error
	SetOnConnectionLost(callback func(err error))
	Close() error
}

// closeTimeout bounds the unsubscribes sent by Close.
const closeTimeout = 5 * time.Second

// DialFunc creates an unconnected transport for endpoint.
type DialFunc func(endpoint Endpoint, clientID string) (Transport, error)

// Logger defines the logging interface for the session.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes the session.
type Config struct {
	ClientID string

	// ConnectTimeout and PublishTimeout of zero wait until ctx is done.
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	TopicCapacity   int
	PayloadCapacity int
	Policy          Policy
}

// DefaultConfig returns the reference sizing with unbounded waits.
func DefaultConfig() Config {
	return Config{
		ClientID:        "mxchip_client",
		TopicCapacity:   DefaultTopicCapacity,
		PayloadCapacity: DefaultPayloadCapacity,
		Policy:          OverwriteOldest,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used to stamp inbound messages.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Stats summarises session activity.
type Stats struct {
	State           State  `json:"state"`
	Endpoint        string `json:"endpoint,omitempty"`
	NetworkID       string `json:"network_id,omitempty"`
	Connects        int    `json:"connects"`
	Publishes       int    `json:"publishes"`
	PublishFailures int    `json:"publish_failures"`
	Polls           int    `json:"polls"`
	Subscriptions   int    `json:"subscriptions"`
	Faults          int    `json:"faults"`
	LastError       string `json:"last_error,omitempty"`
}

// Manager owns one broker session.
//
// Connect, Publish, Subscribe and Close are serialised; State and Stats may
// be called from any goroutine.
type Manager struct {
	cfg    Config
	dial   DialFunc
	logger Logger
	clock  clock.Clock

	// opMu serialises the consumer operations.
	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	transport Transport
	gen       uint64
	endpoint  Endpoint
	networkID string
	faultedOn string
	mailboxes map[string]*Mailbox
	closed    bool
	stats     Stats
}

// NewManager creates a disconnected session. Zero capacities take the
// defaults.
func NewManager(cfg Config, dial DialFunc, opts ...Option) *Manager {
	if cfg.TopicCapacity <= 0 {
		cfg.TopicCapacity = DefaultTopicCapacity
	}
	if cfg.PayloadCapacity <= 0 {
		cfg.PayloadCapacity = DefaultPayloadCapacity
	}
	m := &Manager{
		cfg:       cfg,
		dial:      dial,
		logger:    noopLogger{},
		clock:     clock.New(),
		state:     StateDisconnected,
		mailboxes: make(map[string]*Mailbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the broker session over network. It blocks until the
// broker accepts the session, the connect timeout elapses or ctx is done.
//
// A faulted session only reconnects over a network from a fresh bring-up.
// Connecting while connected replaces the existing transport.
func (m *Manager) Connect(ctx context.Context, network Network, endpoint Endpoint) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if network == nil || !network.Usable() {
		return ErrNetworkNotReady
	}
	if err := endpoint.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateFaulted && m.faultedOn == network.NetworkID() {
		m.mu.Unlock()
		return fmt.Errorf("%w: network %s already faulted, bring the network up again", ErrFaulted, network.NetworkID())
	}
	old := m.transport
	m.transport = nil
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.endpoint = endpoint
	m.networkID = network.NetworkID()
	m.mailboxes = make(map[string]*Mailbox)
	m.stats.Subscriptions = 0
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.logger.Info("connecting to broker",
		"endpoint", endpoint.String(),
		"client_id", m.cfg.ClientID,
		"network_id", network.NetworkID(),
	)

	t, err := m.dial(endpoint, m.cfg.ClientID)
	if err != nil {
		return m.fault(gen, "connect", err)
	}
	t.SetOnConnectionLost(func(err error) {
		m.connectionLost(gen, err)
	})

	connectCtx, cancel := withTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := t.Connect(connectCtx); err != nil {
		_ = t.Close()
		return m.fault(gen, "connect", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Lost between the transport connecting and here.
		m.mu.Unlock()
		_ = t.Close()
		return fault.New(fault.TransportFailure, "connect", ErrFaulted)
	}
	m.transport = t
	m.state = StateConnected
	m.stats.Connects++
	m.mu.Unlock()

	m.logger.Info("broker session connected", "endpoint", endpoint.String())
	return nil
}

// Publish sends payload to topic exactly once at QoS 0. A send failure
// faults the session; retrying is left to the caller.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := mqtt.ValidateTopicName(topic); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	t, gen, err := m.enter(StatePublishing, "publish")
	if err != nil {
		return err
	}

	publishCtx, cancel := withTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	if err := t.Publish(publishCtx, topic, payload); err != nil {
		m.mu.Lock()
		m.stats.PublishFailures++
		m.mu.Unlock()
		m.logger.Error("publish failed", "topic", topic, "bytes", len(payload), "error", err)
		return m.fault(gen, "publish", err)
	}

	m.mu.Lock()
	m.stats.Publishes++
	m.mu.Unlock()
	m.leave(gen, StatePublishing)
	return nil
}

// Subscribe polls topic. The first call for a topic arms the subscription
// on the transport; every call returns and clears the mailbox content
// without waiting for an arrival. ok is false when nothing has arrived
// since the previous poll.
func (m *Manager) Subscribe(ctx context.Context, topic string) (Message, bool, error) {
	if err := mqtt.ValidateTopicFilter(topic); err != nil {
		return Message{}, false, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	t, gen, err := m.enter(StateSubscribedWaiting, "subscribe")
	if err != nil {
		return Message{}, false, err
	}

	m.mu.RLock()
	mb, armed := m.mailboxes[topic]
	m.mu.RUnlock()

	if !armed {
		mb = NewMailbox(m.cfg.Policy, m.cfg.TopicCapacity, m.cfg.PayloadCapacity)
		mb.now = m.clock.Now

		subscribeCtx, cancel := withTimeout(ctx, m.cfg.PublishTimeout)
		err := t.Subscribe(subscribeCtx, topic, m.inbound(topic, mb))
		cancel()
		if err != nil {
			m.logger.Error("subscribe failed", "topic", topic, "error", err)
			return Message{}, false, m.fault(gen, "subscribe", err)
		}

		m.mu.Lock()
		m.mailboxes[topic] = mb
		m.stats.Subscriptions = len(m.mailboxes)
		m.mu.Unlock()
		m.logger.Debug("subscription armed", "topic", topic)
	}

	m.mu.Lock()
	m.stats.Polls++
	m.mu.Unlock()
	m.leave(gen, StateSubscribedWaiting)

	return mb.Take()
}

// inbound returns the transport callback that fills mb.
func (m *Manager) inbound(filter string, mb *Mailbox) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		if err := mb.Deliver(topic, payload); err != nil {
			m.logger.Warn("inbound message rejected",
				"filter", filter,
				"topic_bytes", len(topic),
				"payload_bytes", len(payload),
				"error", err,
			)
			return err
		}
		return nil
	}
}

// Mailbox returns the mailbox armed for topic, or nil.
func (m *Manager) Mailbox(topic string) *Mailbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mailboxes[topic]
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a snapshot of session activity.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.State = m.state
	s.NetworkID = m.networkID
	if m.endpoint.Host != "" {
		s.Endpoint = m.endpoint.String()
	}
	return s
}

// Close unsubscribes the armed topics of a healthy session and disconnects.
// The manager cannot be reused.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	t := m.transport
	var armed []string
	if m.state == StateConnected {
		for topic := range m.mailboxes {
			armed = append(armed, topic)
		}
	}
	m.transport = nil
	m.gen++
	m.state = StateDisconnected
	m.mailboxes = make(map[string]*Mailbox)
	m.stats.Subscriptions = 0
	m.mu.Unlock()

	if t == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, topic := range armed {
		if err := t.Unsubscribe(ctx, topic); err != nil {
			m.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}

	if err := t.Close(); err != nil {
		return fault.New(fault.TransportFailure, "close", err)
	}
	m.logger.Info("broker session closed")
	return nil
}

// enter moves a connected session into a transient state and returns the
// live transport.
func (m *Manager) enter(to State, op string) (Transport, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return nil, 0, ErrClosed
	case m.state == StateFaulted:
		return nil, 0, fault.New(fault.TransportFailure, op, ErrFaulted)
	case m.state != StateConnected || m.transport == nil:
		return nil, 0, fault.New(fault.TransportFailure, op, ErrNotConnected)
	}
	m.state = to
	return m.transport, m.gen, nil
}

// leave returns from a transient state unless the session faulted meanwhile.
func (m *Manager) leave(gen uint64, from State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.state == from {
		m.state = StateConnected
	}
}

// fault records a transport failure against generation gen.
func (m *Manager) fault(gen uint64, op string, err error) error {
	m.mu.Lock()
	if gen == m.gen {
		m.markFaultedLocked(err)
	}
	m.mu.Unlock()
	return fault.New(fault.TransportFailure, op, err)
}

func (m *Manager) markFaultedLocked(err error) {
	m.state = StateFaulted
	m.faultedOn = m.networkID
	m.stats.Faults++
	if err != nil {
		m.stats.LastError = err.Error()
	}
}

// connectionLost is installed on each transport; losses reported by a
// replaced transport are ignored.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateFaulted {
		m.mu.Unlock()
		return
	}
	m.markFaultedLocked(err)
	m.mu.Unlock()

	m.logger.Error("broker connection lost", "error", err)
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
