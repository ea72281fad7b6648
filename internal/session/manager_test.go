package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/mqtt"
)

type sent struct {
	topic   string
	payload string
}

// fakeTransport records calls; Connect blocks on ctx when block is set.
type fakeTransport struct {
	mu           sync.Mutex
	connectErr   error
	block        bool
	publishErr   error
	subscribeErr error
	connects     int
	sends        []sent
	subscribes   []string
	unsubscribes []string
	handlers     map[string]mqtt.MessageHandler
	closed       int
	onLost       func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	block, err := f.block, f.connectErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{topic, string(payload)})
	return f.publishErr
}

func (f *fakeTransport) Subscribe(_ context.Context, filter string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, filter)
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[filter] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, filter)
	delete(f.handlers, filter)
	return nil
}

func (f *fakeTransport) SetOnConnectionLost(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = cb
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// deliver invokes the handler armed for filter as the transport would.
func (f *fakeTransport) deliver(filter, topic, payload string) error {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	return h(topic, []byte(payload))
}

func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	cb := f.onLost
	f.mu.Unlock()
	cb(err)
}

type fakeNetwork struct {
	id     string
	usable bool
}

func (n fakeNetwork) NetworkID() string { return n.id }
func (n fakeNetwork) Usable() bool      { return n.usable }

var testEndpoint = Endpoint{Host: "18.134.118.11", Port: 1883}

// dialer hands out transports in order and records dial arguments.
type dialer struct {
	transports []*fakeTransport
	endpoints  []Endpoint
	clientIDs  []string
}

func (d *dialer) dial(ep Endpoint, clientID string) (Transport, error) {
	d.endpoints = append(d.endpoints, ep)
	d.clientIDs = append(d.clientIDs, clientID)
	t := newFakeTransport()
	if n := len(d.endpoints) - 1; n < len(d.transports) {
		t = d.transports[n]
	}
	return t, nil
}

func connected(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	d := &dialer{transports: []*fakeTransport{ft}}
	m := NewManager(DefaultConfig(), d.dial)
	if err := m.Connect(context.Background(), fakeNetwork{"net-1", true}, testEndpoint); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return m, ft
}

// =============================================================================
// Connect Tests
// =============================================================================

func TestEndpoint(t *testing.T) {
	if got := testEndpoint.String(); got != "18.134.118.11:1883" {
		t.Errorf("String() = %q", got)
	}
	for _, ep := range []Endpoint{{"", 1883}, {"10.0.0.1", 0}, {"10.0.0.1", 70000}} {
		if err := ep.Validate(); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidEndpoint", ep, err)
		}
	}
}

func TestConnect_NetworkNotReady(t *testing.T) {
	d := &dialer{}
	m := NewManager(DefaultConfig(), d.dial)

	for _, n := range []Network{nil, fakeNetwork{"net-1", false}} {
		if err := m.Connect(context.Background(), n, testEndpoint); !errors.Is(err, ErrNetworkNotReady) {
			t.Errorf("Connect(%v) error = %v, want ErrNetworkNotReady", n, err)
		}
	}
	if len(d.endpoints) != 0 {
		t.Error("dialled without a usable network")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
}

func TestConnect(t *testing.T) {
	ft := newFakeTransport()
	d := &dialer{transports: []*fakeTransport{ft}}
	cfg := DefaultConfig()
	cfg.ClientID = "node-7"
	m := NewManager(cfg, d.dial)

	if err := m.Connect(context.Background(), fakeNetwork{"net-1", true}, testEndpoint); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
	if d.endpoints[0] != testEndpoint || d.clientIDs[0] != "node-7" {
		t.Errorf("dialled %v as %q", d.endpoints[0], d.clientIDs[0])
	}
	stats := m.Stats()
	if stats.Connects != 1 || stats.NetworkID != "net-1" || stats.Endpoint != "18.134.118.11:1883" {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestConnect_FailureFaults(t *testing.T) {
	first := newFakeTransport()
	first.connectErr = errors.New("connection refused")
	d := &dialer{transports: []*fakeTransport{first}}
	m := NewManager(DefaultConfig(), d.dial)
	ctx := context.Background()

	err := m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint)
	if !errors.Is(err, fault.TransportFailure) {
		t.Fatalf("Connect() error = %v, want TransportFailure", err)
	}
	if m.State() != StateFaulted {
		t.Fatalf("State() = %s, want faulted", m.State())
	}
	if first.closed != 1 {
		t.Errorf("failed transport closed %d times, want 1", first.closed)
	}

	// Same bring-up: refused without dialling.
	if err := m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint); !errors.Is(err, ErrFaulted) {
		t.Errorf("Connect() on same network error = %v, want ErrFaulted", err)
	}
	if len(d.endpoints) != 1 {
		t.Errorf("dials = %d, want 1", len(d.endpoints))
	}

	// Fresh bring-up recovers.
	if err := m.Connect(ctx, fakeNetwork{"net-2", true}, testEndpoint); err != nil {
		t.Fatalf("Connect() on new network error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
}

func TestConnect_Timeout(t *testing.T) {
	ft := newFakeTransport()
	ft.block = true
	d := &dialer{transports: []*fakeTransport{ft}}
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	m := NewManager(cfg, d.dial)

	err := m.Connect(context.Background(), fakeNetwork{"net-1", true}, testEndpoint)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, fault.TransportFailure) {
		t.Errorf("Connect() error = %v, want TransportFailure wrapping deadline", err)
	}
	if m.State() != StateFaulted {
		t.Errorf("State() = %s, want faulted", m.State())
	}
}

func TestConnect_UnboundedUntilCancelled(t *testing.T) {
	ft := newFakeTransport()
	ft.block = true
	d := &dialer{transports: []*fakeTransport{ft}}
	m := NewManager(DefaultConfig(), d.dial)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint)
	}()

	select {
	case err := <-errCh:
		t.Fatalf("Connect() returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Connect() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() did not return after cancel")
	}
}

func TestConnect_ReplacesTransport(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	d := &dialer{transports: []*fakeTransport{first, second}}
	m := NewManager(DefaultConfig(), d.dial)
	ctx := context.Background()

	_ = m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint)
	if err := m.Connect(ctx, fakeNetwork{"net-2", true}, testEndpoint); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first.closed != 1 {
		t.Errorf("replaced transport closed %d times, want 1", first.closed)
	}

	// A late loss report from the replaced transport is ignored.
	first.lose(errors.New("EOF"))
	if m.State() != StateConnected {
		t.Errorf("State() = %s after stale loss, want connected", m.State())
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_ExactlyOnce(t *testing.T) {
	m, ft := connected(t)

	for i := 0; i < 3; i++ {
		if err := m.Publish(context.Background(), "fun/led", []byte("green_on")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if len(ft.sends) != 3 {
		t.Errorf("sends = %d, want 3 (one per call)", len(ft.sends))
	}
	if ft.sends[0] != (sent{"fun/led", "green_on"}) {
		t.Errorf("sent %+v", ft.sends[0])
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
	if m.Stats().Publishes != 3 {
		t.Errorf("Publishes = %d, want 3", m.Stats().Publishes)
	}
}

func TestPublish_FailureNotRetried(t *testing.T) {
	m, ft := connected(t)
	ft.publishErr = errors.New("write: broken pipe")

	err := m.Publish(context.Background(), "fun/led", []byte("green_on"))
	if !errors.Is(err, fault.TransportFailure) {
		t.Fatalf("Publish() error = %v, want TransportFailure", err)
	}
	if len(ft.sends) != 1 {
		t.Errorf("sends = %d, want exactly 1", len(ft.sends))
	}
	if m.State() != StateFaulted {
		t.Errorf("State() = %s, want faulted", m.State())
	}

	err = m.Publish(context.Background(), "fun/led", []byte("green_on"))
	if !errors.Is(err, ErrFaulted) || !errors.Is(err, fault.TransportFailure) {
		t.Errorf("Publish() while faulted error = %v", err)
	}
	if len(ft.sends) != 1 {
		t.Errorf("faulted session sent again")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	m := NewManager(DefaultConfig(), (&dialer{}).dial)
	err := m.Publish(context.Background(), "fun/led", nil)
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, fault.TransportFailure) {
		t.Errorf("Publish() error = %v, want TransportFailure(ErrNotConnected)", err)
	}
}

func TestPublish_InvalidTopicKeepsSession(t *testing.T) {
	m, ft := connected(t)

	if err := m.Publish(context.Background(), "fun/+", nil); !errors.Is(err, mqtt.ErrInvalidTopic) {
		t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
	}
	if len(ft.sends) != 0 || m.State() != StateConnected {
		t.Error("invalid topic reached the transport or faulted the session")
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe_PollSemantics(t *testing.T) {
	m, ft := connected(t)
	ctx := context.Background()

	msg, ok, err := m.Subscribe(ctx, "fun/led")
	if err != nil || ok {
		t.Fatalf("first poll = (%+v, %v, %v), want empty", msg, ok, err)
	}

	if err := ft.deliver("fun/led", "fun/led", "M1"); err != nil {
		t.Fatal(err)
	}
	if err := ft.deliver("fun/led", "fun/led", "M2"); err != nil {
		t.Fatal(err)
	}

	msg, ok, err = m.Subscribe(ctx, "fun/led")
	if err != nil || !ok || string(msg.Payload) != "M2" || msg.Topic != "fun/led" {
		t.Errorf("poll = (%+v, %v, %v), want M2", msg, ok, err)
	}
	if _, ok, _ := m.Subscribe(ctx, "fun/led"); ok {
		t.Error("poll after take returned a message")
	}

	if len(ft.subscribes) != 1 {
		t.Errorf("transport subscribes = %d, want 1 (armed once)", len(ft.subscribes))
	}
	if m.Mailbox("fun/led").Overwritten() != 1 {
		t.Errorf("Overwritten() = %d, want 1", m.Mailbox("fun/led").Overwritten())
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
}

func TestSubscribe_DropNewestPolicy(t *testing.T) {
	ft := newFakeTransport()
	cfg := DefaultConfig()
	cfg.Policy = DropNewest
	m := NewManager(cfg, (&dialer{transports: []*fakeTransport{ft}}).dial)
	ctx := context.Background()
	_ = m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint)

	_, _, _ = m.Subscribe(ctx, "fun/led")
	_ = ft.deliver("fun/led", "fun/led", "M1")
	_ = ft.deliver("fun/led", "fun/led", "M2")

	msg, _, _ := m.Subscribe(ctx, "fun/led")
	if string(msg.Payload) != "M1" {
		t.Errorf("payload = %q, want M1", msg.Payload)
	}
}

func TestSubscribe_Overflow(t *testing.T) {
	m, ft := connected(t)
	ctx := context.Background()
	_, _, _ = m.Subscribe(ctx, "fun/#")

	err := ft.deliver("fun/#", "fun/"+strings.Repeat("x", 200), "on")
	if !errors.Is(err, fault.BufferOverflow) {
		t.Errorf("handler error = %v, want BufferOverflow", err)
	}

	_, ok, err := m.Subscribe(ctx, "fun/#")
	if ok || !errors.Is(err, fault.BufferOverflow) {
		t.Errorf("poll = (%v, %v), want BufferOverflow", ok, err)
	}
	if m.State() != StateConnected {
		t.Errorf("overflow changed state to %s", m.State())
	}
}

func TestSubscribe_StampsArrival(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ft := newFakeTransport()
	m := NewManager(DefaultConfig(), (&dialer{transports: []*fakeTransport{ft}}).dial, WithClock(mock))
	ctx := context.Background()
	_ = m.Connect(ctx, fakeNetwork{"net-1", true}, testEndpoint)

	_, _, _ = m.Subscribe(ctx, "fun/led")
	_ = ft.deliver("fun/led", "fun/led", "green_on")

	msg, _, _ := m.Subscribe(ctx, "fun/led")
	if !msg.ReceivedAt.Equal(mock.Now()) {
		t.Errorf("ReceivedAt = %v, want %v", msg.ReceivedAt, mock.Now())
	}
}

func TestSubscribe_FailureFaults(t *testing.T) {
	m, ft := connected(t)
	ft.subscribeErr = errors.New("suback timeout")

	_, _, err := m.Subscribe(context.Background(), "fun/led")
	if !errors.Is(err, fault.TransportFailure) {
		t.Errorf("Subscribe() error = %v, want TransportFailure", err)
	}
	if m.State() != StateFaulted {
		t.Errorf("State() = %s, want faulted", m.State())
	}
	if m.Mailbox("fun/led") != nil {
		t.Error("mailbox kept for a failed subscription")
	}
}

func TestSubscribe_InvalidFilter(t *testing.T) {
	m, _ := connected(t)
	if _, _, err := m.Subscribe(context.Background(), "fun/#/led"); !errors.Is(err, mqtt.ErrInvalidTopic) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestConnectionLostFaults(t *testing.T) {
	m, ft := connected(t)

	ft.lose(errors.New("EOF"))

	if m.State() != StateFaulted {
		t.Fatalf("State() = %s, want faulted", m.State())
	}
	if _, _, err := m.Subscribe(context.Background(), "fun/led"); !errors.Is(err, ErrFaulted) {
		t.Errorf("Subscribe() error = %v, want ErrFaulted", err)
	}
	if s := m.Stats(); s.Faults != 1 || s.LastError != "EOF" {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestClose(t *testing.T) {
	m, ft := connected(t)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ft.closed != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closed)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := m.Publish(context.Background(), "fun/led", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Connect(context.Background(), fakeNetwork{"net-9", true}, testEndpoint); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

func TestClose_UnsubscribesArmedTopics(t *testing.T) {
	m, ft := connected(t)
	ctx := context.Background()

	for _, topic := range []string{"fun/led", "fun/+"} {
		if _, _, err := m.Subscribe(ctx, topic); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if got := m.Stats().Subscriptions; got != 2 {
		t.Fatalf("Stats().Subscriptions = %d, want 2", got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(ft.unsubscribes) != 2 {
		t.Errorf("unsubscribes = %v, want both armed topics", ft.unsubscribes)
	}
	if got := m.Stats().Subscriptions; got != 0 {
		t.Errorf("Stats().Subscriptions after Close = %d, want 0", got)
	}
}

func TestClose_FaultedSkipsUnsubscribe(t *testing.T) {
	m, ft := connected(t)
	if _, _, err := m.Subscribe(context.Background(), "fun/led"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ft.lose(errors.New("broker gone"))

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(ft.unsubscribes) != 0 {
		t.Errorf("unsubscribes = %v on a faulted session, want none", ft.unsubscribes)
	}
}

// End to end with a ready network: publish succeeds and an unarmed topic
// polls empty.
func TestPublishThenPollBeforeArrival(t *testing.T) {
	m, ft := connected(t)
	ctx := context.Background()

	if err := m.Publish(ctx, "fun/led", []byte("green_on")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	msg, ok, err := m.Subscribe(ctx, "fun/led")
	if err != nil || ok {
		t.Errorf("poll = (%+v, %v, %v), want empty", msg, ok, err)
	}
	if len(ft.sends) != 1 {
		t.Errorf("sends = %d, want 1", len(ft.sends))
	}
}
