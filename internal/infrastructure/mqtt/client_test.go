package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Arnold208/MQTTClient/internal/infrastructure/config"
)

// fakeToken is a paho token completed up front or left pending.
type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakePaho records calls and hands back configured tokens.
type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	connectToken pahomqtt.Token
	publishToken pahomqtt.Token
	published    []published
	handlers     map[string]pahomqtt.MessageHandler
	disconnects  int
}

func newFakePaho() *fakePaho {
	return &fakePaho{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectToken != nil {
		return f.connectToken
	}
	f.connected = true
	return completedToken(nil)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	f.published = append(f.published, published{topic, qos, retained, body})
	if f.publishToken != nil {
		return f.publishToken
	}
	return completedToken(nil)
}

func (f *fakePaho) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	return completedToken(nil)
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return completedToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return completedToken(nil)
}

func (f *fakePaho) subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[filter]
	return ok
}

func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakePaho) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: payload})
}

func testConfig() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.ClientID = "mqttnode-test"
	return cfg
}

func newTestClient(cfg config.MQTTConfig) (*Client, *fakePaho) {
	c := New(cfg)
	fake := newFakePaho()
	c.client = fake
	return c, fake
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "node"
	cfg.Auth.Password = "pw"
	cfg.StatusTopic = "nodes/mqttnode-test/status"

	opts := buildClientOptions(cfg)

	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false")
	}
	if opts.ClientID != "mqttnode-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d, want 60", opts.KeepAlive)
	}
	if opts.Username != "node" {
		t.Errorf("Username = %q, want node", opts.Username)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if !opts.WillEnabled || opts.WillTopic != cfg.StatusTopic || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestBuildClientOptions_TLSNoStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)
	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("broker = %v", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}
	if opts.WillEnabled {
		t.Error("will enabled without a status topic")
	}
}

func TestStatusPayload(t *testing.T) {
	got := statusPayload("offline", "node", "graceful_shutdown")
	for _, want := range []string{`"status":"offline"`, `"client_id":"node"`, `"reason":"graceful_shutdown"`} {
		if !strings.Contains(got, want) {
			t.Errorf("payload %s missing %s", got, want)
		}
	}
	if strings.Contains(statusPayload("online", "node", ""), "reason") {
		t.Error("online payload carries a reason")
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	cfg := testConfig()
	cfg.StatusTopic = "nodes/status"
	c, fake := newTestClient(cfg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if len(fake.published) != 1 || fake.published[0].topic != "nodes/status" || !fake.published[0].retained {
		t.Errorf("published = %+v, want retained online status", fake.published)
	}
}

func TestConnect_Refused(t *testing.T) {
	c, fake := newTestClient(testConfig())
	fake.connectToken = completedToken(errors.New("connection refused"))

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed Connect()")
	}
}

func TestConnect_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	c, fake := newTestClient(cfg)
	fake.connectToken = pendingToken()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, ErrTimeout) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed wrapping ErrTimeout", err)
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	c, fake := newTestClient(testConfig())
	fake.connectToken = pendingToken()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want context deadline", err)
	}
}

func TestConnectionLost(t *testing.T) {
	c, fake := newTestClient(testConfig())
	logger := &recordingLogger{}
	c.SetLogger(logger)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var lost error
	c.SetOnConnectionLost(func(err error) { lost = err })

	fake.connected = false
	c.handleConnectionLost(errors.New("EOF"))

	if lost == nil || lost.Error() != "EOF" {
		t.Errorf("callback error = %v, want EOF", lost)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one", logger.warns)
	}
	if err := c.Publish(context.Background(), "fun/led", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after loss error = %v, want ErrNotConnected", err)
	}
}

func TestClose(t *testing.T) {
	cfg := testConfig()
	cfg.StatusTopic = "nodes/status"
	c, fake := newTestClient(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fake.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", fake.disconnects)
	}
	last := fake.published[len(fake.published)-1]
	if !strings.Contains(string(last.payload), "graceful_shutdown") {
		t.Errorf("last publish = %s, want graceful offline status", last.payload)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish(t *testing.T) {
	c, fake := newTestClient(testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Publish(context.Background(), "fun/led", []byte("green_on")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	p := fake.published[0]
	if p.topic != "fun/led" || string(p.payload) != "green_on" || p.qos != 0 || p.retained {
		t.Errorf("published = %+v, want fun/led green_on qos0", p)
	}
}

func TestPublish_Validation(t *testing.T) {
	c, fake := newTestClient(testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx := context.Background()

	if err := c.Publish(ctx, "", nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Publish(ctx, "fun/+", nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("wildcard topic error = %v", err)
	}
	if err := c.PublishWith(ctx, "fun/led", nil, 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v", err)
	}
	if err := c.Publish(ctx, "fun/led", make([]byte, maxPayloadSize+1)); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversize error = %v", err)
	}
	if len(fake.published) != 0 {
		t.Errorf("invalid publishes reached paho: %d", len(fake.published))
	}
}

func TestPublish_TokenError(t *testing.T) {
	c, fake := newTestClient(testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fake.publishToken = completedToken(errors.New("write: broken pipe"))

	if err := c.Publish(context.Background(), "fun/led", []byte("x")); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
	if len(fake.published) != 1 {
		t.Errorf("sends = %d, want exactly 1", len(fake.published))
	}
}

func TestPublish_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	c, fake := newTestClient(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fake.publishToken = pendingToken()

	if err := c.Publish(context.Background(), "fun/led", []byte("x")); !errors.Is(err, ErrTimeout) {
		t.Errorf("Publish() error = %v, want ErrTimeout", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe(t *testing.T) {
	c, fake := newTestClient(testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var gotTopic, gotPayload string
	err := c.Subscribe(context.Background(), "fun/+", func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !fake.subscribed("fun/+") {
		t.Fatal("filter not subscribed on the broker client")
	}

	fake.deliver("fun/+", "fun/led", []byte("green_off"))
	if gotTopic != "fun/led" || gotPayload != "green_off" {
		t.Errorf("handler got %q=%q", gotTopic, gotPayload)
	}

	if err := c.Unsubscribe(context.Background(), "fun/+"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if fake.subscribed("fun/+") {
		t.Error("filter still subscribed after Unsubscribe()")
	}
}

func TestUnsubscribe_NotConnected(t *testing.T) {
	c, _ := newTestClient(testConfig())
	if err := c.Unsubscribe(context.Background(), "fun/+"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe(context.Background(), "fun/#/x"); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() bad filter error = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c, _ := newTestClient(testConfig())
	ctx := context.Background()
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe(ctx, "fun/#/led", noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("bad filter error = %v", err)
	}
	if err := c.Subscribe(ctx, "fun/led", nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe(ctx, "fun/led", noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
}

func TestHandlerPanicAndError(t *testing.T) {
	c, fake := newTestClient(testConfig())
	logger := &recordingLogger{}
	c.SetLogger(logger)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_ = c.Subscribe(context.Background(), "a", func(string, []byte) error { panic("boom") })
	_ = c.Subscribe(context.Background(), "b", func(string, []byte) error { return errors.New("bad") })

	fake.deliver("a", "a", nil)
	fake.deliver("b", "b", nil)

	if len(logger.errors) != 1 || len(logger.warns) != 1 {
		t.Errorf("errors=%v warns=%v, want one of each", logger.errors, logger.warns)
	}
}

// =============================================================================
// Topic Validation Tests
// =============================================================================

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		filter string
		valid  bool
	}{
		{"fun/led", true},
		{"fun/+", true},
		{"+/+/state", true},
		{"#", true},
		{"fun/#", true},
		{"", false},
		{"fun/#/x", false},
		{"fun/le+d", false},
		{"fun/led#", false},
		{"fun/\x00", false},
	}

	for _, tt := range tests {
		err := ValidateTopicFilter(tt.filter)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateTopicFilter(%q) = %v, want valid=%v", tt.filter, err, tt.valid)
		}
	}
}

func TestValidateTopicName(t *testing.T) {
	if err := ValidateTopicName("fun/led"); err != nil {
		t.Errorf("ValidateTopicName(fun/led) = %v", err)
	}
	for _, bad := range []string{"", "fun/+", "fun/#", string([]byte{0xff})} {
		if err := ValidateTopicName(bad); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateTopicName(%q) = %v, want ErrInvalidTopic", bad, err)
		}
	}
}
