package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/config"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *fakeWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.points))
	for i, p := range w.points {
		out[i] = write.PointToLineProtocol(p, time.Nanosecond)
	}
	return out
}

type fakePinger struct {
	healthy bool
	err     error
	closed  int
}

func (p *fakePinger) Ping(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.healthy, p.err
}

func (p *fakePinger) Close() { p.closed++ }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient() (*Client, *fakeWriter, *fakePinger) {
	w := &fakeWriter{}
	p := &fakePinger{healthy: true}
	c := newClient(p, w, "mxchip_client")
	c.now = func() time.Time { return fixedNow }
	return c, w, p
}

// testConfig returns a configuration for a local InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "mqttnode-dev-token",
		Org:           "mqttnode",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// =============================================================================
// Recorder Tests
// =============================================================================

func TestRecordStage_Success(t *testing.T) {
	c, w, _ := newTestClient()

	c.RecordStage(context.Background(), "radio-join", 1500*time.Millisecond, nil)

	lines := w.lines()
	if len(lines) != 1 {
		t.Fatalf("points = %d, want 1", len(lines))
	}
	want := "bringup_stage,node=mxchip_client,outcome=ok,stage=radio-join elapsed_ms=1500"
	if !strings.HasPrefix(lines[0], want) {
		t.Errorf("line = %q, want prefix %q", lines[0], want)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "1772366400000000000") {
		t.Errorf("line = %q, want fixed timestamp", lines[0])
	}
}

func TestRecordStage_Failure(t *testing.T) {
	c, w, _ := newTestClient()
	err := fault.New(fault.RadioJoinFailure, "radio-join", errors.New("attempt 5: timeout"))

	c.RecordStage(context.Background(), "radio-join", time.Second, err)

	line := w.lines()[0]
	for _, want := range []string{
		`kind=radio\ join\ failure`,
		"outcome=error",
		`error="radio join failure: radio-join: attempt 5: timeout"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestRecordSession(t *testing.T) {
	c, w, _ := newTestClient()

	c.RecordSession(SessionSample{State: "connected", Connects: 1, Publishes: 4, Polls: 9})

	line := w.lines()[0]
	for _, want := range []string{"mqtt_session,node=mxchip_client,state=connected", "publishes=4i", "polls=9i", "faults=0i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWritePoint_KeepsExplicitNode(t *testing.T) {
	c, w, _ := newTestClient()
	tags := map[string]string{"node": "other"}

	c.WritePoint("radio", tags, map[string]interface{}{"joins": 3})

	if !strings.HasPrefix(w.lines()[0], "radio,node=other joins=3i") {
		t.Errorf("line = %q", w.lines()[0])
	}
	if len(tags) != 1 {
		t.Error("caller's tag map modified")
	}
}

func TestWriteAfterClose(t *testing.T) {
	c, w, p := newTestClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 || p.closed != 1 {
		t.Errorf("flushes=%d closed=%d, want 1, 1", w.flushes, p.closed)
	}

	c.RecordStage(context.Background(), "address", time.Second, nil)
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Error("client wrote or flushed after Close()")
	}
	if err := c.Close(); err != nil || p.closed != 1 {
		t.Errorf("second Close() = %v, closed=%d", err, p.closed)
	}
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	c, _, p := newTestClient()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	p.healthy = false
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() = nil for unhealthy server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.healthy = true
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}

	_ = c.Close()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestWriteErrorsCallback(t *testing.T) {
	c, _, _ := newTestClient()
	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("write: 401 unauthorized")
	close(errs)
	c.handleWriteErrors(errs)

	select {
	case err := <-got:
		if !strings.Contains(err.Error(), "401") {
			t.Errorf("callback error = %v", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(context.Background(), cfg, "node")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := Connect(context.Background(), cfg, "node")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Live(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION to test against a local InfluxDB")
	}

	client, err := Connect(context.Background(), testConfig(), "mqttnode-test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.RecordStage(context.Background(), "allocate", 3*time.Millisecond, nil)
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
