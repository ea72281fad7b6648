package main

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Arnold208/MQTTClient/internal/addressing"
	"github.com/Arnold208/MQTTClient/internal/arena"
	"github.com/Arnold208/MQTTClient/internal/bringup"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/config"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/mqtt"
	"github.com/Arnold208/MQTTClient/internal/radio"
	"github.com/Arnold208/MQTTClient/internal/radio/sim"
	"github.com/Arnold208/MQTTClient/internal/resolver"
	"github.com/Arnold208/MQTTClient/internal/session"
	"github.com/Arnold208/MQTTClient/internal/timesync"
)

// oneShotLeaser grants the same lease on every request.
type oneShotLeaser struct {
	lease addressing.Lease
	calls int
}

func (l *oneShotLeaser) RequestLease(context.Context) (addressing.Lease, error) {
	l.calls++
	return l.lease, nil
}

type offsetSyncer struct {
	offset time.Duration
	calls  int
}

func (s *offsetSyncer) Sync(context.Context) (timesync.Result, error) {
	s.calls++
	return timesync.Result{Server: "pool.ntp.org", Offset: s.offset}, nil
}

type send struct {
	topic   string
	payload string
}

// recordingTransport accepts every operation and records sends.
type recordingTransport struct {
	mu         sync.Mutex
	sends      []send
	subscribed []string
}

func (r *recordingTransport) Connect(context.Context) error { return nil }

func (r *recordingTransport) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, send{topic, string(payload)})
	return nil
}

func (r *recordingTransport) Subscribe(_ context.Context, filter string, _ mqtt.MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, filter)
	return nil
}

func (r *recordingTransport) Unsubscribe(context.Context, string) error { return nil }
func (r *recordingTransport) SetOnConnectionLost(func(error))           {}
func (r *recordingTransport) Close() error                              { return nil }

// Full path from a cold node to an empty poll: join and lease on the first
// attempt, one resolver, time synced, session on the configured broker.
func TestBringUpThenPublishAndPoll(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	driver := sim.New(simHardwareAddr)
	registry := resolver.NewRegistry(resolver.DefaultCapacity)
	leaser := &oneShotLeaser{lease: addressing.Lease{
		IP:       netip.MustParseAddr("10.0.0.5"),
		Mask:     net.CIDRMask(24, 32),
		Gateway:  netip.MustParseAddr("10.0.0.1"),
		Duration: time.Hour,
	}}
	syncer := &offsetSyncer{offset: 40 * time.Millisecond}

	orch := bringup.New(bringup.Deps{
		Arena:      arena.New(arena.DefaultConfig()),
		Radio:      driver,
		Addressing: addressing.NewService(addressing.DefaultConfig(), leaser, registry),
		TimeSync:   syncer,
		Resolvers:  registry,
	}, bringup.Options{})

	if err := orch.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = orch.Teardown(context.Background()) })

	creds := radio.Credentials{SSID: "lab", Password: "secret-pass", Security: radio.WPA2PSKAES}
	nw, err := orch.Connect(ctx, creds)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if driver.Joins() != 1 || leaser.calls != 1 || syncer.calls != 1 {
		t.Errorf("joins = %d, leases = %d, syncs = %d, want 1 each", driver.Joins(), leaser.calls, syncer.calls)
	}
	if nw.Lease.State != addressing.Bound || nw.Lease.IP != leaser.lease.IP {
		t.Errorf("Lease = %s, want bound 10.0.0.5", nw.Lease)
	}
	if len(nw.Resolvers) != 1 || nw.Resolvers[0].String() != "8.8.8.8:53" {
		t.Errorf("Resolvers = %v, want [8.8.8.8:53]", nw.Resolvers)
	}
	if nw.ClockOffset != syncer.offset || len(nw.Degraded) != 0 {
		t.Errorf("ClockOffset = %v Degraded = %v", nw.ClockOffset, nw.Degraded)
	}

	transport := &recordingTransport{}
	var dialed []session.Endpoint
	dial := func(ep session.Endpoint, _ string) (session.Transport, error) {
		dialed = append(dialed, ep)
		return transport, nil
	}
	sess := session.NewManager(session.DefaultConfig(), dial)
	t.Cleanup(func() { _ = sess.Close() })

	endpoint := session.Endpoint{Host: cfg.MQTT.Broker.Host, Port: cfg.MQTT.Broker.Port}
	if err := sess.Connect(ctx, nw, endpoint); err != nil {
		t.Fatalf("session Connect() error = %v", err)
	}
	if len(dialed) != 1 || dialed[0].String() != "18.134.118.11:1883" {
		t.Errorf("dialed = %v, want 18.134.118.11:1883", dialed)
	}

	if err := sess.Publish(ctx, "fun/led", []byte("green_on")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(transport.sends) != 1 || transport.sends[0] != (send{"fun/led", "green_on"}) {
		t.Errorf("sends = %+v, want exactly one fun/led green_on", transport.sends)
	}

	msg, ok, err := sess.Subscribe(ctx, "fun/led")
	if err != nil || ok {
		t.Errorf("Subscribe() = %+v, %v, %v; want empty poll", msg, ok, err)
	}
	if sess.State() != session.StateConnected {
		t.Errorf("session State() = %q, want connected", sess.State())
	}
}
