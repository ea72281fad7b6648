// mqttnode brings a node onto the network and holds one broker session.
//
// Start-up runs the bring-up pipeline once: allocate the stack arena, join
// the radio, acquire an address (DHCP with static fallback), register
// resolvers and sync the clock. The broker session then connects to the
// configured endpoint and the watched topics are polled until shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arnold208/MQTTClient/internal/infrastructure/config"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/logging"
	"github.com/Arnold208/MQTTClient/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// pollInterval is how often watched topics are polled.
	pollInterval = 100 * time.Millisecond

	// statsInterval is how often session counters go to telemetry.
	statsInterval = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context, args []string) error {
	log := logging.Default()
	log.Info("starting mqttnode",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath, err := getConfigPath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	n, err := buildNode(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer n.closeTelemetry()

	if err := n.orchestrator.Init(ctx); err != nil {
		return fmt.Errorf("initialising network stack: %w", err)
	}
	defer func() {
		log.Info("tearing down network")
		if tdErr := n.orchestrator.Teardown(context.Background()); tdErr != nil {
			log.Error("error tearing down network", "error", tdErr)
		}
	}()

	defer n.closeSession()

	if err := n.bringUp(ctx); err != nil {
		return err
	}

	log.Info("initialisation complete, polling watched topics",
		"topics", cfg.MQTT.WatchTopics,
		"interval", pollInterval,
	)
	n.loop(ctx)

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// bringUp connects the network and then the broker session.
func (n *node) bringUp(ctx context.Context) error {
	creds, err := n.cfg.Credentials()
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}

	network, err := n.orchestrator.Connect(ctx, creds)
	if err != nil {
		return fmt.Errorf("bringing up network: %w", err)
	}
	n.log.Info("network ready",
		"network_id", network.NetworkID(),
		"lease", network.Lease.String(),
		"resolvers", len(network.Resolvers),
		"clock_offset", network.ClockOffset,
	)
	for _, d := range network.Degraded {
		n.log.Warn("bring-up degraded", "error", d)
	}

	endpoint := session.Endpoint{Host: n.cfg.MQTT.Broker.Host, Port: n.cfg.MQTT.Broker.Port}
	if err := n.session.Connect(ctx, network, endpoint); err != nil {
		return fmt.Errorf("connecting session to %s: %w", endpoint, err)
	}
	return nil
}

// loop polls the watched topics until ctx is done. A faulted session is
// recovered by a fresh bring-up, retried every join backoff.
func (n *node) loop(ctx context.Context) {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	var nextRecovery time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			n.recordStats()
		case now := <-poll.C:
			if n.session.State() == session.StateFaulted {
				if now.Before(nextRecovery) {
					continue
				}
				n.log.Warn("session faulted, bringing network up again")
				if err := n.bringUp(ctx); err != nil {
					n.log.Error("recovery failed", "error", err)
					nextRecovery = now.Add(n.cfg.Radio.JoinBackoff)
				}
				continue
			}
			n.pollTopics(ctx)
		}
	}
}

func (n *node) pollTopics(ctx context.Context) {
	for _, topic := range n.cfg.MQTT.WatchTopics {
		msg, ok, err := n.session.Subscribe(ctx, topic)
		switch {
		case errors.Is(err, session.ErrFaulted):
			return
		case err != nil:
			n.log.Warn("poll failed", "topic", topic, "error", err)
		case ok:
			n.log.Info("message received",
				"topic", msg.Topic,
				"payload", string(msg.Payload),
				"received_at", msg.ReceivedAt,
			)
		}
	}
}

func (n *node) recordStats() {
	s := n.session.Stats()
	n.log.Debug("session stats",
		"state", s.State,
		"publishes", s.Publishes,
		"polls", s.Polls,
		"faults", s.Faults,
	)
	if n.influx != nil {
		n.influx.RecordSession(sessionSample(s))
	}
}

// getConfigPath resolves the config file: -config flag, then
// MQTTNODE_CONFIG, then the default.
func getConfigPath(args []string) (string, error) {
	fs := flag.NewFlagSet("mqttnode", flag.ContinueOnError)
	path := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path != "" {
		return *path, nil
	}
	if env := os.Getenv("MQTTNODE_CONFIG"); env != "" {
		return env, nil
	}
	return defaultConfigPath, nil
}
