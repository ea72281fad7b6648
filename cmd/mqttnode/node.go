package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/Arnold208/MQTTClient/internal/addressing"
	"github.com/Arnold208/MQTTClient/internal/addressing/dhcp"
	"github.com/Arnold208/MQTTClient/internal/arena"
	"github.com/Arnold208/MQTTClient/internal/bringup"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/config"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/influxdb"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/logging"
	"github.com/Arnold208/MQTTClient/internal/infrastructure/mqtt"
	"github.com/Arnold208/MQTTClient/internal/radio"
	"github.com/Arnold208/MQTTClient/internal/radio/sim"
	"github.com/Arnold208/MQTTClient/internal/radio/wpa"
	"github.com/Arnold208/MQTTClient/internal/resolver"
	"github.com/Arnold208/MQTTClient/internal/session"
	"github.com/Arnold208/MQTTClient/internal/timesync"
)

// simHardwareAddr is the locally administered MAC used by the sim driver
// when none is configured.
var simHardwareAddr = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}

// node holds the wired components.
type node struct {
	cfg *config.Config
	log *logging.Logger

	driver       radio.Driver
	registry     *resolver.Registry
	orchestrator *bringup.Orchestrator
	session      *session.Manager
	influx       *influxdb.Client
}

// buildNode constructs every component from cfg without touching the
// network, except for the optional InfluxDB ping.
func buildNode(ctx context.Context, cfg *config.Config, log *logging.Logger) (*node, error) {
	n := &node{cfg: cfg, log: log}

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return nil, err
	}
	n.driver = driver

	hwAddr := driver.HardwareAddr()
	if cfg.Device.HardwareAddr != "" {
		// Validated by config.Load.
		hwAddr, _ = net.ParseMAC(cfg.Device.HardwareAddr)
	}

	addrCfg, err := addressingConfig(cfg)
	if err != nil {
		return nil, err
	}

	n.registry = resolver.NewRegistry(cfg.Network.MaxResolvers)

	leaser := dhcp.NewClient(dhcp.Config{
		LocalAddr:    cfg.Network.DHCP.LocalAddr,
		ServerAddr:   cfg.Network.DHCP.ServerAddr,
		HardwareAddr: hwAddr,
		Hostname:     cfg.Device.Hostname,
	})
	leaser.SetLogger(log.With("component", "dhcp"))

	addresser := addressing.NewService(addrCfg, leaser, n.registry,
		addressing.WithLogger(log.With("component", "addressing")))

	syncer := timesync.NewSyncer(timesync.Config{
		Enabled: cfg.TimeSync.Enabled,
		Server:  cfg.TimeSync.Server,
		Timeout: cfg.TimeSync.Timeout,
	}, n.registry, timesync.WithLogger(log.With("component", "timesync")))

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
		if err != nil {
			// Telemetry is optional; bring-up proceeds without it.
			log.Warn("InfluxDB unavailable, stage telemetry disabled", "error", err)
		} else {
			client.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			n.influx = client
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	stack := arena.New(arena.Config{
		TxPackets:    cfg.Arena.TxPackets,
		RxPackets:    cfg.Arena.RxPackets,
		PacketSize:   cfg.Arena.PacketSize,
		IPStackSize:  cfg.Arena.IPStackSize,
		ARPCacheSize: cfg.Arena.ARPCacheSize,
		MemoryBudget: cfg.Arena.MemoryBudget,
	}, arena.WithLogger(log.With("component", "arena")))

	n.orchestrator = bringup.New(bringup.Deps{
		Arena:      stack,
		Radio:      driver,
		Addressing: addresser,
		TimeSync:   syncer,
		Resolvers:  n.registry,
		Recorder:   stageRecorder{log: log, influx: n.influx},
		Logger:     log.With("component", "bringup"),
	}, bringup.Options{
		JoinAttempts: cfg.Radio.JoinAttempts,
		JoinBackoff:  cfg.Radio.JoinBackoff,
	})

	policy, err := session.ParsePolicy(cfg.MQTT.Mailbox.Policy)
	if err != nil {
		return nil, err
	}
	n.session = session.NewManager(session.Config{
		ClientID:        cfg.MQTT.Broker.ClientID,
		ConnectTimeout:  cfg.MQTT.ConnectTimeout,
		PublishTimeout:  cfg.MQTT.PublishTimeout,
		TopicCapacity:   cfg.MQTT.Mailbox.TopicCapacity,
		PayloadCapacity: cfg.MQTT.Mailbox.PayloadCapacity,
		Policy:          policy,
	}, mqttDialer(cfg.MQTT, log.With("component", "mqtt")),
		session.WithLogger(log.With("component", "session")))

	return n, nil
}

// closeSession disconnects the broker session.
func (n *node) closeSession() {
	n.log.Info("closing broker session")
	if err := n.session.Close(); err != nil {
		n.log.Error("error closing session", "error", err)
	}
}

// closeTelemetry flushes the final session sample and closes InfluxDB.
func (n *node) closeTelemetry() {
	if n.influx == nil {
		return
	}
	n.recordStats()
	n.log.Info("closing InfluxDB connection")
	if err := n.influx.Close(); err != nil {
		n.log.Error("error closing InfluxDB", "error", err)
	}
}

func buildDriver(cfg *config.Config, log *logging.Logger) (radio.Driver, error) {
	switch cfg.Radio.Driver {
	case config.DriverSim:
		mac := simHardwareAddr
		if cfg.Device.HardwareAddr != "" {
			mac, _ = net.ParseMAC(cfg.Device.HardwareAddr)
		}
		return sim.New(mac), nil
	case config.DriverWPASupplicant:
		w := cfg.Radio.WPA
		return wpa.New(wpa.Config{
			Binary:      w.Binary,
			CLIBinary:   w.CLIBinary,
			Interface:   w.Interface,
			ConfigPath:  w.ConfigPath,
			Driver:      w.Driver,
			JoinTimeout: w.JoinTimeout,
		}, wpa.WithLogger(log.With("component", "wpa"))), nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
	}
}

func addressingConfig(cfg *config.Config) (addressing.Config, error) {
	fb := cfg.Network.StaticFallback
	ip, err := netip.ParseAddr(fb.IP)
	if err != nil {
		return addressing.Config{}, fmt.Errorf("static fallback ip: %w", err)
	}
	gw, err := netip.ParseAddr(fb.Gateway)
	if err != nil {
		return addressing.Config{}, fmt.Errorf("static fallback gateway: %w", err)
	}
	mask, err := fb.ParseMask()
	if err != nil {
		return addressing.Config{}, fmt.Errorf("static fallback mask: %w", err)
	}

	return addressing.Config{
		DHCPEnabled: cfg.Network.DHCP.Enabled,
		Attempts:    cfg.Network.DHCP.Attempts,
		WaitWindow:  cfg.Network.DHCP.WaitWindow,
		Fallback:    addressing.Static{IP: ip, Mask: mask, Gateway: gw},
		Resolvers:   cfg.Network.Resolvers,
	}, nil
}

// mqttDialer creates paho-backed transports for the session.
func mqttDialer(base config.MQTTConfig, log mqtt.Logger) session.DialFunc {
	return func(ep session.Endpoint, clientID string) (session.Transport, error) {
		cfg := base
		cfg.Broker.Host = ep.Host
		cfg.Broker.Port = ep.Port
		cfg.Broker.ClientID = clientID

		c := mqtt.New(cfg)
		c.SetLogger(log)
		return c, nil
	}
}

// stageRecorder logs each bring-up stage and forwards it to InfluxDB when
// connected.
type stageRecorder struct {
	log    *logging.Logger
	influx *influxdb.Client
}

func (r stageRecorder) RecordStage(ctx context.Context, stage string, elapsed time.Duration, err error) {
	if err != nil {
		r.log.Debug("stage failed", "stage", stage, "elapsed", elapsed, "error", err)
	} else {
		r.log.Debug("stage complete", "stage", stage, "elapsed", elapsed)
	}
	if r.influx != nil {
		r.influx.RecordStage(ctx, stage, elapsed, err)
	}
}

func sessionSample(s session.Stats) influxdb.SessionSample {
	return influxdb.SessionSample{
		State:           string(s.State),
		Connects:        s.Connects,
		Publishes:       s.Publishes,
		PublishFailures: s.PublishFailures,
		Polls:           s.Polls,
		Faults:          s.Faults,
	}
}
