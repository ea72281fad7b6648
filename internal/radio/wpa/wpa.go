// Package wpa drives a Linux wireless interface through wpa_supplicant.
//
// Each Join renders a single-network configuration file, (re)starts the
// supplicant under a process.Manager and polls wpa_cli until the interface
// reports wpa_state=COMPLETED.
package wpa

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Arnold208/MQTTClient/internal/process"
	"github.com/Arnold208/MQTTClient/internal/radio"
)

const (
	defaultBinary       = "/sbin/wpa_supplicant"
	defaultCLIBinary    = "/sbin/wpa_cli"
	defaultInterface    = "wlan0"
	defaultConfigPath   = "/run/mqttnode/wpa_supplicant.conf"
	defaultDriver       = "nl80211"
	defaultJoinTimeout  = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond

	stateCompleted = "COMPLETED"
	configFileMode = 0o600
)

// ErrJoinTimeout is returned when the supplicant does not complete
// association within the join timeout.
var ErrJoinTimeout = errors.New("wpa: association timed out")

// Config holds the wpa_supplicant driver settings.
type Config struct {
	Binary       string
	CLIBinary    string
	Interface    string
	ConfigPath   string
	Driver       string
	JoinTimeout  time.Duration
	PollInterval time.Duration
}

// StatusFunc returns the raw output of `wpa_cli -i <iface> status`.
type StatusFunc func(ctx context.Context, cli, iface string) ([]byte, error)

// Logger defines the logging interface for the driver.
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

// supervisor is the subset of process.Manager the driver uses.
type supervisor interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger. It is also handed to the supervisor.
func WithLogger(l Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithClock sets the clock used for status polling.
func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithStatusFunc replaces the wpa_cli invocation.
func WithStatusFunc(fn StatusFunc) Option {
	return func(d *Driver) { d.status = fn }
}

// Driver implements radio.Driver on top of wpa_supplicant.
type Driver struct {
	cfg    Config
	logger Logger
	clock  clock.Clock
	status StatusFunc
	proc   supervisor
}

var _ radio.Driver = (*Driver)(nil)

// New creates a driver. Zero Config fields take their defaults.
func New(cfg Config, opts ...Option) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.CLIBinary == "" {
		cfg.CLIBinary = defaultCLIBinary
	}
	if cfg.Interface == "" {
		cfg.Interface = defaultInterface
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = defaultConfigPath
	}
	if cfg.Driver == "" {
		cfg.Driver = defaultDriver
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}

	d := &Driver{
		cfg:    cfg,
		logger: noopLogger{},
		clock:  clock.New(),
		status: runStatus,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.proc == nil {
		pcfg := process.DefaultConfig("wpa_supplicant", cfg.Binary, supplicantArgs(cfg))
		pcfg.Clock = d.clock
		mgr := process.NewManager(pcfg)
		mgr.SetLogger(d.logger)
		d.proc = mgr
	}
	return d
}

// supplicantArgs builds the wpa_supplicant command line.
func supplicantArgs(cfg Config) []string {
	return []string{"-i", cfg.Interface, "-D", cfg.Driver, "-c", cfg.ConfigPath}
}

// Join writes the network block for creds, (re)starts the supplicant and
// waits for association.
func (d *Driver) Join(ctx context.Context, creds radio.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	conf, err := RenderConfig(creds)
	if err != nil {
		return err
	}
	if err := writeConfig(d.cfg.ConfigPath, conf); err != nil {
		return fmt.Errorf("%w: %w", radio.ErrJoinFailed, err)
	}

	d.logger.Info("joining wireless network", "interface", d.cfg.Interface, "network", creds.String())

	if d.proc.IsRunning() {
		err = d.proc.Restart(ctx)
	} else {
		err = d.proc.Start(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: starting supplicant: %w", radio.ErrJoinFailed, err)
	}

	if err := d.waitCompleted(ctx); err != nil {
		return fmt.Errorf("%w: %w", radio.ErrJoinFailed, err)
	}

	d.logger.Info("wireless association complete", "interface", d.cfg.Interface)
	return nil
}

func (d *Driver) waitCompleted(ctx context.Context) error {
	deadline := d.clock.Now().Add(d.cfg.JoinTimeout)
	ticker := d.clock.Ticker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if state := d.state(ctx); state == stateCompleted {
			return nil
		}
		if !d.clock.Now().Before(deadline) {
			return ErrJoinTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) state(ctx context.Context) string {
	out, err := d.status(ctx, d.cfg.CLIBinary, d.cfg.Interface)
	if err != nil {
		d.logger.Debug("wpa_cli status failed", "error", err)
		return ""
	}
	return parseStatus(out)["wpa_state"]
}

// Leave stops the supplicant, dropping any association.
func (d *Driver) Leave(_ context.Context) error {
	if err := d.proc.Stop(); err != nil {
		return fmt.Errorf("stopping supplicant: %w", err)
	}
	return nil
}

// Ready reports whether the supplicant is running and associated.
func (d *Driver) Ready(ctx context.Context) bool {
	if !d.proc.IsRunning() {
		return false
	}
	return d.state(ctx) == stateCompleted
}

// HardwareAddr returns the interface MAC, or nil if the interface is absent.
func (d *Driver) HardwareAddr() net.HardwareAddr {
	iface, err := net.InterfaceByName(d.cfg.Interface)
	if err != nil {
		return nil
	}
	return iface.HardwareAddr
}

// RenderConfig returns a wpa_supplicant.conf holding a single network block.
func RenderConfig(creds radio.Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString("ctrl_interface=/var/run/wpa_supplicant\n")
	b.WriteString("update_config=0\n\n")
	b.WriteString("network={\n")
	fmt.Fprintf(&b, "\tssid=%s\n", quote(creds.SSID))

	switch creds.Security {
	case radio.Open:
		b.WriteString("\tkey_mgmt=NONE\n")
	case radio.WEP:
		b.WriteString("\tkey_mgmt=NONE\n")
		fmt.Fprintf(&b, "\twep_key0=%s\n", quote(creds.Password))
		b.WriteString("\twep_tx_keyidx=0\n")
	case radio.WPAPSKTKIP:
		b.WriteString("\tkey_mgmt=WPA-PSK\n")
		b.WriteString("\tproto=WPA\n")
		b.WriteString("\tpairwise=TKIP\n")
		fmt.Fprintf(&b, "\tpsk=%s\n", quote(creds.Password))
	case radio.WPA2PSKAES:
		b.WriteString("\tkey_mgmt=WPA-PSK\n")
		b.WriteString("\tproto=RSN\n")
		b.WriteString("\tpairwise=CCMP\n")
		fmt.Fprintf(&b, "\tpsk=%s\n", quote(creds.Password))
	}
	b.WriteString("}\n")
	return b.Bytes(), nil
}

// quote renders a wpa_supplicant string value.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func writeConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, configFileMode); err != nil {
		return fmt.Errorf("writing supplicant config: %w", err)
	}
	return nil
}

// parseStatus parses key=value lines from wpa_cli status output.
func parseStatus(out []byte) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if ok {
			fields[key] = value
		}
	}
	return fields
}

func runStatus(ctx context.Context, cli, iface string) ([]byte, error) {
	return exec.CommandContext(ctx, cli, "-i", iface, "status").Output() //nolint:gosec // paths from validated config
}
