package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Arnold208/MQTTClient/internal/radio"
	"github.com/Arnold208/MQTTClient/internal/resolver"
)

// Radio driver names accepted in radio.driver.
const (
	DriverSim           = "sim"
	DriverWPASupplicant = "wpa_supplicant"
)

// Mailbox policies accepted in mqtt.mailbox.policy.
const (
	MailboxOverwrite = "overwrite"
	MailboxDropNew   = "drop-new"
)

const envPrefix = "MQTTNODE_"

// Config is the root configuration structure.
// It mirrors the YAML config file structure.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	WiFi     WiFiConfig     `yaml:"wifi"`
	Radio    RadioConfig    `yaml:"radio"`
	Arena    ArenaConfig    `yaml:"arena"`
	Network  NetworkConfig  `yaml:"network"`
	TimeSync TimeSyncConfig `yaml:"timesync"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig identifies the node on the network.
type DeviceConfig struct {
	Hostname string `yaml:"hostname"`

	// HardwareAddr overrides the radio MAC (sim driver and DHCP chaddr).
	HardwareAddr string `yaml:"hardware_addr"`
}

// WiFiConfig holds the credentials of the network to join.
type WiFiConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	Security string `yaml:"security"`
}

// RadioConfig selects and tunes the radio driver.
type RadioConfig struct {
	Driver       string        `yaml:"driver"`
	JoinAttempts int           `yaml:"join_attempts"`
	JoinBackoff  time.Duration `yaml:"join_backoff"`
	WPA          WPAConfig     `yaml:"wpa"`
}

// WPAConfig configures the wpa_supplicant driver.
type WPAConfig struct {
	Binary      string        `yaml:"binary"`
	CLIBinary   string        `yaml:"cli_binary"`
	Interface   string        `yaml:"interface"`
	ConfigPath  string        `yaml:"config_path"`
	Driver      string        `yaml:"driver"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// ArenaConfig sizes the packet pools and stack memory.
type ArenaConfig struct {
	TxPackets    int `yaml:"tx_packets"`
	RxPackets    int `yaml:"rx_packets"`
	PacketSize   int `yaml:"packet_size"`
	IPStackSize  int `yaml:"ip_stack_size"`
	ARPCacheSize int `yaml:"arp_cache_size"`
	MemoryBudget int `yaml:"memory_budget"`
}

// NetworkConfig contains addressing and resolver settings.
type NetworkConfig struct {
	DHCP           DHCPConfig   `yaml:"dhcp"`
	StaticFallback StaticConfig `yaml:"static_fallback"`
	Resolvers      []string     `yaml:"resolvers"`
	MaxResolvers   int          `yaml:"max_resolvers"`
}

// DHCPConfig controls lease acquisition.
type DHCPConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Attempts   int           `yaml:"attempts"`
	WaitWindow time.Duration `yaml:"wait_window"`
	LocalAddr  string        `yaml:"local_addr"`
	ServerAddr string        `yaml:"server_addr"`
}

// StaticConfig is the address applied when DHCP is exhausted or disabled.
type StaticConfig struct {
	IP      string `yaml:"ip"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway"`
}

// TimeSyncConfig configures the NTP gate.
type TimeSyncConfig struct {
	Enabled bool          `yaml:"enabled"`
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig contains MQTT session settings.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	QoS    int              `yaml:"qos"`

	KeepAlive time.Duration `yaml:"keep_alive"`

	// ConnectTimeout and PublishTimeout of zero wait indefinitely.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// StatusTopic, when set, receives retained online/offline messages
	// and is used as the Last Will topic.
	StatusTopic string `yaml:"status_topic"`

	Mailbox     MailboxConfig `yaml:"mailbox"`
	WatchTopics []string      `yaml:"watch_topics"`
}

// MQTTBrokerConfig contains broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MailboxConfig sizes the per-subscription inbound buffer.
type MailboxConfig struct {
	TopicCapacity   int    `yaml:"topic_capacity"`
	PayloadCapacity int    `yaml:"payload_capacity"`
	Policy          string `yaml:"policy"`
}

// InfluxDBConfig contains bring-up telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating log file settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading process:
//  1. Start with default values
//  2. Override with values from the YAML file
//  3. Override with MQTTNODE_* environment variables
//  4. Validate the final configuration
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with the reference sizing. WiFi
// credentials are left empty and must be supplied.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Hostname: "eclipse-threadx",
		},
		WiFi: WiFiConfig{
			Security: "wpa2-psk-aes",
		},
		Radio: RadioConfig{
			Driver:       DriverSim,
			JoinAttempts: 5,
			JoinBackoff:  5 * time.Second,
			WPA: WPAConfig{
				Binary:      "/sbin/wpa_supplicant",
				CLIBinary:   "/sbin/wpa_cli",
				Interface:   "wlan0",
				ConfigPath:  "/run/mqttnode/wpa_supplicant.conf",
				Driver:      "nl80211",
				JoinTimeout: 30 * time.Second,
			},
		},
		Arena: ArenaConfig{
			TxPackets:    16,
			RxPackets:    12,
			PacketSize:   1536,
			IPStackSize:  2048,
			ARPCacheSize: 512,
		},
		Network: NetworkConfig{
			DHCP: DHCPConfig{
				Enabled:    true,
				Attempts:   3,
				WaitWindow: 60 * time.Second,
				LocalAddr:  "0.0.0.0:68",
				ServerAddr: "255.255.255.255:67",
			},
			StaticFallback: StaticConfig{
				IP:      "192.168.1.150",
				Mask:    "255.255.255.0",
				Gateway: "192.168.1.1",
			},
			Resolvers:    []string{"8.8.8.8"},
			MaxResolvers: 6,
		},
		TimeSync: TimeSyncConfig{
			Enabled: true,
			Server:  "pool.ntp.org",
			Timeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "18.134.118.11",
				Port:     1883,
				ClientID: "mxchip_client",
			},
			QoS:       0,
			KeepAlive: 60 * time.Second,
			Mailbox: MailboxConfig{
				TopicCapacity:   100,
				PayloadCapacity: 256,
				Policy:          MailboxOverwrite,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "/var/log/mqttnode/mqttnode.log",
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
	}
}

// applyEnvOverrides applies MQTTNODE_* environment variables.
// Secrets are expected to arrive this way rather than in the file.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"WIFI_SSID", &cfg.WiFi.SSID},
		{"WIFI_PASSWORD", &cfg.WiFi.Password},
		{"WIFI_SECURITY", &cfg.WiFi.Security},
		{"MQTT_HOST", &cfg.MQTT.Broker.Host},
		{"MQTT_CLIENT_ID", &cfg.MQTT.Broker.ClientID},
		{"MQTT_USERNAME", &cfg.MQTT.Auth.Username},
		{"MQTT_PASSWORD", &cfg.MQTT.Auth.Password},
		{"INFLUXDB_TOKEN", &cfg.InfluxDB.Token},
		{"DEVICE_HOSTNAME", &cfg.Device.Hostname},
	}
	for _, o := range overrides {
		if v := os.Getenv(envPrefix + o.name); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.WiFi.SSID == "" {
		errs = append(errs, "wifi.ssid is required (set MQTTNODE_WIFI_SSID)")
	}
	if _, err := radio.ParseSecurityMode(c.WiFi.Security); err != nil {
		errs = append(errs, fmt.Sprintf("wifi.security %q is not one of open, wep, wpa-psk-tkip, wpa2-psk-aes", c.WiFi.Security))
	}

	switch c.Radio.Driver {
	case DriverSim, DriverWPASupplicant:
	default:
		errs = append(errs, fmt.Sprintf("radio.driver %q must be %q or %q", c.Radio.Driver, DriverSim, DriverWPASupplicant))
	}
	if c.Radio.JoinAttempts < 1 {
		errs = append(errs, "radio.join_attempts must be at least 1")
	}
	if c.Device.HardwareAddr != "" {
		if _, err := net.ParseMAC(c.Device.HardwareAddr); err != nil {
			errs = append(errs, fmt.Sprintf("device.hardware_addr %q is not a MAC address", c.Device.HardwareAddr))
		}
	}

	if c.Arena.TxPackets < 1 || c.Arena.RxPackets < 1 {
		errs = append(errs, "arena.tx_packets and arena.rx_packets must be positive")
	}

	if c.Network.DHCP.Attempts < 1 {
		errs = append(errs, "network.dhcp.attempts must be at least 1")
	}
	errs = append(errs, c.Network.StaticFallback.validate()...)
	for _, r := range c.Network.Resolvers {
		if _, err := resolver.ParseServer(r); err != nil {
			errs = append(errs, fmt.Sprintf("network.resolvers entry %q: %v", r, err))
		}
	}
	if c.Network.MaxResolvers < 1 {
		errs = append(errs, "network.max_resolvers must be at least 1")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Mailbox.TopicCapacity < 1 || c.MQTT.Mailbox.PayloadCapacity < 1 {
		errs = append(errs, "mqtt.mailbox capacities must be positive")
	}
	switch c.MQTT.Mailbox.Policy {
	case MailboxOverwrite, MailboxDropNew:
	default:
		errs = append(errs, fmt.Sprintf("mqtt.mailbox.policy %q must be %q or %q", c.MQTT.Mailbox.Policy, MailboxOverwrite, MailboxDropNew))
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s StaticConfig) validate() []string {
	var errs []string
	if _, err := netip.ParseAddr(s.IP); err != nil {
		errs = append(errs, fmt.Sprintf("network.static_fallback.ip %q is invalid", s.IP))
	}
	if _, err := netip.ParseAddr(s.Gateway); err != nil {
		errs = append(errs, fmt.Sprintf("network.static_fallback.gateway %q is invalid", s.Gateway))
	}
	if _, err := s.ParseMask(); err != nil {
		errs = append(errs, fmt.Sprintf("network.static_fallback.mask %q is invalid", s.Mask))
	}
	return errs
}

// ParseMask parses a dotted-quad netmask such as 255.255.255.0.
func (s StaticConfig) ParseMask() (net.IPMask, error) {
	addr, err := netip.ParseAddr(s.Mask)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("invalid netmask %q", s.Mask)
	}
	b := addr.As4()
	mask := net.IPv4Mask(b[0], b[1], b[2], b[3])
	if ones, bits := mask.Size(); ones == 0 && bits == 0 {
		return nil, fmt.Errorf("non-contiguous netmask %q", s.Mask)
	}
	return mask, nil
}

// Credentials returns the configured WiFi credentials.
func (c *Config) Credentials() (radio.Credentials, error) {
	mode, err := radio.ParseSecurityMode(c.WiFi.Security)
	if err != nil {
		return radio.Credentials{}, err
	}
	return radio.Credentials{SSID: c.WiFi.SSID, Password: c.WiFi.Password, Security: mode}, nil
}
