package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the sniffer bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Capture     CaptureConfig     `yaml:"capture"`
	RegisterMap RegisterMapConfig `yaml:"register_map"`
	Transform   TransformConfig   `yaml:"transform"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Status      StatusConfig      `yaml:"status"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CaptureConfig describes the external capture tool and the session window.
type CaptureConfig struct {
	// Binary is the path to the sniffer executable that writes pcap to stdout.
	Binary string `yaml:"binary"`

	// Args are passed to Binary verbatim.
	Args []string `yaml:"args"`

	// TimeoutMS is the session deadline in milliseconds.
	TimeoutMS int `yaml:"timeout_ms"`

	// AddressingBase (0 or 1) records the numbering convention of the
	// register map. It never shifts wire addresses.
	AddressingBase int `yaml:"addressing_base"`

	// ConventionalBase, when non-zero, is added to wire addresses so that
	// maps written in 4xxxx notation (e.g. 40001) match zero-based wire
	// addresses. Zero means wire addresses are looked up as-is.
	ConventionalBase int `yaml:"conventional_base"`

	// GracefulStopSeconds is how long the capture tool gets after SIGTERM.
	GracefulStopSeconds int `yaml:"graceful_stop_seconds"`
}

// RegisterMapConfig locates the mapping document.
type RegisterMapConfig struct {
	Path       string `yaml:"path"`
	Watch      bool   `yaml:"watch"`
	DebounceMS int    `yaml:"debounce_ms"`
}

// TransformConfig bounds per-register transform evaluation.
type TransformConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
	MaxSteps  int `yaml:"max_steps"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Retain    bool                `yaml:"retain"`
	BaseTopic string              `yaml:"base_topic"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DiscoveryConfig controls Home Assistant MQTT discovery messages.
type DiscoveryConfig struct {
	Enabled bool         `yaml:"enabled"`
	Prefix  string       `yaml:"prefix"`
	Device  DeviceConfig `yaml:"device"`
}

// DeviceConfig is the device block attached to every discovery payload.
type DeviceConfig struct {
	Identifiers  string `yaml:"identifiers"`
	Name         string `yaml:"name"`
	SWVersion    string `yaml:"sw_version"`
	Model        string `yaml:"model"`
	Manufacturer string `yaml:"manufacturer"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// Tags are added to every point, e.g. site or unit name.
	Tags map[string]string `yaml:"tags"`
}

// StatusConfig contains the optional status HTTP server settings.
type StatusConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// An empty path skips step 2, which is how the bridge runs when it is
// configured purely through the environment.
//
// Parameters:
//   - path: Path to the YAML configuration file, or ""
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Binary:              "./modbus-sniffer/sniffer",
			Args:                []string{"--silent"},
			TimeoutMS:           60000,
			GracefulStopSeconds: 5,
		},
		RegisterMap: RegisterMapConfig{
			Path:       "config/register-map.yaml",
			DebounceMS: 200,
		},
		Transform: TransformConfig{
			TimeoutMS: 50,
			MaxSteps:  10000,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "modbus-sniffer-bridge",
			},
			BaseTopic: "enervent",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Discovery: DiscoveryConfig{
			Prefix: "homeassistant",
			Device: DeviceConfig{
				Identifiers:  "Pingvin Kotilämpö W",
				Name:         "Enervent Greenair",
				SWVersion:    "5.62",
				Model:        "Pingvin Eco EDW",
				Manufacturer: "Enervent",
			},
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/sniffer.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Status: StatusConfig{
			Host: "127.0.0.1",
			Port: 8089,
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// The names match the deployment environment of the sniffer containers.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	// Register map
	if v := os.Getenv("REGISTER_MAP_PATH"); v != "" {
		cfg.RegisterMap.Path = v
	}
	if v := os.Getenv("REGISTER_MAP_WATCH"); v != "" {
		cfg.RegisterMap.Watch = v == "1" || strings.EqualFold(v, "true")
	}

	// Addressing
	if v := os.Getenv("MODBUS_ADDRESS_BASE"); v != "" {
		switch v {
		case "0":
			cfg.Capture.AddressingBase = 0
		case "1":
			cfg.Capture.AddressingBase = 1
		default:
			errs = append(errs, "MODBUS_ADDRESS_BASE must be 0 or 1")
		}
	}
	if v := os.Getenv("MODBUS_CONVENTIONAL_BASE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "MODBUS_CONVENTIONAL_BASE must be an integer")
		} else {
			cfg.Capture.ConventionalBase = n
		}
	}

	// Capture tool
	if v := os.Getenv("SNIFFER_BIN"); v != "" {
		cfg.Capture.Binary = v
	}
	if v := os.Getenv("SNIFFER_ARGS"); v != "" {
		cfg.Capture.Args = strings.Fields(v)
	}
	if v := os.Getenv("CAPTURE_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "CAPTURE_TIMEOUT_MS must be an integer")
		} else {
			cfg.Capture.TimeoutMS = n
		}
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("MQTT_URL"); v != "" {
		if err := applyBrokerURL(&cfg.MQTT.Broker, v); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}
	if v := os.Getenv("MQTT_SEND_DISCOVERY"); v != "" {
		cfg.Discovery.Enabled = v != "0" && !strings.EqualFold(v, "false")
	}

	// Storage
	if v := os.Getenv("SNIFFER_BRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SNIFFER_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// applyBrokerURL splits an mqtt://, mqtts://, tcp:// or ssl:// URL into broker settings.
func applyBrokerURL(b *MQTTBrokerConfig, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("MQTT_URL is not a valid URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		b.TLS = false
		b.Port = 1883
	case "mqtts", "ssl", "tls":
		b.TLS = true
		b.Port = 8883
	default:
		return fmt.Errorf("MQTT_URL scheme %q is not supported", u.Scheme)
	}

	if host := u.Hostname(); host != "" {
		b.Host = host
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("MQTT_URL port %q is not a number", p)
		}
		b.Port = port
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Capture.Binary == "" {
		errs = append(errs, "capture.binary is required")
	}
	if c.Capture.TimeoutMS <= 0 {
		errs = append(errs, "capture.timeout_ms must be positive")
	}
	if c.Capture.AddressingBase != 0 && c.Capture.AddressingBase != 1 {
		errs = append(errs, "capture.addressing_base must be 0 or 1")
	}
	if c.Capture.ConventionalBase < 0 {
		errs = append(errs, "capture.conventional_base must not be negative")
	}

	if c.RegisterMap.Path == "" {
		errs = append(errs, "register_map.path is required")
	}
	if c.RegisterMap.DebounceMS < 0 {
		errs = append(errs, "register_map.debounce_ms must not be negative")
	}

	if c.Transform.TimeoutMS <= 0 {
		errs = append(errs, "transform.timeout_ms must be positive")
	}
	if c.Transform.MaxSteps <= 0 {
		errs = append(errs, "transform.max_steps must be positive")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Discovery.Enabled && c.Discovery.Prefix == "" {
		errs = append(errs, "discovery.prefix is required when discovery is enabled")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		errs = append(errs, "status.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// CaptureTimeout returns the session deadline as a Duration.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Capture.TimeoutMS) * time.Millisecond
}

// GracefulStop returns how long the capture tool may take to exit after SIGTERM.
func (c *Config) GracefulStop() time.Duration {
	return time.Duration(c.Capture.GracefulStopSeconds) * time.Second
}

// AddressOffset returns the value added to wire addresses before map lookup.
// Only conventional_base shifts addresses; the default is zero.
func (c *Config) AddressOffset() int {
	return c.Capture.ConventionalBase
}

// ReloadDebounce returns the hot reload quiescence window.
func (c *Config) ReloadDebounce() time.Duration {
	return time.Duration(c.RegisterMap.DebounceMS) * time.Millisecond
}

// TransformTimeout returns the per-evaluation wall clock ceiling.
func (c *Config) TransformTimeout() time.Duration {
	return time.Duration(c.Transform.TimeoutMS) * time.Millisecond
}
