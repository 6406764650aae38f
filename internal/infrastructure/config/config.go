package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the mesh gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mesh     MeshConfig     `yaml:"mesh"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	API      APIConfig      `yaml:"api"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
// The database holds node snapshots so configuration progress survives restarts.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is the root of every topic the gateway publishes.
	// Copied from bridge.topic_prefix during Load.
	TopicPrefix string `yaml:"-"`
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
	MaxAttempts  int `yaml:"max_attempts"`
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
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MeshConfig contains provisioner and auto-configuration settings.
type MeshConfig struct {
	// OwnAddress is the provisioner's own unicast address.
	OwnAddress uint16 `yaml:"own_address"`

	// NodeStartAddress is the first unicast address handed to new nodes.
	NodeStartAddress uint16 `yaml:"node_start_address"`

	// UUIDMatch is a hex prefix; only unprovisioned devices whose UUID
	// starts with it are accepted by the radio daemon. Example: "dddd".
	UUIDMatch string `yaml:"uuid_match"`

	NetIdx uint16 `yaml:"net_idx"`
	AppIdx uint16 `yaml:"app_idx"`

	// Capacity bounds the node registry.
	Capacity int `yaml:"capacity"`

	// MaxModels bounds the model list stored per node.
	MaxModels int `yaml:"max_models"`

	// PublishAddress is the destination configured on publish-eligible models.
	// Defaults to the 0xC000 group; set to own_address to target the gateway.
	PublishAddress uint16 `yaml:"publish_address"`

	// PublishTTL is the hop limit used in publish configuration.
	PublishTTL uint8 `yaml:"publish_ttl"`

	// SubscribeAddress is the group added to subscribe-eligible models.
	SubscribeAddress uint16 `yaml:"subscribe_address"`

	Daemon MeshDaemonConfig `yaml:"daemon"`
}

// MeshDaemonConfig contains settings for the radio daemon link.
type MeshDaemonConfig struct {
	// Connection is the daemon socket URL.
	// Supported formats:
	//   - "unix:///run/meshd.sock"
	//   - "tcp://localhost:7420"
	Connection string `yaml:"connection"`

	// Managed indicates whether the gateway starts and supervises the daemon.
	// If false, the daemon is expected to be running externally.
	Managed bool `yaml:"managed"`

	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	RestartOnFailure    bool `yaml:"restart_on_failure"`
	RestartDelaySeconds int  `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int  `yaml:"max_restart_attempts"`

	// HealthCheckInterval is how often the watchdog checks the link.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// BridgeConfig contains mesh to MQTT bridge settings.
type BridgeConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopicPrefix is required; topics take the form {prefix}/{type}/0x{address}.
	TopicPrefix string `yaml:"topic_prefix"`

	// HealthInterval is the health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`

	// ControlEnabled subscribes to {prefix}/control/#.
	ControlEnabled bool `yaml:"control_enabled"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	Auth      APIAuthConfig    `yaml:"auth"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// An empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// APIAuthConfig contains bearer token settings.
// With an empty JWTSecret the API is open; bind it to localhost.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime of issued tokens in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// WebSocketConfig contains live event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MESHGW_SECTION_KEY
// For example: MESHGW_DATABASE_PATH, MESHGW_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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

	cfg.MQTT.TopicPrefix = cfg.Bridge.TopicPrefix

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "meshgw-01",
			Name: "Mesh Gateway",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/meshgw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "meshgw",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Mesh: MeshConfig{
			OwnAddress:       0x0001,
			NodeStartAddress: 0x0010,
			UUIDMatch:        "dddd",
			Capacity:         10,
			MaxModels:        16,
			PublishAddress:   0xC000,
			PublishTTL:       7,
			SubscribeAddress: 0xC000,
			Daemon: MeshDaemonConfig{
				Connection:          "unix:///run/meshd.sock",
				Binary:              "/usr/bin/meshd",
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
				HealthCheckInterval: 30 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			Enabled:        true,
			TopicPrefix:    "mesh",
			HealthInterval: 30,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8420,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
			Auth: APIAuthConfig{
				TokenTTL: 60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MESHGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESHGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("MESHGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MESHGW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MESHGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MESHGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("MESHGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MESHGW_MESH_DAEMON"); v != "" {
		cfg.Mesh.Daemon.Connection = v
	}

	if v := os.Getenv("MESHGW_BRIDGE_TOPIC_PREFIX"); v != "" {
		cfg.Bridge.TopicPrefix = v
	}

	if v := os.Getenv("MESHGW_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Mesh.validate()...)

	if c.Bridge.Enabled && strings.TrimSpace(c.Bridge.TopicPrefix) == "" {
		errs = append(errs, "bridge.topic_prefix is required when bridge is enabled")
	}
	if strings.ContainsAny(c.Bridge.TopicPrefix, "#+") {
		errs = append(errs, "bridge.topic_prefix must not contain MQTT wildcards")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minSecretLen = 16
		if c.API.Auth.JWTSecret != "" && len(c.API.Auth.JWTSecret) < minSecretLen {
			errs = append(errs, "api.auth.jwt_secret must be at least 16 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate checks the mesh section and returns one entry per problem.
func (m *MeshConfig) validate() []string {
	var errs []string

	const maxBound = 255
	if m.Capacity < 1 || m.Capacity > maxBound {
		errs = append(errs, "mesh.capacity must be between 1 and 255")
	}
	if m.MaxModels < 1 || m.MaxModels > maxBound {
		errs = append(errs, "mesh.max_models must be between 1 and 255")
	}

	const maxTTL = 127
	if m.PublishTTL > maxTTL {
		errs = append(errs, "mesh.publish_ttl must be between 0 and 127")
	}

	if m.OwnAddress == 0 || m.OwnAddress >= 0x8000 {
		errs = append(errs, "mesh.own_address must be a unicast address")
	}
	if m.NodeStartAddress == 0 || m.NodeStartAddress >= 0x8000 {
		errs = append(errs, "mesh.node_start_address must be a unicast address")
	}
	if m.PublishAddress == 0 {
		errs = append(errs, "mesh.publish_address is required")
	}

	if _, err := m.UUIDMatchBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("mesh.uuid_match: %v", err))
	}

	if m.Daemon.Connection == "" {
		errs = append(errs, "mesh.daemon.connection is required")
	} else if u, err := url.Parse(m.Daemon.Connection); err != nil || (u.Scheme != "unix" && u.Scheme != "tcp") {
		errs = append(errs, "mesh.daemon.connection must be a unix:// or tcp:// URL")
	}
	if m.Daemon.Managed && m.Daemon.Binary == "" {
		errs = append(errs, "mesh.daemon.binary is required when the daemon is managed")
	}

	return errs
}

// UUIDMatchBytes decodes the UUID match prefix.
func (m *MeshConfig) UUIDMatchBytes() ([]byte, error) {
	const maxMatchLen = 16
	b, err := hex.DecodeString(m.UUIDMatch)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) > maxMatchLen {
		return nil, fmt.Errorf("prefix longer than %d bytes", maxMatchLen)
	}
	return b, nil
}

// GetHealthInterval returns the bridge health interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetRestartDelay returns the daemon restart delay as a Duration.
func (c *Config) GetRestartDelay() time.Duration {
	return time.Duration(c.Mesh.Daemon.RestartDelaySeconds) * time.Second
}
