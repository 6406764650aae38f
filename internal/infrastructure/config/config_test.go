package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes content to a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
gateway:
  id: "gw-test"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
mesh:
  own_address: 0x0001
  node_start_address: 0x0020
  uuid_match: "dddd"
  publish_address: 0xC001
  publish_ttl: 5
  daemon:
    connection: "tcp://127.0.0.1:7420"
    health_check_interval: 10s
bridge:
  topic_prefix: "building"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.ID != "gw-test" {
		t.Errorf("Gateway.ID = %q, want %q", cfg.Gateway.ID, "gw-test")
	}
	if cfg.Mesh.NodeStartAddress != 0x0020 {
		t.Errorf("Mesh.NodeStartAddress = 0x%04x, want 0x0020", cfg.Mesh.NodeStartAddress)
	}
	if cfg.Mesh.PublishAddress != 0xC001 {
		t.Errorf("Mesh.PublishAddress = 0x%04x, want 0xc001", cfg.Mesh.PublishAddress)
	}
	if cfg.Mesh.PublishTTL != 5 {
		t.Errorf("Mesh.PublishTTL = %d, want 5", cfg.Mesh.PublishTTL)
	}
	if cfg.Mesh.Daemon.HealthCheckInterval != 10*time.Second {
		t.Errorf("Daemon.HealthCheckInterval = %v, want 10s", cfg.Mesh.Daemon.HealthCheckInterval)
	}
	if cfg.MQTT.TopicPrefix != "building" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "building")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway:\n  id: gw\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mesh.Capacity != 10 {
		t.Errorf("Mesh.Capacity = %d, want 10", cfg.Mesh.Capacity)
	}
	if cfg.Mesh.MaxModels != 16 {
		t.Errorf("Mesh.MaxModels = %d, want 16", cfg.Mesh.MaxModels)
	}
	if cfg.Mesh.PublishTTL != 7 {
		t.Errorf("Mesh.PublishTTL = %d, want 7", cfg.Mesh.PublishTTL)
	}
	if cfg.Mesh.OwnAddress != 0x0001 {
		t.Errorf("Mesh.OwnAddress = 0x%04x, want 0x0001", cfg.Mesh.OwnAddress)
	}
	if cfg.Bridge.TopicPrefix != "mesh" {
		t.Errorf("Bridge.TopicPrefix = %q, want %q", cfg.Bridge.TopicPrefix, "mesh")
	}
	if got := cfg.GetHealthInterval(); got != 30*time.Second {
		t.Errorf("GetHealthInterval() = %v, want 30s", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MESHGW_MQTT_HOST", "broker.local")
	t.Setenv("MESHGW_MQTT_PORT", "8883")
	t.Setenv("MESHGW_BRIDGE_TOPIC_PREFIX", "site7")
	t.Setenv("MESHGW_MESH_DAEMON", "tcp://radio:7420")

	cfg, err := Load(writeConfig(t, "gateway:\n  id: gw\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.Bridge.TopicPrefix != "site7" {
		t.Errorf("Bridge.TopicPrefix = %q, want %q", cfg.Bridge.TopicPrefix, "site7")
	}
	if cfg.Mesh.Daemon.Connection != "tcp://radio:7420" {
		t.Errorf("Mesh.Daemon.Connection = %q, want %q", cfg.Mesh.Daemon.Connection, "tcp://radio:7420")
	}
}

func TestLoad_APIDefaults(t *testing.T) {
	t.Setenv("MESHGW_API_JWT_SECRET", "from-environment-secret")

	cfg, err := Load(writeConfig(t, "api:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 8420 {
		t.Errorf("API listen = %s:%d, want 127.0.0.1:8420", cfg.API.Host, cfg.API.Port)
	}
	if cfg.API.Auth.TokenTTL != 60 {
		t.Errorf("API.Auth.TokenTTL = %d, want 60", cfg.API.Auth.TokenTTL)
	}
	if cfg.API.Auth.JWTSecret != "from-environment-secret" {
		t.Errorf("API.Auth.JWTSecret = %q, want env override", cfg.API.Auth.JWTSecret)
	}
	if cfg.API.WebSocket.PingInterval != 30 {
		t.Errorf("API.WebSocket.PingInterval = %d, want 30", cfg.API.WebSocket.PingInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "missing gateway id",
			modify:  func(c *Config) { c.Gateway.ID = "" },
			wantErr: "gateway.id is required",
		},
		{
			name:    "empty topic prefix",
			modify:  func(c *Config) { c.Bridge.TopicPrefix = " " },
			wantErr: "bridge.topic_prefix is required",
		},
		{
			name:   "empty topic prefix with bridge disabled",
			modify: func(c *Config) { c.Bridge.Enabled = false; c.Bridge.TopicPrefix = "" },
		},
		{
			name:    "wildcard in prefix",
			modify:  func(c *Config) { c.Bridge.TopicPrefix = "mesh/#" },
			wantErr: "must not contain MQTT wildcards",
		},
		{
			name:    "zero capacity",
			modify:  func(c *Config) { c.Mesh.Capacity = 0 },
			wantErr: "mesh.capacity",
		},
		{
			name:    "ttl out of range",
			modify:  func(c *Config) { c.Mesh.PublishTTL = 200 },
			wantErr: "mesh.publish_ttl",
		},
		{
			name:    "group as own address",
			modify:  func(c *Config) { c.Mesh.OwnAddress = 0xC000 },
			wantErr: "mesh.own_address",
		},
		{
			name:    "bad uuid match",
			modify:  func(c *Config) { c.Mesh.UUIDMatch = "zz" },
			wantErr: "mesh.uuid_match",
		},
		{
			name:    "bad daemon scheme",
			modify:  func(c *Config) { c.Mesh.Daemon.Connection = "http://radio" },
			wantErr: "mesh.daemon.connection",
		},
		{
			name:    "managed daemon without binary",
			modify:  func(c *Config) { c.Mesh.Daemon.Managed = true; c.Mesh.Daemon.Binary = "" },
			wantErr: "mesh.daemon.binary",
		},
		{
			name:    "invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "influx without url",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "api port out of range",
			modify:  func(c *Config) { c.API.Enabled = true; c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "api short secret",
			modify:  func(c *Config) { c.API.Enabled = true; c.API.Auth.JWTSecret = "short" },
			wantErr: "api.auth.jwt_secret",
		},
		{
			name:   "api disabled ignores port",
			modify: func(c *Config) { c.API.Port = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestUUIDMatchBytes(t *testing.T) {
	m := MeshConfig{UUIDMatch: "dddd"}
	b, err := m.UUIDMatchBytes()
	if err != nil {
		t.Fatalf("UUIDMatchBytes() error = %v", err)
	}
	if len(b) != 2 || b[0] != 0xdd || b[1] != 0xdd {
		t.Errorf("UUIDMatchBytes() = %x, want dddd", b)
	}

	m.UUIDMatch = ""
	b, err = m.UUIDMatchBytes()
	if err != nil || len(b) != 0 {
		t.Errorf("UUIDMatchBytes() empty = %x, %v; want empty, nil", b, err)
	}
}
