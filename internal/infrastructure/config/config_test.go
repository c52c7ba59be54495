package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef" // 32 chars

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
security:
  jwt:
    secret: "`+testJWTSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("default MQTT port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Broker.ClientID != "fieldgate-core" {
		t.Errorf("default client ID = %q, want fieldgate-core", cfg.MQTT.Broker.ClientID)
	}
	if cfg.Polling.BackoffFloor != 5 {
		t.Errorf("default backoff floor = %d, want 5", cfg.Polling.BackoffFloor)
	}
	if cfg.Polling.BackoffCap != 60 {
		t.Errorf("default backoff cap = %d, want 60", cfg.Polling.BackoffCap)
	}
	if cfg.Protocol.Driver != "simulator" {
		t.Errorf("default protocol driver = %q, want simulator", cfg.Protocol.Driver)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker:
    host: broker.example.com
    port: 8883
    tls: true
polling:
  connect_timeout: 10
  backoff_floor: 2
  backoff_cap: 30
security:
  jwt:
    secret: "`+testJWTSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.example.com" {
		t.Errorf("MQTT host = %q", cfg.MQTT.Broker.Host)
	}
	if !cfg.MQTT.Broker.TLS {
		t.Error("MQTT TLS should be enabled")
	}
	if got := cfg.Polling.GetConnectTimeout(); got != 10*time.Second {
		t.Errorf("connect timeout = %v, want 10s", got)
	}
	if got := cfg.Polling.GetBackoffFloor(); got != 2*time.Second {
		t.Errorf("backoff floor = %v, want 2s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FIELDGATE_MQTT_HOST", "env-broker")
	t.Setenv("FIELDGATE_MQTT_PORT", "2883")
	t.Setenv("FIELDGATE_JWT_SECRET", testJWTSecret)

	path := writeConfig(t, `
mqtt:
  broker:
    host: file-broker
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("env override lost: host = %q", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Broker.Port != 2883 {
		t.Errorf("env override lost: port = %d", cfg.MQTT.Broker.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: "security.jwt.secret is required",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "unknown protocol driver",
			mutate:  func(c *Config) { c.Protocol.Driver = "bacnet" },
			wantErr: "protocol.driver",
		},
		{
			name:    "backoff cap below floor",
			mutate:  func(c *Config) { c.Polling.BackoffCap = 1 },
			wantErr: "backoff_cap",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = testJWTSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}
