package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Fieldgate Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Polling   PollingConfig   `yaml:"polling"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains installation-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Keepalive int                 `yaml:"keepalive"`
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
// Delays are in seconds; reconnection uses exponential backoff between
// InitialDelay and MaxDelay.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB settings for the optional tag history sink.
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

// PollingConfig contains device polling behaviour settings.
// Timeouts and delays are in seconds.
type PollingConfig struct {
	// ConnectTimeout bounds each protocol connect attempt.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout bounds each tag read cycle.
	ReadTimeout int `yaml:"read_timeout"`

	// BackoffFloor is the initial reconnection delay after a failure.
	BackoffFloor int `yaml:"backoff_floor"`

	// BackoffCap is the maximum reconnection delay.
	BackoffCap int `yaml:"backoff_cap"`

	// EventBuffer is the per-subscriber event channel buffer size.
	EventBuffer int `yaml:"event_buffer"`
}

// ProtocolConfig selects the field protocol driver.
type ProtocolConfig struct {
	// Driver selects the protocol client implementation: "simulator" or "s7".
	Driver string `yaml:"driver"`

	// S7 contains settings for the Siemens S7 driver.
	S7 S7Config `yaml:"s7"`
}

// S7Config contains Siemens S7 connection parameters.
type S7Config struct {
	Rack int `yaml:"rack"`
	Port int `yaml:"port"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT   JWTConfig   `yaml:"jwt"`
	Admin AdminConfig `yaml:"admin"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// AdminConfig contains the bootstrap admin credentials.
// PasswordHash is an argon2id encoded hash; see the auth package.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FIELDGATE_SECTION_KEY
// For example: FIELDGATE_DATABASE_PATH, FIELDGATE_MQTT_HOST
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Fieldgate",
		},
		Database: DatabaseConfig{
			Path:        "./data/fieldgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fieldgate-core",
			},
			QoS:       1,
			Keepalive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Polling: PollingConfig{
			ConnectTimeout: 5,
			ReadTimeout:    5,
			BackoffFloor:   5,
			BackoffCap:     60,
			EventBuffer:    256,
		},
		Protocol: ProtocolConfig{
			Driver: "simulator",
			S7: S7Config{
				Rack: 0,
				Port: 102,
			},
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
			Admin: AdminConfig{
				Username: "admin",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FIELDGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FIELDGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FIELDGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FIELDGATE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("FIELDGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FIELDGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("FIELDGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("FIELDGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Protocol driver
	if v := os.Getenv("FIELDGATE_PROTOCOL_DRIVER"); v != "" {
		cfg.Protocol.Driver = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("FIELDGATE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be >= initial_delay")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Polling validation
	if c.Polling.ConnectTimeout < 1 {
		errs = append(errs, "polling.connect_timeout must be at least 1")
	}
	if c.Polling.ReadTimeout < 1 {
		errs = append(errs, "polling.read_timeout must be at least 1")
	}
	if c.Polling.BackoffFloor < 1 {
		errs = append(errs, "polling.backoff_floor must be at least 1")
	}
	if c.Polling.BackoffCap < c.Polling.BackoffFloor {
		errs = append(errs, "polling.backoff_cap must be >= backoff_floor")
	}

	// Protocol validation
	switch c.Protocol.Driver {
	case "simulator", "s7":
	default:
		errs = append(errs, fmt.Sprintf("protocol.driver %q is not supported (use simulator or s7)", c.Protocol.Driver))
	}

	// Security validation - JWT secret is required for the API surface.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set FIELDGATE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetConnectTimeout returns the protocol connect timeout as a Duration.
func (p PollingConfig) GetConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the tag read timeout as a Duration.
func (p PollingConfig) GetReadTimeout() time.Duration {
	return time.Duration(p.ReadTimeout) * time.Second
}

// GetBackoffFloor returns the backoff floor as a Duration.
func (p PollingConfig) GetBackoffFloor() time.Duration {
	return time.Duration(p.BackoffFloor) * time.Second
}

// GetBackoffCap returns the backoff cap as a Duration.
func (p PollingConfig) GetBackoffCap() time.Duration {
	return time.Duration(p.BackoffCap) * time.Second
}
