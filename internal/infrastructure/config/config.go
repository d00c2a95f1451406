package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Veralock Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Fallback FallbackConfig `yaml:"fallback"`
	Monitor  MonitorConfig  `yaml:"monitor"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB telemetry sink settings.
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

// SecurityConfig contains the trust-decision security settings.
type SecurityConfig struct {
	// ReplayWindow is the maximum age (seconds) of a verification request
	// timestamp before it is rejected as a replay.
	ReplayWindow int `yaml:"replay_window"`

	// APIKey protects the command and audit endpoints. Verification
	// endpoints are HMAC-authenticated and do not use it.
	APIKey string `yaml:"api_key"`
}

// FallbackConfig contains the command fallback timer windows (seconds).
// If a device does not acknowledge a command within the window, the core
// force-applies the requested state and flags the outcome as degraded.
type FallbackConfig struct {
	UnlockWindow int `yaml:"unlock_window"`
	LockWindow   int `yaml:"lock_window"`
}

// MonitorConfig contains the periodic device sweep settings.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// BatterySweep and OfflineSweep are cron specs (robfig/cron syntax,
	// "@every 15m" style descriptors accepted).
	BatterySweep string `yaml:"battery_sweep"`
	OfflineSweep string `yaml:"offline_sweep"`

	// OfflineAfter is how long (seconds) a device may go without a status
	// heartbeat before the sweep marks it offline.
	OfflineAfter int `yaml:"offline_after"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VERALOCK_SECTION_KEY
// For example: VERALOCK_DATABASE_PATH, VERALOCK_MQTT_HOST
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

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/veralock.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "veralock-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			ReplayWindow: 300,
		},
		Fallback: FallbackConfig{
			UnlockWindow: 5,
			LockWindow:   5,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			BatterySweep: "@every 15m",
			OfflineSweep: "@every 1m",
			OfflineAfter: 120,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VERALOCK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("VERALOCK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VERALOCK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VERALOCK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VERALOCK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VERALOCK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("VERALOCK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - API key for the command and audit endpoints
	if v := os.Getenv("VERALOCK_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
}

// minAPIKeyLength guards against trivially guessable keys on the command
// surface. Commands move physical locks; a weak key is a physical breach.
const minAPIKeyLength = 32

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Security.ReplayWindow <= 0 {
		errs = append(errs, "security.replay_window must be positive")
	}

	if c.Security.APIKey == "" {
		errs = append(errs, "security.api_key is required (set VERALOCK_API_KEY environment variable)")
	} else if len(c.Security.APIKey) < minAPIKeyLength {
		errs = append(errs, "security.api_key must be at least 32 characters")
	}

	if c.Fallback.UnlockWindow <= 0 || c.Fallback.LockWindow <= 0 {
		errs = append(errs, "fallback windows must be positive")
	}

	if c.Monitor.Enabled {
		if c.Monitor.BatterySweep == "" || c.Monitor.OfflineSweep == "" {
			errs = append(errs, "monitor sweeps require cron specs when enabled")
		}
		if c.Monitor.OfflineAfter <= 0 {
			errs = append(errs, "monitor.offline_after must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReplayWindow returns the replay window as a Duration.
func (c *Config) GetReplayWindow() time.Duration {
	return time.Duration(c.Security.ReplayWindow) * time.Second
}

// GetUnlockFallback returns the unlock fallback window as a Duration.
func (c *Config) GetUnlockFallback() time.Duration {
	return time.Duration(c.Fallback.UnlockWindow) * time.Second
}

// GetLockFallback returns the lock fallback window as a Duration.
func (c *Config) GetLockFallback() time.Duration {
	return time.Duration(c.Fallback.LockWindow) * time.Second
}

// GetOfflineAfter returns the offline heartbeat threshold as a Duration.
func (c *Config) GetOfflineAfter() time.Duration {
	return time.Duration(c.Monitor.OfflineAfter) * time.Second
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
