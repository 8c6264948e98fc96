// Package config handles configuration loading, validation, and persistence
// for MonoSync clients and relays.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultRelayPort  = 7777
	DefaultAPIPort    = 5080
	DefaultTickRateHz = 20

	// RandomPeerID in ClientConfig.PeerID draws a fresh id on every start.
	RandomPeerID = -1
)

// Config is the root configuration structure for MonoSync.
type Config struct {
	mu      sync.RWMutex
	path    string
	created bool

	Client          ClientConfig    `json:"client"`
	Relay           RelayConfig     `json:"relay"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ClientConfig describes where a peer streams to and how often.
type ClientConfig struct {
	Address    string `json:"address"`
	Port       int    `json:"port"`
	TickRateHz int    `json:"tick_rate_hz"`
	PeerID     int    `json:"peer_id"`

	// Remote peers silent this long are dropped from the local table.
	PeerTimeoutSec       int `json:"peer_timeout_sec"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`
}

// TickInterval converts the tick rate into a period.
func (c ClientConfig) TickInterval() time.Duration {
	if c.TickRateHz <= 0 {
		return time.Second / DefaultTickRateHz
	}
	return time.Second / time.Duration(c.TickRateHz)
}

// PeerTimeout is how long a silent remote peer stays in the local table.
func (c ClientConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSec) * time.Second
}

// RelayConfig holds the UDP relay settings.
type RelayConfig struct {
	ListenAddress      string `json:"listen_address"`
	ListenPort         int    `json:"listen_port"`
	PeerTimeoutSec     int    `json:"peer_timeout_sec"`
	CleanupIntervalSec int    `json:"cleanup_interval_sec"`
	StatsIntervalSec   int    `json:"stats_interval_sec"`
}

// PeerTimeout is how long a silent peer stays registered.
func (r RelayConfig) PeerTimeout() time.Duration {
	return time.Duration(r.PeerTimeoutSec) * time.Second
}

// ApplicationData contains the ambient service configuration.
type ApplicationData struct {
	MQTT     MQTTConfig     `json:"mqtt"`
	API      APIConfig      `json:"api"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled             bool   `json:"enabled"`
	BrokerURL           string `json:"broker_url"`
	Port                int    `json:"port"`
	UseTLS              bool   `json:"use_tls"`
	CertFile            string `json:"cert_file"`
	KeyFile             string `json:"key_file"`
	CAFile              string `json:"ca_file"`
	ClientID            string `json:"client_id"`
	TopicPrefix         string `json:"topic_prefix"`
	TransformIntervalMs int    `json:"transform_interval_ms"`
}

// APIConfig holds the relay monitor REST API settings.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listen_address"`
	Port          int    `json:"port"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	APIToken       string   `json:"api_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig holds the relay peer store settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Address:    "127.0.0.1",
			Port:       DefaultRelayPort,
			TickRateHz: DefaultTickRateHz,
			PeerID:     RandomPeerID,

			PeerTimeoutSec:       10,
			HeartbeatIntervalSec: 30,
		},
		Relay: RelayConfig{
			ListenAddress:      "0.0.0.0",
			ListenPort:         DefaultRelayPort,
			PeerTimeoutSec:     30,
			CleanupIntervalSec: 10,
			StatsIntervalSec:   60,
		},
		ApplicationData: ApplicationData{
			MQTT: MQTTConfig{
				Enabled:             false,
				BrokerURL:           "localhost",
				Port:                1883,
				TopicPrefix:         "monosync",
				TransformIntervalMs: 1000,
			},
			API: APIConfig{
				Enabled:       true,
				ListenAddress: "127.0.0.1",
				Port:          DefaultAPIPort,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "monosync.db"),
				RetentionDays: 7,
			},
		},
	}
}

// Load reads configuration from configDir/config.json, creating it with
// defaults when absent.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.created = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so fields added since the file was written show up in it.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// SetClient updates the client configuration.
func (c *Config) SetClient(client ClientConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Client = client
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// SetRelay updates the relay configuration.
func (c *Config) SetRelay(relay RelayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay = relay
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateField sets one JSON field inside a top-level section ("client",
// "relay" or "application_data") by its JSON key.
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "client":
		target = &c.Client
	case "relay":
		target = &c.Relay
	case "application_data":
		target = &c.ApplicationData
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IsFirstRun returns true if Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.created
}
