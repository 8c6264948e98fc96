package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Mode selects which sections Validate checks strictly.
type Mode int

const (
	ModeClient Mode = iota
	ModeRelay
)

// Validate checks the section used by mode plus the shared application data.
func Validate(cfg *Config, mode Mode) *ValidationResult {
	result := &ValidationResult{}

	switch mode {
	case ModeClient:
		validateClient(cfg.GetClient(), result)
	case ModeRelay:
		validateRelay(cfg.GetRelay(), result)
	}

	app := cfg.GetApplicationData()
	validateApplicationData(&app, mode, result)

	return result
}

func validateClient(c ClientConfig, result *ValidationResult) {
	if strings.TrimSpace(c.Address) == "" {
		result.AddError("client.address", "relay address is required")
	} else if net.ParseIP(c.Address) == nil {
		result.AddError("client.address",
			fmt.Sprintf("%q is not an IP address literal", c.Address))
	}

	validatePort(c.Port, "client.port", result)

	if c.TickRateHz < 1 {
		result.AddError("client.tick_rate_hz", "tick rate must be at least 1 Hz")
	} else if c.TickRateHz > 128 {
		result.AddWarning("client.tick_rate_hz",
			fmt.Sprintf("high tick rate (%d Hz) will flood the relay", c.TickRateHz))
	}

	if c.PeerID != RandomPeerID && (c.PeerID < 0 || c.PeerID > 255) {
		result.AddError("client.peer_id", "peer id must be 0-255, or -1 for random")
	}

	if c.PeerTimeoutSec < 1 {
		result.AddWarning("client.peer_timeout_sec", "silent remote peers are never dropped")
	}
	if c.HeartbeatIntervalSec < 1 {
		result.AddWarning("client.heartbeat_interval_sec", "heartbeat is disabled")
	}
}

func validateRelay(r RelayConfig, result *ValidationResult) {
	if r.ListenAddress != "" && net.ParseIP(r.ListenAddress) == nil {
		result.AddError("relay.listen_address",
			fmt.Sprintf("%q is not an IP address literal", r.ListenAddress))
	}

	validatePort(r.ListenPort, "relay.listen_port", result)

	if r.PeerTimeoutSec < 1 {
		result.AddError("relay.peer_timeout_sec", "peer timeout must be at least 1 second")
	}
	if r.CleanupIntervalSec < 1 {
		result.AddError("relay.cleanup_interval_sec", "cleanup interval must be at least 1 second")
	} else if r.CleanupIntervalSec > r.PeerTimeoutSec && r.PeerTimeoutSec > 0 {
		result.AddWarning("relay.cleanup_interval_sec",
			"cleanup interval is longer than the peer timeout, stale peers will linger")
	}
	if r.StatsIntervalSec < 1 {
		result.AddWarning("relay.stats_interval_sec", "relay stats reporting is disabled")
	}
}

func validateApplicationData(data *ApplicationData, mode Mode, result *ValidationResult) {
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.TransformIntervalMs < 0 {
			result.AddError("application_data.mqtt.transform_interval_ms", "must not be negative")
		}
	}

	if _, err := zerolog.ParseLevel(data.Logging.Level); err != nil {
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, falling back to info", data.Logging.Level))
	}

	// API and database only run alongside a relay.
	if mode != ModeRelay {
		return
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if data.API.Enabled && data.Security.APIToken == "" {
		result.AddWarning("application_data.security.api_token",
			"monitor routes are unauthenticated")
	}

	if data.Database.Enabled {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "database path is required when enabled")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days",
				"retention days must be at least 1")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a UDP port is free for the relay to bind.
func IsPortAvailable(port int) bool {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	pc.Close()
	return true
}
