// Package config provides configuration parsing and validation for Burrow.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker configuration.
type Config struct {
	Broker    BrokerConfig     `yaml:"broker"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Auth      AuthConfig       `yaml:"auth"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	Routing   RoutingConfig    `yaml:"routing"`
	Limits    LimitsConfig     `yaml:"limits"`
	Health    HealthConfig     `yaml:"health"`
	Control   ControlConfig    `yaml:"control"`
}

// BrokerConfig contains process-level settings.
type BrokerConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, ws
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP upgrade path for ws
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings. An empty cert/key pair makes the broker
// generate an ephemeral self-signed certificate at startup.
type TLSConfig struct {
	Cert     string `yaml:"cert"`      // Certificate file path
	Key      string `yaml:"key"`       // Private key file path
	ClientCA string `yaml:"client_ca"` // Client CA for mTLS
}

// AuthConfig defines the ordered authenticator set and negotiation limits.
type AuthConfig struct {
	MaxRounds int            `yaml:"max_rounds"`
	Timeout   time.Duration  `yaml:"timeout"`
	PSK       PSKConfig      `yaml:"psk"`
	Verifier  VerifierConfig `yaml:"verifier"`
}

// PSKConfig enables the pre-shared-key authenticator.
type PSKConfig struct {
	Enabled bool           `yaml:"enabled"`
	Keys    []PSKKeyConfig `yaml:"keys"`
}

// PSKKeyConfig is one named pre-shared key.
type PSKKeyConfig struct {
	Name   string   `yaml:"name"`
	Secret string   `yaml:"secret"`
	Scopes []string `yaml:"scopes"`
}

// VerifierConfig enables the external-verifier authenticator.
type VerifierConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionsConfig tunes session lifecycle behavior.
type SessionsConfig struct {
	DrainDeadline      time.Duration `yaml:"drain_deadline"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	MissedPongLimit    int           `yaml:"missed_pong_limit"`
	OpenRequestTimeout time.Duration `yaml:"open_request_timeout"`
}

// RoutingConfig tunes the service router.
type RoutingConfig struct {
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	EvictionPolicy string        `yaml:"eviction_policy"` // newest-wins, oldest-wins
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	AcceptRate        float64 `yaml:"accept_rate"`  // sessions/second per listener
	AcceptBurst       int     `yaml:"accept_burst"` //
	MaxStreamsPerConn int     `yaml:"max_streams_per_conn"`
}

// HealthConfig defines health/metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Auth: AuthConfig{
			MaxRounds: 4,
			Timeout:   10 * time.Second,
			Verifier: VerifierConfig{
				Timeout: 5 * time.Second,
			},
		},
		Sessions: SessionsConfig{
			DrainDeadline:      30 * time.Second,
			KeepaliveInterval:  20 * time.Second,
			MissedPongLimit:    3,
			OpenRequestTimeout: 10 * time.Second,
		},
		Routing: RoutingConfig{
			OpenTimeout:    10 * time.Second,
			EvictionPolicy: "newest-wins",
		},
		Limits: LimitsConfig{
			AcceptRate:        50,
			AcceptBurst:       100,
			MaxStreamsPerConn: 10000,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "/var/run/burrowd.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Broker.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Broker.LogLevel))
	}
	if !isValidLogFormat(c.Broker.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Broker.LogFormat))
	}

	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	if !c.Auth.PSK.Enabled && !c.Auth.Verifier.Enabled {
		errs = append(errs, "at least one authenticator must be enabled")
	}
	if c.Auth.PSK.Enabled {
		if len(c.Auth.PSK.Keys) == 0 {
			errs = append(errs, "auth.psk.keys is required when psk is enabled")
		}
		for i, k := range c.Auth.PSK.Keys {
			if k.Name == "" {
				errs = append(errs, fmt.Sprintf("auth.psk.keys[%d]: name is required", i))
			}
			if k.Secret == "" {
				errs = append(errs, fmt.Sprintf("auth.psk.keys[%d]: secret is required", i))
			}
		}
	}
	if c.Auth.Verifier.Enabled && c.Auth.Verifier.URL == "" {
		errs = append(errs, "auth.verifier.url is required when verifier is enabled")
	}
	if c.Auth.MaxRounds < 1 || c.Auth.MaxRounds > 16 {
		errs = append(errs, "auth.max_rounds must be between 1 and 16")
	}

	if c.Sessions.DrainDeadline <= 0 {
		errs = append(errs, "sessions.drain_deadline must be positive")
	}
	if c.Sessions.MissedPongLimit < 1 {
		errs = append(errs, "sessions.missed_pong_limit must be positive")
	}

	if !isValidEvictionPolicy(c.Routing.EvictionPolicy) {
		errs = append(errs, fmt.Sprintf("invalid eviction_policy: %s (must be newest-wins or oldest-wins)", c.Routing.EvictionPolicy))
	}

	if c.Limits.AcceptRate <= 0 {
		errs = append(errs, "limits.accept_rate must be positive")
	}
	if c.Limits.MaxStreamsPerConn < 1 {
		errs = append(errs, "limits.max_streams_per_conn must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "ws":
		return true
	default:
		return false
	}
}

func isValidEvictionPolicy(policy string) bool {
	switch policy {
	case "newest-wins", "oldest-wins":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	// Cert and key travel together; both empty means self-signed bootstrap.
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must both be set or both be empty")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Auth.PSK.Keys {
		if redacted.Auth.PSK.Keys[i].Secret != "" {
			redacted.Auth.PSK.Keys[i].Secret = redactedValue
		}
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
	}

	return redacted
}
