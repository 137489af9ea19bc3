// Package config provides configuration parsing and validation for PairLink.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete PairLink configuration. A single file
// covers broker and peer roles; each binary reads the sections it needs.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Broker   BrokerConfig   `yaml:"broker"`
	Peer     PeerConfig     `yaml:"peer"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BrokerConfig contains relay broker settings.
type BrokerConfig struct {
	Address          string        `yaml:"address"`           // listen address
	Path             string        `yaml:"path"`              // websocket upgrade path
	MaxGroups        int           `yaml:"max_groups"`        // connection group ceiling
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // group idle eviction threshold
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // heartbeat sweep period
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	Token            TokenConfig   `yaml:"token"`
}

// TokenConfig contains pairing token settings.
type TokenConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IssueRate     float64       `yaml:"issue_rate"`  // tokens per second, 0 = unlimited
	IssueBurst    int           `yaml:"issue_burst"`
}

// PeerConfig contains peer-side settings shared by both roles.
type PeerConfig struct {
	BrokerURL    string          `yaml:"broker_url"` // ws:// or wss:// endpoint
	DataDir      string          `yaml:"data_dir"`   // persistent keypair location
	PingInterval time.Duration   `yaml:"ping_interval"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// UpstreamConfig contains the bridge's gateway connection settings.
type UpstreamConfig struct {
	URL            string        `yaml:"url"` // gateway websocket endpoint
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Address:          ":8443",
			Path:             "/pair",
			MaxGroups:        100,
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    15 * time.Second,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			Token: TokenConfig{
				TTL:           15 * time.Minute,
				SweepInterval: 60 * time.Second,
				IssueRate:     5,
				IssueBurst:    10,
			},
		},
		Peer: PeerConfig{
			BrokerURL:    "ws://127.0.0.1:8443/pair",
			DataDir:      "./data",
			PingInterval: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
		},
		Upstream: UpstreamConfig{
			URL:            "ws://127.0.0.1:9800/gateway",
			RequestTimeout: 10 * time.Second,
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

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Broker.Address == "" {
		errs = append(errs, "broker.address is required")
	}
	if !strings.HasPrefix(c.Broker.Path, "/") {
		errs = append(errs, fmt.Sprintf("broker.path must start with /: %s", c.Broker.Path))
	}
	if c.Broker.MaxGroups < 1 {
		errs = append(errs, "broker.max_groups must be positive")
	}
	if c.Broker.HeartbeatTimeout <= 0 {
		errs = append(errs, "broker.heartbeat_timeout must be positive")
	}
	if c.Broker.SweepInterval <= 0 {
		errs = append(errs, "broker.sweep_interval must be positive")
	}
	if c.Broker.Token.TTL <= 0 {
		errs = append(errs, "broker.token.ttl must be positive")
	}

	if c.Peer.BrokerURL != "" {
		if err := validateWebsocketURL(c.Peer.BrokerURL); err != nil {
			errs = append(errs, fmt.Sprintf("peer.broker_url: %v", err))
		}
	}
	if c.Peer.DataDir == "" {
		errs = append(errs, "peer.data_dir is required")
	}
	if c.Peer.PingInterval <= 0 {
		errs = append(errs, "peer.ping_interval must be positive")
	}
	if c.Peer.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "peer.reconnect.initial_delay must be positive")
	}
	if c.Peer.Reconnect.MaxDelay < c.Peer.Reconnect.InitialDelay {
		errs = append(errs, "peer.reconnect.max_delay must be >= initial_delay")
	}
	if c.Peer.Reconnect.Multiplier < 1 {
		errs = append(errs, "peer.reconnect.multiplier must be >= 1")
	}

	if c.Upstream.URL != "" {
		if err := validateWebsocketURL(c.Upstream.URL); err != nil {
			errs = append(errs, fmt.Sprintf("upstream.url: %v", err))
		}
	}
	if c.Upstream.RequestTimeout <= 0 {
		errs = append(errs, "upstream.request_timeout must be positive")
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

func validateWebsocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// String returns a YAML rendering of the config for debugging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
