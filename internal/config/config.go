// ABOUTME: Configuration loading and parsing for coven-mesh
// ABOUTME: YAML or TOML files with env var expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COVEN_MESH"

// Config represents the complete coven-mesh configuration
type Config struct {
	Node      NodeConfig      `yaml:"node" toml:"node"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Analytics AnalyticsConfig `yaml:"analytics" toml:"analytics"`
}

// NodeConfig holds mesh node settings
type NodeConfig struct {
	Name string `yaml:"name" toml:"name" envconfig:"NAME"`

	AnnounceInterval    time.Duration `yaml:"-" toml:"-" ignored:"true"`
	AnnounceIntervalRaw string        `yaml:"announce_interval" toml:"announce_interval" envconfig:"ANNOUNCE_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" toml:"format" envconfig:"FORMAT"`
}

// BridgeConfig holds the gRPC link settings used by serve and raise
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" envconfig:"LISTEN_ADDR"`
	DialAddr   string `yaml:"dial_addr" toml:"dial_addr" envconfig:"DIAL_ADDR"`
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret" envconfig:"JWT_SECRET"`

	TokenTTL    time.Duration `yaml:"-" toml:"-" ignored:"true"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" envconfig:"HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" envconfig:"AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" envconfig:"STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" envconfig:"EPHEMERAL"`
}

// APIConfig points the fetch resolver at the upstream API
type APIConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url" envconfig:"BASE_URL"`
	Token   string `yaml:"token" toml:"token" envconfig:"TOKEN"`

	Timeout    time.Duration `yaml:"-" toml:"-" ignored:"true"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" envconfig:"TIMEOUT"`
}

// AnalyticsConfig configures the analytics resolver and its sinks
type AnalyticsConfig struct {
	DatabasePath string         `yaml:"database_path" toml:"database_path" envconfig:"DATABASE_PATH"`
	DedupeSize   int            `yaml:"dedupe_size" toml:"dedupe_size" envconfig:"DEDUPE_SIZE"`
	Mixpanel     MixpanelConfig `yaml:"mixpanel" toml:"mixpanel" envconfig:"MIXPANEL"`
	Kafka        KafkaConfig    `yaml:"kafka" toml:"kafka" envconfig:"KAFKA"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-" ignored:"true"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl" envconfig:"DEDUPE_TTL"`
}

// MixpanelConfig holds the HTTP track endpoint settings
type MixpanelConfig struct {
	Token  string `yaml:"token" toml:"token" envconfig:"TOKEN"`
	APIURL string `yaml:"api_url" toml:"api_url" envconfig:"API_URL"`
}

// KafkaConfig holds the Kafka sink settings
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" toml:"topic" envconfig:"TOPIC"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:                "coven-mesh",
			AnnounceIntervalRaw: "0s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Bridge: BridgeConfig{
			ListenAddr:  "127.0.0.1:50061",
			DialAddr:    "127.0.0.1:50061",
			TokenTTLRaw: "24h",
		},
		Tailscale: TailscaleConfig{Hostname: "coven-mesh"},
		API:       APIConfig{TimeoutRaw: "30s"},
		Analytics: AnalyticsConfig{
			DedupeSize:   10000,
			DedupeTTLRaw: "10m",
			Mixpanel:     MixpanelConfig{APIURL: "https://api.mixpanel.com"},
			Kafka:        KafkaConfig{Topic: "coven.analytics"},
		},
	}
}

// DefaultPath returns the config file location described in the package docs.
func DefaultPath() string {
	if p := os.Getenv("COVEN_MESH_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "mesh.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "coven", "mesh.yaml")
	}
	return filepath.Join(home, ".config", "coven", "mesh.yaml")
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides, parses durations and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

func applyEnv(cfg *Config) error {
	sections := []struct {
		name   string
		target any
	}{
		{"NODE", &cfg.Node},
		{"LOGGING", &cfg.Logging},
		{"BRIDGE", &cfg.Bridge},
		{"TAILSCALE", &cfg.Tailscale},
		{"API", &cfg.API},
		{"ANALYTICS", &cfg.Analytics},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(s.name), err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Node.AnnounceInterval < 0 {
		return fmt.Errorf("node.announce_interval must not be negative")
	}

	if c.Bridge.JWTSecret != "" && len(c.Bridge.JWTSecret) < 32 {
		return fmt.Errorf("bridge.jwt_secret must be at least 32 bytes")
	}
	if c.Bridge.TokenTTL <= 0 {
		return fmt.Errorf("bridge.token_ttl must be positive")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Bridge.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr is required (or enable tailscale)")
	}

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil {
			return fmt.Errorf("api.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("api.base_url must use http or https scheme")
		}
	}

	if len(c.Analytics.Kafka.Brokers) > 0 && c.Analytics.Kafka.Topic == "" {
		return fmt.Errorf("analytics.kafka.topic is required when brokers are set")
	}
	if c.Analytics.DedupeSize < 1 {
		return fmt.Errorf("analytics.dedupe_size must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"node.announce_interval", cfg.Node.AnnounceIntervalRaw, &cfg.Node.AnnounceInterval},
		{"bridge.token_ttl", cfg.Bridge.TokenTTLRaw, &cfg.Bridge.TokenTTL},
		{"api.timeout", cfg.API.TimeoutRaw, &cfg.API.Timeout},
		{"analytics.dedupe_ttl", cfg.Analytics.DedupeTTLRaw, &cfg.Analytics.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
