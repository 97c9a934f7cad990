package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dns-proxy/pkg/pattern"
)

// DefaultDNSPort is used for upstreams configured without an explicit port
const DefaultDNSPort = 53

// Config holds the application configuration
type Config struct {
	// Listen address
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Default upstream nameservers; the first entry is the fallback target
	Nameservers []string `yaml:"nameservers"`

	// How long a forwarded query waits for a reply before retrying
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`

	// TTL of locally synthesised answers
	AnswerTTL time.Duration `yaml:"answer_ttl"`

	// Watch the config file and swap in changes at runtime
	ReloadConfig bool `yaml:"reload_config"`

	// Routing tables
	Hosts   map[string]string `yaml:"hosts"`
	Domains map[string]string `yaml:"domains"`
	Servers map[string]string `yaml:"servers"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // if output=file
	AddSource  bool   `yaml:"add_source"`  // include source file/line
	LogQueries bool   `yaml:"log_queries"` // emit one record per answered query
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// StorageConfig holds query log persistence settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
	BusyTimeout   int           `yaml:"busy_timeout"` // milliseconds
	WALMode       bool          `yaml:"wal_mode"`
}

// RateLimitConfig holds per-client admission settings
type RateLimitConfig struct {
	Enabled           bool                     `yaml:"enabled"`
	RequestsPerSecond float64                  `yaml:"requests_per_second"`
	Burst             int                      `yaml:"burst"`
	CleanupInterval   time.Duration            `yaml:"cleanup_interval"`
	MaxTrackedClients int                      `yaml:"max_tracked_clients"`
	LogViolations     bool                     `yaml:"log_violations"`
	Overrides         []RateLimitOverrideEntry `yaml:"overrides"`
}

// RateLimitOverrideEntry applies different limits to specific clients
type RateLimitOverrideEntry struct {
	Name              string   `yaml:"name"`
	Clients           []string `yaml:"clients"`
	CIDRs             []string `yaml:"cidrs"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Burst             *int     `yaml:"burst"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ListenAddress returns the host:port the proxy binds to
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultDNSPort
	}

	if len(c.Nameservers) == 0 {
		c.Nameservers = []string{"8.8.8.8", "8.8.4.4"}
	}
	if c.FallbackTimeout == 0 {
		c.FallbackTimeout = 350 * time.Millisecond
	}
	if c.AnswerTTL == 0 {
		c.AnswerTTL = 30 * time.Second
	}

	if c.Hosts == nil {
		c.Hosts = map[string]string{}
	}
	if c.Domains == nil {
		c.Domains = map[string]string{}
	}
	if c.Servers == nil {
		c.Servers = map[string]string{}
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dns-proxy"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}

	// Storage defaults
	if c.Storage.Path == "" {
		c.Storage.Path = "./dns-proxy.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Message: fmt.Sprintf("%d is out of range", c.Port)}
	}

	if len(c.Nameservers) == 0 {
		return ErrNoNameservers
	}
	for _, ns := range c.Nameservers {
		if _, _, err := SplitUpstream(ns); err != nil {
			return &ConfigError{Field: "nameservers", Message: err.Error()}
		}
	}

	if c.FallbackTimeout <= 0 {
		return ErrInvalidTimeout
	}

	for name := range c.Hosts {
		if strings.TrimSpace(name) == "" {
			return &ConfigError{Field: "hosts", Message: "host name cannot be empty"}
		}
	}
	for raw := range c.Domains {
		if strings.TrimSpace(raw) == "" {
			return &ConfigError{Field: "domains", Message: "domain pattern cannot be empty"}
		}
		if _, err := pattern.ParsePattern(raw); err != nil {
			return &ConfigError{Field: "domains", Message: err.Error()}
		}
	}
	for key, upstream := range c.Servers {
		if key == "" {
			return &ConfigError{Field: "servers", Message: "server match cannot be empty"}
		}
		if _, _, err := SplitUpstream(upstream); err != nil {
			return &ConfigError{Field: "servers", Message: fmt.Sprintf("%s: %v", key, err)}
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("invalid level %q (must be debug, info, warn, or error)", c.Logging.Level)}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("invalid format %q (must be json or text)", c.Logging.Format)}
	}
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return &ConfigError{Field: "logging.output", Message: fmt.Sprintf("invalid output %q (must be stdout, stderr, or file)", c.Logging.Output)}
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return &ConfigError{Field: "logging.file_path", Message: "must be set when output is 'file'"}
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return &ConfigError{Field: "rate_limit", Message: "requests_per_second and burst must be positive"}
	}

	return nil
}

// SplitUpstream splits an upstream given as "host" or "host:port".
// A missing port defaults to 53. Bare IPv6 literals are accepted.
func SplitUpstream(upstream string) (string, int, error) {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return "", 0, fmt.Errorf("upstream cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(upstream)
	if err != nil {
		// No port: either a plain host or an unbracketed IPv6 literal
		host = strings.TrimSuffix(strings.TrimPrefix(upstream, "["), "]")
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return "", 0, fmt.Errorf("invalid upstream %q", upstream)
		}
		return host, DefaultDNSPort, nil
	}

	if host == "" {
		return "", 0, fmt.Errorf("invalid upstream %q: missing host", upstream)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid upstream %q: bad port %q", upstream, portStr)
	}
	return host, port, nil
}
