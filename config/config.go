// Package config provides configuration management for the rephrase server.
// It covers the HTTP listener, completion providers and their model catalog,
// request validation limits, gateway timeouts, circuit breaking, rate
// limiting, provider health checks and the local history store.
//
// Configuration is layered: DefaultConfig, then a YAML file with ${VAR} and
// ${VAR:-default} expansion, then a .env file and REPHRASE_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment names accepted by ServerConfig.Environment.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Provider types understood by the gateway.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultOpenAIBaseURL is used when an openai provider sets no base_url.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// Model tiers used by the parameter selector.
const (
	TierStandard = "standard"
	TierAdvanced = "advanced"
)

// Config represents the complete server configuration.
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Logging        LoggingConfig             `yaml:"logging"`
	Routes         []RouteConfig             `yaml:"routes"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	Models         ModelsConfig              `yaml:"models"`
	Validation     ValidationConfig          `yaml:"validation"`
	Processing     ProcessingConfig          `yaml:"processing"`
	Gateway        GatewayConfig             `yaml:"gateway"`
	CircuitBreaker CircuitBreakerConfig      `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig           `yaml:"rate_limit"`
	HealthCheck    HealthCheckConfig         `yaml:"health_check"`
	History        HistoryConfig             `yaml:"history"`
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// Environment is "production" or "development". Production hides
	// internal error detail from clients (default: production)
	Environment string `yaml:"environment"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing the response. Streams can legitimately
	// run for minutes, so the default is 0 (disabled) and the gateway's
	// request_timeout bounds each request instead.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout (default: 120s)
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes caps the size of a request body (default: 1MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout specifies how long to wait for the server to shutdown
	// gracefully before forcing termination (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKeys, when non-empty, are accepted in the X-API-Key header by the
	// "auth" route middleware
	APIKeys []string `yaml:"api_keys"`

	// CORSOrigins lists allowed browser origins; "*" allows any (default: ["*"])
	CORSOrigins []string `yaml:"cors_origins"`

	// HTTP3 configuration (optional)
	HTTP3 *HTTP3Config `yaml:"http3,omitempty"`
}

// HTTP3Config holds configuration specific to the HTTP/3 listener.
// HTTP/3 requires TLS, so certificate configuration is mandatory.
type HTTP3Config struct {
	Enabled     bool          `yaml:"enabled"`
	Port        int           `yaml:"port"`
	TLSCertFile string        `yaml:"tls_cert_file"`
	TLSKeyFile  string        `yaml:"tls_key_file"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxBiStreamsConcurrent is the maximum number of concurrent bidirectional streams
	// that a peer is allowed to open. The default is 100.
	MaxBiStreamsConcurrent int64 `yaml:"max_bi_streams_concurrent"`

	// MaxUniStreamsConcurrent is the maximum number of concurrent unidirectional streams
	// that a peer is allowed to open. The default is 100.
	MaxUniStreamsConcurrent int64 `yaml:"max_uni_streams_concurrent"`

	// MaxStreamReceiveWindow is the stream-level flow control window for receiving data
	MaxStreamReceiveWindow uint64 `yaml:"max_stream_receive_window"`

	// MaxConnectionReceiveWindow is the connection-level flow control window for receiving data
	MaxConnectionReceiveWindow uint64 `yaml:"max_connection_receive_window"`

	// Enable0RTT enables 0-RTT (early data) support
	Enable0RTT bool `yaml:"enable_0rtt"`
}

// ProviderConfig holds configuration for a completion provider.
type ProviderConfig struct {
	// Type is "openai" (any OpenAI-compatible chat completions API) or "anthropic"
	Type string `yaml:"type"`

	// APIKey is the credential. Use ${VAR} expansion or REPHRASE_<TYPE>_API_KEY.
	// An empty key is allowed at startup; requests fail with MISSING_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (e.g. an Azure or local gateway)
	BaseURL string `yaml:"base_url"`

	// HealthModel is the model used by health probes (default: first catalog model)
	HealthModel string `yaml:"health_model,omitempty"`
}

// ModelConfig is one entry of the model catalog.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Tier     string `yaml:"tier"`
}

// ModelsConfig defines which models clients may request.
type ModelsConfig struct {
	// Default is used when a request names no model
	Default string `yaml:"default"`

	// FallbackUnknown substitutes Default for unknown models instead of
	// rejecting them with INVALID_MODEL (default: false)
	FallbackUnknown bool `yaml:"fallback_unknown"`

	Catalog []ModelConfig `yaml:"catalog"`
}

// Lookup returns the catalog entry for name.
func (m ModelsConfig) Lookup(name string) (ModelConfig, bool) {
	for _, mc := range m.Catalog {
		if mc.Name == name {
			return mc, true
		}
	}
	return ModelConfig{}, false
}

// Names returns catalog model names in configuration order.
func (m ModelsConfig) Names() []string {
	names := make([]string, 0, len(m.Catalog))
	for _, mc := range m.Catalog {
		names = append(names, mc.Name)
	}
	return names
}

// ValidationConfig bounds the accepted input text, measured in code points
// after trimming.
type ValidationConfig struct {
	MinTextLength int `yaml:"min_text_length"`
	MaxTextLength int `yaml:"max_text_length"`
}

// GatewayConfig bounds every upstream call.
type GatewayConfig struct {
	// ConnectTimeout bounds opening the stream, up to the first fragment (default: 30s)
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout bounds the wait for each subsequent fragment (default: 60s)
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RequestTimeout bounds the whole request (default: 5m)
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CircuitBreakerConfig configures the per-provider breaker.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on (default: true)
	Enabled bool `yaml:"enabled"`

	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// RateLimitConfig configures the per-client limiter of the "ratelimit" middleware.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// HealthCheckConfig configures periodic provider probes.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HistoryConfig configures the local history file used by the CLI.
type HistoryConfig struct {
	// Path of the JSON history file; empty means ~/.rephrase/history.json
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// RouteConfig holds route-specific configuration.
type RouteConfig struct {
	// Path is the URL path to match
	Path string `yaml:"path"`

	// Handler specifies which handler to use for this route
	Handler string `yaml:"handler"`

	// Version, when set, prefixes the path (e.g. "v1" → /v1/api/process)
	Version string `yaml:"version,omitempty"`

	// Methods specifies the allowed HTTP methods for this route
	Methods []string `yaml:"methods"`

	// Middleware specifies the route-specific middleware
	Middleware []string `yaml:"middleware,omitempty"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Environment:     EnvProduction,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
			HTTP3: &HTTP3Config{
				Enabled:                    false,
				Port:                       443,
				IdleTimeout:                30 * time.Second,
				MaxBiStreamsConcurrent:     100,
				MaxUniStreamsConcurrent:    100,
				MaxStreamReceiveWindow:     6 * 1024 * 1024,
				MaxConnectionReceiveWindow: 15 * 1024 * 1024,
				Enable0RTT:                 false,
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Providers: map[string]ProviderConfig{
			ProviderOpenAI: {
				Type:    ProviderOpenAI,
				BaseURL: DefaultOpenAIBaseURL,
			},
		},

		Models: ModelsConfig{
			Default: "gpt-4o-mini",
			Catalog: []ModelConfig{
				{Name: "gpt-4o-mini", Provider: ProviderOpenAI, Tier: TierStandard},
				{Name: "gpt-4o", Provider: ProviderOpenAI, Tier: TierAdvanced},
			},
		},

		Validation: ValidationConfig{
			MinTextLength: 10,
			MaxTextLength: 20000,
		},

		Processing: ProcessingConfig{
			DefaultStructure: "system-heavy",
		},

		Gateway: GatewayConfig{
			ConnectTimeout: 30 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 5 * time.Minute,
		},

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},

		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             10,
		},

		HealthCheck: HealthCheckConfig{
			Enabled:  false,
			Interval: time.Minute,
			Timeout:  10 * time.Second,
		},

		History: HistoryConfig{
			MaxEntries: 50,
		},

		Routes: []RouteConfig{
			{
				Path:       "/api/process",
				Handler:    "process",
				Methods:    []string{"POST"},
				Middleware: []string{"auth", "ratelimit"},
			},
			{
				Path:    "/health",
				Handler: "health",
				Methods: []string{"GET"},
			},
			{
				Path:    "/metrics",
				Handler: "metrics",
				Methods: []string{"GET"},
			},
		},
	}
}

// Production reports whether internal error detail must be hidden.
func (c *Config) Production() bool {
	return c.Server.Environment != EnvDevelopment
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. Nested
// references produced by an expansion are resolved until a fixed point.
// An unterminated "${" is a syntax error.
//
// Examples:
//   - "${OPENAI_API_KEY}" → "sk-..."
//   - "${PORT:-8080}" → "8080" (if PORT is unset or empty)
//   - "https://${HOST}/${VERSION}" → "https://api.openai.com/v1"
func expandEnvVars(s string) (string, error) {
	if err := checkEnvSyntax(s); err != nil {
		return "", err
	}

	lookup := func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	}

	result := os.Expand(s, lookup)
	for i := 0; i < 8; i++ {
		next := os.Expand(result, lookup)
		if next == result {
			break
		}
		result = next
	}
	return result, nil
}

func checkEnvSyntax(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return fmt.Errorf("invalid syntax: unterminated ${ at offset %d", i)
		}
		i += end
	}
	return nil
}

// envOverrides are applied after the YAML file. Unset variables leave the
// file's values untouched.
type envOverrides struct {
	Port            int    `env:"REPHRASE_PORT"`
	Environment     string `env:"REPHRASE_ENV"`
	LogLevel        string `env:"REPHRASE_LOG_LEVEL"`
	DefaultModel    string `env:"REPHRASE_DEFAULT_MODEL"`
	OpenAIAPIKey    string `env:"REPHRASE_OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"REPHRASE_ANTHROPIC_API_KEY"`
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.Environment != "" {
		c.Server.Environment = o.Environment
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.DefaultModel != "" {
		c.Models.Default = o.DefaultModel
	}

	keys := map[string]string{
		ProviderOpenAI:    o.OpenAIAPIKey,
		ProviderAnthropic: o.AnthropicAPIKey,
	}
	for name, p := range c.Providers {
		if k := keys[p.Type]; k != "" && p.APIKey == "" {
			p.APIKey = k
			c.Providers[name] = p
		}
	}
	return nil
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	// Start with defaults
	config := DefaultConfig()

	// Decode YAML on top of defaults
	dec := yaml.NewDecoder(strings.NewReader(expandedData))
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// A .env file is optional
	_ = godotenv.Load()

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.Environment {
	case EnvProduction, EnvDevelopment:
	default:
		return fmt.Errorf("invalid environment: %q", c.Server.Environment)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive: %d", c.Server.MaxBodyBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	// HTTP/3 validation
	if h := c.Server.HTTP3; h != nil && h.Enabled {
		if h.Port <= 0 || h.Port > 65535 {
			return fmt.Errorf("invalid HTTP/3 port: %d", h.Port)
		}
		if h.TLSCertFile == "" {
			return fmt.Errorf("HTTP/3 enabled but TLS certificate file not specified")
		}
		if h.TLSKeyFile == "" {
			return fmt.Errorf("HTTP/3 enabled but TLS key file not specified")
		}
		if h.IdleTimeout < 0 {
			return fmt.Errorf("negative HTTP/3 idle timeout: %v", h.IdleTimeout)
		}
		if h.MaxBiStreamsConcurrent < 0 || h.MaxUniStreamsConcurrent < 0 {
			return fmt.Errorf("negative HTTP/3 stream limits")
		}
		if _, err := os.Stat(h.TLSCertFile); err != nil {
			return fmt.Errorf("HTTP/3 TLS certificate file not accessible: %w", err)
		}
		if _, err := os.Stat(h.TLSKeyFile); err != nil {
			return fmt.Errorf("HTTP/3 TLS key file not accessible: %w", err)
		}
	}

	// Provider validation
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			return fmt.Errorf("invalid type %q for provider %s", p.Type, name)
		}
	}

	// Model validation
	if len(c.Models.Catalog) == 0 {
		return fmt.Errorf("empty model catalog")
	}
	seen := make(map[string]bool, len(c.Models.Catalog))
	for i, m := range c.Models.Catalog {
		if m.Name == "" {
			return fmt.Errorf("empty name in model %d", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model: %s", m.Name)
		}
		seen[m.Name] = true
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %s references unknown provider %q", m.Name, m.Provider)
		}
		switch m.Tier {
		case TierStandard, TierAdvanced:
		default:
			return fmt.Errorf("invalid tier %q for model %s", m.Tier, m.Name)
		}
	}
	if !seen[c.Models.Default] {
		return fmt.Errorf("default model %q not in catalog", c.Models.Default)
	}

	// Validation limits
	if c.Validation.MinTextLength < 1 {
		return fmt.Errorf("min text length must be at least 1: %d", c.Validation.MinTextLength)
	}
	if c.Validation.MaxTextLength < c.Validation.MinTextLength {
		return fmt.Errorf("max text length %d below min text length %d",
			c.Validation.MaxTextLength, c.Validation.MinTextLength)
	}

	if err := c.Processing.Validate(); err != nil {
		return err
	}

	// Gateway validation
	if c.Gateway.ConnectTimeout < 0 || c.Gateway.IdleTimeout < 0 || c.Gateway.RequestTimeout < 0 {
		return fmt.Errorf("negative gateway timeout")
	}

	// Rate limit validation
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_minute and burst")
	}

	// Health check validation
	if c.HealthCheck.Enabled && (c.HealthCheck.Interval <= 0 || c.HealthCheck.Timeout <= 0) {
		return fmt.Errorf("health check requires positive interval and timeout")
	}

	if c.History.MaxEntries < 0 {
		return fmt.Errorf("negative history max entries: %d", c.History.MaxEntries)
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Route validation
	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("empty path in route %d", i)
		}
		if route.Handler == "" {
			return fmt.Errorf("empty handler in route %d", i)
		}
	}

	return nil
}
