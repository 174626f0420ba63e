package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Invoker   InvokerConfig   `yaml:"invoker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metering  MeteringConfig  `yaml:"metering"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Security  SecurityConfig  `yaml:"security"`
	Models    ModelsConfig    `yaml:"models"`
	CORS      CORSConfig      `yaml:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // default: [] (same-origin only when empty; ["*"] for dev)
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type InvokerConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxResponseSize int64         `yaml:"max_response_size"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	CacheCapacity   int           `yaml:"cache_capacity"`
}

// RateLimitConfig sets per-tier execution limits per window.
type RateLimitConfig struct {
	Window        time.Duration  `yaml:"window"`
	Tiers         map[string]int `yaml:"tiers"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
}

type MeteringConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // plaintext or "sha256:<hex>"
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type ModelsConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	OpenAIKey       string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicKey    string `yaml:"anthropic_api_key"`
	OllamaHost      string `yaml:"ollama_host"`
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Invoker: InvokerConfig{
			DefaultTimeout:  30 * time.Second,
			MaxResponseSize: 10 * 1024 * 1024,
			RetryBaseDelay:  200 * time.Millisecond,
			RetryMaxDelay:   5 * time.Second,
			CacheCapacity:   1024,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Tiers: map[string]int{
				"free":       10,
				"pro":        100,
				"enterprise": 1000,
			},
			SweepInterval: 5 * time.Minute,
		},
		Metering: MeteringConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentdeck",
			SampleRatio: 1,
		},
		Models: ModelsConfig{
			DefaultProvider: "openai",
			OllamaHost:      "http://localhost:11434",
		},
	}
}

func expandEnvVars(s string) string {
	return os.ExpandEnv(s)
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("AGENTDECK_DATABASE_URL", &cfg.Database.URL)
	str("AGENTDECK_HOST", &cfg.Server.Host)
	str("AGENTDECK_ADMIN_KEY", &cfg.Auth.AdminKey)
	str("AGENTDECK_ENCRYPTION_KEY", &cfg.Security.EncryptionKey)
	str("AGENTDECK_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("OPENAI_API_KEY", &cfg.Models.OpenAIKey)
	str("OPENAI_BASE_URL", &cfg.Models.OpenAIBaseURL)
	str("ANTHROPIC_API_KEY", &cfg.Models.AnthropicKey)
	str("OLLAMA_HOST", &cfg.Models.OllamaHost)

	if v := os.Getenv("AGENTDECK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTDECK_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
	// AGENTDECK_RATE_LIMIT_<TIER>=<limit>
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		tier, ok := strings.CutPrefix(name, "AGENTDECK_RATE_LIMIT_")
		if !ok || tier == "" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			if cfg.RateLimit.Tiers == nil {
				cfg.RateLimit.Tiers = make(map[string]int)
			}
			cfg.RateLimit.Tiers[strings.ToLower(tier)] = n
		}
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Metering.BatchSize <= 0 || c.Metering.FlushInterval <= 0 {
		return fmt.Errorf("metering.batch_size and metering.flush_interval must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	for tier, n := range c.RateLimit.Tiers {
		if n <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s must be positive, got %d", tier, n)
		}
	}
	if c.Invoker.MaxResponseSize <= 0 {
		return fmt.Errorf("invoker.max_response_size must be positive")
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %v", r)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) MigrationsSource() string {
	return "file://migrations"
}

func (c *Config) DatabaseURLForMigrate() string {
	url := c.Database.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}
