package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Transport paths are fixed; clients and the gateway must agree on them.
const (
	EventsPath       = "/events"
	EventsStreamPath = "/events/stream"
)

// Config holds all configuration for the realtime gateway.
type Config struct {
	// Token verification
	JWTKey      string        `yaml:"jwt_key"`
	TokenLeeway time.Duration `yaml:"-"`

	// Backplane
	RedisURL                string        `yaml:"redis_url"`
	BackplaneBackoffInitial time.Duration `yaml:"-"`
	BackplaneBackoffMax     time.Duration `yaml:"-"`
	BackplaneStartupRetries int           `yaml:"backplane_startup_retries"`

	// HTTP surface
	AllowedOrigins   []string `yaml:"allowed_origins"`
	BindAddr         string   `yaml:"bind_addr"`
	PortCandidates   []string `yaml:"port_candidates"`
	PortAutoFallback bool     `yaml:"port_auto_fallback"`

	// Per-connection delivery
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// fileConfig mirrors the millisecond knobs as plain integers in YAML.
type fileConfig struct {
	Config                    `yaml:",inline"`
	TokenLeewayMS             int `yaml:"token_leeway_ms"`
	BackplaneBackoffInitialMS int `yaml:"backplane_backoff_initial_ms"`
	BackplaneBackoffMaxMS     int `yaml:"backplane_backoff_max_ms"`
	WriteTimeoutMS            int `yaml:"write_timeout_ms"`
	PingIntervalMS            int `yaml:"ping_interval_ms"`
}

func defaults() *Config {
	return &Config{
		BackplaneBackoffInitial: 500 * time.Millisecond,
		BackplaneBackoffMax:     30 * time.Second,
		BackplaneStartupRetries: 5,
		BindAddr:                ":8080",
		SendBuffer:              64,
		WriteTimeout:            5 * time.Second,
		PingInterval:            25 * time.Second,
		LogLevel:                "info",
		LogFile:                 "logs/realtime_gateway.log",
	}
}

// Load reads configuration from an optional YAML file (GATEWAY_CONFIG_FILE),
// environment variables and an optional .env file. Environment wins over the
// file. The result is validated; a missing secret, backplane endpoint or origin
// list is an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := defaults()
	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.JWTKey = getEnvOrDefault("GATEWAY_JWT_KEY", cfg.JWTKey)
	cfg.TokenLeeway = getEnvDurationMSOrDefault("GATEWAY_TOKEN_LEEWAY_MS", cfg.TokenLeeway)
	cfg.RedisURL = getEnvOrDefault("GATEWAY_REDIS_URL", cfg.RedisURL)
	cfg.BackplaneBackoffInitial = getEnvDurationMSOrDefault("GATEWAY_BACKPLANE_BACKOFF_INITIAL_MS", cfg.BackplaneBackoffInitial)
	cfg.BackplaneBackoffMax = getEnvDurationMSOrDefault("GATEWAY_BACKPLANE_BACKOFF_MAX_MS", cfg.BackplaneBackoffMax)
	cfg.BackplaneStartupRetries = getEnvIntOrDefault("GATEWAY_BACKPLANE_STARTUP_RETRIES", cfg.BackplaneStartupRetries)
	cfg.AllowedOrigins = getEnvListOrDefault("GATEWAY_CORS_ORIGINS", cfg.AllowedOrigins)
	cfg.BindAddr = getEnvOrDefault("GATEWAY_BIND_ADDR", cfg.BindAddr)
	cfg.PortCandidates = getEnvListOrDefault("GATEWAY_PORT_CANDIDATES", cfg.PortCandidates)
	cfg.PortAutoFallback = getEnvBoolOrDefault("GATEWAY_PORT_AUTO_FALLBACK", cfg.PortAutoFallback)
	cfg.SendBuffer = getEnvIntOrDefault("GATEWAY_SEND_BUFFER", cfg.SendBuffer)
	cfg.WriteTimeout = getEnvDurationMSOrDefault("GATEWAY_WRITE_TIMEOUT_MS", cfg.WriteTimeout)
	cfg.PingInterval = getEnvDurationMSOrDefault("GATEWAY_PING_INTERVAL_MS", cfg.PingInterval)
	cfg.LogLevel = strings.ToLower(getEnvOrDefault("GATEWAY_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnvOrDefault("GATEWAY_LOG_FILE", cfg.LogFile)

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	*cfg = fc.Config
	if fc.TokenLeewayMS > 0 {
		cfg.TokenLeeway = time.Duration(fc.TokenLeewayMS) * time.Millisecond
	}
	if fc.BackplaneBackoffInitialMS > 0 {
		cfg.BackplaneBackoffInitial = time.Duration(fc.BackplaneBackoffInitialMS) * time.Millisecond
	}
	if fc.BackplaneBackoffMaxMS > 0 {
		cfg.BackplaneBackoffMax = time.Duration(fc.BackplaneBackoffMaxMS) * time.Millisecond
	}
	if fc.WriteTimeoutMS > 0 {
		cfg.WriteTimeout = time.Duration(fc.WriteTimeoutMS) * time.Millisecond
	}
	if fc.PingIntervalMS > 0 {
		cfg.PingInterval = time.Duration(fc.PingIntervalMS) * time.Millisecond
	}
	return nil
}

func (c *Config) clamp() {
	if c.SendBuffer < 1 {
		c.SendBuffer = 1
	}
	if c.WriteTimeout < 100*time.Millisecond {
		c.WriteTimeout = 100 * time.Millisecond
	}
	if c.PingInterval < time.Second {
		c.PingInterval = time.Second
	}
	if c.BackplaneStartupRetries < 1 {
		c.BackplaneStartupRetries = 1
	}
	if c.BackplaneBackoffMax < c.BackplaneBackoffInitial {
		c.BackplaneBackoffMax = c.BackplaneBackoffInitial
	}
}

// Validate reports every missing or unusable required setting at once.
func (c *Config) Validate() error {
	var problems []error
	if c.JWTKey == "" {
		problems = append(problems, errors.New("GATEWAY_JWT_KEY is not configured"))
	}
	if c.RedisURL == "" {
		problems = append(problems, errors.New("GATEWAY_REDIS_URL is not configured"))
	} else if _, err := redis.ParseURL(c.RedisURL); err != nil {
		problems = append(problems, fmt.Errorf("GATEWAY_REDIS_URL is not a valid redis url: %w", err))
	}
	if len(c.AllowedOrigins) == 0 {
		problems = append(problems, errors.New("GATEWAY_CORS_ORIGINS is not configured"))
	}
	if len(problems) == 0 {
		return nil
	}
	return apperr.New(apperr.CodeConfigInvalid, "invalid gateway configuration", errors.Join(problems...))
}

// RedisOptions parses the backplane endpoint. Validate guarantees it parses.
func (c *Config) RedisOptions() (*redis.Options, error) {
	return redis.ParseURL(c.RedisURL)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationMSOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i >= 0 {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
