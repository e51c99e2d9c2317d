// Package config loads portal settings from an optional YAML file and
// LEORA_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"leora.app/internal/ratelimit"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	minSecretLength = 32
)

// Config holds all process settings.
type Config struct {
	Env             string        `yaml:"env"`
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	DatabaseURL     string        `yaml:"database_url"`
	RedisURL        string        `yaml:"redis_url"`
	DefaultTenant   string        `yaml:"default_tenant"`
	SeedFile        string        `yaml:"seed_file"`
	RolesFile       string        `yaml:"roles_file"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	Auth     AuthConfig     `yaml:"auth"`
	Security SecurityConfig `yaml:"security"`
}

// AuthConfig configures token minting and session checks.
type AuthConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	RequireSession bool          `yaml:"require_session"`
	CookieDomain   string        `yaml:"cookie_domain"`
}

// SecurityConfig configures brute-force protection.
type SecurityConfig struct {
	LoginWindow      time.Duration `yaml:"login_window"`
	LoginMaxAttempts int           `yaml:"login_max_attempts"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutBase      time.Duration `yaml:"lockout_base"`
	LockoutFactor    int           `yaml:"lockout_factor"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	TenantCacheSize  int           `yaml:"tenant_cache_size"`
	TenantCacheTTL   time.Duration `yaml:"tenant_cache_ttl"`
	// RequestsPerSecond and Burst size the per-IP flood bucket in front of
	// every HTTP route. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies are the peer addresses or CIDRs whose X-Forwarded-For
	// header is believed. Empty means the socket peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Env:             EnvProduction,
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		DefaultTenant:   "default",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		Auth: AuthConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			LoginWindow:       ratelimit.DefaultWindow,
			LoginMaxAttempts:  ratelimit.DefaultMaxAttempts,
			LockoutThreshold:  ratelimit.DefaultLockoutThreshold,
			LockoutBase:       ratelimit.DefaultLockoutBase,
			LockoutFactor:     ratelimit.DefaultLockoutFactor,
			SweepSchedule:     ratelimit.DefaultSweepSchedule,
			TenantCacheSize:   1024,
			TenantCacheTTL:    time.Minute,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads the file named by LEORA_CONFIG, if any, applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := getEnv("LEORA_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("LEORA_ENV", c.Env)
	c.HTTPAddr = getEnv("LEORA_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("LEORA_GRPC_ADDR", c.GRPCAddr)
	c.DatabaseURL = getEnv("LEORA_DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("LEORA_REDIS_URL", c.RedisURL)
	c.DefaultTenant = getEnv("LEORA_DEFAULT_TENANT", c.DefaultTenant)
	c.SeedFile = getEnv("LEORA_SEED_FILE", c.SeedFile)
	c.RolesFile = getEnv("LEORA_ROLES_FILE", c.RolesFile)
	c.LogLevel = getEnv("LEORA_LOG_LEVEL", c.LogLevel)
	c.ShutdownTimeout = getEnvDuration("LEORA_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	if origins := getEnv("LEORA_CORS_ORIGINS", ""); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	c.Auth.Secret = getEnv("LEORA_AUTH_SECRET", c.Auth.Secret)
	c.Auth.AccessTTL = getEnvDuration("LEORA_ACCESS_TTL", c.Auth.AccessTTL)
	c.Auth.RefreshTTL = getEnvDuration("LEORA_REFRESH_TTL", c.Auth.RefreshTTL)
	c.Auth.RequireSession = getEnvBool("LEORA_REQUIRE_SESSION", c.Auth.RequireSession)
	c.Auth.CookieDomain = getEnv("LEORA_COOKIE_DOMAIN", c.Auth.CookieDomain)

	s := &c.Security
	s.LoginWindow = getEnvDuration("LEORA_LOGIN_WINDOW", s.LoginWindow)
	s.LoginMaxAttempts = getEnvInt("LEORA_LOGIN_MAX_ATTEMPTS", s.LoginMaxAttempts)
	s.LockoutThreshold = getEnvInt("LEORA_LOCKOUT_THRESHOLD", s.LockoutThreshold)
	s.LockoutBase = getEnvDuration("LEORA_LOCKOUT_BASE", s.LockoutBase)
	s.LockoutFactor = getEnvInt("LEORA_LOCKOUT_FACTOR", s.LockoutFactor)
	s.SweepSchedule = getEnv("LEORA_SWEEP_SCHEDULE", s.SweepSchedule)
	s.TenantCacheSize = getEnvInt("LEORA_TENANT_CACHE_SIZE", s.TenantCacheSize)
	s.TenantCacheTTL = getEnvDuration("LEORA_TENANT_CACHE_TTL", s.TenantCacheTTL)
	s.RequestsPerSecond = getEnvFloat("LEORA_REQUESTS_PER_SECOND", s.RequestsPerSecond)
	s.Burst = getEnvInt("LEORA_BURST", s.Burst)
	if proxies := getEnv("LEORA_TRUSTED_PROXIES", ""); proxies != "" {
		s.TrustedProxies = splitList(proxies)
	}
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction, "staging", "test":
	default:
		return fmt.Errorf("invalid env: %s", c.Env)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http address is required")
	}
	if len(strings.TrimSpace(c.Auth.Secret)) < minSecretLength {
		return fmt.Errorf("auth secret must be at least %d bytes", minSecretLength)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return fmt.Errorf("refresh ttl %s is shorter than access ttl %s", c.Auth.RefreshTTL, c.Auth.AccessTTL)
	}
	s := c.Security
	if s.LoginWindow <= 0 || s.LoginMaxAttempts <= 0 {
		return fmt.Errorf("login window and max attempts must be positive")
	}
	if s.LockoutThreshold <= 0 || s.LockoutBase <= 0 || s.LockoutFactor < 1 {
		return fmt.Errorf("lockout threshold, base and factor must be positive")
	}
	if s.RequestsPerSecond < 0 || s.Burst < 0 {
		return fmt.Errorf("flood limits must not be negative")
	}
	for _, p := range s.TrustedProxies {
		if !validProxy(p) {
			return fmt.Errorf("invalid trusted proxy %q: want an IP or CIDR", p)
		}
	}
	if c.DatabaseURL == "" && c.SeedFile == "" && !c.IsLocal() {
		return fmt.Errorf("database url or seed file is required outside development")
	}
	return nil
}

// IsLocal reports whether the process runs in development mode, where
// cookies are not marked Secure and an empty in-memory store is allowed.
func (c *Config) IsLocal() bool { return c.Env == EnvDevelopment }

func validProxy(v string) bool {
	if _, err := netip.ParsePrefix(v); err == nil {
		return true
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
