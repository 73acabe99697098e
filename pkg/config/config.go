// Package config loads server configuration from environment variables,
// optionally overlaid by a YAML profile file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Host string
	Port int

	DatabaseURL string

	AdminAPIKey string

	JWTPrivateKey      string // PEM; generated per process when empty
	JWTAlgorithm       string // RS256 only
	JWTAgentExpireSecs int
	JWTAdminExpireSecs int

	WebhookURL    string
	WebhookSecret string

	RateLimitEnabled    bool
	RateLimitStorageURI string // "memory://" or "redis://host:port/db"

	CORSOrigins []string

	LogLevel  string
	LogFormat string // "json" or "text"

	RequestTimeoutSecs int

	OTLPEndpoint string // empty disables OTLP export
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Host:                getenv("HOST", "0.0.0.0"),
		Port:                getenvInt("PORT", 8000),
		DatabaseURL:         getenv("DATABASE_URL", "sqlite://agentguard.db"),
		AdminAPIKey:         getenv("ADMIN_API_KEY", ""),
		JWTPrivateKey:       getenv("JWT_PRIVATE_KEY", ""),
		JWTAlgorithm:        getenv("JWT_ALGORITHM", "RS256"),
		JWTAgentExpireSecs:  getenvInt("JWT_AGENT_EXPIRE_SECONDS", 3600),
		JWTAdminExpireSecs:  getenvInt("JWT_ADMIN_EXPIRE_SECONDS", 28800),
		WebhookURL:          getenv("WEBHOOK_URL", ""),
		WebhookSecret:       getenv("WEBHOOK_SECRET", ""),
		RateLimitEnabled:    getenvBool("RATE_LIMIT_ENABLED", true),
		RateLimitStorageURI: getenv("RATE_LIMIT_STORAGE_URI", "memory://"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		LogFormat:           getenv("LOG_FORMAT", "json"),
		RequestTimeoutSecs:  getenvInt("REQUEST_TIMEOUT", 30),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", ""),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg
}

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("config: ADMIN_API_KEY is required")
	}
	if c.JWTAlgorithm != "RS256" {
		return fmt.Errorf("config: unsupported JWT_ALGORITHM %q (only RS256)", c.JWTAlgorithm)
	}
	if c.JWTAgentExpireSecs <= 0 || c.JWTAdminExpireSecs <= 0 {
		return fmt.Errorf("config: token expiry must be positive")
	}
	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be positive")
	}
	uri := c.RateLimitStorageURI
	if uri != "" && uri != "memory://" && !strings.HasPrefix(uri, "redis://") {
		return fmt.Errorf("config: RATE_LIMIT_STORAGE_URI must be memory:// or redis://")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
