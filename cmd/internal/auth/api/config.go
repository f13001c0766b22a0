package authapi

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config controls auth API limits.
type Config struct {
	// TrustProxy makes client IP resolution honour X-Forwarded-For / X-Real-IP.
	TrustProxy   bool  `yaml:"trust_proxy" env:"AUTHD_AUTH_TRUST_PROXY" env-default:"false"`
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"AUTHD_AUTH_MAX_BODY_BYTES" env-default:"65536"`

	// RateLimitRPS and RateLimitBurst size the per-IP token bucket on /auth/login and /auth/guest.
	// A non-positive RPS disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"AUTHD_AUTH_RATE_LIMIT_RPS" env-default:"1"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"AUTHD_AUTH_RATE_LIMIT_BURST" env-default:"10"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   64 << 10,
		RateLimitRPS:   1,
		RateLimitBurst: 10,
	}
}

// LoadConfigFromEnv loads auth API config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("auth api config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
}
