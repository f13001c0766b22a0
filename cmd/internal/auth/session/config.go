package session

import (
	"fmt"
	"strings"
	"time"

	"authd/cmd/security/token"

	"github.com/ilyakaznacheev/cleanenv"
)

// MinSecretBytes is the minimum length of each signing secret.
const MinSecretBytes = 32

// Config is the explicit configuration object of the Manager.
// Methods never read the environment; LoadConfigFromEnv builds one at startup.
type Config struct {
	// Issuer is the "iss" claim of every token.
	Issuer string `yaml:"issuer" env:"AUTHD_AUTH_ISSUER" env-default:"authd"`

	// AccessTokenSecret and RefreshTokenSecret sign the two token kinds.
	// They must differ so that a leaked access key cannot forge refresh tokens.
	AccessTokenSecret  string `yaml:"access_token_secret" env:"AUTHD_ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret string `yaml:"refresh_token_secret" env:"AUTHD_REFRESH_TOKEN_SECRET"`

	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"AUTHD_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"AUTHD_REFRESH_TOKEN_TTL" env-default:"168h"`

	// IssuedAtSkew backdates "iat" to tolerate clock drift between services.
	IssuedAtSkew time.Duration `yaml:"issued_at_skew" env:"AUTHD_ISSUED_AT_SKEW" env-default:"5m"`

	// TokenFormat selects the wire format: "jwt" (default) or "paseto".
	TokenFormat string `yaml:"token_format" env:"AUTHD_TOKEN_FORMAT" env-default:"jwt"`
}

// DefaultConfig returns the default lifetimes. Secrets are left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:          "authd",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		IssuedAtSkew:    5 * time.Minute,
		TokenFormat:     token.FormatJWT,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - AUTHD_ACCESS_TOKEN_SECRET, AUTHD_REFRESH_TOKEN_SECRET (>= 32 bytes, distinct)
//
// Optional (Go duration strings):
//   - AUTHD_AUTH_ISSUER, AUTHD_ACCESS_TOKEN_TTL, AUTHD_REFRESH_TOKEN_TTL,
//     AUTHD_ISSUED_AT_SKEW, AUTHD_TOKEN_FORMAT
//
// Every failure wraps ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants of c. Every failure wraps ErrConfig.
func (c Config) Validate() error {
	switch {
	case len(c.AccessTokenSecret) < MinSecretBytes:
		return fmt.Errorf("%w: access token secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	case len(c.RefreshTokenSecret) < MinSecretBytes:
		return fmt.Errorf("%w: refresh token secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	case c.AccessTokenSecret == c.RefreshTokenSecret:
		return fmt.Errorf("%w: access and refresh token secrets must differ", ErrConfig)
	case c.AccessTokenTTL <= 0:
		return fmt.Errorf("%w: access token ttl must be positive", ErrConfig)
	case c.RefreshTokenTTL <= 0:
		return fmt.Errorf("%w: refresh token ttl must be positive", ErrConfig)
	case c.IssuedAtSkew < 0:
		return fmt.Errorf("%w: issued-at skew must not be negative", ErrConfig)
	}

	switch strings.ToLower(c.TokenFormat) {
	case "", token.FormatJWT, token.FormatPaseto:
	default:
		return fmt.Errorf("%w: unsupported token format %q", ErrConfig, c.TokenFormat)
	}
	return nil
}

func (c Config) accessSecret() []byte  { return []byte(c.AccessTokenSecret) }
func (c Config) refreshSecret() []byte { return []byte(c.RefreshTokenSecret) }
