package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	authapi "authd/cmd/internal/auth/api"
	"authd/cmd/internal/auth/session"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration.
// It is read from AUTHD_* environment variables, optionally seeded from a .env file
// and a YAML file named by AUTHD_CONFIG_FILE (env wins over the file).
type Config struct {
	HTTPAddr string `yaml:"http_addr" env:"AUTHD_HTTP_ADDR" env-default:"0.0.0.0:8080"`

	LogLevel  string `yaml:"log_level" env:"AUTHD_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"AUTHD_LOG_FORMAT" env-default:"json"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"AUTHD_HTTP_READ_HEADER_TIMEOUT" env-default:"5s"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"AUTHD_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"AUTHD_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"AUTHD_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"AUTHD_HTTP_MAX_HEADER_BYTES" env-default:"1048576"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"AUTHD_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`

	// DatabaseURL selects Postgres. When empty the service runs on in-memory stores.
	DatabaseURL    string `yaml:"database_url" env:"AUTHD_DATABASE_URL"`
	DBMaxConns     int32  `yaml:"db_max_conns" env:"AUTHD_DB_MAX_CONNS" env-default:"10"`
	DBMinConns     int32  `yaml:"db_min_conns" env:"AUTHD_DB_MIN_CONNS" env-default:"0"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"AUTHD_MIGRATE_ON_START" env-default:"true"`

	// If true, /readyz returns 503 unless a DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db" env:"AUTHD_READINESS_REQUIRE_DB" env-default:"false"`

	// Optional account created at startup (ignored when it already exists).
	SeedEmail    string `yaml:"seed_email" env:"AUTHD_SEED_EMAIL"`
	SeedPassword string `yaml:"seed_password" env:"AUTHD_SEED_PASSWORD"`
	SeedName     string `yaml:"seed_name" env:"AUTHD_SEED_NAME"`
	SeedRole     string `yaml:"seed_role" env:"AUTHD_SEED_ROLE" env-default:"USER"`

	Session session.Config `yaml:"session"`
	Auth    authapi.Config `yaml:"auth"`
}

// LoadConfig loads Config from the environment.
// AUTHD_DOTENV names the .env file to load first (default ".env"; a missing file is ignored).
func LoadConfig() (Config, error) {
	dotenv := strings.TrimSpace(os.Getenv("AUTHD_DOTENV"))
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotenv, err)
	}

	var cfg Config
	if path := strings.TrimSpace(os.Getenv("AUTHD_CONFIG_FILE")); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants of the process config.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("AUTHD_LOG_FORMAT: unsupported value %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("AUTHD_DB_MIN_CONNS/AUTHD_DB_MAX_CONNS: invalid pool bounds %d/%d", c.DBMinConns, c.DBMaxConns)
	}
	if (c.SeedEmail == "") != (c.SeedPassword == "") {
		return errors.New("AUTHD_SEED_EMAIL and AUTHD_SEED_PASSWORD must be set together")
	}
	return c.Session.Validate()
}
