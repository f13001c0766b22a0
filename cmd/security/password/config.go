package password

import (
	"fmt"
	"math"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation for new hashes.
type Policy struct {
	MinLength int
	MaxLength int
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline for interactive logins.
func DefaultConfig() Config {
	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: defaultParallelism(),
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      12,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
	}
}

// Parallelism follows the CPU count, clamped to [1..4] to keep container usage predictable.
func defaultParallelism() uint8 {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}
	return uint8(threads) // #nosec G115 -- clamped to [1..4] above.
}

type envConfig struct {
	MinLength      int    `env:"AUTHD_PASSWORD_MIN_LEN" env-default:"12"`
	MaxLength      int    `env:"AUTHD_PASSWORD_MAX_LEN" env-default:"256"`
	RejectVeryWeak bool   `env:"AUTHD_PASSWORD_REJECT_VERY_WEAK" env-default:"false"`
	MemoryKiB      uint32 `env:"AUTHD_ARGON2_MEMORY_KIB" env-default:"65536"`
	Iterations     uint32 `env:"AUTHD_ARGON2_ITERATIONS" env-default:"3"`
	Parallelism    uint32 `env:"AUTHD_ARGON2_PARALLELISM" env-default:"0"`
	SaltLength     uint32 `env:"AUTHD_ARGON2_SALT_LEN" env-default:"16"`
	KeyLength      uint32 `env:"AUTHD_ARGON2_KEY_LEN" env-default:"32"`
}

// FromEnv loads config from environment variables.
//
// Env surface:
//   - AUTHD_PASSWORD_MIN_LEN, AUTHD_PASSWORD_MAX_LEN
//   - AUTHD_PASSWORD_REJECT_VERY_WEAK (true/false)
//   - AUTHD_ARGON2_MEMORY_KIB, AUTHD_ARGON2_ITERATIONS, AUTHD_ARGON2_PARALLELISM (0 = auto)
//   - AUTHD_ARGON2_SALT_LEN, AUTHD_ARGON2_KEY_LEN
func FromEnv() (Config, error) {
	var raw envConfig
	if err := cleanenv.ReadEnv(&raw); err != nil {
		return Config{}, fmt.Errorf("password config: %w", err)
	}

	checks := []struct {
		key      string
		val      uint64
		min, max uint64
	}{
		{"AUTHD_PASSWORD_MIN_LEN", uint64(max(raw.MinLength, 0)), 1, 1024},
		{"AUTHD_PASSWORD_MAX_LEN", uint64(max(raw.MaxLength, 0)), 1, 4096},
		{"AUTHD_ARGON2_MEMORY_KIB", uint64(raw.MemoryKiB), 8 * 1024, 1024 * 1024}, // 8 MiB .. 1 GiB
		{"AUTHD_ARGON2_ITERATIONS", uint64(raw.Iterations), 1, 20},
		{"AUTHD_ARGON2_PARALLELISM", uint64(raw.Parallelism), 0, 64},
		{"AUTHD_ARGON2_SALT_LEN", uint64(raw.SaltLength), 8, 64},
		{"AUTHD_ARGON2_KEY_LEN", uint64(raw.KeyLength), 16, 64},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return Config{}, fmt.Errorf("%s: out of range [%d..%d]", c.key, c.min, c.max)
		}
	}

	if raw.MinLength > raw.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			raw.MinLength,
			raw.MaxLength,
		)
	}

	cfg := DefaultConfig()
	cfg.Policy = Policy{
		MinLength:      raw.MinLength,
		MaxLength:      raw.MaxLength,
		RejectVeryWeak: raw.RejectVeryWeak,
	}
	cfg.Params.MemoryKiB = raw.MemoryKiB
	cfg.Params.Iterations = raw.Iterations
	cfg.Params.SaltLength = raw.SaltLength
	cfg.Params.KeyLength = raw.KeyLength
	if raw.Parallelism != 0 {
		p, err := u32ToU8(raw.Parallelism)
		if err != nil {
			return Config{}, fmt.Errorf("AUTHD_ARGON2_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = p
	}

	return cfg, nil
}

func u32ToU8(u uint32) (uint8, error) {
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}
