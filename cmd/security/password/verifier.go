package password

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Verifier wraps a Config with a precomputed dummy hash.
// It is safe for concurrent use.
type Verifier struct {
	cfg   Config
	dummy string
}

// NewVerifier hashes a random throwaway secret once, so VerifyDummy costs the same as a real check.
func NewVerifier(cfg Config) (*Verifier, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("dummy secret: %w", err)
	}
	dummy, err := cfg.hashArgon2id(base64.RawURLEncoding.EncodeToString(buf))
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg, dummy: dummy}, nil
}

// Hash applies the policy and returns a new Argon2id hash.
func (v *Verifier) Hash(password string) (string, error) { return v.cfg.Hash(password) }

// Verify checks password against encodedHash (Argon2id or bcrypt).
func (v *Verifier) Verify(encodedHash, password string) (bool, error) {
	return v.cfg.Verify(encodedHash, password)
}

// VerifyDummy runs a full Argon2id verification against the dummy hash and discards the result.
func (v *Verifier) VerifyDummy(password string) {
	_, _ = v.cfg.Verify(v.dummy, password)
}
