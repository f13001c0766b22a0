package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Claims is the payload carried by every token: {sub, role, jti, iat, exp}.
type Claims struct {
	Subject   string
	Role      string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer mints and checks tokens. Implementations are safe for concurrent use.
type Signer interface {
	Sign(c Claims, secret []byte) (string, error)
	// Verify checks integrity, expiry at now, and the issuer, then returns the claims.
	// Every failure is reported as ErrInvalidToken.
	Verify(raw string, secret []byte, now time.Time) (Claims, error)
}

const (
	FormatJWT    = "jwt"
	FormatPaseto = "paseto"
)

// New returns the Signer for format ("jwt" or "paseto").
func New(format, issuer string) (Signer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJWT:
		return NewJWTSigner(issuer), nil
	case FormatPaseto:
		return NewPasetoSigner(issuer), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a short, non-reversible token reference for logs.
func Fingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	return HashSHA256Hex(raw)[:12]
}
