package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTSigner issues HS256 JWTs.
type JWTSigner struct {
	issuer string
}

func NewJWTSigner(issuer string) *JWTSigner {
	return &JWTSigner{issuer: issuer}
}

func (s *JWTSigner) Sign(c Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Role: c.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   c.Subject,
			ID:        c.ID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	})
	return t.SignedString(secret)
}

func (s *JWTSigner) Verify(raw string, secret []byte, now time.Time) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var cl jwtClaims
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid || cl.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		Subject: cl.Subject,
		Role:    cl.Role,
		ID:      cl.ID,
	}
	if cl.IssuedAt != nil {
		out.IssuedAt = cl.IssuedAt.Time
	}
	if cl.ExpiresAt != nil {
		out.ExpiresAt = cl.ExpiresAt.Time
	}
	return out, nil
}
