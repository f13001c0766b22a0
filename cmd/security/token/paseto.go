package token

import (
	"crypto/sha256"
	"io"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"golang.org/x/crypto/hkdf"
)

const pasetoKeyInfo = "authd/paseto/v4.local"

// PasetoSigner issues PASETO v4.local tokens.
type PasetoSigner struct {
	issuer string
}

func NewPasetoSigner(issuer string) *PasetoSigner {
	return &PasetoSigner{issuer: issuer}
}

func (s *PasetoSigner) Sign(c Claims, secret []byte) (string, error) {
	key, err := deriveV4Key(secret)
	if err != nil {
		return "", err
	}

	tok := paseto.NewToken()
	if s.issuer != "" {
		tok.SetIssuer(s.issuer)
	}
	tok.SetSubject(c.Subject)
	tok.SetJti(c.ID)
	tok.SetIssuedAt(c.IssuedAt)
	tok.SetNotBefore(c.IssuedAt)
	tok.SetExpiration(c.ExpiresAt)
	tok.SetString("role", c.Role)

	return tok.V4Encrypt(key, nil), nil
}

func (s *PasetoSigner) Verify(raw string, secret []byte, now time.Time) (Claims, error) {
	key, err := deriveV4Key(secret)
	if err != nil {
		return Claims{}, err
	}

	// Expiry is checked by ValidAt against the injected clock.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.ValidAt(now))
	if s.issuer != "" {
		p.AddRule(paseto.IssuedBy(s.issuer))
	}

	parsed, err := p.ParseV4Local(key, raw, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, ErrInvalidToken
	}
	role, _ := parsed.GetString("role")
	jti, _ := parsed.GetJti()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return Claims{
		Subject:   sub,
		Role:      role,
		ID:        jti,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

func deriveV4Key(secret []byte) (paseto.V4SymmetricKey, error) {
	if len(secret) == 0 {
		return paseto.V4SymmetricKey{}, ErrEmptySecret
	}

	b := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(pasetoKeyInfo)), b); err != nil {
		return paseto.V4SymmetricKey{}, err
	}
	return paseto.V4SymmetricKeyFromBytes(b)
}
