package token

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrEmptySecret       = errors.New("token secret is empty")
	ErrUnsupportedFormat = errors.New("unsupported token format")
)
