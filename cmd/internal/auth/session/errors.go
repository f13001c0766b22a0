package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied is the single failure kind of Refresh. Use errors.As with
	// *AccessDeniedError to read the reason.
	ErrAccessDenied = errors.New("access denied")

	// ErrStoreUnavailable reports that the credential store failed. It is never
	// translated into an authentication outcome.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrInvalidToken is returned when an access token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidUser is returned by Login for a user without an id.
	ErrInvalidUser = errors.New("invalid user")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrAlreadyRevoked is returned by TokenStore.AtomicRotate when the old
	// token was revoked between lookup and rotation.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")

	// ErrRefreshTokenMissing is returned by TokenStore.AtomicRotate when the
	// old token row no longer exists.
	ErrRefreshTokenMissing = errors.New("refresh token missing")

	// ErrDuplicateToken is returned when a token value is already stored.
	ErrDuplicateToken = errors.New("duplicate refresh token")

	// ErrInvalidFilter is returned for a revoke filter that names neither an id nor a user.
	ErrInvalidFilter = errors.New("revoke filter must name a token id or a user id")
)

// DenyReason classifies an AccessDeniedError.
type DenyReason string

const (
	ReasonNotFound DenyReason = "not_found"
	ReasonReuse    DenyReason = "reuse"
	ReasonExpired  DenyReason = "expired"
	ReasonInactive DenyReason = "inactive"
)

var denyMessages = map[DenyReason]string{
	ReasonNotFound: "refresh token not found",
	ReasonReuse:    "refresh token reuse detected, account protected",
	ReasonExpired:  "refresh token expired",
	ReasonInactive: "account inactive",
}

// AccessDeniedError is returned by Refresh for every rejected token.
type AccessDeniedError struct {
	Reason DenyReason
}

// Message is the client-facing sub-message for the reason.
func (e *AccessDeniedError) Message() string {
	if m, ok := denyMessages[e.Reason]; ok {
		return m
	}
	return string(e.Reason)
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAccessDenied, e.Message())
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// DenyReasonOf returns the reason carried by err, if any.
func DenyReasonOf(err error) (DenyReason, bool) {
	var ade *AccessDeniedError
	if errors.As(err, &ade) {
		return ade.Reason, true
	}
	return "", false
}

// StoreError wraps a credential store failure with the operation that hit it.
// It matches ErrStoreUnavailable and unwraps to the underlying error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
