package session

import (
	"context"
	"time"

	"authd/cmd/identity"
)

// RefreshToken is a persisted refresh token.
// Token holds the exact string handed to the client. RevokedAt, once set, is never cleared.
type RefreshToken struct {
	ID        string
	Token     string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the token is unrevoked and unexpired at now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// RevokeFilter selects refresh tokens to revoke.
// At least one of ID or UserID must be set. OnlyActive restricts the match to unrevoked rows.
type RevokeFilter struct {
	ID         string
	UserID     string
	OnlyActive bool
}

// UserStore is the read side of the user table used by the Manager.
// Lookups return (nil, nil) when no row matches.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	FindUserByID(ctx context.Context, id string) (*identity.User, error)
}

// TokenStore persists refresh tokens.
//
// Implementations must serialize AtomicRotate per token row: when two callers
// rotate the same old token concurrently, exactly one succeeds and the other
// gets ErrAlreadyRevoked.
type TokenStore interface {
	// FindRefreshTokenByValue returns (nil, nil) when no row holds token.
	FindRefreshTokenByValue(ctx context.Context, token string) (*RefreshToken, error)

	// CreateRefreshToken inserts rec. ID and CreatedAt are assigned when empty.
	CreateRefreshToken(ctx context.Context, rec RefreshToken) (*RefreshToken, error)

	// RevokeRefreshTokensMatching sets revoked_at = now on every matching row in a
	// single statement and returns the number of rows it revoked.
	RevokeRefreshTokensMatching(ctx context.Context, f RevokeFilter, now time.Time) (int64, error)

	// AtomicRotate revokes oldID and inserts newRec as one unit. It fails with
	// ErrAlreadyRevoked when oldID is no longer active and with
	// ErrRefreshTokenMissing when oldID does not exist; in both cases nothing is written.
	AtomicRotate(ctx context.Context, oldID string, newRec RefreshToken, now time.Time) (*RefreshToken, error)
}

// CredentialStore is the persistence boundary of the Manager.
type CredentialStore interface {
	UserStore
	TokenStore
}

type credentialStore struct {
	UserStore
	TokenStore
}

// NewCredentialStore joins a user store and a token store.
func NewCredentialStore(users UserStore, tokens TokenStore) CredentialStore {
	return credentialStore{UserStore: users, TokenStore: tokens}
}

func validateFilter(f RevokeFilter) error {
	if f.ID == "" && f.UserID == "" {
		return ErrInvalidFilter
	}
	return nil
}
