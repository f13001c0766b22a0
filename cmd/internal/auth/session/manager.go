package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authd/cmd/identity"
	"authd/cmd/identity/ids"
	"authd/cmd/security/token"
)

// maxPresentedTokenLen bounds refresh input before it reaches the store.
const maxPresentedTokenLen = 4096

// PasswordVerifier checks a password against a stored hash.
// VerifyDummy must cost the same as a real Verify; it runs when the account does not exist.
type PasswordVerifier interface {
	Verify(encodedHash, password string) (bool, error)
	VerifyDummy(password string)
}

// Manager implements authenticate, login, refresh, logout and guest login.
// It holds no mutable state of its own and is safe for concurrent use.
type Manager struct {
	cfg     Config
	store   CredentialStore
	hasher  PasswordVerifier
	signer  token.Signer
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the structured logger for security events.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(mt *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager validates cfg and wires the Manager.
func NewManager(cfg Config, store CredentialStore, hasher PasswordVerifier, signer token.Signer, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || hasher == nil || signer == nil {
		return nil, fmt.Errorf("%w: store, password verifier and signer are required", ErrConfig)
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		hasher: hasher,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// TokenPair is a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Summary is the public view of a logged-in user.
type Summary struct {
	ID    string
	Email string
	Name  string
	Role  identity.Role
}

// LoginResult is returned by Login.
type LoginResult struct {
	TokenPair
	User Summary
}

// GuestResult is returned by LoginAsGuest. Guests never get a refresh token.
type GuestResult struct {
	AccessToken string
	ExpiresAt   time.Time
	Subject     string
	Role        identity.Role
}

// Principal is the identity carried by a verified access token.
type Principal struct {
	Subject string
	Role    identity.Role
	IsGuest bool
}

// Authenticate checks email and password.
//
// It returns (nil, nil) for an unknown email, a wrong password, an unreadable
// stored hash or an inactive account. A password check runs in every case so the
// outcomes cannot be told apart by timing. A non-nil error means the store failed.
// The returned user never carries the password hash.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (*identity.User, error) {
	u, err := m.store.FindUserByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil {
		return nil, storeErr("find user by email", err)
	}
	if u == nil {
		m.hasher.VerifyDummy(password)
		m.log.Info("auth.login.unknown_email")
		return nil, nil
	}

	ok, err := m.hasher.Verify(u.PasswordHash, password)
	if err != nil {
		// Malformed hashes fail fast; burn the same work as a real check.
		m.hasher.VerifyDummy(password)
		m.log.Warn("auth.login.unreadable_hash", "user_id", u.ID, "err", err)
		return nil, nil
	}
	if !ok {
		m.log.Info("auth.login.bad_password", "user_id", u.ID)
		return nil, nil
	}
	if !u.Active {
		m.log.Info("auth.login.inactive", "user_id", u.ID)
		return nil, nil
	}

	out := u.Sanitized()
	return &out, nil
}

// Login mints a token pair for an authenticated user and persists the refresh token.
func (m *Manager) Login(ctx context.Context, user identity.User) (LoginResult, error) {
	if strings.TrimSpace(user.ID) == "" {
		return LoginResult{}, ErrInvalidUser
	}

	now := m.now()
	pair, err := m.mintPair(user.ID, user.Role, now)
	if err != nil {
		return LoginResult{}, err
	}

	rec, err := m.store.CreateRefreshToken(ctx, RefreshToken{
		Token:     pair.RefreshToken,
		UserID:    user.ID,
		ExpiresAt: pair.RefreshExpiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return LoginResult{}, storeErr("create refresh token", err)
	}

	m.metrics.issued("login")
	m.log.Info("auth.login.succeeded",
		"user_id", user.ID,
		"refresh_id", rec.ID,
		"refresh_fp", token.Fingerprint(pair.RefreshToken),
	)

	return LoginResult{
		TokenPair: pair,
		User: Summary{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.DisplayName(),
			Role:  user.Role,
		},
	}, nil
}

// Refresh exchanges a refresh token for a new pair.
//
// Gates, in order:
//  1. unknown token: denied (not found)
//  2. revoked token: every live token of its owner is revoked, then denied (reuse)
//  3. expired token: denied (expired), nothing is written
//  4. the old token is revoked and the new one stored in one atomic step
//
// The new pair is bound to the user that owns the stored token; callerUserID is
// only compared and logged. Every denial is an *AccessDeniedError. Store failures
// are returned as-is (errors.Is(err, ErrStoreUnavailable)).
func (m *Manager) Refresh(ctx context.Context, callerUserID, presented string) (TokenPair, error) {
	presented = strings.TrimSpace(presented)
	fp := token.Fingerprint(presented)
	if presented == "" || len(presented) > maxPresentedTokenLen {
		return TokenPair{}, m.deny(ReasonNotFound, "refresh_fp", fp)
	}

	now := m.now()

	rec, err := m.store.FindRefreshTokenByValue(ctx, presented)
	if err != nil {
		return TokenPair{}, storeErr("find refresh token", err)
	}
	if rec == nil {
		return TokenPair{}, m.deny(ReasonNotFound, "refresh_fp", fp)
	}

	if rec.RevokedAt != nil {
		return TokenPair{}, m.reuseDetected(ctx, rec, now)
	}
	if !rec.ExpiresAt.After(now) {
		return TokenPair{}, m.deny(ReasonExpired, "user_id", rec.UserID, "refresh_id", rec.ID)
	}

	if callerUserID != "" && callerUserID != rec.UserID {
		m.log.Warn("auth.refresh.subject_mismatch",
			"caller_user_id", callerUserID,
			"token_user_id", rec.UserID,
			"refresh_id", rec.ID,
		)
	}

	u, err := m.store.FindUserByID(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, storeErr("find user by id", err)
	}
	if u == nil {
		return TokenPair{}, m.deny(ReasonNotFound, "user_id", rec.UserID, "refresh_id", rec.ID)
	}
	if !u.Active {
		return TokenPair{}, m.deny(ReasonInactive, "user_id", rec.UserID, "refresh_id", rec.ID)
	}

	pair, err := m.mintPair(u.ID, u.Role, now)
	if err != nil {
		return TokenPair{}, err
	}

	next, err := m.store.AtomicRotate(ctx, rec.ID, RefreshToken{
		Token:     pair.RefreshToken,
		UserID:    u.ID,
		ExpiresAt: pair.RefreshExpiresAt,
		CreatedAt: now,
	}, now)
	switch {
	case errors.Is(err, ErrAlreadyRevoked):
		// Lost the race against another rotation of the same token.
		return TokenPair{}, m.reuseDetected(ctx, rec, now)
	case errors.Is(err, ErrRefreshTokenMissing):
		return TokenPair{}, m.deny(ReasonNotFound, "user_id", rec.UserID, "refresh_id", rec.ID)
	case err != nil:
		return TokenPair{}, storeErr("rotate refresh token", err)
	}

	m.metrics.issued("refresh")
	m.log.Info("auth.refresh.rotated",
		"user_id", u.ID,
		"old_refresh_id", rec.ID,
		"new_refresh_id", next.ID,
	)
	return pair, nil
}

// Logout revokes every unrevoked refresh token of userID. It is idempotent.
// Access tokens already issued stay valid until they expire.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || userID == identity.GuestSubject {
		return nil
	}

	n, err := m.store.RevokeRefreshTokensMatching(ctx, RevokeFilter{UserID: userID, OnlyActive: true}, m.now())
	if err != nil {
		return storeErr("revoke refresh tokens", err)
	}

	m.metrics.revoked("logout", n)
	m.log.Info("auth.logout", "user_id", userID, "revoked", n)
	return nil
}

// LoginAsGuest mints an access token for the shared guest subject.
// It has no refresh token and never touches the store.
func (m *Manager) LoginAsGuest(_ context.Context) (GuestResult, error) {
	now := m.now()
	exp := now.Add(m.cfg.AccessTokenTTL)

	access, err := m.sign(identity.GuestSubject, identity.RoleGuest, now, exp, m.cfg.accessSecret())
	if err != nil {
		return GuestResult{}, err
	}

	m.metrics.issued("guest")
	return GuestResult{
		AccessToken: access,
		ExpiresAt:   exp,
		Subject:     identity.GuestSubject,
		Role:        identity.RoleGuest,
	}, nil
}

// VerifyAccessToken checks an access token against the access secret.
// Refresh tokens are signed with a different secret and always fail here.
func (m *Manager) VerifyAccessToken(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxPresentedTokenLen {
		return Principal{}, ErrInvalidToken
	}

	cl, err := m.signer.Verify(raw, m.cfg.accessSecret(), m.now())
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	role, ok := identity.ParseRole(cl.Role)
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	return Principal{
		Subject: cl.Subject,
		Role:    role,
		IsGuest: role == identity.RoleGuest,
	}, nil
}

func (m *Manager) reuseDetected(ctx context.Context, rec *RefreshToken, now time.Time) error {
	n, err := m.store.RevokeRefreshTokensMatching(ctx, RevokeFilter{UserID: rec.UserID, OnlyActive: true}, now)
	if err != nil {
		return storeErr("revoke token family", err)
	}

	m.metrics.revoked("reuse", n)
	m.log.Warn("auth.refresh.reuse_detected",
		"user_id", rec.UserID,
		"refresh_id", rec.ID,
		"revoked", n,
	)
	return m.deny(ReasonReuse, "user_id", rec.UserID, "refresh_id", rec.ID)
}

func (m *Manager) deny(reason DenyReason, attrs ...any) error {
	m.metrics.denied(reason)
	m.log.Info("auth.refresh.denied", append([]any{"reason", string(reason)}, attrs...)...)
	return &AccessDeniedError{Reason: reason}
}

func (m *Manager) mintPair(subject string, role identity.Role, now time.Time) (TokenPair, error) {
	accessExp := now.Add(m.cfg.AccessTokenTTL)
	refreshExp := now.Add(m.cfg.RefreshTokenTTL)

	access, err := m.sign(subject, role, now, accessExp, m.cfg.accessSecret())
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(subject, role, now, refreshExp, m.cfg.refreshSecret())
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *Manager) sign(subject string, role identity.Role, now, exp time.Time, secret []byte) (string, error) {
	jti, err := ids.NewULID(now)
	if err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}

	s, err := m.signer.Sign(token.Claims{
		Subject:   subject,
		Role:      string(role),
		ID:        jti,
		IssuedAt:  now.Add(-m.cfg.IssuedAtSkew),
		ExpiresAt: exp,
	}, secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
