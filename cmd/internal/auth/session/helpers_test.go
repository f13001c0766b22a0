package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"authd/cmd/identity"
	"authd/cmd/security/password"
	"authd/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	testAccessSecret  = "access-secret-0123456789abcdef0123456789"
	testRefreshSecret = "refresh-secret-0123456789abcdef012345678"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mgr      *Manager
	users    *identity.MemoryStore
	tokens   *MemoryStore
	clock    *fakeClock
	metrics  *Metrics
	verifier *password.Verifier
	signer   token.Signer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessTokenSecret = testAccessSecret
	cfg.RefreshTokenSecret = testRefreshSecret
	return cfg
}

func testVerifier(t testing.TB) *password.Verifier {
	t.Helper()

	pc := password.DefaultConfig()
	pc.Params.MemoryKiB = 8 * 1024
	pc.Params.Iterations = 1
	pc.Params.Parallelism = 1
	pc.Policy.MinLength = 6

	v, err := password.NewVerifier(pc)
	if err != nil {
		t.Fatalf("password verifier: %v", err)
	}
	return v
}

func newFixture(t testing.TB) *fixture {
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore lets a test wrap the token store (fault injection).
func newFixtureWithStore(t testing.TB, wrap func(TokenStore) TokenStore) *fixture {
	t.Helper()

	f := &fixture{
		users:    identity.NewMemoryStore(),
		tokens:   NewMemoryStore(),
		clock:    newFakeClock(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		verifier: testVerifier(t),
		signer:   token.NewJWTSigner("authd-test"),
	}

	var ts TokenStore = f.tokens
	if wrap != nil {
		ts = wrap(ts)
	}

	mgr, err := NewManager(
		testConfig(),
		NewCredentialStore(f.users, ts),
		f.verifier,
		f.signer,
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(f.metrics),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *fixture) addUser(t testing.TB, email, pw string, role identity.Role) identity.User {
	t.Helper()

	h, err := f.verifier.Hash(pw)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u, err := f.users.CreateUser(context.Background(), identity.CreateUserInput{
		Email:        email,
		PasswordHash: h,
		Role:         role,
		Now:          f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *fixture) login(t testing.TB, u identity.User) LoginResult {
	t.Helper()

	res, err := f.mgr.Login(context.Background(), u)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

func (f *fixture) activeTokens(userID string) []RefreshToken {
	now := f.clock.Now()
	var out []RefreshToken
	for _, rec := range f.tokens.TokensForUser(userID) {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fixture) unrevokedCount(userID string) int {
	n := 0
	for _, rec := range f.tokens.TokensForUser(userID) {
		if rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

func mustDenied(t testing.TB, err error, want DenyReason) {
	t.Helper()

	got, ok := DenyReasonOf(err)
	if !ok {
		t.Fatalf("expected access denied (%s), got %v", want, err)
	}
	if got != want {
		t.Fatalf("expected deny reason %q, got %q (%v)", want, got, err)
	}
}
