package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/auth/session"
	"authd/cmd/security/password"
	"authd/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type apiFixture struct {
	mux      *http.ServeMux
	users    *identity.MemoryStore
	tokens   *session.MemoryStore
	verifier *password.Verifier
	rl       *RateLimitMetrics
	clock    *stepClock
}

type fixtureOpts struct {
	cfg        Config
	userStore  session.UserStore
	userLookup UserLookup
}

func newAPIFixture(t *testing.T, o fixtureOpts) *apiFixture {
	t.Helper()

	pc := password.DefaultConfig()
	pc.Params.MemoryKiB = 8 * 1024
	pc.Params.Iterations = 1
	pc.Params.Parallelism = 1
	pc.Policy.MinLength = 6
	verifier, err := password.NewVerifier(pc)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	f := &apiFixture{
		mux:      http.NewServeMux(),
		users:    identity.NewMemoryStore(),
		tokens:   session.NewMemoryStore(),
		verifier: verifier,
		clock:    &stepClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)},
	}

	var us session.UserStore = f.users
	if o.userStore != nil {
		us = o.userStore
	}
	var lookup UserLookup = f.users
	if o.userLookup != nil {
		lookup = o.userLookup
	}

	scfg := session.DefaultConfig()
	scfg.AccessTokenSecret = "access-secret-0123456789abcdef0123456789"
	scfg.RefreshTokenSecret = "refresh-secret-0123456789abcdef012345678"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := session.NewManager(scfg,
		session.NewCredentialStore(us, f.tokens),
		verifier,
		token.NewJWTSigner("authd-test"),
		session.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	cfg := o.cfg
	if cfg == (Config{}) {
		cfg = DefaultConfig()
		cfg.RateLimitRPS = 0
	}

	reg := prometheus.NewRegistry()
	f.rl = NewRateLimitMetrics(reg)
	h, err := NewHandler(logger, mgr, lookup, cfg,
		WithRateLimitMetrics(f.rl),
		WithClock(f.clock.Now),
	)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	h.Register(f.mux)
	return f
}

func (f *apiFixture) addUser(t *testing.T, email, pw string) identity.User {
	t.Helper()

	hash, err := f.verifier.Hash(pw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	name := "Alice"
	u, err := f.users.CreateUser(context.Background(), identity.CreateUserInput{
		Email:        email,
		Name:         &name,
		PasswordHash: hash,
		Role:         identity.RoleUser,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "203.0.113.7:5555"
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) login(t *testing.T, email, pw string) loginResponse {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": pw})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out loginResponse
	decodeBody(t, rec, &out)
	return out
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func mustAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) apiError {
	t.Helper()

	if rec.Code != status {
		t.Fatalf("status=%d want %d body=%s", rec.Code, status, rec.Body.String())
	}
	var er errorResponse
	decodeBody(t, rec, &er)
	if er.Error.Code != code {
		t.Fatalf("error code=%q want %q", er.Error.Code, code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("error responses must not be cached")
	}
	return er.Error
}

func TestHandler_LoginRefreshMeLogout(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})
	u := f.addUser(t, "alice@example.com", "secret123")

	lr := f.login(t, "  Alice@Example.COM ", "secret123")
	if lr.User.ID != u.ID || lr.User.Email != "alice@example.com" || lr.User.Name != "Alice" || lr.User.Role != "USER" {
		t.Fatalf("unexpected user summary: %+v", lr.User)
	}
	if lr.Tokens.AccessToken == "" || lr.Tokens.RefreshToken == "" {
		t.Fatalf("expected a token pair: %+v", lr.Tokens)
	}

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{
		"user_id":       u.ID,
		"refresh_token": lr.Tokens.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var rr refreshResponse
	decodeBody(t, rec, &rr)
	if rr.Tokens.RefreshToken == "" || rr.Tokens.RefreshToken == lr.Tokens.RefreshToken {
		t.Fatalf("refresh must rotate the refresh token")
	}

	rec = f.do(t, http.MethodGet, "/me", rr.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var me meResponse
	decodeBody(t, rec, &me)
	if me.Principal.Subject != u.ID || me.Principal.Guest || me.User == nil || me.User.Email != "alice@example.com" {
		t.Fatalf("unexpected /me: %+v", me)
	}
	if strings.Contains(rec.Body.String(), "argon2id") {
		t.Fatalf("/me leaked the password hash")
	}

	rec = f.do(t, http.MethodPost, "/auth/logout", rr.Tokens.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status=%d", rec.Code)
	}

	// The rotated token was revoked by logout; presenting it again is reuse.
	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": rr.Tokens.RefreshToken})
	e := mustAPIError(t, rec, http.StatusUnauthorized, "access_denied")
	if e.Message != "refresh token reuse detected, account protected" {
		t.Fatalf("unexpected message: %q", e.Message)
	}
}

func TestHandler_Login_InvalidCredentials(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})
	f.addUser(t, "alice@example.com", "secret123")

	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong-pass"})
	mustAPIError(t, rec, http.StatusUnauthorized, "invalid_credentials")

	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "secret123"})
	mustAPIError(t, rec, http.StatusUnauthorized, "invalid_credentials")

	if f.tokens.Len() != 0 {
		t.Fatalf("failed logins must not persist tokens")
	}
}

func TestHandler_Login_BadRequests(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})

	cases := []struct {
		name string
		body any
		code string
	}{
		{"not json", "{", "invalid_json"},
		{"unknown field", `{"email":"a@x.com","password":"p","remember":true}`, "invalid_json"},
		{"trailing data", `{"email":"a@x.com","password":"p"}{}`, "invalid_json"},
		{"missing password", map[string]string{"email": "a@x.com"}, "invalid_request"},
		{"missing email", map[string]string{"password": "secret123"}, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/auth/login", "", tc.body)
			mustAPIError(t, rec, http.StatusBadRequest, tc.code)
		})
	}

	if rec := f.do(t, http.MethodGet, "/auth/login", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_Refresh_Denials(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})
	f.addUser(t, "alice@example.com", "secret123")
	lr := f.login(t, "alice@example.com", "secret123")

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "not-a-real-token"})
	e := mustAPIError(t, rec, http.StatusUnauthorized, "access_denied")
	if e.Message != "refresh token not found" {
		t.Fatalf("unexpected message: %q", e.Message)
	}

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": lr.Tokens.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("first refresh: status=%d", rec.Code)
	}
	var rr refreshResponse
	decodeBody(t, rec, &rr)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": lr.Tokens.RefreshToken})
	mustAPIError(t, rec, http.StatusUnauthorized, "access_denied")

	// Reuse revoked the whole family, including the token minted a moment ago.
	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": rr.Tokens.RefreshToken})
	mustAPIError(t, rec, http.StatusUnauthorized, "access_denied")

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "  "})
	mustAPIError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestHandler_Guest(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodPost, "/auth/guest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("guest: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var g guestResponse
	decodeBody(t, rec, &g)
	if g.Subject != identity.GuestSubject || g.Role != "GUEST" || g.AccessToken == "" {
		t.Fatalf("unexpected guest response: %+v", g)
	}
	if strings.Contains(rec.Body.String(), "refresh_token") {
		t.Fatalf("guests must not receive a refresh token")
	}

	rec = f.do(t, http.MethodGet, "/me", g.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: status=%d", rec.Code)
	}
	var me meResponse
	decodeBody(t, rec, &me)
	if !me.Principal.Guest || me.User != nil {
		t.Fatalf("unexpected guest /me: %+v", me)
	}

	if rec := f.do(t, http.MethodPost, "/auth/logout", g.AccessToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("guest logout: status=%d", rec.Code)
	}
	if f.tokens.Len() != 0 {
		t.Fatalf("guest flow must not touch the token store")
	}
}

func TestHandler_RequireAuth(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{})
	f.addUser(t, "alice@example.com", "secret123")
	lr := f.login(t, "alice@example.com", "secret123")

	mustAPIError(t, f.do(t, http.MethodGet, "/me", "", nil), http.StatusUnauthorized, "unauthorized")
	mustAPIError(t, f.do(t, http.MethodGet, "/me", "garbage", nil), http.StatusUnauthorized, "unauthorized")
	// A refresh token is signed with the other secret.
	mustAPIError(t, f.do(t, http.MethodGet, "/me", lr.Tokens.RefreshToken, nil), http.StatusUnauthorized, "unauthorized")
	mustAPIError(t, f.do(t, http.MethodPost, "/auth/logout", "", nil), http.StatusUnauthorized, "unauthorized")
}

type failingUsers struct{}

var errDBDown = errors.New("connection refused")

func (failingUsers) FindUserByEmail(context.Context, string) (*identity.User, error) {
	return nil, errDBDown
}

func (failingUsers) FindUserByID(context.Context, string) (*identity.User, error) {
	return nil, errDBDown
}

func TestHandler_StoreUnavailable(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, fixtureOpts{userStore: failingUsers{}, userLookup: failingUsers{}})

	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@x.com", "password": "secret123"})
	mustAPIError(t, rec, http.StatusServiceUnavailable, "store_unavailable")

	// Guests never reach the store.
	rec = f.do(t, http.MethodPost, "/auth/guest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("guest: status=%d", rec.Code)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0.1
	cfg.RateLimitBurst = 2
	f := newAPIFixture(t, fixtureOpts{cfg: cfg})

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/auth/guest", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status=%d", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/auth/guest", "", nil)
	mustAPIError(t, rec, http.StatusTooManyRequests, "rate_limited")
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After=%q want 10", got)
	}

	// Buckets are per route.
	rec = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@x.com", "password": "secret123"})
	mustAPIError(t, rec, http.StatusUnauthorized, "invalid_credentials")

	if got := testutil.ToFloat64(f.rl.Allowed.WithLabelValues("guest")); got != 2 {
		t.Fatalf("allowed{guest}=%v want 2", got)
	}
	if got := testutil.ToFloat64(f.rl.Rejected.WithLabelValues("guest")); got != 1 {
		t.Fatalf("rejected{guest}=%v want 1", got)
	}

	f.clock.Advance(10 * time.Second)
	if rec := f.do(t, http.MethodPost, "/auth/guest", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("after refill: status=%d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer  abc  ":  "abc",
		"Basic abc":      "",
		"Bearer":         "",
		"Token abc def":  "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := bearerToken(r); got != want {
			t.Fatalf("bearerToken(%q)=%q want %q", header, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.1:1234"
	r.Header.Set("X-Forwarded-For", "garbage, 192.0.2.9, 10.0.0.1")

	if got := clientIP(r, false); got.String() != "198.51.100.1" {
		t.Fatalf("untrusted proxy: got %v", got)
	}
	if got := clientIP(r, true); got.String() != "192.0.2.9" {
		t.Fatalf("trusted proxy: got %v", got)
	}

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "192.0.2.10")
	if got := clientIP(r, true); got.String() != "192.0.2.10" {
		t.Fatalf("x-real-ip: got %v", got)
	}
}
