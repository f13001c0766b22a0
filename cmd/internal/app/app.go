// Package app wires the authd runtime: config, logging, persistence, metrics and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"authd/cmd/identity"
	authapi "authd/cmd/internal/auth/api"
	"authd/cmd/internal/auth/session"
	"authd/cmd/internal/migrations"
	"authd/cmd/security/password"
	"authd/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App is the authd runtime: it owns the stores, the session manager and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store     Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	sessions *session.Manager
	handler  http.Handler
}

type options struct {
	password password.Config
	registry *prometheus.Registry
}

// Option configures New.
type Option func(*options)

// WithPasswordConfig sets the hashing cost and policy (default password.DefaultConfig()).
func WithPasswordConfig(pc password.Config) Option {
	return func(o *options) { o.password = pc }
}

// WithRegistry sets the Prometheus registry served at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{password: password.DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	verifier, err := password.NewVerifier(o.password)
	if err != nil {
		return nil, fmt.Errorf("password verifier: %w", err)
	}
	signer, err := token.New(cfg.Session.TokenFormat, cfg.Session.Issuer)
	if err != nil {
		return nil, err
	}

	st, pool, users, tokens, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := seedUser(ctx, cfg, users, verifier, log); err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	mgr, err := session.NewManager(cfg.Session,
		session.NewCredentialStore(users, tokens),
		verifier,
		signer,
		session.WithLogger(log),
		session.WithMetrics(session.NewMetrics(reg)),
	)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	auth, err := authapi.NewHandler(log, mgr, users, cfg.Auth, authapi.WithRegistry(reg))
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    pool,
		dbEnabled: pool != nil,
		registry:  reg,
		sessions:  mgr,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, pool, auth, reg)
	a.handler = WithSecurityHeaders(WithRequestLogging(mux, log))

	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Close releases store resources without serving.
func (a *App) Close(ctx context.Context) error { return a.store.Close(ctx) }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "token_format", a.cfg.Session.TokenFormat)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.store.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStores decides between Postgres-backed persistence and in-memory stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, identity.Store, session.TokenStore, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("db.disabled.inmemory_store")
		return nopStore{}, nil, identity.NewMemoryStore(), session.NewMemoryStore(), nil
	}

	if cfg.MigrateOnStart {
		if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, nil, nil, err
		}
		log.Info("db.migrations.applied")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	users, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	tokens, err := session.NewPostgresStore(pool, identity.DefaultSchema)
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return dbStore{pool: pool}, pool, users, tokens, nil
}

// seedUser creates the configured bootstrap account. An existing account is left untouched.
func seedUser(ctx context.Context, cfg Config, users identity.Store, hasher *password.Verifier, log Logger) error {
	email := strings.TrimSpace(cfg.SeedEmail)
	if email == "" {
		return nil
	}

	role, ok := identity.ParseRole(cfg.SeedRole)
	if !ok || role == identity.RoleGuest {
		return fmt.Errorf("AUTHD_SEED_ROLE: unsupported role %q", cfg.SeedRole)
	}

	hash, err := hasher.Hash(cfg.SeedPassword)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	var name *string
	if n := strings.TrimSpace(cfg.SeedName); n != "" {
		name = &n
	}

	u, err := users.CreateUser(ctx, identity.CreateUserInput{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		Now:          time.Now().UTC(),
	})
	if identity.IsConflict(err) {
		log.Info("seed.user.exists", "email", identity.NormalizeEmail(email))
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	log.Info("seed.user.created", "user_id", u.ID, "role", string(u.Role))
	return nil
}
