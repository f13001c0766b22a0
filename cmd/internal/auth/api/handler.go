package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/auth/session"
	"authd/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
)

// Sessions is the part of *session.Manager the HTTP layer drives.
type Sessions interface {
	Authenticate(ctx context.Context, email, password string) (*identity.User, error)
	Login(ctx context.Context, user identity.User) (session.LoginResult, error)
	Refresh(ctx context.Context, callerUserID, presented string) (session.TokenPair, error)
	Logout(ctx context.Context, userID string) error
	LoginAsGuest(ctx context.Context) (session.GuestResult, error)
	VerifyAccessToken(raw string) (session.Principal, error)
}

// UserLookup resolves the account behind an access token for /me.
type UserLookup interface {
	FindUserByID(ctx context.Context, id string) (*identity.User, error)
}

// Handler wires HTTP auth endpoints to the session manager.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	users    UserLookup

	limiter   *ipLimiter
	rlMetrics *RateLimitMetrics
	now       func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithRegistry registers the rate limiter counters on reg.
func WithRegistry(reg prometheus.Registerer) HandlerOption {
	return func(h *Handler) {
		if reg != nil {
			h.rlMetrics = NewRateLimitMetrics(reg)
		}
	}
}

// WithRateLimitMetrics sets prebuilt rate limiter counters.
func WithRateLimitMetrics(m *RateLimitMetrics) HandlerOption {
	return func(h *Handler) {
		if m != nil {
			h.rlMetrics = m
		}
	}
}

// WithClock overrides the limiter clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, sessions Sessions, users UserLookup, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("auth: nil session manager")
	}
	if users == nil {
		return nil, errors.New("auth: nil user lookup")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.normalize()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	h.limiter = newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, h.now)

	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.limited("login", h.handleLogin))
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/guest", h.limited("guest", h.handleGuest))
	mux.HandleFunc("/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	identifier := identity.NormalizeEmail(email)

	u, err := h.sessions.Authenticate(ctx, email, req.Password)
	if err != nil {
		h.writeSessionError(w, "auth.login", err)
		return
	}
	if u == nil {
		h.audit(r, "auth.login.failed", "identifier", identifier)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	res, err := h.sessions.Login(ctx, *u)
	if err != nil {
		h.writeSessionError(w, "auth.login", err)
		return
	}

	h.audit(r, "auth.login.success",
		"user_id", u.ID,
		"identifier", identifier,
		"refresh_fp", token.Fingerprint(res.RefreshToken),
	)
	writeJSON(w, http.StatusOK, loginResponse{
		User:   toUserResponse(res.User),
		Tokens: toTokensResponse(res.TokenPair),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), strings.TrimSpace(req.UserID), presented)
	if err != nil {
		var denied *session.AccessDeniedError
		if errors.As(err, &denied) {
			action := "auth.refresh.failed"
			if denied.Reason == session.ReasonReuse {
				action = "auth.refresh.reuse_detected"
			}
			h.audit(r, action, "reason", string(denied.Reason), "refresh_fp", token.Fingerprint(presented))
			writeError(w, http.StatusUnauthorized, "access_denied", denied.Message())
			return
		}
		h.writeSessionError(w, "auth.refresh", err)
		return
	}

	h.audit(r, "auth.refresh.success", "refresh_fp", token.Fingerprint(pair.RefreshToken))
	writeJSON(w, http.StatusOK, refreshResponse{Tokens: toTokensResponse(pair)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if !p.IsGuest {
		if err := h.sessions.Logout(r.Context(), p.Subject); err != nil {
			h.writeSessionError(w, "auth.logout", err)
			return
		}
	}

	h.audit(r, "auth.logout", "user_id", p.Subject, "guest", p.IsGuest)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := h.sessions.LoginAsGuest(r.Context())
	if err != nil {
		h.writeSessionError(w, "auth.guest", err)
		return
	}

	h.audit(r, "auth.guest.success")
	writeJSON(w, http.StatusOK, guestResponse{
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.ExpiresAt,
		Subject:         res.Subject,
		Role:            string(res.Role),
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	resp := meResponse{Principal: principalResponse{
		Subject: p.Subject,
		Role:    string(p.Role),
		Guest:   p.IsGuest,
	}}
	if !p.IsGuest {
		u, err := h.users.FindUserByID(r.Context(), p.Subject)
		if err != nil {
			h.log.Error("auth.me.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "please retry later")
			return
		}
		if u == nil {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		ur := userResponseFrom(u.Sanitized())
		resp.User = &ur
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Principal, bool) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Principal{}, false
	}
	p, err := h.sessions.VerifyAccessToken(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.Principal{}, false
	}
	return p, true
}

// writeSessionError maps non-denial Manager failures: store outages are 503, the rest 500.
func (h *Handler) writeSessionError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, session.ErrStoreUnavailable) {
		h.log.Error(op+".store_unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "please retry later")
		return
	}
	h.log.Error(op+".fail", "err", err)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
