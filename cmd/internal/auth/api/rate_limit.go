package authapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepSize = 4096
)

// RateLimitMetrics counts limiter decisions per route.
type RateLimitMetrics struct {
	Allowed  *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

// NewRateLimitMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewRateLimitMetrics(reg prometheus.Registerer) *RateLimitMetrics {
	m := &RateLimitMetrics{
		Allowed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "authd", Name: "rate_limit_allowed_total", Help: "Requests admitted by the per-IP limiter."},
			[]string{"route"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "authd", Name: "rate_limit_rejected_total", Help: "Requests rejected by the per-IP limiter."},
			[]string{"route"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Allowed, m.Rejected)
	}
	return m
}

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per (route, client IP).
type ipLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*ipEntry
}

func newIPLimiter(rps float64, burst int, now func() time.Time) *ipLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &ipLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     now,
		entries: make(map[string]*ipEntry),
	}
}

// allow consumes one token for key. When the bucket is empty it returns the wait until the next token.
func (l *ipLimiter) allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= limiterSweepSize {
		l.sweepLocked(now)
	}

	e, ok := l.entries[key]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	res := e.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *ipLimiter) sweepLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, k)
		}
	}
}

// limited wraps next with the per-IP limiter for route.
func (h *Handler) limited(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := route
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			key += "|" + ip.String()
		}

		ok, wait := h.limiter.allow(key)
		if !ok {
			if h.rlMetrics != nil {
				h.rlMetrics.Rejected.WithLabelValues(route).Inc()
			}
			h.audit(r, "auth.rate_limited", "route", route, "retry_after_s", retryAfterSeconds(wait))
			writeRateLimited(w, wait)
			return
		}
		if h.rlMetrics != nil {
			h.rlMetrics.Allowed.WithLabelValues(route).Inc()
		}
		next(w, r)
	}
}

func retryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfter), 10))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
