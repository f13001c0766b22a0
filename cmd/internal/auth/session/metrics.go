package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts session lifecycle events. A nil *Metrics is a no-op.
type Metrics struct {
	Issued  *prometheus.CounterVec
	Denied  *prometheus.CounterVec
	Revoked *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Issued: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "authd", Name: "sessions_issued_total", Help: "Token sets issued, by kind (login, refresh, guest)."},
			[]string{"kind"},
		),
		Denied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "authd", Name: "refresh_denied_total", Help: "Rejected refresh attempts, by reason."},
			[]string{"reason"},
		),
		Revoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "authd", Name: "tokens_revoked_total", Help: "Refresh tokens revoked in bulk, by cause (logout, reuse)."},
			[]string{"cause"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Issued, m.Denied, m.Revoked)
	}
	return m
}

func (m *Metrics) issued(kind string) {
	if m != nil {
		m.Issued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) denied(r DenyReason) {
	if m != nil {
		m.Denied.WithLabelValues(string(r)).Inc()
	}
}

func (m *Metrics) revoked(cause string, n int64) {
	if m != nil && n > 0 {
		m.Revoked.WithLabelValues(cause).Add(float64(n))
	}
}
