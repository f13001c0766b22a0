package authapi

import (
	"log/slog"
	"net/http"
	"strings"
)

// audit writes a security event as a structured log record.
// Token values never appear here; callers pass fingerprints.
func (h *Handler) audit(r *http.Request, action string, attrs ...any) {
	base := []any{
		"ip", ipString(clientIP(r, h.cfg.TrustProxy)),
		"user_agent", strings.TrimSpace(r.UserAgent()),
	}
	h.log.Log(r.Context(), auditLevel(action), action, append(base, attrs...)...)
}

func auditLevel(action string) slog.Level {
	switch {
	case strings.HasSuffix(action, ".reuse_detected"):
		return slog.LevelWarn
	case strings.HasSuffix(action, ".failed"), action == "auth.rate_limited":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
