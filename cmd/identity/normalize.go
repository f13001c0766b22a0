package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
// Lookups always go through the normalized form; the original casing is kept for display.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EmailLocalPart returns the part before the last '@'.
// An address without '@' is returned trimmed and unchanged.
func EmailLocalPart(email string) string {
	email = strings.TrimSpace(email)
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}
