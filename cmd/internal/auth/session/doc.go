// Package session implements the credential and session lifecycle of the auth service.
//
// A Manager authenticates users by email and password, issues a pair of signed
// tokens on login (short-lived access token + long-lived refresh token), rotates
// refresh tokens on use, and revokes them on logout.
//
// Refresh tokens are single-use. Every accepted refresh revokes the presented
// token and persists its successor in one atomic store operation. Presenting an
// already revoked token is treated as theft: every live token of the owner is
// revoked before the request is denied.
//
// Access tokens are stateless and are never revoked before they expire.
// Guest logins mint an access token only and never touch the store.
//
// Transport (HTTP) integration lives in cmd/internal/auth/api.
package session
