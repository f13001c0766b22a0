// Package identity holds the user model shared by the auth service.
//
// It owns the User record, roles, email canonicalization, ULID ids and the
// user persistence boundary (Postgres + in-memory). It never issues tokens;
// that lives in cmd/internal/auth/session.
package identity
