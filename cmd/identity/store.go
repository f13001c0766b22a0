package identity

import (
	"context"
	"strings"
	"time"
)

// Role is the authorization role carried in tokens.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
	RoleGuest Role = "GUEST"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleGuest:
		return true
	default:
		return false
	}
}

// ParseRole maps a case-insensitive role name to a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// GuestSubject is the fixed subject of every guest access token.
// It never exists in the user table.
const GuestSubject = "guest-demo-user"

// User is the canonical security principal.
type User struct {
	ID           string
	Email        string
	Name         *string
	PasswordHash string
	Role         Role
	Active       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sanitized returns a copy of u safe to hand outside the auth core.
// The password hash is always cleared.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	if u.Name != nil {
		n := *u.Name
		u.Name = &n
	}
	return u
}

// DisplayName returns the user's name, or the local part of the email when no name is set.
func (u User) DisplayName() string {
	if u.Name != nil {
		if n := strings.TrimSpace(*u.Name); n != "" {
			return n
		}
	}
	return EmailLocalPart(u.Email)
}

// CreateUserInput describes a user provisioning request.
// PasswordHash must already be an encoded hash; plaintext never reaches the store.
type CreateUserInput struct {
	Email        string
	Name         *string
	PasswordHash string
	Role         Role
	Now          time.Time
}

// Store is the user persistence boundary.
//
// Lookups return (nil, nil) when no row matches; an error always means the
// backing store failed.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
}

func validateCreate(op string, in CreateUserInput) (CreateUserInput, error) {
	in.Email = strings.TrimSpace(in.Email)
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return in, invalid(op, "a valid email is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return in, invalid(op, "password hash is required")
	}
	if in.Role == "" {
		in.Role = RoleUser
	}
	if !in.Role.Valid() || in.Role == RoleGuest {
		return in, invalid(op, "role must be ADMIN or USER")
	}
	if in.Name != nil {
		n := strings.TrimSpace(*in.Name)
		if n == "" {
			in.Name = nil
		} else {
			in.Name = &n
		}
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}
