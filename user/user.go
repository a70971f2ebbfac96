// Package user defines accounts and their SQLite persistence.
package user

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role gates admin-only surfaces. New accounts are always RoleUser.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

var (
	ErrNotFound    = errors.New("user not found")
	ErrEmailTaken  = errors.New("email already taken")
	ErrUnavailable = errors.New("user store unavailable")
)

// User is one account. Email is stored lowercased; EmailVerifiedAt zero
// means the account has not completed verification.
type User struct {
	ID              string
	Email           string
	Name            string
	PasswordHash    string
	Role            Role
	EmailVerifiedAt time.Time
	CreatedAt       time.Time
}

// Verified reports whether the account completed email verification.
func (u *User) Verified() bool { return !u.EmailVerifiedAt.IsZero() }

// NormalizeEmail lowercases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Store persists users. FindByEmail normalizes its argument, so callers can
// pass addresses as received.
type Store interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
}
