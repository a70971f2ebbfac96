// Package refreshtoken stores the server-side half of refresh tokens: one
// record per outstanding token, keyed both by ID and by a hash of the raw
// token string. Raw tokens are never stored.
//
// Revocation comes in two modes. A rotation revoke drops the record out of
// hash lookups immediately but keeps it findable by ID for a retention
// window, which is what lets a later presentation of the same token be
// recognized as replay. An immediate revoke (logout, owner-wide revocation)
// deletes the record outright, so a later presentation is a plain miss.
package refreshtoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no record matched the lookup.
	ErrNotFound = errors.New("refresh token not found")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("refresh token store unavailable")
)

// Record is the stored state of one refresh token. SecretHash is the SHA-256
// hex digest of the complete raw token string. A zero RevokedAt means the
// record is active.
type Record struct {
	ID         string
	OwnerID    string
	SecretHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
}

// Active reports whether the record can still redeem a refresh.
func (r *Record) Active(now time.Time) bool {
	return r.RevokedAt.IsZero() && r.ExpiresAt.After(now)
}

// Hash digests a raw refresh token string for storage and lookup.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Store persists refresh token records.
//
// Claim is the rotation primitive: it atomically revokes the active record
// with the given secret hash and returns it. When two callers race on the
// same token, exactly one gets the record and the other gets ErrNotFound.
//
// Revoke takes a single known record out of circulation. With immediate set
// the record is deleted and afterwards neither FindActive nor FindByID can
// see it; without it the record stays findable by ID like a claimed one.
// RevokeAllFor deletes every active record of one owner.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	FindActive(ctx context.Context, secretHash string) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	Claim(ctx context.Context, secretHash string) (*Record, error)
	Revoke(ctx context.Context, rec *Record, immediate bool) error
	RevokeAllFor(ctx context.Context, ownerID string) error
	PurgeExpired(ctx context.Context) error
}
