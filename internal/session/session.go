// Package session orchestrates login session lifecycle: creation, refresh,
// validation, revocation, the per-account cap and inactivity handling. All
// durable state lives in a pluggable Store; expiry and inactivity are
// evaluated lazily at validation time, never by a background sweep.
package session

import (
	"context"
	"time"
)

// Session is one authenticated device session. Revoked is terminal; a
// revoked session is never reactivated.
type Session struct {
	ID                string
	AccountID         string
	RefreshTokenHash  string
	Fingerprint       string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	InactivityTimeout time.Duration
	Revoked           bool
	RevokedAt         *time.Time
}

// Store describes session persistence. Mutations must be conditional per
// row: an update of a session that has concurrently been revoked must not
// resurrect it. Implementations surface context deadlines as
// auth.ErrStoreUnavailable.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// UpdateActivity stamps the activity time only while the session is
	// not revoked. Returns auth.ErrSessionRevoked when the guard fails.
	UpdateActivity(ctx context.Context, id string, at time.Time) error
	// Revoke marks the session revoked. Revoking an already revoked or
	// missing session is a no-op success.
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAllForAccount revokes every live session of the account except
	// the given one (pass "" to revoke all). Returns the number revoked.
	RevokeAllForAccount(ctx context.Context, accountID, exceptID string, at time.Time) (int, error)
	// ListActiveByAccount returns non-revoked, non-expired sessions ordered
	// by last activity ascending (oldest first).
	ListActiveByAccount(ctx context.Context, accountID string, now time.Time) ([]*Session, error)
}
