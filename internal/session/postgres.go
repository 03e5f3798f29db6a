package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medrelay.org/internal/auth"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Liveness guards live in the
// SQL itself: every mutation carries "and revoked=false" so a concurrent
// revocation always wins.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return auth.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", auth.ErrStoreUnavailable, err)
	default:
		return err
	}
}

func (s *PGStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, account_id, refresh_token_hash, fingerprint,
		   created_at, last_activity_at, expires_at, inactivity_timeout_seconds, revoked)
		 values($1,$2,$3,$4,$5,$6,$7,$8,false)`,
		sess.ID, sess.AccountID, sess.RefreshTokenHash, sess.Fingerprint,
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt,
		int64(sess.InactivityTimeout.Seconds()),
	)
	return storeErr(err)
}

func (s *PGStore) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, account_id, refresh_token_hash, fingerprint,
		   created_at, last_activity_at, expires_at, inactivity_timeout_seconds,
		   revoked, revoked_at
		 from sessions where id=$1`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess           Session
		timeoutSeconds int64
		revokedAt      sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.RefreshTokenHash, &sess.Fingerprint,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt, &timeoutSeconds,
		&sess.Revoked, &revokedAt)
	if err != nil {
		return nil, storeErr(err)
	}
	sess.InactivityTimeout = time.Duration(timeoutSeconds) * time.Second
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	return &sess, nil
}

func (s *PGStore) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_activity_at=$2 where id=$1 and revoked=false`, id, at)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		// Distinguish a revoked session from a missing one.
		var revoked bool
		err := s.db.QueryRowContext(ctx,
			`select revoked from sessions where id=$1`, id).Scan(&revoked)
		if err != nil {
			return storeErr(err)
		}
		if revoked {
			return auth.ErrSessionRevoked
		}
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$2 where id=$1 and revoked=false`, id, at)
	return storeErr(err)
}

func (s *PGStore) RevokeAllForAccount(ctx context.Context, accountID, exceptID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked=true, revoked_at=$3
		 where account_id=$1 and id<>$2 and revoked=false`,
		accountID, exceptID, at)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return int(n), nil
}

func (s *PGStore) ListActiveByAccount(ctx context.Context, accountID string, now time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, account_id, refresh_token_hash, fingerprint,
		   created_at, last_activity_at, expires_at, inactivity_timeout_seconds,
		   revoked, revoked_at
		 from sessions
		 where account_id=$1 and revoked=false and expires_at>$2
		 order by last_activity_at asc`,
		accountID, now)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess           Session
			timeoutSeconds int64
			revokedAt      sql.NullTime
		)
		err := rows.Scan(&sess.ID, &sess.AccountID, &sess.RefreshTokenHash, &sess.Fingerprint,
			&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt, &timeoutSeconds,
			&sess.Revoked, &revokedAt)
		if err != nil {
			return nil, storeErr(err)
		}
		sess.InactivityTimeout = time.Duration(timeoutSeconds) * time.Second
		if revokedAt.Valid {
			t := revokedAt.Time
			sess.RevokedAt = &t
		}
		out = append(out, &sess)
	}
	return out, storeErr(rows.Err())
}
