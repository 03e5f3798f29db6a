package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"medrelay.org/internal/auth"
)

var _ Store = (*RedisStore)(nil)

const (
	sessionKeyPrefix = "session:"
	accountKeyPrefix = "account_sessions:"

	// txRetries bounds the optimistic retry loop around WATCH/MULTI/EXEC.
	txRetries = 3
)

// RedisStore implements Store on Redis. Sessions live as JSON values under
// "session:<id>" with a TTL matching the session expiry; a per-account set
// under "account_sessions:<accountID>" indexes them. Conditional updates use
// optimistic WATCH transactions so a concurrent revocation is never undone.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

type redisSession struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	RefreshTokenHash  string     `json:"refresh_token_hash"`
	Fingerprint       string     `json:"fingerprint"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	InactivitySeconds int64      `json:"inactivity_seconds"`
	Revoked           bool       `json:"revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

func encodeSession(s *Session) ([]byte, error) {
	return json.Marshal(redisSession{
		ID:                s.ID,
		AccountID:         s.AccountID,
		RefreshTokenHash:  s.RefreshTokenHash,
		Fingerprint:       s.Fingerprint,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		ExpiresAt:         s.ExpiresAt,
		InactivitySeconds: int64(s.InactivityTimeout.Seconds()),
		Revoked:           s.Revoked,
		RevokedAt:         s.RevokedAt,
	})
}

func decodeSession(data []byte) (*Session, error) {
	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &Session{
		ID:                rs.ID,
		AccountID:         rs.AccountID,
		RefreshTokenHash:  rs.RefreshTokenHash,
		Fingerprint:       rs.Fingerprint,
		CreatedAt:         rs.CreatedAt,
		LastActivityAt:    rs.LastActivityAt,
		ExpiresAt:         rs.ExpiresAt,
		InactivityTimeout: time.Duration(rs.InactivitySeconds) * time.Second,
		Revoked:           rs.Revoked,
		RevokedAt:         rs.RevokedAt,
	}, nil
}

func redisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return auth.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", auth.ErrStoreUnavailable, err)
	default:
		return err
	}
}

// sessionTTL derives the key TTL from the session's own timestamps, so the
// store and the manager that stamped them agree on a single time source.
func sessionTTL(sess *Session) time.Duration {
	return sess.ExpiresAt.Sub(sess.CreatedAt)
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	ttl := sessionTTL(sess)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", auth.ErrInvalidInput)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, ttl)
	pipe.SAdd(ctx, accountKeyPrefix+sess.AccountID, sess.ID)
	pipe.Expire(ctx, accountKeyPrefix+sess.AccountID, ttl)
	_, err = pipe.Exec(ctx)
	return redisErr(err)
}

func (s *RedisStore) Find(ctx context.Context, id string) (*Session, error) {
	data, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		return nil, redisErr(err)
	}
	return decodeSession(data)
}

// mutate applies fn to the session under a WATCH so a concurrent write
// aborts the transaction. fn returning (nil, nil) skips the write.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Session) (*Session, error)) error {
	key := sessionKeyPrefix + id
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return redisErr(err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		updated, err := fn(sess)
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		out, err := encodeSession(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return redisErr(err)
	}
	var err error
	for i := 0; i < txRetries; i++ {
		err = s.rdb.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	return s.mutate(ctx, id, func(sess *Session) (*Session, error) {
		if sess.Revoked {
			return nil, auth.ErrSessionRevoked
		}
		sess.LastActivityAt = at
		return sess, nil
	})
}

func (s *RedisStore) Revoke(ctx context.Context, id string, at time.Time) error {
	err := s.mutate(ctx, id, func(sess *Session) (*Session, error) {
		if sess.Revoked {
			return nil, nil
		}
		sess.Revoked = true
		revokedAt := at
		sess.RevokedAt = &revokedAt
		return sess, nil
	})
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) RevokeAllForAccount(ctx context.Context, accountID, exceptID string, at time.Time) (int, error) {
	ids, err := s.rdb.SMembers(ctx, accountKeyPrefix+accountID).Result()
	if err != nil {
		return 0, redisErr(err)
	}
	n := 0
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		sess, err := s.Find(ctx, id)
		if errors.Is(err, auth.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if sess.Revoked {
			continue
		}
		if err := s.Revoke(ctx, id, at); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) ListActiveByAccount(ctx context.Context, accountID string, now time.Time) ([]*Session, error) {
	ids, err := s.rdb.SMembers(ctx, accountKeyPrefix+accountID).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	var out []*Session
	for _, id := range ids {
		sess, err := s.Find(ctx, id)
		if errors.Is(err, auth.ErrNotFound) {
			// Expired key: drop the stale index entry.
			s.rdb.SRem(ctx, accountKeyPrefix+accountID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Revoked || !now.Before(sess.ExpiresAt) {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	return out, nil
}
