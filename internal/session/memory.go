package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"medrelay.org/internal/auth"
)

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

func (s *MemStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return auth.ErrAlreadyExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemStore) Find(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	if sess.Revoked {
		return auth.ErrSessionRevoked
	}
	sess.LastActivityAt = at
	return nil
}

func (s *MemStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Revoked {
		return nil
	}
	sess.Revoked = true
	revokedAt := at
	sess.RevokedAt = &revokedAt
	return nil
}

func (s *MemStore) RevokeAllForAccount(ctx context.Context, accountID, exceptID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AccountID != accountID || sess.ID == exceptID || sess.Revoked {
			continue
		}
		sess.Revoked = true
		revokedAt := at
		sess.RevokedAt = &revokedAt
		n++
	}
	return n, nil
}

func (s *MemStore) ListActiveByAccount(ctx context.Context, accountID string, now time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.AccountID != accountID || sess.Revoked || !now.Before(sess.ExpiresAt) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	return out, nil
}
