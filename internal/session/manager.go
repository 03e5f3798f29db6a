package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/auth"
	"medrelay.org/internal/fingerprint"
	"medrelay.org/internal/ids"
	"medrelay.org/internal/obs"
)

const (
	defaultAccessTTL         = 15 * time.Minute
	defaultSessionTTL        = 14 * 24 * time.Hour
	defaultInactivityTimeout = 30 * time.Minute
	defaultMaxSessions       = 5

	refreshSecretLen = 32
)

// RoleSource resolves an account's primary role when a token is reissued
// on refresh. Typically backed by the account store.
type RoleSource func(ctx context.Context, accountID string) (string, error)

// Grant is the result of a successful session creation.
type Grant struct {
	Token        string
	RefreshToken string
	SessionID    string
	ExpiresIn    int64
}

// Manager implements the session lifecycle on top of a Store and a token
// Issuer. A fingerprint mismatch on any path revokes the session before the
// request fails.
type Manager struct {
	store    Store
	issuer   *auth.Issuer
	reporter *audit.Reporter
	roles    RoleSource
	now      func() time.Time

	accessTTL         time.Duration
	sessionTTL        time.Duration
	inactivityTimeout time.Duration
	maxSessions       int
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithAccessTTL sets the bearer token lifetime.
func WithAccessTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.accessTTL = d
		}
	}
}

// WithSessionTTL sets the absolute session lifetime.
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTTL = d
		}
	}
}

// WithInactivityTimeout sets how long a session may sit idle before
// validation revokes it.
func WithInactivityTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.inactivityTimeout = d
		}
	}
}

// WithMaxSessions caps concurrent sessions per account.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithRoleSource sets the role lookup used when reissuing tokens on
// refresh. Without one, refreshed tokens carry no role claim.
func WithRoleSource(fn RoleSource) ManagerOption {
	return func(m *Manager) { m.roles = fn }
}

// WithManagerReporter attaches a security event reporter.
func WithManagerReporter(r *audit.Reporter) ManagerOption {
	return func(m *Manager) { m.reporter = r }
}

// WithManagerClock overrides the time source (useful for tests).
func WithManagerClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, issuer *auth.Issuer, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", auth.ErrInvalidInput)
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: token issuer is required", auth.ErrInvalidInput)
	}
	m := &Manager{
		store:             store,
		issuer:            issuer,
		now:               time.Now,
		accessTTL:         defaultAccessTTL,
		sessionTTL:        defaultSessionTTL,
		inactivityTimeout: defaultInactivityTimeout,
		maxSessions:       defaultMaxSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create opens a new session for an authenticated account, evicting the
// least recently active sessions when the account is at its cap.
func (m *Manager) Create(ctx context.Context, account *auth.Account, client fingerprint.ClientContext) (*Grant, error) {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return nil, fmt.Errorf("%w: account is required", auth.ErrInvalidInput)
	}

	now := m.now().UTC()
	if err := m.enforceLimit(ctx, account.ID, now); err != nil {
		return nil, err
	}

	if flags := fingerprint.DetectSuspicious(client); len(flags) > 0 {
		flagStrs := make([]string, len(flags))
		for i, f := range flags {
			flagStrs[i] = string(f)
		}
		m.report(audit.Event{
			Kind:      "session.suspicious_client",
			AccountID: account.ID,
			Fields:    map[string]string{"flags": strings.Join(flagStrs, ",")},
		})
	}

	sessionID := ids.New()
	refreshToken, refreshHash, err := newRefreshToken(sessionID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:                sessionID,
		AccountID:         account.ID,
		RefreshTokenHash:  refreshHash,
		Fingerprint:       fingerprint.Derive(client),
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(m.sessionTTL),
		InactivityTimeout: m.inactivityTimeout,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	token, _, err := m.issuer.Issue(account.ID, account.Role, sessionID, m.accessTTL)
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:        token,
		RefreshToken: refreshToken,
		SessionID:    sessionID,
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new bearer token. The
// refresh token itself is not rotated; the session's activity clock advances.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, client fingerprint.ClientContext) (*Grant, error) {
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, auth.ErrInvalidToken
	}

	sess, err := m.store.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if !secureCompareHash(hashSecret(secret), sess.RefreshTokenHash) {
		return nil, auth.ErrInvalidToken
	}

	now := m.now().UTC()
	if sess.Revoked {
		return nil, auth.ErrSessionRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		return nil, auth.ErrInvalidToken
	}
	if mismatch := m.checkFingerprint(ctx, sess, client, now, "refresh"); mismatch != nil {
		return nil, mismatch
	}

	if err := m.touch(ctx, sess.ID, now); err != nil {
		return nil, err
	}

	role := ""
	if m.roles != nil {
		role, err = m.roles(ctx, sess.AccountID)
		if err != nil {
			return nil, err
		}
	}
	token, _, err := m.issuer.Issue(sess.AccountID, role, sess.ID, m.accessTTL)
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:     token,
		SessionID: sess.ID,
		ExpiresIn: int64(m.accessTTL.Seconds()),
	}, nil
}

// Validate verifies a bearer token and the liveness of its session, then
// advances the session's activity clock. An idle session is revoked on
// first contact and the caller gets ErrInactivityTimeout; subsequent calls
// get ErrSessionRevoked.
func (m *Manager) Validate(ctx context.Context, token string, client fingerprint.ClientContext) (*auth.Claims, error) {
	claims, err := m.issuer.Verify(token)
	if err != nil {
		obs.ObserveTokenVerification("rejected")
		return nil, err
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		obs.ObserveTokenVerification("rejected")
		return nil, auth.ErrInvalidToken
	}

	sess, err := m.store.Find(ctx, claims.SessionID)
	if err != nil {
		obs.ObserveTokenVerification("rejected")
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if sess.AccountID != claims.Subject {
		obs.ObserveTokenVerification("rejected")
		return nil, auth.ErrInvalidToken
	}

	now := m.now().UTC()
	if sess.Revoked {
		obs.ObserveTokenVerification("revoked")
		return nil, auth.ErrSessionRevoked
	}
	if !now.Before(sess.ExpiresAt) {
		obs.ObserveTokenVerification("expired")
		if err := m.revoke(ctx, sess, "expired", now); err != nil {
			return nil, err
		}
		return nil, auth.ErrSessionRevoked
	}

	timeout := sess.InactivityTimeout
	if timeout <= 0 {
		timeout = m.inactivityTimeout
	}
	if now.Sub(sess.LastActivityAt) > timeout {
		obs.ObserveTokenVerification("inactive")
		if err := m.revoke(ctx, sess, "inactivity", now); err != nil {
			return nil, err
		}
		return nil, auth.ErrInactivityTimeout
	}

	if mismatch := m.checkFingerprint(ctx, sess, client, now, "validate"); mismatch != nil {
		obs.ObserveTokenVerification("fingerprint_mismatch")
		return nil, mismatch
	}

	if err := m.touch(ctx, sess.ID, now); err != nil {
		return nil, err
	}
	obs.ObserveTokenVerification("ok")
	return claims, nil
}

// Revoke terminates one session. Revoking an unknown or already revoked
// session succeeds.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", auth.ErrInvalidInput)
	}
	if reason == "" {
		reason = "manual"
	}
	if err := m.store.Revoke(ctx, sessionID, m.now().UTC()); err != nil {
		return err
	}
	obs.ObserveSessionRevoked(reason)
	return nil
}

// RevokeAll terminates every live session of an account except the one
// given (pass "" to revoke all). Used on password change and MFA recovery.
func (m *Manager) RevokeAll(ctx context.Context, accountID, exceptID, reason string) (int, error) {
	if strings.TrimSpace(accountID) == "" {
		return 0, fmt.Errorf("%w: account id is required", auth.ErrInvalidInput)
	}
	if reason == "" {
		reason = "bulk"
	}
	n, err := m.store.RevokeAllForAccount(ctx, accountID, exceptID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		obs.ObserveSessionRevoked(reason)
	}
	return n, nil
}

// Active lists the account's live sessions, oldest activity first.
func (m *Manager) Active(ctx context.Context, accountID string) ([]*Session, error) {
	return m.store.ListActiveByAccount(ctx, accountID, m.now().UTC())
}

// enforceLimit makes room for one new session by revoking the least
// recently active sessions above the cap. Hitting the cap is informational:
// it triggers eviction plus a security event, never a rejection.
func (m *Manager) enforceLimit(ctx context.Context, accountID string, now time.Time) error {
	active, err := m.store.ListActiveByAccount(ctx, accountID, now)
	if err != nil {
		return err
	}
	excess := len(active) - m.maxSessions + 1
	if excess <= 0 {
		return nil
	}
	if excess > len(active) {
		excess = len(active)
	}
	for i := 0; i < excess; i++ {
		if err := m.revoke(ctx, active[i], "session_limit", now); err != nil {
			return err
		}
	}
	m.report(audit.Event{
		Kind:      "session.limit_exceeded",
		AccountID: accountID,
		Fields:    map[string]string{"evicted": strconv.Itoa(excess)},
	})
	return nil
}

// checkFingerprint applies the fail-closed device binding policy: any
// mismatch revokes the session and reports a security event.
func (m *Manager) checkFingerprint(ctx context.Context, sess *Session, client fingerprint.ClientContext, now time.Time, path string) error {
	if sess.Fingerprint == "" {
		return nil
	}
	presented := fingerprint.Derive(client)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(sess.Fingerprint)) == 1 {
		return nil
	}
	if err := m.revoke(ctx, sess, "fingerprint_mismatch", now); err != nil {
		return err
	}
	m.report(audit.Event{
		Kind:      "session.fingerprint_mismatch",
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		Fields:    map[string]string{"path": path},
	})
	return auth.ErrSecurityValidation
}

func (m *Manager) revoke(ctx context.Context, sess *Session, reason string, now time.Time) error {
	if err := m.store.Revoke(ctx, sess.ID, now); err != nil {
		return err
	}
	obs.ObserveSessionRevoked(reason)
	return nil
}

// touch tolerates a concurrent revocation: the caller already passed the
// liveness checks for this request.
func (m *Manager) touch(ctx context.Context, sessionID string, now time.Time) error {
	err := m.store.UpdateActivity(ctx, sessionID, now)
	if err == nil || errors.Is(err, auth.ErrSessionRevoked) || errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) report(ev audit.Event) {
	if m.reporter == nil {
		return
	}
	ev.OccurredAt = m.now().UTC()
	m.reporter.Report(ev)
}

// newRefreshToken mints an opaque "sessionID.secret" refresh token and the
// hash of its secret. Only the hash is ever stored.
func newRefreshToken(sessionID string) (token, hash string, err error) {
	buf := make([]byte, refreshSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	return sessionID + "." + secret, hashSecret(secret), nil
}

func splitRefreshToken(token string) (sessionID, secret string, err error) {
	token = strings.TrimSpace(token)
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", auth.ErrInvalidToken
	}
	return token[:idx], token[idx+1:], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
