package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/auth"
	"medrelay.org/internal/fingerprint"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testAccount() *auth.Account {
	return &auth.Account{ID: "acc-1", Email: "p1@x.com", Role: auth.RoleUser, Active: true}
}

func testClient() fingerprint.ClientContext {
	return fingerprint.ClientContext{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       "Linux",
		TimezoneHint:   "America/Chicago",
	}
}

func newTestManager(t *testing.T, clock *testClock, opts ...ManagerOption) (*Manager, *MemStore) {
	t.Helper()
	issuer, err := auth.NewIssuer(
		auth.WithHS256Secret("session-test-secret"),
		auth.WithIssuerClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	store := NewMemStore()
	opts = append([]ManagerOption{WithManagerClock(clock.Now)}, opts...)
	mgr, err := NewManager(store, issuer, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, store
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, store := newTestManager(t, clock)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if grant.Token == "" || grant.RefreshToken == "" || grant.SessionID == "" {
		t.Fatalf("incomplete grant: %+v", grant)
	}
	if grant.ExpiresIn != int64(defaultAccessTTL.Seconds()) {
		t.Fatalf("unexpected expires_in: %d", grant.ExpiresIn)
	}

	sess, err := store.Find(ctx, grant.SessionID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if sess.RefreshTokenHash == "" {
		t.Fatal("refresh token hash must be stored")
	}
	if strings.Contains(grant.RefreshToken, sess.RefreshTokenHash) {
		t.Fatal("raw refresh token must never be stored")
	}

	clock.Advance(5 * time.Minute)
	claims, err := mgr.Validate(ctx, grant.Token, testClient())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "acc-1" || claims.SessionID != grant.SessionID {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	sess, _ = store.Find(ctx, grant.SessionID)
	if !sess.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("validation must advance activity, got %v", sess.LastActivityAt)
	}
}

func TestInactivityRevokesOnFirstContact(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, _ := newTestManager(t, clock,
		WithAccessTTL(4*time.Hour),
		WithInactivityTimeout(30*time.Minute),
	)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(29 * time.Minute)
	if _, err := mgr.Validate(ctx, grant.Token, testClient()); err != nil {
		t.Fatalf("session should still be live just under the timeout: %v", err)
	}

	clock.Advance(31 * time.Minute)
	if _, err := mgr.Validate(ctx, grant.Token, testClient()); !errors.Is(err, auth.ErrInactivityTimeout) {
		t.Fatalf("expected ErrInactivityTimeout, got %v", err)
	}
	if _, err := mgr.Validate(ctx, grant.Token, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked on subsequent use, got %v", err)
	}
}

func TestSessionExpiryIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, store := newTestManager(t, clock,
		WithAccessTTL(4*time.Hour),
		WithSessionTTL(time.Hour),
		WithInactivityTimeout(4*time.Hour),
	)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(61 * time.Minute)
	if _, err := mgr.Validate(ctx, grant.Token, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked past session expiry, got %v", err)
	}
	sess, _ := store.Find(ctx, grant.SessionID)
	if !sess.Revoked {
		t.Fatal("expired session must be revoked on contact")
	}
}

func TestRefreshIssuesNewToken(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, _ := newTestManager(t, clock,
		WithRoleSource(func(ctx context.Context, accountID string) (string, error) {
			return auth.RoleUser, nil
		}),
	)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(10 * time.Minute)
	refreshed, err := mgr.Refresh(ctx, grant.RefreshToken, testClient())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Token == "" || refreshed.SessionID != grant.SessionID {
		t.Fatalf("unexpected refresh grant: %+v", refreshed)
	}

	claims, err := mgr.Validate(ctx, refreshed.Token, testClient())
	if err != nil {
		t.Fatalf("Validate refreshed token: %v", err)
	}
	if claims.Role != auth.RoleUser {
		t.Fatalf("refreshed token should carry the role, got %q", claims.Role)
	}

	// A tampered secret fails without leaking which part was wrong.
	if _, err := mgr.Refresh(ctx, grant.SessionID+".bogus-secret", testClient()); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	if err := mgr.Revoke(ctx, grant.SessionID, "manual"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := mgr.Refresh(ctx, grant.RefreshToken, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked after revoke, got %v", err)
	}
}

func TestFingerprintMismatchFailsClosed(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}

	events := make(chan audit.Event, 8)
	reporter := audit.NewReporter(func(ev audit.Event) { events <- ev })
	defer reporter.Close()

	mgr, store := newTestManager(t, clock, WithManagerReporter(reporter))

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stranger := testClient()
	stranger.UserAgent = "Mozilla/5.0 (Windows NT 10.0) Chrome/126.0"
	stranger.Platform = "Win32"

	if _, err := mgr.Validate(ctx, grant.Token, stranger); !errors.Is(err, auth.ErrSecurityValidation) {
		t.Fatalf("expected ErrSecurityValidation, got %v", err)
	}
	sess, _ := store.Find(ctx, grant.SessionID)
	if !sess.Revoked {
		t.Fatal("fingerprint mismatch must revoke the session")
	}

	// The legitimate device is locked out too; the session is gone.
	if _, err := mgr.Validate(ctx, grant.Token, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != "session.fingerprint_mismatch" {
			t.Fatalf("unexpected event kind: %s", ev.Kind)
		}
		if ev.AccountID != "acc-1" || ev.SessionID != grant.SessionID {
			t.Fatalf("event missing identifiers: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a security event for the mismatch")
	}
}

func TestRefreshFingerprintMismatchFailsClosed(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, _ := newTestManager(t, clock)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stranger := testClient()
	stranger.TimezoneHint = "Asia/Tokyo"
	stranger.UserAgent = "curl/8.5.0"

	if _, err := mgr.Refresh(ctx, grant.RefreshToken, stranger); !errors.Is(err, auth.ErrSecurityValidation) {
		t.Fatalf("expected ErrSecurityValidation, got %v", err)
	}
	if _, err := mgr.Refresh(ctx, grant.RefreshToken, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked after fail-closed revoke, got %v", err)
	}
}

func TestSessionCapEvictsLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	events := make(chan audit.Event, 8)
	reporter := audit.NewReporter(func(ev audit.Event) { events <- ev })
	defer reporter.Close()

	mgr, _ := newTestManager(t, clock,
		WithMaxSessions(2),
		WithAccessTTL(4*time.Hour),
		WithManagerReporter(reporter),
	)

	first, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	clock.Advance(time.Minute)
	third, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create third: %v", err)
	}

	active, err := mgr.Active(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}

	if _, err := mgr.Validate(ctx, first.Token, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("oldest session should be evicted, got %v", err)
	}
	if _, err := mgr.Validate(ctx, second.Token, testClient()); err != nil {
		t.Fatalf("second session should survive: %v", err)
	}
	if _, err := mgr.Validate(ctx, third.Token, testClient()); err != nil {
		t.Fatalf("third session should survive: %v", err)
	}

	// The cap is informational: eviction emits a security event, the create
	// itself succeeds.
	select {
	case ev := <-events:
		if ev.Kind != "session.limit_exceeded" {
			t.Fatalf("unexpected event kind: %s", ev.Kind)
		}
		if ev.AccountID != "acc-1" || ev.Fields["evicted"] != "1" {
			t.Fatalf("unexpected event payload: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a security event for the eviction")
	}
}

func TestRevokeAllSparesCurrentSession(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, _ := newTestManager(t, clock)

	var grants []*Grant
	for i := 0; i < 3; i++ {
		g, err := mgr.Create(ctx, testAccount(), testClient())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		grants = append(grants, g)
		clock.Advance(time.Second)
	}

	n, err := mgr.RevokeAll(ctx, "acc-1", grants[2].SessionID, "password_change")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revocations, got %d", n)
	}
	if _, err := mgr.Validate(ctx, grants[0].Token, testClient()); !errors.Is(err, auth.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	if _, err := mgr.Validate(ctx, grants[2].Token, testClient()); err != nil {
		t.Fatalf("spared session should validate: %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, _ := newTestManager(t, clock)

	grant, err := mgr.Create(ctx, testAccount(), testClient())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Revoke(ctx, grant.SessionID, "manual"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := mgr.Revoke(ctx, grant.SessionID, "manual"); err != nil {
		t.Fatalf("second Revoke should be a no-op: %v", err)
	}
	if err := mgr.Revoke(ctx, "no-such-session", "manual"); err != nil {
		t.Fatalf("revoking an unknown session should succeed: %v", err)
	}
}

func TestRefreshTokenFormat(t *testing.T) {
	token, hash, err := newRefreshToken("sess-123")
	if err != nil {
		t.Fatalf("newRefreshToken: %v", err)
	}
	id, secret, err := splitRefreshToken(token)
	if err != nil {
		t.Fatalf("splitRefreshToken: %v", err)
	}
	if id != "sess-123" {
		t.Fatalf("unexpected session id: %s", id)
	}
	if !secureCompareHash(hashSecret(secret), hash) {
		t.Fatal("hash of the split secret must match the stored hash")
	}
	if _, _, err := splitRefreshToken("no-separator"); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, _, err := splitRefreshToken(".only-secret"); err == nil {
		t.Fatal("expected error for missing session id")
	}
}
