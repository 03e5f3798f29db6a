package mfa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"medrelay.org/internal/auth"
	"medrelay.org/internal/fingerprint"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func acceptPassword(ctx context.Context, accountID, password string) error {
	if password == "Secret123!" {
		return nil
	}
	return auth.ErrInvalidCredentials
}

func emailFor(ctx context.Context, accountID string) (string, error) {
	if accountID == "acc-1" {
		return "p1@x.com", nil
	}
	return "", auth.ErrNotFound
}

func newTestEngine(t *testing.T, clock *testClock, opts ...EngineOption) (*Engine, *MemStore) {
	t.Helper()
	cipher, err := NewCipher(testKey(7))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := NewMemStore()
	opts = append([]EngineOption{WithEngineClock(clock.Now)}, opts...)
	engine, err := NewEngine(store, cipher, acceptPassword, emailFor, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store
}

func enroll(t *testing.T, engine *Engine, clock *testClock) (*Enrollment, []string) {
	t.Helper()
	ctx := context.Background()
	enrollment, err := engine.GenerateTotpSecret(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GenerateTotpSecret: %v", err)
	}
	code, err := totp.GenerateCode(enrollment.Secret, clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	backupCodes, err := engine.VerifyAndEnable(ctx, "acc-1", code)
	if err != nil {
		t.Fatalf("VerifyAndEnable: %v", err)
	}
	return enrollment, backupCodes
}

func TestEnableFlow(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, store := newTestEngine(t, clock)

	enrollment, backupCodes := enroll(t, engine, clock)
	if enrollment.Secret == "" {
		t.Fatal("enrollment must include the secret for QR display")
	}
	if !strings.Contains(enrollment.ProvisioningURI, "MedRelay") {
		t.Fatalf("provisioning URI missing issuer: %s", enrollment.ProvisioningURI)
	}
	if len(backupCodes) != backupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", backupCodeCount, len(backupCodes))
	}

	secret, err := store.FindSecret(ctx, "acc-1")
	if err != nil {
		t.Fatalf("FindSecret: %v", err)
	}
	if !secret.Enabled || secret.VerifiedAt == nil {
		t.Fatalf("secret not enabled after verification: %+v", secret)
	}
	if strings.Contains(string(secret.EncryptedSecret), enrollment.Secret) {
		t.Fatal("stored secret must be encrypted")
	}

	enabled, err := engine.Enabled(ctx, "acc-1")
	if err != nil || !enabled {
		t.Fatalf("Enabled: %v %v", enabled, err)
	}
}

func TestSetupRejectedWhileEnabled(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, store := newTestEngine(t, clock)
	enrollment, _ := enroll(t, engine, clock)

	// A bearer session alone must not be able to rotate or tear down an
	// enabled authenticator; that is Disable's contract and needs the password.
	if _, err := engine.GenerateTotpSecret(ctx, "acc-1"); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	secret, err := store.FindSecret(ctx, "acc-1")
	if err != nil {
		t.Fatalf("FindSecret: %v", err)
	}
	if !secret.Enabled {
		t.Fatal("rejected setup must leave mfa enabled")
	}
	code, err := totp.GenerateCode(enrollment.Secret, clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := engine.Verify(ctx, "acc-1", code); err != nil {
		t.Fatalf("original secret must keep verifying: %v", err)
	}

	// After a password-checked disable, enrollment opens up again.
	if err := engine.Disable(ctx, "acc-1", "Secret123!"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, err := engine.GenerateTotpSecret(ctx, "acc-1"); err != nil {
		t.Fatalf("setup after disable: %v", err)
	}
}

func TestVerifyAndEnableRejectsStaleCode(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)

	enrollment, err := engine.GenerateTotpSecret(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GenerateTotpSecret: %v", err)
	}
	// Three time steps old: outside the one-step skew window.
	stale, err := totp.GenerateCode(enrollment.Secret, clock.Now().Add(-90*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := engine.VerifyAndEnable(ctx, "acc-1", stale); !errors.Is(err, auth.ErrInvalidMfaCode) {
		t.Fatalf("expected ErrInvalidMfaCode, got %v", err)
	}
}

func TestVerifyAcceptsSkewedCode(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)
	enrollment, _ := enroll(t, engine, clock)

	// One step behind is inside the skew window.
	behind, err := totp.GenerateCode(enrollment.Secret, clock.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	method, err := engine.Verify(ctx, "acc-1", behind)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if method != MethodTOTP {
		t.Fatalf("unexpected method: %s", method)
	}
}

func TestBackupCodeConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)
	_, backupCodes := enroll(t, engine, clock)

	method, err := engine.Verify(ctx, "acc-1", backupCodes[0])
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if method != MethodBackupCode {
		t.Fatalf("unexpected method: %s", method)
	}

	if _, err := engine.Verify(ctx, "acc-1", backupCodes[0]); !errors.Is(err, auth.ErrInvalidMfaCode) {
		t.Fatalf("second use must fail, got %v", err)
	}

	// Other codes remain usable.
	if _, err := engine.Verify(ctx, "acc-1", backupCodes[1]); err != nil {
		t.Fatalf("unused code rejected: %v", err)
	}
}

func TestVerifyRequiresEnabledSecret(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)

	if _, err := engine.Verify(ctx, "acc-1", "123456"); !errors.Is(err, auth.ErrMfaNotEnabled) {
		t.Fatalf("expected ErrMfaNotEnabled without a secret, got %v", err)
	}

	if _, err := engine.GenerateTotpSecret(ctx, "acc-1"); err != nil {
		t.Fatalf("GenerateTotpSecret: %v", err)
	}
	if _, err := engine.Verify(ctx, "acc-1", "123456"); !errors.Is(err, auth.ErrMfaNotEnabled) {
		t.Fatalf("expected ErrMfaNotEnabled before verification, got %v", err)
	}
}

func TestDisableRequiresPassword(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)
	enroll(t, engine, clock)

	if err := engine.Disable(ctx, "acc-1", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if enabled, _ := engine.Enabled(ctx, "acc-1"); !enabled {
		t.Fatal("failed disable must leave MFA enabled")
	}

	if err := engine.Disable(ctx, "acc-1", "Secret123!"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if enabled, _ := engine.Enabled(ctx, "acc-1"); enabled {
		t.Fatal("MFA should be disabled")
	}
}

func TestRecoveryCodeLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}

	var delivered string
	deliver := func(ctx context.Context, email, code string, expiresAt time.Time) error {
		delivered = code
		return nil
	}
	engine, _ := newTestEngine(t, clock, WithDeliverer(deliver))
	enroll(t, engine, clock)

	if _, err := engine.GenerateRecoveryCode(ctx, "acc-1", "impostor@x.com"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for mismatched email, got %v", err)
	}

	expiresAt, err := engine.GenerateRecoveryCode(ctx, "acc-1", "P1@X.com")
	if err != nil {
		t.Fatalf("GenerateRecoveryCode: %v", err)
	}
	if delivered == "" {
		t.Fatal("recovery code must be handed to the deliverer")
	}
	if !expiresAt.Equal(clock.Now().Add(defaultRecoveryTTL)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	freshCodes, err := engine.RecoverAccess(ctx, "acc-1", delivered)
	if err != nil {
		t.Fatalf("RecoverAccess: %v", err)
	}
	if len(freshCodes) != backupCodeCount {
		t.Fatalf("expected a fresh backup code set, got %d codes", len(freshCodes))
	}
	if enabled, _ := engine.Enabled(ctx, "acc-1"); !enabled {
		t.Fatal("recovery must not disable MFA")
	}

	if _, err := engine.RecoverAccess(ctx, "acc-1", delivered); !errors.Is(err, auth.ErrRecoveryCode) {
		t.Fatalf("second use must fail, got %v", err)
	}
}

func TestRecoveryCodeExpires(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}

	var delivered string
	deliver := func(ctx context.Context, email, code string, expiresAt time.Time) error {
		delivered = code
		return nil
	}
	engine, _ := newTestEngine(t, clock, WithDeliverer(deliver))
	enroll(t, engine, clock)

	if _, err := engine.GenerateRecoveryCode(ctx, "acc-1", "p1@x.com"); err != nil {
		t.Fatalf("GenerateRecoveryCode: %v", err)
	}

	clock.Advance(defaultRecoveryTTL + time.Minute)
	if _, err := engine.RecoverAccess(ctx, "acc-1", delivered); !errors.Is(err, auth.ErrRecoveryCode) {
		t.Fatalf("expected ErrRecoveryCode for expired code, got %v", err)
	}
}

func TestTrustedDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)

	client := fingerprint.ClientContext{
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		Platform:     "Linux",
		TimezoneHint: "America/Chicago",
	}
	deviceID, expiresAt, err := engine.RegisterTrustedDevice(ctx, "acc-1", client)
	if err != nil {
		t.Fatalf("RegisterTrustedDevice: %v", err)
	}
	if !expiresAt.Equal(clock.Now().Add(defaultTrustedDeviceTTL)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	ok, err := engine.VerifyTrustedDevice(ctx, "acc-1", deviceID, client)
	if err != nil || !ok {
		t.Fatalf("trusted device should verify (ok=%v err=%v)", ok, err)
	}

	stranger := client
	stranger.UserAgent = "curl/8.5.0"
	ok, err = engine.VerifyTrustedDevice(ctx, "acc-1", deviceID, stranger)
	if err != nil || ok {
		t.Fatalf("fingerprint change must fail verification (ok=%v err=%v)", ok, err)
	}

	ok, err = engine.VerifyTrustedDevice(ctx, "acc-1", "no-such-device", client)
	if err != nil || ok {
		t.Fatalf("unknown device must not verify (ok=%v err=%v)", ok, err)
	}

	if err := engine.RevokeTrustedDevice(ctx, "acc-1", deviceID); err != nil {
		t.Fatalf("RevokeTrustedDevice: %v", err)
	}
	ok, _ = engine.VerifyTrustedDevice(ctx, "acc-1", deviceID, client)
	if ok {
		t.Fatal("revoked device must not verify")
	}
	if err := engine.RevokeTrustedDevice(ctx, "acc-1", "no-such-device"); err != nil {
		t.Fatalf("revoking an unknown device should succeed: %v", err)
	}
}

func TestTrustedDeviceExpires(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	engine, _ := newTestEngine(t, clock)

	client := fingerprint.ClientContext{UserAgent: "Mozilla/5.0", Platform: "Linux"}
	deviceID, _, err := engine.RegisterTrustedDevice(ctx, "acc-1", client)
	if err != nil {
		t.Fatalf("RegisterTrustedDevice: %v", err)
	}

	clock.Advance(defaultTrustedDeviceTTL)
	ok, err := engine.VerifyTrustedDevice(ctx, "acc-1", deviceID, client)
	if err != nil || ok {
		t.Fatalf("expired device must not verify (ok=%v err=%v)", ok, err)
	}
}
