package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/auth"
	"medrelay.org/internal/fingerprint"
	"medrelay.org/internal/ids"
	"medrelay.org/internal/obs"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 5 // two base32 groups of five characters each

	defaultRecoveryTTL      = 30 * time.Minute
	defaultTrustedDeviceTTL = 30 * 24 * time.Hour
	defaultTotpIssuer       = "MedRelay"
)

// MethodTOTP and MethodBackupCode identify which second factor satisfied a
// verification.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// PasswordVerifier re-checks an account's password, typically
// auth.Service.VerifyAccountPassword.
type PasswordVerifier func(ctx context.Context, accountID, password string) error

// AccountEmail resolves an account's registered email address.
type AccountEmail func(ctx context.Context, accountID string) (string, error)

// Deliverer hands a recovery code to an out-of-band channel (email). The
// engine never logs or returns the code itself.
type Deliverer func(ctx context.Context, email, code string, expiresAt time.Time) error

// Enrollment is the result of starting TOTP setup.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

// Engine implements the MFA workflows on top of a Store and a Cipher.
type Engine struct {
	store     Store
	cipher    *Cipher
	passwords PasswordVerifier
	emails    AccountEmail
	deliver   Deliverer
	reporter  *audit.Reporter
	now       func() time.Time

	totpIssuer       string
	recoveryTTL      time.Duration
	trustedDeviceTTL time.Duration
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithDeliverer sets the out-of-band recovery code channel.
func WithDeliverer(fn Deliverer) EngineOption {
	return func(e *Engine) { e.deliver = fn }
}

// WithEngineReporter attaches a security event reporter.
func WithEngineReporter(r *audit.Reporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

// WithEngineClock overrides the time source (useful for tests).
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithTotpIssuer sets the issuer label in provisioning URIs.
func WithTotpIssuer(name string) EngineOption {
	return func(e *Engine) {
		if v := strings.TrimSpace(name); v != "" {
			e.totpIssuer = v
		}
	}
}

// WithRecoveryTTL sets the recovery code validity window.
func WithRecoveryTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.recoveryTTL = d
		}
	}
}

// WithTrustedDeviceTTL sets how long a trusted device bypasses MFA.
func WithTrustedDeviceTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.trustedDeviceTTL = d
		}
	}
}

// NewEngine constructs an Engine. The cipher key is fixed for the process
// lifetime; passwords and emails are required collaborators.
func NewEngine(store Store, cipher *Cipher, passwords PasswordVerifier, emails AccountEmail, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", auth.ErrInvalidInput)
	}
	if cipher == nil {
		return nil, fmt.Errorf("%w: cipher is required", auth.ErrInvalidInput)
	}
	if passwords == nil {
		return nil, fmt.Errorf("%w: password verifier is required", auth.ErrInvalidInput)
	}
	if emails == nil {
		return nil, fmt.Errorf("%w: account email lookup is required", auth.ErrInvalidInput)
	}
	e := &Engine{
		store:            store,
		cipher:           cipher,
		passwords:        passwords,
		emails:           emails,
		now:              time.Now,
		totpIssuer:       defaultTotpIssuer,
		recoveryTTL:      defaultRecoveryTTL,
		trustedDeviceTTL: defaultTrustedDeviceTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// GenerateTotpSecret mints a fresh shared secret, stores it sealed with
// enabled=false and returns the secret plus its provisioning URI for QR
// display. Re-running setup replaces any previous, not-yet-enabled secret;
// once MFA is enabled the secret is immutable until Disable, which requires
// the password.
func (e *Engine) GenerateTotpSecret(ctx context.Context, accountID string) (*Enrollment, error) {
	existing, err := e.store.FindSecret(ctx, accountID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, fmt.Errorf("%w: mfa is already enabled", auth.ErrAlreadyExists)
	}

	email, err := e.emails(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.totpIssuer,
		AccountName: email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	sealed, err := e.cipher.Seal([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if err := e.store.UpsertSecret(ctx, &Secret{
		AccountID:       accountID,
		EncryptedSecret: sealed,
		Type:            TypeTOTP,
		Enabled:         false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// VerifyAndEnable confirms the authenticator is provisioned by checking one
// code with one time-step of clock skew, then enables MFA and returns the
// freshly generated backup codes. The codes are shown once; only hashes are
// stored.
func (e *Engine) VerifyAndEnable(ctx context.Context, accountID, code string) ([]string, error) {
	secret, err := e.store.FindSecret(ctx, accountID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrMfaNotEnabled
		}
		return nil, err
	}
	ok, err := e.validateTotp(code, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		obs.ObserveMFAVerification(MethodTOTP, "rejected")
		return nil, auth.ErrInvalidMfaCode
	}

	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	secret.Enabled = true
	secret.VerifiedAt = &now
	secret.UpdatedAt = now
	if err := e.store.UpsertSecret(ctx, secret); err != nil {
		return nil, err
	}
	obs.ObserveMFAVerification(MethodTOTP, "enabled")
	return codes, nil
}

// Enabled reports whether the account has an active second factor.
func (e *Engine) Enabled(ctx context.Context, accountID string) (bool, error) {
	secret, err := e.store.FindSecret(ctx, accountID)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return secret.Enabled, nil
}

// Verify checks a second factor. A backup code is tried first and consumed
// atomically on match; otherwise the input is verified as a TOTP code with
// clock-skew tolerance. Exactly one path runs to completion per call.
func (e *Engine) Verify(ctx context.Context, accountID, code string) (string, error) {
	secret, err := e.store.FindSecret(ctx, accountID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return "", auth.ErrMfaNotEnabled
		}
		return "", err
	}
	if !secret.Enabled {
		return "", auth.ErrMfaNotEnabled
	}

	consumeErr := e.store.ConsumeBackupCode(ctx, accountID, hashCode(normalizeCode(code)))
	if consumeErr == nil {
		obs.ObserveMFAVerification(MethodBackupCode, "ok")
		e.report(audit.Event{
			Kind:      "mfa.backup_code_consumed",
			AccountID: accountID,
		})
		return MethodBackupCode, nil
	}
	if !errors.Is(consumeErr, auth.ErrNotFound) {
		return "", consumeErr
	}

	ok, err := e.validateTotp(code, secret)
	if err != nil {
		return "", err
	}
	if !ok {
		obs.ObserveMFAVerification(MethodTOTP, "rejected")
		return "", auth.ErrInvalidMfaCode
	}
	obs.ObserveMFAVerification(MethodTOTP, "ok")
	return MethodTOTP, nil
}

// Disable clears the secret and backup codes after re-verifying the
// account's password.
func (e *Engine) Disable(ctx context.Context, accountID, password string) error {
	if err := e.passwords(ctx, accountID, password); err != nil {
		return err
	}
	if err := e.store.DeleteBackupCodes(ctx, accountID); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	if err := e.store.DeleteSecret(ctx, accountID); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return err
	}
	e.report(audit.Event{Kind: "mfa.disabled", AccountID: accountID})
	return nil
}

// GenerateRecoveryCode issues a single-use, time-boxed code delivered
// out-of-band. The supplied email must match the account's registered one.
func (e *Engine) GenerateRecoveryCode(ctx context.Context, accountID, email string) (time.Time, error) {
	registered, err := e.emails(ctx, accountID)
	if err != nil {
		return time.Time{}, err
	}
	if auth.NormalizeEmail(email) != auth.NormalizeEmail(registered) {
		return time.Time{}, auth.ErrInvalidCredentials
	}

	code, err := randomCode(16)
	if err != nil {
		return time.Time{}, err
	}
	now := e.now().UTC()
	expiresAt := now.Add(e.recoveryTTL)
	if err := e.store.CreateRecoveryCode(ctx, &RecoveryCode{
		ID:        ids.New(),
		AccountID: accountID,
		CodeHash:  hashCode(normalizeCode(code)),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return time.Time{}, err
	}
	if e.deliver != nil {
		if err := e.deliver(ctx, registered, code, expiresAt); err != nil {
			return time.Time{}, fmt.Errorf("deliver recovery code: %w", err)
		}
	}
	e.report(audit.Event{Kind: "mfa.recovery_code_issued", AccountID: accountID})
	return expiresAt, nil
}

// RecoverAccess consumes a recovery code and reissues a fresh backup code
// set. MFA stays enabled; only the recovery state resets.
func (e *Engine) RecoverAccess(ctx context.Context, accountID, code string) ([]string, error) {
	now := e.now().UTC()
	err := e.store.ConsumeRecoveryCode(ctx, accountID, hashCode(normalizeCode(code)), now)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrRecoveryCode
		}
		return nil, err
	}

	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}
	e.report(audit.Event{Kind: "mfa.access_recovered", AccountID: accountID})
	return codes, nil
}

// RegisterTrustedDevice records the client's fingerprint as trusted for the
// configured window, returning the device id the client presents at login.
func (e *Engine) RegisterTrustedDevice(ctx context.Context, accountID string, client fingerprint.ClientContext) (string, time.Time, error) {
	now := e.now().UTC()
	device := &TrustedDevice{
		AccountID:   accountID,
		DeviceID:    ids.New(),
		Fingerprint: fingerprint.Derive(client),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.trustedDeviceTTL),
	}
	if err := e.store.CreateTrustedDevice(ctx, device); err != nil {
		return "", time.Time{}, err
	}
	return device.DeviceID, device.ExpiresAt, nil
}

// VerifyTrustedDevice reports whether the device may substitute for an MFA
// challenge: known, not revoked, not expired, and presented from a client
// whose fingerprint still matches.
func (e *Engine) VerifyTrustedDevice(ctx context.Context, accountID, deviceID string, client fingerprint.ClientContext) (bool, error) {
	device, err := e.store.FindTrustedDevice(ctx, accountID, deviceID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := e.now().UTC()
	if device.Revoked || !now.Before(device.ExpiresAt) {
		return false, nil
	}
	if device.Fingerprint != fingerprint.Derive(client) {
		e.report(audit.Event{
			Kind:      "mfa.trusted_device_mismatch",
			AccountID: accountID,
			Fields:    map[string]string{"device_id": deviceID},
		})
		return false, nil
	}
	return true, nil
}

// RevokeTrustedDevice withdraws device trust. Revoking an unknown device
// succeeds.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, accountID, deviceID string) error {
	err := e.store.RevokeTrustedDevice(ctx, accountID, deviceID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) validateTotp(code string, secret *Secret) (bool, error) {
	plaintext, err := e.cipher.Open(secret.EncryptedSecret)
	if err != nil {
		return false, err
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), string(plaintext), e.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (e *Engine) report(ev audit.Event) {
	if e.reporter == nil {
		return
	}
	ev.OccurredAt = e.now().UTC()
	e.reporter.Report(ev)
}

// newBackupCodes mints the fixed-count backup code set, returning the codes
// for one-time display and their hashes for storage.
func newBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		left, err := randomCode(backupCodeBytes)
		if err != nil {
			return nil, nil, err
		}
		right, err := randomCode(backupCodeBytes)
		if err != nil {
			return nil, nil, err
		}
		code := left + "-" + right
		codes = append(codes, code)
		hashes = append(hashes, hashCode(normalizeCode(code)))
	}
	return codes, hashes, nil
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
