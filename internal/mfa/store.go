// Package mfa implements multi-factor authentication: TOTP enrollment and
// verification, single-use backup and recovery codes, and time-boxed trusted
// devices. Shared secrets are stored only under authenticated encryption;
// backup and recovery codes are stored only as hashes.
package mfa

import (
	"context"
	"time"
)

// Secret is an account's TOTP enrollment. EncryptedSecret is the sealed
// shared secret; Enabled flips only after the first successful verification.
type Secret struct {
	AccountID       string
	EncryptedSecret []byte
	Type            string
	Enabled         bool
	VerifiedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TypeTOTP is the only secret type currently issued.
const TypeTOTP = "totp"

// RecoveryCode is a one-shot, time-boxed code for regaining access when
// both the authenticator and the backup codes are gone.
type RecoveryCode struct {
	ID        string
	AccountID string
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TrustedDevice substitutes for an MFA challenge within its validity window.
type TrustedDevice struct {
	AccountID   string
	DeviceID    string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Store describes MFA persistence. Code consumption is an atomic
// check-and-mark: two concurrent callers must never both consume the same
// code. Absence is auth.ErrNotFound; context deadlines surface as
// auth.ErrStoreUnavailable.
type Store interface {
	UpsertSecret(ctx context.Context, s *Secret) error
	FindSecret(ctx context.Context, accountID string) (*Secret, error)
	DeleteSecret(ctx context.Context, accountID string) error

	// ReplaceBackupCodes atomically swaps the account's backup code set.
	ReplaceBackupCodes(ctx context.Context, accountID string, hashes []string) error
	// ConsumeBackupCode marks one unused code used. auth.ErrNotFound when
	// the hash does not match an unused code.
	ConsumeBackupCode(ctx context.Context, accountID, hash string) error
	DeleteBackupCodes(ctx context.Context, accountID string) error

	CreateRecoveryCode(ctx context.Context, rc *RecoveryCode) error
	// ConsumeRecoveryCode marks an unused, unexpired code used.
	// auth.ErrNotFound when no such code exists.
	ConsumeRecoveryCode(ctx context.Context, accountID, hash string, at time.Time) error

	CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error
	FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*TrustedDevice, error)
	RevokeTrustedDevice(ctx context.Context, accountID, deviceID string) error
}
