package mfa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medrelay.org/internal/auth"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Code consumption relies on
// guarded single-row updates so two concurrent consumers cannot both win.
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

func (s *PGStore) UpsertSecret(ctx context.Context, secret *Secret) error {
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_secrets(account_id, encrypted_secret, type, enabled, verified_at, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)
		 on conflict (account_id) do update
		   set encrypted_secret=excluded.encrypted_secret,
		       type=excluded.type,
		       enabled=excluded.enabled,
		       verified_at=excluded.verified_at,
		       updated_at=excluded.updated_at`,
		secret.AccountID, secret.EncryptedSecret, secret.Type, secret.Enabled,
		secret.VerifiedAt, secret.CreatedAt, secret.UpdatedAt,
	)
	return storeErr(err)
}

func (s *PGStore) FindSecret(ctx context.Context, accountID string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx,
		`select account_id, encrypted_secret, type, enabled, verified_at, created_at, updated_at
		 from mfa_secrets where account_id=$1`, accountID)
	var (
		secret     Secret
		verifiedAt sql.NullTime
	)
	err := row.Scan(&secret.AccountID, &secret.EncryptedSecret, &secret.Type,
		&secret.Enabled, &verifiedAt, &secret.CreatedAt, &secret.UpdatedAt)
	if err != nil {
		return nil, storeErr(err)
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		secret.VerifiedAt = &t
	}
	return &secret, nil
}

func (s *PGStore) DeleteSecret(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from mfa_secrets where account_id=$1`, accountID)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) ReplaceBackupCodes(ctx context.Context, accountID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from backup_codes where account_id=$1`, accountID); err != nil {
		return storeErr(err)
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into backup_codes(account_id, code_hash, used) values($1,$2,false)`,
			accountID, hash); err != nil {
			return storeErr(err)
		}
	}
	return storeErr(tx.Commit())
}

func (s *PGStore) ConsumeBackupCode(ctx context.Context, accountID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`update backup_codes set used=true, used_at=now()
		 where account_id=$1 and code_hash=$2 and used=false`,
		accountID, hash)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteBackupCodes(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from backup_codes where account_id=$1`, accountID)
	return storeErr(err)
}

func (s *PGStore) CreateRecoveryCode(ctx context.Context, rc *RecoveryCode) error {
	_, err := s.db.ExecContext(ctx,
		`insert into recovery_codes(id, account_id, code_hash, expires_at, used, created_at)
		 values($1,$2,$3,$4,false,$5)`,
		rc.ID, rc.AccountID, rc.CodeHash, rc.ExpiresAt, rc.CreatedAt,
	)
	return storeErr(err)
}

func (s *PGStore) ConsumeRecoveryCode(ctx context.Context, accountID, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update recovery_codes set used=true, used_at=$3
		 where account_id=$1 and code_hash=$2 and used=false and expires_at>$3`,
		accountID, hash, at)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateTrustedDevice(ctx context.Context, d *TrustedDevice) error {
	_, err := s.db.ExecContext(ctx,
		`insert into trusted_devices(account_id, device_id, fingerprint, created_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		d.AccountID, d.DeviceID, d.Fingerprint, d.CreatedAt, d.ExpiresAt,
	)
	return storeErr(err)
}

func (s *PGStore) FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx,
		`select account_id, device_id, fingerprint, created_at, expires_at, revoked
		 from trusted_devices where account_id=$1 and device_id=$2`,
		accountID, deviceID)
	var d TrustedDevice
	err := row.Scan(&d.AccountID, &d.DeviceID, &d.Fingerprint, &d.CreatedAt, &d.ExpiresAt, &d.Revoked)
	if err != nil {
		return nil, storeErr(err)
	}
	return &d, nil
}

func (s *PGStore) RevokeTrustedDevice(ctx context.Context, accountID, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		`update trusted_devices set revoked=true
		 where account_id=$1 and device_id=$2 and revoked=false`,
		accountID, deviceID)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
