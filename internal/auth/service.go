package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/ids"
	"medrelay.org/internal/obs"
)

// Service owns account registration and password authentication. Tokens are
// issued separately by Issuer; session orchestration lives in the session
// package.
type Service struct {
	store    Store
	reporter *audit.Reporter
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithReporter wires the asynchronous security event reporter.
func WithReporter(r *audit.Reporter) ServiceOption {
	return func(s *Service) { s.reporter = r }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an account with exactly one credential. The email must be
// unused; the initial role is recorded on the account and as an assignment.
func (s *Service) Register(ctx context.Context, email, password, displayName, role string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleUser
	}

	if _, err := s.store.Accounts(ctx).FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, salt, err := HashPassword(password, nil)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	account := &Account{
		ID:          ids.New(),
		Email:       email,
		DisplayName: strings.TrimSpace(displayName),
		Role:        role,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Accounts(ctx).Create(ctx, account); err != nil {
		return nil, err
	}
	cred := &Credential{
		AccountID:        account.ID,
		PasswordHash:     hash,
		PasswordSalt:     salt,
		AlgorithmVersion: CredentialPBKDF2SHA512,
		UpdatedAt:        now,
	}
	if err := s.store.Credentials(ctx).Create(ctx, cred); err != nil {
		return nil, err
	}
	if err := s.store.RoleAssignments(ctx).Upsert(ctx, RoleAssignment{
		AccountID: account.ID,
		RoleName:  role,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	obs.LogEvent(map[string]any{
		"event":      "account.registered",
		"account_id": account.ID,
		"role":       role,
	})
	return account, nil
}

// Authenticate verifies email and password. Legacy unsalted credentials are
// verified against the old scheme and upgraded to the salted scheme in place
// before returning. Password material is never returned or logged.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	account, err := s.store.Accounts(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.reportFailure(email, "unknown_account")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !account.Active {
		s.reportFailure(email, "account_disabled")
		return nil, ErrInvalidCredentials
	}

	cred, err := s.store.Credentials(ctx).FindByAccount(ctx, account.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	switch cred.AlgorithmVersion {
	case CredentialPBKDF2SHA512:
		if !VerifyPassword(password, cred.PasswordHash, cred.PasswordSalt) {
			s.reportFailure(email, "bad_password")
			return nil, ErrInvalidCredentials
		}
	case CredentialLegacySHA256:
		if !verifyLegacyPassword(password, cred.PasswordHash) {
			s.reportFailure(email, "bad_password")
			return nil, ErrInvalidCredentials
		}
		if err := s.upgradeCredential(ctx, cred, password); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported credential algorithm %d", cred.AlgorithmVersion)
	}

	return account, nil
}

// upgradeCredential replaces a legacy unsalted hash with the salted scheme.
// Runs synchronously inside the successful login.
func (s *Service) upgradeCredential(ctx context.Context, cred *Credential, password string) error {
	hash, salt, err := HashPassword(password, nil)
	if err != nil {
		return err
	}
	cred.PasswordHash = hash
	cred.PasswordSalt = salt
	cred.AlgorithmVersion = CredentialPBKDF2SHA512
	cred.UpdatedAt = s.now().UTC()
	if err := s.store.Credentials(ctx).Update(ctx, cred); err != nil {
		return fmt.Errorf("upgrade credential: %w", err)
	}
	obs.LogEvent(map[string]any{
		"event":      "credential.upgraded",
		"account_id": cred.AccountID,
	})
	return nil
}

// ChangePassword requires the current password before storing a new salted
// credential.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	account, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return err
	}
	if _, err := s.Authenticate(ctx, account.Email, current); err != nil {
		return err
	}
	hash, salt, err := HashPassword(next, nil)
	if err != nil {
		return err
	}
	cred := &Credential{
		AccountID:        accountID,
		PasswordHash:     hash,
		PasswordSalt:     salt,
		AlgorithmVersion: CredentialPBKDF2SHA512,
		UpdatedAt:        s.now().UTC(),
	}
	return s.store.Credentials(ctx).Update(ctx, cred)
}

// Account looks up an account by id.
func (s *Service) Account(ctx context.Context, accountID string) (*Account, error) {
	return s.store.Accounts(ctx).Find(ctx, accountID)
}

// SetActive soft-enables or soft-disables an account. Accounts are never
// hard-deleted.
func (s *Service) SetActive(ctx context.Context, accountID string, active bool) error {
	return s.store.Accounts(ctx).SetActive(ctx, accountID, active)
}

// VerifyAccountPassword re-verifies the password for an already identified
// account, e.g. before disabling MFA.
func (s *Service) VerifyAccountPassword(ctx context.Context, accountID, password string) error {
	account, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return err
	}
	_, err = s.Authenticate(ctx, account.Email, password)
	return err
}

func (s *Service) reportFailure(email, reason string) {
	s.reporter.Report(audit.Event{
		Kind: "invalid_credentials",
		Fields: map[string]string{
			"email_domain": emailDomain(email),
			"reason":       reason,
		},
	})
}

// NormalizeEmail lower-cases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// emailDomain keeps alert payloads free of direct identifiers.
func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}
