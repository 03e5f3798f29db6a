package auth

import "time"

// Account is the identity record. Accounts are soft-disabled via Active;
// they are never hard-deleted.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	Role        string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential algorithm versions. Legacy credentials are upgraded in place on
// the first successful login.
const (
	CredentialLegacySHA256 = 1
	CredentialPBKDF2SHA512 = 2
)

// Credential stores the password material for exactly one account.
type Credential struct {
	AccountID        string
	PasswordHash     string
	PasswordSalt     string
	AlgorithmVersion int
	UpdatedAt        time.Time
}

// RoleAssignment grants a role to an account, optionally until ExpiresAt.
// Expired assignments are excluded from authorization queries but kept for
// audit.
type RoleAssignment struct {
	AccountID string
	RoleName  string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// AuditEntry is one record in the append-only audit log. The log is never
// consulted for authorization decisions.
type AuditEntry struct {
	ID         string
	OccurredAt time.Time
	ActorID    string
	SubjectID  string
	Action     string
	Metadata   map[string]string
}
