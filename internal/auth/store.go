package auth

import "context"

// Store describes the persistence operations the credential and RBAC
// components require. Implementations must bound every call with the
// caller's context and surface deadline failures as ErrStoreUnavailable.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	Credentials(ctx context.Context) CredentialStore
	RoleAssignments(ctx context.Context) RoleAssignmentStore
	Audit(ctx context.Context) AuditStore
}

// AccountStore manages identity records.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// CredentialStore manages password material, one row per account.
type CredentialStore interface {
	Create(ctx context.Context, c *Credential) error
	FindByAccount(ctx context.Context, accountID string) (*Credential, error)
	Update(ctx context.Context, c *Credential) error
}

// RoleAssignmentStore manages the account to role mapping.
type RoleAssignmentStore interface {
	Upsert(ctx context.Context, a RoleAssignment) error
	Remove(ctx context.Context, accountID, roleName string) error
	ListByAccount(ctx context.Context, accountID string) ([]RoleAssignment, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
