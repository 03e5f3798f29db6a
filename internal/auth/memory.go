package auth

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store used by tests and single-node development
// setups. All mutations are guarded by a single mutex, which also gives the
// same conditional-update semantics as the SQL stores.
type MemStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	byEmail     map[string]string
	credentials map[string]*Credential
	assignments map[string]map[string]RoleAssignment
	audit       []*AuditEntry
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts:    make(map[string]*Account),
		byEmail:     make(map[string]string),
		credentials: make(map[string]*Credential),
		assignments: make(map[string]map[string]RoleAssignment),
	}
}

func (s *MemStore) Accounts(ctx context.Context) AccountStore        { return (*memAccounts)(s) }
func (s *MemStore) Credentials(ctx context.Context) CredentialStore  { return (*memCredentials)(s) }
func (s *MemStore) RoleAssignments(ctx context.Context) RoleAssignmentStore {
	return (*memAssignments)(s)
}
func (s *MemStore) Audit(ctx context.Context) AuditStore { return (*memAudit)(s) }

// AuditEntries returns a copy of the appended audit log for assertions.
func (s *MemStore) AuditEntries() []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

type memAccounts MemStore

func (s *memAccounts) Create(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[a.Email]; ok {
		return ErrAlreadyExists
	}
	clone := *a
	s.accounts[a.ID] = &clone
	s.byEmail[a.Email] = a.ID
	return nil
}

func (s *memAccounts) Find(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *memAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.accounts[id]
	return &clone, nil
}

func (s *memAccounts) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = time.Now().UTC()
	return nil
}

type memCredentials MemStore

func (s *memCredentials) Create(ctx context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.AccountID]; ok {
		return ErrAlreadyExists
	}
	clone := *c
	s.credentials[c.AccountID] = &clone
	return nil
}

func (s *memCredentials) FindByAccount(ctx context.Context, accountID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *memCredentials) Update(ctx context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.AccountID]; !ok {
		return ErrNotFound
	}
	clone := *c
	s.credentials[c.AccountID] = &clone
	return nil
}

type memAssignments MemStore

func (s *memAssignments) Upsert(ctx context.Context, a RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole, ok := s.assignments[a.AccountID]
	if !ok {
		byRole = make(map[string]RoleAssignment)
		s.assignments[a.AccountID] = byRole
	}
	byRole[a.RoleName] = a
	return nil
}

func (s *memAssignments) Remove(ctx context.Context, accountID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole, ok := s.assignments[accountID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byRole[roleName]; !ok {
		return ErrNotFound
	}
	delete(byRole, roleName)
	return nil
}

func (s *memAssignments) ListByAccount(ctx context.Context, accountID string) ([]RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRole := s.assignments[accountID]
	out := make([]RoleAssignment, 0, len(byRole))
	for _, a := range byRole {
		out = append(out, a)
	}
	return out, nil
}

type memAudit MemStore

func (s *memAudit) Append(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.audit = append(s.audit, &clone)
	return nil
}
