package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Accounts(context context.Context) AccountStore       { return &pgAccounts{db: s.db} }
func (s *PGStore) Credentials(context context.Context) CredentialStore { return &pgCredentials{db: s.db} }
func (s *PGStore) RoleAssignments(context context.Context) RoleAssignmentStore {
	return &pgAssignments{db: s.db}
}
func (s *PGStore) Audit(context context.Context) AuditStore { return &pgAudit{db: s.db} }

// storeErr maps driver errors onto the taxonomy: row absence is ErrNotFound,
// a context deadline is ErrStoreUnavailable so callers never mistake an
// outage for bad credentials.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		return err
	}
}

// Account store ------------------------------------------------------------
type pgAccounts struct{ db *sql.DB }

func (s *pgAccounts) Create(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, display_name, role, active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Email, a.DisplayName, a.Role, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	return storeErr(err)
}

func (s *pgAccounts) Find(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, display_name, role, active, created_at, updated_at from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *pgAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, display_name, role, active, created_at, updated_at from accounts where email=$1`, email)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &a, nil
}

func (s *pgAccounts) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts set active=$2, updated_at=now() where id=$1`, id, active)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Credential store ----------------------------------------------------------
type pgCredentials struct{ db *sql.DB }

func (s *pgCredentials) Create(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`insert into credentials(account_id, password_hash, password_salt, algorithm_version, updated_at)
		 values($1,$2,$3,$4,$5)`,
		c.AccountID, c.PasswordHash, c.PasswordSalt, c.AlgorithmVersion, c.UpdatedAt,
	)
	return storeErr(err)
}

func (s *pgCredentials) FindByAccount(ctx context.Context, accountID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`select account_id, password_hash, password_salt, algorithm_version, updated_at
		 from credentials where account_id=$1`, accountID)
	var c Credential
	if err := row.Scan(&c.AccountID, &c.PasswordHash, &c.PasswordSalt, &c.AlgorithmVersion, &c.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *pgCredentials) Update(ctx context.Context, c *Credential) error {
	res, err := s.db.ExecContext(ctx,
		`update credentials set password_hash=$2, password_salt=$3, algorithm_version=$4, updated_at=$5
		 where account_id=$1`,
		c.AccountID, c.PasswordHash, c.PasswordSalt, c.AlgorithmVersion, c.UpdatedAt,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Role assignment store -----------------------------------------------------
type pgAssignments struct{ db *sql.DB }

func (s *pgAssignments) Upsert(ctx context.Context, a RoleAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`insert into role_assignments(account_id, role_name, expires_at, created_at)
		 values($1,$2,$3,$4)
		 on conflict (account_id, role_name) do update set expires_at=excluded.expires_at`,
		a.AccountID, a.RoleName, a.ExpiresAt, a.CreatedAt,
	)
	return storeErr(err)
}

func (s *pgAssignments) Remove(ctx context.Context, accountID, roleName string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from role_assignments where account_id=$1 and role_name=$2`,
		accountID, roleName,
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAssignments) ListByAccount(ctx context.Context, accountID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`select account_id, role_name, expires_at, created_at from role_assignments where account_id=$1`,
		accountID,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.AccountID, &a.RoleName, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, a)
	}
	return out, storeErr(rows.Err())
}

// Audit store ---------------------------------------------------------------
type pgAudit struct{ db *sql.DB }

func (s *pgAudit) Append(ctx context.Context, entry *AuditEntry) error {
	meta, _ := json.Marshal(entry.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, actor_id, subject_id, action, metadata)
		 values($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.OccurredAt, entry.ActorID, entry.SubjectID, entry.Action, meta,
	)
	return storeErr(err)
}
