package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/ids"
)

// RoleDef declares one role in the static graph: its precedence level, the
// roles it inherits from, and the permissions granted directly to it.
type RoleDef struct {
	Name        string
	Level       int
	Inherits    []string
	Permissions []string
}

// RoleGraph is the compiled role hierarchy. Inheritance is resolved
// transitively at construction; the per-role permission sets are memoized.
type RoleGraph struct {
	defs     map[string]RoleDef
	resolved map[string]map[string]struct{}
}

// NewRoleGraph compiles role definitions into a graph. It fails when a role
// inherits from an unknown role or when the inheritance relation contains a
// cycle.
func NewRoleGraph(defs []RoleDef) (*RoleGraph, error) {
	g := &RoleGraph{
		defs:     make(map[string]RoleDef, len(defs)),
		resolved: make(map[string]map[string]struct{}, len(defs)),
	}
	for _, def := range defs {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			return nil, errors.New("auth: role name is required")
		}
		if _, ok := g.defs[name]; ok {
			return nil, fmt.Errorf("auth: duplicate role %q", name)
		}
		def.Name = name
		g.defs[name] = def
	}
	for name := range g.defs {
		for _, parent := range g.defs[name].Inherits {
			if _, ok := g.defs[strings.ToLower(parent)]; !ok {
				return nil, fmt.Errorf("auth: role %q inherits unknown role %q", name, parent)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	for name := range g.defs {
		set := make(map[string]struct{})
		g.collect(name, set, make(map[string]bool))
		g.resolved[name] = set
	}
	return g, nil
}

// MustNewRoleGraph compiles defs and panics on error. Intended for the
// built-in graph, which is validated by tests.
func MustNewRoleGraph(defs []RoleDef) *RoleGraph {
	g, err := NewRoleGraph(defs)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *RoleGraph) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.defs))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("auth: role inheritance cycle through %q", name)
		case black:
			return nil
		}
		color[name] = grey
		for _, parent := range g.defs[name].Inherits {
			if err := visit(strings.ToLower(parent)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range g.defs {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func (g *RoleGraph) collect(name string, into map[string]struct{}, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	def := g.defs[name]
	for _, p := range def.Permissions {
		into[p] = struct{}{}
	}
	for _, parent := range def.Inherits {
		g.collect(strings.ToLower(parent), into, seen)
	}
}

// Role returns the definition for a role name.
func (g *RoleGraph) Role(name string) (RoleDef, bool) {
	def, ok := g.defs[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Grants reports whether the role holds the permission directly or through
// inheritance.
func (g *RoleGraph) Grants(role, permission string) bool {
	set, ok := g.resolved[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return false
	}
	_, ok = set[permission]
	return ok
}

// PermissionsOf returns the sorted transitive permission set of a role.
func (g *RoleGraph) PermissionsOf(role string) []string {
	set, ok := g.resolved[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResourceChecker answers resource-scoped authorization questions, e.g.
// whether the account is the assigned provider for a patient. It is only
// consulted after the base permission check has already passed.
type ResourceChecker func(ctx context.Context, accountID, permission, resource string) (bool, error)

// Authority resolves role assignments into authorization decisions and
// records every mutation in the append-only audit log.
type Authority struct {
	graph    *RoleGraph
	store    Store
	reporter *audit.Reporter
	check    ResourceChecker
	now      func() time.Time
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority)

// WithResourceChecker wires the resource-scoped second check.
func WithResourceChecker(fn ResourceChecker) AuthorityOption {
	return func(a *Authority) { a.check = fn }
}

// WithAuthorityReporter wires the security event reporter.
func WithAuthorityReporter(r *audit.Reporter) AuthorityOption {
	return func(a *Authority) { a.reporter = r }
}

// WithAuthorityClock overrides the time source (useful for tests).
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority constructs an Authority over the compiled role graph.
func NewAuthority(graph *RoleGraph, store Store, opts ...AuthorityOption) (*Authority, error) {
	if graph == nil {
		return nil, errors.New("auth: role graph is required")
	}
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	a := &Authority{graph: graph, store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AssignRole upserts a role assignment, optionally time-boxed, and appends
// an audit entry.
func (a *Authority) AssignRole(ctx context.Context, actorID, accountID, roleName string, expiresAt *time.Time) error {
	roleName = strings.ToLower(strings.TrimSpace(roleName))
	if _, ok := a.graph.Role(roleName); !ok {
		return ErrRoleNotFound
	}
	now := a.now().UTC()
	if err := a.store.RoleAssignments(ctx).Upsert(ctx, RoleAssignment{
		AccountID: accountID,
		RoleName:  roleName,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return a.appendAudit(ctx, actorID, accountID, "rbac.role.assigned", map[string]string{"role": roleName})
}

// RemoveRole deletes a role assignment and appends an audit entry.
func (a *Authority) RemoveRole(ctx context.Context, actorID, accountID, roleName string) error {
	roleName = strings.ToLower(strings.TrimSpace(roleName))
	if err := a.store.RoleAssignments(ctx).Remove(ctx, accountID, roleName); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}
	return a.appendAudit(ctx, actorID, accountID, "rbac.role.removed", map[string]string{"role": roleName})
}

// RolesFor returns the currently valid roles of an account, ordered by
// precedence level descending. Expired assignments are excluded, not
// deleted.
func (a *Authority) RolesFor(ctx context.Context, accountID string) ([]RoleDef, error) {
	assignments, err := a.store.RoleAssignments(ctx).ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var roles []RoleDef
	for _, assignment := range assignments {
		if assignment.ExpiresAt != nil && !now.Before(*assignment.ExpiresAt) {
			continue
		}
		if def, ok := a.graph.Role(assignment.RoleName); ok {
			roles = append(roles, def)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Level > roles[j].Level })
	return roles, nil
}

// HasPermission reports whether the account may perform the permission. An
// admin role short-circuits to true. When resource is non-empty and the base
// permission holds, the resource-scoped check must pass as well.
func (a *Authority) HasPermission(ctx context.Context, accountID, permission, resource string) (bool, error) {
	roles, err := a.RolesFor(ctx, accountID)
	if err != nil {
		return false, err
	}
	granted := false
	for _, role := range roles {
		if role.Name == RoleAdmin {
			return true, nil
		}
		if a.graph.Grants(role.Name, permission) {
			granted = true
		}
	}
	if !granted {
		return false, nil
	}
	if resource == "" || a.check == nil {
		return granted, nil
	}
	ok, err := a.check(ctx, accountID, permission, resource)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// PermissionsFor returns the deduplicated union of permissions across the
// account's currently valid roles.
func (a *Authority) PermissionsFor(ctx context.Context, accountID string) ([]string, error) {
	roles, err := a.RolesFor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, p := range a.graph.PermissionsOf(role.Name) {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Authority) appendAudit(ctx context.Context, actorID, subjectID, action string, metadata map[string]string) error {
	return a.store.Audit(ctx).Append(ctx, &AuditEntry{
		ID:         ids.New(),
		OccurredAt: a.now().UTC(),
		ActorID:    actorID,
		SubjectID:  subjectID,
		Action:     action,
		Metadata:   metadata,
	})
}
