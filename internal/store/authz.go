package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"forgeplane/control/internal/platerr"
)

// Role is a named capability bundle. System roles are immutable by users.
type Role struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	IsSystem bool   `db:"is_system"`
}

// Delegation is a time-bounded grant of one permission from delegator to
// delegate, optionally project-scoped. Active iff not revoked and not expired.
type Delegation struct {
	ID           int64      `db:"id"`
	DelegatorID  int64      `db:"delegator_id"`
	DelegateID   int64      `db:"delegate_id"`
	PermissionID int64      `db:"permission_id"`
	ProjectID    *int64     `db:"project_id"`
	Reason       string     `db:"reason"`
	ExpiresAt    *time.Time `db:"expires_at"`
	RevokedAt    *time.Time `db:"revoked_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// ListRoles returns all roles.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	if err := s.db.SelectContext(ctx, &roles, `SELECT * FROM roles ORDER BY id`); err != nil {
		return nil, notFoundOr(err, "roles")
	}
	return roles, nil
}

// GetRoleByName resolves a role name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (Role, error) {
	var r Role
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM roles WHERE name = $1`, name); err != nil {
		return Role{}, notFoundOr(err, "role")
	}
	return r, nil
}

// ResolvePermission maps a resource:action code to its id. Unknown codes are
// a bad request, since the permission set is closed.
func (s *Store) ResolvePermission(ctx context.Context, code string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM permissions WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, platerr.Newf(platerr.KindBadRequest, "unknown permission %q", code).WithFields("permission")
	}
	if err != nil {
		return 0, platerr.FromDB(err, "resolving permission")
	}
	return id, nil
}

// AssignRole grants a role to a user, optionally scoped to a project.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64, projectID *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, project_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, userID, roleID, projectID)
	return platerr.FromDB(err, "assigning role")
}

// RemoveRole revokes a role assignment.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID int64, projectID *int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2 AND project_id IS NOT DISTINCT FROM $3`,
		userID, roleID, projectID)
	if err != nil {
		return platerr.FromDB(err, "removing role")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("role assignment")
	}
	return nil
}

// EffectivePermissions computes the union of role-granted and actively
// delegated permission codes for (user, project) in a single query. A null
// project scopes to global only; a set project includes both global and
// project-scoped grants.
func (s *Store) EffectivePermissions(ctx context.Context, userID int64, projectID *int64) ([]string, error) {
	var codes []string
	err := s.db.SelectContext(ctx, &codes, `
		SELECT DISTINCT p.code
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		  AND (ur.project_id IS NULL OR ur.project_id IS NOT DISTINCT FROM $2)
		UNION
		SELECT p.code
		FROM delegations d
		JOIN permissions p ON p.id = d.permission_id
		WHERE d.delegate_id = $1
		  AND d.revoked_at IS NULL
		  AND (d.expires_at IS NULL OR d.expires_at > now())
		  AND (d.project_id IS NULL OR d.project_id IS NOT DISTINCT FROM $2)`,
		userID, projectID)
	if err != nil {
		return nil, platerr.FromDB(err, "computing effective permissions")
	}
	return codes, nil
}

// CreateDelegation inserts a delegation row. Authority checks happen in the
// delegation manager, not here.
func (s *Store) CreateDelegation(ctx context.Context, delegatorID, delegateID, permissionID int64, projectID *int64, expiresAt *time.Time, reason string) (Delegation, error) {
	var d Delegation
	err := s.db.GetContext(ctx, &d, `
		INSERT INTO delegations (delegator_id, delegate_id, permission_id, project_id, expires_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`, delegatorID, delegateID, permissionID, projectID, expiresAt, reason)
	if err != nil {
		return Delegation{}, platerr.FromDB(err, "creating delegation")
	}
	return d, nil
}

// RevokeDelegation sets revoked_at once. Double revocation is a not-found.
// Returns the revoked row so callers can invalidate the delegate's cache.
func (s *Store) RevokeDelegation(ctx context.Context, id int64) (Delegation, error) {
	var d Delegation
	err := s.db.GetContext(ctx, &d, `
		UPDATE delegations SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING *`, id)
	if err != nil {
		return Delegation{}, notFoundOr(err, "delegation")
	}
	return d, nil
}

// RevokeDelegationsForDelegate revokes every active delegation naming the
// delegate. Used by agent identity cleanup.
func (s *Store) RevokeDelegationsForDelegate(ctx context.Context, delegateID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET revoked_at = now()
		WHERE delegate_id = $1 AND revoked_at IS NULL`, delegateID)
	return platerr.FromDB(err, "revoking delegations")
}

// ListDelegations returns delegations where the user is delegator or delegate.
func (s *Store) ListDelegations(ctx context.Context, userID int64, page Page) ([]Delegation, int, error) {
	page = page.Clamp()
	var out []Delegation
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM delegations
		WHERE delegator_id = $1 OR delegate_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing delegations")
	}
	var total int
	err = s.db.GetContext(ctx, &total, `
		SELECT count(*) FROM delegations WHERE delegator_id = $1 OR delegate_id = $1`, userID)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "counting delegations")
	}
	return out, total, nil
}
