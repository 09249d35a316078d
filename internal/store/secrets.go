package store

import (
	"context"
	"time"

	"forgeplane/control/internal/platerr"
)

// Secret scopes restrict where a secret may be injected.
const (
	SecretScopePipeline = "pipeline"
	SecretScopeAgent    = "agent"
	SecretScopeDeploy   = "deploy"
	SecretScopeAll      = "all"
)

// Secret holds opaque ciphertext. A nil ProjectID means global. The control
// plane never inspects the plaintext; decryption happens at injection time
// via secretbox.
type Secret struct {
	ID         int64     `db:"id"`
	ProjectID  *int64    `db:"project_id"`
	Name       string    `db:"name"`
	Ciphertext []byte    `db:"ciphertext"`
	Scope      string    `db:"scope"`
	CreatedBy  int64     `db:"created_by"`
	CreatedAt  time.Time `db:"created_at"`
}

// PutSecret inserts or replaces the (project, name) secret.
func (s *Store) PutSecret(ctx context.Context, projectID *int64, name string, ciphertext []byte, scope string, createdBy int64) (Secret, error) {
	var sec Secret
	err := s.db.GetContext(ctx, &sec, `
		INSERT INTO secrets (project_id, name, ciphertext, scope, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, name) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, scope = EXCLUDED.scope, created_by = EXCLUDED.created_by
		RETURNING *`, projectID, name, ciphertext, scope, createdBy)
	if err != nil {
		return Secret{}, platerr.FromDB(err, "storing secret")
	}
	return sec, nil
}

// GetSecret fetches a secret with its ciphertext for injection paths.
func (s *Store) GetSecret(ctx context.Context, projectID *int64, name string) (Secret, error) {
	var sec Secret
	err := s.db.GetContext(ctx, &sec, `
		SELECT * FROM secrets WHERE project_id IS NOT DISTINCT FROM $1 AND name = $2`, projectID, name)
	if err != nil {
		return Secret{}, notFoundOr(err, "secret")
	}
	return sec, nil
}

// SecretsForScope lists secrets injectable into the given scope for a
// project: project-scoped secrets plus globals, filtered by scope ('all'
// always matches).
func (s *Store) SecretsForScope(ctx context.Context, projectID int64, scope string) ([]Secret, error) {
	var out []Secret
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM secrets
		WHERE (project_id = $1 OR project_id IS NULL)
		  AND scope IN ($2, 'all')
		ORDER BY name`, projectID, scope)
	if err != nil {
		return nil, platerr.FromDB(err, "listing secrets for scope")
	}
	return out, nil
}

// SecretMeta is the API-visible view of a secret: metadata only, no value.
type SecretMeta struct {
	ID        int64     `db:"id"`
	ProjectID *int64    `db:"project_id"`
	Name      string    `db:"name"`
	Scope     string    `db:"scope"`
	CreatedBy int64     `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

// ListSecretMeta lists secret metadata for a project (nil for globals).
func (s *Store) ListSecretMeta(ctx context.Context, projectID *int64, page Page) ([]SecretMeta, int, error) {
	page = page.Clamp()
	var out []SecretMeta
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, project_id, name, scope, created_by, created_at FROM secrets
		WHERE project_id IS NOT DISTINCT FROM $1
		ORDER BY name LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing secrets")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM secrets WHERE project_id IS NOT DISTINCT FROM $1`, projectID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting secrets")
	}
	return out, total, nil
}

// DeleteSecret removes a secret.
func (s *Store) DeleteSecret(ctx context.Context, projectID *int64, name string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM secrets WHERE project_id IS NOT DISTINCT FROM $1 AND name = $2`, projectID, name)
	if err != nil {
		return platerr.FromDB(err, "deleting secret")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("secret")
	}
	return nil
}
