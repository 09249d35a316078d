package store

import (
	"context"
	"time"

	"forgeplane/control/internal/platerr"
)

// PreviewDeployment is a per-branch ephemeral environment with a TTL.
type PreviewDeployment struct {
	ID            int64     `db:"id"`
	ProjectID     int64     `db:"project_id"`
	Branch        string    `db:"branch"`
	BranchSlug    string    `db:"branch_slug"`
	ImageRef      string    `db:"image_ref"`
	TTLHours      int       `db:"ttl_hours"`
	ExpiresAt     time.Time `db:"expires_at"`
	DesiredStatus string    `db:"desired_status"`
	CurrentStatus string    `db:"current_status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// UpsertPreview creates or refreshes the per-branch preview row, extending
// its expiry by ttl_hours from now and resetting it for reconciliation.
func (s *Store) UpsertPreview(ctx context.Context, projectID int64, branch, branchSlug, imageRef string, ttlHours int) (PreviewDeployment, error) {
	var p PreviewDeployment
	err := s.db.GetContext(ctx, &p, `
		INSERT INTO preview_deployments (project_id, branch, branch_slug, image_ref, ttl_hours, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + make_interval(hours => $5))
		ON CONFLICT (project_id, branch_slug) DO UPDATE
		SET image_ref = EXCLUDED.image_ref,
		    expires_at = now() + make_interval(hours => EXCLUDED.ttl_hours),
		    desired_status = 'active',
		    current_status = 'pending',
		    updated_at = now()
		RETURNING *`, projectID, branch, branchSlug, imageRef, ttlHours)
	if err != nil {
		return PreviewDeployment{}, platerr.FromDB(err, "upserting preview")
	}
	return p, nil
}

// SelectPendingPreviews returns up to limit previews awaiting reconciliation.
func (s *Store) SelectPendingPreviews(ctx context.Context, limit int) ([]PreviewDeployment, error) {
	var out []PreviewDeployment
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM preview_deployments
		WHERE desired_status = 'active' AND current_status IN ('pending', 'syncing')
		ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting pending previews")
	}
	return out, nil
}

// SelectExpiredPreviews returns active previews past their expiry.
func (s *Store) SelectExpiredPreviews(ctx context.Context) ([]PreviewDeployment, error) {
	var out []PreviewDeployment
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM preview_deployments
		WHERE desired_status = 'active' AND expires_at < now()`)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting expired previews")
	}
	return out, nil
}

// SetPreviewStatus records the observed state of a preview.
func (s *Store) SetPreviewStatus(ctx context.Context, id int64, current string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE preview_deployments SET current_status = $2, updated_at = now() WHERE id = $1`, id, current)
	return platerr.FromDB(err, "setting preview status")
}

// StopPreview transitions both desired and current status to stopped.
func (s *Store) StopPreview(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE preview_deployments
		SET desired_status = 'stopped', current_status = 'stopped', updated_at = now()
		WHERE id = $1`, id)
	return platerr.FromDB(err, "stopping preview")
}

// StopPreviewForBranch requests a stop by branch slug. Called on MR merge.
func (s *Store) StopPreviewForBranch(ctx context.Context, projectID int64, branchSlug string) (PreviewDeployment, error) {
	var p PreviewDeployment
	err := s.db.GetContext(ctx, &p, `
		UPDATE preview_deployments
		SET desired_status = 'stopped', updated_at = now()
		WHERE project_id = $1 AND branch_slug = $2
		RETURNING *`, projectID, branchSlug)
	if err != nil {
		return PreviewDeployment{}, notFoundOr(err, "preview deployment")
	}
	return p, nil
}
