package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// Deployment desired_status values.
const (
	DesiredActive   = "active"
	DesiredStopped  = "stopped"
	DesiredRollback = "rollback"
)

// Deployment current_status values.
const (
	CurrentPending = "pending"
	CurrentSyncing = "syncing"
	CurrentHealthy = "healthy"
	CurrentFailed  = "failed"
	CurrentStopped = "stopped"
)

// Deployment history actions and outcomes.
const (
	HistoryActionDeploy   = "deploy"
	HistoryActionRollback = "rollback"
	HistoryActionStop     = "stop"

	HistoryOutcomeSuccess = "success"
	HistoryOutcomeFailure = "failure"
)

// Deployment is a long-lived workload with declared vs observed state.
type Deployment struct {
	ID             int64          `db:"id"`
	ProjectID      int64          `db:"project_id"`
	Environment    string         `db:"environment"`
	OpsRepoID      *int64         `db:"ops_repo_id"`
	ManifestPath   string         `db:"manifest_path"`
	ImageRef       string         `db:"image_ref"`
	ValuesOverride types.JSONText `db:"values_override"`
	DesiredStatus  string         `db:"desired_status"`
	CurrentStatus  string         `db:"current_status"`
	CurrentSHA     string         `db:"current_sha"`
	DeployedAt     *time.Time     `db:"deployed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// DeploymentHistory is the append-only record of reconcile outcomes.
type DeploymentHistory struct {
	ID           int64     `db:"id"`
	DeploymentID int64     `db:"deployment_id"`
	ImageRef     string    `db:"image_ref"`
	ManifestSHA  string    `db:"manifest_sha"`
	Action       string    `db:"action"`
	Outcome      string    `db:"outcome"`
	Message      string    `db:"message"`
	CreatedAt    time.Time `db:"created_at"`
}

// OpsRepo is a repository of manifest templates bound to deployments.
type OpsRepo struct {
	ID           int64      `db:"id"`
	Name         string     `db:"name"`
	URL          string     `db:"url"`
	Branch       string     `db:"branch"`
	CurrentSHA   string     `db:"current_sha"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
}

// UpsertDeployment creates or updates the (project, environment) deployment
// with a new image ref, resetting current_status to pending so the
// reconciler picks it up.
func (s *Store) UpsertDeployment(ctx context.Context, projectID int64, environment, imageRef string) (Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		INSERT INTO deployments (project_id, environment, image_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, environment) DO UPDATE
		SET image_ref = EXCLUDED.image_ref,
		    desired_status = 'active',
		    current_status = 'pending',
		    updated_at = now()
		RETURNING *`, projectID, environment, imageRef)
	if err != nil {
		return Deployment{}, platerr.FromDB(err, "upserting deployment")
	}
	return d, nil
}

// GetDeployment looks up a deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id int64) (Deployment, error) {
	var d Deployment
	if err := s.db.GetContext(ctx, &d, `SELECT * FROM deployments WHERE id = $1`, id); err != nil {
		return Deployment{}, notFoundOr(err, "deployment")
	}
	return d, nil
}

// SelectReconcilable returns up to limit deployments needing reconciliation:
// active-but-unhealthy, rollback-requested, or stop-requested.
func (s *Store) SelectReconcilable(ctx context.Context, limit int) ([]Deployment, error) {
	var out []Deployment
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM deployments WHERE
		    (desired_status = 'active'   AND current_status IN ('pending', 'failed'))
		 OR (desired_status = 'rollback' AND current_status <> 'syncing')
		 OR (desired_status = 'stopped'  AND current_status NOT IN ('stopped', 'syncing'))
		ORDER BY updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting reconcilable deployments")
	}
	return out, nil
}

// ClaimDeployment transitions current_status → syncing unless another worker
// already holds it. ok=false when the claim is lost.
func (s *Store) ClaimDeployment(ctx context.Context, id int64) (Deployment, bool, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		UPDATE deployments SET current_status = 'syncing', updated_at = now()
		WHERE id = $1 AND current_status <> 'syncing'
		RETURNING *`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, false, nil
	}
	if err != nil {
		return Deployment{}, false, platerr.FromDB(err, "claiming deployment")
	}
	return d, true, nil
}

// MarkDeployHealthy records a successful active reconcile.
func (s *Store) MarkDeployHealthy(ctx context.Context, id int64, manifestSHA string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET desired_status = 'active', current_status = 'healthy',
		    current_sha = $2, deployed_at = now(), updated_at = now()
		WHERE id = $1`, id, manifestSHA)
	return platerr.FromDB(err, "marking deployment healthy")
}

// MarkDeployFailed records a failed reconcile.
func (s *Store) MarkDeployFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET current_status = 'failed', updated_at = now() WHERE id = $1`, id)
	return platerr.FromDB(err, "marking deployment failed")
}

// MarkDeployStopped records a completed stop.
func (s *Store) MarkDeployStopped(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET current_status = 'stopped', updated_at = now() WHERE id = $1`, id)
	return platerr.FromDB(err, "marking deployment stopped")
}

// SetDeploymentImage overwrites image_ref. Used by rollback before rendering.
func (s *Store) SetDeploymentImage(ctx context.Context, id int64, imageRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET image_ref = $2, updated_at = now() WHERE id = $1`, id, imageRef)
	return platerr.FromDB(err, "setting deployment image")
}

// SetDesiredStatus records user intent for the reconciler to converge on.
func (s *Store) SetDesiredStatus(ctx context.Context, id int64, desired string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET desired_status = $2, updated_at = now() WHERE id = $1`, id, desired)
	if err != nil {
		return platerr.FromDB(err, "setting desired status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("deployment")
	}
	return nil
}

// AppendHistory records one reconcile outcome.
func (s *Store) AppendHistory(ctx context.Context, deploymentID int64, imageRef, manifestSHA, action, outcome, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_history (deployment_id, image_ref, manifest_sha, action, outcome, message)
		VALUES ($1, $2, $3, $4, $5, $6)`, deploymentID, imageRef, manifestSHA, action, outcome, message)
	return platerr.FromDB(err, "appending deployment history")
}

// PreviousSuccessfulDeploy finds the most recent success-outcome deploy-action
// history row before the latest one. Rollback restores its image.
func (s *Store) PreviousSuccessfulDeploy(ctx context.Context, deploymentID int64) (DeploymentHistory, error) {
	var h DeploymentHistory
	err := s.db.GetContext(ctx, &h, `
		SELECT * FROM deployment_history
		WHERE deployment_id = $1 AND action = 'deploy' AND outcome = 'success'
		ORDER BY created_at DESC
		OFFSET 1 LIMIT 1`, deploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DeploymentHistory{}, platerr.New(platerr.KindBadRequest, "no previous deployment")
	}
	if err != nil {
		return DeploymentHistory{}, platerr.FromDB(err, "finding previous deployment")
	}
	return h, nil
}

// ListHistory returns a deployment's history, newest first.
func (s *Store) ListHistory(ctx context.Context, deploymentID int64, page Page) ([]DeploymentHistory, int, error) {
	page = page.Clamp()
	var out []DeploymentHistory
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM deployment_history WHERE deployment_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, deploymentID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing history")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM deployment_history WHERE deployment_id = $1`, deploymentID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting history")
	}
	return out, total, nil
}

// CreateOpsRepo registers a manifest template repository.
func (s *Store) CreateOpsRepo(ctx context.Context, name, url, branch string) (OpsRepo, error) {
	var r OpsRepo
	err := s.db.GetContext(ctx, &r, `
		INSERT INTO ops_repos (name, url, branch) VALUES ($1, $2, $3) RETURNING *`, name, url, branch)
	if err != nil {
		return OpsRepo{}, platerr.FromDB(err, "creating ops repo")
	}
	return r, nil
}

// GetOpsRepo looks up an ops repo.
func (s *Store) GetOpsRepo(ctx context.Context, id int64) (OpsRepo, error) {
	var r OpsRepo
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM ops_repos WHERE id = $1`, id); err != nil {
		return OpsRepo{}, notFoundOr(err, "ops repo")
	}
	return r, nil
}

// UpdateOpsRepoSync records the HEAD observed by the last sync.
func (s *Store) UpdateOpsRepoSync(ctx context.Context, id int64, sha string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ops_repos SET current_sha = $2, last_synced_at = now() WHERE id = $1`, id, sha)
	return platerr.FromDB(err, "updating ops repo sync state")
}

// DeleteOpsRepo removes an ops repo unless an active deployment still
// references it, which is a conflict.
func (s *Store) DeleteOpsRepo(ctx context.Context, id int64) error {
	var refs int
	err := s.db.GetContext(ctx, &refs, `
		SELECT count(*) FROM deployments
		WHERE ops_repo_id = $1 AND desired_status = 'active'`, id)
	if err != nil {
		return platerr.FromDB(err, "checking ops repo references")
	}
	if refs > 0 {
		return platerr.Newf(platerr.KindConflict, "ops repo is referenced by %d active deployment(s)", refs)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM ops_repos WHERE id = $1`, id)
	if err != nil {
		return platerr.FromDB(err, "deleting ops repo")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("ops repo")
	}
	return nil
}
