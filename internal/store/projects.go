package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"forgeplane/control/internal/platerr"
)

// Visibility values for projects.
const (
	VisibilityPrivate  = "private"
	VisibilityInternal = "internal"
	VisibilityPublic   = "public"
)

// Project is a hosted repository plus its platform metadata. Soft-deleted via
// is_active=false.
type Project struct {
	ID              int64     `db:"id"`
	OwnerID         int64     `db:"owner_id"`
	Name            string    `db:"name"`
	Visibility      string    `db:"visibility"`
	DefaultBranch   string    `db:"default_branch"`
	RepoPath        string    `db:"repo_path"`
	IsActive        bool      `db:"is_active"`
	NextIssueNumber int64     `db:"next_issue_number"`
	NextMRNumber    int64     `db:"next_mr_number"`
	CreatedAt       time.Time `db:"created_at"`
}

// Issue is a project issue with a per-project number.
type Issue struct {
	ID        int64     `db:"id"`
	ProjectID int64     `db:"project_id"`
	Number    int64     `db:"number"`
	Title     string    `db:"title"`
	Body      string    `db:"body"`
	Status    string    `db:"status"`
	AuthorID  int64     `db:"author_id"`
	CreatedAt time.Time `db:"created_at"`
}

// MergeRequest is a proposed branch merge with a per-project number.
type MergeRequest struct {
	ID           int64     `db:"id"`
	ProjectID    int64     `db:"project_id"`
	Number       int64     `db:"number"`
	Title        string    `db:"title"`
	SourceBranch string    `db:"source_branch"`
	TargetBranch string    `db:"target_branch"`
	Status       string    `db:"status"`
	AuthorID     int64     `db:"author_id"`
	CreatedAt    time.Time `db:"created_at"`
}

// MRReview is a review verdict on a merge request.
type MRReview struct {
	ID         int64     `db:"id"`
	MRID       int64     `db:"mr_id"`
	ReviewerID int64     `db:"reviewer_id"`
	Verdict    string    `db:"verdict"`
	Comment    string    `db:"comment"`
	CreatedAt  time.Time `db:"created_at"`
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, ownerID int64, name, visibility, defaultBranch, repoPath string) (Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `
		INSERT INTO projects (owner_id, name, visibility, default_branch, repo_path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`, ownerID, name, visibility, defaultBranch, repoPath)
	if err != nil {
		return Project{}, platerr.FromDB(err, "creating project")
	}
	return p, nil
}

// GetProject looks up an active project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = $1 AND is_active`, id)
	if err != nil {
		return Project{}, notFoundOr(err, "project")
	}
	return p, nil
}

// GetProjectByName looks up an active project by name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE name = $1 AND is_active`, name)
	if err != nil {
		return Project{}, notFoundOr(err, "project")
	}
	return p, nil
}

// ListProjectsVisibleTo returns active projects readable by the given user:
// owned, internal, public, or any project where the user holds a
// project-scoped role or delegation. A zero userID lists public projects only.
func (s *Store) ListProjectsVisibleTo(ctx context.Context, userID int64, page Page) ([]Project, int, error) {
	page = page.Clamp()
	const visible = `
		is_active AND (
			visibility = 'public'
			OR ($1 > 0 AND visibility = 'internal')
			OR ($1 > 0 AND owner_id = $1)
			OR id IN (SELECT project_id FROM user_roles WHERE user_id = $1 AND project_id IS NOT NULL)
			OR id IN (SELECT project_id FROM delegations WHERE delegate_id = $1 AND project_id IS NOT NULL AND revoked_at IS NULL)
		)`
	var out []Project
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM projects WHERE `+visible+` ORDER BY id LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing projects")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM projects WHERE `+visible, userID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting projects")
	}
	return out, total, nil
}

// SoftDeleteProject marks a project inactive.
func (s *Store) SoftDeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return platerr.FromDB(err, "deleting project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("project")
	}
	return nil
}

// CreateIssue allocates the next issue number and inserts the issue in one
// transaction. The number sequence is a conditional update-returning on the
// project row, so concurrent creators never collide.
func (s *Store) CreateIssue(ctx context.Context, projectID, authorID int64, title, body string) (Issue, error) {
	var issue Issue
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var number int64
		if err := tx.GetContext(ctx, &number, `
			UPDATE projects SET next_issue_number = next_issue_number + 1
			WHERE id = $1 AND is_active
			RETURNING next_issue_number - 1`, projectID); err != nil {
			return notFoundOr(err, "project")
		}
		return tx.GetContext(ctx, &issue, `
			INSERT INTO issues (project_id, number, title, body, author_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING *`, projectID, number, title, body, authorID)
	})
	if err != nil {
		return Issue{}, platerr.FromDB(err, "creating issue")
	}
	return issue, nil
}

// CreateMergeRequest allocates the next MR number and inserts the MR.
func (s *Store) CreateMergeRequest(ctx context.Context, projectID, authorID int64, title, sourceBranch, targetBranch string) (MergeRequest, error) {
	var mr MergeRequest
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var number int64
		if err := tx.GetContext(ctx, &number, `
			UPDATE projects SET next_mr_number = next_mr_number + 1
			WHERE id = $1 AND is_active
			RETURNING next_mr_number - 1`, projectID); err != nil {
			return notFoundOr(err, "project")
		}
		return tx.GetContext(ctx, &mr, `
			INSERT INTO merge_requests (project_id, number, title, source_branch, target_branch, author_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *`, projectID, number, title, sourceBranch, targetBranch, authorID)
	})
	if err != nil {
		return MergeRequest{}, platerr.FromDB(err, "creating merge request")
	}
	return mr, nil
}

// AddMRReview records a review verdict.
func (s *Store) AddMRReview(ctx context.Context, mrID, reviewerID int64, verdict, comment string) (MRReview, error) {
	var r MRReview
	err := s.db.GetContext(ctx, &r, `
		INSERT INTO mr_reviews (mr_id, reviewer_id, verdict, comment)
		VALUES ($1, $2, $3, $4)
		RETURNING *`, mrID, reviewerID, verdict, comment)
	if err != nil {
		return MRReview{}, platerr.FromDB(err, "recording review")
	}
	return r, nil
}

// UpdateMRStatus transitions a merge request's status.
func (s *Store) UpdateMRStatus(ctx context.Context, mrID int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE merge_requests SET status = $2 WHERE id = $1`, mrID, status)
	if err != nil {
		return platerr.FromDB(err, "updating merge request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("merge request")
	}
	return nil
}
