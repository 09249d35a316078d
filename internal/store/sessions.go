package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// Agent session status lifecycle: pending → running → {completed, failed, stopped}.
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
	SessionStatusStopped   = "stopped"
)

// AgentSession is one pod-hosted agent run under an ephemeral identity.
type AgentSession struct {
	ID             int64          `db:"id"`
	ProjectID      int64          `db:"project_id"`
	UserID         int64          `db:"user_id"`
	AgentUserID    *int64         `db:"agent_user_id"`
	Prompt         string         `db:"prompt"`
	Provider       string         `db:"provider"`
	ProviderConfig types.JSONText `db:"provider_config"`
	Branch         string         `db:"branch"`
	PodName        string         `db:"pod_name"`
	Status         string         `db:"status"`
	CostTokens     int64          `db:"cost_tokens"`
	CreatedAt      time.Time      `db:"created_at"`
	FinishedAt     *time.Time     `db:"finished_at"`
}

// SessionMessage is one exchange line in a session transcript.
type SessionMessage struct {
	ID        int64          `db:"id"`
	SessionID int64          `db:"session_id"`
	Role      string         `db:"role"`
	Kind      string         `db:"kind"`
	Content   string         `db:"content"`
	Metadata  types.JSONText `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

// CreateSession inserts a pending session row.
func (s *Store) CreateSession(ctx context.Context, projectID, userID int64, prompt, provider string, providerConfig []byte, branch string) (AgentSession, error) {
	var sess AgentSession
	err := s.db.GetContext(ctx, &sess, `
		INSERT INTO agent_sessions (project_id, user_id, prompt, provider, provider_config, branch)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`, projectID, userID, prompt, provider, providerConfig, branch)
	if err != nil {
		return AgentSession{}, platerr.FromDB(err, "creating session")
	}
	return sess, nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (AgentSession, error) {
	var sess AgentSession
	if err := s.db.GetContext(ctx, &sess, `SELECT * FROM agent_sessions WHERE id = $1`, id); err != nil {
		return AgentSession{}, notFoundOr(err, "session")
	}
	return sess, nil
}

// SetSessionAgentUser binds the provisioned ephemeral identity.
func (s *Store) SetSessionAgentUser(ctx context.Context, id, agentUserID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET agent_user_id = $2 WHERE id = $1`, id, agentUserID)
	return platerr.FromDB(err, "setting session agent user")
}

// MarkSessionRunning records the created pod.
func (s *Store) MarkSessionRunning(ctx context.Context, id int64, podName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET status = 'running', pod_name = $2 WHERE id = $1`, id, podName)
	return platerr.FromDB(err, "marking session running")
}

// FinishSession records a terminal status. ok=false when the session was
// already terminal, which keeps stop and the reaper idempotent against each
// other.
func (s *Store) FinishSession(ctx context.Context, id int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET status = $2, finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id, status)
	if err != nil {
		return false, platerr.FromDB(err, "finishing session")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListRunningSessions returns sessions the reaper must watch.
func (s *Store) ListRunningSessions(ctx context.Context) ([]AgentSession, error) {
	var out []AgentSession
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM agent_sessions WHERE status = 'running' ORDER BY id`)
	if err != nil {
		return nil, platerr.FromDB(err, "listing running sessions")
	}
	return out, nil
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, projectID int64, page Page) ([]AgentSession, int, error) {
	page = page.Clamp()
	var out []AgentSession
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM agent_sessions WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing sessions")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM agent_sessions WHERE project_id = $1`, projectID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting sessions")
	}
	return out, total, nil
}

// AddSessionMessage appends a transcript message.
func (s *Store) AddSessionMessage(ctx context.Context, sessionID int64, role, kind, content string, metadata []byte) error {
	if metadata == nil {
		metadata = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, role, kind, content, metadata)
		VALUES ($1, $2, $3, $4, $5)`, sessionID, role, kind, content, metadata)
	return platerr.FromDB(err, "adding session message")
}

// ListSessionMessages returns the transcript in order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID int64) ([]SessionMessage, error) {
	var out []SessionMessage
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM session_messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, platerr.FromDB(err, "listing session messages")
	}
	return out, nil
}
