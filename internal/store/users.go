package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// User is a platform identity. Ephemeral agent users carry is_agent=true and
// an unusable password hash.
type User struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	IsActive     bool      `db:"is_active"`
	IsAgent      bool      `db:"is_agent"`
	CreatedAt    time.Time `db:"created_at"`
}

// APIToken is a bearer token row. The raw token is never stored.
type APIToken struct {
	ID        int64          `db:"id"`
	UserID    int64          `db:"user_id"`
	Name      string         `db:"name"`
	TokenHash string         `db:"token_hash"`
	Scopes    types.JSONText `db:"scopes"`
	ExpiresAt *time.Time     `db:"expires_at"`
	CreatedAt time.Time      `db:"created_at"`
}

// CreateUser inserts a user and returns it with its id.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string, isAgent bool) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `
		INSERT INTO users (name, email, password_hash, is_agent)
		VALUES ($1, $2, $3, $4)
		RETURNING *`, name, email, passwordHash, isAgent)
	if err != nil {
		return User{}, notFoundOr(err, "user")
	}
	return u, nil
}

// GetUser looks up a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		return User{}, notFoundOr(err, "user")
	}
	return u, nil
}

// GetUserByName looks up a user by unique name.
func (s *Store) GetUserByName(ctx context.Context, name string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE name = $1`, name)
	if err != nil {
		return User{}, notFoundOr(err, "user")
	}
	return u, nil
}

// ListUsers returns non-agent users with a total count.
func (s *Store) ListUsers(ctx context.Context, page Page) ([]User, int, error) {
	page = page.Clamp()
	var users []User
	err := s.db.SelectContext(ctx, &users, `
		SELECT * FROM users WHERE is_agent = FALSE
		ORDER BY id LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, notFoundOr(err, "users")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM users WHERE is_agent = FALSE`); err != nil {
		return nil, 0, notFoundOr(err, "users")
	}
	return users, total, nil
}

// DeactivateUser marks a user inactive. Sessions and tokens referencing a
// deactivated user fail authentication.
func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return notFoundOr(err, "user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("user")
	}
	return nil
}

// CreateAPIToken stores a token hash with its scope list.
func (s *Store) CreateAPIToken(ctx context.Context, userID int64, name, tokenHash string, scopes []byte, expiresAt *time.Time) (APIToken, error) {
	var t APIToken
	err := s.db.GetContext(ctx, &t, `
		INSERT INTO api_tokens (user_id, name, token_hash, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`, userID, name, tokenHash, scopes, expiresAt)
	if err != nil {
		return APIToken{}, notFoundOr(err, "api token")
	}
	return t, nil
}

// GetAPITokenByHash resolves a token hash to its row, rejecting expired
// tokens and tokens of inactive users at the query level.
func (s *Store) GetAPITokenByHash(ctx context.Context, tokenHash string) (APIToken, error) {
	var t APIToken
	err := s.db.GetContext(ctx, &t, `
		SELECT t.* FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
		  AND u.is_active
		  AND (t.expires_at IS NULL OR t.expires_at > now())`, tokenHash)
	if err != nil {
		return APIToken{}, notFoundOr(err, "api token")
	}
	return t, nil
}

// RevokeAPIToken deletes one token owned by the user.
func (s *Store) RevokeAPIToken(ctx context.Context, userID, tokenID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = $1 AND user_id = $2`, tokenID, userID)
	if err != nil {
		return notFoundOr(err, "api token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return platerr.NotFound("api token")
	}
	return nil
}

// DeleteUserTokens removes every API token for a user. Used by agent
// identity cleanup.
func (s *Store) DeleteUserTokens(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE user_id = $1`, userID)
	return platerr.FromDB(err, "deleting api tokens")
}

// DeleteUserAuthSessions removes every auth session for a user.
func (s *Store) DeleteUserAuthSessions(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = $1`, userID)
	return platerr.FromDB(err, "deleting auth sessions")
}
