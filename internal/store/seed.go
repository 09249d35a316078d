package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// EnsureAdmin bootstraps the admin user on first boot when ADMIN_PASSWORD is
// configured. Idempotent: an existing admin user is left untouched.
func (s *Store) EnsureAdmin(ctx context.Context, password string) error {
	if password == "" {
		return nil
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM users WHERE name = 'admin'`)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking admin user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}
	admin, err := s.CreateUser(ctx, "admin", "admin@localhost", string(hash), false)
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}
	role, err := s.GetRoleByName(ctx, "admin")
	if err != nil {
		return fmt.Errorf("resolving admin role: %w", err)
	}
	if err := s.AssignRole(ctx, admin.ID, role.ID, nil); err != nil {
		return fmt.Errorf("assigning admin role: %w", err)
	}
	s.logger.Info("bootstrapped admin user", "user_id", admin.ID)
	return nil
}
