package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"forgeplane/control/internal/authz"
	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// agentIdentityTTL bounds both the agent's delegations and its API token.
const agentIdentityTTL = 24 * time.Hour

// agentBasePermissions is delegated to every agent identity; callers add
// extras on top.
var agentBasePermissions = []string{"project:read", "project:write"}

// agentStore is the slice of the store agent provisioning needs.
type agentStore interface {
	tokenStore
	CreateUser(ctx context.Context, name, email, passwordHash string, isAgent bool) (store.User, error)
	GetRoleByName(ctx context.Context, name string) (store.Role, error)
	AssignRole(ctx context.Context, userID, roleID int64, projectID *int64) error
	DeleteUserTokens(ctx context.Context, userID int64) error
	DeleteUserAuthSessions(ctx context.Context, userID int64) error
	DeactivateUser(ctx context.Context, id int64) error
}

// AgentProvisioner creates and tears down the ephemeral identities agent
// sessions run under.
type AgentProvisioner struct {
	store       agentStore
	delegations *authz.DelegationManager
	resolver    *authz.Resolver
	logger      *slog.Logger
}

// NewAgentProvisioner builds an AgentProvisioner.
func NewAgentProvisioner(st agentStore, dm *authz.DelegationManager, resolver *authz.Resolver, logger *slog.Logger) *AgentProvisioner {
	return &AgentProvisioner{store: st, delegations: dm, resolver: resolver, logger: logger}
}

// AgentIdentity is a provisioned ephemeral identity. RawToken is handed to
// the agent pod and never persisted or logged.
type AgentIdentity struct {
	UserID   int64
	UserName string
	RawToken string
}

// Provision creates the agent user, assigns the agent role, delegates the
// session's permissions from the creating user, and issues a scoped token.
// Delegations the creator cannot grant are skipped, not fatal: the agent runs
// with whatever subset the creator actually holds.
func (p *AgentProvisioner) Provision(ctx context.Context, sessionID, creatorID, projectID int64, extraPermissions []string) (AgentIdentity, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return AgentIdentity{}, fmt.Errorf("generating agent suffix: %w", err)
	}
	name := fmt.Sprintf("agent-session-%d-%s", sessionID, hex.EncodeToString(suffix))

	// A random hash no password can match keeps the account non-interactive.
	unusable := make([]byte, 32)
	if _, err := rand.Read(unusable); err != nil {
		return AgentIdentity{}, fmt.Errorf("generating placeholder hash: %w", err)
	}
	user, err := p.store.CreateUser(ctx, name, name+"@agents.internal", "!"+hex.EncodeToString(unusable), true)
	if err != nil {
		return AgentIdentity{}, err
	}

	role, err := p.store.GetRoleByName(ctx, "agent")
	if err != nil {
		return AgentIdentity{}, err
	}
	if err := p.store.AssignRole(ctx, user.ID, role.ID, nil); err != nil {
		return AgentIdentity{}, err
	}

	expiry := time.Now().Add(agentIdentityTTL)
	for _, perm := range append(append([]string{}, agentBasePermissions...), extraPermissions...) {
		_, err := p.delegations.Create(ctx, authz.DelegationRequest{
			DelegatorID: creatorID,
			DelegateID:  user.ID,
			Permission:  perm,
			ProjectID:   projectID,
			ExpiresAt:   &expiry,
			Reason:      fmt.Sprintf("agent session %d", sessionID),
		})
		if platerr.IsKind(err, platerr.KindForbidden) || platerr.IsKind(err, platerr.KindBadRequest) {
			p.logger.Warn("skipping agent delegation",
				"session_id", sessionID, "permission", perm, "error", err)
			continue
		}
		if err != nil {
			return AgentIdentity{}, err
		}
	}

	raw, _, err := IssueToken(ctx, p.store, user.ID,
		fmt.Sprintf("agent-session-%d", sessionID), []string{"agent:session"}, &expiry)
	if err != nil {
		return AgentIdentity{}, err
	}

	p.logger.Info("provisioned agent identity",
		"session_id", sessionID, "agent_user_id", user.ID, "project_id", projectID)
	return AgentIdentity{UserID: user.ID, UserName: name, RawToken: raw}, nil
}

// Cleanup tears an agent identity down: revoke its delegations, delete its
// tokens and sessions, deactivate the user, and drop its cached permissions.
func (p *AgentProvisioner) Cleanup(ctx context.Context, agentUserID, projectID int64) error {
	if err := p.delegations.RevokeAllFor(ctx, agentUserID, projectID); err != nil {
		return fmt.Errorf("revoking agent delegations: %w", err)
	}
	if err := p.store.DeleteUserTokens(ctx, agentUserID); err != nil {
		return fmt.Errorf("deleting agent tokens: %w", err)
	}
	if err := p.store.DeleteUserAuthSessions(ctx, agentUserID); err != nil {
		return fmt.Errorf("deleting agent auth sessions: %w", err)
	}
	if err := p.store.DeactivateUser(ctx, agentUserID); err != nil {
		return fmt.Errorf("deactivating agent user: %w", err)
	}
	p.resolver.Invalidate(ctx, agentUserID, projectID)
	p.logger.Info("cleaned up agent identity", "agent_user_id", agentUserID)
	return nil
}
