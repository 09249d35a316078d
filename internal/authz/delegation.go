package authz

import (
	"context"
	"log/slog"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// delegationStore is the slice of the store the delegation manager needs.
type delegationStore interface {
	ResolvePermission(ctx context.Context, code string) (int64, error)
	CreateDelegation(ctx context.Context, delegatorID, delegateID, permissionID int64, projectID *int64, expiresAt *time.Time, reason string) (store.Delegation, error)
	RevokeDelegation(ctx context.Context, id int64) (store.Delegation, error)
	RevokeDelegationsForDelegate(ctx context.Context, delegateID int64) error
}

// DelegationManager creates and revokes delegations and keeps the permission
// cache coherent with every change.
type DelegationManager struct {
	store    delegationStore
	resolver *Resolver
	logger   *slog.Logger
}

// NewDelegationManager builds a DelegationManager.
func NewDelegationManager(st delegationStore, resolver *Resolver, logger *slog.Logger) *DelegationManager {
	return &DelegationManager{store: st, resolver: resolver, logger: logger}
}

// DelegationRequest describes a grant to create. ProjectID 0 means global.
type DelegationRequest struct {
	DelegatorID int64
	DelegateID  int64
	Permission  string
	ProjectID   int64
	ExpiresAt   *time.Time
	Reason      string
}

// Create grants one permission from delegator to delegate. The delegator must
// itself hold the permission in the requested scope; nobody delegates
// authority they do not have.
func (m *DelegationManager) Create(ctx context.Context, req DelegationRequest) (store.Delegation, error) {
	held, err := m.resolver.Has(ctx, req.DelegatorID, req.ProjectID, req.Permission)
	if err != nil {
		return store.Delegation{}, err
	}
	if !held {
		return store.Delegation{}, platerr.Forbidden("delegator does not hold the delegated permission in this scope")
	}
	permID, err := m.store.ResolvePermission(ctx, req.Permission)
	if err != nil {
		return store.Delegation{}, err
	}
	var projectScope *int64
	if req.ProjectID != 0 {
		p := req.ProjectID
		projectScope = &p
	}
	d, err := m.store.CreateDelegation(ctx, req.DelegatorID, req.DelegateID, permID, projectScope, req.ExpiresAt, req.Reason)
	if err != nil {
		return store.Delegation{}, err
	}
	m.resolver.Invalidate(ctx, req.DelegateID, req.ProjectID)
	m.logger.Info("delegation created",
		"delegation_id", d.ID,
		"delegator_id", req.DelegatorID,
		"delegate_id", req.DelegateID,
		"permission", req.Permission,
		"project_id", req.ProjectID)
	return d, nil
}

// Revoke ends an active delegation. Revoking twice is a not-found.
func (m *DelegationManager) Revoke(ctx context.Context, id int64) error {
	d, err := m.store.RevokeDelegation(ctx, id)
	if err != nil {
		return err
	}
	var projectID int64
	if d.ProjectID != nil {
		projectID = *d.ProjectID
	}
	m.resolver.Invalidate(ctx, d.DelegateID, projectID)
	m.logger.Info("delegation revoked", "delegation_id", id, "delegate_id", d.DelegateID)
	return nil
}

// RevokeAllFor revokes every active delegation naming the delegate. Used when
// an ephemeral agent identity is torn down.
func (m *DelegationManager) RevokeAllFor(ctx context.Context, delegateID, projectID int64) error {
	if err := m.store.RevokeDelegationsForDelegate(ctx, delegateID); err != nil {
		return err
	}
	m.resolver.Invalidate(ctx, delegateID, projectID)
	return nil
}
