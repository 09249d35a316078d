// Package authz resolves effective permissions and manages delegated grants.
// The resolver is the single authority every request and background task
// consults; the delegation manager is the only writer of delegation rows.
package authz

import (
	"context"
	"log/slog"
)

// permissionStore is the slice of the store the resolver needs.
type permissionStore interface {
	EffectivePermissions(ctx context.Context, userID int64, projectID *int64) ([]string, error)
}

// permissionCache caches resolved permission sets per (user, project).
type permissionCache interface {
	GetPermissions(ctx context.Context, userID, projectID int64) ([]string, bool)
	SetPermissions(ctx context.Context, userID, projectID int64, perms []string)
	InvalidatePermissions(ctx context.Context, userID, projectID int64)
}

// Resolver answers "does this user hold this permission in this scope".
type Resolver struct {
	store  permissionStore
	cache  permissionCache
	logger *slog.Logger
}

// NewResolver builds a Resolver.
func NewResolver(st permissionStore, cache permissionCache, logger *slog.Logger) *Resolver {
	return &Resolver{store: st, cache: cache, logger: logger}
}

// EffectiveSet returns the user's permission codes for the scope. projectID 0
// means global scope. Cache misses fall through to one SQL query.
func (r *Resolver) EffectiveSet(ctx context.Context, userID, projectID int64) (map[string]bool, error) {
	if codes, ok := r.cache.GetPermissions(ctx, userID, projectID); ok {
		return toSet(codes), nil
	}
	var scope *int64
	if projectID != 0 {
		scope = &projectID
	}
	codes, err := r.store.EffectivePermissions(ctx, userID, scope)
	if err != nil {
		return nil, err
	}
	r.cache.SetPermissions(ctx, userID, projectID, codes)
	return toSet(codes), nil
}

// Has reports whether the user holds the permission in the scope, after
// intersecting with any token scope restriction on the context.
func (r *Resolver) Has(ctx context.Context, userID, projectID int64, permission string) (bool, error) {
	if !scopeAllows(TokenScopeFrom(ctx), permission) {
		return false, nil
	}
	set, err := r.EffectiveSet(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return set[permission], nil
}

// Invalidate drops the user's cached sets for global and the given project.
func (r *Resolver) Invalidate(ctx context.Context, userID, projectID int64) {
	r.cache.InvalidatePermissions(ctx, userID, projectID)
}

func toSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		if c == "-" {
			continue
		}
		set[c] = true
	}
	return set
}

// scopeAllows applies the token scope intersection. An empty scope or a "*"
// entry leaves the permission set unrestricted.
func scopeAllows(scope []string, permission string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == "*" || s == permission {
			return true
		}
	}
	return false
}

type scopeKey struct{}

// WithTokenScope records the authenticating token's scope on the context.
func WithTokenScope(ctx context.Context, scope []string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// TokenScopeFrom reads the token scope off the context, nil when absent.
func TokenScopeFrom(ctx context.Context) []string {
	scope, _ := ctx.Value(scopeKey{}).([]string)
	return scope
}
