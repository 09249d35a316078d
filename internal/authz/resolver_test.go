package authz

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// ---- fakes ----

type fakePermStore struct {
	perms   map[int64][]string // keyed by user id
	queries int
}

func (f *fakePermStore) EffectivePermissions(_ context.Context, userID int64, _ *int64) ([]string, error) {
	f.queries++
	return f.perms[userID], nil
}

type fakeCache struct {
	entries map[string][]string
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string][]string{}} }

func ck(userID, projectID int64) string {
	if projectID == 0 {
		return fmt.Sprintf("%d:global", userID)
	}
	return fmt.Sprintf("%d:%d", userID, projectID)
}

func (f *fakeCache) GetPermissions(_ context.Context, userID, projectID int64) ([]string, bool) {
	v, ok := f.entries[ck(userID, projectID)]
	return v, ok
}

func (f *fakeCache) SetPermissions(_ context.Context, userID, projectID int64, perms []string) {
	f.entries[ck(userID, projectID)] = perms
}

func (f *fakeCache) InvalidatePermissions(_ context.Context, userID, projectID int64) {
	delete(f.entries, ck(userID, 0))
	delete(f.entries, ck(userID, projectID))
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ---- resolver ----

func TestHasResolvesAndCaches(t *testing.T) {
	st := &fakePermStore{perms: map[int64][]string{1: {"project:read", "deploy:write"}}}
	r := NewResolver(st, newFakeCache(), discard())
	ctx := context.Background()

	ok, err := r.Has(ctx, 1, 5, "deploy:write")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Error("expected deploy:write to be held")
	}

	if ok, _ := r.Has(ctx, 1, 5, "user:manage"); ok {
		t.Error("user:manage should not be held")
	}
	if st.queries != 1 {
		t.Errorf("store queried %d times, want 1 (second lookup cached)", st.queries)
	}
}

func TestInvalidateForcesRequery(t *testing.T) {
	st := &fakePermStore{perms: map[int64][]string{1: {"project:read"}}}
	r := NewResolver(st, newFakeCache(), discard())
	ctx := context.Background()

	r.Has(ctx, 1, 5, "project:read")
	r.Invalidate(ctx, 1, 5)
	r.Has(ctx, 1, 5, "project:read")
	if st.queries != 2 {
		t.Errorf("store queried %d times, want 2 after invalidation", st.queries)
	}
}

func TestTokenScopeIntersection(t *testing.T) {
	cases := []struct {
		name  string
		scope []string
		perm  string
		want  bool
	}{
		{"no scope unrestricted", nil, "deploy:write", true},
		{"wildcard unrestricted", []string{"*"}, "deploy:write", true},
		{"perm in scope", []string{"project:read", "deploy:write"}, "deploy:write", true},
		{"perm outside scope", []string{"project:read"}, "deploy:write", false},
	}
	st := &fakePermStore{perms: map[int64][]string{1: {"project:read", "deploy:write"}}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewResolver(st, newFakeCache(), discard())
			ctx := WithTokenScope(context.Background(), tc.scope)
			got, err := r.Has(ctx, 1, 5, tc.perm)
			if err != nil {
				t.Fatalf("Has: %v", err)
			}
			if got != tc.want {
				t.Errorf("Has(%q) with scope %v = %v, want %v", tc.perm, tc.scope, got, tc.want)
			}
		})
	}
}

func TestEffectiveSetDropsSentinel(t *testing.T) {
	cache := newFakeCache()
	cache.SetPermissions(context.Background(), 1, 0, []string{"-"})
	r := NewResolver(&fakePermStore{}, cache, discard())
	set, err := r.EffectiveSet(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("EffectiveSet: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("set = %v, want empty", set)
	}
}

// ---- delegation manager ----

type fakeDelegationStore struct {
	permIDs  map[string]int64
	created  []store.Delegation
	revoked  []int64
	bulkFor  []int64
	nextID   int64
	activeID map[int64]store.Delegation
}

func (f *fakeDelegationStore) ResolvePermission(_ context.Context, code string) (int64, error) {
	id, ok := f.permIDs[code]
	if !ok {
		return 0, platerr.Newf(platerr.KindBadRequest, "unknown permission %q", code)
	}
	return id, nil
}

func (f *fakeDelegationStore) CreateDelegation(_ context.Context, delegatorID, delegateID, permissionID int64, projectID *int64, expiresAt *time.Time, reason string) (store.Delegation, error) {
	f.nextID++
	d := store.Delegation{ID: f.nextID, DelegatorID: delegatorID, DelegateID: delegateID,
		PermissionID: permissionID, ProjectID: projectID, ExpiresAt: expiresAt, Reason: reason}
	f.created = append(f.created, d)
	return d, nil
}

func (f *fakeDelegationStore) RevokeDelegation(_ context.Context, id int64) (store.Delegation, error) {
	d, ok := f.activeID[id]
	if !ok {
		return store.Delegation{}, platerr.NotFound("delegation")
	}
	delete(f.activeID, id)
	f.revoked = append(f.revoked, id)
	return d, nil
}

func (f *fakeDelegationStore) RevokeDelegationsForDelegate(_ context.Context, delegateID int64) error {
	f.bulkFor = append(f.bulkFor, delegateID)
	return nil
}

func TestCreateDelegationRequiresAuthority(t *testing.T) {
	perms := &fakePermStore{perms: map[int64][]string{10: {"deploy:write"}}}
	resolver := NewResolver(perms, newFakeCache(), discard())
	ds := &fakeDelegationStore{permIDs: map[string]int64{"deploy:write": 3, "user:manage": 4}}
	m := NewDelegationManager(ds, resolver, discard())
	ctx := context.Background()

	if _, err := m.Create(ctx, DelegationRequest{DelegatorID: 10, DelegateID: 20, Permission: "user:manage", ProjectID: 5}); !platerr.IsKind(err, platerr.KindForbidden) {
		t.Errorf("delegating an unheld permission: kind = %v, want Forbidden", platerr.KindOf(err))
	}

	d, err := m.Create(ctx, DelegationRequest{DelegatorID: 10, DelegateID: 20, Permission: "deploy:write", ProjectID: 5, Reason: "on-call"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.DelegateID != 20 || d.PermissionID != 3 {
		t.Errorf("created delegation = %+v, want delegate 20 perm 3", d)
	}
	if d.ProjectID == nil || *d.ProjectID != 5 {
		t.Errorf("project scope = %v, want 5", d.ProjectID)
	}
}

func TestCreateDelegationInvalidatesDelegate(t *testing.T) {
	perms := &fakePermStore{perms: map[int64][]string{
		10: {"deploy:write"},
		20: nil,
	}}
	cache := newFakeCache()
	resolver := NewResolver(perms, cache, discard())
	ds := &fakeDelegationStore{permIDs: map[string]int64{"deploy:write": 3}}
	m := NewDelegationManager(ds, resolver, discard())
	ctx := context.Background()

	resolver.Has(ctx, 20, 5, "deploy:write")
	if _, ok := cache.GetPermissions(ctx, 20, 5); !ok {
		t.Fatal("expected delegate set cached before create")
	}
	if _, err := m.Create(ctx, DelegationRequest{DelegatorID: 10, DelegateID: 20, Permission: "deploy:write", ProjectID: 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := cache.GetPermissions(ctx, 20, 5); ok {
		t.Error("delegate cache entry should be invalidated after create")
	}
}

func TestRevokeDelegationTwice(t *testing.T) {
	proj := int64(5)
	ds := &fakeDelegationStore{activeID: map[int64]store.Delegation{
		7: {ID: 7, DelegateID: 20, ProjectID: &proj},
	}}
	resolver := NewResolver(&fakePermStore{}, newFakeCache(), discard())
	m := NewDelegationManager(ds, resolver, discard())
	ctx := context.Background()

	if err := m.Revoke(ctx, 7); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := m.Revoke(ctx, 7); !platerr.IsKind(err, platerr.KindNotFound) {
		t.Errorf("second revoke: kind = %v, want NotFound", platerr.KindOf(err))
	}
}
