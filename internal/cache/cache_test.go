package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb, slog.Default())
}

func TestPermissionsCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.GetPermissions(ctx, 1, 0); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.SetPermissions(ctx, 1, 0, []string{"project:read", "deploy:read"})
	perms, ok := c.GetPermissions(ctx, 1, 0)
	if !ok {
		t.Fatal("expected hit after set")
	}
	found := map[string]bool{}
	for _, p := range perms {
		found[p] = true
	}
	if !found["project:read"] || !found["deploy:read"] {
		t.Errorf("cached perms = %v, want project:read and deploy:read", perms)
	}
}

func TestPermissionsEmptySetStillHits(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.SetPermissions(ctx, 2, 7, nil)
	perms, ok := c.GetPermissions(ctx, 2, 7)
	if !ok {
		t.Fatal("expected hit for cached empty set")
	}
	for _, p := range perms {
		if p != "-" {
			t.Errorf("unexpected permission %q in empty set", p)
		}
	}
}

func TestInvalidatePermissions(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.SetPermissions(ctx, 3, 0, []string{"project:read"})
	c.SetPermissions(ctx, 3, 9, []string{"project:write"})

	c.InvalidatePermissions(ctx, 3, 9)
	if _, ok := c.GetPermissions(ctx, 3, 0); ok {
		t.Error("global entry should be invalidated")
	}
	if _, ok := c.GetPermissions(ctx, 3, 9); ok {
		t.Error("project entry should be invalidated")
	}
}

func TestIncrWithinWindow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrWithinWindow(ctx, "notify:42", time.Hour)
		if err != nil {
			t.Fatalf("IncrWithinWindow: %v", err)
		}
		if got != want {
			t.Errorf("counter = %d, want %d", got, want)
		}
	}
}

func TestGetIntParse(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.SetString(ctx, "k", "123", time.Minute)
	if n, ok := c.GetInt(ctx, "k"); !ok || n != 123 {
		t.Errorf("GetInt = %d, %v; want 123, true", n, ok)
	}
	c.SetString(ctx, "bad", "x", time.Minute)
	if _, ok := c.GetInt(ctx, "bad"); ok {
		t.Error("GetInt on non-numeric value should miss")
	}
}
