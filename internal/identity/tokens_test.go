package identity

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

type fakeTokenStore struct {
	byHash map[string]store.APIToken
	nextID int64
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{byHash: map[string]store.APIToken{}}
}

func (f *fakeTokenStore) CreateAPIToken(_ context.Context, userID int64, name, tokenHash string, scopes []byte, expiresAt *time.Time) (store.APIToken, error) {
	f.nextID++
	t := store.APIToken{ID: f.nextID, UserID: userID, Name: name, TokenHash: tokenHash,
		Scopes: scopes, ExpiresAt: expiresAt}
	f.byHash[tokenHash] = t
	return t, nil
}

func (f *fakeTokenStore) GetAPITokenByHash(_ context.Context, tokenHash string) (store.APIToken, error) {
	t, ok := f.byHash[tokenHash]
	if !ok {
		return store.APIToken{}, platerr.NotFound("api token")
	}
	return t, nil
}

func TestNewTokenShape(t *testing.T) {
	raw, hash, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !strings.HasPrefix(raw, "fp_") {
		t.Errorf("raw token %q missing fp_ prefix", raw)
	}
	if len(raw) != len("fp_")+43 {
		t.Errorf("raw token length = %d, want %d", len(raw), len("fp_")+43)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if hash != HashToken(raw) {
		t.Error("hash does not match HashToken(raw)")
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	st := newFakeTokenStore()
	ctx := context.Background()

	raw, tok, err := IssueToken(ctx, st, 42, "ci", []string{"pipeline:write"}, nil)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if strings.Contains(string(tok.Scopes), raw) {
		t.Error("raw token must not appear in stored row")
	}

	got, err := Authenticate(ctx, st, raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.UserID != 42 {
		t.Errorf("authenticated user = %d, want 42", got.UserID)
	}
	if scopes := TokenScopes(got); len(scopes) != 1 || scopes[0] != "pipeline:write" {
		t.Errorf("scopes = %v, want [pipeline:write]", scopes)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	st := newFakeTokenStore()
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{"wrong prefix", "tok_abcdef"},
		{"unknown token", "fp_" + strings.Repeat("A", 43)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Authenticate(ctx, st, tc.raw)
			if !platerr.IsKind(err, platerr.KindUnauthorized) {
				t.Errorf("kind = %v, want Unauthorized", platerr.KindOf(err))
			}
		})
	}
}

func TestTokenScopesDecodesJSON(t *testing.T) {
	scopes, _ := json.Marshal([]string{"agent:session"})
	tok := store.APIToken{Scopes: scopes}
	if got := TokenScopes(tok); len(got) != 1 || got[0] != "agent:session" {
		t.Errorf("TokenScopes = %v, want [agent:session]", got)
	}
}
