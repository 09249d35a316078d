// Package identity issues API tokens and provisions the ephemeral identities
// agent sessions run under.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgeplane/control/internal/platerr"
	"forgeplane/control/internal/store"
)

// tokenPrefix marks raw tokens so leaked strings are recognizable in scans.
const tokenPrefix = "fp_"

// NewToken generates a raw bearer token and its storage hash. The raw form is
// returned exactly once; only the hash is ever persisted.
func NewToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	raw = tokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken derives the storage hash for a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// tokenStore is the slice of the store token issuance needs.
type tokenStore interface {
	CreateAPIToken(ctx context.Context, userID int64, name, tokenHash string, scopes []byte, expiresAt *time.Time) (store.APIToken, error)
	GetAPITokenByHash(ctx context.Context, tokenHash string) (store.APIToken, error)
}

// IssueToken creates a scoped API token for a user and returns the raw token.
func IssueToken(ctx context.Context, st tokenStore, userID int64, name string, scopes []string, expiresAt *time.Time) (string, store.APIToken, error) {
	raw, hash, err := NewToken()
	if err != nil {
		return "", store.APIToken{}, err
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return "", store.APIToken{}, fmt.Errorf("encoding scopes: %w", err)
	}
	tok, err := st.CreateAPIToken(ctx, userID, name, hash, scopesJSON, expiresAt)
	if err != nil {
		return "", store.APIToken{}, err
	}
	return raw, tok, nil
}

// Authenticate resolves a raw bearer token to its row. Malformed tokens fail
// fast without a database round trip.
func Authenticate(ctx context.Context, st tokenStore, raw string) (store.APIToken, error) {
	if !strings.HasPrefix(raw, tokenPrefix) {
		return store.APIToken{}, platerr.New(platerr.KindUnauthorized, "invalid token")
	}
	tok, err := st.GetAPITokenByHash(ctx, HashToken(raw))
	if platerr.IsKind(err, platerr.KindNotFound) {
		return store.APIToken{}, platerr.New(platerr.KindUnauthorized, "invalid token")
	}
	if err != nil {
		return store.APIToken{}, err
	}
	return tok, nil
}

// TokenScopes decodes the scope list stored on a token row.
func TokenScopes(tok store.APIToken) []string {
	var scopes []string
	if err := json.Unmarshal(tok.Scopes, &scopes); err != nil {
		return nil
	}
	return scopes
}
