package secrets

import (
	"context"
	"testing"

	"forgeplane/control/internal/secretbox"
	"forgeplane/control/internal/store"
)

const testKey = "0000000000000000000000000000000000000000000000000000000000000001"

type fakeSecretStore struct {
	secrets []store.Secret
}

func (f *fakeSecretStore) SecretsForScope(context.Context, int64, string) ([]store.Secret, error) {
	return f.secrets, nil
}

func seal(t *testing.T, box *secretbox.Box, value string) []byte {
	t.Helper()
	ct, err := box.Seal([]byte(value))
	if err != nil {
		t.Fatal(err)
	}
	return ct
}

func TestEnvForDecrypts(t *testing.T) {
	box, err := secretbox.New(testKey)
	if err != nil {
		t.Fatal(err)
	}
	projectID := int64(1)
	st := &fakeSecretStore{secrets: []store.Secret{
		{Name: "API_KEY", ProjectID: &projectID, Ciphertext: seal(t, box, "project-value")},
		{Name: "API_KEY", Ciphertext: seal(t, box, "global-value")},
		{Name: "DB_PASS", Ciphertext: seal(t, box, "hunter2")},
	}}
	inj := NewInjector(st, box)

	env, err := inj.EnvFor(context.Background(), 1, store.SecretScopePipeline)
	if err != nil {
		t.Fatalf("EnvFor: %v", err)
	}
	if env["API_KEY"] != "project-value" {
		t.Errorf("API_KEY = %q, want the project secret to shadow the global", env["API_KEY"])
	}
	if env["DB_PASS"] != "hunter2" {
		t.Errorf("DB_PASS = %q", env["DB_PASS"])
	}
}

func TestEnvForBadCiphertext(t *testing.T) {
	box, err := secretbox.New(testKey)
	if err != nil {
		t.Fatal(err)
	}
	st := &fakeSecretStore{secrets: []store.Secret{
		{Name: "BROKEN", Ciphertext: []byte("garbage")},
	}}
	if _, err := NewInjector(st, box).EnvFor(context.Background(), 1, store.SecretScopeAgent); err == nil {
		t.Fatal("expected an error for undecryptable ciphertext")
	}
}
