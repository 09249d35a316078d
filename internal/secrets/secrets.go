// Package secrets resolves stored secret ciphertext into plaintext env maps
// at pod injection time. Plaintext never touches logs or the store.
package secrets

import (
	"context"
	"fmt"

	"forgeplane/control/internal/secretbox"
	"forgeplane/control/internal/store"
)

// secretStore lists the injectable secrets for a scope.
type secretStore interface {
	SecretsForScope(ctx context.Context, projectID int64, scope string) ([]store.Secret, error)
}

// Injector decrypts secrets for one injection scope.
type Injector struct {
	st  secretStore
	box *secretbox.Box
}

func NewInjector(st secretStore, box *secretbox.Box) *Injector {
	return &Injector{st: st, box: box}
}

// EnvFor returns the decrypted name-to-value map for pods of the given scope.
// Project secrets shadow globals of the same name.
func (i *Injector) EnvFor(ctx context.Context, projectID int64, scope string) (map[string]string, error) {
	list, err := i.st.SecretsForScope(ctx, projectID, scope)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(list))
	for _, sec := range list {
		if _, taken := env[sec.Name]; taken && sec.ProjectID == nil {
			continue
		}
		plaintext, err := i.box.Open(sec.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypting secret %q: %w", sec.Name, err)
		}
		env[sec.Name] = string(plaintext)
	}
	return env, nil
}

// Seal encrypts a value for storage.
func (i *Injector) Seal(value string) ([]byte, error) {
	return i.box.Seal([]byte(value))
}
