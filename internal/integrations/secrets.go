package integrations

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/opshalo/opshalo/pkg/models"
)

// EnvSecretStore resolves secret references against the process environment
// plus an in-memory overlay. References use the form "env:VAR_NAME"; bare
// references are looked up in the overlay only, so arbitrary environment
// reads require the explicit prefix.
type EnvSecretStore struct {
	mu      sync.RWMutex
	overlay map[string]string
}

// NewEnvSecretStore creates a secret store with an empty overlay.
func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{overlay: make(map[string]string)}
}

// Set stores a secret value in the overlay. Tests and zero-config wiring
// use it; the reference is the plain name.
func (s *EnvSecretStore) Set(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay[ref] = value
}

// Resolve implements contracts.SecretStore.
func (s *EnvSecretStore) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret reference", models.ErrValidation)
	}

	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("%w: secret %s", models.ErrNotFound, ref)
	}

	s.mu.RLock()
	value, ok := s.overlay[ref]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: secret %s", models.ErrNotFound, ref)
	}
	return value, nil
}

var _ contracts.SecretStore = (*EnvSecretStore)(nil)
