package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opshalo/opshalo/internal/vault"
	"github.com/opshalo/opshalo/pkg/contracts"
)

// identityTTL bounds how long a verified credential identity is considered
// fresh by downstream consumers. Verification itself happens per request.
const identityTTL = time.Hour

// CredentialProvider authenticates agent clients with vault-issued access
// credentials: Authorization: Bearer <credential> plus X-Instance-ID naming
// the agent instance the credential belongs to.
//
// The bcrypt comparison happens in the vault on every request; no verified
// state is cached here.
type CredentialProvider struct {
	vault *vault.Vault
}

// NewCredentialProvider creates a provider backed by the credential vault.
func NewCredentialProvider(v *vault.Vault) *CredentialProvider {
	return &CredentialProvider{vault: v}
}

func (p *CredentialProvider) Name() string  { return "agent-credential" }
func (p *CredentialProvider) Enabled() bool { return p.vault != nil }

// Authenticate verifies the presented credential against the vault.
// Returns (nil, nil) when the request carries no bearer credential or no
// instance header, so the next provider can try.
func (p *CredentialProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	credential := bearerToken(r)
	instanceID := r.Header.Get("X-Instance-ID")
	if credential == "" || instanceID == "" {
		return nil, nil
	}

	inst, err := p.vault.Verify(ctx, instanceID, credential)
	if err != nil {
		return nil, fmt.Errorf("credential verification: %w", err)
	}

	return &contracts.Identity{
		Subject:    "instance:" + inst.ID,
		Provider:   "agent-credential",
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Role:       "agent",
		ExpiresAt:  time.Now().Add(identityTTL),
	}, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
