package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
)

// AdminTokenProvider validates HMAC-signed administrator tokens presented in
// the X-Admin-Token header. Used by tenant operators and provisioning
// tooling for the credential lifecycle endpoints.
//
// Token format: base64(JSON payload) + "." + base64(HMAC-SHA256 signature)
// Payload: {"sub": "ops@tenant", "tenant": "acme", "exp": 1234567890}
//
// Config: OPSHALO_ADMIN_SECRET env var (HMAC secret key).
type AdminTokenProvider struct {
	secret  []byte
	enabled bool
}

type adminTokenPayload struct {
	Subject string `json:"sub"`
	Tenant  string `json:"tenant"`
	Exp     int64  `json:"exp"`
}

// NewAdminTokenProvider creates an admin token provider from environment
// config. An unset OPSHALO_ADMIN_SECRET disables it.
func NewAdminTokenProvider() *AdminTokenProvider {
	secret := os.Getenv("OPSHALO_ADMIN_SECRET")
	if secret == "" {
		return &AdminTokenProvider{enabled: false}
	}
	return &AdminTokenProvider{secret: []byte(secret), enabled: true}
}

// NewAdminTokenProviderWithSecret creates a provider with an explicit
// secret. Test hook.
func NewAdminTokenProviderWithSecret(secret []byte) *AdminTokenProvider {
	return &AdminTokenProvider{secret: secret, enabled: len(secret) > 0}
}

func (p *AdminTokenProvider) Name() string  { return "admin-token" }
func (p *AdminTokenProvider) Enabled() bool { return p.enabled }

// Authenticate validates the admin token. Returns (nil, nil) if no token is
// present, (nil, error) if a token is present but invalid.
func (p *AdminTokenProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Admin-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}

	return &contracts.Identity{
		Subject:   payload.Subject,
		Provider:  "admin-token",
		TenantID:  payload.Tenant,
		Role:      "admin",
		ExpiresAt: time.Unix(payload.Exp, 0),
	}, nil
}

func (p *AdminTokenProvider) validateToken(token string) (*adminTokenPayload, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, expectedSig) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	var payload adminTokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	if payload.Exp > 0 && time.Now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if payload.Tenant == "" {
		return nil, fmt.Errorf("missing tenant")
	}
	return &payload, nil
}

// GenerateAdminToken creates a signed admin token. Helper for provisioning
// tooling and tests; the server never calls it.
func GenerateAdminToken(secret []byte, subject, tenant string, ttl time.Duration) (string, error) {
	payload := adminTokenPayload{
		Subject: subject,
		Tenant:  tenant,
		Exp:     time.Now().Add(ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64, nil
}
