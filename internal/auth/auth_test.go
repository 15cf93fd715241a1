package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opshalo/opshalo/pkg/contracts"
)

var testSecret = []byte("test-admin-secret")

func adminRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/instances", nil)
	if token != "" {
		r.Header.Set("X-Admin-Token", token)
	}
	return r
}

func TestAdminTokenRoundTrip(t *testing.T) {
	p := NewAdminTokenProviderWithSecret(testSecret)

	token, err := GenerateAdminToken(testSecret, "ops@acme", "acme", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	identity, err := p.Authenticate(context.Background(), adminRequest(t, token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity == nil {
		t.Fatal("expected an identity")
	}
	if identity.Subject != "ops@acme" || identity.TenantID != "acme" || identity.Role != "admin" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestAdminTokenRejectsTampering(t *testing.T) {
	p := NewAdminTokenProviderWithSecret(testSecret)
	ctx := context.Background()

	// Signed under a different secret.
	forged, err := GenerateAdminToken([]byte("other-secret"), "ops@acme", "acme", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}
	if _, err := p.Authenticate(ctx, adminRequest(t, forged)); err == nil {
		t.Fatal("token signed under a different secret was accepted")
	}

	// Expired.
	expired, err := GenerateAdminToken(testSecret, "ops@acme", "acme", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}
	if _, err := p.Authenticate(ctx, adminRequest(t, expired)); err == nil {
		t.Fatal("expired token was accepted")
	}

	// Structurally broken.
	for _, token := range []string{"garbage", "a.b", "onlyonepart"} {
		if _, err := p.Authenticate(ctx, adminRequest(t, token)); err == nil {
			t.Fatalf("malformed token %q was accepted", token)
		}
	}
}

func TestAdminProviderPassesWithoutHeader(t *testing.T) {
	p := NewAdminTokenProviderWithSecret(testSecret)

	identity, err := p.Authenticate(context.Background(), adminRequest(t, ""))
	if identity != nil || err != nil {
		t.Fatalf("no-header request: identity=%v err=%v, want nil/nil", identity, err)
	}
}

// chain test doubles

type passProvider struct{ name string }

func (p passProvider) Name() string  { return p.name }
func (p passProvider) Enabled() bool { return true }
func (p passProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return nil, nil
}

type matchProvider struct{ subject string }

func (p matchProvider) Name() string  { return "match" }
func (p matchProvider) Enabled() bool { return true }
func (p matchProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return &contracts.Identity{Subject: p.subject, Provider: "match"}, nil
}

type rejectProvider struct{}

func (rejectProvider) Name() string  { return "reject" }
func (rejectProvider) Enabled() bool { return true }
func (rejectProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return nil, errors.New("bad credentials")
}

type disabledProvider struct{}

func (disabledProvider) Name() string  { return "disabled" }
func (disabledProvider) Enabled() bool { return false }
func (disabledProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return &contracts.Identity{Subject: "never"}, nil
}

func TestChainWalksInOrder(t *testing.T) {
	chain := NewProviderChain()
	chain.RegisterProvider(passProvider{name: "first"})
	chain.RegisterProvider(disabledProvider{})
	chain.RegisterProvider(matchProvider{subject: "ops@acme"})
	chain.RegisterProvider(rejectProvider{})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil)
	identity, err := chain.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity == nil || identity.Subject != "ops@acme" {
		t.Fatalf("identity = %+v, want subject ops@acme", identity)
	}
}

func TestChainRejectStopsWalk(t *testing.T) {
	chain := NewProviderChain()
	chain.RegisterProvider(rejectProvider{})
	chain.RegisterProvider(matchProvider{subject: "ops@acme"})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil)
	if _, err := chain.Authenticate(context.Background(), r); err == nil {
		t.Fatal("rejection by an earlier provider did not stop the walk")
	}
}

func TestChainAnonymousWhenNoMatch(t *testing.T) {
	chain := NewProviderChain()
	chain.RegisterProvider(passProvider{name: "only"})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	identity, err := chain.Authenticate(context.Background(), r)
	if identity != nil || err != nil {
		t.Fatalf("identity=%v err=%v, want nil/nil (anonymous)", identity, err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(r); got != "" {
		t.Fatalf("bearerToken without header = %q", got)
	}
	r.Header.Set("Authorization", "Bearer  opshalo_secret ")
	if got := bearerToken(r); got != "opshalo_secret" {
		t.Fatalf("bearerToken = %q, want opshalo_secret", got)
	}
	r.Header.Set("Authorization", "Basic dXNlcg==")
	if got := bearerToken(r); got != "" {
		t.Fatalf("bearerToken for Basic = %q, want empty", got)
	}
}
