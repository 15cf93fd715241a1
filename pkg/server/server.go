// Package server provides the public entry point for initializing the
// Opshalo orchestration core.
//
// It lives in pkg/ (not internal/) so deployment repos can import it and
// compose the core with their own collaborators:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/opshalo/opshalo/internal/api"
	"github.com/opshalo/opshalo/internal/api/handlers"
	"github.com/opshalo/opshalo/internal/auth"
	"github.com/opshalo/opshalo/internal/config"
	"github.com/opshalo/opshalo/internal/escalation"
	"github.com/opshalo/opshalo/internal/integrations"
	"github.com/opshalo/opshalo/internal/intent"
	"github.com/opshalo/opshalo/internal/notify"
	"github.com/opshalo/opshalo/internal/orchestrator"
	"github.com/opshalo/opshalo/internal/sessions"
	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/internal/telemetry"
	"github.com/opshalo/opshalo/internal/tenantcache"
	"github.com/opshalo/opshalo/internal/vault"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Options supplies deployment-provided collaborators. Nil fields select the
// in-tree defaults (env-seeded directory, env secret store, stub or HTTP
// ticketing per configuration).
type Options struct {
	Directory contracts.Directory
	Secrets   contracts.SecretStore
	Ticketing contracts.Ticketing
}

// Server holds the initialized Opshalo core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory or Postgres per configuration).
	Store store.Store

	// AuthChain is exposed so deployments can register extra providers.
	AuthChain *auth.ProviderChain

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops background loops. Call it
	// on graceful shutdown, after the HTTP server has drained.
	ShutdownFunc func(context.Context) error
}

// New initializes the core with environment configuration and the default
// collaborators.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, config.Load(), Options{})
}

// NewWithOptions initializes the core with explicit configuration and
// collaborator overrides.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Store selection: Postgres when configured, in-memory otherwise.
	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("Postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	directory := opts.Directory
	if directory == nil {
		directory = integrations.DirectoryFromEnv()
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = integrations.NewEnvSecretStore()
	}
	ticketing := opts.Ticketing
	if ticketing == nil {
		if cfg.Escalation.TicketingURL != "" {
			ticketing = integrations.NewWardenClient(cfg.Escalation.TicketingURL, cfg.Escalation.TicketingToken)
			log.Info().Str("url", cfg.Escalation.TicketingURL).Msg("Warden ticketing client initialized")
		} else {
			ticketing = integrations.NewStubTicketing()
			log.Warn().Msg("OPSHALO_TICKETING_URL not set, escalations go to the in-memory stub")
		}
	}

	// Credential vault
	credentialVault, err := vault.New(dataStore, directory, cfg.Vault.MasterKey, cfg.Vault.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	// Tenant config cache, invalidated by every vault mutation
	builder := tenantcache.NewConfigBuilder(dataStore, secrets, cfg.Tools.InvokeTimeout)
	cache := tenantcache.New(builder, cfg.Cache.IdleTTL, cfg.Cache.SweepInterval)
	credentialVault.SetInvalidator(cache.Invalidate)

	// Sessions and the retention janitor
	sessionManager := sessions.NewManager(dataStore)
	janitor := sessions.NewJanitor(dataStore, directory, cfg.Sessions.Retention, cfg.Sessions.SweepInterval)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go janitor.Run(janitorCtx)

	// Escalation policy, classifier, gateway
	policy, err := escalation.LoadPolicy(cfg.Escalation.PolicyFile, cfg.Escalation.DedupeWindow)
	if err != nil {
		stopJanitor()
		return nil, fmt.Errorf("load escalation policy: %w", err)
	}
	classifier := intent.NewClassifier(policy.HighRiskActions)
	gateway := escalation.New(dataStore, ticketing, policy)

	notifier := notify.NewService()
	gateway.SetNotifier(notifier)

	orch := orchestrator.New(cache, sessionManager, classifier, gateway)

	// Auth chain: agent credentials first, then admin tokens
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewCredentialProvider(credentialVault))
	chain.RegisterProvider(auth.NewAdminTokenProvider())

	h := handlers.New(dataStore, credentialVault, cache, sessionManager, orch, gateway, notifier)
	router := api.NewRouter(cfg, h, chain)

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		cache.Close()
		notifier.Drain()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		AuthChain:    chain,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
