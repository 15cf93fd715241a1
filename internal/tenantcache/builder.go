package tenantcache

import (
	"context"
	"time"

	"github.com/opshalo/opshalo/internal/store"
	"github.com/opshalo/opshalo/internal/tools"
	"github.com/opshalo/opshalo/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// standardTools are the read-only capabilities every tenant agent carries.
// Kinds without live configuration get a mock driver, so the capability set
// is uniform regardless of mode.
var standardTools = []string{"loghunt", "firewall", "metrics", "knowledge"}

// DefaultAgentType is the agent type resolved when a chat request does not
// name one.
const DefaultAgentType = "assistant"

// ConfigBuilder resolves a tenant's persisted instance configuration into a
// cache Entry with constructed tool handles.
type ConfigBuilder struct {
	store       store.Store
	secrets     contracts.SecretStore
	toolTimeout time.Duration
}

// NewConfigBuilder creates the production Builder.
func NewConfigBuilder(s store.Store, secrets contracts.SecretStore, toolTimeout time.Duration) *ConfigBuilder {
	return &ConfigBuilder{store: s, secrets: secrets, toolTimeout: toolTimeout}
}

// Build reads the tenant's active instance and constructs tool handles.
// Missing configuration or unreachable collaborators degrade to mock mode;
// Build only fails on storage errors other than "no instance yet".
func (b *ConfigBuilder) Build(ctx context.Context, tenantID string) (*Entry, error) {
	entry := &Entry{
		TenantID: tenantID,
		Mode:     "mock",
		Chat:     tools.MockChat{},
		Tools:    make(map[string]contracts.ToolDriver, len(standardTools)),
	}
	for _, kind := range standardTools {
		entry.Tools[kind] = tools.NewMockDriver(kind)
	}

	inst, err := b.store.GetActiveInstance(ctx, tenantID, DefaultAgentType)
	if err != nil {
		// No provisioned instance is a valid state: the tenant converses
		// in mock mode until an admin configures one.
		entry.BuiltAt = time.Now().UTC()
		log.Info().Str("tenant", tenantID).Msg("No active instance, tenant config built in mock mode")
		return entry, nil
	}
	entry.InstanceID = inst.ID

	if inst.Config.HasChatConfig() {
		apiKey, err := b.secrets.Resolve(ctx, inst.Config.ChatKeyRef)
		if err != nil {
			// Not retried synchronously: the mock entry is cached and a
			// later invalidation or eviction triggers the next attempt.
			log.Warn().Err(err).Str("tenant", tenantID).Msg("Chat key resolution failed, staying in mock mode")
		} else {
			entry.Chat = tools.NewChatDriver(inst.Config.ChatEndpoint, inst.Config.ChatModel, apiKey, 2*b.toolTimeout)
			entry.Mode = "live"
		}
	}

	if inst.Config.KnowledgeEndpoint != "" && inst.Config.KnowledgeIndex != "" {
		apiKey := ""
		if inst.Config.KnowledgeKeyRef != "" {
			if resolved, err := b.secrets.Resolve(ctx, inst.Config.KnowledgeKeyRef); err != nil {
				log.Warn().Err(err).Str("tenant", tenantID).Msg("Knowledge key resolution failed, using mock knowledge driver")
			} else {
				apiKey = resolved
			}
		}
		if apiKey != "" || inst.Config.KnowledgeKeyRef == "" {
			entry.Tools["knowledge"] = tools.NewKnowledgeDriver(
				inst.Config.KnowledgeEndpoint, inst.Config.KnowledgeIndex, apiKey, b.toolTimeout)
		}
	}

	for kind, ep := range inst.Config.Tools {
		apiKey := ""
		if ep.KeyRef != "" {
			if resolved, err := b.secrets.Resolve(ctx, ep.KeyRef); err != nil {
				log.Warn().Err(err).Str("tenant", tenantID).Str("tool", kind).Msg("Tool key resolution failed, keeping mock driver")
				continue
			} else {
				apiKey = resolved
			}
		}
		entry.Tools[kind] = tools.NewHTTPDriver(kind, ep.URL, apiKey, b.toolTimeout)
	}

	entry.BuiltAt = time.Now().UTC()
	log.Info().
		Str("tenant", tenantID).
		Str("mode", entry.Mode).
		Str("instance", inst.ID).
		Msg("Tenant config built")
	return entry, nil
}

var _ Builder = (*ConfigBuilder)(nil)
