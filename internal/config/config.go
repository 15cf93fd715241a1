package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Opshalo orchestration server.
type Config struct {
	Port    int
	Version string

	Database   DatabaseConfig
	Telemetry  TelemetryConfig
	Vault      VaultConfig
	Sessions   SessionConfig
	Cache      CacheConfig
	Escalation EscalationConfig
	Tools      ToolConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory
	// store with snapshot persistence (zero-config local runs).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type VaultConfig struct {
	// MasterKey is the base64-encoded 32-byte AES key for the credential
	// recovery path. Required in production; a random ephemeral key is
	// generated when unset, which makes recovery fail across restarts.
	MasterKey string

	// BcryptCost is the work factor for credential hashing.
	BcryptCost int
}

type SessionConfig struct {
	// Retention is the default idle horizon after which threads expire.
	// Tenants may override it through the directory.
	Retention time.Duration

	// SweepInterval is how often the retention janitor runs.
	SweepInterval time.Duration
}

type CacheConfig struct {
	// IdleTTL evicts tenant config entries not read for this long. This is
	// a safety net; explicit invalidation remains the correctness mechanism.
	IdleTTL time.Duration

	// SweepInterval is how often the idle-eviction janitor runs.
	SweepInterval time.Duration
}

type EscalationConfig struct {
	// TicketingURL is the base URL of the downstream ticketing executor.
	// Empty selects the in-memory stub (zero-config local runs).
	TicketingURL string

	// TicketingToken is the bearer credential for the ticketing executor.
	TicketingToken string

	// DedupeWindow is the coarse time bucket for the idempotency key.
	DedupeWindow time.Duration

	// PolicyFile optionally points at a YAML policy with risk-table and
	// severity overrides.
	PolicyFile string
}

type ToolConfig struct {
	// InvokeTimeout bounds each external tool or provider call.
	InvokeTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("OPSHALO_PORT", 8080),
		Version: envStr("OPSHALO_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opshalo-orchestrator"),
		},
		Vault: VaultConfig{
			MasterKey:  envStr("OPSHALO_MASTER_KEY", ""),
			BcryptCost: envInt("OPSHALO_BCRYPT_COST", 10),
		},
		Sessions: SessionConfig{
			Retention:     envDur("OPSHALO_THREAD_RETENTION", 30*24*time.Hour),
			SweepInterval: envDur("OPSHALO_THREAD_SWEEP_INTERVAL", 10*time.Minute),
		},
		Cache: CacheConfig{
			IdleTTL:       envDur("OPSHALO_CACHE_IDLE_TTL", time.Hour),
			SweepInterval: envDur("OPSHALO_CACHE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Escalation: EscalationConfig{
			TicketingURL:   envStr("OPSHALO_TICKETING_URL", ""),
			TicketingToken: envStr("OPSHALO_TICKETING_TOKEN", ""),
			DedupeWindow:   envDur("OPSHALO_DEDUPE_WINDOW", 5*time.Minute),
			PolicyFile:     envStr("OPSHALO_POLICY_FILE", ""),
		},
		Tools: ToolConfig{
			InvokeTimeout: envDur("OPSHALO_TOOL_TIMEOUT", 15*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
