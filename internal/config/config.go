package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Elder graph service.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Graph     GraphConfig
	Requests  RequestConfig
	Retention RetentionConfig
	RPC       RPCConfig
	Sync      SyncConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory
	// store (local dev, tests).
	URL            string
	MaxConnections int
	// DeadlockRetryMax bounds internal retries of serialization failures.
	DeadlockRetryMax int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type GraphConfig struct {
	// MaxHierarchyDepth caps org-tree depth; a deeper chain indicates
	// corruption and is rejected rather than walked.
	MaxHierarchyDepth int
	// MaxImpactDepth is the default BFS depth cap for impact queries.
	MaxImpactDepth int
	// HardImpactDepthCap is the absolute ceiling a caller may request.
	HardImpactDepthCap int
	AnalyzeTimeout     time.Duration
}

type RequestConfig struct {
	Timeout         time.Duration
	PageSizeDefault int
	PageSizeMax     int
	// PerTenantQPSSoftCap bounds request throughput per tenant; 0 disables.
	PerTenantQPSSoftCap int
}

type RetentionConfig struct {
	AuditRetentionDays       int
	MembershipDefaultTTLDays int
}

type RPCConfig struct {
	// Addr is the listen address for the RPC method catalog; empty disables.
	Addr string
}

type SyncConfig struct {
	// WebhookURL receives directory-sync signals for provider-linked groups;
	// empty disables outbound sync notifications.
	WebhookURL    string
	WebhookSecret string
}

// Load reads configuration from environment variables with the documented
// defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ELDER_PORT", 8080),
		Version: envStr("ELDER_VERSION", "1.0.0"),
		Database: DatabaseConfig{
			URL:              envStr("DATABASE_URL", ""),
			MaxConnections:   envInt("DATABASE_MAX_CONNECTIONS", 25),
			DeadlockRetryMax: envInt("DEADLOCK_RETRY_MAX", 3),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "elder-graph-service"),
		},
		Graph: GraphConfig{
			MaxHierarchyDepth:  envInt("MAX_HIERARCHY_DEPTH", 64),
			MaxImpactDepth:     envInt("MAX_IMPACT_DEPTH", 16),
			HardImpactDepthCap: 128,
			AnalyzeTimeout:     envMillis("GRAPH_ANALYZE_TIMEOUT_MS", 60_000),
		},
		Requests: RequestConfig{
			Timeout:             envMillis("REQUEST_TIMEOUT_MS", 30_000),
			PageSizeDefault:     envInt("PAGE_SIZE_DEFAULT", 50),
			PageSizeMax:         envInt("PAGE_SIZE_MAX", 1000),
			PerTenantQPSSoftCap: envInt("PER_TENANT_QPS_SOFT_CAP", 0),
		},
		Retention: RetentionConfig{
			AuditRetentionDays:       envInt("AUDIT_RETENTION_DAYS", 365),
			MembershipDefaultTTLDays: envInt("MEMBERSHIP_DEFAULT_TTL_DAYS", 90),
		},
		RPC: RPCConfig{
			Addr: envStr("ELDER_RPC_ADDR", ""),
		},
		Sync: SyncConfig{
			WebhookURL:    envStr("ELDER_SYNC_WEBHOOK_URL", ""),
			WebhookSecret: envStr("ELDER_SYNC_WEBHOOK_SECRET", ""),
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

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
