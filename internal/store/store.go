// Package store persists gateway history on SQLite: routed-request records,
// admin audit entries, the default routing strategy, the encrypted credential
// vault blob, and gateway API keys. Channel and model configuration itself is
// not stored here; it comes from config files and live discovery.
package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for the gateway.
type Store interface {
	// Request log (admin log endpoint and stats reseeding)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, q LogQuery) ([]RequestLog, error)
	RecentRequestLogs(ctx context.Context, since time.Time, limit int) ([]RequestLog, error)
	GetMonthlySpend(ctx context.Context, apiKeyID string) (float64, error)

	// Audit logging for admin mutations
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Routing config persistence (survives restarts)
	SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error
	LoadRoutingConfig(ctx context.Context) (RoutingConfig, error)

	// Credential vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Gateway API keys (clients of this gateway, not upstream keys)
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RoutingConfig holds persisted routing defaults. The admin strategy endpoint
// writes here so a restart keeps the last selected strategy.
type RoutingConfig struct {
	DefaultStrategy string `json:"default_strategy"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "strategy.update", "blacklist.clear", "vault.unlock"
	Resource  string    `json:"resource"`             // e.g. "cost_first", "paid-openai"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for the admin log endpoint.
type RequestLog struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id,omitempty"`
	APIKeyID       string    `json:"api_key_id,omitempty"`
	ChannelID      string    `json:"channel_id"`
	ProviderID     string    `json:"provider_id"`
	RequestedModel string    `json:"requested_model"`
	ServedModel    string    `json:"served_model"`
	Strategy       string    `json:"strategy"`
	Attempts       int       `json:"attempts"`
	Stream         bool      `json:"stream"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	PriceSource    string    `json:"price_source,omitempty"` // static, discovered, none
	LatencyMs      int64     `json:"latency_ms"`
	StatusCode     int       `json:"status_code"`
	ErrorClass     string    `json:"error_class,omitempty"`
}

// LogQuery narrows a request-log listing. Zero-value fields are ignored.
type LogQuery struct {
	ChannelID string
	ModelID   string // matches either the requested or the served model
	Limit     int
	Offset    int
}

// APIKeyRecord is a gateway client or admin key. KeyHash is a bcrypt hash;
// the raw key is shown once at creation and never stored.
type APIKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`
	KeyPrefix        string     `json:"key_prefix"`
	Name             string     `json:"name"`
	Scopes           string     `json:"scopes"` // JSON array, e.g. ["chat"] or ["chat","admin"]
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RotationDays     int        `json:"rotation_days,omitempty"`
	Enabled          bool       `json:"enabled"`
}
