package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by the latency history store).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			request_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			requested_model TEXT NOT NULL,
			served_model TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 1,
			stream INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			price_source TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			error_class TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_channel ON request_logs(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_api_key ON request_logs(api_key_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS routing_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			default_strategy TEXT NOT NULL DEFAULT 'free_first'
		)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '["chat"]',
			monthly_budget_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			rotation_days INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Request Logs

const requestLogColumns = `id, timestamp, request_id, api_key_id, channel_id, provider_id, requested_model, served_model,
	 strategy, attempts, stream, input_tokens, output_tokens, cost_usd, price_source, latency_ms, status_code, error_class`

func (s *SQLiteStore) LogRequest(ctx context.Context, entry RequestLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	streamInt := 0
	if entry.Stream {
		streamInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, request_id, api_key_id, channel_id, provider_id, requested_model, served_model,
		 strategy, attempts, stream, input_tokens, output_tokens, cost_usd, price_source, latency_ms, status_code, error_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.RequestID, entry.APIKeyID, entry.ChannelID, entry.ProviderID,
		entry.RequestedModel, entry.ServedModel, entry.Strategy, entry.Attempts, streamInt,
		entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.PriceSource,
		entry.LatencyMs, entry.StatusCode, entry.ErrorClass)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, q LogQuery) ([]RequestLog, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var conds []string
	var args []any
	if q.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if q.ModelID != "" {
		conds = append(conds, "(requested_model = ? OR served_model = ?)")
		args = append(args, q.ModelID, q.ModelID)
	}
	query := `SELECT ` + requestLogColumns + ` FROM request_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequestLogs(rows)
}

// RecentRequestLogs returns logs since the given time, oldest first, for
// reseeding the in-memory stats collector after a restart.
func (s *SQLiteStore) RecentRequestLogs(ctx context.Context, since time.Time, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestLogColumns+` FROM request_logs WHERE timestamp >= ? ORDER BY timestamp ASC LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequestLogs(rows)
}

func scanRequestLogs(rows *sql.Rows) ([]RequestLog, error) {
	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		var streamInt int
		if err := rows.Scan(&l.ID, &ts, &l.RequestID, &l.APIKeyID, &l.ChannelID, &l.ProviderID,
			&l.RequestedModel, &l.ServedModel, &l.Strategy, &l.Attempts, &streamInt,
			&l.InputTokens, &l.OutputTokens, &l.CostUSD, &l.PriceSource,
			&l.LatencyMs, &l.StatusCode, &l.ErrorClass); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		l.Stream = streamInt != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetMonthlySpend sums the cost of requests billed to the given API key since
// the start of the current calendar month (UTC).
func (s *SQLiteStore) GetMonthlySpend(ctx context.Context, apiKeyID string) (float64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var spend float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM request_logs WHERE api_key_id = ? AND timestamp >= ?`,
		apiKeyID, monthStart.Format(time.RFC3339)).Scan(&spend)
	return spend, err
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Routing Config

func (s *SQLiteStore) SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_config (id, default_strategy) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET default_strategy=excluded.default_strategy`,
		cfg.DefaultStrategy)
	return err
}

func (s *SQLiteStore) LoadRoutingConfig(ctx context.Context) (RoutingConfig, error) {
	var cfg RoutingConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT default_strategy FROM routing_config WHERE id = 1`).Scan(&cfg.DefaultStrategy)
	if err == sql.ErrNoRows {
		return RoutingConfig{}, nil
	}
	if err != nil {
		return RoutingConfig{}, err
	}
	return cfg, nil
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// API Keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, scopes, monthly_budget_usd, created_at, last_used_at, expires_at, rotation_days, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.Scopes, key.MonthlyBudgetUSD,
		key.CreatedAt.UTC().Format(time.RFC3339), lastUsed, expires,
		key.RotationDays, enabledInt)
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, monthly_budget_usd, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKeyRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, monthly_budget_usd, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys WHERE key_prefix = ? AND enabled = 1`, prefix)
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, monthly_budget_usd, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys ORDER BY created_at DESC`)
}

func (s *SQLiteStore) queryAPIKeys(ctx context.Context, query string, args ...any) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKeyRow(row rowScanner) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabledInt int
	if err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes, &k.MonthlyBudgetUSD,
		&createdAt, &lastUsed, &expires, &k.RotationDays, &enabledInt); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return &k, nil
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, key_prefix=?, name=?, scopes=?, monthly_budget_usd=?, last_used_at=?, expires_at=?, rotation_days=?, enabled=?
		 WHERE id=?`,
		key.KeyHash, key.KeyPrefix, key.Name, key.Scopes, key.MonthlyBudgetUSD,
		lastUsed, expires, key.RotationDays, enabledInt, key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
