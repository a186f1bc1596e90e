// Package apikey manages the gateway's own client keys: generation,
// bcrypt-backed validation, scope checks, rotation, and per-key monthly
// budgets. These are keys issued to callers of this gateway, unrelated to the
// upstream provider keys configured on channels.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/store"
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

const (
	keyPrefix    = "sr_"
	keyRandBytes = 32 // 64 hex chars
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute

	// ScopeChat allows the inference surfaces (/v1 and /v1beta).
	ScopeChat = "chat"
	// ScopeAdmin allows the /admin surface.
	ScopeAdmin = "admin"
)

type cachedKey struct {
	record    *store.APIKeyRecord
	expiresAt time.Time
}

// Manager handles API key generation, validation, and rotation.
type Manager struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedKey // keyString -> cached record
}

// NewManager creates a new API key manager.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		cache: make(map[string]cachedKey),
	}
}

// GenerateParams describes a key to create.
type GenerateParams struct {
	Name             string
	Scopes           []string // defaults to ["chat"]
	MonthlyBudgetUSD float64  // 0 = unlimited
	RotationDays     int
	ExpiresAt        *time.Time
}

// Generate creates a new API key, stores its bcrypt hash, and returns the
// plaintext key exactly once.
func (m *Manager) Generate(ctx context.Context, p GenerateParams) (string, *store.APIKeyRecord, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeChat}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return "", nil, fmt.Errorf("marshal scopes: %w", err)
	}

	id := hex.EncodeToString(raw[:8]) // 16-char hex ID
	rec := store.APIKeyRecord{
		ID:               id,
		KeyHash:          string(hash),
		KeyPrefix:        plaintext[:len(keyPrefix)+8],
		Name:             p.Name,
		Scopes:           string(scopesJSON),
		MonthlyBudgetUSD: p.MonthlyBudgetUSD,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        p.ExpiresAt,
		RotationDays:     p.RotationDays,
		Enabled:          true,
	}

	if err := m.store.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext API key and returns the associated record.
// Candidates are narrowed by the indexed key prefix, then bcrypt-compared.
// A short TTL cache avoids bcrypt on every request.
func (m *Manager) Validate(ctx context.Context, keyString string) (*store.APIKeyRecord, error) {
	if !strings.HasPrefix(keyString, keyPrefix) || len(keyString) < len(keyPrefix)+8 {
		return nil, errors.New("invalid api key")
	}

	m.mu.RLock()
	if cached, ok := m.cache[keyString]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		return cached.record, nil
	}
	m.mu.RUnlock()

	keys, err := m.store.GetAPIKeysByPrefix(ctx, keyString[:len(keyPrefix)+8])
	if err != nil {
		return nil, fmt.Errorf("lookup keys: %w", err)
	}

	for i := range keys {
		k := &keys[i]
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(keyString)); err != nil {
			continue
		}
		if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
			return nil, errors.New("api key expired")
		}
		now := time.Now().UTC()
		k.LastUsedAt = &now
		_ = m.store.UpdateAPIKey(ctx, *k)

		m.mu.Lock()
		m.cache[keyString] = cachedKey{
			record:    k,
			expiresAt: time.Now().Add(cacheTTL),
		}
		m.mu.Unlock()

		return k, nil
	}

	return nil, errors.New("invalid api key")
}

// Rotate generates a new key for an existing key record, replacing the hash.
// Returns the new plaintext key exactly once.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	if rec == nil {
		return "", errors.New("api key not found")
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}

	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:len(keyPrefix)+8]

	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return "", fmt.Errorf("update key: %w", err)
	}

	// Invalidate cache entries that matched the old key.
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()

	return plaintext, nil
}

// EnforceRotation disables keys older than their rotation_days setting and
// returns the number of keys disabled. Intended to run periodically from the
// server's maintenance loop. Publishes a key_rotation_expired event per key
// when a bus is provided.
func (m *Manager) EnforceRotation(ctx context.Context, bus *events.Bus, logger *slog.Logger) (int, error) {
	keys, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	disabled := 0
	now := time.Now().UTC()
	for i := range keys {
		k := &keys[i]
		if !k.Enabled || k.RotationDays <= 0 {
			continue
		}
		deadline := k.CreatedAt.Add(time.Duration(k.RotationDays) * 24 * time.Hour)
		if now.Before(deadline) {
			continue
		}

		k.Enabled = false
		if err := m.store.UpdateAPIKey(ctx, *k); err != nil {
			logger.Warn("rotation enforcement: disable failed",
				slog.String("key_id", k.ID), slog.String("error", err.Error()))
			continue
		}
		disabled++

		reason := fmt.Sprintf("key exceeded rotation period of %d days", k.RotationDays)
		logger.Info("api key disabled by rotation policy",
			slog.String("key_id", k.ID), slog.String("name", k.Name), slog.String("reason", reason))
		if bus != nil {
			bus.Publish(events.Event{
				Type:       events.EventKeyRotationExpired,
				APIKeyName: k.Name,
				Reason:     reason,
			})
		}

		// Drop any cached validations of the disabled key.
		m.mu.Lock()
		for cacheKey, v := range m.cache {
			if v.record.ID == k.ID {
				delete(m.cache, cacheKey)
			}
		}
		m.mu.Unlock()
	}
	return disabled, nil
}

// CheckScope reports whether a key's scopes allow access to the given path.
// The inference surfaces (/v1, /v1beta) require "chat"; /admin requires
// "admin". Empty scopes allow everything.
func CheckScope(record *store.APIKeyRecord, path string) bool {
	var scopes []string
	if record.Scopes != "" {
		if err := json.Unmarshal([]byte(record.Scopes), &scopes); err != nil {
			return false
		}
	}
	if len(scopes) == 0 {
		return true
	}
	switch {
	case strings.HasPrefix(path, "/admin"):
		return contains(scopes, ScopeAdmin)
	case strings.HasPrefix(path, "/v1"): // covers /v1 and /v1beta
		return contains(scopes, ScopeChat)
	default:
		return true
	}
}

func contains(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
