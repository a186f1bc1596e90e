// Package blacklist tracks temporarily unusable (channel, model) pairs and
// whole channels, with exponential backoff for transient failures and
// indefinite blocks for credential failures.
package blacklist

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smartrouter/smartrouter/internal/events"
)

// Wildcard marks an entry that blocks every model on the channel.
const Wildcard = "*"

// Error kinds the manager assigns special cooldowns to. The strings match the
// router classifier's output.
const (
	KindAuthFatal     = "auth_fatal"
	KindModelNotFound = "model_not_found"
	KindUnknown       = "unknown"
	KindDailyLimit    = "daily_limit"
)

const (
	defaultBaseDelay      = 30 * time.Second
	defaultMaxBackoff     = 300 * time.Second
	modelNotFoundCooldown = time.Hour
	unknownCooldown       = time.Minute
	defaultSweepInterval  = time.Minute
)

type key struct {
	ChannelID string
	ModelID   string
}

// Entry is one active blacklist record.
type Entry struct {
	ChannelID        string    `json:"channel_id"`
	ModelID          string    `json:"model_id"` // "*" for channel-wide
	Kind             string    `json:"kind"`
	FailureCount     int       `json:"failure_count"`
	Indefinite       bool      `json:"indefinite"`
	BlacklistedUntil time.Time `json:"blacklisted_until,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.Indefinite && now.After(e.BlacklistedUntil)
}

// Config tunes backoff behaviour.
type Config struct {
	BaseDelay     time.Duration
	MaxBackoff    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     defaultBaseDelay,
		MaxBackoff:    defaultMaxBackoff,
		SweepInterval: defaultSweepInterval,
	}
}

// Manager is the blacklist. All mutations hold the mutex; lookups GC expired
// entries as they go.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	// onChannelBlock is invoked when a whole channel becomes blocked, so the
	// routing cache can drop selections that reference it.
	onChannelBlock func(channelID string)

	now func() time.Time

	mu      sync.Mutex
	entries map[key]*Entry

	stop chan struct{}
	done chan struct{}
}

// Option configures optional Manager behaviour.
type Option func(*Manager)

// WithEventBus publishes blacklist_add / blacklist_clear events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithChannelBlockHook registers the cache-invalidation hook fired when a
// channel-wide block is placed.
func WithChannelBlockHook(fn func(channelID string)) Option {
	return func(m *Manager) { m.onChannelBlock = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a blacklist manager.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[key]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic sweep goroutine.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// RecordFailure registers a failure of the given classified kind. Credential
// failures block the whole channel indefinitely; everything else blocks the
// (channel, model) pair with either a fixed cooldown or exponential backoff.
// minCooldown, when positive, raises the computed cooldown (Retry-After).
func (m *Manager) RecordFailure(channelID, modelID, kind, errMsg string, minCooldown time.Duration) {
	now := m.now()

	m.mu.Lock()
	var e *Entry
	switch kind {
	case KindAuthFatal:
		e = m.upsertLocked(key{channelID, Wildcard}, kind, errMsg, now)
		e.Indefinite = true
		e.BlacklistedUntil = time.Time{}
	default:
		e = m.upsertLocked(key{channelID, modelID}, kind, errMsg, now)
		cooldown := m.cooldownFor(kind, e.FailureCount)
		if minCooldown > cooldown {
			cooldown = minCooldown
		}
		e.BlacklistedUntil = now.Add(cooldown)
	}
	snapshot := *e
	m.mu.Unlock()

	if kind == KindAuthFatal && m.onChannelBlock != nil {
		m.onChannelBlock(channelID)
	}
	if m.logger != nil {
		m.logger.Warn("blacklist entry added",
			slog.String("channel", snapshot.ChannelID),
			slog.String("model", snapshot.ModelID),
			slog.String("kind", snapshot.Kind),
			slog.Int("failures", snapshot.FailureCount),
			slog.Bool("indefinite", snapshot.Indefinite),
		)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventBlacklistAdd,
			ChannelID:  snapshot.ChannelID,
			ModelID:    snapshot.ModelID,
			ErrorClass: snapshot.Kind,
			ErrorMsg:   errMsg,
		})
	}
}

// RecordSuccess decrements the failure count for the pair; at zero the entry
// is removed. Channel-wide credential blocks are not lifted by per-model
// successes.
func (m *Manager) RecordSuccess(channelID, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{channelID, modelID}
	e, ok := m.entries[k]
	if !ok {
		return
	}
	e.FailureCount--
	if e.FailureCount <= 0 {
		delete(m.entries, k)
	}
}

// BlockChannelUntil places a channel-wide block with an explicit expiry.
// Used for daily request caps, which reset at the next UTC midnight.
func (m *Manager) BlockChannelUntil(channelID string, until time.Time, kind, reason string) {
	now := m.now()

	m.mu.Lock()
	e := m.upsertLocked(key{channelID, Wildcard}, kind, reason, now)
	e.Indefinite = false
	e.BlacklistedUntil = until
	m.mu.Unlock()

	if m.onChannelBlock != nil {
		m.onChannelBlock(channelID)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventBlacklistAdd,
			ChannelID:  channelID,
			ModelID:    Wildcard,
			ErrorClass: kind,
			Reason:     reason,
		})
	}
}

// IsBlocked reports whether the pair (or its whole channel) is currently
// blacklisted. Expired entries found along the way are removed.
func (m *Manager) IsBlocked(channelID, modelID string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range []key{{channelID, Wildcard}, {channelID, modelID}} {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		return true
	}
	return false
}

// ClearChannel removes every entry for the channel, including the wildcard.
// Returns the number of entries removed.
func (m *Manager) ClearChannel(channelID string) int {
	m.mu.Lock()
	removed := 0
	for k := range m.entries {
		if k.ChannelID == channelID {
			delete(m.entries, k)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 && m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventBlacklistClear,
			ChannelID: channelID,
			Reason:    "manual clear",
		})
	}
	return removed
}

// Entries returns a snapshot of all live entries, for the admin API.
func (m *Manager) Entries() []Entry {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Sweep drops every expired entry.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// Size returns the number of live entries (expired included until swept).
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) upsertLocked(k key, kind, errMsg string, now time.Time) *Entry {
	e, ok := m.entries[k]
	if !ok || e.expired(now) {
		e = &Entry{
			ChannelID: k.ChannelID,
			ModelID:   k.ModelID,
			CreatedAt: now,
		}
		m.entries[k] = e
	}
	e.Kind = kind
	e.FailureCount++
	e.LastError = errMsg
	e.UpdatedAt = now
	return e
}

func (m *Manager) cooldownFor(kind string, failureCount int) time.Duration {
	switch kind {
	case KindModelNotFound:
		return modelNotFoundCooldown
	case KindUnknown:
		return unknownCooldown
	}
	// Exponential backoff: base × 2^(n-1), capped.
	backoff := m.cfg.BaseDelay
	for i := 1; i < failureCount; i++ {
		backoff *= 2
		if backoff >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if backoff > m.cfg.MaxBackoff {
		backoff = m.cfg.MaxBackoff
	}
	return backoff
}

// NextUTCMidnight returns the next midnight in UTC after now; daily request
// caps expire there.
func NextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
