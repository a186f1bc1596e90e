// Package health tracks per-channel runtime health: latency, success rate,
// and a coarse state machine used by routing and the admin API.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/smartrouter/smartrouter/internal/events"
)

// State represents the health state of a channel.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// successWindow is the number of recent attempts the reliability ratio is
// computed over.
const successWindow = 50

// Latency bounds for the speed tier: 9 at or under fastLatencyMs, 0 at or
// over slowLatencyMs, linear in between.
const (
	fastLatencyMs = 500.0
	slowLatencyMs = 30000.0
)

// Stats captures runtime health metrics for a single channel.
type Stats struct {
	ChannelID     string    `json:"channel_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	SuccessRate   float64   `json:"success_rate"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type entry struct {
	Stats

	window    [successWindow]bool
	windowLen int
	windowIdx int
	windowOK  int
}

func (e *entry) recordAttempt(ok bool) {
	if e.windowLen == successWindow {
		if e.window[e.windowIdx] {
			e.windowOK--
		}
	} else {
		e.windowLen++
	}
	e.window[e.windowIdx] = ok
	if ok {
		e.windowOK++
	}
	e.windowIdx = (e.windowIdx + 1) % successWindow
	e.SuccessRate = float64(e.windowOK) / float64(e.windowLen)
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int
	// CooldownDuration: how long to keep a channel in down state.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all channels.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(channelID string, state State)

	mu      sync.RWMutex
	entries map[string]*entry
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus so state transitions are published as
// health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordError
// call (not just state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(channelID string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful request to a channel.
func (t *Tracker) RecordSuccess(channelID string, latencyMs float64) {
	t.mu.Lock()

	e := t.getOrCreate(channelID)
	oldState := e.State

	e.TotalRequests++
	e.ConsecErrors = 0
	e.LastSuccessAt = time.Now()
	e.State = StateHealthy
	e.CooldownUntil = time.Time{}
	e.recordAttempt(true)

	// Exponential moving average, seeded with the first sample.
	if e.AvgLatencyMs == 0 {
		e.AvgLatencyMs = latencyMs
	} else {
		e.AvgLatencyMs = e.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := e.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(channelID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:      events.EventHealthChange,
			ChannelID: channelID,
			OldState:  string(oldState),
			NewState:  string(newState),
			Reason:    "success recorded",
		})
	}
}

// RecordError records a failed request to a channel.
func (t *Tracker) RecordError(channelID string, errMsg string) {
	t.mu.Lock()

	e := t.getOrCreate(channelID)
	oldState := e.State

	e.TotalRequests++
	e.TotalErrors++
	e.ConsecErrors++
	e.LastError = errMsg
	e.LastErrorTime = time.Now()
	e.recordAttempt(false)

	if e.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		e.State = StateDown
		e.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if e.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		e.State = StateDegraded
	}

	newState := e.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(channelID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:      events.EventHealthChange,
			ChannelID: channelID,
			OldState:  string(oldState),
			NewState:  string(newState),
			Reason:    errMsg,
		})
	}
}

// Reset clears the error history for a channel, returning it to healthy. Used
// when an operator clears a blacklist entry or rotates a credential.
func (t *Tracker) Reset(channelID string) {
	t.mu.Lock()
	oldState := StateHealthy
	if e, ok := t.entries[channelID]; ok {
		oldState = e.State
	}
	delete(t.entries, channelID)
	t.mu.Unlock()

	if oldState != StateHealthy && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:      events.EventHealthChange,
			ChannelID: channelID,
			OldState:  string(oldState),
			NewState:  string(StateHealthy),
			Reason:    "manual reset",
		})
	}
}

// IsAvailable returns whether a channel should receive requests.
func (t *Tracker) IsAvailable(channelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[channelID]
	if !ok {
		return true // unknown channel is assumed available
	}
	if e.State == StateDown && time.Now().Before(e.CooldownUntil) {
		return false
	}
	return true
}

// SpeedTier maps the channel's moving-average latency into 0..9: 9 at or
// under 500 ms, 0 at or over 30 s, linear in between. Unseen channels get 5.
func (t *Tracker) SpeedTier(channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[channelID]
	if !ok || e.AvgLatencyMs == 0 {
		return 5
	}
	switch {
	case e.AvgLatencyMs <= fastLatencyMs:
		return 9
	case e.AvgLatencyMs >= slowLatencyMs:
		return 0
	}
	frac := (e.AvgLatencyMs - fastLatencyMs) / (slowLatencyMs - fastLatencyMs)
	return int(math.Round(9 * (1 - frac)))
}

// ReliabilityTier is floor(9 × success_rate) over the last 50 attempts.
// Channels with no history start at 7.
func (t *Tracker) ReliabilityTier(channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[channelID]
	if !ok || e.windowLen == 0 {
		return 7
	}
	return int(math.Floor(9 * e.SuccessRate))
}

// AvgLatencyMs returns the moving-average latency for a channel.
func (t *Tracker) AvgLatencyMs(channelID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[channelID]; ok {
		return e.AvgLatencyMs
	}
	return 0
}

// GetStats returns a copy of the health stats for a channel.
func (t *Tracker) GetStats(channelID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[channelID]
	if !ok {
		return &Stats{ChannelID: channelID, State: StateHealthy}
	}
	cp := e.Stats
	return &cp
}

// AllStats returns a copy of health stats for all known channels.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.entries))
	for _, e := range t.entries {
		result = append(result, e.Stats)
	}
	return result
}

func (t *Tracker) getOrCreate(channelID string) *entry {
	e, ok := t.entries[channelID]
	if !ok {
		e = &entry{Stats: Stats{ChannelID: channelID, State: StateHealthy}}
		t.entries[channelID] = e
	}
	return e
}
