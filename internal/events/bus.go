// Package events provides an in-memory pub/sub bus for routing lifecycle
// events, consumed by the admin SSE endpoint and internal listeners.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteSuccess       EventType = "route_success"
	EventRouteError         EventType = "route_error"
	EventFailover           EventType = "failover"
	EventBlacklistAdd       EventType = "blacklist_add"
	EventBlacklistClear     EventType = "blacklist_clear"
	EventHealthChange       EventType = "health_change"
	EventCacheInvalidate    EventType = "cache_invalidate"
	EventDiscoveryStarted   EventType = "discovery_started"
	EventDiscoveryCompleted EventType = "discovery_completed"
	EventDiscoveryFailed    EventType = "discovery_failed"
	EventKeyRotationExpired EventType = "key_rotation_expired"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields (populated for route and failover events).
	RequestID  string  `json:"request_id,omitempty"`
	ModelID    string  `json:"model_id,omitempty"`
	ChannelID  string  `json:"channel_id,omitempty"`
	Attempt    int     `json:"attempt,omitempty"`
	Score      string  `json:"score,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Health fields (populated for health_change events).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Discovery fields.
	ModelCount int `json:"model_count,omitempty"`

	// API key fields (populated for key_rotation_expired events).
	APIKeyName string `json:"api_key_name,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
