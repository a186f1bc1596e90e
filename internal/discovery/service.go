// Package discovery keeps channel model catalogs fresh: it asks every
// channel's adapter for the models its credential can reach, feeds the
// results into the registry and the pricing store, and persists them so a
// restart starts routing before the first network refresh completes.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/router"
)

const (
	// DefaultInterval between full refreshes.
	DefaultInterval = 6 * time.Hour
	// DefaultWorkers bounds concurrent upstream discovery calls.
	DefaultWorkers = 8
	// perChannelTimeout bounds one channel+key discovery exchange.
	perChannelTimeout = 60 * time.Second
)

// Status summarizes the last discovery outcome for one (channel, key) pair.
type Status struct {
	CacheKey    string    `json:"cache_key"`
	ChannelID   string    `json:"channel_id"`
	Provider    string    `json:"provider"`
	ModelCount  int       `json:"model_count"`
	UserTier    string    `json:"user_tier,omitempty"`
	State       string    `json:"status"` // ok|error|pending
	Error       string    `json:"error,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Service runs periodic catalog discovery across all enabled channels.
type Service struct {
	reg      *router.Registry
	store    *pricing.Store
	adapters map[string]router.Adapter
	logger   *slog.Logger

	interval time.Duration
	workers  int
	cache    *diskCache
	bus      *events.Bus

	mu       sync.Mutex
	statuses map[string]Status // cache key -> status

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures the service.
type Option func(*Service)

// WithInterval overrides the refresh interval.
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers overrides the concurrent discovery bound.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithCacheDir persists discovery results as JSON under dir.
func WithCacheDir(dir string) Option {
	return func(s *Service) { s.cache = newDiskCache(dir) }
}

// WithEventBus publishes discovery events.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// New creates the service. adapters is keyed by adapter kind, matching the
// engine's map.
func New(reg *router.Registry, store *pricing.Store, adapters map[string]router.Adapter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		reg:      reg,
		store:    store,
		adapters: adapters,
		logger:   logger,
		interval: DefaultInterval,
		workers:  DefaultWorkers,
		statuses: make(map[string]Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start seeds catalogs from the disk cache, runs one refresh, then refreshes
// on the interval until Stop or context cancellation.
func (s *Service) Start(ctx context.Context) {
	s.loadCache()
	go func() {
		defer close(s.done)
		s.RefreshAll(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.RefreshAll(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RefreshAll discovers every enabled channel's catalog, bounded by the
// worker limit. A failing pair keeps its previous catalog and prices.
func (s *Service) RefreshAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, ch := range s.reg.EnabledChannels() {
		for _, key := range ch.Keys() {
			ch, key := ch, key
			g.Go(func() error {
				s.refreshPair(gctx, ch, key)
				return nil
			})
		}
		// Credential-less channels (local runtimes) still get discovered.
		if len(ch.Keys()) == 0 {
			ch := ch
			g.Go(func() error {
				s.refreshPair(gctx, ch, "")
				return nil
			})
		}
	}
	_ = g.Wait()
}

// RefreshChannel forces a refresh for one channel, all keys.
func (s *Service) RefreshChannel(ctx context.Context, channelID string) bool {
	ch, ok := s.reg.Channel(channelID)
	if !ok {
		return false
	}
	keys := ch.Keys()
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, key := range keys {
		s.refreshPair(ctx, ch, key)
	}
	return true
}

func (s *Service) refreshPair(ctx context.Context, ch *router.Channel, apiKey string) {
	prov, ok := s.reg.ProviderFor(ch)
	if !ok {
		s.fail(ch, apiKey, "unknown provider "+ch.Provider)
		return
	}
	adapter, ok := s.adapters[prov.Adapter]
	if !ok {
		s.fail(ch, apiKey, "no adapter for kind "+prov.Adapter)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, perChannelTimeout)
	defer cancel()

	records, err := adapter.DiscoverModels(ctx, ch, apiKey)
	if err != nil {
		s.fail(ch, apiKey, err.Error())
		return
	}

	userTier := ""
	if info, err := adapter.ValidateKey(ctx, ch, apiKey); err == nil && info != nil {
		userTier = info.UserTier
	}

	s.apply(ch, apiKey, prov.ID, records, userTier)
}

// apply installs a successful discovery result: catalog, per-key prices,
// status, disk cache, event.
func (s *Service) apply(ch *router.Channel, apiKey, providerID string, records []router.ModelRecord, userTier string) {
	cacheKey := pricing.CacheKey(ch.ID, apiKey)

	s.reg.UpsertCatalog(ch.ID, records)

	// Discovered prices are scoped to this key; other keys on the same
	// channel may see a different catalog and different prices.
	prices := make(map[string]pricing.Price)
	for _, rec := range records {
		if rec.Pricing.PromptPerToken > 0 || rec.Pricing.CompletionPerToken > 0 {
			prices[rec.ModelID] = pricing.Price{
				PromptPerToken:     rec.Pricing.PromptPerToken,
				CompletionPerToken: rec.Pricing.CompletionPerToken,
				Currency:           rec.Pricing.Currency,
				Source:             "discovered",
			}
		}
	}
	if len(prices) > 0 {
		s.store.SetDiscovered(cacheKey, prices)
	}

	st := Status{
		CacheKey:    cacheKey,
		ChannelID:   ch.ID,
		Provider:    providerID,
		ModelCount:  len(records),
		UserTier:    userTier,
		State:       "ok",
		LastUpdated: time.Now().UTC(),
	}
	s.setStatus(st)
	if s.cache != nil {
		if err := s.cache.save(st, apiKey, records); err != nil && s.logger != nil {
			s.logger.Warn("discovery cache write failed",
				slog.String("channel", ch.ID), slog.String("error", err.Error()))
		}
	}
	if s.logger != nil {
		s.logger.Info("catalog discovered",
			slog.String("channel", ch.ID),
			slog.Int("models", len(records)),
			slog.String("user_tier", userTier),
		)
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.EventDiscoveryCompleted,
			ChannelID:  ch.ID,
			ModelCount: len(records),
		})
	}
}

func (s *Service) fail(ch *router.Channel, apiKey, msg string) {
	st := Status{
		CacheKey:    pricing.CacheKey(ch.ID, apiKey),
		ChannelID:   ch.ID,
		Provider:    ch.Provider,
		State:       "error",
		Error:       msg,
		LastUpdated: time.Now().UTC(),
	}
	// Keep the previous model count visible so operators can tell a stale
	// catalog from an empty one.
	s.mu.Lock()
	if prev, ok := s.statuses[st.CacheKey]; ok {
		st.ModelCount = prev.ModelCount
		st.UserTier = prev.UserTier
	}
	s.statuses[st.CacheKey] = st
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Warn("discovery failed",
			slog.String("channel", ch.ID), slog.String("error", msg))
	}
}

func (s *Service) setStatus(st Status) {
	s.mu.Lock()
	s.statuses[st.CacheKey] = st
	s.mu.Unlock()
}

// Statuses returns a snapshot of all discovery statuses.
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out
}

// loadCache seeds registry catalogs and prices from the disk cache so routing
// works before the first refresh. Entries for channels that no longer exist
// are skipped.
func (s *Service) loadCache() {
	if s.cache == nil {
		return
	}
	entries, err := s.cache.load()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("discovery cache read failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, e := range entries {
		ch, ok := s.reg.Channel(e.ChannelID)
		if !ok {
			continue
		}
		// Only seed when the cached entry still matches a configured key.
		if !matchesKey(ch, e.APIKeyHash) {
			continue
		}
		s.reg.UpsertCatalog(e.ChannelID, e.Models)
		prices := make(map[string]pricing.Price)
		for _, rec := range e.Models {
			if rec.Pricing.PromptPerToken > 0 || rec.Pricing.CompletionPerToken > 0 {
				prices[rec.ModelID] = pricing.Price{
					PromptPerToken:     rec.Pricing.PromptPerToken,
					CompletionPerToken: rec.Pricing.CompletionPerToken,
					Currency:           rec.Pricing.Currency,
					Source:             "discovered",
				}
			}
		}
		if len(prices) > 0 {
			s.store.SetDiscovered(e.CacheKey, prices)
		}
		s.setStatus(Status{
			CacheKey:    e.CacheKey,
			ChannelID:   e.ChannelID,
			Provider:    e.Provider,
			ModelCount:  len(e.Models),
			State:       "pending",
			LastUpdated: e.LastUpdated,
		})
	}
}

func matchesKey(ch *router.Channel, keyHash string) bool {
	keys := ch.Keys()
	if len(keys) == 0 {
		return keyHash == pricing.KeyHash("")
	}
	for _, k := range keys {
		if pricing.KeyHash(k) == keyHash {
			return true
		}
	}
	return false
}
