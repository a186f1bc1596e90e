// Package pricing resolves per-token prices for (provider, model) pairs from
// layered sources: channel overrides, per-key discovered catalogs, embedded
// static tables, tiered calculators, and a generic fallback.
package pricing

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
)

//go:embed static/*.json
var staticFS embed.FS

// Price source labels, surfaced in aggregator metadata.
const (
	SourceChannelOverride = "channel_override"
	SourceDiscovered      = "discovered"
	SourceStatic          = "static"
	SourceTiered          = "tiered"
	SourceEstimated       = "estimated"
)

// Generic fallback used when no source knows the model: $0.001/1K prompt,
// $0.002/1K completion.
const (
	fallbackPromptPer1K     = 0.001
	fallbackCompletionPer1K = 0.002
)

// Price is a resolved per-token price.
type Price struct {
	PromptPerToken     float64 `json:"prompt_per_token"`
	CompletionPerToken float64 `json:"completion_per_token"`
	Currency           string  `json:"currency"`
	Source             string  `json:"source"`
}

// OutputBand selects a completion price by output-token count.
type OutputBand struct {
	MaxOutputTokens int     `json:"max_output_tokens"` // 0 = unbounded
	CompletionPer1K float64 `json:"completion_per_1k"`
}

// TieredRule is one rung of a tiered-pricing ladder: the first rule whose
// input bound covers the request wins, then the output band picks the
// completion price.
type TieredRule struct {
	MaxInputTokens int          `json:"max_input_tokens"` // 0 = unbounded
	PromptPer1K    float64      `json:"prompt_per_1k"`
	OutputBands    []OutputBand `json:"output_bands"`
}

// ModelInfo is a static catalog record for one model.
type ModelInfo struct {
	PromptPer1K     float64      `json:"prompt_per_1k"`
	CompletionPer1K float64      `json:"completion_per_1k"`
	ContextLength   int          `json:"context_length,omitempty"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	Tiered          []TieredRule `json:"tiered,omitempty"`
}

type providerFile struct {
	Provider string               `json:"provider"`
	Currency string               `json:"currency"`
	Models   map[string]ModelInfo `json:"models"`
}

// Query carries everything Resolve needs to pick a price.
type Query struct {
	Provider string
	ModelID  string
	// CacheKey scopes discovered pricing to the exact (channel, api key) that
	// fetched it.
	CacheKey string

	// Channel-level per-1K overrides; zero means unset.
	ChannelInputPer1K  float64
	ChannelOutputPer1K float64

	// Token counts, used only by tiered calculators.
	InputTokens  int
	OutputTokens int
}

// Store is the pricing resolver. Static tables are immutable after load;
// discovered catalogs are swapped in whole per cache key.
type Store struct {
	logger *slog.Logger

	static   map[string]providerFile // provider -> file
	mu       sync.RWMutex
	discover map[string]map[string]Price // cacheKey -> modelID -> price
}

// NewStore loads the embedded static pricing tables.
func NewStore(logger *slog.Logger) (*Store, error) {
	s := &Store{
		logger:   logger,
		static:   make(map[string]providerFile),
		discover: make(map[string]map[string]Price),
	}
	entries, err := fs.ReadDir(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("read static pricing dir: %w", err)
	}
	for _, e := range entries {
		data, err := staticFS.ReadFile("static/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var pf providerFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		s.static[pf.Provider] = pf
	}
	return s, nil
}

// SetDiscovered replaces the discovered price catalog for one cache key.
// Prices keyed by a different api key never leak across keys.
func (s *Store) SetDiscovered(cacheKey string, prices map[string]Price) {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		if v.Source == "" {
			v.Source = SourceDiscovered
		}
		cp[k] = v
	}
	s.mu.Lock()
	s.discover[cacheKey] = cp
	s.mu.Unlock()
}

// DropDiscovered removes the catalog for one cache key.
func (s *Store) DropDiscovered(cacheKey string) {
	s.mu.Lock()
	delete(s.discover, cacheKey)
	s.mu.Unlock()
}

// Resolve picks the price for a query, walking the precedence chain:
// channel override, per-key discovered, static flat, static tiered, generic
// fallback.
func (s *Store) Resolve(q Query) Price {
	if q.ChannelInputPer1K > 0 || q.ChannelOutputPer1K > 0 {
		return Price{
			PromptPerToken:     q.ChannelInputPer1K / 1000,
			CompletionPerToken: q.ChannelOutputPer1K / 1000,
			Currency:           "USD",
			Source:             SourceChannelOverride,
		}
	}

	if q.CacheKey != "" {
		s.mu.RLock()
		catalog, ok := s.discover[q.CacheKey]
		var p Price
		if ok {
			p, ok = catalog[q.ModelID]
		}
		s.mu.RUnlock()
		if ok {
			return p
		}
	}

	if pf, ok := s.static[q.Provider]; ok {
		if info, ok := pf.Models[q.ModelID]; ok {
			if len(info.Tiered) > 0 {
				if p, ok := resolveTiered(info.Tiered, pf.Currency, q.InputTokens, q.OutputTokens); ok {
					return p
				}
			}
			return Price{
				PromptPerToken:     info.PromptPer1K / 1000,
				CompletionPerToken: info.CompletionPer1K / 1000,
				Currency:           pf.Currency,
				Source:             SourceStatic,
			}
		}
	}

	if s.logger != nil {
		s.logger.Debug("pricing fallback",
			slog.String("provider", q.Provider),
			slog.String("model", q.ModelID),
		)
	}
	return Price{
		PromptPerToken:     fallbackPromptPer1K / 1000,
		CompletionPerToken: fallbackCompletionPer1K / 1000,
		Currency:           "USD",
		Source:             SourceEstimated,
	}
}

// StaticInfo returns the static catalog record for a model, when one exists.
// Discovery uses it to backfill context length and capabilities the provider
// API does not report.
func (s *Store) StaticInfo(provider, modelID string) (ModelInfo, bool) {
	pf, ok := s.static[provider]
	if !ok {
		return ModelInfo{}, false
	}
	info, ok := pf.Models[modelID]
	return info, ok
}

func resolveTiered(rules []TieredRule, currency string, inputTokens, outputTokens int) (Price, bool) {
	for _, r := range rules {
		if r.MaxInputTokens != 0 && inputTokens > r.MaxInputTokens {
			continue
		}
		completion := 0.0
		found := false
		for _, b := range r.OutputBands {
			if b.MaxOutputTokens != 0 && outputTokens > b.MaxOutputTokens {
				continue
			}
			completion = b.CompletionPer1K
			found = true
			break
		}
		if !found {
			continue
		}
		return Price{
			PromptPerToken:     r.PromptPer1K / 1000,
			CompletionPerToken: completion / 1000,
			Currency:           currency,
			Source:             SourceTiered,
		}, true
	}
	return Price{}, false
}
