package router

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/smartrouter/smartrouter/internal/blacklist"
	"github.com/smartrouter/smartrouter/internal/routecache"
	"github.com/smartrouter/smartrouter/internal/tags"
)

// TagExprPrefix marks a model expression that selects by tags instead of a
// concrete model id, e.g. "tag:free,qwen,!vision".
const TagExprPrefix = "tag:"

// DefaultMinContextLength is applied when the request does not set one.
const DefaultMinContextLength = 2048

// backupCount is how many runners-up are cached alongside the primary.
const backupCount = 5

// Model-id fragments that mark non-chat models; these never serve chat
// completions.
var nonChatMarkers = []string{
	"embedding", "embed", "rerank", "tts", "whisper",
	"speech", "audio", "dall-e", "moderation", "stable-diffusion",
}

// Finder resolves a routing request into an ordered candidate list: parse the
// model expression, match against the catalog, filter, score, and cache.
type Finder struct {
	reg    *Registry
	cache  *routecache.Cache
	bl     *blacklist.Manager
	scorer *Scorer
	logger *slog.Logger

	mu              sync.RWMutex
	defaultStrategy string
}

// NewFinder creates a finder with the free_first default strategy.
func NewFinder(reg *Registry, cache *routecache.Cache, bl *blacklist.Manager, scorer *Scorer, logger *slog.Logger) *Finder {
	return &Finder{
		reg:             reg,
		cache:           cache,
		bl:              bl,
		scorer:          scorer,
		logger:          logger,
		defaultStrategy: StrategyFreeFirst,
	}
}

// DefaultStrategy returns the strategy used when requests do not name one.
func (f *Finder) DefaultStrategy() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultStrategy
}

// SetDefaultStrategy switches the default strategy. Unknown names are
// rejected.
func (f *Finder) SetDefaultStrategy(name string) bool {
	if !ValidStrategy(name) {
		return false
	}
	f.mu.Lock()
	f.defaultStrategy = name
	f.mu.Unlock()
	return true
}

// Find returns candidates ordered best-first, or ErrNoChannels when nothing
// survives filtering.
func (f *Finder) Find(req *RouteRequest) ([]Candidate, error) {
	strategy := req.Strategy
	if !ValidStrategy(strategy) {
		strategy = f.DefaultStrategy()
	}

	pureTag := strings.HasPrefix(req.Model, TagExprPrefix)
	var positive, negative []string
	modelID := ""
	if pureTag {
		positive, negative = tags.ParseExpression(strings.TrimPrefix(req.Model, TagExprPrefix))
	} else {
		modelID = req.Model
		positive = tags.Extract(modelID)
	}

	key := f.fingerprint(req, strategy).Hash()
	if cached := f.cachedCandidates(key); cached != nil {
		return cached, nil
	}

	matches, exact := f.collect(pureTag, modelID, positive, negative)

	in := ScoreInput{EstPromptTokens: req.EstimatedPromptTokens, MaxTokens: req.MaxTokens}
	strictFree := containsString(positive, "free") && pureTag

	var candidates []Candidate
	var localSeen bool
	for _, rec := range matches {
		ch, ok := f.reg.Channel(rec.ChannelID)
		if !ok || !ch.Enabled {
			continue
		}
		if f.bl.IsBlocked(ch.ID, rec.ModelID) {
			continue
		}
		if !chatSuitable(rec) {
			continue
		}
		if !hasAllCapabilities(rec, req.RequiredCapabilities) {
			continue
		}
		if req.HasFunctions && !rec.HasCapability("function_calling") {
			continue
		}
		minCtx := req.MinContextLength
		if minCtx <= 0 {
			minCtx = DefaultMinContextLength
		}
		if rec.ContextLength > 0 && rec.ContextLength < minCtx {
			continue
		}
		if containsString(req.ExcludeProviders, ch.Provider) {
			continue
		}
		if req.MaxCostPer1K > 0 && f.scorer.EstimateCostPer1K(ch, rec, in) > req.MaxCostPer1K {
			continue
		}

		prov, _ := f.reg.ProviderFor(ch)
		score, cost := f.scorer.Score(ch, prov, rec, in)
		if strictFree && score.Cost != 9 {
			continue
		}
		if score.Local == 9 {
			localSeen = true
		}
		candidates = append(candidates, Candidate{
			Channel: ch,
			Model:   rec,
			Score:   score,
			Exact:   exact[rec.ChannelID+"\x00"+rec.ModelID],
			Reason:  selectionReason(pureTag, strategy, cost),
		})
	}

	if req.PreferLocal && localSeen {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.Score.Local == 9 {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		return nil, ErrNoChannels
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if freeA, freeB := a.Score.Cost == 9, b.Score.Cost == 9; freeA != freeB {
			return freeA
		}
		ki, kj := SortKey(strategy, a.Score), SortKey(strategy, b.Score)
		if ki != kj {
			return ki > kj
		}
		if a.Channel.Priority != b.Channel.Priority {
			return a.Channel.Priority > b.Channel.Priority
		}
		return a.Channel.ID < b.Channel.ID
	})

	f.store(key, candidates)
	f.logSelection(candidates)
	return candidates, nil
}

// InvalidateChannel drops cached selections referencing the channel.
func (f *Finder) InvalidateChannel(channelID string) int {
	return f.cache.InvalidateChannel(channelID)
}

func (f *Finder) fingerprint(req *RouteRequest, strategy string) routecache.Fingerprint {
	return routecache.Fingerprint{
		ModelExpr:        req.Model,
		Strategy:         strategy,
		Capabilities:     req.RequiredCapabilities,
		ExcludeProviders: req.ExcludeProviders,
		MinContextLength: req.MinContextLength,
		MaxCostPer1K:     req.MaxCostPer1K,
		PreferLocal:      req.PreferLocal,
		HasFunctions:     req.HasFunctions,
		Stream:           req.Stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
}

// cachedCandidates returns a still-valid cached selection, or nil. A hit
// whose primary is no longer eligible counts as a miss.
func (f *Finder) cachedCandidates(key string) []Candidate {
	entry, ok := f.cache.Get(key)
	if !ok {
		return nil
	}
	cached, ok := entry.Payload.([]Candidate)
	if !ok || len(cached) == 0 {
		return nil
	}
	if !f.eligible(cached[0]) {
		return nil
	}
	kept := make([]Candidate, 0, len(cached))
	for _, c := range cached {
		if f.eligible(c) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (f *Finder) eligible(c Candidate) bool {
	ch, ok := f.reg.Channel(c.Channel.ID)
	if !ok || !ch.Enabled {
		return false
	}
	return !f.bl.IsBlocked(ch.ID, c.Model.ModelID)
}

// collect unions physical and tag matches; the returned set marks which
// (channel, model) pairs matched the request's model id exactly.
func (f *Finder) collect(pureTag bool, modelID string, positive, negative []string) ([]ModelRecord, map[string]bool) {
	seen := make(map[string]bool)
	exact := make(map[string]bool)
	var out []ModelRecord

	add := func(rec ModelRecord, isExact bool) {
		k := rec.ChannelID + "\x00" + rec.ModelID
		if isExact {
			exact[k] = true
		}
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, rec)
	}

	if !pureTag {
		for _, rec := range f.reg.RecordsByModelID(modelID) {
			add(rec, true)
		}
	}
	// A concrete model id with no extractable tags stays a pure physical
	// match; an unconstrained index query would match everything.
	if pureTag || len(positive) > 0 {
		for _, ref := range f.reg.Index().Find(positive, negative) {
			if rec, ok := f.reg.Record(ref.ChannelID, ref.ModelID); ok {
				add(rec, false)
			}
		}
	}
	return out, exact
}

func (f *Finder) store(key string, candidates []Candidate) {
	n := len(candidates)
	if n > 1+backupCount {
		n = 1 + backupCount
	}
	top := make([]Candidate, n)
	copy(top, candidates[:n])

	channels := make([]string, 0, n)
	for _, c := range top {
		channels = append(channels, c.Channel.ID)
	}
	f.cache.Set(key, routecache.Entry{
		Primary:  top[0].Channel.ID,
		Channels: channels,
		Payload:  top,
	})
}

func chatSuitable(rec ModelRecord) bool {
	id := strings.ToLower(rec.ModelID)
	for _, marker := range nonChatMarkers {
		if strings.Contains(id, marker) {
			return false
		}
	}
	return true
}

func hasAllCapabilities(rec ModelRecord, required []string) bool {
	for _, c := range required {
		if !rec.HasCapability(c) {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func selectionReason(pureTag bool, strategy string, cost float64) string {
	kind := "exact_model"
	if pureTag {
		kind = "tag_match"
	}
	if cost <= 0 {
		return kind + "/" + strategy + "/free"
	}
	return kind + "/" + strategy
}

func (f *Finder) logSelection(candidates []Candidate) {
	if f.logger == nil || len(candidates) == 0 {
		return
	}
	top := candidates[0]
	f.logger.Debug("route selected",
		slog.String("channel", top.Channel.ID),
		slog.String("model", top.Model.ModelID),
		slog.String("score", top.Score.String()),
		slog.Int("candidates", len(candidates)),
	)
}
