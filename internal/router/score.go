package router

import (
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/pricing"
)

// Routing strategies. Each one promotes a different tier to the front of the
// sort key; the free-beats-paid rule holds under all of them.
const (
	StrategyFreeFirst        = "free_first"
	StrategyCostFirst        = "cost_first"
	StrategyLocalFirst       = "local_first"
	StrategyBalanced         = "balanced"
	StrategySpeedOptimized   = "speed_optimized"
	StrategyQualityOptimized = "quality_optimized"
)

// Strategies lists every known strategy name.
func Strategies() []string {
	return []string{
		StrategyFreeFirst, StrategyCostFirst, StrategyLocalFirst,
		StrategyBalanced, StrategySpeedOptimized, StrategyQualityOptimized,
	}
}

// ValidStrategy reports whether name is a known strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyFreeFirst, StrategyCostFirst, StrategyLocalFirst,
		StrategyBalanced, StrategySpeedOptimized, StrategyQualityOptimized:
		return true
	}
	return false
}

// Scorer computes the 7-digit hierarchical score for (channel, model)
// candidates, pulling latency and reliability from the health tracker and
// prices from the pricing store.
type Scorer struct {
	health  *health.Tracker
	pricing *pricing.Store
}

// NewScorer creates a scorer.
func NewScorer(tracker *health.Tracker, store *pricing.Store) *Scorer {
	return &Scorer{health: tracker, pricing: store}
}

// ScoreInput carries the request-dependent parts of scoring.
type ScoreInput struct {
	EstPromptTokens int
	MaxTokens       int
}

// Score computes the candidate's score and its estimated request cost in USD.
func (s *Scorer) Score(ch *Channel, prov *Provider, rec ModelRecord, in ScoreInput) (Score, float64) {
	price := s.resolvePrice(ch, rec, in)

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	cost := float64(in.EstPromptTokens)*price.PromptPerToken + float64(maxTokens)*price.CompletionPerToken
	if ch.Exchange != nil && ch.Exchange.Rate > 0 {
		cost *= ch.Exchange.Rate
	}
	// A ":free" model id is authoritative: whatever price source answered,
	// the upstream does not bill these.
	if strings.HasSuffix(strings.ToLower(rec.ModelID), ":free") {
		cost = 0
	}

	local := s.localTier(ch, prov)
	context := contextTier(rec.ContextLength)
	param := paramTier(rec.ParamCountB)

	sc := Score{
		Cost:        s.costTier(ch, rec, price, cost),
		Local:       local,
		Context:     context,
		Param:       param,
		Speed:       s.health.SpeedTier(ch.ID),
		Quality:     qualityTier(param, context),
		Reliability: s.health.ReliabilityTier(ch.ID),
	}
	return sc, cost
}

// EstimateCostPer1K returns the combined per-1K price used by the cost-cap
// filter: prompt and completion per-1K summed.
func (s *Scorer) EstimateCostPer1K(ch *Channel, rec ModelRecord, in ScoreInput) float64 {
	price := s.resolvePrice(ch, rec, in)
	per1k := (price.PromptPerToken + price.CompletionPerToken) * 1000
	if ch.Exchange != nil && ch.Exchange.Rate > 0 {
		per1k *= ch.Exchange.Rate
	}
	return per1k
}

// ValidatedFree reports whether the candidate qualifies for cost tier 9: the
// channel is tagged free with explicitly zero pricing, or the model id ends
// in ":free".
func (s *Scorer) ValidatedFree(ch *Channel, rec ModelRecord, in ScoreInput) bool {
	if strings.HasSuffix(strings.ToLower(rec.ModelID), ":free") {
		return true
	}
	price := s.resolvePrice(ch, rec, in)
	return ch.HasTag("free") && price.PromptPerToken == 0 && price.CompletionPerToken == 0
}

func (s *Scorer) resolvePrice(ch *Channel, rec ModelRecord, in ScoreInput) pricing.Price {
	cacheKey := ""
	if keys := ch.Keys(); len(keys) > 0 {
		cacheKey = pricing.CacheKey(ch.ID, keys[0])
	}
	return s.pricing.Resolve(pricing.Query{
		Provider:           ch.Provider,
		ModelID:            rec.ModelID,
		CacheKey:           cacheKey,
		ChannelInputPer1K:  ch.InputPer1K,
		ChannelOutputPer1K: ch.OutputPer1K,
		InputTokens:        in.EstPromptTokens,
		OutputTokens:       in.MaxTokens,
	})
}

func (s *Scorer) costTier(ch *Channel, rec ModelRecord, price pricing.Price, cost float64) int {
	validatedFree := strings.HasSuffix(strings.ToLower(rec.ModelID), ":free") ||
		(ch.HasTag("free") && price.PromptPerToken == 0 && price.CompletionPerToken == 0)
	if cost <= 0 && validatedFree {
		return 9
	}
	// Paid: monotone decreasing in cost, capped at 8 so free always wins.
	tier := int(math.Floor(8 / (1 + math.Log(1+cost*100))))
	if tier < 0 {
		tier = 0
	}
	if tier > 8 {
		tier = 8
	}
	return tier
}

var localTags = []string{"local", "ollama", "lmstudio"}

func (s *Scorer) localTier(ch *Channel, prov *Provider) int {
	for _, t := range localTags {
		if ch.HasTag(t) {
			return 9
		}
	}
	if prov != nil && isLocalBaseURL(prov.BaseURL) {
		return 9
	}
	// Remote channels are graded by observed latency, below any local one.
	tier := s.health.SpeedTier(ch.ID)
	if tier > 8 {
		tier = 8
	}
	return tier
}

func isLocalBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func contextTier(contextLength int) int {
	switch {
	case contextLength >= 128000:
		return 9
	case contextLength >= 32000:
		return 8
	case contextLength >= 16000:
		return 7
	case contextLength >= 8000:
		return 6
	case contextLength >= 4000:
		return 5
	case contextLength > 0:
		return 4
	}
	return 3 // unknown
}

func paramTier(paramCountB float64) int {
	switch {
	case paramCountB >= 70:
		return 9
	case paramCountB >= 30:
		return 8
	case paramCountB >= 13:
		return 7
	case paramCountB >= 7:
		return 6
	case paramCountB >= 3:
		return 5
	case paramCountB >= 1:
		return 4
	case paramCountB > 0:
		return 3
	}
	return 4 // unknown
}

func qualityTier(param, context int) int {
	q := int(math.Round(float64(param+context) / 2))
	if q > 9 {
		q = 9
	}
	return q
}

// strategyOrder returns the tier values in sort-significance order for the
// given strategy. The leading free flag keeps validated-free candidates above
// every paid one regardless of strategy.
func strategyOrder(strategy string, sc Score) [7]int {
	switch strategy {
	case StrategyLocalFirst:
		return [7]int{sc.Local, sc.Cost, sc.Context, sc.Param, sc.Speed, sc.Quality, sc.Reliability}
	case StrategySpeedOptimized:
		return [7]int{sc.Speed, sc.Cost, sc.Local, sc.Context, sc.Param, sc.Quality, sc.Reliability}
	case StrategyQualityOptimized:
		return [7]int{sc.Quality, sc.Cost, sc.Local, sc.Context, sc.Param, sc.Speed, sc.Reliability}
	default: // free_first, cost_first, balanced
		return [7]int{sc.Cost, sc.Local, sc.Context, sc.Param, sc.Speed, sc.Quality, sc.Reliability}
	}
}

// SortKey encodes the strategy-permuted score as a single comparable integer.
// Validated-free candidates (cost tier 9) carry a high-order bit so no paid
// candidate can outrank them.
func SortKey(strategy string, sc Score) int {
	order := strategyOrder(strategy, sc)
	key := 0
	for _, d := range order {
		key = key*10 + d
	}
	if sc.Cost == 9 {
		key += 10000000
	}
	return key
}
