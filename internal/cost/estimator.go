// Package cost estimates token counts and request cost before selection and
// finalizes them after the upstream response arrives.
package cost

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"

	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/router"
)

const (
	// charsPerToken is the heuristic divisor for prompt-token estimation.
	charsPerToken = 2.5
	// DefaultImageTokens is the flat per-image token charge.
	DefaultImageTokens = 250
)

// Estimate is the pre-selection cost projection for one (request, channel).
type Estimate struct {
	PromptTokens        int           `json:"prompt_tokens"`
	EstCompletionTokens int           `json:"est_completion_tokens"`
	EstCostUSD          float64       `json:"est_cost_usd"`
	Price               pricing.Price `json:"price"`
}

// Final is the post-response accounting for one request.
type Final struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Price            pricing.Price `json:"price"`
}

// SessionTotals are process-wide running counters, reset on restart.
type SessionTotals struct {
	TotalRequests int64   `json:"total_requests"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
}

// Estimator computes token and cost estimates. Safe for concurrent use.
type Estimator struct {
	store       *pricing.Store
	imageTokens int
	exact       bool

	encMu    sync.Mutex
	encoders map[string]*tiktoken.Tiktoken

	totalRequests  atomic.Int64
	totalCostMicro atomic.Int64 // USD microdollars, to keep the total atomic
}

// Option configures the estimator.
type Option func(*Estimator)

// WithImageTokens overrides the flat per-image token charge.
func WithImageTokens(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.imageTokens = n
		}
	}
}

// WithExactTokenizer switches prompt counting from the character heuristic to
// a real BPE tokenizer. Upstream-reported usage still wins at finalize time.
func WithExactTokenizer() Option {
	return func(e *Estimator) { e.exact = true }
}

// NewEstimator creates an estimator backed by the pricing store.
func NewEstimator(store *pricing.Store, opts ...Option) *Estimator {
	e := &Estimator{
		store:       store,
		imageTokens: DefaultImageTokens,
		encoders:    make(map[string]*tiktoken.Tiktoken),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateTokens counts prompt tokens for the request: text characters
// divided by 2.5 rounded up (floor 1), plus a flat charge per image.
func (e *Estimator) EstimateTokens(req *router.ChatRequest) int {
	chars := 0
	images := 0
	for _, m := range req.Messages {
		if m.Content.IsParts {
			for _, p := range m.Content.Parts {
				switch p.Type {
				case "text":
					chars += len(p.Text)
				case "image_url":
					images++
				}
			}
		} else {
			chars += len(m.Content.Text)
		}
	}

	var tokens int
	if e.exact && chars > 0 {
		tokens = e.exactCount(req)
	}
	if tokens == 0 {
		tokens = int(math.Ceil(float64(chars) / charsPerToken))
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens + images*e.imageTokens
}

// Estimate projects the cost of running req on the given channel before the
// response is known; max_tokens bounds the completion side.
func (e *Estimator) Estimate(req *router.ChatRequest, ch *router.Channel, provider, modelID, cacheKey string) Estimate {
	promptTokens := e.EstimateTokens(req)
	estCompletion := req.MaxTokens
	if estCompletion <= 0 {
		estCompletion = 1024
	}

	price := e.store.Resolve(pricing.Query{
		Provider:           provider,
		ModelID:            modelID,
		CacheKey:           cacheKey,
		ChannelInputPer1K:  ch.InputPer1K,
		ChannelOutputPer1K: ch.OutputPer1K,
		InputTokens:        promptTokens,
		OutputTokens:       estCompletion,
	})

	cost := float64(promptTokens)*price.PromptPerToken + float64(estCompletion)*price.CompletionPerToken
	cost = applyExchange(cost, ch.Exchange)

	return Estimate{
		PromptTokens:        promptTokens,
		EstCompletionTokens: estCompletion,
		EstCostUSD:          cost,
		Price:               price,
	}
}

// Finalize computes the realized cost once usage is known. Upstream-reported
// token counts override the estimate when present; the result feeds the
// session totals.
func (e *Estimator) Finalize(req *router.ChatRequest, usage router.Usage, ch *router.Channel, provider, modelID, cacheKey string) Final {
	promptTokens := usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = e.EstimateTokens(req)
	}
	completionTokens := usage.CompletionTokens

	price := e.store.Resolve(pricing.Query{
		Provider:           provider,
		ModelID:            modelID,
		CacheKey:           cacheKey,
		ChannelInputPer1K:  ch.InputPer1K,
		ChannelOutputPer1K: ch.OutputPer1K,
		InputTokens:        promptTokens,
		OutputTokens:       completionTokens,
	})

	cost := float64(promptTokens)*price.PromptPerToken + float64(completionTokens)*price.CompletionPerToken
	cost = applyExchange(cost, ch.Exchange)

	e.totalRequests.Add(1)
	e.totalCostMicro.Add(int64(math.Round(cost * 1e6)))

	return Final{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		Price:            price,
	}
}

// Session returns the process-wide running totals.
func (e *Estimator) Session() SessionTotals {
	return SessionTotals{
		TotalRequests: e.totalRequests.Load(),
		TotalCostUSD:  float64(e.totalCostMicro.Load()) / 1e6,
	}
}

func (e *Estimator) exactCount(req *router.ChatRequest) int {
	enc := e.encoderFor(req.Model)
	if enc == nil {
		return 0
	}
	total := 0
	for _, m := range req.Messages {
		if text := m.Content.PlainText(); text != "" {
			total += len(enc.Encode(text, nil, nil))
		}
	}
	return total
}

func (e *Estimator) encoderFor(model string) *tiktoken.Tiktoken {
	e.encMu.Lock()
	defer e.encMu.Unlock()

	if enc, ok := e.encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	e.encoders[model] = enc
	return enc
}

// applyExchange scales a quoted cost into USD using the channel's exchange
// record, when present.
func applyExchange(cost float64, ex *router.CurrencyExchange) float64 {
	if ex == nil || ex.Rate <= 0 {
		return cost
	}
	return cost * ex.Rate
}
