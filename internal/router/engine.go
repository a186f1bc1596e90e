package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/smartrouter/smartrouter/internal/blacklist"
	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/providers"
)

// KeyInfo is what an adapter learns from validating a credential.
type KeyInfo struct {
	Valid    bool   `json:"valid"`
	UserTier string `json:"user_tier,omitempty"` // free|pro|premium|unknown
	Detail   string `json:"detail,omitempty"`
}

// Adapter is the per-provider-dialect contract. Implementations translate the
// canonical OpenAI-shaped request into the upstream wire format and back.
type Adapter interface {
	// Kind returns the adapter family: openai, anthropic, gemini, local.
	Kind() string
	// Send performs a non-streaming completion and returns an OpenAI-shaped
	// response body.
	Send(ctx context.Context, req *ChatRequest, ch *Channel, apiKey string) (ProviderResponse, error)
	// SendStream performs a streaming completion; the returned body yields
	// OpenAI-shaped SSE lines ending in "data: [DONE]".
	SendStream(ctx context.Context, req *ChatRequest, ch *Channel, apiKey string) (io.ReadCloser, error)
	// ValidateKey checks a credential.
	ValidateKey(ctx context.Context, ch *Channel, apiKey string) (*KeyInfo, error)
	// DiscoverModels lists the models the credential can reach.
	DiscoverModels(ctx context.Context, ch *Channel, apiKey string) ([]ModelRecord, error)
	// HealthCheck probes the upstream without a credential-consuming call.
	HealthCheck(ctx context.Context, ch *Channel) error
}

// DefaultMaxAttempts bounds failover attempts per request.
const DefaultMaxAttempts = 3

// Result is a completed non-streaming execution.
type Result struct {
	Response  ProviderResponse
	Candidate Candidate
	Attempts  int
	LatencyMs float64
}

// StreamResult is an opened streaming execution. The caller owns Body.
type StreamResult struct {
	Body      io.ReadCloser
	Candidate Candidate
	Attempts  int
	TTFBMs    float64
}

// Engine walks an ordered candidate list, invoking the adapter for each until
// one succeeds, recording failures in the blacklist and health tracker.
type Engine struct {
	reg         *Registry
	bl          *blacklist.Manager
	health      *health.Tracker
	finder      *Finder
	adapters    map[string]Adapter
	bus         *events.Bus
	logger      *slog.Logger
	maxAttempts int

	dailyMu    sync.Mutex
	dailyDay   string
	dailyCount map[string]int
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMaxAttempts overrides the failover attempt budget.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithEngineEventBus publishes route/failover events.
func WithEngineEventBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates the executor. adapters is keyed by adapter kind.
func NewEngine(reg *Registry, finder *Finder, bl *blacklist.Manager, tracker *health.Tracker, adapters map[string]Adapter, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:         reg,
		finder:      finder,
		bl:          bl,
		health:      tracker,
		adapters:    adapters,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		dailyCount:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Adapter returns the adapter registered for a kind.
func (e *Engine) Adapter(kind string) (Adapter, bool) {
	a, ok := e.adapters[kind]
	return a, ok
}

// Execute runs a non-streaming request over the candidate list.
func (e *Engine) Execute(ctx context.Context, req *ChatRequest, candidates []Candidate) (*Result, error) {
	attempts := 0
	var lastErr error
	worst := KindUnknown

	for _, cand := range candidates {
		if attempts >= e.maxAttempts {
			break
		}
		// Pre-flight skips do not consume an attempt.
		if e.bl.IsBlocked(cand.Channel.ID, cand.Model.ModelID) {
			continue
		}
		if !e.admitDaily(cand.Channel) {
			continue
		}

		adapter, apiKey, err := e.bind(cand)
		if err != nil {
			lastErr = err
			continue
		}
		attempts++
		// Every dispatched attempt counts toward the daily cap, not just
		// successes.
		e.countDaily(cand.Channel)

		sent := e.bindRequest(req, cand)
		start := time.Now()
		attemptCtx, cancel := e.attemptContext(ctx, cand)
		resp, err := adapter.Send(attemptCtx, sent, cand.Channel, apiKey)
		cancel()
		latencyMs := float64(time.Since(start).Milliseconds())

		if err == nil {
			e.recordSuccess(cand, latencyMs)
			return &Result{Response: resp, Candidate: cand, Attempts: attempts, LatencyMs: latencyMs}, nil
		}

		// Client cancellation ends the request; the next candidate would only
		// repeat work nobody is waiting for.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := e.recordFailure(cand, err, attempts)
		worst = WorseKind(worst, kind)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoChannels
	}
	return nil, &AllFailedError{Attempts: attempts, Worst: worst, LastErr: lastErr}
}

// ExecuteStream opens a stream over the candidate list. Failover happens only
// while no stream is open; once a body is returned, mid-stream failures are
// the caller's to surface as aborted.
func (e *Engine) ExecuteStream(ctx context.Context, req *ChatRequest, candidates []Candidate) (*StreamResult, error) {
	attempts := 0
	var lastErr error
	worst := KindUnknown

	for _, cand := range candidates {
		if attempts >= e.maxAttempts {
			break
		}
		if e.bl.IsBlocked(cand.Channel.ID, cand.Model.ModelID) {
			continue
		}
		if !e.admitDaily(cand.Channel) {
			continue
		}

		adapter, apiKey, err := e.bind(cand)
		if err != nil {
			lastErr = err
			continue
		}
		attempts++
		e.countDaily(cand.Channel)

		// No per-channel timeout here: a deadline would cut the stream off
		// mid-body. The client's context governs.
		sent := e.bindRequest(req, cand)
		start := time.Now()
		body, err := adapter.SendStream(ctx, sent, cand.Channel, apiKey)
		ttfbMs := float64(time.Since(start).Milliseconds())

		if err == nil {
			e.recordSuccess(cand, ttfbMs)
			return &StreamResult{Body: body, Candidate: cand, Attempts: attempts, TTFBMs: ttfbMs}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := e.recordFailure(cand, err, attempts)
		worst = WorseKind(worst, kind)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoChannels
	}
	return nil, &AllFailedError{Attempts: attempts, Worst: worst, LastErr: lastErr}
}

// RecordStreamAbort accounts a failure that happened after stream bytes
// reached the client.
func (e *Engine) RecordStreamAbort(cand Candidate, err error) error {
	e.recordFailure(cand, err, 0)
	return &StreamAbortedError{ChannelID: cand.Channel.ID, Err: err}
}

func (e *Engine) bind(cand Candidate) (Adapter, string, error) {
	prov, ok := e.reg.ProviderFor(cand.Channel)
	if !ok {
		return nil, "", errors.New("channel " + cand.Channel.ID + " references unknown provider " + cand.Channel.Provider)
	}
	adapter, ok := e.adapters[prov.Adapter]
	if !ok {
		return nil, "", errors.New("no adapter registered for kind " + prov.Adapter)
	}
	keys := cand.Channel.Keys()
	apiKey := ""
	if len(keys) > 0 {
		apiKey = keys[0]
	}
	return adapter, apiKey, nil
}

// bindRequest substitutes the candidate's physical model id into a copy of
// the request. Tag expressions and aliases never reach the upstream.
func (e *Engine) bindRequest(req *ChatRequest, cand Candidate) *ChatRequest {
	cp := *req
	cp.Model = cand.Model.ModelID
	return &cp
}

// attemptContext applies the channel's per-request timeout, when configured.
func (e *Engine) attemptContext(ctx context.Context, cand Candidate) (context.Context, context.CancelFunc) {
	if cand.Channel.TimeoutSecs > 0 {
		return context.WithTimeout(ctx, time.Duration(cand.Channel.TimeoutSecs)*time.Second)
	}
	return ctx, func() {}
}

func (e *Engine) recordSuccess(cand Candidate, latencyMs float64) {
	e.bl.RecordSuccess(cand.Channel.ID, cand.Model.ModelID)
	e.health.RecordSuccess(cand.Channel.ID, latencyMs)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventRouteSuccess,
			ChannelID: cand.Channel.ID,
			ModelID:   cand.Model.ModelID,
			Score:     cand.Score.String(),
			LatencyMs: latencyMs,
		})
	}
}

func (e *Engine) recordFailure(cand Candidate, err error, attempt int) ErrorKind {
	kind := Classify(err)

	var retryAfter time.Duration
	var se *providers.StatusError
	if errors.As(err, &se) && se.RetryAfterSecs > 0 {
		retryAfter = time.Duration(se.RetryAfterSecs) * time.Second
	}

	e.bl.RecordFailure(cand.Channel.ID, cand.Model.ModelID, string(kind), err.Error(), retryAfter)
	e.health.RecordError(cand.Channel.ID, err.Error())
	if kind == KindAuthFatal {
		// The blacklist hook already invalidates the cache; the finder hook
		// covers engines constructed without one.
		e.finder.InvalidateChannel(cand.Channel.ID)
	}

	if e.logger != nil {
		e.logger.Warn("attempt failed",
			slog.String("channel", cand.Channel.ID),
			slog.String("model", cand.Model.ModelID),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.EventRouteError,
			ChannelID:  cand.Channel.ID,
			ModelID:    cand.Model.ModelID,
			Attempt:    attempt,
			ErrorClass: string(kind),
			ErrorMsg:   err.Error(),
		})
	}
	return kind
}

// admitDaily checks the channel's daily request cap. At the cap the channel
// is blocked until the next UTC midnight.
func (e *Engine) admitDaily(ch *Channel) bool {
	if ch.DailyLimit <= 0 {
		return true
	}
	now := time.Now().UTC()
	day := now.Format("2006-01-02")

	e.dailyMu.Lock()
	if e.dailyDay != day {
		e.dailyDay = day
		e.dailyCount = make(map[string]int)
	}
	count := e.dailyCount[ch.ID]
	e.dailyMu.Unlock()

	if count >= ch.DailyLimit {
		e.bl.BlockChannelUntil(ch.ID, blacklist.NextUTCMidnight(now), blacklist.KindDailyLimit, "daily request limit reached")
		return false
	}
	return true
}

func (e *Engine) countDaily(ch *Channel) {
	if ch.DailyLimit <= 0 {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	e.dailyMu.Lock()
	if e.dailyDay != day {
		e.dailyDay = day
		e.dailyCount = make(map[string]int)
	}
	e.dailyCount[ch.ID]++
	e.dailyMu.Unlock()
}

// SurfaceStatus maps an execution error to the HTTP status the client sees.
func SurfaceStatus(err error) int {
	var all *AllFailedError
	if errors.As(err, &all) {
		return PolicyFor(all.Worst).SurfaceStatus
	}
	if errors.Is(err, ErrNoChannels) {
		return 503
	}
	var aborted *StreamAbortedError
	if errors.As(err, &aborted) {
		return 502
	}
	return 500
}
