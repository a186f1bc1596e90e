package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartrouter/smartrouter/internal/blacklist"
	"github.com/smartrouter/smartrouter/internal/cost"
	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/routecache"
	"github.com/smartrouter/smartrouter/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedAdapter lets each test script the upstream outcome and inspect the
// request the routing core handed to it.
type scriptedAdapter struct {
	kind    string
	send    func(ch *router.Channel, req *router.ChatRequest) (router.ProviderResponse, error)
	stream  func(ch *router.Channel, req *router.ChatRequest) (io.ReadCloser, error)
	lastReq *router.ChatRequest
}

func (s *scriptedAdapter) Kind() string { return s.kind }

func (s *scriptedAdapter) Send(_ context.Context, req *router.ChatRequest, ch *router.Channel, _ string) (router.ProviderResponse, error) {
	s.lastReq = req
	if s.send == nil {
		return router.ProviderResponse(`{}`), nil
	}
	return s.send(ch, req)
}

func (s *scriptedAdapter) SendStream(_ context.Context, req *router.ChatRequest, ch *router.Channel, _ string) (io.ReadCloser, error) {
	s.lastReq = req
	if s.stream == nil {
		return nil, errors.New("stream not scripted")
	}
	return s.stream(ch, req)
}

func (s *scriptedAdapter) ValidateKey(context.Context, *router.Channel, string) (*router.KeyInfo, error) {
	return &router.KeyInfo{Valid: true}, nil
}

func (s *scriptedAdapter) DiscoverModels(context.Context, *router.Channel, string) ([]router.ModelRecord, error) {
	return nil, nil
}

func (s *scriptedAdapter) HealthCheck(context.Context, *router.Channel) error { return nil }

var _ router.Adapter = (*scriptedAdapter)(nil)

type apiFixture struct {
	deps    Dependencies
	mock    *scriptedAdapter
	handler http.Handler
}

// newAPIFixture wires a realistic dependency graph: three channels across two
// providers, a live finder/engine pair, and a scripted adapter standing in for
// every upstream.
func newAPIFixture(t *testing.T, mutate func(*Dependencies)) *apiFixture {
	t.Helper()
	logger := testLogger()

	prices, err := pricing.NewStore(logger)
	if err != nil {
		t.Fatalf("pricing.NewStore: %v", err)
	}
	tracker := health.NewTracker(health.DefaultConfig())
	cache := routecache.New(time.Minute, 100, time.Hour)
	t.Cleanup(cache.Stop)
	bl := blacklist.NewManager(blacklist.DefaultConfig(), logger,
		blacklist.WithChannelBlockHook(func(id string) { cache.InvalidateChannel(id) }))

	reg := router.NewRegistry()
	reg.SetProviders([]router.Provider{
		{ID: "openai", Adapter: "openai", BaseURL: "https://api.openai.com/v1"},
		{ID: "openrouter", Adapter: "openai", BaseURL: "https://openrouter.ai/api/v1"},
		{ID: "ollama", Adapter: "local", BaseURL: "http://localhost:11434/v1"},
	})
	reg.SetChannels([]router.Channel{
		{ID: "paid-openai", Name: "OpenAI", Provider: "openai", APIKey: "sk-test-a", Enabled: true},
		{ID: "free-or", Name: "OpenRouter Free", Provider: "openrouter", APIKey: "sk-test-b", Tags: []string{"free"}, Enabled: true},
		{ID: "local-ollama", Name: "Ollama", Provider: "ollama", Tags: []string{"local"}, Enabled: true},
	})
	reg.UpsertCatalog("paid-openai", []router.ModelRecord{
		{ModelID: "gpt-4o", ContextLength: 128000, Capabilities: []string{"function_calling", "vision", "json_mode"}},
		{ModelID: "gpt-4o-mini", ContextLength: 128000, Capabilities: []string{"function_calling", "json_mode"}},
	})
	reg.UpsertCatalog("free-or", []router.ModelRecord{
		{ModelID: "qwen/qwen3-30b-a3b:free", ContextLength: 32768, ParamCountB: 30, Tags: []string{"free"}},
	})
	reg.UpsertCatalog("local-ollama", []router.ModelRecord{
		{ModelID: "llama3-8b", ContextLength: 8192, ParamCountB: 8, Tags: []string{"local"}},
	})

	finder := router.NewFinder(reg, cache, bl, router.NewScorer(tracker, prices), logger)
	mock := &scriptedAdapter{kind: "openai"}
	engine := router.NewEngine(reg, finder, bl, tracker,
		map[string]router.Adapter{"openai": mock, "local": mock}, logger)

	deps := Dependencies{
		Registry:  reg,
		Finder:    finder,
		Engine:    engine,
		Blacklist: bl,
		Health:    tracker,
		Cache:     cache,
		Estimator: cost.NewEstimator(prices),
		Logger:    logger,
		Version:   "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	mux := chi.NewRouter()
	MountRoutes(mux, deps)
	return &apiFixture{deps: deps, mock: mock, handler: mux}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// okCompletion is a minimal OpenAI-shaped upstream response.
const okCompletion = `{"id":"chatcmpl-abc","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`
