// Package openai implements the adapter for OpenAI-compatible upstreams:
// api.openai.com itself plus the many gateways that speak its dialect
// (OpenRouter, SiliconFlow, Groq, local runtimes).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/smartrouter/smartrouter/internal/providers"
	"github.com/smartrouter/smartrouter/internal/router"
)

// DefaultBaseURL is used when the channel's provider does not set one.
const DefaultBaseURL = "https://api.openai.com/v1"

// Adapter speaks the OpenAI wire format. Requests and responses are already
// in the canonical shape, so translation is a passthrough.
type Adapter struct {
	kind         string
	reg          *router.Registry
	client       *http.Client
	streamClient *http.Client
	defaultBase  string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the default instrumented client for non-streaming
// calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithStreamHTTPClient overrides the client used for SSE bodies. It must not
// carry a Timeout: that would cut long streams off mid-body.
func WithStreamHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.streamClient = c }
}

// WithKind overrides the reported adapter kind; the local adapter reuses this
// implementation under its own name.
func WithKind(kind string) Option {
	return func(a *Adapter) { a.kind = kind }
}

// WithDefaultBaseURL changes the fallback used when a channel's provider does
// not set a base URL.
func WithDefaultBaseURL(u string) Option {
	return func(a *Adapter) { a.defaultBase = u }
}

// New creates the adapter. reg resolves channels to their provider base URL.
func New(reg *router.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		kind:         "openai",
		reg:          reg,
		client:       providers.NewHTTPClient(0),
		streamClient: providers.NewHTTPClient(0),
		defaultBase:  DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind implements router.Adapter.
func (a *Adapter) Kind() string { return a.kind }

func (a *Adapter) baseURL(ch *router.Channel) string {
	if prov, ok := a.reg.ProviderFor(ch); ok && prov.BaseURL != "" {
		return strings.TrimSuffix(prov.BaseURL, "/")
	}
	return a.defaultBase
}

func (a *Adapter) headers(ch *router.Channel, apiKey string) map[string]string {
	h := map[string]string{}
	if prov, ok := a.reg.ProviderFor(ch); ok {
		for k, v := range prov.DefaultHeaders {
			h[k] = v
		}
	}
	if apiKey != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

// Send implements router.Adapter. The body goes out verbatim with stream
// forced off.
func (a *Adapter) Send(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (router.ProviderResponse, error) {
	out := *req
	out.Stream = false
	body, err := providers.DoJSON(ctx, a.client, a.baseURL(ch)+"/chat/completions", &out, a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	return router.ProviderResponse(body), nil
}

// SendStream implements router.Adapter. The upstream already emits
// OpenAI-shaped SSE terminated by [DONE], so the body passes through.
func (a *Adapter) SendStream(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (io.ReadCloser, error) {
	out := *req
	out.Stream = true
	return providers.DoStream(ctx, a.streamClient, a.baseURL(ch)+"/chat/completions", &out, a.headers(ch, apiKey))
}

// ValidateKey implements router.Adapter: a key that can list models is valid.
func (a *Adapter) ValidateKey(ctx context.Context, ch *router.Channel, apiKey string) (*router.KeyInfo, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/models", a.headers(ch, apiKey))
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) && (se.StatusCode == 401 || se.StatusCode == 403) {
			return &router.KeyInfo{Valid: false, Detail: "rejected by upstream"}, nil
		}
		return nil, err
	}
	var parsed modelList
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &router.KeyInfo{Valid: true, UserTier: tierFromModels(parsed.Data)}, nil
}

// DiscoverModels implements router.Adapter via GET /models. OpenRouter-style
// extensions (context_length, per-token pricing) are picked up when present.
func (a *Adapter) DiscoverModels(ctx context.Context, ch *router.Channel, apiKey string) ([]router.ModelRecord, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/models", a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	var parsed modelList
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	records := make([]router.ModelRecord, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		rec := router.ModelRecord{
			ChannelID:     ch.ID,
			ModelID:       m.ID,
			ContextLength: m.ContextLength,
		}
		if rec.ContextLength == 0 && m.TopProvider != nil {
			rec.ContextLength = m.TopProvider.ContextLength
		}
		if m.Pricing != nil {
			rec.Pricing = router.Pricing{
				PromptPerToken:     parsePrice(m.Pricing.Prompt),
				CompletionPerToken: parsePrice(m.Pricing.Completion),
				Currency:           "USD",
				Source:             "discovered",
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// HealthCheck implements router.Adapter. An auth rejection still proves the
// endpoint is up.
func (a *Adapter) HealthCheck(ctx context.Context, ch *router.Channel) error {
	_, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/models", nil)
	var se *providers.StatusError
	if errors.As(err, &se) && (se.StatusCode == 401 || se.StatusCode == 403 || se.StatusCode == 405) {
		return nil
	}
	return err
}

type modelList struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID            string           `json:"id"`
	ContextLength int              `json:"context_length,omitempty"`
	Pricing       *modelPricing    `json:"pricing,omitempty"`
	TopProvider   *topProviderInfo `json:"top_provider,omitempty"`
}

type modelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

type topProviderInfo struct {
	ContextLength int `json:"context_length,omitempty"`
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// tierFromModels guesses the account tier from the visible catalog: gateways
// expose "Pro/" prefixed models to paying accounts, and catalog size grows
// with tier.
func tierFromModels(models []modelEntry) string {
	proPrefixed := false
	for _, m := range models {
		if strings.HasPrefix(m.ID, "Pro/") {
			proPrefixed = true
			break
		}
	}
	switch {
	case len(models) > 100:
		return "premium"
	case proPrefixed || len(models) > 50:
		return "pro"
	case len(models) > 0:
		return "free"
	}
	return "unknown"
}

var _ router.Adapter = (*Adapter)(nil)
