// Package router implements candidate discovery, channel scoring, and the
// failover executor that drives upstream provider adapters.
package router

import (
	"encoding/json"
	"fmt"
)

// Provider is the static description of an upstream API family.
type Provider struct {
	ID             string            `json:"id" yaml:"id"`
	Adapter        string            `json:"adapter" yaml:"adapter"` // openai|anthropic|gemini|local
	BaseURL        string            `json:"base_url" yaml:"base_url"`
	DefaultHeaders map[string]string `json:"default_headers,omitempty" yaml:"default_headers,omitempty"`
}

// CurrencyExchange scales a channel's quoted prices into USD. Rate units of
// the From currency buy one unit of the To currency.
type CurrencyExchange struct {
	From        string  `json:"from" yaml:"from"`
	To          string  `json:"to" yaml:"to"`
	Rate        float64 `json:"rate" yaml:"rate"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// Channel is one concrete upstream endpoint: provider + credential plus
// routing options. Channels are read-only on the request path; mutation goes
// through config reload or the admin API.
type Channel struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Provider string   `json:"provider" yaml:"provider"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	APIKeys  []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`

	// Model binds the channel to a single physical model; "*" (or empty)
	// means the catalog comes from discovery.
	Model string   `json:"model,omitempty" yaml:"model,omitempty"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Priority    int `json:"priority,omitempty" yaml:"priority,omitempty"`
	DailyLimit  int `json:"daily_request_limit,omitempty" yaml:"daily_request_limit,omitempty"`
	TimeoutSecs int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries  int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Per-1K cost overrides; zero means use discovered/static pricing.
	InputPer1K  float64           `json:"input_per_1k,omitempty" yaml:"input_per_1k,omitempty"`
	OutputPer1K float64           `json:"output_per_1k,omitempty" yaml:"output_per_1k,omitempty"`
	Exchange    *CurrencyExchange `json:"currency_exchange,omitempty" yaml:"currency_exchange,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Keys returns every API key configured for the channel, primary first.
func (c *Channel) Keys() []string {
	if len(c.APIKeys) > 0 {
		return c.APIKeys
	}
	if c.APIKey != "" {
		return []string{c.APIKey}
	}
	return nil
}

// HasTag reports whether the channel carries the given tag.
func (c *Channel) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Pricing is the per-token price for one model under one channel.
type Pricing struct {
	PromptPerToken     float64 `json:"prompt_per_token"`
	CompletionPerToken float64 `json:"completion_per_token"`
	Currency           string  `json:"currency"`
	Source             string  `json:"source,omitempty"` // channel_override|discovered|static|tiered|estimated
}

// ModelRecord is one discovered (channel, model) entry. The same model id may
// appear under many channels; records are always channel-scoped.
type ModelRecord struct {
	ChannelID     string   `json:"channel_id"`
	ModelID       string   `json:"model_id"`
	ContextLength int      `json:"context_length,omitempty"`
	ParamCountB   float64  `json:"parameter_count_b,omitempty"` // billions; 0 = unknown
	Capabilities  []string `json:"capabilities,omitempty"`      // function_calling, vision, code, json_mode, thinking
	Pricing       Pricing  `json:"pricing"`
	Tags          []string `json:"tags,omitempty"`
}

// HasCapability reports whether the record advertises the capability.
func (m *ModelRecord) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Score is the 7-digit hierarchical routing score. Each tier is 0..9; cost is
// the most significant digit so a validated-free candidate always outranks a
// paid one.
type Score struct {
	Cost        int `json:"cost"`
	Local       int `json:"local"`
	Context     int `json:"context"`
	Param       int `json:"param"`
	Speed       int `json:"speed"`
	Quality     int `json:"quality"`
	Reliability int `json:"reliability"`
}

// Encode packs the tiers into a single comparable integer.
func (s Score) Encode() int {
	return s.Cost*1000000 + s.Local*100000 + s.Context*10000 + s.Param*1000 + s.Speed*100 + s.Quality*10 + s.Reliability
}

func (s Score) String() string {
	return fmt.Sprintf("%d%d%d%d%d%d%d", s.Cost, s.Local, s.Context, s.Param, s.Speed, s.Quality, s.Reliability)
}

// Candidate is one scored (channel, model) pair, ready for the executor.
// Exact marks candidates whose model id equals the request's; it is
// informational only and does not influence ordering.
type Candidate struct {
	Channel *Channel    `json:"-"`
	Model   ModelRecord `json:"model"`
	Score   Score       `json:"score"`
	Exact   bool        `json:"exact,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// RouteRequest carries the routing-relevant parts of an inbound request. It
// deliberately excludes message content, which never influences selection.
type RouteRequest struct {
	Model                 string   `json:"model"`
	Strategy              string   `json:"strategy,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities,omitempty"`
	ExcludeProviders      []string `json:"exclude_providers,omitempty"`
	MinContextLength      int      `json:"min_context_length,omitempty"`
	MaxCostPer1K          float64  `json:"max_cost_per_1k,omitempty"`
	PreferLocal           bool     `json:"prefer_local,omitempty"`
	HasFunctions          bool     `json:"has_functions,omitempty"`
	Stream                bool     `json:"stream,omitempty"`
	MaxTokens             int      `json:"max_tokens,omitempty"`
	Temperature           float64  `json:"temperature,omitempty"`
	EstimatedPromptTokens int      `json:"-"`
}

// Decision records which channel served the request, for the aggregator.
type Decision struct {
	ChannelID        string  `json:"channel_id"`
	ChannelName      string  `json:"channel_name"`
	Provider         string  `json:"provider"`
	ModelRequested   string  `json:"model_requested"`
	ModelUsed        string  `json:"model_used"`
	Score            int     `json:"score"`
	Reason           string  `json:"reason"`
	Attempts         int     `json:"attempts"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// ChatRequest is the canonical OpenAI chat-completion shape. Adapters
// translate it into the upstream dialect.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	User           string          `json:"user,omitempty"`
}

// Message is one chat turn. Content is either a plain string or an array of
// typed parts (text / image_url).
type Message struct {
	Role       string          `json:"role"`
	Content    MessageContent  `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Tool is an OpenAI function-tool declaration.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// MessageContent holds either a string or a parts array, preserving which
// form the client sent.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsParts bool
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsParts {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		m.IsParts = false
		m.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	m.Parts = parts
	m.IsParts = true
	m.Text = ""
	return nil
}

// PlainText flattens the content to its concatenated text parts.
func (m MessageContent) PlainText() string {
	if !m.IsParts {
		return m.Text
	}
	var s string
	for _, p := range m.Parts {
		if p.Type == "text" {
			s += p.Text
		}
	}
	return s
}

// TextContent builds a plain-string content value.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// ProviderResponse is a raw upstream response body, OpenAI-shaped after
// adapter translation.
type ProviderResponse = json.RawMessage

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExtractUsage pulls the usage block out of an OpenAI-shaped response.
func ExtractUsage(resp ProviderResponse) Usage {
	var parsed struct {
		Usage Usage `json:"usage"`
	}
	_ = json.Unmarshal(resp, &parsed)
	if parsed.Usage.TotalTokens == 0 {
		parsed.Usage.TotalTokens = parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	}
	return parsed.Usage
}
