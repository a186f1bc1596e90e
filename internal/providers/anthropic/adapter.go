// Package anthropic adapts the canonical OpenAI chat shape to Anthropic's
// Messages API and back.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smartrouter/smartrouter/internal/providers"
	"github.com/smartrouter/smartrouter/internal/router"
)

// DefaultBaseURL is Anthropic's API root.
const DefaultBaseURL = "https://api.anthropic.com"

// apiVersion is the pinned anthropic-version header value.
const apiVersion = "2023-06-01"

// defaultMaxTokens fills the mandatory max_tokens field when the client
// leaves it unset.
const defaultMaxTokens = 4096

// Adapter translates to and from the Anthropic Messages dialect.
type Adapter struct {
	reg          *router.Registry
	client       *http.Client
	streamClient *http.Client
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

// New creates the adapter.
func New(reg *router.Registry, opts ...Option) *Adapter {
	a := &Adapter{reg: reg, client: providers.NewHTTPClient(0), streamClient: providers.NewHTTPClient(0)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind implements router.Adapter.
func (a *Adapter) Kind() string { return "anthropic" }

func (a *Adapter) baseURL(ch *router.Channel) string {
	if prov, ok := a.reg.ProviderFor(ch); ok && prov.BaseURL != "" {
		return strings.TrimSuffix(prov.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (a *Adapter) headers(ch *router.Channel, apiKey string) map[string]string {
	h := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": apiVersion,
	}
	if prov, ok := a.reg.ProviderFor(ch); ok {
		for k, v := range prov.DefaultHeaders {
			h[k] = v
		}
	}
	return h
}

// Send implements router.Adapter.
func (a *Adapter) Send(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (router.ProviderResponse, error) {
	payload, err := translateRequest(req, false)
	if err != nil {
		return nil, err
	}
	body, err := providers.DoJSON(ctx, a.client, a.baseURL(ch)+"/v1/messages", payload, a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	return translateResponse(body)
}

// SendStream implements router.Adapter. Anthropic's typed SSE events are
// folded into OpenAI chat.completion.chunk frames.
func (a *Adapter) SendStream(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (io.ReadCloser, error) {
	payload, err := translateRequest(req, true)
	if err != nil {
		return nil, err
	}
	upstream, err := providers.DoStream(ctx, a.streamClient, a.baseURL(ch)+"/v1/messages", payload, a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	return providers.TransformSSE(upstream, newStreamTranslator(req.Model)), nil
}

// ValidateKey implements router.Adapter via GET /v1/models.
func (a *Adapter) ValidateKey(ctx context.Context, ch *router.Channel, apiKey string) (*router.KeyInfo, error) {
	_, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1/models", a.headers(ch, apiKey))
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) && (se.StatusCode == 401 || se.StatusCode == 403) {
			return &router.KeyInfo{Valid: false, Detail: "rejected by upstream"}, nil
		}
		return nil, err
	}
	return &router.KeyInfo{Valid: true}, nil
}

// DiscoverModels implements router.Adapter.
func (a *Adapter) DiscoverModels(ctx context.Context, ch *router.Channel, apiKey string) ([]router.ModelRecord, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1/models?limit=100", a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	records := make([]router.ModelRecord, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		records = append(records, router.ModelRecord{
			ChannelID:    ch.ID,
			ModelID:      m.ID,
			Capabilities: []string{"function_calling", "vision", "json_mode"},
		})
	}
	return records, nil
}

// HealthCheck implements router.Adapter; an auth rejection proves liveness.
func (a *Adapter) HealthCheck(ctx context.Context, ch *router.Channel) error {
	_, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1/models", map[string]string{"anthropic-version": apiVersion})
	var se *providers.StatusError
	if errors.As(err, &se) && (se.StatusCode == 401 || se.StatusCode == 403 || se.StatusCode == 405) {
		return nil
	}
	return err
}

// --- request translation ---

type messagesRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *imageSource `json:"source,omitempty"`

	// tool_use / tool_result
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func translateRequest(req *router.ChatRequest, stream bool) (*messagesRequest, error) {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		ToolChoice:  translateToolChoice(req.ToolChoice),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	out.StopSequences = parseStop(req.Stop)

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.PlainText())
		case "tool":
			out.Messages = append(out.Messages, message{
				Role: "user",
				Content: []block{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content.PlainText(),
				}},
			})
		case "user", "assistant":
			msg, err := translateMessage(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, msg)
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

func translateMessage(m router.Message) (message, error) {
	msg := message{Role: m.Role}

	if m.Role == "assistant" && len(m.ToolCalls) > 0 {
		var calls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(m.ToolCalls, &calls); err != nil {
			return message{}, fmt.Errorf("parse tool_calls: %w", err)
		}
		if text := m.Content.PlainText(); text != "" {
			msg.Content = append(msg.Content, block{Type: "text", Text: text})
		}
		for _, c := range calls {
			input := json.RawMessage(c.Function.Arguments)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			msg.Content = append(msg.Content, block{
				Type: "tool_use", ID: c.ID, Name: c.Function.Name, Input: input,
			})
		}
		return msg, nil
	}

	if !m.Content.IsParts {
		msg.Content = []block{{Type: "text", Text: m.Content.Text}}
		return msg, nil
	}
	for _, p := range m.Content.Parts {
		switch p.Type {
		case "text":
			msg.Content = append(msg.Content, block{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			src, err := imageSourceFromURL(p.ImageURL.URL)
			if err != nil {
				return message{}, err
			}
			msg.Content = append(msg.Content, block{Type: "image", Source: src})
		default:
			return message{}, fmt.Errorf("unsupported content part %q", p.Type)
		}
	}
	return msg, nil
}

// imageSourceFromURL converts a data URL into a base64 source block; plain
// https URLs pass through as url sources.
func imageSourceFromURL(u string) (*imageSource, error) {
	if !strings.HasPrefix(u, "data:") {
		return &imageSource{Type: "url", URL: u}, nil
	}
	rest := strings.TrimPrefix(u, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil, fmt.Errorf("image data URL must be base64-encoded")
	}
	return &imageSource{
		Type:      "base64",
		MediaType: rest[:semi],
		Data:      rest[semi+len(";base64,"):],
	}, nil
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// translateToolChoice maps OpenAI's tool_choice to Anthropic's shape.
func translateToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		case "none":
			return nil
		}
		return nil
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		b, _ := json.Marshal(map[string]string{"type": "tool", "name": named.Function.Name})
		return b
	}
	return nil
}

// --- response translation ---

type messagesResponse struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func translateResponse(body []byte) (router.ProviderResponse, error) {
	var in messagesResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}

	var text strings.Builder
	var toolCalls []map[string]any
	for _, b := range in.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": args,
				},
			})
		}
	}

	msg := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	out := map[string]any{
		"id":      in.ID,
		"object":  "chat.completion",
		"model":   in.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finishReason(in.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     in.Usage.InputTokens,
			"completion_tokens": in.Usage.OutputTokens,
			"total_tokens":      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

var _ router.Adapter = (*Adapter)(nil)
