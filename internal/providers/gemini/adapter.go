// Package gemini adapts the canonical OpenAI chat shape to the Google
// Generative Language API (generateContent) and back.
package gemini

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

// DefaultBaseURL is the Generative Language API root.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter translates to and from the Gemini generateContent dialect.
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
func (a *Adapter) Kind() string { return "gemini" }

func (a *Adapter) baseURL(ch *router.Channel) string {
	if prov, ok := a.reg.ProviderFor(ch); ok && prov.BaseURL != "" {
		return strings.TrimSuffix(prov.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (a *Adapter) headers(ch *router.Channel, apiKey string) map[string]string {
	h := map[string]string{"x-goog-api-key": apiKey}
	if prov, ok := a.reg.ProviderFor(ch); ok {
		for k, v := range prov.DefaultHeaders {
			h[k] = v
		}
	}
	return h
}

// Send implements router.Adapter.
func (a *Adapter) Send(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (router.ProviderResponse, error) {
	payload, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL(ch), req.Model)
	body, err := providers.DoJSON(ctx, a.client, url, payload, a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	return translateResponse(req.Model, body)
}

// SendStream implements router.Adapter via :streamGenerateContent?alt=sse.
func (a *Adapter) SendStream(ctx context.Context, req *router.ChatRequest, ch *router.Channel, apiKey string) (io.ReadCloser, error) {
	payload, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.baseURL(ch), req.Model)
	upstream, err := providers.DoStream(ctx, a.streamClient, url, payload, a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	return providers.TransformSSE(upstream, newStreamTranslator(req.Model)), nil
}

// ValidateKey implements router.Adapter via the model list endpoint.
func (a *Adapter) ValidateKey(ctx context.Context, ch *router.Channel, apiKey string) (*router.KeyInfo, error) {
	_, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1beta/models?pageSize=1", a.headers(ch, apiKey))
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) && (se.StatusCode == 400 || se.StatusCode == 401 || se.StatusCode == 403) {
			return &router.KeyInfo{Valid: false, Detail: "rejected by upstream"}, nil
		}
		return nil, err
	}
	return &router.KeyInfo{Valid: true}, nil
}

// DiscoverModels implements router.Adapter. Only models supporting
// generateContent become chat candidates; token limits map onto context
// length.
func (a *Adapter) DiscoverModels(ctx context.Context, ch *router.Channel, apiKey string) ([]router.ModelRecord, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1beta/models?pageSize=200", a.headers(ch, apiKey))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []struct {
			Name                       string   `json:"name"`
			InputTokenLimit            int      `json:"inputTokenLimit"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	var records []router.ModelRecord
	for _, m := range parsed.Models {
		if !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		records = append(records, router.ModelRecord{
			ChannelID:     ch.ID,
			ModelID:       strings.TrimPrefix(m.Name, "models/"),
			ContextLength: m.InputTokenLimit,
			Capabilities:  []string{"function_calling", "vision", "json_mode"},
		})
	}
	return records, nil
}

// HealthCheck implements router.Adapter; an auth rejection proves liveness.
func (a *Adapter) HealthCheck(ctx context.Context, ch *router.Channel) error {
	_, err := providers.DoGet(ctx, a.client, a.baseURL(ch)+"/v1beta/models?pageSize=1", nil)
	var se *providers.StatusError
	if errors.As(err, &se) && (se.StatusCode == 400 || se.StatusCode == 401 || se.StatusCode == 403) {
		return nil
	}
	return err
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

// --- request translation ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolDecls       `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *inlineData     `json:"inline_data,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResult `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResult struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolDecls struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

func translateRequest(req *router.ChatRequest) (*generateRequest, error) {
	out := &generateRequest{}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.PlainText())
		case "tool":
			out.Contents = append(out.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResult{
					Name:     m.Name,
					Response: wrapResponse(m.Content.PlainText()),
				}}},
			})
		case "user", "assistant":
			c, err := translateMessage(m)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, c)
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}

	var decls []functionDecl
	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		decls = append(decls, functionDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(decls) > 0 {
		out.Tools = []toolDecls{{FunctionDeclarations: decls}}
	}

	cfg := &generationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   parseStop(req.Stop),
	}
	if wantsJSON(req.ResponseFormat) {
		cfg.ResponseMimeType = "application/json"
	}
	out.GenerationConfig = cfg
	return out, nil
}

func translateMessage(m router.Message) (content, error) {
	role := "user"
	if m.Role == "assistant" {
		role = "model"
	}
	c := content{Role: role}

	if m.Role == "assistant" && len(m.ToolCalls) > 0 {
		var calls []struct {
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(m.ToolCalls, &calls); err != nil {
			return content{}, fmt.Errorf("parse tool_calls: %w", err)
		}
		for _, call := range calls {
			c.Parts = append(c.Parts, part{FunctionCall: &functionCall{
				Name: call.Function.Name,
				Args: json.RawMessage(call.Function.Arguments),
			}})
		}
		return c, nil
	}

	if !m.Content.IsParts {
		c.Parts = []part{{Text: m.Content.Text}}
		return c, nil
	}
	for _, p := range m.Content.Parts {
		switch p.Type {
		case "text":
			c.Parts = append(c.Parts, part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			data, err := inlineDataFromURL(p.ImageURL.URL)
			if err != nil {
				return content{}, err
			}
			c.Parts = append(c.Parts, part{InlineData: data})
		default:
			return content{}, fmt.Errorf("unsupported content part %q", p.Type)
		}
	}
	return c, nil
}

// inlineDataFromURL converts a base64 data URL into an inline_data part. The
// API does not fetch remote URLs, so plain links are rejected.
func inlineDataFromURL(u string) (*inlineData, error) {
	if !strings.HasPrefix(u, "data:") {
		return nil, fmt.Errorf("image must be a base64 data URL")
	}
	rest := strings.TrimPrefix(u, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil, fmt.Errorf("image data URL must be base64-encoded")
	}
	return &inlineData{MimeType: rest[:semi], Data: rest[semi+len(";base64,"):]}, nil
}

func wrapResponse(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"result": text})
	return b
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

func wantsJSON(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var rf struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &rf); err != nil {
		return false
	}
	return rf.Type == "json_object" || rf.Type == "json_schema"
}

// --- response translation ---

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func translateResponse(model string, body []byte) (router.ProviderResponse, error) {
	var in generateResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse generateContent response: %w", err)
	}
	if len(in.Candidates) == 0 {
		return nil, fmt.Errorf("empty candidates in generateContent response")
	}
	cand := in.Candidates[0]

	var text strings.Builder
	var toolCalls []map[string]any
	for i, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   fmt.Sprintf("call_%d", i),
				"type": "function",
				"function": map[string]any{
					"name":      p.FunctionCall.Name,
					"arguments": args,
				},
			})
			continue
		}
		text.WriteString(p.Text)
	}

	msg := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	out := map[string]any{
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finishReason(cand.FinishReason, len(toolCalls) > 0),
		}},
		"usage": map[string]any{
			"prompt_tokens":     in.UsageMetadata.PromptTokenCount,
			"completion_tokens": in.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      in.UsageMetadata.PromptTokenCount + in.UsageMetadata.CandidatesTokenCount,
		},
	}
	return json.Marshal(out)
}

func finishReason(reason string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

var _ router.Adapter = (*Adapter)(nil)
