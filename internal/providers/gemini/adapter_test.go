package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smartrouter/smartrouter/internal/router"
)

func testRegistry(baseURL string) *router.Registry {
	reg := router.NewRegistry()
	reg.SetProviders([]router.Provider{
		{ID: "gemini", Adapter: "gemini", BaseURL: baseURL},
	})
	reg.SetChannels([]router.Channel{
		{ID: "ch1", Provider: "gemini", APIKey: "AIza-test", Enabled: true},
	})
	return reg
}

func testChannel(reg *router.Registry) *router.Channel {
	ch, _ := reg.Channel("ch1")
	return ch
}

func TestTranslateRequestRolesAndSystem(t *testing.T) {
	req := &router.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []router.Message{
			{Role: "system", Content: router.TextContent("answer briefly")},
			{Role: "user", Content: router.TextContent("hello")},
			{Role: "assistant", Content: router.TextContent("hi")},
		},
	}
	out, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "answer briefly" {
		t.Errorf("systemInstruction = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 2 {
		t.Fatalf("contents = %d", len(out.Contents))
	}
	if out.Contents[0].Role != "user" || out.Contents[1].Role != "model" {
		t.Errorf("roles = %s, %s", out.Contents[0].Role, out.Contents[1].Role)
	}
}

func TestTranslateRequestGenerationConfig(t *testing.T) {
	temp := 0.7
	req := &router.ChatRequest{
		Model:          "gemini-1.5-flash",
		Messages:       []router.Message{{Role: "user", Content: router.TextContent("hi")}},
		Temperature:    &temp,
		MaxTokens:      512,
		Stop:           json.RawMessage(`["STOP"]`),
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	}
	out, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	cfg := out.GenerationConfig
	if cfg.MaxOutputTokens != 512 || *cfg.Temperature != 0.7 {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.StopSequences) != 1 || cfg.StopSequences[0] != "STOP" {
		t.Errorf("stop = %v", cfg.StopSequences)
	}
	if cfg.ResponseMimeType != "application/json" {
		t.Errorf("mime = %s", cfg.ResponseMimeType)
	}
}

func TestTranslateRequestToolsAndResult(t *testing.T) {
	req := &router.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []router.Message{
			{Role: "user", Content: router.TextContent("weather in Oslo")},
			{
				Role:      "assistant",
				Content:   router.TextContent(""),
				ToolCalls: json.RawMessage(`[{"id":"call_0","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]`),
			},
			{Role: "tool", Name: "get_weather", Content: router.TextContent("12C")},
		},
		Tools: []router.Tool{{
			Type:     "function",
			Function: router.ToolFunction{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)},
		}},
	}
	out, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if len(out.Tools) != 1 || out.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Errorf("tools = %+v", out.Tools)
	}
	call := out.Contents[1].Parts[0].FunctionCall
	if call == nil || call.Name != "get_weather" {
		t.Errorf("functionCall = %+v", call)
	}
	result := out.Contents[2].Parts[0].FunctionResponse
	if result == nil || result.Name != "get_weather" {
		t.Errorf("functionResponse = %+v", result)
	}
}

func TestTranslateRequestRejectsRemoteImage(t *testing.T) {
	req := &router.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []router.Message{{
			Role: "user",
			Content: router.MessageContent{
				IsParts: true,
				Parts: []router.ContentPart{
					{Type: "image_url", ImageURL: &router.ImageURL{URL: "https://example.com/cat.png"}},
				},
			},
		}},
	}
	if _, err := translateRequest(req); err == nil {
		t.Error("remote image URL should be rejected")
	}
}

func TestSendTranslatesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-pro:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "AIza-test" {
			t.Errorf("key header = %q", r.Header.Get("x-goog-api-key"))
		}
		_, _ = w.Write([]byte(`{
			"candidates": [{"content":{"role":"model","parts":[{"text":"Hello!"}]},"finishReason":"STOP"}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3}
		}`))
	}))
	defer srv.Close()

	reg := testRegistry(srv.URL)
	a := New(reg, WithHTTPClient(srv.Client()))
	resp, err := a.Send(context.Background(), &router.ChatRequest{
		Model:    "gemini-1.5-pro",
		Messages: []router.Message{{Role: "user", Content: router.TextContent("hi")}},
	}, testChannel(reg), "AIza-test")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage router.Usage `json:"usage"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Choices[0].Message.Content != "Hello!" || parsed.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", parsed.Choices[0])
	}
	if parsed.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", parsed.Usage)
	}
}

func TestSendStreamTranslation(t *testing.T) {
	chunks := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		``,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`,
		``,
	}, "\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %s", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunks)
	}))
	defer srv.Close()

	reg := testRegistry(srv.URL)
	a := New(reg, WithHTTPClient(srv.Client()))
	body, err := a.SendStream(context.Background(), &router.ChatRequest{
		Model:    "gemini-1.5-flash",
		Messages: []router.Message{{Role: "user", Content: router.TextContent("hi")}},
	}, testChannel(reg), "AIza-test")
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	defer body.Close()

	out, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `"content":"Hel"`) || !strings.Contains(s, `"content":"lo"`) {
		t.Errorf("missing deltas: %s", s)
	}
	if !strings.Contains(s, `"finish_reason":"stop"`) || !strings.Contains(s, `"total_tokens":7`) {
		t.Errorf("missing terminal chunk: %s", s)
	}
	if !strings.HasSuffix(s, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated: %q", s)
	}
}

func TestDiscoverModelsFiltersGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[
			{"name":"models/gemini-1.5-pro","inputTokenLimit":2097152,"supportedGenerationMethods":["generateContent","countTokens"]},
			{"name":"models/text-embedding-004","inputTokenLimit":2048,"supportedGenerationMethods":["embedContent"]}
		]}`))
	}))
	defer srv.Close()

	reg := testRegistry(srv.URL)
	a := New(reg, WithHTTPClient(srv.Client()))
	records, err := a.DiscoverModels(context.Background(), testChannel(reg), "AIza-test")
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].ModelID != "gemini-1.5-pro" || records[0].ContextLength != 2097152 {
		t.Errorf("record = %+v", records[0])
	}
}
