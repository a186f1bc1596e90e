package aggregator

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if len(id) != 26 {
			t.Fatalf("ULID length = %d, want 26", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
	}
}

func TestInjectMetadataPreservesBody(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0}],"usage":{"total_tokens":5}}`)
	md := Metadata{RequestID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", ChannelID: "ch1", Provider: "openai"}

	out := InjectMetadata(body, md)

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	for _, field := range []string{"id", "object", "choices", "usage", MetadataField} {
		if _, ok := parsed[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}

	var got Metadata
	if err := json.Unmarshal(parsed[MetadataField], &got); err != nil {
		t.Fatalf("metadata field: %v", err)
	}
	if got.RequestID != md.RequestID || got.ChannelID != "ch1" {
		t.Errorf("metadata round-trip mismatch: %+v", got)
	}
}

func TestInjectMetadataNonObjectUnchanged(t *testing.T) {
	body := []byte(`[1,2,3]`)
	out := InjectMetadata(body, Metadata{RequestID: "x"})
	if string(out) != string(body) {
		t.Errorf("non-object body should pass through unchanged, got %s", out)
	}
}

func TestStreamChunkShape(t *testing.T) {
	md := Metadata{
		RequestID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		ModelUsed:   "gpt-4o",
		Performance: Performance{LatencyMs: 123.4},
	}
	b := StreamChunk(md)

	var chunk struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta        map[string]any `json:"delta"`
			FinishReason any            `json:"finish_reason"`
		} `json:"choices"`
		Router struct {
			Performance struct {
				LatencyMs float64 `json:"latency_ms"`
			} `json:"performance"`
		} `json:"smart_ai_router"`
	}
	if err := json.Unmarshal(b, &chunk); err != nil {
		t.Fatalf("chunk is not valid JSON: %v", err)
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Errorf("object = %s", chunk.Object)
	}
	if len(chunk.Choices) != 1 || len(chunk.Choices[0].Delta) != 0 {
		t.Error("expected one choice with empty delta")
	}
	if chunk.Choices[0].FinishReason != nil {
		t.Errorf("finish_reason = %v, want null", chunk.Choices[0].FinishReason)
	}
	if chunk.Router.Performance.LatencyMs != 123.4 {
		t.Errorf("latency = %v", chunk.Router.Performance.LatencyMs)
	}
}

func TestNewCostDollarStrings(t *testing.T) {
	c := NewCost(0, 0.000620, 3, "static")

	if c.Request.TotalCost != "$0.000000" {
		t.Errorf("free request total_cost = %s, want $0.000000", c.Request.TotalCost)
	}
	if c.Session.TotalCost != "$0.000620" {
		t.Errorf("session total_cost = %s, want $0.000620", c.Session.TotalCost)
	}
	if c.Session.TotalRequests != 3 {
		t.Errorf("session total_requests = %d", c.Session.TotalRequests)
	}
	if c.PriceSource != "static" {
		t.Errorf("price_source = %s", c.PriceSource)
	}

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Request struct {
			TotalCost string `json:"total_cost"`
		} `json:"request"`
	}
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Request.TotalCost != "$0.000000" {
		t.Errorf("cost.request.total_cost = %s", parsed.Request.TotalCost)
	}
}

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	SetHeaders(h, Metadata{
		RequestID: "rid",
		ChannelID: "ch1",
		Strategy:  "free_first",
		Score:     "9955579",
	})

	if h.Get(HeaderRequestID) != "rid" {
		t.Errorf("request id header = %s", h.Get(HeaderRequestID))
	}
	if h.Get(HeaderChannel) != "ch1" {
		t.Errorf("channel header = %s", h.Get(HeaderChannel))
	}
	if h.Get(HeaderStrategy) != "free_first" {
		t.Errorf("strategy header = %s", h.Get(HeaderStrategy))
	}
	if h.Get(HeaderScore) != "9955579" {
		t.Errorf("score header = %s", h.Get(HeaderScore))
	}
}
