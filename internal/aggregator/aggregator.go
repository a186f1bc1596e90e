// Package aggregator builds the per-request routing metadata attached to
// every response: a `smart_ai_router` field on JSON bodies, a terminal SSE
// chunk on streams, and X-Router-* headers.
package aggregator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MetadataField is the top-level JSON field carrying routing metadata.
const MetadataField = "smart_ai_router"

// Response headers set on every routed request.
const (
	HeaderRequestID = "X-Router-Request-ID"
	HeaderChannel   = "X-Router-Channel"
	HeaderStrategy  = "X-Router-Strategy"
	HeaderScore     = "X-Router-Score"
)

// Performance groups the latency measurements.
type Performance struct {
	LatencyMs float64 `json:"latency_ms"`
	TTFBMs    float64 `json:"ttfb_ms,omitempty"`
}

// Tokens groups the token accounting.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Cost groups per-request and session cost figures. The dollar strings are
// rendered at microdollar precision; the USD floats carry the same values
// for machine consumers.
type Cost struct {
	Request     RequestCost `json:"request"`
	Session     SessionCost `json:"session"`
	PriceSource string      `json:"price_source,omitempty"`
}

// RequestCost is the cost of the single routed request.
type RequestCost struct {
	TotalCost    string  `json:"total_cost"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// SessionCost is the process-wide running total since start.
type SessionCost struct {
	TotalCost     string  `json:"total_cost"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalRequests int64   `json:"total_requests"`
}

// FormatUSD renders a dollar amount at microdollar precision, e.g. "$0.000620".
func FormatUSD(usd float64) string {
	return fmt.Sprintf("$%.6f", usd)
}

// NewCost builds the cost block from a finalized request cost and the running
// session totals.
func NewCost(requestUSD, sessionUSD float64, sessionRequests int64, priceSource string) Cost {
	return Cost{
		Request:     RequestCost{TotalCost: FormatUSD(requestUSD), TotalCostUSD: requestUSD},
		Session:     SessionCost{TotalCost: FormatUSD(sessionUSD), TotalCostUSD: sessionUSD, TotalRequests: sessionRequests},
		PriceSource: priceSource,
	}
}

// Metadata is the routing record attached to a response.
type Metadata struct {
	RequestID       string      `json:"request_id"`
	ModelRequested  string      `json:"model_requested"`
	ModelUsed       string      `json:"model_used"`
	ChannelID       string      `json:"channel_id"`
	ChannelName     string      `json:"channel_name,omitempty"`
	Provider        string      `json:"provider"`
	Strategy        string      `json:"strategy"`
	Score           string      `json:"score,omitempty"`
	SelectionReason string      `json:"selection_reason,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	Performance     Performance `json:"performance"`
	Tokens          Tokens      `json:"tokens"`
	Cost            Cost        `json:"cost"`
	Tags            []string    `json:"tags,omitempty"`
	Error           string      `json:"error,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRequestID returns a ULID, sortable by creation time.
func NewRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// InjectMetadata adds the metadata field to a JSON response body without
// touching the OpenAI-shaped fields. Non-object bodies are returned unchanged.
func InjectMetadata(body []byte, md Metadata) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return body
	}
	obj[MetadataField] = mdJSON
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// StreamChunk builds the terminal SSE chunk carrying the metadata: an
// OpenAI-shaped chunk with an empty delta, emitted just before [DONE].
func StreamChunk(md Metadata) []byte {
	chunk := map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%s", md.RequestID),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   md.ModelUsed,
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{}, "finish_reason": nil},
		},
		MetadataField: md,
	}
	b, _ := json.Marshal(chunk)
	return b
}

// SetHeaders writes the X-Router-* headers. Call before the first body byte;
// on the streaming path these are the client's only early routing signal.
func SetHeaders(h http.Header, md Metadata) {
	h.Set(HeaderRequestID, md.RequestID)
	h.Set(HeaderChannel, md.ChannelID)
	h.Set(HeaderStrategy, md.Strategy)
	if md.Score != "" {
		h.Set(HeaderScore, md.Score)
	}
}
