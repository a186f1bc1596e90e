package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/aggregator"
	"github.com/smartrouter/smartrouter/internal/router"
)

// The Anthropic Messages dialect: requests and responses are translated at
// the edge so the routing core only ever sees the canonical OpenAI shape.

type anthropicMessagesRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// MessagesHandler serves POST /v1/messages, the Anthropic-dialect entry into
// the same routing core.
func MessagesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		raw, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_body", err.Error())
			return
		}
		var in anthropicMessagesRequest
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_json", "request body is not valid JSON: "+err.Error())
			return
		}
		if len(in.Messages) == 0 {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid_request", "messages must be a non-empty array")
			return
		}

		req, err := canonicalFromAnthropic(&in)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid_request", err.Error())
			return
		}

		body := chatCompletionsBody{ChatRequest: *req}
		rr := routeRequestFor(d, &body)
		strategy := rr.Strategy
		if !router.ValidStrategy(strategy) {
			strategy = d.Finder.DefaultStrategy()
		}

		candidates, err := d.Finder.Find(rr)
		if err != nil {
			writeRouteError(w, err)
			return
		}

		requestID := aggregator.NewRequestID()
		if in.Stream {
			serveMessagesStream(d, w, r, req, candidates, requestID, strategy, rr.EstimatedPromptTokens, start)
			return
		}

		res, err := d.Engine.Execute(r.Context(), req, candidates)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			recordObservability(d, observeParams{
				Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
				RequestedModel: in.Model, Strategy: strategy,
				LatencyMs: latency, StatusCode: router.SurfaceStatus(err),
				ErrorClass: errorClass(err), ErrorMsg: err.Error(),
			})
			writeRouteError(w, err)
			return
		}

		cand := res.Candidate
		usage := router.ExtractUsage(res.Response)
		md := baseMetadata(requestID, in.Model, strategy, cand, res.Attempts)
		md.Performance = aggregator.Performance{LatencyMs: float64(latency)}
		if d.Estimator != nil {
			final := d.Estimator.Finalize(req, usage, cand.Channel, cand.Channel.Provider, cand.Model.ModelID, candidateCacheKey(cand))
			session := d.Estimator.Session()
			md.Tokens = aggregator.Tokens{Prompt: final.PromptTokens, Completion: final.CompletionTokens, Total: final.PromptTokens + final.CompletionTokens}
			md.Cost = aggregator.NewCost(final.CostUSD, session.TotalCostUSD, session.TotalRequests, final.Price.Source)
		}

		out := anthropicFromOpenAI(requestID, res.Response)
		out = aggregator.InjectMetadata(out, md)

		aggregator.SetHeaders(w.Header(), md)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)

		recordObservability(d, observeParams{
			Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
			ChannelID: cand.Channel.ID, ProviderID: cand.Channel.Provider,
			RequestedModel: in.Model, ServedModel: cand.Model.ModelID,
			Strategy: strategy, Attempts: res.Attempts,
			InputTokens: md.Tokens.Prompt, OutputTokens: md.Tokens.Completion,
			CostUSD: md.Cost.Request.TotalCostUSD, PriceSource: md.Cost.PriceSource,
			LatencyMs: latency, StatusCode: http.StatusOK, Success: true,
		})
	}
}

// canonicalFromAnthropic maps the Messages dialect onto the canonical chat
// shape: system joins the message list, blocks become content parts, tool_use
// and tool_result become tool_calls and tool messages.
func canonicalFromAnthropic(in *anthropicMessagesRequest) (*router.ChatRequest, error) {
	if in.MaxTokens <= 0 {
		in.MaxTokens = 4096
	}
	req := &router.ChatRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if len(in.StopSequences) > 0 {
		req.Stop, _ = json.Marshal(in.StopSequences)
	}
	if sys := anthropicSystemText(in.System); sys != "" {
		req.Messages = append(req.Messages, router.Message{Role: "system", Content: router.TextContent(sys)})
	}
	for _, tool := range in.Tools {
		req.Tools = append(req.Tools, router.Tool{
			Type: "function",
			Function: router.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	for i, m := range in.Messages {
		msgs, err := canonicalMessages(m)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		req.Messages = append(req.Messages, msgs...)
	}
	return req, nil
}

func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// canonicalMessages translates one Anthropic message, possibly into several
// canonical ones (tool results each become their own tool-role message).
func canonicalMessages(m anthropicMessage) ([]router.Message, error) {
	var text string
	if json.Unmarshal(m.Content, &text) == nil {
		return []router.Message{{Role: m.Role, Content: router.TextContent(text)}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}

	var parts []router.ContentPart
	var toolCalls []map[string]any
	var out []router.Message

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, router.ContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source == nil || b.Source.Type != "base64" {
				return nil, fmt.Errorf("image blocks must carry a base64 source")
			}
			parts = append(parts, router.ContentPart{
				Type:     "image_url",
				ImageURL: &router.ImageURL{URL: "data:" + b.Source.MediaType + ";base64," + b.Source.Data},
			})
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
		case "tool_result":
			out = append(out, router.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    router.TextContent(anthropicSystemText(b.Content)),
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		msg := router.Message{Role: m.Role}
		if len(parts) == 1 && parts[0].Type == "text" {
			msg.Content = router.TextContent(parts[0].Text)
		} else if len(parts) > 0 {
			msg.Content = router.MessageContent{Parts: parts, IsParts: true}
		}
		if len(toolCalls) > 0 {
			msg.ToolCalls, _ = json.Marshal(toolCalls)
		}
		out = append([]router.Message{msg}, out...)
	}
	return out, nil
}

// anthropicFromOpenAI converts an OpenAI-shaped response body into the
// Messages response shape.
func anthropicFromOpenAI(requestID string, body []byte) []byte {
	var in struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage router.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &in); err != nil || len(in.Choices) == 0 {
		return body
	}
	choice := in.Choices[0]

	var content []map[string]any
	if choice.Message.Content != "" {
		content = append(content, map[string]any{"type": "text", "text": choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}

	out := map[string]any{
		"id":          "msg_" + requestID,
		"type":        "message",
		"role":        "assistant",
		"model":       in.Model,
		"content":     content,
		"stop_reason": anthropicStopReason(choice.FinishReason),
		"usage": map[string]int{
			"input_tokens":  in.Usage.PromptTokens,
			"output_tokens": in.Usage.CompletionTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}

func anthropicStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// serveMessagesStream replays the adapter's OpenAI-shaped chunks as Anthropic
// typed SSE events. The aggregator event precedes message_stop, the dialect's
// end-of-stream sentinel.
func serveMessagesStream(d Dependencies, w http.ResponseWriter, r *http.Request, req *router.ChatRequest, candidates []router.Candidate, requestID, strategy string, estPromptTokens int, start time.Time) {
	sr, err := d.Engine.ExecuteStream(r.Context(), req, candidates)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	defer sr.Body.Close()

	cand := sr.Candidate
	md := baseMetadata(requestID, req.Model, strategy, cand, sr.Attempts)

	aggregator.SetHeaders(w.Header(), md)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(event string, payload any) {
		b, _ := json.Marshal(payload)
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_" + requestID,
			"type":  "message",
			"role":  "assistant",
			"model": cand.Model.ModelID,
		},
	})
	emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	var usage router.Usage
	finish := "end_turn"
	scanner := bufio.NewScanner(sr.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, isData := strings.CutPrefix(scanner.Text(), "data: ")
		if !isData || strings.TrimSpace(data) == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *router.Usage `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": text},
			})
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			finish = anthropicStopReason(*fr)
		}
	}

	latency := time.Since(start).Milliseconds()
	if err := scanner.Err(); err != nil {
		_ = d.Engine.RecordStreamAbort(cand, err)
		emit("error", map[string]any{
			"type":  "error",
			"error": map[string]string{"type": "api_error", "message": "upstream stream aborted: " + err.Error()},
		})
		return
	}

	if usage.PromptTokens == 0 {
		usage.PromptTokens = estPromptTokens
	}
	md.Performance = aggregator.Performance{LatencyMs: float64(latency), TTFBMs: sr.TTFBMs}
	if d.Estimator != nil {
		final := d.Estimator.Finalize(req, usage, cand.Channel, cand.Channel.Provider, cand.Model.ModelID, candidateCacheKey(cand))
		session := d.Estimator.Session()
		md.Tokens = aggregator.Tokens{Prompt: final.PromptTokens, Completion: final.CompletionTokens, Total: final.PromptTokens + final.CompletionTokens}
		md.Cost = aggregator.NewCost(final.CostUSD, session.TotalCostUSD, session.TotalRequests, final.Price.Source)
	}

	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": finish},
		"usage": map[string]int{"output_tokens": usage.CompletionTokens},
	})
	emit(aggregator.MetadataField, map[string]any{"type": aggregator.MetadataField, aggregator.MetadataField: md})
	emit("message_stop", map[string]any{"type": "message_stop"})

	recordObservability(d, observeParams{
		Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
		ChannelID: cand.Channel.ID, ProviderID: cand.Channel.Provider,
		RequestedModel: req.Model, ServedModel: cand.Model.ModelID,
		Strategy: strategy, Attempts: sr.Attempts, Stream: true,
		InputTokens: md.Tokens.Prompt, OutputTokens: md.Tokens.Completion,
		CostUSD: md.Cost.Request.TotalCostUSD, PriceSource: md.Cost.PriceSource,
		LatencyMs: latency, StatusCode: http.StatusOK, Success: true,
	})
}
