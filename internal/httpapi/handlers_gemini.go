package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartrouter/smartrouter/internal/aggregator"
	"github.com/smartrouter/smartrouter/internal/router"
)

// The Gemini dialect: POST /v1beta/models/{model}:generateContent and
// :streamGenerateContent. chi keeps the colon inside the path segment, so the
// handler splits model from verb itself.

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

// GeminiGenerateHandler serves both generateContent verbs.
func GeminiGenerateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		seg := chi.URLParam(r, "model")
		model, verb, ok := strings.Cut(seg, ":")
		if !ok || model == "" {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "bad_path", "expected models/{model}:generateContent")
			return
		}
		var streaming bool
		switch verb {
		case "generateContent":
		case "streamGenerateContent":
			streaming = true
		default:
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "bad_verb", "unsupported verb "+verb)
			return
		}

		raw, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_body", err.Error())
			return
		}
		var in geminiRequest
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_json", "request body is not valid JSON: "+err.Error())
			return
		}
		if len(in.Contents) == 0 {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid_request", "contents must be a non-empty array")
			return
		}

		req, err := canonicalFromGemini(model, streaming, &in)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid_request", err.Error())
			return
		}

		body := chatCompletionsBody{ChatRequest: *req}
		rr := routeRequestFor(d, &body)
		strategy := d.Finder.DefaultStrategy()

		candidates, err := d.Finder.Find(rr)
		if err != nil {
			writeRouteError(w, err)
			return
		}

		requestID := aggregator.NewRequestID()
		if streaming {
			serveGeminiStream(d, w, r, req, candidates, requestID, strategy, rr.EstimatedPromptTokens, start)
			return
		}

		res, err := d.Engine.Execute(r.Context(), req, candidates)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			recordObservability(d, observeParams{
				Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
				RequestedModel: model, Strategy: strategy,
				LatencyMs: latency, StatusCode: router.SurfaceStatus(err),
				ErrorClass: errorClass(err), ErrorMsg: err.Error(),
			})
			writeRouteError(w, err)
			return
		}

		cand := res.Candidate
		usage := router.ExtractUsage(res.Response)
		md := baseMetadata(requestID, model, strategy, cand, res.Attempts)
		md.Performance = aggregator.Performance{LatencyMs: float64(latency)}
		if d.Estimator != nil {
			final := d.Estimator.Finalize(req, usage, cand.Channel, cand.Channel.Provider, cand.Model.ModelID, candidateCacheKey(cand))
			session := d.Estimator.Session()
			md.Tokens = aggregator.Tokens{Prompt: final.PromptTokens, Completion: final.CompletionTokens, Total: final.PromptTokens + final.CompletionTokens}
			md.Cost = aggregator.NewCost(final.CostUSD, session.TotalCostUSD, session.TotalRequests, final.Price.Source)
		}

		out := geminiFromOpenAI(res.Response)
		out = aggregator.InjectMetadata(out, md)

		aggregator.SetHeaders(w.Header(), md)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)

		recordObservability(d, observeParams{
			Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
			ChannelID: cand.Channel.ID, ProviderID: cand.Channel.Provider,
			RequestedModel: model, ServedModel: cand.Model.ModelID,
			Strategy: strategy, Attempts: res.Attempts,
			InputTokens: md.Tokens.Prompt, OutputTokens: md.Tokens.Completion,
			CostUSD: md.Cost.Request.TotalCostUSD, PriceSource: md.Cost.PriceSource,
			LatencyMs: latency, StatusCode: http.StatusOK, Success: true,
		})
	}
}

func canonicalFromGemini(model string, stream bool, in *geminiRequest) (*router.ChatRequest, error) {
	req := &router.ChatRequest{Model: model, Stream: stream}
	if gc := in.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
		if len(gc.StopSequences) > 0 {
			req.Stop, _ = json.Marshal(gc.StopSequences)
		}
	}
	if in.SystemInstruction != nil {
		if sys := geminiPartsText(in.SystemInstruction.Parts); sys != "" {
			req.Messages = append(req.Messages, router.Message{Role: "system", Content: router.TextContent(sys)})
		}
	}
	for i, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		msg, err := geminiMessage(role, c.Parts)
		if err != nil {
			return nil, fmt.Errorf("contents[%d]: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func geminiPartsText(parts []geminiPart) string {
	var out []string
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, "\n")
}

func geminiMessage(role string, parts []geminiPart) (router.Message, error) {
	hasImage := false
	for _, p := range parts {
		if p.InlineData != nil {
			hasImage = true
		}
	}
	if !hasImage {
		return router.Message{Role: role, Content: router.TextContent(geminiPartsText(parts))}, nil
	}
	var cp []router.ContentPart
	for _, p := range parts {
		switch {
		case p.InlineData != nil:
			cp = append(cp, router.ContentPart{
				Type:     "image_url",
				ImageURL: &router.ImageURL{URL: "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data},
			})
		case p.Text != "":
			cp = append(cp, router.ContentPart{Type: "text", Text: p.Text})
		}
	}
	if len(cp) == 0 {
		return router.Message{}, fmt.Errorf("parts must carry text or inlineData")
	}
	return router.Message{Role: role, Content: router.MessageContent{Parts: cp, IsParts: true}}, nil
}

// geminiFromOpenAI converts an OpenAI-shaped response into the Gemini
// generateContent response shape.
func geminiFromOpenAI(body []byte) []byte {
	var in struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage router.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &in); err != nil || len(in.Choices) == 0 {
		return body
	}
	choice := in.Choices[0]
	out := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": choice.Message.Content}},
			},
			"finishReason": geminiFinishReason(choice.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     in.Usage.PromptTokens,
			"candidatesTokenCount": in.Usage.CompletionTokens,
			"totalTokenCount":      in.Usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}

func geminiFinishReason(finish string) string {
	switch finish {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// serveGeminiStream replays OpenAI chunks as Gemini-shaped SSE data events,
// the alt=sse wire form. The aggregator chunk is the final data event.
func serveGeminiStream(d Dependencies, w http.ResponseWriter, r *http.Request, req *router.ChatRequest, candidates []router.Candidate, requestID, strategy string, estPromptTokens int, start time.Time) {
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
	emit := func(payload any) {
		b, _ := json.Marshal(payload)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	var usage router.Usage
	finish := ""
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
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			finish = geminiFinishReason(*fr)
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			emit(map[string]any{
				"candidates": []map[string]any{{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]string{{"text": text}},
					},
					"index": 0,
				}},
			})
		}
	}

	latency := time.Since(start).Milliseconds()
	if err := scanner.Err(); err != nil {
		_ = d.Engine.RecordStreamAbort(cand, err)
		emit(map[string]any{"error": map[string]any{"code": 502, "message": "upstream stream aborted: " + err.Error(), "status": "UNAVAILABLE"}})
		return
	}

	if usage.PromptTokens == 0 {
		usage.PromptTokens = estPromptTokens
	}
	if finish == "" {
		finish = "STOP"
	}
	md.Performance = aggregator.Performance{LatencyMs: float64(latency), TTFBMs: sr.TTFBMs}
	if d.Estimator != nil {
		final := d.Estimator.Finalize(req, usage, cand.Channel, cand.Channel.Provider, cand.Model.ModelID, candidateCacheKey(cand))
		session := d.Estimator.Session()
		md.Tokens = aggregator.Tokens{Prompt: final.PromptTokens, Completion: final.CompletionTokens, Total: final.PromptTokens + final.CompletionTokens}
		md.Cost = aggregator.NewCost(final.CostUSD, session.TotalCostUSD, session.TotalRequests, final.Price.Source)
	}

	emit(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]string{}},
			"finishReason": finish,
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     usage.PromptTokens,
			"candidatesTokenCount": usage.CompletionTokens,
			"totalTokenCount":      usage.PromptTokens + usage.CompletionTokens,
		},
		aggregator.MetadataField: md,
	})

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
