package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/aggregator"
	"github.com/smartrouter/smartrouter/internal/apikey"
	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/router"
)

// chatCompletionsBody is the OpenAI request plus the gateway's routing
// extensions. Unknown fields pass through untouched inside ChatRequest.
type chatCompletionsBody struct {
	router.ChatRequest

	Strategy             string   `json:"strategy,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ExcludeProviders     []string `json:"exclude_providers,omitempty"`
	MinContextLength     int      `json:"min_context_length,omitempty"`
	MaxCostPer1K         float64  `json:"max_cost_per_1k,omitempty"`
	PreferLocal          bool     `json:"prefer_local,omitempty"`
}

// validateChat rejects requests the router cannot act on. The error string is
// client-facing.
func validateChat(raw []byte, req *router.ChatRequest) string {
	if len(req.Messages) == 0 {
		return "messages must be a non-empty array"
	}
	if req.Model == "" {
		return "model is required"
	}
	// Distinguish an explicit max_tokens of 0 from an absent field.
	var probe struct {
		MaxTokens *int `json:"max_tokens"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.MaxTokens != nil && *probe.MaxTokens <= 0 {
		return "max_tokens must be a positive integer"
	}
	return ""
}

// routeRequestFor builds the routing view of the canonical request.
func routeRequestFor(d Dependencies, body *chatCompletionsBody) *router.RouteRequest {
	rr := &router.RouteRequest{
		Model:                body.Model,
		Strategy:             body.Strategy,
		RequiredCapabilities: body.RequiredCapabilities,
		ExcludeProviders:     body.ExcludeProviders,
		MinContextLength:     body.MinContextLength,
		MaxCostPer1K:         body.MaxCostPer1K,
		PreferLocal:          body.PreferLocal,
		HasFunctions:         len(body.Tools) > 0,
		Stream:               body.Stream,
		MaxTokens:            body.MaxTokens,
	}
	if body.Temperature != nil {
		rr.Temperature = *body.Temperature
	}
	if d.Estimator != nil {
		rr.EstimatedPromptTokens = d.Estimator.EstimateTokens(&body.ChatRequest)
	}
	return rr
}

func candidateCacheKey(cand router.Candidate) string {
	keys := cand.Channel.Keys()
	if len(keys) == 0 {
		return pricing.CacheKey(cand.Channel.ID, "")
	}
	return pricing.CacheKey(cand.Channel.ID, keys[0])
}

// baseMetadata fills the routing half of the aggregator record from the
// winning candidate.
func baseMetadata(requestID, requestedModel, strategy string, cand router.Candidate, attempts int) aggregator.Metadata {
	return aggregator.Metadata{
		RequestID:       requestID,
		ModelRequested:  requestedModel,
		ModelUsed:       cand.Model.ModelID,
		ChannelID:       cand.Channel.ID,
		ChannelName:     cand.Channel.Name,
		Provider:        cand.Channel.Provider,
		Strategy:        strategy,
		Score:           cand.Score.String(),
		SelectionReason: cand.Reason,
		AttemptCount:    attempts,
		Tags:            cand.Model.Tags,
	}
}

func apiKeyID(r *http.Request) string {
	if rec := apikey.FromContext(r.Context()); rec != nil {
		return rec.ID
	}
	return ""
}

// ChatCompletionsHandler serves POST /v1/chat/completions: the OpenAI surface
// over the routing core, streaming included.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		raw, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_body", err.Error())
			return
		}
		var body chatCompletionsBody
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_json", "request body is not valid JSON: "+err.Error())
			return
		}
		if msg := validateChat(raw, &body.ChatRequest); msg != "" {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid_request", msg)
			return
		}

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
		if body.Stream {
			serveChatStream(d, w, r, &body.ChatRequest, candidates, requestID, strategy, rr.EstimatedPromptTokens, start)
			return
		}

		res, err := d.Engine.Execute(r.Context(), &body.ChatRequest, candidates)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			recordObservability(d, observeParams{
				Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
				RequestedModel: body.Model, Strategy: strategy,
				LatencyMs: latency, StatusCode: router.SurfaceStatus(err),
				ErrorClass: errorClass(err), ErrorMsg: err.Error(),
			})
			writeRouteError(w, err)
			return
		}

		cand := res.Candidate
		usage := router.ExtractUsage(res.Response)
		md := baseMetadata(requestID, body.Model, strategy, cand, res.Attempts)
		md.Performance = aggregator.Performance{LatencyMs: float64(latency)}

		if d.Estimator != nil {
			final := d.Estimator.Finalize(&body.ChatRequest, usage, cand.Channel, cand.Channel.Provider, cand.Model.ModelID, candidateCacheKey(cand))
			session := d.Estimator.Session()
			md.Tokens = aggregator.Tokens{Prompt: final.PromptTokens, Completion: final.CompletionTokens, Total: final.PromptTokens + final.CompletionTokens}
			md.Cost = aggregator.NewCost(final.CostUSD, session.TotalCostUSD, session.TotalRequests, final.Price.Source)
		}

		aggregator.SetHeaders(w.Header(), md)
		w.Header().Set("X-Router-Provider", md.Provider)
		w.Header().Set("X-Router-Attempts", strconv.Itoa(res.Attempts))
		w.Header().Set("X-Router-Time", strconv.FormatInt(latency, 10))

		out := aggregator.InjectMetadata(res.Response, md)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)

		recordObservability(d, observeParams{
			Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
			ChannelID: cand.Channel.ID, ProviderID: cand.Channel.Provider,
			RequestedModel: body.Model, ServedModel: cand.Model.ModelID,
			Strategy: strategy, Attempts: res.Attempts,
			InputTokens: md.Tokens.Prompt, OutputTokens: md.Tokens.Completion,
			CostUSD: md.Cost.Request.TotalCostUSD, PriceSource: md.Cost.PriceSource,
			LatencyMs: latency, StatusCode: http.StatusOK, Success: true,
		})
	}
}

// serveChatStream pumps the adapter's OpenAI-shaped SSE through to the
// client, emitting the aggregator chunk immediately before [DONE]. Once bytes
// have left for the client, failover is off the table; errors become a
// terminal SSE error event.
func serveChatStream(d Dependencies, w http.ResponseWriter, r *http.Request, req *router.ChatRequest, candidates []router.Candidate, requestID, strategy string, estPromptTokens int, start time.Time) {
	sr, err := d.Engine.ExecuteStream(r.Context(), req, candidates)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	defer sr.Body.Close()

	cand := sr.Candidate
	md := baseMetadata(requestID, req.Model, strategy, cand, sr.Attempts)

	aggregator.SetHeaders(w.Header(), md)
	w.Header().Set("X-Router-Provider", md.Provider)
	w.Header().Set("X-Router-Attempts", strconv.Itoa(sr.Attempts))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	var usage router.Usage
	var bytesSent bool
	scanner := bufio.NewScanner(sr.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, isData := strings.CutPrefix(line, "data: ")
		if isData && strings.TrimSpace(data) == "[DONE]" {
			break
		}
		if isData && strings.Contains(data, `"usage"`) {
			var probe struct {
				Usage *router.Usage `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &probe) == nil && probe.Usage != nil {
				usage = *probe.Usage
			}
		}
		if _, err := w.Write([]byte(line + "\n")); err != nil {
			// Client gone; nothing left to deliver.
			return
		}
		if line == "" {
			flush()
		}
		bytesSent = bytesSent || line != ""
	}

	latency := time.Since(start).Milliseconds()

	if err := scanner.Err(); err != nil {
		_ = d.Engine.RecordStreamAbort(cand, err)
		if bytesSent {
			evt, _ := json.Marshal(map[string]any{
				"error": errorDetail{Message: "upstream stream aborted: " + err.Error(), Type: ErrTypeUpstream, Code: "stream_aborted"},
			})
			_, _ = w.Write([]byte("data: " + string(evt) + "\n\n"))
			flush()
		}
		recordObservability(d, observeParams{
			Ctx: r.Context(), RequestID: requestID, APIKeyID: apiKeyID(r),
			ChannelID: cand.Channel.ID, ProviderID: cand.Channel.Provider,
			RequestedModel: req.Model, ServedModel: cand.Model.ModelID,
			Strategy: strategy, Attempts: sr.Attempts, Stream: true,
			LatencyMs: latency, StatusCode: http.StatusBadGateway,
			ErrorClass: "stream_aborted", ErrorMsg: err.Error(),
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

	// The aggregator chunk is the penultimate event, always ahead of [DONE].
	_, _ = w.Write([]byte("data: " + string(aggregator.StreamChunk(md)) + "\n\n"))
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flush()

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

func errorClass(err error) string {
	return string(router.Classify(err))
}

// readBody slurps the request body with a 10 MB cap.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, r.Body, 10<<20)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
