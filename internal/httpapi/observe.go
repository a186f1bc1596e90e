package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/stats"
	"github.com/smartrouter/smartrouter/internal/store"
	"github.com/smartrouter/smartrouter/internal/tsdb"
)

// Error types surfaced in the response body's error.type field.
const (
	ErrTypeInvalidRequest    = "invalid_request"
	ErrTypeAuthentication    = "authentication_error"
	ErrTypeRateLimit         = "rate_limit"
	ErrTypeNoChannels        = "no_channels"
	ErrTypeAllChannelsFailed = "all_channels_failed"
	ErrTypeUpstream          = "upstream_error"
	ErrTypeInternal          = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// writeError emits the OpenAI-style error envelope with the X-Router-Error-Type
// header set for clients that only look at headers.
func writeError(w http.ResponseWriter, status int, errType, code, msg string) {
	w.Header().Set("X-Router-Error-Type", errType)
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: errType, Code: code}})
}

// writeRouteError maps a routing/execution error to status, type, and code.
func writeRouteError(w http.ResponseWriter, err error) {
	var all *router.AllFailedError
	switch {
	case errors.Is(err, router.ErrNoChannels):
		writeError(w, http.StatusServiceUnavailable, ErrTypeNoChannels, "no_channels", err.Error())
	case errors.As(err, &all):
		w.Header().Set("X-Router-Attempts", strconv.Itoa(all.Attempts))
		status := router.SurfaceStatus(err)
		errType := ErrTypeAllChannelsFailed
		if status == http.StatusTooManyRequests {
			errType = ErrTypeRateLimit
		}
		writeError(w, status, errType, string(all.Worst), err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; status code is moot but 499-style close is not
		// expressible through net/http, so use the nginx convention body-free.
		w.WriteHeader(http.StatusBadRequest)
	default:
		writeError(w, router.SurfaceStatus(err), ErrTypeUpstream, "upstream_error", err.Error())
	}
}

// observeParams captures the fields recorded for one completed request across
// the metrics, store, stats, event-bus, and tsdb sinks.
type observeParams struct {
	Ctx context.Context

	RequestID      string
	APIKeyID       string
	ChannelID      string
	ProviderID     string
	RequestedModel string
	ServedModel    string
	Strategy       string
	Attempts       int
	Stream         bool

	InputTokens  int
	OutputTokens int
	CostUSD      float64
	PriceSource  string

	LatencyMs  int64
	StatusCode int
	Success    bool
	ErrorClass string
	ErrorMsg   string
}

// recordObservability fans a completed request out to every configured sink.
// Each sink is skipped when its dependency is nil.
func recordObservability(d Dependencies, p observeParams) {
	if d.Metrics != nil {
		status := "ok"
		if !p.Success {
			status = "error"
		}
		d.Metrics.RequestsTotal.WithLabelValues(p.ChannelID, p.ProviderID, p.ServedModel, status).Inc()
		if p.Success {
			d.Metrics.RequestLatency.WithLabelValues(p.ChannelID, p.ProviderID).Observe(float64(p.LatencyMs))
			d.Metrics.TokensTotal.WithLabelValues(p.ChannelID, p.ServedModel, "input").Add(float64(p.InputTokens))
			d.Metrics.TokensTotal.WithLabelValues(p.ChannelID, p.ServedModel, "output").Add(float64(p.OutputTokens))
			d.Metrics.CostUSD.WithLabelValues(p.ChannelID, p.ServedModel, p.PriceSource).Add(p.CostUSD)
		}
	}

	if d.Store != nil {
		if err := d.Store.LogRequest(p.Ctx, store.RequestLog{
			Timestamp:      time.Now().UTC(),
			RequestID:      p.RequestID,
			APIKeyID:       p.APIKeyID,
			ChannelID:      p.ChannelID,
			ProviderID:     p.ProviderID,
			RequestedModel: p.RequestedModel,
			ServedModel:    p.ServedModel,
			Strategy:       p.Strategy,
			Attempts:       p.Attempts,
			Stream:         p.Stream,
			InputTokens:    p.InputTokens,
			OutputTokens:   p.OutputTokens,
			CostUSD:        p.CostUSD,
			PriceSource:    p.PriceSource,
			LatencyMs:      p.LatencyMs,
			StatusCode:     p.StatusCode,
			ErrorClass:     p.ErrorClass,
		}); err != nil && d.Logger != nil {
			d.Logger.Warn("request log write failed", slog.String("error", err.Error()))
		}
	}

	if d.Stats != nil {
		d.Stats.Record(stats.Snapshot{
			Timestamp:    time.Now().UTC(),
			ChannelID:    p.ChannelID,
			ModelID:      p.ServedModel,
			ProviderID:   p.ProviderID,
			Strategy:     p.Strategy,
			LatencyMs:    float64(p.LatencyMs),
			CostUSD:      p.CostUSD,
			Success:      p.Success,
			Attempts:     p.Attempts,
			InputTokens:  p.InputTokens,
			OutputTokens: p.OutputTokens,
		})
	}

	if d.EventBus != nil && !p.Success {
		d.EventBus.Publish(events.Event{
			Type:       events.EventRouteError,
			RequestID:  p.RequestID,
			ChannelID:  p.ChannelID,
			ModelID:    p.ServedModel,
			ErrorClass: p.ErrorClass,
			ErrorMsg:   p.ErrorMsg,
		})
	}

	if d.TSDB != nil && p.Success {
		now := time.Now().UTC()
		d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "latency_ms", ChannelID: p.ChannelID, ModelID: p.ServedModel, Value: float64(p.LatencyMs)})
		d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "cost_usd", ChannelID: p.ChannelID, ModelID: p.ServedModel, Value: p.CostUSD})
	}
}

// parsePagination reads limit/offset query params with sane bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
