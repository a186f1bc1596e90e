package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/smartrouter/smartrouter/internal/tsdb"
)

// TSDBQueryHandler serves GET /admin/v1/tsdb/query. Series are selected by
// metric and optionally narrowed by channel and model; start/end accept
// RFC3339 or unix milliseconds, step downsamples into fixed buckets.
func TSDBQueryHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"series": []any{}})
			return
		}

		q := r.URL.Query()
		metric := q.Get("metric")
		if metric == "" {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_request", "metric parameter required")
			return
		}

		params := tsdb.QueryParams{
			Metric:    metric,
			ChannelID: q.Get("channel"),
			ModelID:   q.Get("model"),
		}
		params.Start = parseTimeParam(q.Get("start"))
		params.End = parseTimeParam(q.Get("end"))
		if step := q.Get("step"); step != "" {
			if ms, err := strconv.ParseInt(step, 10, 64); err == nil {
				params.StepMs = ms
			}
		}

		series, err := ts.Query(r.Context(), params)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "query_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
	}
}

// TSDBMetricsHandler lists the metric names with stored points.
func TSDBMetricsHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"metrics": []any{}})
			return
		}
		metrics, err := ts.Metrics(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "query_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
	}
}

// TSDBPruneHandler deletes points past the retention horizon.
func TSDBPruneHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"deleted": 0})
			return
		}
		deleted, err := ts.Prune(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "prune_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	}
}

func parseTimeParam(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
