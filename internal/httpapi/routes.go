// Package httpapi exposes the gateway's HTTP surface: the OpenAI-compatible
// data plane, the Anthropic and Gemini dialect endpoints, and the admin API.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/smartrouter/smartrouter/internal/apikey"
	"github.com/smartrouter/smartrouter/internal/blacklist"
	"github.com/smartrouter/smartrouter/internal/cost"
	"github.com/smartrouter/smartrouter/internal/discovery"
	"github.com/smartrouter/smartrouter/internal/events"
	"github.com/smartrouter/smartrouter/internal/health"
	"github.com/smartrouter/smartrouter/internal/metrics"
	"github.com/smartrouter/smartrouter/internal/routecache"
	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/stats"
	"github.com/smartrouter/smartrouter/internal/store"
	"github.com/smartrouter/smartrouter/internal/tsdb"
	"github.com/smartrouter/smartrouter/internal/vault"
)

// Dependencies carries every subsystem the handlers reach into. Optional
// collaborators are nil-safe: handlers degrade rather than panic.
type Dependencies struct {
	Registry  *router.Registry
	Finder    *router.Finder
	Engine    *router.Engine
	Blacklist *blacklist.Manager
	Health    *health.Tracker
	Cache     *routecache.Cache
	Estimator *cost.Estimator
	Discovery *discovery.Service
	Metrics   *metrics.Registry
	Store     store.Store
	Stats     *stats.Collector
	TSDB      *tsdb.Store
	EventBus  *events.Bus
	Vault     *vault.Vault
	Logger    *slog.Logger
	Version   string

	// Data-plane auth. Empty APIToken and nil APIKeyMgr leave the data
	// endpoints open.
	APIToken  string
	APIKeyMgr *apikey.Manager
	Budget    *apikey.BudgetChecker

	// Admin auth. Nil disables the admin surface entirely.
	AdminToken *AdminTokenHolder

	// Temporal workflow client (nil when Temporal is disabled).
	TemporalClient    client.Client
	TemporalTaskQueue string
}

// MountRoutes attaches the full API surface to the chi router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"version":   d.Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Data plane.
	r.Group(func(r chi.Router) {
		r.Use(dataAuth(d))
		r.Post("/v1/chat/completions", ChatCompletionsHandler(d))
		r.Post("/v1/messages", MessagesHandler(d))
		// {model} captures "name:generateContent" or ":streamGenerateContent";
		// the handler splits on the colon.
		r.Post("/v1beta/models/{model}", GeminiGenerateHandler(d))
		r.Get("/v1/models", ModelsListHandler(d))
	})

	// Admin plane.
	if d.AdminToken != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(d))

			r.Get("/routing/strategy", StrategyGetHandler(d))
			r.Post("/routing/strategy", StrategySetHandler(d))
			r.Get("/stats", StatsHandler(d))
			r.Get("/cache/stats", CacheStatsHandler(d))
			r.Get("/blacklist", BlacklistHandler(d))
			r.Post("/blacklist/clear/{channelID}", BlacklistClearHandler(d))
			r.Get("/channels", ChannelsListHandler(d))
			r.Post("/channels/{channelID}/enable", ChannelEnableHandler(d, true))
			r.Post("/channels/{channelID}/disable", ChannelEnableHandler(d, false))
			r.Get("/discovery/status", DiscoveryStatusHandler(d))
			r.Post("/discovery/refresh", DiscoveryRefreshHandler(d))
			r.Get("/logs", RequestLogsHandler(d))
			r.Get("/audit", AuditLogsHandler(d))

			r.Route("/v1", func(r chi.Router) {
				r.Post("/apikeys", APIKeysCreateHandler(d))
				r.Get("/apikeys", APIKeysListHandler(d))
				r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
				r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

				r.Post("/vault/unlock", VaultUnlockHandler(d))
				r.Post("/vault/lock", VaultLockHandler(d))

				r.Get("/workflows", WorkflowsListHandler(d))
				r.Get("/workflows/{id}", WorkflowDescribeHandler(d))

				r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
				r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
				r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))

				if d.EventBus != nil {
					r.Get("/events", SSEHandler(d.EventBus))
				}
			})
		})
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
