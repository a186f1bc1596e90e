package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/store"
)

// audit records an admin mutation. Failures are logged, never surfaced; the
// mutation itself already happened.
func audit(d Dependencies, ctx context.Context, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	if err := d.Store.LogAudit(ctx, store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
	}); err != nil && d.Logger != nil {
		d.Logger.Warn("audit write failed", slog.String("action", action), slog.String("error", err.Error()))
	}
}

// StrategyGetHandler reports the active default routing strategy.
func StrategyGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"default_strategy": d.Finder.DefaultStrategy(),
			"strategies":       router.Strategies(),
		})
	}
}

// StrategySetHandler switches the default strategy and persists the choice.
func StrategySetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_json", err.Error())
			return
		}
		if !d.Finder.SetDefaultStrategy(body.Strategy) {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "unknown_strategy", "unknown strategy "+body.Strategy)
			return
		}
		if d.Store != nil {
			if err := d.Store.SaveRoutingConfig(r.Context(), store.RoutingConfig{DefaultStrategy: body.Strategy}); err != nil && d.Logger != nil {
				d.Logger.Warn("strategy persist failed", slog.String("error", err.Error()))
			}
		}
		audit(d, r.Context(), "strategy.update", body.Strategy, "")
		writeJSON(w, http.StatusOK, map[string]string{"default_strategy": body.Strategy})
	}
}

// StatsHandler returns windowed aggregates plus channel health.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if d.Stats != nil {
			out["global"] = d.Stats.Global()
			out["by_model"] = d.Stats.Summary()
			out["by_channel"] = d.Stats.SummaryByChannel()
			out["by_provider"] = d.Stats.SummaryByProvider()
		}
		if d.Health != nil {
			out["channel_health"] = d.Health.AllStats()
		}
		if d.Estimator != nil {
			out["session"] = d.Estimator.Session()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CacheStatsHandler reports routing-cache hit/miss counters.
func CacheStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cache == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "cache_disabled", "routing cache is disabled")
			return
		}
		writeJSON(w, http.StatusOK, d.Cache.Stats())
	}
}

// BlacklistHandler lists active blacklist entries.
func BlacklistHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := d.Blacklist.Entries()
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// BlacklistClearHandler clears every entry for one channel and invalidates its
// cached routes so it becomes routable immediately.
func BlacklistClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		cleared := d.Blacklist.ClearChannel(channelID)
		invalidated := 0
		if d.Finder != nil {
			invalidated = d.Finder.InvalidateChannel(channelID)
		}
		audit(d, r.Context(), "blacklist.clear", channelID, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"channel_id":          channelID,
			"cleared":             cleared,
			"cache_invalidations": invalidated,
		})
	}
}

type channelView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Provider   string   `json:"provider"`
	Enabled    bool     `json:"enabled"`
	Tags       []string `json:"tags,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	DailyLimit int      `json:"daily_request_limit,omitempty"`
	ModelCount int      `json:"model_count"`
	Blocked    bool     `json:"blocked"`
	Healthy    bool     `json:"healthy"`
}

// ChannelsListHandler lists configured channels with live status. Credentials
// never appear in the response.
func ChannelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := map[string]int{}
		for _, rec := range d.Registry.AllRecords() {
			counts[rec.ChannelID]++
		}
		var views []channelView
		for _, ch := range d.Registry.Channels() {
			v := channelView{
				ID:         ch.ID,
				Name:       ch.Name,
				Provider:   ch.Provider,
				Enabled:    ch.Enabled,
				Tags:       ch.Tags,
				Priority:   ch.Priority,
				DailyLimit: ch.DailyLimit,
				ModelCount: counts[ch.ID],
				Healthy:    true,
			}
			if d.Blacklist != nil {
				v.Blocked = d.Blacklist.IsBlocked(ch.ID, "*")
			}
			if d.Health != nil {
				v.Healthy = d.Health.IsAvailable(ch.ID)
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"channels": views, "count": len(views)})
	}
}

// ChannelEnableHandler flips a channel's enabled flag and invalidates its
// cached routes either way.
func ChannelEnableHandler(d Dependencies, enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := chi.URLParam(r, "channelID")
		if !d.Registry.SetChannelEnabled(channelID, enable) {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "unknown_channel", "unknown channel "+channelID)
			return
		}
		if d.Finder != nil {
			d.Finder.InvalidateChannel(channelID)
		}
		action := "channel.disable"
		if enable {
			action = "channel.enable"
		}
		audit(d, r.Context(), action, channelID, "")
		writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "enabled": enable})
	}
}

// DiscoveryStatusHandler reports per-(channel,key) discovery status.
func DiscoveryStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Discovery == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "discovery_disabled", "model discovery is disabled")
			return
		}
		statuses := d.Discovery.Statuses()
		writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses, "count": len(statuses)})
	}
}

// DiscoveryRefreshHandler triggers an immediate refresh, of one channel when
// channel_id is given, otherwise of all.
func DiscoveryRefreshHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Discovery == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "discovery_disabled", "model discovery is disabled")
			return
		}
		channelID := r.URL.Query().Get("channel_id")
		if channelID != "" {
			if !d.Discovery.RefreshChannel(r.Context(), channelID) {
				writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "unknown_channel", "unknown channel "+channelID)
				return
			}
		} else {
			d.Discovery.RefreshAll(r.Context())
		}
		audit(d, r.Context(), "discovery.refresh", channelID, "")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
	}
}

// RequestLogsHandler pages through the persisted request log.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "store_disabled", "request logging is disabled")
			return
		}
		limit, offset := parsePagination(r)
		logs, err := d.Store.ListRequestLogs(r.Context(), store.LogQuery{
			ChannelID: r.URL.Query().Get("channel_id"),
			ModelID:   r.URL.Query().Get("model"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
	}
}

// AuditLogsHandler pages through the admin audit trail.
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "store_disabled", "audit logging is disabled")
			return
		}
		limit, offset := parsePagination(r)
		entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
	}
}

// VaultUnlockHandler unlocks the credential vault with the supplied master
// password and loads the persisted blob.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "vault_disabled", "credential vault is disabled")
			return
		}
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_request", "password is required")
			return
		}
		if d.Store != nil {
			if salt, data, err := d.Store.LoadVaultBlob(r.Context()); err == nil && len(salt) > 0 {
				d.Vault.SetSalt(salt)
				if err := d.Vault.Unlock([]byte(body.Password)); err != nil {
					writeError(w, http.StatusUnauthorized, ErrTypeAuthentication, "bad_password", "vault unlock failed")
					return
				}
				if err := d.Vault.Import(data); err != nil {
					writeError(w, http.StatusUnauthorized, ErrTypeAuthentication, "bad_password", "vault unlock failed")
					return
				}
				audit(d, r.Context(), "vault.unlock", "", "")
				writeJSON(w, http.StatusOK, map[string]any{"locked": false, "channels": len(d.Vault.ChannelIDs())})
				return
			}
		}
		if err := d.Vault.Unlock([]byte(body.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, ErrTypeAuthentication, "bad_password", "vault unlock failed")
			return
		}
		audit(d, r.Context(), "vault.unlock", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"locked": false, "channels": 0})
	}
}

// VaultLockHandler persists the vault contents and wipes the in-memory key.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "vault_disabled", "credential vault is disabled")
			return
		}
		if d.Vault.IsLocked() {
			writeError(w, http.StatusConflict, ErrTypeInvalidRequest, "already_locked", "vault is already locked")
			return
		}
		if d.Store != nil {
			if err := d.Store.SaveVaultBlob(r.Context(), d.Vault.Salt(), d.Vault.Export()); err != nil {
				writeError(w, http.StatusInternalServerError, ErrTypeInternal, "store_error", err.Error())
				return
			}
		}
		d.Vault.Lock()
		audit(d, r.Context(), "vault.lock", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"locked": true})
	}
}
