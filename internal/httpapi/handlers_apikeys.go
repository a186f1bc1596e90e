package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartrouter/smartrouter/internal/apikey"
)

// APIKeysCreateHandler mints a gateway API key. The plaintext key appears in
// this response and never again.
func APIKeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "apikeys_disabled", "API key management is disabled")
			return
		}
		var body struct {
			Name             string     `json:"name"`
			Scopes           []string   `json:"scopes,omitempty"`
			MonthlyBudgetUSD float64    `json:"monthly_budget_usd,omitempty"`
			RotationDays     int        `json:"rotation_days,omitempty"`
			ExpiresAt        *time.Time `json:"expires_at,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_json", err.Error())
			return
		}
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "bad_request", "name is required")
			return
		}
		plaintext, rec, err := d.APIKeyMgr.Generate(r.Context(), apikey.GenerateParams{
			Name:             body.Name,
			Scopes:           body.Scopes,
			MonthlyBudgetUSD: body.MonthlyBudgetUSD,
			RotationDays:     body.RotationDays,
			ExpiresAt:        body.ExpiresAt,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "generate_failed", err.Error())
			return
		}
		audit(d, r.Context(), "apikey.create", rec.ID, body.Name)
		writeJSON(w, http.StatusCreated, map[string]any{
			"key":    plaintext,
			"record": rec,
		})
	}
}

// APIKeysListHandler lists key records; hashes never leave the store.
func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "apikeys_disabled", "API key management is disabled")
			return
		}
		keys, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrTypeInternal, "store_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
	}
}

// APIKeysRotateHandler replaces the key material, keeping the record ID and
// its scopes/budget.
func APIKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "apikeys_disabled", "API key management is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		plaintext, err := d.APIKeyMgr.Rotate(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "rotate_failed", err.Error())
			return
		}
		audit(d, r.Context(), "apikey.rotate", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "key": plaintext})
	}
}

// APIKeysDeleteHandler revokes a key permanently.
func APIKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "apikeys_disabled", "API key management is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteAPIKey(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "delete_failed", err.Error())
			return
		}
		audit(d, r.Context(), "apikey.delete", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	}
}
