package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/smartrouter/smartrouter/internal/apikey"
)

// clientToken extracts the credential from any of the three dialect-specific
// headers: Authorization: Bearer (OpenAI), x-api-key (Anthropic),
// x-goog-api-key (Gemini).
func clientToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	return r.Header.Get("x-goog-api-key")
}

// dataAuth guards the data-plane endpoints. With a static APIToken the token
// is matched in constant time; with an API key manager, stored keys are
// validated and budget-checked. With neither, the data plane is open.
func dataAuth(d Dependencies) func(http.Handler) http.Handler {
	if d.APIToken == "" && d.APIKeyMgr == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	var keyMW func(http.Handler) http.Handler
	if d.APIKeyMgr != nil {
		keyMW = apikey.AuthMiddleware(d.APIKeyMgr, d.Logger)
	}

	return func(next http.Handler) http.Handler {
		budgeted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d.Budget != nil {
				if rec := apikey.FromContext(r.Context()); rec != nil {
					if err := d.Budget.CheckBudget(r.Context(), rec); err != nil {
						writeError(w, http.StatusTooManyRequests, ErrTypeRateLimit, "budget_exceeded", err.Error())
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := clientToken(r)
			if d.APIToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(d.APIToken)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if keyMW != nil {
				keyMW(budgeted).ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, ErrTypeAuthentication, "invalid_token", "invalid or missing API token")
		})
	}
}

// adminAuth guards the admin surface with the separate admin token.
func adminAuth(d Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d.AdminToken == nil || !d.AdminToken.ConstantTimeEqual(clientToken(r)) {
				writeError(w, http.StatusUnauthorized, ErrTypeAuthentication, "invalid_admin_token", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
