package middleware

import (
	"net/http"

	"github.com/MrEthical07/hybridauth"
)

// RequirePQCSession wraps Guard and additionally rejects access tokens that
// were issued without a post-quantum session, including tokens minted by
// the classical fallback.
func RequirePQCSession(engine *hybridauth.Engine) func(http.Handler) http.Handler {
	guard := Guard(engine)
	return func(next http.Handler) http.Handler {
		return guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || claims.SessionID == "" {
				writeError(w, http.StatusForbidden, "pqc_session_required", "a post-quantum session is required")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
