package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/hybridauth"
)

// ClientContext attaches the caller's address and User-Agent to the request
// context. Engine calls use them to fingerprint the device and to annotate
// audit events.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := hybridauth.WithClientIP(r.Context(), ClientIP(r))
		ctx = hybridauth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the host part of r.RemoteAddr. Forwarded headers are
// not trusted here; put a proxy-aware handler in front when needed.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// RequireTrustedDevice wraps Guard and rejects requests whose device is not
// trusted for the token's user.
func RequireTrustedDevice(engine *hybridauth.Engine) func(http.Handler) http.Handler {
	guard := Guard(engine)
	return func(next http.Handler) http.Handler {
		return guard(ClientContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "token_invalid", "authentication required")
				return
			}
			if err := engine.RequireTrustedDevice(r.Context(), claims.UserID); err != nil {
				if errors.Is(err, hybridauth.ErrDeviceNotTrusted) {
					writeError(w, http.StatusForbidden, "device_not_trusted", "this device is not trusted")
					return
				}
				writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
			next.ServeHTTP(w, r)
		})))
	}
}
