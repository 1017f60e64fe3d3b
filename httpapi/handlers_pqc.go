package httpapi

import (
	"net/http"

	"github.com/MrEthical07/hybridauth/middleware"
)

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	keys, err := s.engine.GeneratePQCKeys(r.Context(), claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":      keys.SessionID,
		"algorithm":       keys.Algorithm,
		"public_key_hash": keys.PublicKeyHash,
		"expires_at":      keys.ExpiresAt,
	})
}

type signRequest struct {
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleSignToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var body signRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	signed, err := s.engine.SignPayload(r.Context(), claims.UserID, body.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":         signed.Token,
		"algorithm":     signed.Algorithm,
		"fallback_used": signed.FallbackUsed,
	})
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	var body verifyTokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	v, err := s.engine.VerifySignedPayload(r.Context(), claims.UserID, body.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":         v.Valid,
		"algorithm":     v.Algorithm,
		"fallback_used": v.FallbackUsed,
	})
}

func (s *Server) handlePQCStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PQCStatus(r.Context()))
}

// handlePQCHealth reports 200 only when the crypto service answers and the
// breaker lets calls through.
func (s *Server) handlePQCHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.PQCStatus(r.Context())
	healthy := st.Service != nil && st.Service.Available && st.Breaker != "open"
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":       healthy,
		"breaker_state": st.Breaker,
	})
}

func (s *Server) handlePQCClearCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.engine.ClearPQCCache()})
}
