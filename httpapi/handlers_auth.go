package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/middleware"
)

const (
	refreshCookieName = "refresh_token"
	refreshHeaderName = "X-Refresh-Token"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	UsePQC   bool   `json:"use_pqc"`
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	AuthMode string `json:"auth_mode"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.engine.Register(r.Context(), hybridauth.RegisterRequest{
		Email:    body.Email,
		Password: body.Password,
		UsePQC:   body.UsePQC,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		UserID:   res.UserID,
		Email:    res.Email,
		AuthMode: string(res.AuthMode),
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
	AuthMode   string `json:"auth_mode"`
	UsePQC     bool   `json:"use_pqc"`
}

type loginResponse struct {
	AccessToken  string              `json:"access_token"`
	TokenType    string              `json:"token_type"`
	ExpiresAt    time.Time           `json:"expires_at"`
	RefreshToken string              `json:"refresh_token,omitempty"`
	User         hybridauth.UserInfo `json:"user"`
	AuthMode     string              `json:"auth_mode"`
	Algorithm    string              `json:"algorithm,omitempty"`
	SessionID    string              `json:"pqc_session_id,omitempty"`
	FallbackUsed bool                `json:"fallback_used"`
	Device       *hybridauth.Device  `json:"device,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.engine.Login(r.Context(), hybridauth.LoginRequest{
		Email:      body.Email,
		Password:   body.Password,
		RememberMe: body.RememberMe,
		AuthMode:   body.AuthMode,
		UsePQC:     body.UsePQC,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.RefreshToken != "" {
		s.setRefreshCookie(w, res.RefreshToken)
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  res.AccessToken,
		TokenType:    "Bearer",
		ExpiresAt:    res.AccessExpiresAt,
		RefreshToken: res.RefreshToken,
		User:         res.User,
		AuthMode:     string(res.AuthMode),
		Algorithm:    res.Algorithm,
		SessionID:    res.SessionID,
		FallbackUsed: res.FallbackUsed,
		Device:       res.Device,
	})
}

type refreshResponse struct {
	AccessToken  string              `json:"access_token"`
	TokenType    string              `json:"token_type"`
	ExpiresAt    time.Time           `json:"expires_at"`
	RefreshToken string              `json:"refresh_token"`
	User         hybridauth.UserInfo `json:"user"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(refreshHeaderName))
	if token == "" {
		if c, err := r.Cookie(refreshCookieName); err == nil {
			token = c.Value
		}
	}

	res, err := s.engine.Refresh(r.Context(), token)
	if err != nil {
		s.clearRefreshCookie(w)
		s.writeError(w, r, err)
		return
	}

	s.setRefreshCookie(w, res.RefreshToken)
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  res.AccessToken,
		TokenType:    "Bearer",
		ExpiresAt:    res.AccessExpiresAt,
		RefreshToken: res.RefreshToken,
		User:         res.User,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := s.engine.Logout(r.Context(), claims.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/auth",
		MaxAge:   int(s.opts.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
