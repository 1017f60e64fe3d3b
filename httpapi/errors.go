package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MrEthical07/hybridauth"
)

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterMinutes int    `json:"retry_after_minutes,omitempty"`
}

// statusFor maps an engine error to its HTTP status and stable code. The
// message never distinguishes an unknown email from a wrong password.
func statusFor(err error) (int, errorBody) {
	var locked *hybridauth.LockedError
	switch {
	case errors.As(err, &locked):
		return http.StatusForbidden, errorBody{
			Error:             "account_locked",
			Message:           locked.Error(),
			RetryAfterMinutes: locked.RemainingMinutes,
		}
	case errors.Is(err, hybridauth.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: "validation_error", Message: err.Error()}
	case errors.Is(err, hybridauth.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: "invalid email or password"}
	case errors.Is(err, hybridauth.ErrAccountExists):
		return http.StatusConflict, errorBody{Error: "account_exists", Message: "an account with this email already exists"}
	case errors.Is(err, hybridauth.ErrTokenInvalid):
		return http.StatusUnauthorized, errorBody{Error: "token_invalid", Message: "token is missing, expired or revoked"}
	case errors.Is(err, hybridauth.ErrPQCServiceUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "pqc_unavailable", Message: "post-quantum service unavailable"}
	case errors.Is(err, hybridauth.ErrDeviceNotTrusted):
		return http.StatusForbidden, errorBody{Error: "device_not_trusted", Message: "this device is not trusted"}
	case errors.Is(err, hybridauth.ErrSpoofingSuspected):
		return http.StatusConflict, errorBody{Error: "spoofing_suspected", Message: "device registration requires verification"}
	case errors.Is(err, hybridauth.ErrDeviceNotFound):
		return http.StatusNotFound, errorBody{Error: "device_not_found", Message: "device not found"}
	case errors.Is(err, hybridauth.ErrUserNotFound):
		return http.StatusNotFound, errorBody{Error: "user_not_found", Message: "user not found"}
	case errors.Is(err, hybridauth.ErrDeviceVerificationRateLimited):
		return http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many verification requests"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log(r).Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	if body.RetryAfterMinutes > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterMinutes*60))
	}
	writeJSON(w, status, body)
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
