package hybridauth

import (
	"context"
	"errors"
)

// Audit event types.
const (
	AuditEventCryptoFallbackUsed = "CRYPTO_FALLBACK_USED"

	auditEventRegisterSuccess            = "register_success"
	auditEventRegisterDuplicate          = "register_duplicate"
	auditEventLoginSuccess               = "login_success"
	auditEventLoginFailure               = "login_failure"
	auditEventLoginLocked                = "login_locked"
	auditEventAccountLocked              = "account_locked"
	auditEventRefreshSuccess             = "refresh_success"
	auditEventRefreshInvalid             = "refresh_invalid"
	auditEventRefreshReuseDetected       = "refresh_reuse_detected"
	auditEventLogout                     = "logout"
	auditEventPQCSessionEstablished      = "pqc_session_established"
	auditEventPQCUnavailable             = "pqc_unavailable"
	auditEventPQCFallbackBudgetExhausted = "pqc_fallback_budget_exhausted"
	auditEventPQCKeysGenerated           = "pqc_keys_generated"
	auditEventPQCCircuitStateChange      = "pqc_circuit_state_change"
	auditEventDeviceRegistered           = "device_registered"
	auditEventDeviceSpoofSuspected       = "device_spoof_suspected"
	auditEventDeviceUntrusted            = "device_untrusted"
	auditEventDeviceVerificationRequest  = "device_verification_request"
	auditEventDeviceVerificationConfirm  = "device_verification_confirm"
)

// AuditErrorCode is the stable error label carried by audit events.
type AuditErrorCode string

const (
	auditErrValidation         AuditErrorCode = "validation"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrUserNotFound       AuditErrorCode = "user_not_found"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrPQCUnavailable     AuditErrorCode = "pqc_unavailable"
	auditErrDeviceNotTrusted   AuditErrorCode = "device_not_trusted"
	auditErrSpoofingSuspected  AuditErrorCode = "spoofing_suspected"
	auditErrDeviceNotFound     AuditErrorCode = "device_not_found"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	deviceID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrValidation):
		return auditErrValidation
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountExists):
		return auditErrDuplicate
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrPQCServiceUnavailable):
		return auditErrPQCUnavailable
	case errors.Is(err, ErrDeviceNotTrusted):
		return auditErrDeviceNotTrusted
	case errors.Is(err, ErrSpoofingSuspected):
		return auditErrSpoofingSuspected
	case errors.Is(err, ErrDeviceNotFound):
		return auditErrDeviceNotFound
	case errors.Is(err, ErrDeviceVerificationRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
