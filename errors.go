package hybridauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is returned for malformed or missing input. It is
	// raised before the credential store is touched.
	ErrValidation = errors.New("invalid request")
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is matched by every *LockedError.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountExists is returned by Register for a taken email.
	ErrAccountExists = errors.New("account already exists")
	// ErrUserNotFound is returned by operations addressed by user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrPQCServiceUnavailable is returned when the post-quantum path failed
	// and policy does not allow the classical fallback.
	ErrPQCServiceUnavailable = errors.New("pqc service unavailable")
	// ErrTokenInvalid is returned for missing, expired, malformed or already
	// rotated tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrDeviceNotTrusted is returned by sensitive operations called from a
	// device that is unknown, flagged or outside the trust window.
	ErrDeviceNotTrusted = errors.New("device not trusted")
	// ErrSpoofingSuspected is returned when the same fingerprint is
	// registered twice inside the spoofing window.
	ErrSpoofingSuspected = errors.New("device registration suspected as spoofed")
	// ErrDeviceNotFound is returned for an unknown device id.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceVerificationRateLimited is returned when a user requests
	// verification codes too often.
	ErrDeviceVerificationRateLimited = errors.New("device verification rate limited")
	// ErrStoreUnavailable wraps infrastructure failures of the credential store.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrEngineNotReady is returned by a nil or partially built engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockedError is returned while an account is locked. It reports the
// remaining lock time and never the failure counter.
type LockedError struct {
	Until            time.Time
	RemainingMinutes int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry in %d minutes", e.RemainingMinutes)
}

// Is makes errors.Is(err, ErrAccountLocked) true.
func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
