package hybridauth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/MrEthical07/hybridauth/internal"
	"github.com/MrEthical07/hybridauth/internal/limiters"
	"github.com/MrEthical07/hybridauth/internal/stores"
	"github.com/MrEthical07/hybridauth/store"
)

const maxDeviceLabelLength = 128

// RegisterDevice adds the device identified by the request's user agent and
// source address to the user's trusted devices. Registering the same
// fingerprint again inside the spoofing window flags the device for
// re-verification and fails with ErrSpoofingSuspected.
func (e *Engine) RegisterDevice(ctx context.Context, userID string, reg DeviceRegistration) (*Device, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if err := validateDeviceRegistration(userID, &reg); err != nil {
		return nil, err
	}

	d, err := e.upsertDevice(ctx, userID, reg)
	if err != nil {
		return nil, err
	}
	if d.SpoofingSuspected {
		return d, ErrSpoofingSuspected
	}
	return d, nil
}

// registerLoginDevice fingerprints the client of a successful login. A
// duplicate inside the spoofing window is flagged and audited but does not
// fail the login: the device simply stops being trusted until verified.
func (e *Engine) registerLoginDevice(ctx context.Context, userID string) *Device {
	if !e.config.Device.RegisterOnLogin {
		return nil
	}
	reg := DeviceRegistration{
		UserAgent: userAgentFromContext(ctx),
		IPAddress: clientIPFromContext(ctx),
	}
	if err := validateDeviceRegistration(userID, &reg); err != nil {
		return nil
	}
	d, err := e.upsertDevice(ctx, userID, reg)
	if err != nil {
		e.log(ctx).Warn(ctx, "login device registration failed", "user_id", userID, "error", err)
		return nil
	}
	return d
}

func (e *Engine) upsertDevice(ctx context.Context, userID string, reg DeviceRegistration) (*Device, error) {
	now := e.now().UTC()
	up, err := e.store.UpsertDevice(ctx, userID, store.TrustedDevice{
		DeviceID:     uuid.NewString(),
		Fingerprint:  internal.Fingerprint(reg.UserAgent, reg.IPAddress),
		DeviceName:   reg.DeviceName,
		DeviceType:   reg.DeviceType,
		CreatedAt:    now,
		LastUsed:     now,
		RegisteredAt: now,
	}, e.config.Device.SpoofWindow)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := toDevice(&up.Device)
	if up.Suspected {
		d.SpoofingSuspected = true
		e.metricInc(MetricDeviceSpoofSuspected)
		e.emitAudit(ctx, auditEventDeviceSpoofSuspected, false, userID, "", d.DeviceID, ErrSpoofingSuspected, func() map[string]string {
			return map[string]string{"fingerprint": d.Fingerprint}
		})
		e.log(ctx).Warn(ctx, "duplicate device registration inside spoofing window",
			"user_id", userID, "device_id", d.DeviceID)
		return d, nil
	}

	e.metricInc(MetricDeviceRegistered)
	e.emitAudit(ctx, auditEventDeviceRegistered, true, userID, "", d.DeviceID, nil, func() map[string]string {
		if up.Created {
			return map[string]string{"created": "1"}
		}
		return nil
	})
	return d, nil
}

// ValidateDevice reports whether the device with the given user agent and
// source address is trusted for userID: known, not awaiting verification,
// and used within the trust window. A trusted device has lastUsed
// refreshed.
func (e *Engine) ValidateDevice(ctx context.Context, userID, userAgent, ipAddress string) (*DeviceTrust, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}

	now := e.now().UTC()
	fp := internal.Fingerprint(userAgent, ipAddress)
	td, err := e.store.FindDeviceByFingerprint(ctx, userID, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.untrusted(ctx, userID, nil, TrustReasonUnknown), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := toDevice(td)
	if td.RequiresVerification {
		return e.untrusted(ctx, userID, d, TrustReasonVerificationRequired), nil
	}
	if now.Sub(td.LastUsed) > e.config.Device.TrustWindow {
		return e.untrusted(ctx, userID, d, TrustReasonExpired), nil
	}

	if err := e.store.TouchDevice(ctx, userID, td.DeviceID, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	d.LastUsed = now
	e.metricInc(MetricDeviceTrusted)
	return &DeviceTrust{Trusted: true, Device: d}, nil
}

func (e *Engine) untrusted(ctx context.Context, userID string, d *Device, reason string) *DeviceTrust {
	e.metricInc(MetricDeviceUntrusted)
	e.emitAudit(ctx, auditEventDeviceUntrusted, false, userID, "", deviceIDOf(d), ErrDeviceNotTrusted, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return &DeviceTrust{Trusted: false, Device: d, Reason: reason}
}

// RequireTrustedDevice checks the device carried by ctx (WithUserAgent,
// WithClientIP) and returns ErrDeviceNotTrusted unless it is trusted.
// Sensitive operations call it before doing any work.
func (e *Engine) RequireTrustedDevice(ctx context.Context, userID string) error {
	trust, err := e.ValidateDevice(ctx, userID, userAgentFromContext(ctx), clientIPFromContext(ctx))
	if err != nil {
		return err
	}
	if !trust.Trusted {
		return fmt.Errorf("%w: %s", ErrDeviceNotTrusted, trust.Reason)
	}
	return nil
}

// ListDevices returns the user's devices ordered by creation time.
func (e *Engine) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	list, err := e.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	out := make([]Device, 0, len(list))
	for i := range list {
		out = append(out, *toDevice(&list[i]))
	}
	return out, nil
}

// RequestDeviceVerification issues a one-time code that re-verifies a
// flagged device. The code is returned for out-of-band delivery; only its
// SHA-256 is stored. A new request replaces any pending code.
func (e *Engine) RequestDeviceVerification(ctx context.Context, userID, deviceID string) (string, error) {
	if e == nil || e.store == nil || e.challenges == nil {
		return "", ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return "", fmt.Errorf("%w: user id and device id required", ErrValidation)
	}

	if err := e.verificationLimiter.CheckRequest(ctx, userID); err != nil {
		if errors.Is(err, limiters.ErrDeviceVerificationRateLimited) {
			e.emitAudit(ctx, auditEventDeviceVerificationRequest, false, userID, "", deviceID, ErrDeviceVerificationRateLimited, nil)
			return "", ErrDeviceVerificationRateLimited
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := e.store.GetDevice(ctx, userID, deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrDeviceNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code, err := internal.NewOTP(e.config.Device.VerificationCodeDigits)
	if err != nil {
		return "", err
	}
	ttl := e.config.Device.VerificationTTL
	err = e.challenges.Save(ctx, &stores.DeviceChallenge{
		UserID:    userID,
		DeviceID:  deviceID,
		CodeHash:  internal.HashCode(code),
		ExpiresAt: e.now().Add(ttl).UnixMilli(),
	}, ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricDeviceVerificationRequested)
	e.emitAudit(ctx, auditEventDeviceVerificationRequest, true, userID, "", deviceID, nil, nil)
	return code, nil
}

// VerifyDevice checks a verification code. A match clears the device's
// verification flag and refreshes lastUsed. Wrong, expired or exhausted
// codes report false without an error.
func (e *Engine) VerifyDevice(ctx context.Context, userID, code string) (bool, error) {
	if e == nil || e.store == nil || e.challenges == nil {
		return false, ErrEngineNotReady
	}
	code = strings.TrimSpace(code)
	if strings.TrimSpace(userID) == "" || !isDigits(code) {
		return false, fmt.Errorf("%w: verification code must be numeric", ErrValidation)
	}

	now := e.now()
	c, err := e.challenges.Consume(ctx, userID, internal.HashCode(code), e.config.Device.VerificationMaxAttempts, now)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrChallengeNotFound),
			errors.Is(err, stores.ErrChallengeCodeMismatch),
			errors.Is(err, stores.ErrChallengeAttemptsExceeded):
			e.metricInc(MetricDeviceVerificationFailure)
			e.emitAudit(ctx, auditEventDeviceVerificationConfirm, false, userID, "", "", ErrValidation, func() map[string]string {
				return map[string]string{"reason": challengeFailureReason(err)}
			})
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if err := e.store.MarkDeviceVerified(ctx, userID, c.DeviceID, now.UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrDeviceNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := e.verificationLimiter.Reset(ctx, userID); err != nil {
		e.log(ctx).Warn(ctx, "reset device verification limiter", "user_id", userID, "error", err)
	}

	e.metricInc(MetricDeviceVerificationSuccess)
	e.emitAudit(ctx, auditEventDeviceVerificationConfirm, true, userID, "", c.DeviceID, nil, nil)
	return true, nil
}

func challengeFailureReason(err error) string {
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return "not_found"
	case errors.Is(err, stores.ErrChallengeAttemptsExceeded):
		return "attempts_exceeded"
	default:
		return "code_mismatch"
	}
}

func validateDeviceRegistration(userID string, reg *DeviceRegistration) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	reg.UserAgent = strings.TrimSpace(reg.UserAgent)
	reg.IPAddress = strings.TrimSpace(reg.IPAddress)
	reg.DeviceName = strings.TrimSpace(reg.DeviceName)
	reg.DeviceType = strings.TrimSpace(reg.DeviceType)
	if reg.UserAgent == "" || reg.IPAddress == "" {
		return fmt.Errorf("%w: user agent and ip address required", ErrValidation)
	}
	if _, err := netip.ParseAddr(reg.IPAddress); err != nil {
		return fmt.Errorf("%w: malformed ip address", ErrValidation)
	}
	if len(reg.DeviceName) > maxDeviceLabelLength || len(reg.DeviceType) > maxDeviceLabelLength {
		return fmt.Errorf("%w: device label too long", ErrValidation)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

