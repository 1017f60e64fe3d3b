package internaldefs

import (
	"github.com/MrEthical07/hybridauth"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   hybridauth.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   hybridauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events dropped under backpressure.
const AuditDroppedName = "hybridauth_audit_dropped_total"

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: hybridauth.MetricLoginSuccess, Name: "hybridauth_login_success_total", Help: "Successful logins."},
	{ID: hybridauth.MetricLoginFailure, Name: "hybridauth_login_failure_total", Help: "Logins rejected for invalid credentials."},
	{ID: hybridauth.MetricLoginLocked, Name: "hybridauth_login_locked_total", Help: "Logins rejected by an active account lock."},
	{ID: hybridauth.MetricAccountLocked, Name: "hybridauth_account_locked_total", Help: "Accounts transitioned to locked."},
	{ID: hybridauth.MetricRegisterSuccess, Name: "hybridauth_register_success_total", Help: "Created accounts."},
	{ID: hybridauth.MetricRegisterDuplicate, Name: "hybridauth_register_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: hybridauth.MetricRefreshSuccess, Name: "hybridauth_refresh_success_total", Help: "Successful refresh token rotations."},
	{ID: hybridauth.MetricRefreshFailure, Name: "hybridauth_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: hybridauth.MetricRefreshReuseDetected, Name: "hybridauth_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: hybridauth.MetricLogout, Name: "hybridauth_logout_total", Help: "Logouts."},
	{ID: hybridauth.MetricPQCSessionEstablished, Name: "hybridauth_pqc_session_established_total", Help: "Post-quantum sessions established at login."},
	{ID: hybridauth.MetricPQCFallbackUsed, Name: "hybridauth_pqc_fallback_used_total", Help: "Classical fallbacks after a post-quantum failure."},
	{ID: hybridauth.MetricPQCUnavailable, Name: "hybridauth_pqc_unavailable_total", Help: "Post-quantum failures surfaced to the caller."},
	{ID: hybridauth.MetricPQCCircuitOpened, Name: "hybridauth_pqc_circuit_opened_total", Help: "Crypto service breaker transitions to open."},
	{ID: hybridauth.MetricPQCFallbackBudgetExhausted, Name: "hybridauth_pqc_fallback_budget_exhausted_total", Help: "Fallbacks refused by the per-user daily budget."},
	{ID: hybridauth.MetricDeviceRegistered, Name: "hybridauth_device_registered_total", Help: "Device registrations."},
	{ID: hybridauth.MetricDeviceSpoofSuspected, Name: "hybridauth_device_spoof_suspected_total", Help: "Device registrations inside the spoofing window."},
	{ID: hybridauth.MetricDeviceTrusted, Name: "hybridauth_device_trusted_total", Help: "Device validations that found a trusted device."},
	{ID: hybridauth.MetricDeviceUntrusted, Name: "hybridauth_device_untrusted_total", Help: "Device validations that rejected the device."},
	{ID: hybridauth.MetricDeviceVerificationRequested, Name: "hybridauth_device_verification_requested_total", Help: "Issued device verification codes."},
	{ID: hybridauth.MetricDeviceVerificationSuccess, Name: "hybridauth_device_verification_success_total", Help: "Devices verified by code."},
	{ID: hybridauth.MetricDeviceVerificationFailure, Name: "hybridauth_device_verification_failure_total", Help: "Rejected device verification codes."},
	{ID: hybridauth.MetricPasswordRehashed, Name: "hybridauth_password_rehashed_total", Help: "Password hashes upgraded at login."},
}

// HistogramDefs lists the exported histograms.
var HistogramDefs = []HistogramDef{
	{ID: hybridauth.MetricLoginLatency, Name: "hybridauth_login_latency_seconds", Help: "Login latency histogram."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's
// latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix names each bound in instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
