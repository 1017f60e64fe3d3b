// Package limiters holds the policy counters of the engine.
//
//   - [LockoutGuard] derives Active/Locked from the user record and drives
//     the store's atomic failure counter.
//   - [FallbackBudget] caps classical fallbacks per user per UTC day.
//   - [DeviceVerificationLimiter] throttles device verification code requests.
//
// All limiters are nil-safe: calling any method on a nil receiver is a no-op.
//
// # What this package must NOT do
//
//   - Import hybridauth or emit audit events. Callers decide consequences.
package limiters
