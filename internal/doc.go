// Package internal holds helpers private to hybridauth: device
// fingerprinting and secure random generation.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - limiters: lockout guard, fallback budget, verification throttle
//   - pqc: crypto service broker with timeout and circuit breaker
//   - rate: Redis fixed-window counters
//   - stores: device verification challenge records
package internal
