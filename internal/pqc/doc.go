// Package pqc brokers calls to the external post-quantum crypto service.
//
// Every call runs under a per-call timeout and passes through a three-state
// circuit breaker (closed, open, half-open). Failures come back as *Failure
// so the caller can decide between a classical fallback and surfacing
// the outage. The broker never issues tokens itself.
//
// # What this package must NOT do
//
//   - Import hybridauth or emit audit events. The engine owns fallback policy
//     enforcement and the CRYPTO_FALLBACK_USED event; this package only builds
//     its payload.
package pqc
