// Package hybridauth is the authentication and device-trust engine of the
// consent portal. It authenticates email/password credentials, decides per
// login whether to establish a post-quantum (PQC) session through an external
// crypto service, degrades to classical tokens when that service fails, locks
// accounts after repeated failures, rotates refresh tokens without a replay
// window, and tracks trusted devices by fingerprint.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// hybridauth is the public surface. It exposes [Engine], [Builder], [Config]
// and request/result types. Persistence is behind [store.CredentialStore];
// the crypto service, secrets store, feature flags and audit sink are
// injected through the builder. Breaker state, the PQC session cache and
// limiter coordination live under internal/.
//
// # Concurrency contract
//
// The engine keeps no per-user state in process. Lockout counters, refresh
// hashes and trusted devices are mutated with single atomic store
// operations: concurrent failures always compound, and of two refreshes
// presenting the same token at most one succeeds. The circuit breaker in
// front of the crypto service is process local.
package hybridauth
