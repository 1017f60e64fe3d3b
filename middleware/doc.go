// Package middleware exposes HTTP middleware adapters over hybridauth.Engine.
//
// # Guards
//
//   - [Guard] verifies the bearer access token and injects its claims.
//   - [RequirePQCSession] additionally rejects tokens without an established
//     PQC session.
//   - [RequireTrustedDevice] rejects requests from a device that is unknown,
//     flagged for re-verification or outside the trust window.
//   - [ClientContext] copies the caller's address and User-Agent into the
//     request context for device fingerprinting and audit.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself; every decision is delegated to the
// engine.
package middleware
