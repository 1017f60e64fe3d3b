// Package httpapi serves the portal's authentication endpoints over HTTP.
//
// Routes are registered on a gorilla/mux router. Credential endpoints are
// throttled per client address; device and PQC key endpoints sit behind
// the middleware guards. Every error is written as
// {"error": code, "message": text}.
package httpapi
