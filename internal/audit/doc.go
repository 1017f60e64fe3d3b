// Package audit implements async delivery of security events.
//
// # Components
//
//   - [Sink]: event consumers (channel, JSON lines, structured log, fan-out, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: the audit record.
//
// This package owns buffering and delivery. It does NOT decide which events
// to emit; the engine does.
package audit
