// Package stores provides short-lived challenge records for device
// verification, in Redis and in memory.
//
// Records are single-use: consumed on success, deleted once the attempt
// limit is reached. Only SHA-256 digests of codes are stored and compared in
// constant time.
//
// # What this package must NOT do
//
//   - Generate codes or decide trust. The engine does both.
//   - Log or expose plaintext codes.
package stores
