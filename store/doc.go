// Package store defines the account and trusted-device model and the
// persistence contract of the engine.
//
// Implementations live in sub-packages: memstore (process local, tests and
// single-node use), redisstore (Lua scripts for atomic updates) and pgstore
// (PostgreSQL through database/sql and the pgx driver).
//
// # Atomicity
//
// Lockout accounting, refresh-hash rotation and device registration are each
// a single atomic operation on the backing store. Concurrent failed logins
// compound strictly: N failures always count N, and exactly one of them
// observes the transition to locked.
//
// This package must not import the engine.
package store
