// Package rate provides the Redis fixed-window counter shared by the
// limiters in internal/limiters.
//
// # What this package must NOT do
//
//   - Decide what happens when a limit is hit. Callers map ErrRateLimited
//     to their own errors.
package rate
