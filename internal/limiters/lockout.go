package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/hybridauth/store"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 60 * time.Minute
)

// LockoutConfig holds configuration for the account lockout guard.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Duration  time.Duration
}

var (
	// ErrLockoutUnavailable indicates the credential store could not record
	// or reset lockout state.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// LockoutStore is the subset of the credential store the guard mutates.
// Both operations must be atomic on the backing store.
type LockoutStore interface {
	RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil, now time.Time) (store.LockoutState, error)
	ResetLoginFailures(ctx context.Context, userID string) error
}

// LockoutGuard implements the Active/Locked state machine on top of the
// user record. The state is derived from lockUntil; nothing expires it.
type LockoutGuard struct {
	store  LockoutStore
	config LockoutConfig
}

// NewLockoutGuard creates a guard. Zero threshold or duration fall back to
// 5 failures / 60 minutes.
func NewLockoutGuard(s LockoutStore, cfg LockoutConfig) *LockoutGuard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultLockoutThreshold
	}
	if cfg.Duration <= 0 {
		cfg.Duration = defaultLockoutDuration
	}
	return &LockoutGuard{store: s, config: cfg}
}

// Check reports whether u is locked at now and for how long. It must run
// before the password is verified.
func (g *LockoutGuard) Check(u *store.User, now time.Time) (bool, time.Duration) {
	if g == nil || !g.config.Enabled || u == nil || !u.LockedAt(now) {
		return false, 0
	}
	return true, u.LockUntil.Sub(now)
}

// RecordFailure counts one failed verification. State.JustLocked is set
// for the failure that crossed the threshold.
func (g *LockoutGuard) RecordFailure(ctx context.Context, userID string, now time.Time) (store.LockoutState, error) {
	if g == nil || !g.config.Enabled || userID == "" {
		return store.LockoutState{}, nil
	}

	st, err := g.store.RecordLoginFailure(ctx, userID, g.config.Threshold, now.Add(g.config.Duration), now)
	if err != nil {
		return store.LockoutState{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return st, nil
}

// Reset clears the counter and any lock after a successful verification.
func (g *LockoutGuard) Reset(ctx context.Context, userID string) error {
	if g == nil || userID == "" {
		return nil
	}
	if err := g.store.ResetLoginFailures(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// RemainingMinutes rounds a remaining lock duration up to whole minutes,
// never below 1.
func RemainingMinutes(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
