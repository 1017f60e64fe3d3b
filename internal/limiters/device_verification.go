package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/internal/rate"
)

const (
	defaultDeviceVerificationRequests = 3
	defaultDeviceVerificationCooldown = 15 * time.Minute
)

var (
	ErrDeviceVerificationRateLimited = errors.New("device verification rate limited")
	ErrDeviceVerificationUnavailable = errors.New("device verification limiter unavailable")
)

// DeviceVerificationLimiterConfig bounds how often a user may request a
// device verification code.
type DeviceVerificationLimiterConfig struct {
	MaxRequests int
	Cooldown    time.Duration
}

type DeviceVerificationLimiter struct {
	counter     *rate.Counter
	maxRequests int
	cooldown    time.Duration
}

// NewDeviceVerificationLimiter creates the limiter. Zero-value fields fall
// back to 3 requests per 15 minutes.
func NewDeviceVerificationLimiter(redisClient redis.UniversalClient, cfg DeviceVerificationLimiterConfig) *DeviceVerificationLimiter {
	if redisClient == nil {
		return nil
	}
	max := cfg.MaxRequests
	if max <= 0 {
		max = defaultDeviceVerificationRequests
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultDeviceVerificationCooldown
	}
	return &DeviceVerificationLimiter{counter: rate.New(redisClient, "adv"), maxRequests: max, cooldown: cd}
}

// CheckRequest records a code request for userID.
func (l *DeviceVerificationLimiter) CheckRequest(ctx context.Context, userID string) error {
	if l == nil || userID == "" {
		return nil
	}
	err := l.counter.Allow(ctx, userID, l.maxRequests, l.cooldown)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrDeviceVerificationRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrDeviceVerificationUnavailable, err)
	}
}

// Reset clears the request counter after a successful verification.
func (l *DeviceVerificationLimiter) Reset(ctx context.Context, userID string) error {
	if l == nil || userID == "" {
		return nil
	}
	if err := l.counter.Reset(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceVerificationUnavailable, err)
	}
	return nil
}
