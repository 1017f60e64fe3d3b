package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/internal/rate"
)

var (
	ErrFallbackBudgetExhausted = errors.New("classical fallback budget exhausted")
	ErrFallbackUnavailable     = errors.New("fallback budget unavailable")
)

// FallbackBudgetConfig bounds classical fallbacks per user per UTC day.
// MaxPerDay <= 0 disables the budget.
type FallbackBudgetConfig struct {
	MaxPerDay int
}

// FallbackBudget counts classical fallbacks per user and day.
type FallbackBudget struct {
	counter *rate.Counter
	max     int
}

// NewFallbackBudget returns nil when the budget is disabled or no Redis
// client is available.
func NewFallbackBudget(redisClient redis.UniversalClient, cfg FallbackBudgetConfig) *FallbackBudget {
	if redisClient == nil || cfg.MaxPerDay <= 0 {
		return nil
	}
	return &FallbackBudget{counter: rate.New(redisClient, "pfb"), max: cfg.MaxPerDay}
}

func fallbackKey(userID string, now time.Time) string {
	return userID + ":" + now.UTC().Format("20060102")
}

// Consume spends one fallback for userID. It returns
// ErrFallbackBudgetExhausted once the day's budget is used up.
func (b *FallbackBudget) Consume(ctx context.Context, userID string, now time.Time) error {
	if b == nil || userID == "" {
		return nil
	}
	err := b.counter.Allow(ctx, fallbackKey(userID, now), b.max, 25*time.Hour)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrFallbackBudgetExhausted
	default:
		return fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
}

// Used returns how many fallbacks userID spent on now's day.
func (b *FallbackBudget) Used(ctx context.Context, userID string, now time.Time) (int, error) {
	if b == nil || userID == "" {
		return 0, nil
	}
	n, err := b.counter.Peek(ctx, fallbackKey(userID, now))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
	return int(n), nil
}
