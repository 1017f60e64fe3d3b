// Package featureflag evaluates boolean feature flags per user. Rollout
// mechanics live elsewhere; only the evaluated result is consumed here.
package featureflag

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/logging"
)

// PQCAuthFlag gates the post-quantum login path in hybrid mode.
const PQCAuthFlag = "pqc_authentication"

// Evaluator reports whether flag is enabled for userID. Implementations
// fail closed.
type Evaluator interface {
	IsEnabled(ctx context.Context, flag, userID string) bool
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, flag, userID string) bool

func (f Func) IsEnabled(ctx context.Context, flag, userID string) bool {
	return f(ctx, flag, userID)
}

// Static is an in-memory evaluator with global values and per-user
// overrides. It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
	users map[string]map[string]bool
}

func NewStatic(flags map[string]bool) *Static {
	s := &Static{flags: map[string]bool{}, users: map[string]map[string]bool{}}
	for k, v := range flags {
		s.flags[k] = v
	}
	return s
}

// Set changes the global value of flag.
func (s *Static) Set(flag string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flag] = enabled
}

// SetUser overrides flag for one user.
func (s *Static) SetUser(flag, userID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[flag] == nil {
		s.users[flag] = map[string]bool{}
	}
	s.users[flag][userID] = enabled
}

func (s *Static) IsEnabled(_ context.Context, flag, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.users[flag][userID]; ok {
		return v
	}
	return s.flags[flag]
}

// Redis reads flags written by the rollout service:
//
//	<prefix>:<flag>        "1" enables the flag globally
//	<prefix>:<flag>:users  set of user ids the flag is enabled for
type Redis struct {
	redis  redis.UniversalClient
	prefix string
	log    logging.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, log logging.Logger) *Redis {
	if prefix == "" {
		prefix = "ff"
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Redis{redis: client, prefix: prefix, log: log}
}

func (r *Redis) IsEnabled(ctx context.Context, flag, userID string) bool {
	key := r.prefix + ":" + flag
	pipe := r.redis.Pipeline()
	global := pipe.Get(ctx, key)
	var member *redis.BoolCmd
	if userID != "" {
		member = pipe.SIsMember(ctx, key+":users", userID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn(ctx, "feature flag lookup failed", "flag", flag, "error", err)
		return false
	}
	if member != nil && member.Val() {
		return true
	}
	return global.Val() == "1"
}

// Enable writes the global value of flag. It is used by tooling and tests.
func (r *Redis) Enable(ctx context.Context, flag string, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return r.redis.Set(ctx, r.prefix+":"+flag, v, 0).Err()
}

// EnableForUser adds userID to the per-user allow set of flag.
func (r *Redis) EnableForUser(ctx context.Context, flag, userID string) error {
	return r.redis.SAdd(ctx, r.prefix+":"+flag+":users", userID).Err()
}
