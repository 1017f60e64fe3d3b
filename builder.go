package hybridauth

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/featureflag"
	"github.com/MrEthical07/hybridauth/internal/audit"
	"github.com/MrEthical07/hybridauth/internal/limiters"
	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/internal/stores"
	"github.com/MrEthical07/hybridauth/jwt"
	"github.com/MrEthical07/hybridauth/logging"
	"github.com/MrEthical07/hybridauth/password"
	"github.com/MrEthical07/hybridauth/secrets"
	"github.com/MrEthical07/hybridauth/store"
)

// Builder assembles an Engine. Configure it once during initialization and
// call Build; a builder cannot be reused.
type Builder struct {
	config Config
	store  store.CredentialStore
	redis  redis.UniversalClient

	pqcClient PQCClient
	flags     FlagEvaluator
	secrets   secrets.Store
	auditSink AuditSink
	logger    logging.Logger
	now       func() time.Time

	built bool
}

// New returns a builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the credential store. Required.
func (b *Builder) WithStore(s store.CredentialStore) *Builder {
	b.store = s
	return b
}

// WithRedis enables Redis-backed device verification codes, the
// verification request limiter and the fallback budget.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPQCClient wires the external crypto service. Without one every PQC
// attempt fails over to the fallback policy.
func (b *Builder) WithPQCClient(c PQCClient) *Builder {
	b.pqcClient = c
	return b
}

// WithFlagEvaluator sets the rollout flag source. The default reports every
// flag as disabled.
func (b *Builder) WithFlagEvaluator(f FlagEvaluator) *Builder {
	b.flags = f
	return b
}

// WithSecrets sets where generated PQC secret material is stored.
func (b *Builder) WithSecrets(s secrets.Store) *Builder {
	b.secrets = s
	return b
}

// WithAuditSink sets the audit destination. Config.Audit.Enabled must be
// true; Build rejects a sink while auditing is disabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l logging.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now for every time-dependent decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("credential store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PQC.MaxFallbacksPerUserPerDay > 0 && b.redis == nil {
		return nil, errors.New("PQC MaxFallbacksPerUserPerDay requires redis client")
	}
	if b.auditSink != nil && !cfg.Audit.Enabled {
		return nil, errors.New("audit sink set but Audit.Enabled is false")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	log := b.logger
	if log == nil {
		log = logging.Nop()
	}
	flags := b.flags
	if flags == nil {
		flags = featureflag.NewStatic(nil)
	}

	engine := &Engine{
		config:  cfg,
		store:   b.store,
		flags:   flags,
		secrets: b.secrets,
		logger:  log,
		now:     now,
	}

	ph, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	broker, err := pqc.NewBroker(b.pqcClient, pqc.Config{
		Timeout:           cfg.PQC.Timeout,
		FailureThreshold:  cfg.PQC.FailureThreshold,
		Window:            cfg.PQC.FailureWindow,
		CoolDown:          cfg.PQC.CoolDown,
		HalfOpenProbes:    cfg.PQC.HalfOpenProbes,
		SessionTTL:        cfg.PQC.SessionTTL,
		MaxCachedSessions: cfg.PQC.MaxCachedSessions,
		OnStateChange:     engine.onBreakerStateChange,
		Now:               now,
	})
	if err != nil {
		return nil, err
	}
	engine.broker = broker

	engine.lockout = limiters.NewLockoutGuard(b.store, limiters.LockoutConfig{
		Enabled:   cfg.Lockout.Enabled,
		Threshold: cfg.Lockout.Threshold,
		Duration:  cfg.Lockout.Duration,
	})
	engine.fallbackBudget = limiters.NewFallbackBudget(b.redis, limiters.FallbackBudgetConfig{
		MaxPerDay: cfg.PQC.MaxFallbacksPerUserPerDay,
	})
	engine.verificationLimiter = limiters.NewDeviceVerificationLimiter(b.redis, limiters.DeviceVerificationLimiterConfig{
		MaxRequests: cfg.Device.VerificationMaxRequests,
		Cooldown:    cfg.Device.VerificationRequestCooldown,
	})
	if b.redis != nil {
		engine.challenges = stores.NewDeviceVerificationStore(b.redis, cfg.Device.RedisPrefix)
	} else {
		engine.challenges = stores.NewMemoryDeviceVerificationStore()
	}

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
