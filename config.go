package hybridauth

import (
	"errors"
	"time"
)

// Config is the engine configuration. Start from DefaultConfig and adjust.
type Config struct {
	JWT      JWTConfig
	Password PasswordConfig
	Lockout  LockoutConfig
	PQC      PQCConfig
	Device   DeviceConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access and refresh token minting.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters. They apply to passwords and
// refresh tokens alike.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the brute-force lock.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Duration  time.Duration
}

/*
====================================
PQC CONFIG
====================================
*/

// PQCConfig controls post-quantum session establishment.
type PQCConfig struct {
	// DefaultMode applies when a login does not name a mode.
	DefaultMode AuthMode
	// FlagName is the rollout flag consulted in hybrid mode.
	FlagName string
	// Timeout bounds every call to the crypto service.
	Timeout time.Duration
	// FallbackToClassical degrades failed PQC calls to classical tokens.
	FallbackToClassical bool
	// MaxFallbacksPerUserPerDay bounds fallbacks per user. Zero means
	// unlimited. Enforcement requires Redis.
	MaxFallbacksPerUserPerDay int

	FailureThreshold  uint32
	FailureWindow     time.Duration
	CoolDown          time.Duration
	HalfOpenProbes    uint32
	SessionTTL        time.Duration
	MaxCachedSessions int
}

/*
====================================
DEVICE CONFIG
====================================
*/

// DeviceConfig controls the device trust registry.
type DeviceConfig struct {
	// TrustWindow is how long after lastUsed a device stays trusted.
	TrustWindow time.Duration
	// SpoofWindow flags a repeat registration of the same fingerprint.
	SpoofWindow time.Duration
	// RegisterOnLogin fingerprints the client of every successful login.
	RegisterOnLogin bool

	VerificationTTL             time.Duration
	VerificationMaxAttempts     int
	VerificationCodeDigits      int
	VerificationMaxRequests     int
	VerificationRequestCooldown time.Duration
	RedisPrefix                 string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. JWT keys still have to be set.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "portal-auth",
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      8,
			UpgradeOnLogin: true,
		},
		Lockout: LockoutConfig{
			Enabled:   true,
			Threshold: 5,
			Duration:  60 * time.Minute,
		},
		PQC: PQCConfig{
			DefaultMode:         ModeHybrid,
			FlagName:            "pqc_authentication",
			Timeout:             2 * time.Second,
			FallbackToClassical: true,
			FailureThreshold:    5,
			FailureWindow:       60 * time.Second,
			CoolDown:            30 * time.Second,
			HalfOpenProbes:      1,
			SessionTTL:          time.Hour,
			MaxCachedSessions:   100,
		},
		Device: DeviceConfig{
			TrustWindow:                 30 * 24 * time.Hour,
			SpoofWindow:                 5 * time.Second,
			RegisterOnLogin:             true,
			VerificationTTL:             10 * time.Minute,
			VerificationMaxAttempts:     5,
			VerificationCodeDigits:      6,
			VerificationMaxRequests:     3,
			VerificationRequestCooldown: 15 * time.Minute,
			RedisPrefix:                 "adc",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be > AccessTTL")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 0 {
		return errors.New("Password MinLength must be >= 0")
	}

	// Lockout
	if c.Lockout.Enabled {
		if c.Lockout.Threshold <= 0 {
			return errors.New("Lockout Threshold must be > 0")
		}
		if c.Lockout.Duration <= 0 {
			return errors.New("Lockout Duration must be > 0")
		}
	}

	// PQC
	if _, err := ParseAuthMode(string(c.PQC.DefaultMode), ModeHybrid); err != nil {
		return errors.New("PQC DefaultMode is invalid")
	}
	if c.PQC.Timeout <= 0 {
		return errors.New("PQC Timeout must be > 0")
	}
	if c.PQC.FailureThreshold == 0 {
		return errors.New("PQC FailureThreshold must be > 0")
	}
	if c.PQC.CoolDown <= 0 {
		return errors.New("PQC CoolDown must be > 0")
	}
	if c.PQC.MaxFallbacksPerUserPerDay < 0 {
		return errors.New("PQC MaxFallbacksPerUserPerDay must be >= 0")
	}

	// Device
	if c.Device.TrustWindow <= 0 {
		return errors.New("Device TrustWindow must be > 0")
	}
	if c.Device.SpoofWindow < 0 {
		return errors.New("Device SpoofWindow must be >= 0")
	}
	if c.Device.VerificationTTL <= 0 {
		return errors.New("Device VerificationTTL must be > 0")
	}
	if c.Device.VerificationMaxAttempts <= 0 {
		return errors.New("Device VerificationMaxAttempts must be > 0")
	}
	if c.Device.VerificationCodeDigits < 6 || c.Device.VerificationCodeDigits > 10 {
		return errors.New("Device VerificationCodeDigits must be between 6 and 10")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}
