package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/MrEthical07/hybridauth"
)

const envPrefix = "PORTAL_AUTH_"

// fileConfig is the portal-auth configuration. Values are layered:
// defaults, then the TOML file, then flags, then PORTAL_AUTH_* variables.
type fileConfig struct {
	Server  serverConfig  `toml:"server"`
	Log     logConfig     `toml:"log"`
	Store   storeConfig   `toml:"store"`
	JWT     jwtConfig     `toml:"jwt"`
	Lockout lockoutConfig `toml:"lockout"`
	PQC     pqcConfig     `toml:"pqc"`
	Device  deviceConfig  `toml:"device"`
	Secrets secretsConfig `toml:"secrets"`
	Flags   flagsConfig   `toml:"flags"`
	Audit   auditConfig   `toml:"audit"`
}

type serverConfig struct {
	Addr            string        `toml:"addr"`
	MetricsPath     string        `toml:"metrics_path"`
	CredentialRate  float64       `toml:"credential_rate"`
	CredentialBurst int           `toml:"credential_burst"`
	SecureCookies   bool          `toml:"secure_cookies"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// LogVerificationCodes writes device verification codes to the log
	// instead of delivering them. Development only.
	LogVerificationCodes bool `toml:"log_verification_codes"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type storeConfig struct {
	// Driver is memory, redis or postgres.
	Driver        string `toml:"driver"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Prefix        string `toml:"prefix"`
	PostgresDSN   string `toml:"postgres_dsn"`
	Migrate       bool   `toml:"migrate"`
}

type jwtConfig struct {
	SigningMethod  string        `toml:"signing_method"`
	Secret         string        `toml:"secret"`
	PrivateKeyFile string        `toml:"private_key_file"`
	PublicKeyFile  string        `toml:"public_key_file"`
	Issuer         string        `toml:"issuer"`
	Audience       string        `toml:"audience"`
	AccessTTL      time.Duration `toml:"access_ttl"`
	RefreshTTL     time.Duration `toml:"refresh_ttl"`
}

type lockoutConfig struct {
	Enabled   bool          `toml:"enabled"`
	Threshold int           `toml:"threshold"`
	Duration  time.Duration `toml:"duration"`
}

type pqcConfig struct {
	// Transport is none, http or grpc.
	Transport           string        `toml:"transport"`
	URL                 string        `toml:"url"`
	GRPCTarget          string        `toml:"grpc_target"`
	APIKey              string        `toml:"api_key"`
	DefaultMode         string        `toml:"default_mode"`
	FlagName            string        `toml:"flag_name"`
	Timeout             time.Duration `toml:"timeout"`
	FallbackToClassical bool          `toml:"fallback_to_classical"`
	MaxFallbacksPerDay  int           `toml:"max_fallbacks_per_day"`
	FailureThreshold    uint32        `toml:"failure_threshold"`
	CoolDown            time.Duration `toml:"cool_down"`
}

type deviceConfig struct {
	TrustWindow     time.Duration `toml:"trust_window"`
	SpoofWindow     time.Duration `toml:"spoof_window"`
	RegisterOnLogin bool          `toml:"register_on_login"`
	VerificationTTL time.Duration `toml:"verification_ttl"`
}

type secretsConfig struct {
	// Backend is memory or s3.
	Backend     string `toml:"backend"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Prefix    string `toml:"s3_prefix"`
	S3Region    string `toml:"s3_region"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3PathStyle bool   `toml:"s3_path_style"`
}

type flagsConfig struct {
	// Source is static or redis.
	Source      string          `toml:"source"`
	Static      map[string]bool `toml:"static"`
	RedisPrefix string          `toml:"redis_prefix"`
}

type auditConfig struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
	DropIfFull bool `toml:"drop_if_full"`
}

func defaultConfig() fileConfig {
	eng := hybridauth.DefaultConfig()
	return fileConfig{
		Server: serverConfig{
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			CredentialRate:  5,
			CredentialBurst: 10,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:   logConfig{Level: "info", Format: "json"},
		Store: storeConfig{Driver: "memory", RedisAddr: "127.0.0.1:6379", Prefix: "ha"},
		JWT: jwtConfig{
			SigningMethod: eng.JWT.SigningMethod,
			Issuer:        eng.JWT.Issuer,
			AccessTTL:     eng.JWT.AccessTTL,
			RefreshTTL:    eng.JWT.RefreshTTL,
		},
		Lockout: lockoutConfig{
			Enabled:   eng.Lockout.Enabled,
			Threshold: eng.Lockout.Threshold,
			Duration:  eng.Lockout.Duration,
		},
		PQC: pqcConfig{
			Transport:           "none",
			DefaultMode:         string(eng.PQC.DefaultMode),
			FlagName:            eng.PQC.FlagName,
			Timeout:             eng.PQC.Timeout,
			FallbackToClassical: eng.PQC.FallbackToClassical,
			FailureThreshold:    eng.PQC.FailureThreshold,
			CoolDown:            eng.PQC.CoolDown,
		},
		Device: deviceConfig{
			TrustWindow:     eng.Device.TrustWindow,
			SpoofWindow:     eng.Device.SpoofWindow,
			RegisterOnLogin: eng.Device.RegisterOnLogin,
			VerificationTTL: eng.Device.VerificationTTL,
		},
		Secrets: secretsConfig{Backend: "memory", S3Prefix: "portal-auth"},
		Flags:   flagsConfig{Source: "static", RedisPrefix: "flags"},
		Audit:   auditConfig{Enabled: true, BufferSize: eng.Audit.BufferSize, DropIfFull: true},
	}
}

// loadConfig layers the sources in order. args excludes the program name.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (fileConfig, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("portal-auth", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "path to a TOML config file")
	addr := fs.String("addr", "", "listen address")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	storeDriver := fs.String("store", "", "credential store: memory, redis, postgres")
	redisAddr := fs.String("redis-addr", "", "redis address")
	pqcTransport := fs.String("pqc-transport", "", "crypto service transport: none, http, grpc")
	pqcURL := fs.String("pqc-url", "", "crypto service base URL")
	pqcTarget := fs.String("pqc-grpc-target", "", "crypto service gRPC target")
	secretsBackend := fs.String("secrets", "", "secrets backend: memory, s3")
	if err := fs.Parse(args); err != nil {
		return fileConfig{}, err
	}

	if p := firstNonEmpty(*path, getenv(envPrefix+"CONFIG")); p != "" {
		if _, err := toml.DecodeFile(p, &cfg); err != nil {
			return fileConfig{}, fmt.Errorf("read config %s: %w", p, err)
		}
	}

	setIf(&cfg.Server.Addr, *addr)
	setIf(&cfg.Log.Level, *logLevel)
	setIf(&cfg.Store.Driver, *storeDriver)
	setIf(&cfg.Store.RedisAddr, *redisAddr)
	setIf(&cfg.PQC.Transport, *pqcTransport)
	setIf(&cfg.PQC.URL, *pqcURL)
	setIf(&cfg.PQC.GRPCTarget, *pqcTarget)
	setIf(&cfg.Secrets.Backend, *secretsBackend)

	setIf(&cfg.JWT.Secret, getenv(envPrefix+"JWT_SECRET"))
	setIf(&cfg.Store.PostgresDSN, getenv(envPrefix+"POSTGRES_DSN"))
	setIf(&cfg.Store.RedisPassword, getenv(envPrefix+"REDIS_PASSWORD"))
	setIf(&cfg.PQC.APIKey, getenv(envPrefix+"PQC_API_KEY"))
	setIf(&cfg.Secrets.S3AccessKey, getenv(envPrefix+"S3_ACCESS_KEY"))
	setIf(&cfg.Secrets.S3SecretKey, getenv(envPrefix+"S3_SECRET_KEY"))
	if v := getenv(envPrefix + "PQC_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fileConfig{}, fmt.Errorf("%sPQC_FALLBACK: %w", envPrefix, err)
		}
		cfg.PQC.FallbackToClassical = b
	}

	return cfg, cfg.validate()
}

func (c fileConfig) validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.PQC.Transport {
	case "none":
	case "http":
		if c.PQC.URL == "" {
			return errors.New("pqc.url is required for the http transport")
		}
	case "grpc":
		if c.PQC.GRPCTarget == "" {
			return errors.New("pqc.grpc_target is required for the grpc transport")
		}
	default:
		return fmt.Errorf("unknown pqc transport %q", c.PQC.Transport)
	}
	switch c.Secrets.Backend {
	case "memory":
	case "s3":
		if c.Secrets.S3Bucket == "" {
			return errors.New("secrets.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown secrets backend %q", c.Secrets.Backend)
	}
	switch c.Flags.Source {
	case "static":
	case "redis":
		if c.Store.Driver != "redis" {
			return errors.New("redis feature flags require the redis store")
		}
	default:
		return fmt.Errorf("unknown flag source %q", c.Flags.Source)
	}
	if c.PQC.MaxFallbacksPerDay > 0 && c.Store.Driver != "redis" {
		return errors.New("pqc.max_fallbacks_per_day requires the redis store")
	}
	return nil
}

// engineConfig maps the file config onto the engine config. Key files are
// read here so Validate sees the final key material.
func (c fileConfig) engineConfig(readFile func(string) ([]byte, error)) (hybridauth.Config, error) {
	cfg := hybridauth.DefaultConfig()

	cfg.JWT.SigningMethod = strings.ToLower(c.JWT.SigningMethod)
	cfg.JWT.Issuer = c.JWT.Issuer
	cfg.JWT.Audience = c.JWT.Audience
	cfg.JWT.AccessTTL = c.JWT.AccessTTL
	cfg.JWT.RefreshTTL = c.JWT.RefreshTTL
	switch cfg.JWT.SigningMethod {
	case "hs256":
		cfg.JWT.PrivateKey = []byte(c.JWT.Secret)
	case "ed25519":
		priv, err := readFile(c.JWT.PrivateKeyFile)
		if err != nil {
			return hybridauth.Config{}, fmt.Errorf("read jwt private key: %w", err)
		}
		pub, err := readFile(c.JWT.PublicKeyFile)
		if err != nil {
			return hybridauth.Config{}, fmt.Errorf("read jwt public key: %w", err)
		}
		cfg.JWT.PrivateKey, cfg.JWT.PublicKey = priv, pub
	}

	cfg.Lockout.Enabled = c.Lockout.Enabled
	cfg.Lockout.Threshold = c.Lockout.Threshold
	cfg.Lockout.Duration = c.Lockout.Duration

	mode, err := hybridauth.ParseAuthMode(c.PQC.DefaultMode, hybridauth.ModeHybrid)
	if err != nil {
		return hybridauth.Config{}, err
	}
	cfg.PQC.DefaultMode = mode
	cfg.PQC.FlagName = c.PQC.FlagName
	cfg.PQC.Timeout = c.PQC.Timeout
	cfg.PQC.FallbackToClassical = c.PQC.FallbackToClassical
	cfg.PQC.MaxFallbacksPerUserPerDay = c.PQC.MaxFallbacksPerDay
	cfg.PQC.FailureThreshold = c.PQC.FailureThreshold
	cfg.PQC.CoolDown = c.PQC.CoolDown

	cfg.Device.TrustWindow = c.Device.TrustWindow
	cfg.Device.SpoofWindow = c.Device.SpoofWindow
	cfg.Device.RegisterOnLogin = c.Device.RegisterOnLogin
	cfg.Device.VerificationTTL = c.Device.VerificationTTL

	cfg.Audit.Enabled = c.Audit.Enabled
	cfg.Audit.BufferSize = c.Audit.BufferSize
	cfg.Audit.DropIfFull = c.Audit.DropIfFull

	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	if err := cfg.Validate(); err != nil {
		return hybridauth.Config{}, err
	}
	return cfg, nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
