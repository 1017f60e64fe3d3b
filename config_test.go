package hybridauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/MrEthical07/hybridauth/store/memstore"
)

func TestDefaultConfigValidWithKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Lockout.Threshold != 5 || cfg.Lockout.Duration != 60*time.Minute {
		t.Fatalf("unexpected lockout defaults: %+v", cfg.Lockout)
	}
	if cfg.Device.TrustWindow != 30*24*time.Hour || cfg.Device.SpoofWindow != 5*time.Second {
		t.Fatalf("unexpected device defaults: %+v", cfg.Device)
	}
}

func TestDefaultConfigRequiresKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without signing keys")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"refresh not longer than access": func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL },
		"unknown signing method":         func(c *Config) { c.JWT.SigningMethod = "rs256" },
		"weak argon2 memory":             func(c *Config) { c.Password.Memory = 1024 },
		"short salt":                     func(c *Config) { c.Password.SaltLength = 8 },
		"zero lockout threshold":         func(c *Config) { c.Lockout.Threshold = 0 },
		"zero lockout duration":          func(c *Config) { c.Lockout.Duration = 0 },
		"bad default mode":               func(c *Config) { c.PQC.DefaultMode = "quantum" },
		"zero pqc timeout":               func(c *Config) { c.PQC.Timeout = 0 },
		"zero breaker threshold":         func(c *Config) { c.PQC.FailureThreshold = 0 },
		"negative fallback budget":       func(c *Config) { c.PQC.MaxFallbacksPerUserPerDay = -1 },
		"zero trust window":              func(c *Config) { c.Device.TrustWindow = 0 },
		"negative spoof window":          func(c *Config) { c.Device.SpoofWindow = -time.Second },
		"short verification code":        func(c *Config) { c.Device.VerificationCodeDigits = 4 },
		"histograms without metrics": func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.EnableLatencyHistograms = true
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBuilderClonesConfigKeys(t *testing.T) {
	cfg := testConfig()
	key := cfg.JWT.PrivateKey

	h := newTestEngine(t, nil)
	engine, err := New().WithConfig(cfg).WithStore(h.store).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()

	key[0] ^= 0xff
	if engine.config.JWT.PrivateKey[0] == key[0] {
		t.Fatal("engine shares key bytes with caller config")
	}
}

func TestBuilderRejectsSinkWhileAuditDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = false

	_, err := New().WithConfig(cfg).WithStore(memstore.New()).WithAuditSink(NewChannelSink(8)).Build()
	if err == nil {
		t.Fatal("expected Build to reject an audit sink with auditing disabled")
	}

	engine, err := New().WithConfig(cfg).WithStore(memstore.New()).Build()
	if err != nil {
		t.Fatalf("build without sink: %v", err)
	}
	engine.Close()
}

func TestBuilderSingleUse(t *testing.T) {
	h := newTestEngine(t, nil)
	b := New().WithConfig(testConfig()).WithStore(h.store)
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without store")
	}
}
