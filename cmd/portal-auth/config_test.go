package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/hybridauth"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal-auth.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(nil), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "none", cfg.PQC.Transport)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 60*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, 30*24*time.Hour, cfg.Device.TrustWindow)
	assert.True(t, cfg.PQC.FallbackToClassical)
}

func TestTOMLThenFlagsThenEnv(t *testing.T) {
	path := writeTOML(t, `
[server]
addr = ":9000"
credential_rate = 2.5

[store]
driver = "redis"
redis_addr = "redis:6379"

[jwt]
signing_method = "hs256"
secret = "from-file-secret-value-0000000000"
access_ttl = "5m"

[pqc]
transport = "http"
url = "http://pqc:8000"
timeout = "750ms"
max_fallbacks_per_day = 3

[flags]
source = "redis"

[flags.static]
pqc_authentication = true
`)

	cfg, err := loadConfig(
		[]string{"-config", path, "-addr", ":9100"},
		envMap(map[string]string{
			"PORTAL_AUTH_JWT_SECRET":   "from-env-secret-value-00000000000",
			"PORTAL_AUTH_PQC_FALLBACK": "false",
		}),
		io.Discard,
	)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "flag overrides file")
	assert.Equal(t, 2.5, cfg.Server.CredentialRate)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "from-env-secret-value-00000000000", cfg.JWT.Secret, "env overrides file")
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.PQC.Timeout)
	assert.False(t, cfg.PQC.FallbackToClassical)
	assert.True(t, cfg.Flags.Static["pqc_authentication"])

	eng, err := cfg.engineConfig(os.ReadFile)
	require.NoError(t, err)
	assert.Equal(t, "hs256", eng.JWT.SigningMethod)
	assert.Equal(t, []byte("from-env-secret-value-00000000000"), eng.JWT.PrivateKey)
	assert.Equal(t, 3, eng.PQC.MaxFallbacksPerUserPerDay)
	assert.Equal(t, hybridauth.ModeHybrid, eng.PQC.DefaultMode)
}

func TestConfigFromEnvPath(t *testing.T) {
	path := writeTOML(t, "[log]\nlevel = \"debug\"\n")
	cfg, err := loadConfig(nil, envMap(map[string]string{"PORTAL_AUTH_CONFIG": path}), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string][]string{
		"unknown store":          {"-store", "sqlite"},
		"postgres without dsn":   {"-store", "postgres"},
		"http pqc without url":   {"-pqc-transport", "http"},
		"grpc pqc without addr":  {"-pqc-transport", "grpc"},
		"unknown pqc transport":  {"-pqc-transport", "quic"},
		"s3 without bucket":      {"-secrets", "s3"},
		"unknown secret backend": {"-secrets", "vault"},
		"unknown flag":           {"-no-such-flag"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(args, envMap(nil), io.Discard)
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(nil, envMap(map[string]string{"PORTAL_AUTH_PQC_FALLBACK": "maybe"}), io.Discard)
	assert.Error(t, err)

	_, err = loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}, envMap(nil), io.Discard)
	assert.Error(t, err)
}

func TestRedisOnlyFeatures(t *testing.T) {
	redisFlags := writeTOML(t, "[flags]\nsource = \"redis\"\n")
	_, err := loadConfig([]string{"-config", redisFlags}, envMap(nil), io.Discard)
	assert.Error(t, err)

	budget := writeTOML(t, "[pqc]\nmax_fallbacks_per_day = 2\n")
	_, err = loadConfig([]string{"-config", budget}, envMap(nil), io.Discard)
	assert.Error(t, err)
}

func TestEngineConfigEd25519Keys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	files := map[string][]byte{"priv.key": priv, "pub.key": pub}
	readFile := func(name string) ([]byte, error) {
		if b, ok := files[name]; ok {
			return b, nil
		}
		return nil, errors.New("no such file")
	}

	cfg := defaultConfig()
	cfg.JWT.PrivateKeyFile = "priv.key"
	cfg.JWT.PublicKeyFile = "pub.key"

	eng, err := cfg.engineConfig(readFile)
	require.NoError(t, err)
	assert.Equal(t, []byte(priv), eng.JWT.PrivateKey)
	assert.Equal(t, []byte(pub), eng.JWT.PublicKey)

	cfg.JWT.PublicKeyFile = "missing.key"
	_, err = cfg.engineConfig(readFile)
	assert.Error(t, err)
}

func TestEngineConfigRequiresSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	_, err := cfg.engineConfig(os.ReadFile)
	assert.Error(t, err)
}

func TestCodeDeliverer(t *testing.T) {
	assert.Nil(t, codeDeliverer(serverConfig{}, nil))
	assert.NotNil(t, codeDeliverer(serverConfig{LogVerificationCodes: true}, nil))
}
