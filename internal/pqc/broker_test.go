package pqc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    atomic.Int32
	generate func(ctx context.Context, userID string) (Result, error)
	sign     func(ctx context.Context, userID string, payload map[string]any) (Result, error)
	verify   func(ctx context.Context, userID, token string) (Result, error)
	status   func(ctx context.Context) (ServiceStatus, error)
}

func (f *fakeClient) GenerateSessionKey(ctx context.Context, userID string, _ map[string]string) (Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.generate
	f.mu.Unlock()
	return fn(ctx, userID)
}

func (f *fakeClient) SignToken(ctx context.Context, userID string, payload map[string]any) (Result, error) {
	f.calls.Add(1)
	return f.sign(ctx, userID, payload)
}

func (f *fakeClient) VerifyToken(ctx context.Context, userID, token string) (Result, error) {
	f.calls.Add(1)
	return f.verify(ctx, userID, token)
}

func (f *fakeClient) Status(ctx context.Context) (ServiceStatus, error) {
	if f.status == nil {
		return ServiceStatus{Available: true, Algorithms: []string{AlgorithmKEM, AlgorithmDSA}}, nil
	}
	return f.status(ctx)
}

func (f *fakeClient) setGenerate(fn func(ctx context.Context, userID string) (Result, error)) {
	f.mu.Lock()
	f.generate = fn
	f.mu.Unlock()
}

func okSession(_ context.Context, userID string) (Result, error) {
	return Result{
		Success:   true,
		Algorithm: AlgorithmKEM,
		Session: &SessionData{
			SessionID:      "sess-" + userID,
			PublicKey:      []byte("public-key"),
			SecretMaterial: []byte("secret"),
		},
	}, nil
}

func failing(_ context.Context, _ string) (Result, error) {
	return Result{}, errors.New("boom")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.FailureThreshold = 3
	cfg.CoolDown = 80 * time.Millisecond
	return cfg
}

func newTestBroker(t *testing.T, c Client, cfg Config) *Broker {
	t.Helper()
	b, err := NewBroker(c, cfg)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return b
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T (%v)", err, err)
	}
	return f.Reason
}

func TestGenerateSessionKeySuccessFillsDerivedFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Now = func() time.Time { return now }
	b := newTestBroker(t, &fakeClient{generate: okSession}, cfg)

	res, err := b.GenerateSessionKey(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	if res.Algorithm != AlgorithmKEM {
		t.Fatalf("expected %s, got %s", AlgorithmKEM, res.Algorithm)
	}
	if res.Session.PublicKeyHash != HashPublicKey([]byte("public-key")) || len(res.Session.PublicKeyHash) != 16 {
		t.Fatalf("unexpected public key hash %q", res.Session.PublicKeyHash)
	}
	if !res.Session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected default session ttl, got %v", res.Session.ExpiresAt)
	}

	cached, ok := b.Session("sess-u1")
	if !ok {
		t.Fatal("expected session to be cached")
	}
	if cached.SecretMaterial != nil {
		t.Fatal("secret material must not be cached")
	}
}

func TestServiceFailureIsReported(t *testing.T) {
	b := newTestBroker(t, &fakeClient{generate: func(context.Context, string) (Result, error) {
		return Result{Success: false, ErrorMessage: "kem unavailable"}, nil
	}}, testConfig())

	_, err := b.GenerateSessionKey(context.Background(), "u1", nil)
	if reasonOf(t, err) != ReasonServiceError || !errors.Is(err, ErrServiceError) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestTimeoutDoesNotWaitForSlowClient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := newTestBroker(t, &fakeClient{generate: func(context.Context, string) (Result, error) {
		<-release // ignores ctx on purpose
		return Result{Success: true}, nil
	}}, testConfig())

	start := time.Now()
	_, err := b.GenerateSessionKey(context.Background(), "u1", nil)
	if reasonOf(t, err) != ReasonTimeout || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call blocked for %v", elapsed)
	}
}

func TestCallerCancellationDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := newTestBroker(t, &fakeClient{generate: func(ctx context.Context, _ string) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.GenerateSessionKey(ctx, "u1", nil)
	if reasonOf(t, err) != ReasonCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if Fallbackable(err) {
		t.Fatal("cancellation must not be recovered by fallback")
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed breaker, got %s", b.State())
	}
}

func TestBreakerOpensHalfOpensAndCloses(t *testing.T) {
	var transitions []string
	var mu sync.Mutex
	cfg := testConfig()
	cfg.OnStateChange = func(from, to string) {
		mu.Lock()
		transitions = append(transitions, from+"->"+to)
		mu.Unlock()
	}
	fc := &fakeClient{generate: failing}
	b := newTestBroker(t, fc, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.GenerateSessionKey(ctx, "u1", nil); reasonOf(t, err) != ReasonServiceError {
			t.Fatalf("attempt %d: expected service error, got %v", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}

	before := fc.calls.Load()
	_, err := b.GenerateSessionKey(ctx, "u1", nil)
	if reasonOf(t, err) != ReasonCircuitOpen || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if fc.calls.Load() != before {
		t.Fatal("open breaker must not call the service")
	}

	time.Sleep(cfg.CoolDown + 40*time.Millisecond)
	if b.State() != "half-open" {
		t.Fatalf("expected half-open after cool-down, got %s", b.State())
	}

	fc.setGenerate(okSession)
	if _, err := b.GenerateSessionKey(ctx, "u1", nil); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestMalformedSuccessTripsBreaker(t *testing.T) {
	fc := &fakeClient{
		generate: func(context.Context, string) (Result, error) {
			return Result{Success: true}, nil
		},
		sign: func(context.Context, string, map[string]any) (Result, error) {
			return Result{Success: true}, nil
		},
	}
	b := newTestBroker(t, fc, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.GenerateSessionKey(ctx, "u1", nil)
		if err == nil {
			t.Fatalf("attempt %d: expected failure for response without session", i)
		}
		if i < 3 && (reasonOf(t, err) != ReasonServiceError || !errors.Is(err, ErrServiceError)) {
			t.Fatalf("attempt %d: expected service error, got %v", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	if n := fc.calls.Load(); n != 3 {
		t.Fatalf("expected service to be called 3 times, got %d", n)
	}
	if b.cache.len() != 0 {
		t.Fatal("malformed response must not be cached")
	}

	tb := newTestBroker(t, fc, testConfig())
	for i := 0; i < 3; i++ {
		if _, err := tb.SignToken(ctx, "u1", map[string]any{"a": 1}); reasonOf(t, err) != ReasonServiceError {
			t.Fatalf("sign attempt %d: expected service error, got %v", i, err)
		}
	}
	if tb.State() != "open" {
		t.Fatalf("expected open breaker after tokenless signatures, got %s", tb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := newTestBroker(t, &fakeClient{generate: failing}, cfg)

	_, _ = b.GenerateSessionKey(context.Background(), "u1", nil)
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}
	time.Sleep(cfg.CoolDown + 40*time.Millisecond)
	_, _ = b.GenerateSessionKey(context.Background(), "u1", nil)
	if b.State() != "open" {
		t.Fatalf("expected re-open after failed probe, got %s", b.State())
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	fc := &fakeClient{generate: failing}
	b := newTestBroker(t, fc, testConfig())
	ctx := context.Background()

	_, _ = b.GenerateSessionKey(ctx, "u1", nil)
	_, _ = b.GenerateSessionKey(ctx, "u1", nil)
	fc.setGenerate(okSession)
	if _, err := b.GenerateSessionKey(ctx, "u1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fc.setGenerate(failing)
	_, _ = b.GenerateSessionKey(ctx, "u1", nil)
	_, _ = b.GenerateSessionKey(ctx, "u1", nil)
	if b.State() != "closed" {
		t.Fatalf("non-consecutive failures must not trip, got %s", b.State())
	}
}

func TestNoClientIsUnavailable(t *testing.T) {
	b := newTestBroker(t, nil, testConfig())
	_, err := b.SignToken(context.Background(), "u1", map[string]any{"a": 1})
	if reasonOf(t, err) != ReasonUnavailable || !errors.Is(err, ErrNoClient) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	st := b.Status(context.Background())
	if st.Configured || st.ServiceError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSignAndVerifyDefaults(t *testing.T) {
	b := newTestBroker(t, &fakeClient{
		sign: func(_ context.Context, userID string, _ map[string]any) (Result, error) {
			return Result{Success: true, Token: "signed-" + userID}, nil
		},
		verify: func(_ context.Context, _ string, token string) (Result, error) {
			return Result{Success: true, Valid: token == "signed-u1"}, nil
		},
	}, testConfig())
	ctx := context.Background()

	signed, err := b.SignToken(ctx, "u1", map[string]any{"scope": "consent"})
	if err != nil || signed.Algorithm != AlgorithmDSA {
		t.Fatalf("sign: %+v %v", signed, err)
	}
	ok, err := b.VerifyToken(ctx, "u1", signed.Token)
	if err != nil || !ok.Valid {
		t.Fatalf("verify: %+v %v", ok, err)
	}
	bad, err := b.VerifyToken(ctx, "u1", "forged")
	if err != nil || bad.Valid {
		t.Fatalf("expected invalid verification without error, got %+v %v", bad, err)
	}
}

func TestStatusAndClearCache(t *testing.T) {
	b := newTestBroker(t, &fakeClient{generate: okSession}, testConfig())
	ctx := context.Background()
	for _, u := range []string{"a", "b"} {
		if _, err := b.GenerateSessionKey(ctx, u, nil); err != nil {
			t.Fatalf("generate: %v", err)
		}
	}

	st := b.Status(ctx)
	if !st.Configured || st.Breaker != "closed" || st.CachedSessions != 2 || st.Service == nil || !st.Service.Available {
		t.Fatalf("unexpected status %+v", st)
	}
	if n := b.ClearCache(); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if b.Status(ctx).CachedSessions != 0 {
		t.Fatal("expected empty cache")
	}
}

func TestNewBrokerRejectsInvalidConfig(t *testing.T) {
	for name, mut := range map[string]func(*Config){
		"timeout":   func(c *Config) { c.Timeout = 0 },
		"threshold": func(c *Config) { c.FailureThreshold = 0 },
		"cooldown":  func(c *Config) { c.CoolDown = 0 },
	} {
		cfg := DefaultConfig()
		mut(&cfg)
		if _, err := NewBroker(nil, cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
