package hybridauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/featureflag"
	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/secrets"
	"github.com/MrEthical07/hybridauth/store/memstore"
)

const testPassword = "correct-horse-battery"

const (
	testUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
	testIP = "203.0.113.7"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePQC is a scriptable crypto service. Calls fail with err when set and
// block for delay (or until ctx is done) first.
type fakePQC struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls atomic.Int32
	seq   atomic.Int32
}

func (f *fakePQC) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePQC) slow(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakePQC) wait(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	err, delay := f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakePQC) GenerateSessionKey(ctx context.Context, userID string, _ map[string]string) (pqc.Result, error) {
	if err := f.wait(ctx); err != nil {
		return pqc.Result{}, err
	}
	n := f.seq.Add(1)
	return pqc.Result{
		Success:   true,
		Algorithm: pqc.AlgorithmKEM,
		Session: &pqc.SessionData{
			SessionID:      fmt.Sprintf("pqc-session-%d", n),
			PublicKey:      []byte("public-" + userID),
			SecretMaterial: []byte("secret-" + userID),
		},
	}, nil
}

func (f *fakePQC) SignToken(ctx context.Context, userID string, _ map[string]any) (pqc.Result, error) {
	if err := f.wait(ctx); err != nil {
		return pqc.Result{}, err
	}
	return pqc.Result{Success: true, Token: "pqc-token-" + userID, Algorithm: pqc.AlgorithmDSA}, nil
}

func (f *fakePQC) VerifyToken(ctx context.Context, userID, token string) (pqc.Result, error) {
	if err := f.wait(ctx); err != nil {
		return pqc.Result{}, err
	}
	return pqc.Result{Success: true, Valid: token == "pqc-token-"+userID, Algorithm: pqc.AlgorithmDSA}, nil
}

func (f *fakePQC) Status(context.Context) (pqc.ServiceStatus, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return pqc.ServiceStatus{}, err
	}
	return pqc.ServiceStatus{Available: true, Algorithms: []string{pqc.AlgorithmKEM, pqc.AlgorithmDSA}, Version: "test"}, nil
}

var errServiceDown = errors.New("crypto service down")

type testHarness struct {
	engine  *Engine
	store   *memstore.Store
	clock   *testClock
	pqc     *fakePQC
	flags   *featureflag.Static
	secrets *secrets.Memory
	sink    *ChannelSink
	redis   *miniredis.Miniredis

	closeOnce sync.Once
	events    []AuditEvent
}

type harnessOption func(*harnessSettings)

type harnessSettings struct {
	redis    bool
	noClient bool
}

func withMiniredis() harnessOption {
	return func(s *harnessSettings) { s.redis = true }
}

func withoutPQCClient() harnessOption {
	return func(s *harnessSettings) { s.noClient = true }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	cfg.PQC.Timeout = 200 * time.Millisecond
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 1024
	cfg.Audit.DropIfFull = false
	return cfg
}

// newTestEngine builds an engine over memstore with a frozen clock, a fake
// crypto service and a capturing audit sink. mutate may adjust the config
// before Build; options pick optional collaborators.
func newTestEngine(t *testing.T, mutate func(*Config), opts ...harnessOption) *testHarness {
	t.Helper()

	var settings harnessSettings
	for _, o := range opts {
		o(&settings)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &testHarness{
		store:   memstore.New(),
		clock:   &testClock{now: testEpoch},
		pqc:     &fakePQC{},
		flags:   featureflag.NewStatic(nil),
		secrets: secrets.NewMemory(),
		sink:    NewChannelSink(4096),
	}

	b := New().
		WithConfig(cfg).
		WithStore(h.store).
		WithFlagEvaluator(h.flags).
		WithSecrets(h.secrets).
		WithAuditSink(h.sink).
		WithClock(h.clock.Now)
	if !settings.noClient {
		b = b.WithPQCClient(h.pqc)
	}
	if settings.redis {
		mr := miniredis.RunT(t)
		h.redis = mr
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		b = b.WithRedis(rdb)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

func (h *testHarness) register(t *testing.T, email string, usePQC bool) string {
	t.Helper()
	res, err := h.engine.Register(context.Background(), RegisterRequest{Email: email, Password: testPassword, UsePQC: usePQC})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return res.UserID
}

func (h *testHarness) login(t *testing.T, ctx context.Context, req LoginRequest) *LoginResult {
	t.Helper()
	if req.Password == "" {
		req.Password = testPassword
	}
	res, err := h.engine.Login(ctx, req)
	if err != nil {
		t.Fatalf("login %s: %v", req.Email, err)
	}
	return res
}

// auditEvents closes the engine, which drains the dispatcher, and returns
// every event the sink received. Call it once the test is done emitting.
func (h *testHarness) auditEvents() []AuditEvent {
	h.closeOnce.Do(func() {
		h.engine.Close()
		for {
			select {
			case ev := <-h.sink.Events():
				h.events = append(h.events, ev)
			default:
				return
			}
		}
	})
	return h.events
}

func (h *testHarness) eventsOfType(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, ev := range h.auditEvents() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func deviceContext(ua, ip string) context.Context {
	return WithClientIP(WithUserAgent(context.Background(), ua), ip)
}
