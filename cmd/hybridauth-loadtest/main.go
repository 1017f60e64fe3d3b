package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/featureflag"
	"github.com/MrEthical07/hybridauth/store/redisstore"
)

const password = "load-test-password"

// flakyPQC fails a fixed share of calls and adds a little latency, so the
// fallback path and the breaker see traffic.
type flakyPQC struct {
	failRate float64
	latency  time.Duration
	mu       sync.Mutex
	rnd      *rand.Rand
	calls    atomic.Int64
}

var errFlaky = errors.New("injected crypto service failure")

func (f *flakyPQC) call(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	fail := f.rnd.Float64() < f.failRate
	f.mu.Unlock()
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errFlaky
	}
	return nil
}

func (f *flakyPQC) GenerateSessionKey(ctx context.Context, userID string, _ map[string]string) (hybridauth.PQCResult, error) {
	if err := f.call(ctx); err != nil {
		return hybridauth.PQCResult{}, err
	}
	return hybridauth.PQCResult{
		Success:   true,
		Algorithm: "ML-KEM-768",
		Session: &hybridauth.PQCSessionData{
			SessionID: fmt.Sprintf("load-%s-%d", userID, f.calls.Load()),
			PublicKey: []byte("pk-" + userID),
		},
	}, nil
}

func (f *flakyPQC) SignToken(ctx context.Context, userID string, _ map[string]any) (hybridauth.PQCResult, error) {
	if err := f.call(ctx); err != nil {
		return hybridauth.PQCResult{}, err
	}
	return hybridauth.PQCResult{Success: true, Token: "signed-" + userID}, nil
}

func (f *flakyPQC) VerifyToken(ctx context.Context, userID, token string) (hybridauth.PQCResult, error) {
	if err := f.call(ctx); err != nil {
		return hybridauth.PQCResult{}, err
	}
	return hybridauth.PQCResult{Success: true, Valid: token == "signed-"+userID}, nil
}

func (f *flakyPQC) Status(context.Context) (hybridauth.PQCServiceStatus, error) {
	return hybridauth.PQCServiceStatus{Available: true, Version: "flaky"}, nil
}

type account struct {
	email   string
	mu      sync.Mutex
	refresh string
}

func main() {
	var (
		users       = flag.Int("users", 2000, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (login + refresh)")
		failRate    = flag.Float64("pqc-fail-rate", 0.05, "share of crypto service calls that fail")
		pqcLatency  = flag.Duration("pqc-latency", 2*time.Millisecond, "added latency per crypto service call")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "ha-load", "store key prefix")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := hybridauth.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("hybridauth-loadtest-signing-key!")
	// Cheap argon2 so the driver measures the engine, not the KDF.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.PQC.Timeout = 250 * time.Millisecond
	cfg.PQC.CoolDown = 2 * time.Second
	cfg.Device.RegisterOnLogin = false
	cfg.Metrics.EnableLatencyHistograms = true

	pqcSvc := &flakyPQC{failRate: *failRate, latency: *pqcLatency, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	engine, err := hybridauth.New().
		WithConfig(cfg).
		WithStore(redisstore.New(client, *prefix)).
		WithRedis(client).
		WithPQCClient(pqcSvc).
		WithFlagEvaluator(featureflag.NewStatic(map[string]bool{cfg.PQC.FlagName: true})).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	accounts := make([]account, *users)
	fmt.Printf("seeding %d accounts...\n", *users)
	startSeed := time.Now()
	for i := range accounts {
		accounts[i].email = fmt.Sprintf("load-%d@example.test", i)
		_, err := engine.Register(ctx, hybridauth.RegisterRequest{
			Email:    accounts[i].email,
			Password: password,
			UsePQC:   i%2 == 0,
		})
		if err != nil && !errors.Is(err, hybridauth.ErrAccountExists) {
			fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	loginStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		a := &accounts[r.Intn(len(accounts))]
		res, err := engine.Login(ctx, hybridauth.LoginRequest{Email: a.email, Password: password, RememberMe: true})
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.refresh = res.RefreshToken
		a.mu.Unlock()
		return nil
	})

	refreshStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		a := &accounts[r.Intn(len(accounts))]
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.refresh == "" {
			return nil
		}
		res, err := engine.Refresh(ctx, a.refresh)
		if err != nil {
			a.refresh = ""
			return err
		}
		a.refresh = res.RefreshToken
		return nil
	})

	snap := engine.MetricsSnapshot()
	status := engine.PQCStatus(ctx)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("refresh", refreshStats)
	fmt.Printf("pqc: calls=%d sessions=%d fallbacks=%d unavailable=%d breaker_opened=%d breaker=%s\n",
		pqcSvc.calls.Load(),
		snap.Counters[hybridauth.MetricPQCSessionEstablished],
		snap.Counters[hybridauth.MetricPQCFallbackUsed],
		snap.Counters[hybridauth.MetricPQCUnavailable],
		snap.Counters[hybridauth.MetricPQCCircuitOpened],
		status.Breaker,
	)
	fmt.Printf("refresh: reuse_detected=%d failures=%d\n",
		snap.Counters[hybridauth.MetricRefreshReuseDetected],
		snap.Counters[hybridauth.MetricRefreshFailure],
	)
}

func runPhase(ops, concurrency int, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
