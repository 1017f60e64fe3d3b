package hybridauth

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsIncrement(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		m := NewMetrics(MetricsConfig{Enabled: enabled})
		m.Inc(MetricAccountLocked)
		m.Inc(MetricAccountLocked)
		m.Inc(metricIDCount)

		want := uint64(0)
		if enabled {
			want = 2
		}
		if got := m.Value(MetricAccountLocked); got != want {
			t.Fatalf("enabled=%v: account locked = %d, want %d", enabled, got, want)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLogout)
	if nilMetrics.Value(MetricLogout) != 0 || nilMetrics.Enabled() {
		t.Fatal("nil metrics must be inert")
	}
}

func TestMetricsConcurrentFallbacks(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers, each = 16, 2500
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				m.Inc(MetricPQCFallbackUsed)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricPQCFallbackUsed); got != workers*each {
		t.Fatalf("fallbacks = %d, want %d", got, workers*each)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	// One sample on each upper bound, plus one past the last.
	for _, ms := range []int{5, 10, 25, 50, 100, 250, 500, 1200} {
		m.Observe(MetricLoginLatency, time.Duration(ms)*time.Millisecond)
	}
	// Only login latency is bucketed.
	m.Observe(MetricRefreshSuccess, time.Millisecond)

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricLoginLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotWithoutHistograms(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricDeviceSpoofSuspected)
	m.Observe(MetricLoginLatency, 2*time.Millisecond)

	snap := m.Snapshot()
	if snap.Counters[MetricDeviceSpoofSuspected] != 1 {
		t.Fatalf("spoof suspected = %d, want 1", snap.Counters[MetricDeviceSpoofSuspected])
	}
	if len(snap.Counters) != int(metricIDCount) {
		t.Fatalf("snapshot has %d counters, want %d", len(snap.Counters), metricIDCount)
	}
	if _, ok := snap.Histograms[MetricLoginLatency]; ok {
		t.Fatal("histogram reported while latency histograms are off")
	}
}

func TestLoginRecordsLatencyAndCounters(t *testing.T) {
	h := newTestEngine(t, func(cfg *Config) {
		cfg.Metrics.EnableLatencyHistograms = true
	})
	h.register(t, "alice@example.com", false)

	if _, err := h.engine.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: testPassword}); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	_, _ = h.engine.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "wrong-password"})

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 || snap.Counters[MetricLoginFailure] != 1 {
		t.Fatalf("unexpected counters: success=%d failure=%d", snap.Counters[MetricLoginSuccess], snap.Counters[MetricLoginFailure])
	}
	var samples uint64
	for _, v := range snap.Histograms[MetricLoginLatency] {
		samples += v
	}
	if samples != 2 {
		t.Fatalf("expected 2 latency samples, got %d", samples)
	}
}
