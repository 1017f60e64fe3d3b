package hybridauth

import (
	"sync/atomic"
	"time"
)

// MetricID indexes an engine counter or histogram.
type MetricID uint16

const (
	// MetricLoginSuccess counts successful logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins rejected for bad credentials.
	MetricLoginFailure
	// MetricLoginLocked counts logins rejected by an active lock.
	MetricLoginLocked
	// MetricAccountLocked counts lock transitions.
	MetricAccountLocked
	// MetricRegisterSuccess counts created accounts.
	MetricRegisterSuccess
	// MetricRegisterDuplicate counts registrations rejected as duplicate.
	MetricRegisterDuplicate
	// MetricRefreshSuccess counts successful rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts rotated tokens presented again.
	MetricRefreshReuseDetected
	// MetricLogout counts logouts.
	MetricLogout
	// MetricPQCSessionEstablished counts PQC sessions established at login.
	MetricPQCSessionEstablished
	// MetricPQCFallbackUsed counts classical fallbacks.
	MetricPQCFallbackUsed
	// MetricPQCUnavailable counts PQC failures surfaced to the caller.
	MetricPQCUnavailable
	// MetricPQCCircuitOpened counts breaker transitions to open.
	MetricPQCCircuitOpened
	// MetricPQCFallbackBudgetExhausted counts fallbacks refused by the daily budget.
	MetricPQCFallbackBudgetExhausted
	// MetricDeviceRegistered counts device registrations.
	MetricDeviceRegistered
	// MetricDeviceSpoofSuspected counts registrations inside the spoofing window.
	MetricDeviceSpoofSuspected
	// MetricDeviceTrusted counts trusted device validations.
	MetricDeviceTrusted
	// MetricDeviceUntrusted counts untrusted device validations.
	MetricDeviceUntrusted
	// MetricDeviceVerificationRequested counts issued device verification codes.
	MetricDeviceVerificationRequested
	// MetricDeviceVerificationSuccess counts verified devices.
	MetricDeviceVerificationSuccess
	// MetricDeviceVerificationFailure counts rejected verification codes.
	MetricDeviceVerificationFailure
	// MetricPasswordRehashed counts password hashes upgraded at login.
	MetricPasswordRehashed
	// MetricLoginLatency is the login latency histogram.
	MetricLoginLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters, one cache line each, and an optional
// latency histogram for logins.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns disabled metrics unless cfg.Enabled is set.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a latency sample. Only MetricLoginLatency is bucketed.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricLoginLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricLoginLatency].buckets[i])
		}
		s.Histograms[MetricLoginLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
