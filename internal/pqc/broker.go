package pqc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrNoClient is returned when no crypto service client is configured.
	ErrNoClient = errors.New("pqc: no crypto service configured")
	// ErrTimeout is returned when a call exceeds the broker timeout.
	ErrTimeout = errors.New("pqc: call timed out")
	// ErrCircuitOpen is returned while the breaker short-circuits calls.
	ErrCircuitOpen = errors.New("pqc: circuit open")
	// ErrServiceError wraps transport errors and unsuccessful responses.
	ErrServiceError = errors.New("pqc: service error")
	// ErrCanceled is returned when the caller's context ended first.
	// It does not count against the breaker.
	ErrCanceled = errors.New("pqc: call canceled")
)

// Reason is the machine-readable cause of a failed call. It is the
// fallbackReason of a CRYPTO_FALLBACK_USED event.
type Reason string

const (
	ReasonTimeout      Reason = "timeout"
	ReasonCircuitOpen  Reason = "circuit_open"
	ReasonServiceError Reason = "service_error"
	ReasonUnavailable  Reason = "service_unavailable"
	ReasonCanceled     Reason = "canceled"
)

// Failure describes a failed broker call.
type Failure struct {
	Op     Operation
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pqc %s failed (%s): %v", f.Op, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Config tunes the broker.
type Config struct {
	// Timeout bounds every call to the crypto service.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
	// Window is the cyclic period after which closed-state counts reset.
	Window time.Duration
	// CoolDown is how long the breaker stays open before half-opening.
	CoolDown time.Duration
	// HalfOpenProbes is the number of calls allowed through while half-open.
	HalfOpenProbes uint32
	// SessionTTL is applied when the service omits an expiry.
	SessionTTL time.Duration
	// MaxCachedSessions bounds the session cache.
	MaxCachedSessions int

	// OnStateChange is invoked on every breaker transition.
	OnStateChange func(from, to string)
	Now           func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           2 * time.Second,
		FailureThreshold:  5,
		Window:            60 * time.Second,
		CoolDown:          30 * time.Second,
		HalfOpenProbes:    1,
		SessionTTL:        time.Hour,
		MaxCachedSessions: 100,
	}
}

// Broker wraps a Client with timeout, circuit breaker and session cache.
type Broker struct {
	client Client
	cfg    Config
	cb     *gobreaker.CircuitBreaker[Result]
	cache  *sessionCache
}

// NewBroker builds a broker. A nil client yields a broker whose every call
// fails with ReasonUnavailable.
func NewBroker(client Client, cfg Config) (*Broker, error) {
	if cfg.Timeout <= 0 {
		return nil, errors.New("pqc: timeout must be > 0")
	}
	if cfg.FailureThreshold == 0 {
		return nil, errors.New("pqc: failure threshold must be > 0")
	}
	if cfg.CoolDown <= 0 {
		return nil, errors.New("pqc: cool-down must be > 0")
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.MaxCachedSessions <= 0 {
		cfg.MaxCachedSessions = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &Broker{
		client: client,
		cfg:    cfg,
		cache:  newSessionCache(cfg.MaxCachedSessions, cfg.Now),
	}
	threshold := cfg.FailureThreshold
	onChange := cfg.OnStateChange
	b.cb = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "pqc",
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCanceled)
		},
	})
	return b, nil
}

// State returns the breaker state: "closed", "open" or "half-open".
func (b *Broker) State() string {
	return b.cb.State().String()
}

// Configured reports whether a crypto service client is wired.
func (b *Broker) Configured() bool {
	return b != nil && b.client != nil
}

// GenerateSessionKey establishes a PQC session for userID. The session is
// cached without its secret material.
func (b *Broker) GenerateSessionKey(ctx context.Context, userID string, metadata map[string]string) (Result, error) {
	res, err := b.do(ctx, OpGenerateSessionKey, func(ctx context.Context) (Result, error) {
		return b.client.GenerateSessionKey(ctx, userID, metadata)
	}, requireSession)
	if err != nil {
		return Result{}, err
	}

	sd := *res.Session
	if sd.Algorithm == "" {
		sd.Algorithm = firstNonEmpty(res.Algorithm, AlgorithmKEM)
	}
	if sd.PublicKeyHash == "" {
		sd.PublicKeyHash = HashPublicKey(sd.PublicKey)
	}
	if sd.ExpiresAt.IsZero() {
		sd.ExpiresAt = b.cfg.Now().Add(b.cfg.SessionTTL)
	}
	res.Session = &sd
	res.Algorithm = sd.Algorithm

	cached := sd
	cached.SecretMaterial = nil
	b.cache.put(cached)
	return res, nil
}

// SignToken asks the service to sign payload on behalf of userID.
func (b *Broker) SignToken(ctx context.Context, userID string, payload map[string]any) (Result, error) {
	res, err := b.do(ctx, OpSignToken, func(ctx context.Context) (Result, error) {
		return b.client.SignToken(ctx, userID, payload)
	}, requireToken)
	if err != nil {
		return Result{}, err
	}
	if res.Algorithm == "" {
		res.Algorithm = AlgorithmDSA
	}
	return res, nil
}

// VerifyToken asks the service to verify a token it signed. A successful
// call may still report Valid=false.
func (b *Broker) VerifyToken(ctx context.Context, userID, token string) (Result, error) {
	res, err := b.do(ctx, OpVerifyToken, func(ctx context.Context) (Result, error) {
		return b.client.VerifyToken(ctx, userID, token)
	}, nil)
	if err != nil {
		return Result{}, err
	}
	if res.Algorithm == "" {
		res.Algorithm = AlgorithmDSA
	}
	return res, nil
}

// Status is a point-in-time view of the broker.
type Status struct {
	Configured     bool           `json:"configured"`
	Breaker        string         `json:"breaker_state"`
	CachedSessions int            `json:"cached_sessions"`
	MaxCached      int            `json:"max_cached_sessions"`
	Service        *ServiceStatus `json:"service,omitempty"`
	ServiceError   string         `json:"service_error,omitempty"`
}

// Status queries get_status under the broker timeout. It bypasses the
// breaker so health checks can observe recovery while it is open.
func (b *Broker) Status(ctx context.Context) Status {
	st := Status{
		Configured:     b.Configured(),
		Breaker:        b.State(),
		CachedSessions: b.cache.len(),
		MaxCached:      b.cfg.MaxCachedSessions,
	}
	if !st.Configured {
		st.ServiceError = ErrNoClient.Error()
		return st
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	svc, err := b.client.Status(cctx)
	if err != nil {
		st.ServiceError = err.Error()
		return st
	}
	st.Service = &svc
	return st
}

// Session returns a cached, unexpired session.
func (b *Broker) Session(sessionID string) (SessionData, bool) {
	return b.cache.get(sessionID)
}

// ClearCache drops every cached session and returns how many were removed.
func (b *Broker) ClearCache() int {
	return b.cache.clear()
}

type outcome struct {
	res Result
	err error
}

// do runs fn through the breaker. check rejects successful responses that
// lack the fields op needs; its error counts as a breaker failure.
func (b *Broker) do(ctx context.Context, op Operation, fn func(context.Context) (Result, error), check func(Result) error) (Result, error) {
	if !b.Configured() {
		return Result{}, &Failure{Op: op, Reason: ReasonUnavailable, Err: ErrNoClient}
	}
	res, err := b.cb.Execute(func() (Result, error) {
		res, err := b.invoke(ctx, fn)
		if err == nil && check != nil {
			err = check(res)
		}
		return res, err
	})
	if err != nil {
		return Result{}, classify(op, err)
	}
	return res, nil
}

func requireSession(res Result) error {
	if res.Session == nil || res.Session.SessionID == "" {
		return fmt.Errorf("%w: response missing session data", ErrServiceError)
	}
	return nil
}

func requireToken(res Result) error {
	if res.Token == "" {
		return fmt.Errorf("%w: response missing token", ErrServiceError)
	}
	return nil
}

// invoke runs fn in its own goroutine so a client that ignores ctx cannot
// hold the request past the deadline.
func (b *Broker) invoke(ctx context.Context, fn func(context.Context) (Result, error)) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := fn(cctx)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
			}
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return Result{}, fmt.Errorf("%w after %s", ErrTimeout, b.cfg.Timeout)
			}
			return Result{}, fmt.Errorf("%w: %v", ErrServiceError, o.err)
		}
		if !o.res.Success {
			msg := strings.TrimSpace(o.res.ErrorMessage)
			if msg == "" {
				msg = "unsuccessful response"
			}
			return Result{}, fmt.Errorf("%w: %s", ErrServiceError, msg)
		}
		return o.res, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, b.cfg.Timeout)
	}
}

func classify(op Operation, err error) *Failure {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Failure{Op: op, Reason: ReasonCircuitOpen, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
	case errors.Is(err, ErrTimeout):
		return &Failure{Op: op, Reason: ReasonTimeout, Err: err}
	case errors.Is(err, ErrCanceled):
		return &Failure{Op: op, Reason: ReasonCanceled, Err: err}
	default:
		return &Failure{Op: op, Reason: ReasonServiceError, Err: err}
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
