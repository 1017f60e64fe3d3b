package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/logging"
	"github.com/MrEthical07/hybridauth/middleware"
)

const maxBodyBytes = 64 << 10

// CodeDeliverer sends a device verification code to the account owner out
// of band, for example by email.
type CodeDeliverer func(ctx context.Context, userID, deviceID, code string) error

// Options configures the HTTP surface.
type Options struct {
	// CredentialRate and CredentialBurst throttle register, login and
	// refresh per client address. Zero disables throttling.
	CredentialRate  float64
	CredentialBurst int
	// SecureCookies marks the refresh cookie Secure. Enable behind TLS.
	SecureCookies bool
	// RefreshTTL bounds the refresh cookie lifetime.
	RefreshTTL time.Duration
	// DeliverCode is required for POST /devices/verification.
	DeliverCode CodeDeliverer
	Logger      logging.Logger
}

// Server holds the handlers. Build it with New and mount Handler.
type Server struct {
	engine  *hybridauth.Engine
	opts    Options
	limiter *ipLimiter
	logger  logging.Logger
	router  *mux.Router
}

// New wires every route onto a fresh router.
func New(engine *hybridauth.Engine, opts Options) *Server {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		engine:  engine,
		opts:    opts,
		limiter: newIPLimiter(opts.CredentialRate, opts.CredentialBurst),
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the router so callers can mount extra routes, such as
// /metrics, next to the API.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.ClientContext, s.logRequests)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/register", s.throttle(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	auth.Handle("/login", s.throttle(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	auth.Handle("/refresh", s.throttle(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	auth.Handle("/logout", s.guard(s.handleLogout)).Methods(http.MethodPost)

	auth.HandleFunc("/pqc/status", s.handlePQCStatus).Methods(http.MethodGet)
	auth.HandleFunc("/pqc/health", s.handlePQCHealth).Methods(http.MethodGet)
	auth.Handle("/pqc/clear-cache", s.guard(s.handlePQCClearCache)).Methods(http.MethodPost)
	auth.Handle("/pqc/sign-token", s.guard(s.handleSignToken)).Methods(http.MethodPost)
	auth.Handle("/pqc/verify-token", s.guard(s.handleVerifyToken)).Methods(http.MethodPost)

	r.Handle("/devices", s.guard(s.handleListDevices)).Methods(http.MethodGet)
	r.Handle("/devices", s.trusted(s.handleRegisterDevice)).Methods(http.MethodPost)
	r.Handle("/devices/verification", s.guard(s.handleRequestVerification)).Methods(http.MethodPost)
	r.Handle("/devices/verify", s.guard(s.handleVerifyDevice)).Methods(http.MethodPost)

	r.Handle("/pqc/keys", s.trusted(s.handleGenerateKeys)).Methods(http.MethodPost)
}

func (s *Server) guard(fn http.HandlerFunc) http.Handler {
	return middleware.Guard(s.engine)(fn)
}

func (s *Server) trusted(fn http.HandlerFunc) http.Handler {
	return middleware.RequireTrustedDevice(s.engine)(fn)
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(middleware.ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeCodedError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
		)
	})
}

func (s *Server) log(r *http.Request) logging.Logger {
	return logging.FromContext(r.Context(), s.logger)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeCodedError(w, http.StatusBadRequest, "validation_error", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
