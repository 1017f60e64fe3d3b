package hybridauth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/hybridauth/internal/audit"
	"github.com/MrEthical07/hybridauth/internal/limiters"
	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/jwt"
	"github.com/MrEthical07/hybridauth/logging"
	"github.com/MrEthical07/hybridauth/password"
	"github.com/MrEthical07/hybridauth/secrets"
	"github.com/MrEthical07/hybridauth/store"
)

const maxEmailLength = 254

// Engine is the hybrid authentication engine. It is safe for concurrent use
// once built; all durable state lives in the credential store.
type Engine struct {
	config              Config
	store               store.CredentialStore
	passwordHash        *password.Hasher
	jwtManager          *jwt.Manager
	lockout             *limiters.LockoutGuard
	broker              *pqc.Broker
	fallbackBudget      *limiters.FallbackBudget
	verificationLimiter *limiters.DeviceVerificationLimiter
	challenges          challengeStore
	flags               FlagEvaluator
	secrets             secrets.Store
	audit               *audit.Dispatcher
	metrics             *Metrics
	logger              logging.Logger
	now                 func() time.Time
}

// Close flushes pending audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) log(ctx context.Context) logging.Logger {
	return logging.FromContext(ctx, e.logger)
}

// Register creates an account. A taken email yields ErrAccountExists.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if e == nil || e.store == nil || e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}
	email, err := e.validateCredentials(req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < e.passwordHash.MinLength() {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, e.passwordHash.MinLength())
	}

	hash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	u := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		UsePQC:       req.UsePQC,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			e.metricInc(MetricRegisterDuplicate)
			e.emitAudit(ctx, auditEventRegisterDuplicate, false, "", "", "", ErrAccountExists, nil)
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	mode := ModeClassical
	if u.UsePQC {
		mode = ModeHybrid
	}
	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, u.ID, "", "", nil, func() map[string]string {
		return map[string]string{"auth_mode": string(mode)}
	})

	return &RegisterResult{UserID: u.ID, Email: u.Email, AuthMode: mode}, nil
}

// Login authenticates email and password. The lock is checked before the
// password so a correct password never bypasses an active lock. Unknown
// emails and wrong passwords both yield ErrInvalidCredentials.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.store == nil || e.passwordHash == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	started := e.now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricLoginLatency, e.now().Sub(started))
		}
	}()

	email, err := e.validateCredentials(req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	mode, err := ParseAuthMode(req.AuthMode, e.config.PQC.DefaultMode)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.passwordHash.VerifyDummy(req.Password)
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.now()
	if locked, remaining := e.lockout.Check(user, now); locked {
		lerr := &LockedError{Until: *user.LockUntil, RemainingMinutes: limiters.RemainingMinutes(remaining)}
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, user.ID, "", "", lerr, nil)
		return nil, lerr
	}

	ok, err := e.passwordHash.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.recordLoginFailure(ctx, user, now)
	}

	if err := e.lockout.Reset(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.upgradePasswordHash(ctx, user, req.Password)

	flagEnabled := false
	if mode == ModeHybrid {
		flagEnabled = e.flags.IsEnabled(ctx, e.config.PQC.FlagName, user.ID)
	}

	result := &LoginResult{
		User:     toUserInfo(user),
		AuthMode: mode,
	}
	if SelectPQC(mode, user.UsePQC, req.UsePQC, flagEnabled) {
		if err := e.establishPQCSession(ctx, user, result); err != nil {
			return nil, err
		}
	}

	result.Device = e.registerLoginDevice(ctx, user.ID)

	access, exp, err := e.jwtManager.CreateAccess(jwt.AccessInput{
		UserID:    user.ID,
		Email:     user.Email,
		AuthMode:  string(mode),
		SessionID: result.SessionID,
		Algorithm: result.Algorithm,
	})
	if err != nil {
		return nil, err
	}
	result.AccessToken = access
	result.AccessExpiresAt = exp

	if req.RememberMe {
		refresh, _, err := e.issueRefreshToken(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh
	}

	if err := e.store.RecordLogin(ctx, user.ID, now); err != nil {
		e.log(ctx).Warn(ctx, "record last login", "user_id", user.ID, "error", err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, result.SessionID, deviceIDOf(result.Device), nil, func() map[string]string {
		meta := map[string]string{"auth_mode": string(mode)}
		if result.Algorithm != "" {
			meta["algorithm"] = result.Algorithm
		}
		if req.RememberMe {
			meta["remember_me"] = "1"
		}
		return meta
	})

	return result, nil
}

func (e *Engine) recordLoginFailure(ctx context.Context, user *store.User, now time.Time) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", "", ErrInvalidCredentials, nil)

	st, err := e.lockout.RecordFailure(ctx, user.ID, now)
	if err != nil {
		// An uncounted failure would disable the lockout, so fail closed.
		e.log(ctx).Error(ctx, "record login failure", "user_id", user.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if st.JustLocked {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, true, user.ID, "", "", nil, func() map[string]string {
			return map[string]string{"lock_until": st.LockUntil.UTC().Format(time.RFC3339)}
		})
		e.log(ctx).Warn(ctx, "account locked", "user_id", user.ID)
	}
	return ErrInvalidCredentials
}

func (e *Engine) upgradePasswordHash(ctx context.Context, user *store.User, plaintext string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.passwordHash.NeedsRehash(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		return
	}
	if err := e.store.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		e.log(ctx).Warn(ctx, "password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	e.metricInc(MetricPasswordRehashed)
}

// issueRefreshToken mints a refresh token and replaces the stored hash.
// Only the argon2id hash is persisted.
func (e *Engine) issueRefreshToken(ctx context.Context, userID string) (string, time.Time, error) {
	token, exp, err := e.jwtManager.CreateRefresh(userID)
	if err != nil {
		return "", time.Time{}, err
	}
	hash, err := e.passwordHash.Hash(token)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := e.store.SetRefreshTokenHash(ctx, userID, hash); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return token, exp, nil
}

// Refresh rotates a refresh token. The stored hash is swapped with a
// compare-and-swap, so of two concurrent calls presenting the same token at
// most one succeeds. A token that no longer matches the stored hash revokes
// the session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if e == nil || e.store == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, e.refreshFailed(ctx, "", "missing")
	}

	claims, err := e.jwtManager.ParseRefresh(refreshToken)
	if err != nil {
		return nil, e.refreshFailed(ctx, "", "malformed")
	}

	user, err := e.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.refreshFailed(ctx, claims.UserID, "unknown_user")
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user.RefreshTokenHash == "" {
		return nil, e.refreshFailed(ctx, user.ID, "revoked")
	}

	ok, err := e.passwordHash.Verify(refreshToken, user.RefreshTokenHash)
	if err != nil || !ok {
		return nil, e.refreshReused(ctx, user.ID)
	}

	next, nextExp, err := e.jwtManager.CreateRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	nextHash, err := e.passwordHash.Hash(next)
	if err != nil {
		return nil, err
	}
	if err := e.store.RotateRefreshTokenHash(ctx, user.ID, user.RefreshTokenHash, nextHash); err != nil {
		if errors.Is(err, store.ErrRefreshHashMismatch) || errors.Is(err, store.ErrNotFound) {
			return nil, e.refreshReused(ctx, user.ID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, accessExp, err := e.jwtManager.CreateAccess(jwt.AccessInput{
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.ID, "", "", nil, nil)

	return &RefreshResult{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     next,
		RefreshExpiresAt: nextExp,
		User:             toUserInfo(user),
	}, nil
}

func (e *Engine) refreshFailed(ctx context.Context, userID, reason string) error {
	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", "", ErrTokenInvalid, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return ErrTokenInvalid
}

// refreshReused handles a validly signed token that lost the rotation race
// or was already rotated. The session is invalidated.
func (e *Engine) refreshReused(ctx context.Context, userID string) error {
	e.metricInc(MetricRefreshFailure)
	e.metricInc(MetricRefreshReuseDetected)
	if err := e.store.SetRefreshTokenHash(ctx, userID, ""); err != nil {
		e.log(ctx).Error(ctx, "revoke refresh token", "user_id", userID, "error", err)
	}
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, "", "", ErrTokenInvalid, nil)
	e.log(ctx).Warn(ctx, "refresh token reuse, session revoked", "user_id", userID)
	return ErrTokenInvalid
}

// Logout revokes the user's refresh token. Access tokens stay valid until
// they expire.
func (e *Engine) Logout(ctx context.Context, userID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	if err := e.store.SetRefreshTokenHash(ctx, userID, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, userID, "", "", nil, nil)
	return nil
}

// ValidateAccess verifies an access token without touching storage.
func (e *Engine) ValidateAccess(token string) (*jwt.AccessClaims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseAccess(strings.TrimSpace(token))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (e *Engine) validateCredentials(email, plaintext string) (string, error) {
	email = store.NormalizeEmail(email)
	if email == "" || plaintext == "" {
		return "", fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	if len(email) > maxEmailLength {
		return "", fmt.Errorf("%w: email too long", ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: malformed email", ErrValidation)
	}
	return email, nil
}

func deviceIDOf(d *Device) string {
	if d == nil {
		return ""
	}
	return d.DeviceID
}
