package hybridauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrEthical07/hybridauth/internal/limiters"
	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/secrets"
	"github.com/MrEthical07/hybridauth/store"
)

// establishPQCSession requests a PQC session for a login. On failure it
// applies the fallback policy: either result stays classical and a
// CRYPTO_FALLBACK_USED event is emitted, or ErrPQCServiceUnavailable fails
// the login.
func (e *Engine) establishPQCSession(ctx context.Context, user *store.User, result *LoginResult) error {
	res, err := e.broker.GenerateSessionKey(ctx, user.ID, map[string]string{
		"email":     user.Email,
		"auth_mode": string(result.AuthMode),
	})
	if err != nil {
		if ferr := e.degradeToClassical(ctx, err, pqc.OpGenerateSessionKey, user.ID); ferr != nil {
			return ferr
		}
		result.Algorithm = pqc.AlgorithmClassical
		result.FallbackUsed = true
		return nil
	}

	result.SessionID = res.Session.SessionID
	result.Algorithm = res.Session.Algorithm
	e.metricInc(MetricPQCSessionEstablished)
	e.emitAudit(ctx, auditEventPQCSessionEstablished, true, user.ID, result.SessionID, "", nil, func() map[string]string {
		return map[string]string{
			"algorithm":       res.Session.Algorithm,
			"public_key_hash": res.Session.PublicKeyHash,
		}
	})
	return nil
}

// degradeToClassical decides whether a failed PQC call may continue on the
// classical path. It returns nil when the caller should fall back, after
// emitting exactly one CRYPTO_FALLBACK_USED event.
func (e *Engine) degradeToClassical(ctx context.Context, cause error, op pqc.Operation, userID string) error {
	if !pqc.Fallbackable(cause) {
		return fmt.Errorf("%w: %w", ErrPQCServiceUnavailable, cause)
	}
	if !e.config.PQC.FallbackToClassical {
		return e.pqcUnavailable(ctx, cause, op, userID)
	}

	now := e.now()
	if err := e.fallbackBudget.Consume(ctx, userID, now); err != nil {
		if errors.Is(err, limiters.ErrFallbackBudgetExhausted) {
			e.metricInc(MetricPQCFallbackBudgetExhausted)
			used, uerr := e.fallbackBudget.Used(ctx, userID, now)
			e.emitAudit(ctx, auditEventPQCFallbackBudgetExhausted, false, userID, "", "", ErrPQCServiceUnavailable, func() map[string]string {
				meta := map[string]string{"operation": string(op)}
				if uerr == nil {
					meta["fallback_attempts_today"] = strconv.Itoa(used)
				}
				return meta
			})
			return fmt.Errorf("%w: %w", ErrPQCServiceUnavailable, err)
		}
		// The budget is advisory; a Redis outage must not turn a degraded
		// crypto service into a full login outage.
		e.log(ctx).Warn(ctx, "fallback budget unavailable", "user_id", userID, "error", err)
	}

	ev := pqc.NewFallbackEvent(cause, op, userID, now)
	e.metricInc(MetricPQCFallbackUsed)
	e.log(ctx).Warn(ctx, "pqc call failed, using classical fallback",
		"user_id", userID,
		"operation", ev.Operation,
		"reason", ev.FallbackReason,
		"error", cause,
	)
	e.emitAudit(ctx, AuditEventCryptoFallbackUsed, true, userID, "", "", nil, ev.Metadata)
	return nil
}

func (e *Engine) pqcUnavailable(ctx context.Context, cause error, op pqc.Operation, userID string) error {
	e.metricInc(MetricPQCUnavailable)
	e.emitAudit(ctx, auditEventPQCUnavailable, false, userID, "", "", ErrPQCServiceUnavailable, func() map[string]string {
		meta := map[string]string{"operation": string(op)}
		var f *pqc.Failure
		if errors.As(cause, &f) {
			meta["reason"] = string(f.Reason)
		}
		return meta
	})
	return fmt.Errorf("%w: %w", ErrPQCServiceUnavailable, cause)
}

func (e *Engine) onBreakerStateChange(from, to string) {
	if to == "open" {
		e.metricInc(MetricPQCCircuitOpened)
	}
	ctx := context.Background()
	e.logger.Warn(ctx, "pqc circuit breaker state change", "from", from, "to", to)
	e.emitAudit(ctx, auditEventPQCCircuitStateChange, to == "closed", "", "", "", nil, func() map[string]string {
		return map[string]string{"from": from, "to": to}
	})
}

// GeneratePQCKeys establishes a PQC key pair for userID and opts the user
// into PQC. The secret material is written to the secrets store; only the
// public material is kept on the user record. There is no classical
// fallback for key generation.
func (e *Engine) GeneratePQCKeys(ctx context.Context, userID string) (*PQCKeys, error) {
	if e == nil || e.broker == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	res, err := e.broker.GenerateSessionKey(ctx, user.ID, map[string]string{"purpose": "key_generation"})
	if err != nil {
		return nil, e.pqcUnavailable(ctx, err, pqc.OpGenerateSessionKey, user.ID)
	}
	sess := res.Session
	secretKey := secrets.PQCSessionSecretKey(user.ID)

	stored := false
	if len(sess.SecretMaterial) > 0 {
		if e.secrets == nil {
			return nil, errors.New("secrets store required to keep pqc secret material")
		}
		if err := e.secrets.Set(ctx, secretKey, sess.SecretMaterial); err != nil {
			return nil, fmt.Errorf("store pqc secret: %w", err)
		}
		stored = true
	}
	if err := e.store.SetPQCKeyMaterial(ctx, user.ID, true, sess.PublicKey); err != nil {
		if stored {
			if derr := e.secrets.Delete(ctx, secretKey); derr != nil {
				e.log(ctx).Error(ctx, "remove orphaned pqc secret", "user_id", user.ID, "error", derr)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventPQCKeysGenerated, true, user.ID, sess.SessionID, "", nil, func() map[string]string {
		return map[string]string{"algorithm": sess.Algorithm, "public_key_hash": sess.PublicKeyHash}
	})

	return &PQCKeys{
		SessionID:     sess.SessionID,
		Algorithm:     sess.Algorithm,
		PublicKeyHash: sess.PublicKeyHash,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

// SignPayload signs payload for userID with the PQC service, or with the
// classical token signer when the service is down and fallback is allowed.
func (e *Engine) SignPayload(ctx context.Context, userID string, payload map[string]any) (*SignedPayload, error) {
	if e == nil || e.broker == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}

	res, err := e.broker.SignToken(ctx, userID, payload)
	if err == nil {
		return &SignedPayload{Token: res.Token, Algorithm: res.Algorithm}, nil
	}
	if ferr := e.degradeToClassical(ctx, err, pqc.OpSignToken, userID); ferr != nil {
		return nil, ferr
	}

	token, err := e.jwtManager.SignPayload(userID, payload)
	if err != nil {
		return nil, err
	}
	return &SignedPayload{Token: token, Algorithm: pqc.AlgorithmClassical, FallbackUsed: true}, nil
}

// VerifySignedPayload verifies a token produced by SignPayload. During a
// fallback only classically signed tokens can be verified.
func (e *Engine) VerifySignedPayload(ctx context.Context, userID, token string) (*PayloadVerification, error) {
	if e == nil || e.broker == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	token = strings.TrimSpace(token)
	if strings.TrimSpace(userID) == "" || token == "" {
		return nil, fmt.Errorf("%w: user id and token required", ErrValidation)
	}

	res, err := e.broker.VerifyToken(ctx, userID, token)
	if err == nil {
		return &PayloadVerification{Valid: res.Valid, Algorithm: res.Algorithm}, nil
	}
	if ferr := e.degradeToClassical(ctx, err, pqc.OpVerifyToken, userID); ferr != nil {
		return nil, ferr
	}

	claims, perr := e.jwtManager.ParsePayload(token)
	valid := perr == nil && claims.UserID == userID
	return &PayloadVerification{Valid: valid, Algorithm: pqc.AlgorithmClassical, FallbackUsed: true}, nil
}

// PQCStatus reports breaker state, cache occupancy and the service's own
// status.
func (e *Engine) PQCStatus(ctx context.Context) PQCStatus {
	if e == nil || e.broker == nil {
		return PQCStatus{}
	}
	return e.broker.Status(ctx)
}

// ClearPQCCache drops cached PQC sessions and returns how many were removed.
func (e *Engine) ClearPQCCache() int {
	if e == nil || e.broker == nil {
		return 0
	}
	return e.broker.ClearCache()
}
