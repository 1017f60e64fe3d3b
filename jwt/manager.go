package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWS algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256.
	MethodHS256 SigningMethod = "hs256"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
	typeSigned  = "signed"
)

var (
	// ErrWrongTokenType is returned when a token of one kind is presented as another.
	ErrWrongTokenType = errors.New("jwt: wrong token type")
)

// Config defines a public type used by hybridauth APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Manager mints and parses the engine's tokens.
type Manager struct {
	config Config
	method jwt.SigningMethod
	sign   any
	verify any
}

// AccessClaims is the payload of a short-lived access token. SessionID and
// Algorithm are only set when the session was established over PQC.
type AccessClaims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	AuthMode  string `json:"mode,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Algorithm string `json:"alg_id,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. The raw token is handed to
// the client once; the server keeps only a slow hash of it.
type RefreshClaims struct {
	UserID string `json:"uid"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// PayloadClaims wraps an arbitrary caller payload signed classically.
type PayloadClaims struct {
	UserID  string         `json:"uid"`
	Payload map[string]any `json:"payload"`
	Type    string         `json:"typ"`
	jwt.RegisteredClaims
}

// AccessInput carries the values embedded in a new access token.
type AccessInput struct {
	UserID    string
	Email     string
	AuthMode  string
	SessionID string
	Algorithm string
}

// NewManager validates cfg and resolves the signing keys.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("jwt: access and refresh TTL must be positive")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("jwt: refresh TTL must exceed access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt: leeway must be within [0, 2m]")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 16 {
			return nil, errors.New("jwt: hs256 requires a secret of at least 16 bytes")
		}
		m.method = jwt.SigningMethodHS256
		m.sign, m.verify = cfg.PrivateKey, cfg.PrivateKey
	case MethodEd25519:
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		m.method = jwt.SigningMethodEdDSA
		m.sign, m.verify = priv, pub
	default:
		return nil, fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}
	return m, nil
}

// AccessTTL reports the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// CreateAccess mints an access token and returns it with its expiry.
func (m *Manager) CreateAccess(in AccessInput) (string, time.Time, error) {
	now := m.config.Now()
	exp := now.Add(m.config.AccessTTL)
	claims := AccessClaims{
		UserID:           in.UserID,
		Email:            in.Email,
		AuthMode:         in.AuthMode,
		SessionID:        in.SessionID,
		Algorithm:        in.Algorithm,
		Type:             typeAccess,
		RegisteredClaims: m.registered(in.UserID, now, exp),
	}
	token, err := m.signClaims(claims)
	return token, exp, err
}

// CreateRefresh mints a refresh token. Every call yields a distinct token
// because the jti is random.
func (m *Manager) CreateRefresh(userID string) (string, time.Time, error) {
	now := m.config.Now()
	exp := now.Add(m.config.RefreshTTL)
	claims := RefreshClaims{
		UserID:           userID,
		Type:             typeRefresh,
		RegisteredClaims: m.registered(userID, now, exp),
	}
	token, err := m.signClaims(claims)
	return token, exp, err
}

// SignPayload signs an arbitrary payload for userID. It backs classical
// signing when the PQC service cannot sign.
func (m *Manager) SignPayload(userID string, payload map[string]any) (string, error) {
	now := m.config.Now()
	return m.signClaims(PayloadClaims{
		UserID:           userID,
		Payload:          payload,
		Type:             typeSigned,
		RegisteredClaims: m.registered(userID, now, now.Add(m.config.AccessTTL)),
	})
}

// ParseAccess verifies signature, expiry, issuer and audience of an access token.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Type != typeAccess || claims.UserID == "" {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token. It does not consult storage; the
// engine still has to match the token against the stored hash.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Type != typeRefresh || claims.UserID == "" {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ParsePayload verifies a token produced by SignPayload.
func (m *Manager) ParsePayload(tokenStr string) (*PayloadClaims, error) {
	claims := &PayloadClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.Type != typeSigned {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (m *Manager) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		Issuer:    m.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if m.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return rc
}

func (m *Manager) signClaims(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	return token.SignedString(m.sign)
}

func (m *Manager) parse(tokenStr string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if m.config.KeyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != m.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}
		return m.verify, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("jwt: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: invalid ed25519 public key type")
	}
	return edKey, nil
}
