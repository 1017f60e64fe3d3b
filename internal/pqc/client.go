package pqc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Operation names a call on the crypto service.
type Operation string

const (
	OpGenerateSessionKey Operation = "generate_session_key"
	OpSignToken          Operation = "sign_token"
	OpVerifyToken        Operation = "verify_token"
	OpGetStatus          Operation = "get_status"
)

const (
	// AlgorithmKEM is the key encapsulation mechanism used for session keys.
	AlgorithmKEM = "ML-KEM-768"
	// AlgorithmDSA is the signature scheme used for signed tokens.
	AlgorithmDSA = "ML-DSA-65"
	// AlgorithmClassical marks a result produced by the classical fallback.
	AlgorithmClassical = "classical"
)

// OriginalAlgorithm returns the post-quantum algorithm op would have used.
func OriginalAlgorithm(op Operation) string {
	switch op {
	case OpSignToken, OpVerifyToken:
		return AlgorithmDSA
	default:
		return AlgorithmKEM
	}
}

// SessionData is what a successful generate_session_key returns.
// SecretMaterial is opaque key material for a secrets store; the broker
// never caches it.
type SessionData struct {
	SessionID      string    `json:"session_id"`
	Algorithm      string    `json:"algorithm"`
	PublicKeyHash  string    `json:"public_key_hash"`
	PublicKey      []byte    `json:"public_key,omitempty"`
	SecretMaterial []byte    `json:"secret_material,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Result mirrors the service response envelope.
type Result struct {
	Success      bool         `json:"success"`
	Algorithm    string       `json:"algorithm,omitempty"`
	Session      *SessionData `json:"session_data,omitempty"`
	Token        string       `json:"token,omitempty"`
	Valid        bool         `json:"valid,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// ServiceStatus is the get_status response.
type ServiceStatus struct {
	Available  bool     `json:"available"`
	Algorithms []string `json:"algorithms,omitempty"`
	Version    string   `json:"version,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Client is the RPC boundary to the crypto service. Implementations must
// honour ctx cancellation; the broker enforces its deadline regardless.
type Client interface {
	GenerateSessionKey(ctx context.Context, userID string, metadata map[string]string) (Result, error)
	SignToken(ctx context.Context, userID string, payload map[string]any) (Result, error)
	VerifyToken(ctx context.Context, userID, token string) (Result, error)
	Status(ctx context.Context) (ServiceStatus, error)
}

// HashPublicKey returns the short public key reference carried in tokens:
// the first 16 hex characters of SHA-256(pub).
func HashPublicKey(pub []byte) string {
	if len(pub) == 0 {
		return ""
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}
