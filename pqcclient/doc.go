// Package pqcclient holds transports for the external post-quantum crypto
// service. Each sub-package implements pqc.Client:
//
//   - httpclient: JSON over HTTP
//   - grpcclient: gRPC with a JSON codec
package pqcclient

// Wire request bodies shared by both transports.

// GenerateSessionKeyRequest is the generate_session_key request body.
type GenerateSessionKeyRequest struct {
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SignTokenRequest is the sign_token request body.
type SignTokenRequest struct {
	UserID  string         `json:"user_id"`
	Payload map[string]any `json:"payload"`
}

// VerifyTokenRequest is the verify_token request body.
type VerifyTokenRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// StatusRequest is the empty get_status request body.
type StatusRequest struct{}
