package hybridauth

import (
	"context"
	"time"

	"github.com/MrEthical07/hybridauth/featureflag"
	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/internal/stores"
	"github.com/MrEthical07/hybridauth/store"
)

// PQCClient is the RPC boundary to the external post-quantum crypto
// service. The pqcclient packages provide HTTP and gRPC implementations.
type PQCClient = pqc.Client

// PQC service payloads, re-exported for client implementations.
type (
	PQCResult        = pqc.Result
	PQCSessionData   = pqc.SessionData
	PQCServiceStatus = pqc.ServiceStatus
	PQCStatus        = pqc.Status
)

// FlagEvaluator answers whether a rollout flag is on for a user.
type FlagEvaluator = featureflag.Evaluator

// RegisterRequest is the input of Engine.Register.
type RegisterRequest struct {
	Email    string
	Password string
	UsePQC   bool
}

// RegisterResult is returned by a successful Register.
type RegisterResult struct {
	UserID   string
	Email    string
	AuthMode AuthMode
}

// LoginRequest is the input of Engine.Login. UsePQC is the per-request
// override consulted in hybrid mode.
type LoginRequest struct {
	Email      string
	Password   string
	RememberMe bool
	AuthMode   string
	UsePQC     bool
}

// UserInfo is the public view of an account.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// LoginResult is returned by a successful Login. RefreshToken is empty
// unless RememberMe was set. Algorithm is empty for classical logins,
// the service's algorithm for PQC sessions and "classical" after a fallback.
type LoginResult struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	User            UserInfo
	AuthMode        AuthMode
	Algorithm       string
	SessionID       string
	FallbackUsed    bool
	// Device is the device the login was fingerprinted to, if the request
	// carried a user agent and source address.
	Device *Device
}

// RefreshResult is returned by a successful Refresh.
type RefreshResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             UserInfo
}

// DeviceRegistration is the input of Engine.RegisterDevice.
type DeviceRegistration struct {
	UserAgent  string
	IPAddress  string
	DeviceName string
	DeviceType string
}

// Device is the public view of a trusted device.
type Device struct {
	DeviceID             string    `json:"device_id"`
	Fingerprint          string    `json:"fingerprint"`
	DeviceName           string    `json:"device_name,omitempty"`
	DeviceType           string    `json:"device_type,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastUsed             time.Time `json:"last_used"`
	RequiresVerification bool      `json:"requires_verification"`
	// SpoofingSuspected is set on the result of a registration that hit
	// the duplicate window.
	SpoofingSuspected bool `json:"spoofing_suspected,omitempty"`
}

// Device trust verdict reasons.
const (
	TrustReasonUnknown              = "unknown_device"
	TrustReasonVerificationRequired = "verification_required"
	TrustReasonExpired              = "trust_expired"
)

// DeviceTrust is the verdict of Engine.ValidateDevice.
type DeviceTrust struct {
	Trusted bool
	Device  *Device
	// Reason is set when Trusted is false.
	Reason string
}

// PQCKeys is returned by Engine.GeneratePQCKeys. Secret material goes to
// the secrets store and is never returned.
type PQCKeys struct {
	SessionID     string
	Algorithm     string
	PublicKeyHash string
	ExpiresAt     time.Time
}

// SignedPayload is returned by Engine.SignPayload.
type SignedPayload struct {
	Token        string
	Algorithm    string
	FallbackUsed bool
}

// PayloadVerification is returned by Engine.VerifySignedPayload.
type PayloadVerification struct {
	Valid        bool
	Algorithm    string
	FallbackUsed bool
}

// challengeStore keeps pending device verification codes. Both the Redis
// and the in-memory store satisfy it.
type challengeStore interface {
	Save(ctx context.Context, c *stores.DeviceChallenge, ttl time.Duration) error
	Consume(ctx context.Context, userID string, provided [32]byte, maxAttempts int, now time.Time) (*stores.DeviceChallenge, error)
}

func toDevice(d *store.TrustedDevice) *Device {
	if d == nil {
		return nil
	}
	return &Device{
		DeviceID:             d.DeviceID,
		Fingerprint:          d.Fingerprint,
		DeviceName:           d.DeviceName,
		DeviceType:           d.DeviceType,
		CreatedAt:            d.CreatedAt,
		LastUsed:             d.LastUsed,
		RequiresVerification: d.RequiresVerification,
	}
}

func toUserInfo(u *store.User) UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email}
}
