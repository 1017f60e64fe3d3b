package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a user or device does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEmail is returned by CreateUser when the email is taken.
	ErrDuplicateEmail = errors.New("store: duplicate email")
	// ErrRefreshHashMismatch is returned by RotateRefreshTokenHash when the
	// stored hash is no longer the expected one.
	ErrRefreshHashMismatch = errors.New("store: refresh hash mismatch")
	// ErrUnavailable wraps transport failures of the backing store.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// User is the persisted account record.
type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	FailedLoginAttempts int
	LockUntil           *time.Time
	RefreshTokenHash    string
	UsePQC              bool
	PQCPublicKey        []byte
	CreatedAt           time.Time
	LastLoginAt         *time.Time
}

// LockedAt reports whether the account is locked at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// TrustedDevice is one entry of a user's trusted device collection.
// RegisteredAt is the time of the most recent registration of the
// fingerprint and drives the duplicate-registration window.
type TrustedDevice struct {
	DeviceID             string
	Fingerprint          string
	DeviceName           string
	DeviceType           string
	CreatedAt            time.Time
	LastUsed             time.Time
	RegisteredAt         time.Time
	RequiresVerification bool
}

// LockoutState is the outcome of RecordLoginFailure.
type LockoutState struct {
	// FailedAttempts is the counter after the update. It is zero once a lock
	// was applied.
	FailedAttempts int
	// LockUntil is set while the account is locked.
	LockUntil *time.Time
	// JustLocked is true for exactly the one failure that crossed the threshold.
	JustLocked bool
}

// DeviceUpsert is the outcome of UpsertDevice.
type DeviceUpsert struct {
	Device  TrustedDevice
	Created bool
	// Suspected is true when the same fingerprint had already been registered
	// inside the duplicate window. The stored device is then flagged for
	// re-verification.
	Suspected bool
}

// UserRepository persists accounts. Every method that changes lockout or
// refresh state must be atomic on the backing store.
type UserRepository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// RecordLoginFailure increments the failure counter. When the counter
	// reaches threshold the account is locked until lockUntil and the counter
	// resets to zero. Failures while a lock is active are not counted.
	RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil, now time.Time) (LockoutState, error)
	// ResetLoginFailures zeroes the counter and clears the lock.
	ResetLoginFailures(ctx context.Context, userID string) error
	// RecordLogin stamps lastLoginAt once a login has issued tokens.
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// SetRefreshTokenHash overwrites the stored hash. An empty hash revokes.
	SetRefreshTokenHash(ctx context.Context, userID, hash string) error
	// RotateRefreshTokenHash replaces expected with next in one compare-and-swap.
	RotateRefreshTokenHash(ctx context.Context, userID, expected, next string) error

	SetPQCKeyMaterial(ctx context.Context, userID string, usePQC bool, publicKey []byte) error
}

// DeviceRepository persists trusted devices keyed by device id with a
// per-user fingerprint index.
type DeviceRepository interface {
	// UpsertDevice registers d for userID. An existing fingerprint keeps its
	// device id and creation time; a registration within spoofWindow of the
	// previous one marks the device as requiring verification.
	UpsertDevice(ctx context.Context, userID string, d TrustedDevice, spoofWindow time.Duration) (DeviceUpsert, error)
	GetDevice(ctx context.Context, userID, deviceID string) (*TrustedDevice, error)
	FindDeviceByFingerprint(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error)
	// ListDevices returns devices ordered by creation time.
	ListDevices(ctx context.Context, userID string) ([]TrustedDevice, error)
	// TouchDevice moves lastUsed forward to at. It never moves it backwards.
	TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error
	// MarkDeviceVerified clears the verification requirement and touches the device.
	MarkDeviceVerified(ctx context.Context, userID, deviceID string, at time.Time) error
}

// CredentialStore is the persistence contract consumed by the engine.
type CredentialStore interface {
	UserRepository
	DeviceRepository
}

// NormalizeEmail lower-cases and trims an address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
