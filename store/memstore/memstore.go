// Package memstore is an in-memory store.CredentialStore guarded by a single
// mutex. It is used by tests, the load-test harness and single-node setups.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/hybridauth/store"
)

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	users   map[string]*store.User
	byEmail map[string]string
	devices map[string]map[string]*store.TrustedDevice
	byPrint map[string]map[string]string
}

var _ store.CredentialStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:   make(map[string]*store.User),
		byEmail: make(map[string]string),
		devices: make(map[string]map[string]*store.TrustedDevice),
		byPrint: make(map[string]map[string]string),
	}
}

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := store.NormalizeEmail(u.Email)
	if _, ok := s.byEmail[email]; ok {
		return store.ErrDuplicateEmail
	}
	cp := cloneUser(u)
	cp.Email = email
	s.users[cp.ID] = cp
	s.byEmail[email] = cp.ID
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[store.NormalizeEmail(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) RecordLoginFailure(_ context.Context, userID string, threshold int, lockUntil, now time.Time) (store.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.LockoutState{}, store.ErrNotFound
	}
	if u.LockedAt(now) {
		return store.LockoutState{FailedAttempts: u.FailedLoginAttempts, LockUntil: timePtr(*u.LockUntil)}, nil
	}

	u.LockUntil = nil
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		u.FailedLoginAttempts = 0
		u.LockUntil = timePtr(lockUntil)
		return store.LockoutState{LockUntil: timePtr(lockUntil), JustLocked: true}, nil
	}
	return store.LockoutState{FailedAttempts: u.FailedLoginAttempts}, nil
}

func (s *Store) ResetLoginFailures(_ context.Context, userID string) error {
	return s.mutateUser(userID, func(u *store.User) {
		u.FailedLoginAttempts = 0
		u.LockUntil = nil
	})
}

func (s *Store) RecordLogin(_ context.Context, userID string, at time.Time) error {
	return s.mutateUser(userID, func(u *store.User) { u.LastLoginAt = timePtr(at) })
}

func (s *Store) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return s.mutateUser(userID, func(u *store.User) { u.PasswordHash = hash })
}

func (s *Store) SetRefreshTokenHash(_ context.Context, userID, hash string) error {
	return s.mutateUser(userID, func(u *store.User) { u.RefreshTokenHash = hash })
}

func (s *Store) RotateRefreshTokenHash(_ context.Context, userID, expected, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if expected == "" || u.RefreshTokenHash != expected {
		return store.ErrRefreshHashMismatch
	}
	u.RefreshTokenHash = next
	return nil
}

func (s *Store) SetPQCKeyMaterial(_ context.Context, userID string, usePQC bool, publicKey []byte) error {
	return s.mutateUser(userID, func(u *store.User) {
		u.UsePQC = usePQC
		u.PQCPublicKey = append([]byte(nil), publicKey...)
	})
}

func (s *Store) UpsertDevice(_ context.Context, userID string, d store.TrustedDevice, spoofWindow time.Duration) (store.DeviceUpsert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return store.DeviceUpsert{}, store.ErrNotFound
	}
	if s.devices[userID] == nil {
		s.devices[userID] = make(map[string]*store.TrustedDevice)
		s.byPrint[userID] = make(map[string]string)
	}

	if id, ok := s.byPrint[userID][d.Fingerprint]; ok {
		existing := s.devices[userID][id]
		suspected := d.RegisteredAt.Sub(existing.RegisteredAt) < spoofWindow
		if suspected {
			existing.RequiresVerification = true
		}
		existing.RegisteredAt = d.RegisteredAt
		if d.LastUsed.After(existing.LastUsed) {
			existing.LastUsed = d.LastUsed
		}
		if d.DeviceName != "" {
			existing.DeviceName = d.DeviceName
		}
		if d.DeviceType != "" {
			existing.DeviceType = d.DeviceType
		}
		return store.DeviceUpsert{Device: *existing, Suspected: suspected}, nil
	}

	if d.DeviceID == "" {
		d.DeviceID = uuid.NewString()
	}
	cp := d
	s.devices[userID][cp.DeviceID] = &cp
	s.byPrint[userID][cp.Fingerprint] = cp.DeviceID
	return store.DeviceUpsert{Device: cp, Created: true}, nil
}

func (s *Store) GetDevice(_ context.Context, userID, deviceID string) (*store.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[userID][deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) FindDeviceByFingerprint(_ context.Context, userID, fingerprint string) (*store.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPrint[userID][fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.devices[userID][id]
	return &cp, nil
}

func (s *Store) ListDevices(_ context.Context, userID string) ([]store.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.TrustedDevice, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TouchDevice(_ context.Context, userID, deviceID string, at time.Time) error {
	return s.mutateDevice(userID, deviceID, func(d *store.TrustedDevice) {
		if at.After(d.LastUsed) {
			d.LastUsed = at
		}
	})
}

func (s *Store) MarkDeviceVerified(_ context.Context, userID, deviceID string, at time.Time) error {
	return s.mutateDevice(userID, deviceID, func(d *store.TrustedDevice) {
		d.RequiresVerification = false
		if at.After(d.LastUsed) {
			d.LastUsed = at
		}
	})
}

func (s *Store) mutateUser(userID string, fn func(*store.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	return nil
}

func (s *Store) mutateDevice(userID, deviceID string, fn func(*store.TrustedDevice)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[userID][deviceID]
	if !ok {
		return store.ErrNotFound
	}
	fn(d)
	return nil
}

func cloneUser(u *store.User) *store.User {
	cp := *u
	if u.LockUntil != nil {
		cp.LockUntil = timePtr(*u.LockUntil)
	}
	if u.LastLoginAt != nil {
		cp.LastLoginAt = timePtr(*u.LastLoginAt)
	}
	cp.PQCPublicKey = append([]byte(nil), u.PQCPublicKey...)
	return &cp
}

func timePtr(t time.Time) *time.Time { return &t }
