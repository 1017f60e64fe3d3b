// Package storetest holds behavioural checks shared by every
// store.CredentialStore implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/hybridauth/store"
)

// Factory returns a fresh, empty store for one sub-test.
type Factory func(t *testing.T) store.CredentialStore

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared checks against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("LockoutTransitions", func(t *testing.T) { testLockoutTransitions(t, newStore(t)) })
	t.Run("ConcurrentFailuresCompound", func(t *testing.T) { testConcurrentFailures(t, newStore(t)) })
	t.Run("RefreshRotationCAS", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("ConcurrentRotationSingleWinner", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
	t.Run("PQCKeyMaterial", func(t *testing.T) { testPQCKeyMaterial(t, newStore(t)) })
	t.Run("DeviceUpsertAndSpoofWindow", func(t *testing.T) { testDeviceUpsert(t, newStore(t)) })
	t.Run("DeviceTouchAndVerify", func(t *testing.T) { testDeviceTouch(t, newStore(t)) })
}

func seedUser(t *testing.T, s store.CredentialStore, id, email string) {
	t.Helper()
	err := s.CreateUser(context.Background(), &store.User{
		ID:           id,
		Email:        email,
		PasswordHash: "$argon2id$placeholder",
		CreatedAt:    base,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
}

func testCreateAndLookup(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "Alice@Example.com")

	if err := s.CreateUser(ctx, &store.User{ID: "u2", Email: "alice@example.com ", CreatedAt: base}); !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	u, err := s.GetUserByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.ID != "u1" || u.Email != "alice@example.com" || u.FailedLoginAttempts != 0 || u.LockUntil != nil {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := s.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound by id, got %v", err)
	}
}

func testLockoutTransitions(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "bob@example.com")
	lockUntil := base.Add(time.Hour)

	for i := 1; i <= 4; i++ {
		st, err := s.RecordLoginFailure(ctx, "u1", 5, lockUntil, base)
		if err != nil {
			t.Fatalf("RecordLoginFailure %d: %v", i, err)
		}
		if st.FailedAttempts != i || st.JustLocked || st.LockUntil != nil {
			t.Fatalf("attempt %d: unexpected state %+v", i, st)
		}
	}

	st, err := s.RecordLoginFailure(ctx, "u1", 5, lockUntil, base)
	if err != nil {
		t.Fatalf("RecordLoginFailure 5: %v", err)
	}
	if !st.JustLocked || st.FailedAttempts != 0 || st.LockUntil == nil || !st.LockUntil.Equal(lockUntil) {
		t.Fatalf("expected lock transition, got %+v", st)
	}

	st, err = s.RecordLoginFailure(ctx, "u1", 5, base.Add(2*time.Hour), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordLoginFailure while locked: %v", err)
	}
	if st.JustLocked || st.FailedAttempts != 0 || st.LockUntil == nil || !st.LockUntil.Equal(lockUntil) {
		t.Fatalf("failures while locked must not count, got %+v", st)
	}

	u, _ := s.GetUserByID(ctx, "u1")
	if !u.LockedAt(base.Add(59*time.Minute)) || u.LockedAt(base.Add(61*time.Minute)) {
		t.Fatalf("unexpected lock window: %+v", u.LockUntil)
	}

	after := base.Add(61 * time.Minute)
	st, err = s.RecordLoginFailure(ctx, "u1", 5, after.Add(time.Hour), after)
	if err != nil {
		t.Fatalf("RecordLoginFailure after expiry: %v", err)
	}
	if st.FailedAttempts != 1 || st.LockUntil != nil {
		t.Fatalf("expected fresh counting after expiry, got %+v", st)
	}

	if err := s.ResetLoginFailures(ctx, "u1"); err != nil {
		t.Fatalf("ResetLoginFailures: %v", err)
	}
	u, _ = s.GetUserByID(ctx, "u1")
	if u.FailedLoginAttempts != 0 || u.LockUntil != nil || u.LastLoginAt != nil {
		t.Fatalf("expected reset user, got %+v", u)
	}

	if err := s.RecordLogin(ctx, "u1", after); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	u, _ = s.GetUserByID(ctx, "u1")
	if u.LastLoginAt == nil || !u.LastLoginAt.Equal(after) {
		t.Fatalf("expected lastLoginAt %v, got %+v", after, u.LastLoginAt)
	}

	if _, err := s.RecordLoginFailure(ctx, "missing", 5, lockUntil, base); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentFailures(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "carol@example.com")

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		locked  int
		counted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.RecordLoginFailure(ctx, "u1", 5, base.Add(time.Hour), base)
			if err != nil {
				t.Errorf("RecordLoginFailure: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if st.JustLocked {
				locked++
			} else if st.LockUntil == nil {
				counted++
			}
		}()
	}
	wg.Wait()

	if locked != 1 {
		t.Fatalf("expected exactly one lock transition, got %d", locked)
	}
	if counted != 4 {
		t.Fatalf("expected four counted failures before the lock, got %d", counted)
	}
}

func testRefreshRotation(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "dave@example.com")

	if err := s.RotateRefreshTokenHash(ctx, "u1", "", "h1"); !errors.Is(err, store.ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch with no stored hash, got %v", err)
	}
	if err := s.SetRefreshTokenHash(ctx, "u1", "h1"); err != nil {
		t.Fatalf("SetRefreshTokenHash: %v", err)
	}
	if err := s.RotateRefreshTokenHash(ctx, "u1", "h1", "h2"); err != nil {
		t.Fatalf("RotateRefreshTokenHash: %v", err)
	}
	if err := s.RotateRefreshTokenHash(ctx, "u1", "h1", "h3"); !errors.Is(err, store.ErrRefreshHashMismatch) {
		t.Fatalf("expected replayed rotation to fail, got %v", err)
	}
	u, _ := s.GetUserByID(ctx, "u1")
	if u.RefreshTokenHash != "h2" {
		t.Fatalf("expected h2 stored, got %q", u.RefreshTokenHash)
	}

	if err := s.SetRefreshTokenHash(ctx, "u1", ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.RotateRefreshTokenHash(ctx, "u1", "h2", "h4"); !errors.Is(err, store.ErrRefreshHashMismatch) {
		t.Fatalf("expected revoked hash to reject rotation, got %v", err)
	}
	if err := s.RotateRefreshTokenHash(ctx, "missing", "a", "b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentRotation(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "erin@example.com")
	if err := s.SetRefreshTokenHash(ctx, "u1", "start"); err != nil {
		t.Fatalf("SetRefreshTokenHash: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.RotateRefreshTokenHash(ctx, "u1", "start", "next")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if !errors.Is(err, store.ErrRefreshHashMismatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", success)
	}
}

func testPQCKeyMaterial(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "frank@example.com")

	if err := s.SetPQCKeyMaterial(ctx, "u1", true, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetPQCKeyMaterial: %v", err)
	}
	if err := s.UpdatePasswordHash(ctx, "u1", "$argon2id$new"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	u, err := s.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !u.UsePQC || string(u.PQCPublicKey) != string([]byte{1, 2, 3}) || u.PasswordHash != "$argon2id$new" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := s.SetPQCKeyMaterial(ctx, "missing", true, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func newDevice(fp string, at time.Time) store.TrustedDevice {
	return store.TrustedDevice{
		Fingerprint:  fp,
		DeviceName:   "laptop",
		DeviceType:   "desktop",
		CreatedAt:    at,
		LastUsed:     at,
		RegisteredAt: at,
	}
}

func testDeviceUpsert(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "grace@example.com")
	window := 5 * time.Second

	first, err := s.UpsertDevice(ctx, "u1", newDevice("fp-a", base), window)
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if !first.Created || first.Suspected || first.Device.DeviceID == "" || first.Device.RequiresVerification {
		t.Fatalf("unexpected first registration: %+v", first)
	}

	outside, err := s.UpsertDevice(ctx, "u1", newDevice("fp-a", base.Add(10*time.Second)), window)
	if err != nil {
		t.Fatalf("UpsertDevice outside window: %v", err)
	}
	if outside.Created || outside.Suspected || outside.Device.DeviceID != first.Device.DeviceID {
		t.Fatalf("expected plain re-registration, got %+v", outside)
	}

	dup, err := s.UpsertDevice(ctx, "u1", newDevice("fp-a", base.Add(12*time.Second)), window)
	if err != nil {
		t.Fatalf("UpsertDevice duplicate: %v", err)
	}
	if !dup.Suspected || !dup.Device.RequiresVerification || dup.Device.DeviceID != first.Device.DeviceID {
		t.Fatalf("expected suspected duplicate, got %+v", dup)
	}
	if !dup.Device.CreatedAt.Equal(base) {
		t.Fatalf("creation time must survive re-registration, got %v", dup.Device.CreatedAt)
	}

	second, err := s.UpsertDevice(ctx, "u1", newDevice("fp-b", base.Add(time.Minute)), window)
	if err != nil {
		t.Fatalf("UpsertDevice second: %v", err)
	}
	if !second.Created || second.Device.DeviceID == first.Device.DeviceID {
		t.Fatalf("expected new device, got %+v", second)
	}

	list, err := s.ListDevices(ctx, "u1")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 2 || list[0].Fingerprint != "fp-a" || list[1].Fingerprint != "fp-b" {
		t.Fatalf("unexpected device list: %+v", list)
	}

	found, err := s.FindDeviceByFingerprint(ctx, "u1", "fp-b")
	if err != nil || found.DeviceID != second.Device.DeviceID {
		t.Fatalf("FindDeviceByFingerprint: %+v err=%v", found, err)
	}
	if _, err := s.FindDeviceByFingerprint(ctx, "u1", "fp-z"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpsertDevice(ctx, "missing", newDevice("fp", base), window); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func testDeviceTouch(t *testing.T, s store.CredentialStore) {
	ctx := context.Background()
	seedUser(t, s, "u1", "heidi@example.com")

	res, err := s.UpsertDevice(ctx, "u1", newDevice("fp-a", base), 5*time.Second)
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if _, err := s.UpsertDevice(ctx, "u1", newDevice("fp-a", base.Add(time.Second)), 5*time.Second); err != nil {
		t.Fatalf("UpsertDevice dup: %v", err)
	}
	id := res.Device.DeviceID

	later := base.Add(24 * time.Hour)
	if err := s.TouchDevice(ctx, "u1", id, later); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	if err := s.TouchDevice(ctx, "u1", id, base); err != nil {
		t.Fatalf("TouchDevice backwards: %v", err)
	}
	d, err := s.GetDevice(ctx, "u1", id)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if !d.LastUsed.Equal(later) || !d.RequiresVerification {
		t.Fatalf("unexpected device after touch: %+v", d)
	}

	verifiedAt := later.Add(time.Hour)
	if err := s.MarkDeviceVerified(ctx, "u1", id, verifiedAt); err != nil {
		t.Fatalf("MarkDeviceVerified: %v", err)
	}
	d, _ = s.GetDevice(ctx, "u1", id)
	if d.RequiresVerification || !d.LastUsed.Equal(verifiedAt) {
		t.Fatalf("unexpected device after verify: %+v", d)
	}

	if err := s.TouchDevice(ctx, "u1", "missing", later); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
