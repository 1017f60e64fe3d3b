// Package redisstore implements store.CredentialStore on Redis. Every state
// transition that must be atomic runs as a single Lua script.
//
// Key layout, with <p> the configured prefix:
//
//	<p>:email:<email>            -> user id
//	<p>:user:<id>                -> user hash
//	<p>:fp:<userID>              -> fingerprint -> device id
//	<p>:devices:<userID>         -> sorted set of device ids by creation time
//	<p>:device:<userID>:<id>     -> device hash
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/store"
)

// Store is a Redis-backed credential store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

var _ store.CredentialStore = (*Store)(nil)

// New returns a Store using prefix as key namespace. An empty prefix means "ha".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ha"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) emailKey(email string) string { return s.prefix + ":email:" + email }
func (s *Store) userKey(id string) string { return s.prefix + ":user:" + id }
func (s *Store) printKey(userID string) string { return s.prefix + ":fp:" + userID }
func (s *Store) devicesKey(userID string) string { return s.prefix + ":devices:" + userID }
func (s *Store) devicePrefix(userID string) string { return s.prefix + ":device:" + userID + ":" }
func (s *Store) deviceKey(userID, deviceID string) string {
	return s.devicePrefix(userID) + deviceID
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	email := store.NormalizeEmail(u.Email)
	args := []any{u.ID,
		"id", u.ID,
		"email", email,
		"password_hash", u.PasswordHash,
		"failed", u.FailedLoginAttempts,
		"lock_until", msOrEmpty(u.LockUntil),
		"refresh_hash", u.RefreshTokenHash,
		"use_pqc", boolField(u.UsePQC),
		"pqc_pub", u.PQCPublicKey,
		"created_at", u.CreatedAt.UnixMilli(),
		"last_login_at", msOrEmpty(u.LastLoginAt),
	}
	created, err := createUserLua.Run(ctx, s.redis, []string{s.emailKey(email), s.userKey(u.ID)}, args...).Int64()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return store.ErrDuplicateEmail
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	id, err := s.redis.Get(ctx, s.emailKey(store.NormalizeEmail(email))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	fields, err := s.redis.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeUser(fields)
}

func (s *Store) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil, now time.Time) (store.LockoutState, error) {
	res, err := recordFailureLua.Run(ctx, s.redis, []string{s.userKey(userID)},
		threshold, lockUntil.UnixMilli(), now.UnixMilli()).Int64Slice()
	if err != nil {
		return store.LockoutState{}, unavailable(err)
	}
	if len(res) != 3 {
		return store.LockoutState{}, fmt.Errorf("%w: invalid lockout script response", store.ErrUnavailable)
	}

	switch res[0] {
	case failureStatusMissing:
		return store.LockoutState{}, store.ErrNotFound
	case failureStatusLocked:
		until := time.UnixMilli(res[2]).UTC()
		return store.LockoutState{FailedAttempts: int(res[1]), LockUntil: &until}, nil
	case failureStatusTripped:
		until := time.UnixMilli(res[2]).UTC()
		return store.LockoutState{LockUntil: &until, JustLocked: true}, nil
	case failureStatusCounted:
		return store.LockoutState{FailedAttempts: int(res[1])}, nil
	default:
		return store.LockoutState{}, fmt.Errorf("%w: unknown lockout status %d", store.ErrUnavailable, res[0])
	}
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	return s.updateUser(ctx, userID, "failed", 0, "lock_until", "")
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return s.updateUser(ctx, userID, "last_login_at", at.UnixMilli())
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.updateUser(ctx, userID, "password_hash", hash)
}

func (s *Store) SetRefreshTokenHash(ctx context.Context, userID, hash string) error {
	return s.updateUser(ctx, userID, "refresh_hash", hash)
}

func (s *Store) RotateRefreshTokenHash(ctx context.Context, userID, expected, next string) error {
	status, err := rotateRefreshLua.Run(ctx, s.redis, []string{s.userKey(userID)}, expected, next).Int64()
	if err != nil {
		return unavailable(err)
	}
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusMismatch:
		return store.ErrRefreshHashMismatch
	case rotateStatusNotFound:
		return store.ErrNotFound
	default:
		return fmt.Errorf("%w: unknown rotate status %d", store.ErrUnavailable, status)
	}
}

func (s *Store) SetPQCKeyMaterial(ctx context.Context, userID string, usePQC bool, publicKey []byte) error {
	return s.updateUser(ctx, userID, "use_pqc", boolField(usePQC), "pqc_pub", publicKey)
}

func (s *Store) updateUser(ctx context.Context, userID string, pairs ...any) error {
	return s.updateIfExists(ctx, s.userKey(userID), pairs...)
}

func (s *Store) updateIfExists(ctx context.Context, key string, pairs ...any) error {
	ok, err := updateIfExistsLua.Run(ctx, s.redis, []string{key}, pairs...).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertDevice(ctx context.Context, userID string, d store.TrustedDevice, spoofWindow time.Duration) (store.DeviceUpsert, error) {
	candidate := d.DeviceID
	if candidate == "" {
		candidate = uuid.NewString()
	}
	res, err := upsertDeviceLua.Run(ctx, s.redis,
		[]string{s.userKey(userID), s.printKey(userID), s.devicesKey(userID)},
		d.Fingerprint,
		candidate,
		d.RegisteredAt.UnixMilli(),
		d.RegisteredAt.Add(-spoofWindow).UnixMilli(),
		d.DeviceName,
		d.DeviceType,
		s.devicePrefix(userID),
		d.CreatedAt.UnixMilli(),
		d.LastUsed.UnixMilli(),
	).Slice()
	if err != nil {
		return store.DeviceUpsert{}, unavailable(err)
	}
	if len(res) != 3 {
		return store.DeviceUpsert{}, fmt.Errorf("%w: invalid device script response", store.ErrUnavailable)
	}
	status, _ := res[0].(int64)
	deviceID, _ := res[1].(string)
	suspected, _ := res[2].(int64)
	if status == -1 {
		return store.DeviceUpsert{}, store.ErrNotFound
	}

	stored, err := s.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return store.DeviceUpsert{}, err
	}
	return store.DeviceUpsert{Device: *stored, Created: status == 0, Suspected: suspected == 1}, nil
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*store.TrustedDevice, error) {
	fields, err := s.redis.HGetAll(ctx, s.deviceKey(userID, deviceID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeDevice(fields)
}

func (s *Store) FindDeviceByFingerprint(ctx context.Context, userID, fingerprint string) (*store.TrustedDevice, error) {
	id, err := s.redis.HGet(ctx, s.printKey(userID), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.GetDevice(ctx, userID, id)
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]store.TrustedDevice, error) {
	ids, err := s.redis.ZRange(ctx, s.devicesKey(userID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []store.TrustedDevice{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.deviceKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	out := make([]store.TrustedDevice, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		d, err := decodeDevice(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (s *Store) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	return s.touch(ctx, userID, deviceID, at, false)
}

func (s *Store) MarkDeviceVerified(ctx context.Context, userID, deviceID string, at time.Time) error {
	return s.touch(ctx, userID, deviceID, at, true)
}

func (s *Store) touch(ctx context.Context, userID, deviceID string, at time.Time, verify bool) error {
	ok, err := touchDeviceLua.Run(ctx, s.redis, []string{s.deviceKey(userID, deviceID)}, at.UnixMilli(), boolField(verify)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	return nil
}

func decodeUser(f map[string]string) (*store.User, error) {
	failed, err := strconv.Atoi(orZero(f["failed"]))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt failure counter", store.ErrUnavailable)
	}
	created, err := parseMillis(f["created_at"])
	if err != nil {
		return nil, err
	}
	lock, err := parseOptionalMillis(f["lock_until"])
	if err != nil {
		return nil, err
	}
	lastLogin, err := parseOptionalMillis(f["last_login_at"])
	if err != nil {
		return nil, err
	}

	u := &store.User{
		ID:                  f["id"],
		Email:               f["email"],
		PasswordHash:        f["password_hash"],
		FailedLoginAttempts: failed,
		LockUntil:           lock,
		RefreshTokenHash:    f["refresh_hash"],
		UsePQC:              f["use_pqc"] == "1",
		CreatedAt:           created,
		LastLoginAt:         lastLogin,
	}
	if pub := f["pqc_pub"]; pub != "" {
		u.PQCPublicKey = []byte(pub)
	}
	return u, nil
}

func decodeDevice(f map[string]string) (*store.TrustedDevice, error) {
	created, err := parseMillis(f["created_at"])
	if err != nil {
		return nil, err
	}
	lastUsed, err := parseMillis(f["last_used"])
	if err != nil {
		return nil, err
	}
	registered, err := parseMillis(f["registered_at"])
	if err != nil {
		return nil, err
	}
	return &store.TrustedDevice{
		DeviceID:             f["device_id"],
		Fingerprint:          f["fingerprint"],
		DeviceName:           f["device_name"],
		DeviceType:           f["device_type"],
		CreatedAt:            created,
		LastUsed:             lastUsed,
		RegisteredAt:         registered,
		RequiresVerification: f["requires_verification"] == "1",
	}, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(orZero(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: corrupt timestamp %q", store.ErrUnavailable, v)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" || v == "0" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func msOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
