// Package pgstore implements store.CredentialStore on PostgreSQL through
// database/sql and the pgx driver. Lockout accounting and device
// registration are single statements; refresh rotation is a conditional
// UPDATE, so row-level locking provides the required atomicity.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrEthical07/hybridauth/store"
	"github.com/MrEthical07/hybridauth/store/pgstore/migrations"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL-backed credential store.
type Store struct {
	db DBTX
}

var _ store.CredentialStore = (*Store)(nil)

// New binds a Store to db.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, failed_login_attempts, lock_until,
       refresh_token_hash, use_pqc, pqc_public_key, created_at, last_login_at`

const deviceColumns = `device_id, fingerprint, device_name, device_type, created_at,
       last_used, registered_at, requires_verification`

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	query := `INSERT INTO users (` + userColumns + `)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		store.NormalizeEmail(u.Email),
		u.PasswordHash,
		u.FailedLoginAttempts,
		nullTime(u.LockUntil),
		nullString(u.RefreshTokenHash),
		u.UsePQC,
		u.PQCPublicKey,
		u.CreatedAt,
		nullTime(u.LastLoginAt),
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return store.ErrDuplicateEmail
		}
		return dbError(err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, store.NormalizeEmail(email)))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil, now time.Time) (store.LockoutState, error) {
	query := `UPDATE users SET
           failed_login_attempts = CASE
               WHEN lock_until > $2 THEN failed_login_attempts
               WHEN failed_login_attempts + 1 >= $3 THEN 0
               ELSE failed_login_attempts + 1 END,
           lock_until = CASE
               WHEN lock_until > $2 THEN lock_until
               WHEN failed_login_attempts + 1 >= $3 THEN $4
               ELSE NULL END
         WHERE id = $1
         RETURNING failed_login_attempts, lock_until, COALESCE(lock_until = $4, FALSE)`

	var (
		state  store.LockoutState
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID, now, threshold, lockUntil).
		Scan(&state.FailedAttempts, &locked, &state.JustLocked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.LockoutState{}, store.ErrNotFound
		}
		return store.LockoutState{}, dbError(err)
	}
	state.LockUntil = timePtr(locked)
	return state, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	return s.execOne(ctx, `UPDATE users SET failed_login_attempts = 0, lock_until = NULL WHERE id = $1`, userID)
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.execOne(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
}

func (s *Store) SetRefreshTokenHash(ctx context.Context, userID, hash string) error {
	return s.execOne(ctx, `UPDATE users SET refresh_token_hash = $2 WHERE id = $1`, userID, nullString(hash))
}

func (s *Store) RotateRefreshTokenHash(ctx context.Context, userID, expected, next string) error {
	if expected == "" {
		if _, err := s.GetUserByID(ctx, userID); err != nil {
			return err
		}
		return store.ErrRefreshHashMismatch
	}

	query := `UPDATE users SET refresh_token_hash = $3
         WHERE id = $1 AND refresh_token_hash = $2`
	res, err := s.db.ExecContext(ctx, query, userID, expected, next)
	if err != nil {
		return dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return dbError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrRefreshHashMismatch
}

func (s *Store) SetPQCKeyMaterial(ctx context.Context, userID string, usePQC bool, publicKey []byte) error {
	return s.execOne(ctx, `UPDATE users SET use_pqc = $2, pqc_public_key = $3 WHERE id = $1`, userID, usePQC, publicKey)
}

func (s *Store) UpsertDevice(ctx context.Context, userID string, d store.TrustedDevice, spoofWindow time.Duration) (store.DeviceUpsert, error) {
	if d.DeviceID == "" {
		d.DeviceID = uuid.NewString()
	}
	query := `INSERT INTO trusted_devices (device_id, user_id, fingerprint, device_name, device_type,
                                      created_at, last_used, registered_at, requires_verification)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
         ON CONFLICT (user_id, fingerprint) DO UPDATE SET
           requires_verification = trusted_devices.requires_verification OR trusted_devices.registered_at > $9,
           suspected_at = CASE WHEN trusted_devices.registered_at > $9
                               THEN EXCLUDED.registered_at ELSE trusted_devices.suspected_at END,
           registered_at = EXCLUDED.registered_at,
           last_used = GREATEST(trusted_devices.last_used, EXCLUDED.last_used),
           device_name = COALESCE(NULLIF(EXCLUDED.device_name, ''), trusted_devices.device_name),
           device_type = COALESCE(NULLIF(EXCLUDED.device_type, ''), trusted_devices.device_type)
         RETURNING ` + deviceColumns + `, (xmax = 0), COALESCE(suspected_at = registered_at, FALSE)`

	var out store.DeviceUpsert
	err := s.db.QueryRowContext(ctx, query,
		d.DeviceID, userID, d.Fingerprint, d.DeviceName, d.DeviceType,
		d.CreatedAt, d.LastUsed, d.RegisteredAt,
		d.RegisteredAt.Add(-spoofWindow),
	).Scan(deviceDest(&out.Device, &out.Created, &out.Suspected)...)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return store.DeviceUpsert{}, store.ErrNotFound
		}
		return store.DeviceUpsert{}, dbError(err)
	}
	return out, nil
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*store.TrustedDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM trusted_devices WHERE user_id = $1 AND device_id = $2`
	return scanDevice(s.db.QueryRowContext(ctx, query, userID, deviceID))
}

func (s *Store) FindDeviceByFingerprint(ctx context.Context, userID, fingerprint string) (*store.TrustedDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM trusted_devices WHERE user_id = $1 AND fingerprint = $2`
	return scanDevice(s.db.QueryRowContext(ctx, query, userID, fingerprint))
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]store.TrustedDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM trusted_devices WHERE user_id = $1 ORDER BY created_at, device_id`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	out := []store.TrustedDevice{}
	for rows.Next() {
		var d store.TrustedDevice
		if err := rows.Scan(deviceDest(&d)...); err != nil {
			return nil, dbError(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return out, nil
}

func (s *Store) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	query := `UPDATE trusted_devices SET last_used = GREATEST(last_used, $3)
         WHERE user_id = $1 AND device_id = $2`
	return s.execOne(ctx, query, userID, deviceID, at)
}

func (s *Store) MarkDeviceVerified(ctx context.Context, userID, deviceID string, at time.Time) error {
	query := `UPDATE trusted_devices SET requires_verification = FALSE, last_used = GREATEST(last_used, $3)
         WHERE user_id = $1 AND device_id = $2`
	return s.execOne(ctx, query, userID, deviceID, at)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*store.User, error) {
	var (
		u         store.User
		lock      sql.NullTime
		refresh   sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FailedLoginAttempts, &lock,
		&refresh, &u.UsePQC, &u.PQCPublicKey, &u.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, dbError(err)
	}
	u.LockUntil = timePtr(lock)
	u.RefreshTokenHash = refresh.String
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func scanDevice(row *sql.Row) (*store.TrustedDevice, error) {
	var d store.TrustedDevice
	if err := row.Scan(deviceDest(&d)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, dbError(err)
	}
	return &d, nil
}

func deviceDest(d *store.TrustedDevice, extra ...any) []any {
	return append([]any{
		&d.DeviceID, &d.Fingerprint, &d.DeviceName, &d.DeviceType,
		&d.CreatedAt, &d.LastUsed, &d.RegisteredAt, &d.RequiresVerification,
	}, extra...)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func dbError(err error) error {
	return fmt.Errorf("%w: db error: %v", store.ErrUnavailable, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
