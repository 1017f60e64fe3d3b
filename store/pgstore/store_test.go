package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/hybridauth/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

func userRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "failed_login_attempts", "lock_until",
		"refresh_token_hash", "use_pqc", "pqc_public_key", "created_at", "last_login_at",
	})
}

func deviceRow(extra ...string) *sqlmock.Rows {
	cols := []string{
		"device_id", "fingerprint", "device_name", "device_type", "created_at",
		"last_used", "registered_at", "requires_verification",
	}
	return sqlmock.NewRows(append(cols, extra...))
}

func TestCreateUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`(?s)^INSERT INTO users \(id, email, password_hash`).
		WithArgs("u1", "alice@example.com", "hash", 0, nil, nil, false, sqlmock.AnyArg(), base, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateUser(context.Background(), &store.User{
		ID: "u1", Email: " Alice@Example.com", PasswordHash: "hash", CreatedAt: base,
	})
	require.NoError(t, err)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err := s.CreateUser(context.Background(), &store.User{ID: "u2", Email: "alice@example.com", CreatedAt: base})
	assert.ErrorIs(t, err, store.ErrDuplicateEmail)
}

func TestGetUserByEmail(t *testing.T) {
	s, mock := newStoreWithMock(t)

	lock := base.Add(time.Hour)
	mock.ExpectQuery(`(?s)^SELECT id, email, .* FROM users WHERE email = \$1$`).
		WithArgs("bob@example.com").
		WillReturnRows(userRow().AddRow("u1", "bob@example.com", "hash", 0, lock, "rt-hash", true, []byte{9}, base, nil))

	u, err := s.GetUserByEmail(context.Background(), "Bob@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	require.NotNil(t, u.LockUntil)
	assert.True(t, u.LockUntil.Equal(lock))
	assert.Equal(t, "rt-hash", u.RefreshTokenHash)
	assert.True(t, u.UsePQC)
	assert.Equal(t, []byte{9}, u.PQCPublicKey)
	assert.Nil(t, u.LastLoginAt)
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordLoginFailureCounts(t *testing.T) {
	s, mock := newStoreWithMock(t)
	lockUntil := base.Add(time.Hour)

	mock.ExpectQuery(`(?s)^UPDATE users SET\s+failed_login_attempts = CASE.*RETURNING failed_login_attempts, lock_until`).
		WithArgs("u1", base, 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "lock_until", "locked"}).AddRow(3, nil, false))

	st, err := s.RecordLoginFailure(context.Background(), "u1", 5, lockUntil, base)
	require.NoError(t, err)
	assert.Equal(t, 3, st.FailedAttempts)
	assert.Nil(t, st.LockUntil)
	assert.False(t, st.JustLocked)
}

func TestRecordLoginFailureTrips(t *testing.T) {
	s, mock := newStoreWithMock(t)
	lockUntil := base.Add(time.Hour)

	mock.ExpectQuery(`UPDATE users SET`).
		WithArgs("u1", base, 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "lock_until", "locked"}).AddRow(0, lockUntil, true))

	st, err := s.RecordLoginFailure(context.Background(), "u1", 5, lockUntil, base)
	require.NoError(t, err)
	assert.True(t, st.JustLocked)
	assert.Equal(t, 0, st.FailedAttempts)
	require.NotNil(t, st.LockUntil)
	assert.True(t, st.LockUntil.Equal(lockUntil))
}

func TestRecordLoginFailureUnknownUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`UPDATE users SET`).WillReturnError(sql.ErrNoRows)

	_, err := s.RecordLoginFailure(context.Background(), "missing", 5, base, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetLoginFailures(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET failed_login_attempts = 0, lock_until = NULL WHERE id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET failed_login_attempts = 0`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.ResetLoginFailures(context.Background(), "u1"))
	assert.ErrorIs(t, s.ResetLoginFailures(context.Background(), "missing"), store.ErrNotFound)
}

func TestRecordLogin(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET last_login_at = \$2 WHERE id = \$1`).
		WithArgs("u1", base).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordLogin(context.Background(), "u1", base))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshTokenHash(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE users SET refresh_token_hash = \$3\s+WHERE id = \$1 AND refresh_token_hash = \$2`).
		WithArgs("u1", "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.RotateRefreshTokenHash(ctx, "u1", "old", "new"))

	mock.ExpectExec(`UPDATE users SET refresh_token_hash = \$3`).
		WithArgs("u1", "old", "newer").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	assert.ErrorIs(t, s.RotateRefreshTokenHash(ctx, "u1", "old", "newer"), store.ErrRefreshHashMismatch)

	mock.ExpectExec(`UPDATE users SET refresh_token_hash = \$3`).
		WithArgs("ghost", "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, s.RotateRefreshTokenHash(ctx, "ghost", "old", "new"), store.ErrNotFound)
}

func TestSetRefreshTokenHashEmptyRevokes(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE users SET refresh_token_hash = \$2 WHERE id = \$1`).
		WithArgs("u1", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetRefreshTokenHash(context.Background(), "u1", ""))
}

func TestUpsertDeviceSuspected(t *testing.T) {
	s, mock := newStoreWithMock(t)
	at := base.Add(2 * time.Second)

	mock.ExpectQuery(`(?s)^INSERT INTO trusted_devices .*ON CONFLICT \(user_id, fingerprint\) DO UPDATE SET`).
		WithArgs("dev-new", "u1", "fp", "laptop", "desktop", at, at, at, at.Add(-5*time.Second)).
		WillReturnRows(deviceRow("created", "suspected").
			AddRow("dev-1", "fp", "laptop", "desktop", base, at, at, true, false, true))

	res, err := s.UpsertDevice(context.Background(), "u1", store.TrustedDevice{
		DeviceID: "dev-new", Fingerprint: "fp", DeviceName: "laptop", DeviceType: "desktop",
		CreatedAt: at, LastUsed: at, RegisteredAt: at,
	}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Suspected)
	assert.Equal(t, "dev-1", res.Device.DeviceID)
	assert.True(t, res.Device.RequiresVerification)
	assert.True(t, res.Device.CreatedAt.Equal(base))
}

func TestUpsertDeviceUnknownUser(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`INSERT INTO trusted_devices`).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

	_, err := s.UpsertDevice(context.Background(), "ghost", store.TrustedDevice{Fingerprint: "fp", RegisteredAt: base}, time.Second)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListDevicesOrdered(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM trusted_devices WHERE user_id = \$1 ORDER BY created_at`).
		WithArgs("u1").
		WillReturnRows(deviceRow().
			AddRow("d1", "fp-a", "", "", base, base, base, false).
			AddRow("d2", "fp-b", "phone", "mobile", base.Add(time.Minute), base, base, true))

	list, err := s.ListDevices(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d1", list[0].DeviceID)
	assert.Equal(t, "phone", list[1].DeviceName)
	assert.True(t, list[1].RequiresVerification)
}

func TestTouchAndVerifyDevice(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE trusted_devices SET last_used = GREATEST\(last_used, \$3\)`).
		WithArgs("u1", "d1", base).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE trusted_devices SET requires_verification = FALSE`).
		WithArgs("u1", "d1", base).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE trusted_devices SET last_used`).
		WithArgs("u1", "nope", base).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.TouchDevice(ctx, "u1", "d1", base))
	require.NoError(t, s.MarkDeviceVerified(ctx, "u1", "d1", base))
	assert.ErrorIs(t, s.TouchDevice(ctx, "u1", "nope", base), store.ErrNotFound)
}

func TestDBErrorsAreWrapped(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM trusted_devices WHERE user_id = \$1 AND device_id = \$2`).
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetDevice(context.Background(), "u1", "d1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestMigrateUsesEmbeddedFS(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	called := false
	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		called = true
		assert.Equal(t, ".", dir)
		return nil
	}
	defer func() { gooseUpContext = orig }()

	require.NoError(t, Migrate(context.Background(), db))
	assert.True(t, called)
}
