package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGFindByEmailNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`select .+ from users where email=\$1`).
		WithArgs("nobody@x.test").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users(context.Background()).FindByEmail(context.Background(), "nobody@x.test")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "email", "full_name", "hashed_password", "role", "status", "expiration_date", "group_id",
	}).AddRow(int64(7), "doc@x.test", "Doc", "$2b$10$hash", "user", "active", nil, nil)
	mock.ExpectQuery(`select .+ from users where email=\$1`).
		WithArgs("doc@x.test").
		WillReturnRows(rows)

	u, err := store.Users(context.Background()).FindByEmail(context.Background(), "doc@x.test")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "user", u.Role)
	assert.Nil(t, u.GroupID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRevokeAndCloseIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rec := &RevokedToken{
		JTI:       "jti-1",
		TokenType: "refresh",
		UserID:    7,
		RevokedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into revoked_tokens`).
		WithArgs("jti-1", "refresh", int64(7), now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update user_sessions set is_active = false`).
		WithArgs("jti-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.RevokeAndClose(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRevokeAndCloseRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rec := &RevokedToken{JTI: "jti-2", TokenType: "refresh", UserID: 7, RevokedAt: now, ExpiresAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into revoked_tokens`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	require.Error(t, store.RevokeAndClose(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeleteUserCascades(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`delete from audit_logs where user_id=\$1`).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`delete from user_sessions where user_id=\$1`).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from revoked_tokens where user_id=\$1`).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from users where id=\$1`).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Users(context.Background()).Delete(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeleteUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`delete from audit_logs where user_id=\$1`).
		WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from user_sessions where user_id=\$1`).
		WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from revoked_tokens where user_id=\$1`).
		WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from users where id=\$1`).
		WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Users(context.Background()).Delete(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGPruneExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`delete from revoked_tokens where expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RevokedTokens(context.Background()).PruneExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
