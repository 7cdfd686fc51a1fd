package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedverse/session-api/internal/models"
)

func newRefreshTokenRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRefreshTokenRepositoryStoreIgnoresConflict(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := &models.RefreshTokenRecord{
		ID:        "tok-1",
		Subject:   "did:example:alice",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, repo.Store(context.Background(), rec))
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepositoryLookupNotFound(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, subject, app_password_name, expires_at, next_id, created_at FROM refresh_tokens WHERE id = $1 LIMIT 1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepositoryCommitRotation(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	grace := time.Now().Add(2 * time.Hour)
	next := &models.RefreshTokenRecord{
		ID:        "tok-2",
		Subject:   "did:example:alice",
		ExpiresAt: time.Now().Add(90 * 24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM refresh_tokens WHERE subject").
		WithArgs("did:example:alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET expires_at = $2, next_id = $3 WHERE id = $1 AND (next_id IS NULL OR next_id = $3)")).
		WithArgs("tok-1", grace, "tok-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CommitRotation(context.Background(), "tok-1", grace, next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepositoryCommitRotationConflict(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	grace := time.Now().Add(2 * time.Hour)
	next := &models.RefreshTokenRecord{ID: "tok-2", Subject: "did:example:alice"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM refresh_tokens WHERE subject").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Another rotation committed a different next_id; the guard matches nothing.
	mock.ExpectExec("UPDATE refresh_tokens SET expires_at").
		WithArgs("tok-1", grace, "tok-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CommitRotation(context.Background(), "tok-1", grace, next)
	assert.ErrorIs(t, err, ErrRotationConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepositoryRevoke(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE id = $1")).
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := repo.Revoke(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, affected)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE id = $1")).
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	affected, err = repo.Revoke(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.False(t, affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepositoryRevokeAllForSubject(t *testing.T) {
	db, mock, cleanup := newRefreshTokenRepoMock(t)
	defer cleanup()
	repo := NewRefreshTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE subject = $1")).
		WithArgs("did:example:alice").
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := repo.RevokeAllForSubject(context.Background(), "did:example:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}
