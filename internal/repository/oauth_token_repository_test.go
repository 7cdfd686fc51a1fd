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

func newOAuthTokenRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func oauthTokenColumns() []string {
	return []string{"id", "token_id", "subject", "client_id", "device_id", "parameters", "code", "current_refresh_token", "expires_at", "created_at", "updated_at"}
}

func TestOAuthTokenRepositoryCreateRejectsLedgeredValue(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1")).
		WithArgs("already-used").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	rec := &models.OAuthTokenRecord{
		TokenID:             "tid-1",
		Subject:             "did:example:alice",
		ClientID:            "client-1",
		CurrentRefreshToken: "already-used",
		ExpiresAt:           time.Now().Add(time.Hour),
	}
	err := repo.Create(context.Background(), rec)
	assert.ErrorIs(t, err, ErrRefreshTokenReused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthTokenRepositoryFindByRefreshTokenConsultsLedgerFirst(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT token_id FROM used_refresh_tokens WHERE refresh_token = $1 LIMIT 1")).
		WithArgs("stolen-value").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT id, token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at FROM oauth_tokens WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(oauthTokenColumns()).
			AddRow(int64(7), "tid-7", "did:example:alice", "client-1", nil, nil, nil, "live-value", now.Add(time.Hour), now, now))

	rec, used, err := repo.FindByRefreshToken(context.Background(), "stolen-value")
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, int64(7), rec.RowID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthTokenRepositoryFindByRefreshTokenLive(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	now := time.Now()
	mock.ExpectQuery("SELECT token_id FROM used_refresh_tokens WHERE refresh_token").
		WithArgs("live-value").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at FROM oauth_tokens WHERE current_refresh_token").
		WithArgs("live-value").
		WillReturnRows(sqlmock.NewRows(oauthTokenColumns()).
			AddRow(int64(3), "tid-3", "did:example:alice", "client-1", nil, nil, nil, "live-value", now.Add(time.Hour), now, now))

	rec, used, err := repo.FindByRefreshToken(context.Background(), "live-value")
	require.NoError(t, err)
	assert.False(t, used)
	assert.Equal(t, "tid-3", rec.TokenID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthTokenRepositoryRotate(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	expiresAt := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, current_refresh_token FROM oauth_tokens WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "current_refresh_token"}).AddRow(int64(3), "old-value"))
	mock.ExpectExec("INSERT INTO used_refresh_tokens").
		WithArgs(int64(3), "old-value").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1")).
		WithArgs("new-value").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE oauth_tokens SET token_id").
		WithArgs(int64(3), "tid-new", "new-value", expiresAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Rotate(context.Background(), 3, "tid-new", "new-value", expiresAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthTokenRepositoryRotateRejectsLedgeredNewValue(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, current_refresh_token FROM oauth_tokens WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "current_refresh_token"}).AddRow(int64(3), "old-value"))
	mock.ExpectExec("INSERT INTO used_refresh_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1")).
		WithArgs("colliding-value").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), 3, "tid-new", "colliding-value", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrRefreshTokenReused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthTokenRepositoryCountUses(t *testing.T) {
	db, mock, cleanup := newOAuthTokenRepoMock(t)
	defer cleanup()
	repo := NewOAuthTokenRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1")).
		WithArgs("old-value").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountUses(context.Background(), "old-value")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
