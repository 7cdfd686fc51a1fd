package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fedverse/session-api/internal/models"
)

// ErrRefreshTokenReused reports that a refresh-token value about to be
// installed already appears in the reuse ledger. This is terminal for the
// operation; it is never retried.
var ErrRefreshTokenReused = errors.New("refresh token value already used")

// OAuthTokenRepository provides database access to OAuth token records and
// the used-refresh-token reuse ledger.
type OAuthTokenRepository struct {
	db *sqlx.DB
}

// NewOAuthTokenRepository creates a new instance of OAuthTokenRepository.
func NewOAuthTokenRepository(db *sqlx.DB) *OAuthTokenRepository {
	return &OAuthTokenRepository{db: db}
}

// Create inserts a new token record, rejecting refresh-token values that the
// reuse ledger has already seen.
func (r *OAuthTokenRepository) Create(ctx context.Context, rec *models.OAuthTokenRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var used int
	const countQuery = `SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1`
	if err := tx.GetContext(ctx, &used, countQuery, rec.CurrentRefreshToken); err != nil {
		return fmt.Errorf("count used refresh tokens: %w", err)
	}
	if used > 0 {
		return ErrRefreshTokenReused
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	const insert = `INSERT INTO oauth_tokens (token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at) VALUES (:token_id, :subject, :client_id, :device_id, :parameters, :code, :current_refresh_token, :expires_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, rec); err != nil {
		return fmt.Errorf("create oauth token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create token: %w", err)
	}
	return nil
}

// FindByTokenID returns a token record by its public token id.
func (r *OAuthTokenRepository) FindByTokenID(ctx context.Context, tokenID string) (*models.OAuthTokenRecord, error) {
	const query = `SELECT id, token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at FROM oauth_tokens WHERE token_id = $1 LIMIT 1`
	var rec models.OAuthTokenRecord
	if err := r.db.GetContext(ctx, &rec, query, tokenID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find oauth token: %w", err)
	}
	return &rec, nil
}

// FindByRefreshToken resolves a presented refresh-token value to its owning
// record. The reuse ledger is consulted first: a hit there means the value
// was already consumed by a rotation, which the second return value reports
// so the caller can treat the chain as potentially compromised.
func (r *OAuthTokenRepository) FindByRefreshToken(ctx context.Context, value string) (*models.OAuthTokenRecord, bool, error) {
	var ownerRowID int64
	const usedQuery = `SELECT token_id FROM used_refresh_tokens WHERE refresh_token = $1 LIMIT 1`
	err := r.db.GetContext(ctx, &ownerRowID, usedQuery, value)
	switch {
	case err == nil:
		rec, findErr := r.findByRowID(ctx, ownerRowID)
		if findErr != nil {
			return nil, false, findErr
		}
		return rec, true, nil
	case err == sql.ErrNoRows:
		// not consumed yet; fall through to the live lookup
	default:
		return nil, false, fmt.Errorf("find used refresh token: %w", err)
	}

	const liveQuery = `SELECT id, token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at FROM oauth_tokens WHERE current_refresh_token = $1 LIMIT 1`
	var rec models.OAuthTokenRecord
	if err := r.db.GetContext(ctx, &rec, liveQuery, value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("find oauth token by refresh token: %w", err)
	}
	return &rec, false, nil
}

func (r *OAuthTokenRepository) findByRowID(ctx context.Context, rowID int64) (*models.OAuthTokenRecord, error) {
	const query = `SELECT id, token_id, subject, client_id, device_id, parameters, code, current_refresh_token, expires_at, created_at, updated_at FROM oauth_tokens WHERE id = $1 LIMIT 1`
	var rec models.OAuthTokenRecord
	if err := r.db.GetContext(ctx, &rec, query, rowID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find oauth token by row id: %w", err)
	}
	return &rec, nil
}

// Rotate exchanges the record's current refresh token in one transaction:
// the consumed value is added to the reuse ledger (duplicate insert is a
// no-op), the brand-new value is rejected if the ledger already contains it,
// and the record is re-keyed under a fresh token id.
func (r *OAuthTokenRepository) Rotate(ctx context.Context, rowID int64, newTokenID, newRefreshToken string, expiresAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate token: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current struct {
		ID                  int64  `db:"id"`
		CurrentRefreshToken string `db:"current_refresh_token"`
	}
	const lockQuery = `SELECT id, current_refresh_token FROM oauth_tokens WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &current, lockQuery, rowID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock oauth token: %w", err)
	}

	const markUsed = `INSERT INTO used_refresh_tokens (token_id, refresh_token) VALUES ($1, $2) ON CONFLICT (refresh_token) DO NOTHING`
	if _, err := tx.ExecContext(ctx, markUsed, current.ID, current.CurrentRefreshToken); err != nil {
		return fmt.Errorf("record used refresh token: %w", err)
	}

	var used int
	const countQuery = `SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1`
	if err := tx.GetContext(ctx, &used, countQuery, newRefreshToken); err != nil {
		return fmt.Errorf("count used refresh tokens: %w", err)
	}
	if used > 0 {
		return ErrRefreshTokenReused
	}

	const rotate = `UPDATE oauth_tokens SET token_id = $2, current_refresh_token = $3, expires_at = $4, updated_at = $5 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, rotate, rowID, newTokenID, newRefreshToken, expiresAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("rotate oauth token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate token: %w", err)
	}
	return nil
}

// CountUses reports how many times a refresh-token value appears in the
// reuse ledger. A non-zero count for a presented value signals replay.
func (r *OAuthTokenRepository) CountUses(ctx context.Context, refreshToken string) (int, error) {
	const query = `SELECT COUNT(*) FROM used_refresh_tokens WHERE refresh_token = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, refreshToken); err != nil {
		return 0, fmt.Errorf("count refresh token uses: %w", err)
	}
	return count, nil
}

// DeleteByRowID removes a token record. The used_refresh_tokens rows cascade.
func (r *OAuthTokenRepository) DeleteByRowID(ctx context.Context, rowID int64) error {
	const query = `DELETE FROM oauth_tokens WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, rowID); err != nil {
		return fmt.Errorf("delete oauth token: %w", err)
	}
	return nil
}

// DeleteBySubject removes every token record for a subject.
func (r *OAuthTokenRepository) DeleteBySubject(ctx context.Context, subject string) error {
	const query = `DELETE FROM oauth_tokens WHERE subject = $1`
	if _, err := r.db.ExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("delete subject oauth tokens: %w", err)
	}
	return nil
}
