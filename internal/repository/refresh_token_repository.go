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

// ErrRotationConflict reports that the compare-and-swap guard on a rotation
// commit matched zero rows: a concurrent rotation claimed a different next id
// between lookup and commit. Callers retry the whole rotation.
var ErrRotationConflict = errors.New("concurrent refresh token rotation")

// RefreshTokenRepository provides database access to the refresh-token ledger.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Store inserts a refresh-token record, ignoring conflicts. Re-granting a
// token for an id that already exists (a duplicate rotation inside the grace
// window) is a no-op rather than an error.
func (r *RefreshTokenRepository) Store(ctx context.Context, rec *models.RefreshTokenRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, subject, app_password_name, expires_at, next_id, created_at) VALUES (:id, :subject, :app_password_name, :expires_at, :next_id, :created_at) ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// Lookup returns the record for a refresh-token id.
func (r *RefreshTokenRepository) Lookup(ctx context.Context, id string) (*models.RefreshTokenRecord, error) {
	const query = `SELECT id, subject, app_password_name, expires_at, next_id, created_at FROM refresh_tokens WHERE id = $1 LIMIT 1`
	var rec models.RefreshTokenRecord
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	return &rec, nil
}

// Revoke deletes a single record and reports whether a row was affected.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string) (bool, error) {
	const query = `DELETE FROM refresh_tokens WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForSubject deletes every record belonging to a subject.
func (r *RefreshTokenRepository) RevokeAllForSubject(ctx context.Context, subject string) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE subject = $1`
	res, err := r.db.ExecContext(ctx, query, subject)
	if err != nil {
		return 0, fmt.Errorf("revoke subject refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke subject refresh tokens: %w", err)
	}
	return affected, nil
}

// CommitRotation applies a rotation in one transaction: the old record is
// shortened to its grace expiry and pointed at nextID, guarded by a
// compare-and-swap on next_id, and the successor record is inserted. The
// subject's already-expired records are swept in the same transaction.
// Returns ErrRotationConflict when a concurrent rotation committed a
// different next id first.
func (r *RefreshTokenRepository) CommitRotation(ctx context.Context, oldID string, graceExpiresAt time.Time, next *models.RefreshTokenRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	const sweep = `DELETE FROM refresh_tokens WHERE subject = $1 AND expires_at <= $2`
	if _, err := tx.ExecContext(ctx, sweep, next.Subject, now); err != nil {
		return fmt.Errorf("sweep expired refresh tokens: %w", err)
	}

	const guarded = `UPDATE refresh_tokens SET expires_at = $2, next_id = $3 WHERE id = $1 AND (next_id IS NULL OR next_id = $3)`
	res, err := tx.ExecContext(ctx, guarded, oldID, graceExpiresAt, next.ID)
	if err != nil {
		return fmt.Errorf("apply rotation grace period: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply rotation grace period: %w", err)
	}
	if affected == 0 {
		return ErrRotationConflict
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	const insert = `INSERT INTO refresh_tokens (id, subject, app_password_name, expires_at, next_id, created_at) VALUES (:id, :subject, :app_password_name, :expires_at, :next_id, :created_at) ON CONFLICT (id) DO NOTHING`
	if _, err := tx.NamedExecContext(ctx, insert, next); err != nil {
		return fmt.Errorf("store rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}
