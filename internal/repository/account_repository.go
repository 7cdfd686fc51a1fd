package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/fedverse/session-api/internal/models"
)

const accountColumns = `subject, handle, email, password_hash, active, takedown_ref, service_endpoint, created_at, updated_at, deactivated_at`

// AccountRepository provides read access to accounts. Account registration
// and deletion live outside this service.
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository creates a new instance of AccountRepository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// FindBySubject returns an account by its subject identifier.
func (r *AccountRepository) FindBySubject(ctx context.Context, subject string) (*models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE subject = $1 LIMIT 1`, accountColumns)
	var acct models.Account
	if err := r.db.GetContext(ctx, &acct, query, subject); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find account by subject: %w", err)
	}
	return &acct, nil
}

// FindByIdentifier resolves a login identifier: an email address when it
// contains '@', a handle otherwise. Matching is case-insensitive.
func (r *AccountRepository) FindByIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	identifier = strings.ToLower(identifier)
	column := "handle"
	if strings.Contains(identifier, "@") {
		column = "email"
	}
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE LOWER(%s) = $1 LIMIT 1`, accountColumns, column)
	var acct models.Account
	if err := r.db.GetContext(ctx, &acct, query, identifier); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find account by identifier: %w", err)
	}
	return &acct, nil
}
