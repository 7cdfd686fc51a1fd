package models

import "time"

// Account statuses surfaced to clients alongside session payloads.
const (
	AccountStatusActive      = "active"
	AccountStatusTakendown   = "takendown"
	AccountStatusDeactivated = "deactivated"
)

// Account is the server-side account row. Registration and deletion are
// managed elsewhere; this service only reads accounts to mint sessions.
type Account struct {
	Subject         string     `db:"subject" json:"subject"`
	Handle          string     `db:"handle" json:"handle"`
	Email           string     `db:"email" json:"email"`
	PasswordHash    string     `db:"password_hash" json:"-"`
	Active          bool       `db:"active" json:"active"`
	TakedownRef     *string    `db:"takedown_ref" json:"-"`
	ServiceEndpoint *string    `db:"service_endpoint" json:"service_endpoint,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	DeactivatedAt   *time.Time `db:"deactivated_at" json:"-"`
}

// Status derives the externally visible account status.
func (a *Account) Status() string {
	switch {
	case a.TakedownRef != nil:
		return AccountStatusTakendown
	case a.DeactivatedAt != nil || !a.Active:
		return AccountStatusDeactivated
	default:
		return AccountStatusActive
	}
}

// SoftDeleted reports whether the account is present but administratively
// removed from ordinary use. Soft-deleted accounts may still log in, but
// their sessions cannot be refreshed.
func (a *Account) SoftDeleted() bool {
	return a.TakedownRef != nil
}

// AccountInfo is the cached, client-facing view of an account.
type AccountInfo struct {
	Subject string `json:"subject"`
	Handle  string `json:"handle"`
	Email   string `json:"email,omitempty"`
	Active  bool   `json:"active"`
	Status  string `json:"status"`
}
