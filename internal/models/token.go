package models

import "time"

// RefreshTokenRecord is the persisted ledger row for an outstanding refresh
// token. ID matches the token's jti claim. NextID is set exactly once, by the
// first rotation to commit; concurrent rotations converge on the same value.
type RefreshTokenRecord struct {
	ID              string    `db:"id" json:"id"`
	Subject         string    `db:"subject" json:"subject"`
	AppPasswordName *string   `db:"app_password_name" json:"app_password_name,omitempty"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	NextID          *string   `db:"next_id" json:"next_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// TokenPair is the result of a token issuance or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	RefreshID        string    `json:"-"`
}
