package models

import (
	"encoding/json"
	"time"
)

// OAuthTokenRecord backs tokens granted through the OAuth surface. Unlike
// RefreshTokenRecord it stores the current refresh-token value itself, and
// rotation installs a brand-new TokenID while keeping the same row.
type OAuthTokenRecord struct {
	RowID               int64           `db:"id" json:"-"`
	TokenID             string          `db:"token_id" json:"token_id"`
	Subject             string          `db:"subject" json:"subject"`
	ClientID            string          `db:"client_id" json:"client_id"`
	DeviceID            *string         `db:"device_id" json:"device_id,omitempty"`
	Parameters          json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	Code                *string         `db:"code" json:"-"`
	CurrentRefreshToken string          `db:"current_refresh_token" json:"-"`
	ExpiresAt           time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// UsedRefreshToken records a refresh-token value consumed by rotation,
// keyed by the owning token row. Rows are immutable and deleted only by
// cascade when the owning record goes away.
type UsedRefreshToken struct {
	TokenRowID   int64  `db:"token_id" json:"token_id"`
	RefreshToken string `db:"refresh_token" json:"refresh_token"`
}

// OAuthTokenRequest is the token-endpoint payload. Only the refresh_token
// grant is served here.
type OAuthTokenRequest struct {
	GrantType    string `json:"grant_type" form:"grant_type" validate:"required"`
	RefreshToken string `json:"refresh_token" form:"refresh_token" validate:"required"`
	ClientID     string `json:"client_id" form:"client_id" validate:"required"`
}

// OAuthTokenResponse is the token-endpoint success payload.
type OAuthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}
