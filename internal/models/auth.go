package models

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes. Refresh tokens always carry ScopeRefresh; access tokens carry
// ScopeAccess or, for restricted credentials, ScopeAppPassword.
const (
	ScopeAccess      = "fed.session.access"
	ScopeRefresh     = "fed.session.refresh"
	ScopeAppPassword = "fed.session.appPass"
)

// SessionClaims is the JWT payload for both access and refresh tokens.
// Refresh tokens additionally set the registered ID (jti) claim.
type SessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// CreateSessionRequest holds login credentials. Identifier may be a handle
// or an email address.
type CreateSessionRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	IP         string `json:"-"`
	UserAgent  string `json:"-"`
}

// SessionResponse is returned by session creation and refresh. ServiceDoc,
// when present, describes the account's canonical service location and lets
// clients migrate their dispatch endpoint.
type SessionResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Subject      string          `json:"subject"`
	Handle       string          `json:"handle"`
	Active       bool            `json:"active"`
	Status       string          `json:"status,omitempty"`
	ServiceDoc   json.RawMessage `json:"service_doc,omitempty"`
}
