package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fedverse/session-api/internal/models"
	appErrors "github.com/fedverse/session-api/pkg/errors"
)

// Default token lifetimes, applied when the configuration leaves them unset.
const (
	DefaultAccessLifetime  = 120 * time.Minute
	DefaultRefreshLifetime = 90 * 24 * time.Hour
)

// TokenIssuerConfig configures token issuance.
type TokenIssuerConfig struct {
	Secret          string
	Issuer          string
	Audience        []string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

// TokenIssuer signs access and refresh tokens with a symmetric server key.
// Issuance is a pure function of its inputs plus the clock; nothing is
// persisted here.
type TokenIssuer struct {
	secret          []byte
	issuer          string
	audience        []string
	accessLifetime  time.Duration
	refreshLifetime time.Duration
}

// IssueOptions carries optional overrides for a single issuance.
type IssueOptions struct {
	// RefreshID pins the refresh token's jti. When empty a fresh id is
	// minted. Rotation passes the successor id here so concurrent racers
	// converge on one successor.
	RefreshID string
	// AccessLifetime and RefreshLifetime override the configured defaults.
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
	// Audience overrides the configured audience.
	Audience []string
}

// NewTokenIssuer constructs a TokenIssuer. A missing signing key is a
// configuration error surfaced at startup, never at issuance time.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token issuer: signing secret is required")
	}
	if cfg.AccessLifetime <= 0 {
		cfg.AccessLifetime = DefaultAccessLifetime
	}
	if cfg.RefreshLifetime <= 0 {
		cfg.RefreshLifetime = DefaultRefreshLifetime
	}
	return &TokenIssuer{
		secret:          []byte(cfg.Secret),
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		accessLifetime:  cfg.AccessLifetime,
		refreshLifetime: cfg.RefreshLifetime,
	}, nil
}

// Issue produces a signed access/refresh pair for a subject and scope. The
// refresh token carries the fixed refresh scope marker and a unique id.
func (i *TokenIssuer) Issue(subject, scope string, opts IssueOptions) (*models.TokenPair, error) {
	accessToken, accessExpiresAt, err := i.IssueAccess(subject, scope, opts)
	if err != nil {
		return nil, err
	}

	refreshID := opts.RefreshID
	if refreshID == "" {
		refreshID = NewRefreshTokenID()
	}
	refreshToken, refreshExpiresAt, err := i.issueRefresh(subject, refreshID, opts)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		RefreshID:        refreshID,
	}, nil
}

// IssueAccess produces only the signed access token.
func (i *TokenIssuer) IssueAccess(subject, scope string, opts IssueOptions) (string, time.Time, error) {
	lifetime := opts.AccessLifetime
	if lifetime == 0 {
		lifetime = i.accessLifetime
	}
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(lifetime)

	claims := &models.SessionClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  i.audienceFor(opts),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (i *TokenIssuer) issueRefresh(subject, refreshID string, opts IssueOptions) (string, time.Time, error) {
	lifetime := opts.RefreshLifetime
	if lifetime == 0 {
		lifetime = i.refreshLifetime
	}
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(lifetime)

	claims := &models.SessionClaims{
		Scope: models.ScopeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshID,
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  i.audienceFor(opts),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseClaims validates a signed token and returns its claims. Expiry maps to
// ErrExpiredToken; every other validation failure maps to ErrInvalidToken so
// clients never learn why a bad token was rejected.
func (i *TokenIssuer) ParseClaims(tokenString string) (*models.SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrExpiredToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, appErrors.ErrInvalidToken.Message)
	}

	claims, ok := token.Claims.(*models.SessionClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid token claims")
	}
	return claims, nil
}

func (i *TokenIssuer) audienceFor(opts IssueOptions) jwt.ClaimStrings {
	if len(opts.Audience) > 0 {
		return jwt.ClaimStrings(opts.Audience)
	}
	return jwt.ClaimStrings(i.audience)
}

// NewRefreshTokenID mints a unique refresh token identifier.
func NewRefreshTokenID() string {
	return uuid.NewString()
}
