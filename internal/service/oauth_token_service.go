package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fedverse/session-api/internal/models"
	"github.com/fedverse/session-api/internal/repository"
	appErrors "github.com/fedverse/session-api/pkg/errors"
)

type oauthTokenStore interface {
	Create(ctx context.Context, rec *models.OAuthTokenRecord) error
	FindByTokenID(ctx context.Context, tokenID string) (*models.OAuthTokenRecord, error)
	FindByRefreshToken(ctx context.Context, value string) (*models.OAuthTokenRecord, bool, error)
	Rotate(ctx context.Context, rowID int64, newTokenID, newRefreshToken string, expiresAt time.Time) error
	CountUses(ctx context.Context, refreshToken string) (int, error)
	DeleteByRowID(ctx context.Context, rowID int64) error
	DeleteBySubject(ctx context.Context, subject string) error
}

// OAuthTokenService serves the OAuth token endpoint. Unlike the session
// surface, refresh tokens here are opaque random values whose consumed
// predecessors are tracked in a reuse ledger: replaying a consumed value
// kills the whole chain instead of being absorbed by a grace window.
type OAuthTokenService struct {
	tokens    oauthTokenStore
	issuer    *TokenIssuer
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	audit     *AuditService
	lifetime  time.Duration
}

// NewOAuthTokenService constructs an OAuthTokenService instance.
func NewOAuthTokenService(tokens oauthTokenStore, issuer *TokenIssuer, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, audit *AuditService, lifetime time.Duration) *OAuthTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if lifetime <= 0 {
		lifetime = DefaultRefreshLifetime
	}
	return &OAuthTokenService{
		tokens:    tokens,
		issuer:    issuer,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		audit:     audit,
		lifetime:  lifetime,
	}
}

// CreateGrant persists a new token record for a subject/client and returns
// its first refresh token. A ledger hit on the freshly minted value is a
// collision that should never happen with random values, and is terminal.
func (s *OAuthTokenService) CreateGrant(ctx context.Context, subject, clientID string, deviceID *string, parameters []byte) (*models.OAuthTokenRecord, error) {
	rec := &models.OAuthTokenRecord{
		TokenID:             NewRefreshTokenID(),
		Subject:             subject,
		ClientID:            clientID,
		DeviceID:            deviceID,
		Parameters:          parameters,
		CurrentRefreshToken: newOpaqueRefreshToken(),
		ExpiresAt:           time.Now().UTC().Add(s.lifetime),
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenReused) {
			return nil, appErrors.Clone(appErrors.ErrTokenReused, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create token grant")
	}
	return rec, nil
}

// ExchangeRefreshToken implements the refresh_token grant. A presented value
// found in the reuse ledger is treated as evidence of theft: the owning
// chain is revoked and the request fails terminally.
func (s *OAuthTokenService) ExchangeRefreshToken(ctx context.Context, req models.OAuthTokenRequest) (*models.OAuthTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid token payload")
	}
	if req.GrantType != "refresh_token" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported grant_type")
	}

	rec, used, err := s.tokens.FindByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "unknown refresh token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve refresh token")
	}

	if used {
		return nil, s.handleReuse(ctx, rec)
	}

	now := time.Now().UTC()
	if !rec.ExpiresAt.After(now) {
		return nil, appErrors.Clone(appErrors.ErrExpiredToken, "refresh token is expired")
	}
	if rec.ClientID != req.ClientID {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "refresh token was issued to another client")
	}

	newTokenID := NewRefreshTokenID()
	newRefreshToken := newOpaqueRefreshToken()
	expiresAt := now.Add(s.lifetime)

	if err := s.tokens.Rotate(ctx, rec.RowID, newTokenID, newRefreshToken, expiresAt); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenReused) {
			return nil, appErrors.Clone(appErrors.ErrTokenReused, "")
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "refresh token chain was revoked")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate token")
	}

	accessToken, accessExpiresAt, err := s.issuer.IssueAccess(rec.Subject, models.ScopeAccess, IssueOptions{Audience: []string{rec.ClientID}})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue access token")
	}

	s.recordAudit(rec.Subject, models.AuditActionOAuthRotate, newTokenID)

	return &models.OAuthTokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(accessExpiresAt).Seconds()),
		RefreshToken: newRefreshToken,
	}, nil
}

// ReuseCount reports how many times a refresh-token value has been replayed.
func (s *OAuthTokenService) ReuseCount(ctx context.Context, refreshToken string) (int, error) {
	count, err := s.tokens.CountUses(ctx, refreshToken)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count token uses")
	}
	return count, nil
}

// RevokeAllForSubject deletes every grant for a subject.
func (s *OAuthTokenService) RevokeAllForSubject(ctx context.Context, subject string) error {
	if err := s.tokens.DeleteBySubject(ctx, subject); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke token grants")
	}
	return nil
}

func (s *OAuthTokenService) handleReuse(ctx context.Context, rec *models.OAuthTokenRecord) error {
	s.metrics.RecordReuseDetection()
	s.logger.Warn("refresh token replay detected, revoking chain",
		zap.String("subject", rec.Subject),
		zap.String("client_id", rec.ClientID),
	)
	s.recordAudit(rec.Subject, models.AuditActionReuseAlert, rec.TokenID)

	if err := s.tokens.DeleteByRowID(ctx, rec.RowID); err != nil {
		// The reuse verdict stands even when revocation fails.
		s.logger.Warn("failed to revoke replayed token chain", zap.Error(err))
	}
	return appErrors.Clone(appErrors.ErrTokenReused, "")
}

func (s *OAuthTokenService) recordAudit(subject, action, resourceID string) {
	sub := subject
	rid := resourceID
	s.audit.Record(&models.AuditLog{
		Subject:    &sub,
		Action:     action,
		Resource:   "oauth_token",
		ResourceID: &rid,
	})
}

// newOpaqueRefreshToken mints a random refresh-token value. 32 bytes of
// entropy, base64url without padding.
func newOpaqueRefreshToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("refresh token entropy: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
