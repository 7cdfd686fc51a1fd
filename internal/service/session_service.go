package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fedverse/session-api/internal/models"
	"github.com/fedverse/session-api/internal/repository"
	appErrors "github.com/fedverse/session-api/pkg/errors"
)

type refreshTokenStore interface {
	Store(ctx context.Context, rec *models.RefreshTokenRecord) error
	Lookup(ctx context.Context, id string) (*models.RefreshTokenRecord, error)
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeAllForSubject(ctx context.Context, subject string) (int64, error)
	CommitRotation(ctx context.Context, oldID string, graceExpiresAt time.Time, next *models.RefreshTokenRecord) error
}

type accountStore interface {
	FindBySubject(ctx context.Context, subject string) (*models.Account, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.Account, error)
}

// SessionConfig tunes rotation behaviour.
type SessionConfig struct {
	// RotationGrace bounds how long a just-rotated refresh token remains
	// valid, absorbing duplicate client retries.
	RotationGrace time.Duration
	// RotationAttempts caps the compare-and-swap retry loop.
	RotationAttempts int
}

// SessionService implements the session lifecycle: issuance on login,
// refresh-token rotation with a grace window, and revocation.
type SessionService struct {
	tokens    refreshTokenStore
	accounts  accountStore
	issuer    *TokenIssuer
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	audit     *AuditService
	cache     *CacheService
	config    SessionConfig
}

// NewSessionService constructs a SessionService instance.
func NewSessionService(tokens refreshTokenStore, accounts accountStore, issuer *TokenIssuer, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, audit *AuditService, cache *CacheService, cfg SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.RotationGrace <= 0 {
		cfg.RotationGrace = 2 * time.Hour
	}
	if cfg.RotationAttempts <= 0 {
		cfg.RotationAttempts = 3
	}
	return &SessionService{
		tokens:    tokens,
		accounts:  accounts,
		issuer:    issuer,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		audit:     audit,
		cache:     cache,
		config:    cfg,
	}
}

// CreateSession authenticates a user and returns an issued token pair.
// Soft-deleted (taken down) accounts may still log in, but their refresh
// token is not stored so it can never be rotated.
func (s *SessionService) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}

	acct, err := s.accounts.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch account")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	pair, err := s.issuer.Issue(acct.Subject, models.ScopeAccess, IssueOptions{})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}

	if !acct.SoftDeleted() {
		rec := &models.RefreshTokenRecord{
			ID:        pair.RefreshID,
			Subject:   acct.Subject,
			ExpiresAt: pair.RefreshExpiresAt,
		}
		if err := s.tokens.Store(ctx, rec); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
		}
	}

	s.recordAudit(acct.Subject, models.AuditActionLogin, pair.RefreshID, req.IP, req.UserAgent)

	return s.buildSessionResponse(acct, pair), nil
}

// RotateRefreshToken exchanges a refresh token (by its id) for a new token
// pair. Behaviour under concurrency:
//
//   - the old record's next_id is the idempotency key: the first rotation to
//     commit claims it, and every concurrent racer converges on the same
//     successor id;
//   - the commit is guarded by a compare-and-swap, so a lost race is retried
//     from the lookup, which then observes the winning next id;
//   - the old token stays valid until min(its expiry, now+grace), absorbing
//     duplicate client retries.
//
// Collisions are resolved internally and never surface to the caller; the
// retry loop is bounded, and exhausting it reports a transient failure.
func (s *SessionService) RotateRefreshToken(ctx context.Context, id string, ip, userAgent string) (*models.SessionResponse, error) {
	for attempt := 0; attempt < s.config.RotationAttempts; attempt++ {
		res, err := s.rotateOnce(ctx, id, ip, userAgent)
		if errors.Is(err, repository.ErrRotationConflict) {
			s.metrics.RecordRotationCollision()
			continue
		}
		return res, err
	}
	return nil, appErrors.Wrap(repository.ErrRotationConflict, appErrors.ErrRotationContention.Code, appErrors.ErrRotationContention.Status, appErrors.ErrRotationContention.Message)
}

func (s *SessionService) rotateOnce(ctx context.Context, id string, ip, userAgent string) (*models.SessionResponse, error) {
	rec, err := s.tokens.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No distinction between "never existed" and "revoked".
			return nil, appErrors.Clone(appErrors.ErrExpiredToken, "refresh token is expired or revoked")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	now := time.Now().UTC()
	graceExpiresAt := now.Add(s.config.RotationGrace)
	if rec.ExpiresAt.Before(graceExpiresAt) {
		graceExpiresAt = rec.ExpiresAt
	}
	if !graceExpiresAt.After(now) {
		return nil, appErrors.Clone(appErrors.ErrExpiredToken, "refresh token is expired or revoked")
	}

	// A concurrent rotation that already claimed a successor pins our
	// choice; otherwise mint a fresh id.
	nextID := NewRefreshTokenID()
	if rec.NextID != nil {
		nextID = *rec.NextID
	}

	scope := models.ScopeAccess
	if rec.AppPasswordName != nil {
		scope = models.ScopeAppPassword
	}

	pair, err := s.issuer.Issue(rec.Subject, scope, IssueOptions{RefreshID: nextID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue tokens")
	}

	next := &models.RefreshTokenRecord{
		ID:              nextID,
		Subject:         rec.Subject,
		AppPasswordName: rec.AppPasswordName,
		ExpiresAt:       pair.RefreshExpiresAt,
	}
	if err := s.tokens.CommitRotation(ctx, id, graceExpiresAt, next); err != nil {
		if errors.Is(err, repository.ErrRotationConflict) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit rotation")
	}

	s.metrics.RecordRotation()
	s.recordAudit(rec.Subject, models.AuditActionRefresh, nextID, ip, userAgent)

	acct, err := s.accounts.FindBySubject(ctx, rec.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrExpiredToken, "account no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}

	return s.buildSessionResponse(acct, pair), nil
}

// DeleteSession revokes the refresh token with the given id. Sign-out is
// unconditional: a missing record is not an error.
func (s *SessionService) DeleteSession(ctx context.Context, id, ip, userAgent string) error {
	rec, err := s.tokens.Lookup(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	if _, err := s.tokens.Revoke(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}

	if rec != nil {
		s.recordAudit(rec.Subject, models.AuditActionSignout, id, ip, userAgent)
	}
	return nil
}

// RevokeAllForSubject deletes every outstanding refresh token for a subject,
// e.g. after a password change or a detected compromise.
func (s *SessionService) RevokeAllForSubject(ctx context.Context, subject string) (int64, error) {
	revoked, err := s.tokens.RevokeAllForSubject(ctx, subject)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh tokens")
	}
	s.recordAudit(subject, models.AuditActionRevokeAll, subject, "", "")
	return revoked, nil
}

// GetSession returns the account info for an authenticated subject, served
// from cache when possible.
func (s *SessionService) GetSession(ctx context.Context, subject string) (*models.AccountInfo, error) {
	cacheKey := "session:account:" + subject
	var info models.AccountInfo
	if hit, _ := s.cache.Get(ctx, cacheKey, &info); hit {
		return &info, nil
	}

	acct, err := s.accounts.FindBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account")
	}

	info = models.AccountInfo{
		Subject: acct.Subject,
		Handle:  acct.Handle,
		Email:   acct.Email,
		Active:  acct.Active && !acct.SoftDeleted(),
		Status:  acct.Status(),
	}
	s.cache.Set(ctx, cacheKey, &info)
	return &info, nil
}

func (s *SessionService) buildSessionResponse(acct *models.Account, pair *models.TokenPair) *models.SessionResponse {
	res := &models.SessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Subject:      acct.Subject,
		Handle:       acct.Handle,
		Active:       acct.Active && !acct.SoftDeleted(),
		Status:       acct.Status(),
	}
	if doc := buildServiceDoc(acct); doc != nil {
		res.ServiceDoc = doc
	}
	return res
}

// buildServiceDoc describes the account's canonical service location when
// one is declared. Clients use it to migrate their dispatch endpoint.
func buildServiceDoc(acct *models.Account) json.RawMessage {
	if acct.ServiceEndpoint == nil || *acct.ServiceEndpoint == "" {
		return nil
	}
	doc := map[string]interface{}{
		"id": acct.Subject,
		"service": []map[string]string{{
			"id":              "#account_server",
			"type":            "FederatedAccountServer",
			"serviceEndpoint": *acct.ServiceEndpoint,
		}},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}

func (s *SessionService) recordAudit(subject, action, resourceID, ip, userAgent string) {
	sub := subject
	rid := resourceID
	s.audit.Record(&models.AuditLog{
		Subject:    &sub,
		Action:     action,
		Resource:   "session",
		ResourceID: &rid,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})
}
