package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedverse/session-api/internal/middleware"
	"github.com/fedverse/session-api/internal/models"
	appErrors "github.com/fedverse/session-api/pkg/errors"
	"github.com/fedverse/session-api/pkg/response"
)

type sessionService interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionResponse, error)
	RotateRefreshToken(ctx context.Context, id, ip, userAgent string) (*models.SessionResponse, error)
	GetSession(ctx context.Context, subject string) (*models.AccountInfo, error)
	DeleteSession(ctx context.Context, id, ip, userAgent string) error
}

// SessionHandler wires HTTP endpoints to the session service.
type SessionHandler struct {
	service sessionService
}

// NewSessionHandler creates a new handler.
func NewSessionHandler(svc sessionService) *SessionHandler {
	return &SessionHandler{service: svc}
}

// Create godoc
// @Summary Create session
// @Description Authenticate by handle or email and receive a token pair
// @Tags Session
// @Accept json
// @Produce json
// @Param payload body models.CreateSessionRequest true "Credentials"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /session [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.CreateSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh godoc
// @Summary Refresh session
// @Description Exchange the bearer refresh token for a new token pair
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /session/refresh [post]
func (h *SessionHandler) Refresh(c *gin.Context) {
	refreshID := c.GetString(middleware.ContextRefreshIDKey)
	if refreshID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	res, err := h.service.RotateRefreshToken(c.Request.Context(), refreshID, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Get godoc
// @Summary Get current session
// @Description Return the account behind the bearer access token
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /session [get]
func (h *SessionHandler) Get(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info, err := h.service.GetSession(c.Request.Context(), claims.Subject)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info)
}

// Delete godoc
// @Summary Delete session
// @Description Revoke the bearer refresh token
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /session [delete]
func (h *SessionHandler) Delete(c *gin.Context) {
	refreshID := c.GetString(middleware.ContextRefreshIDKey)
	if refreshID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.DeleteSession(c.Request.Context(), refreshID, c.ClientIP(), c.GetHeader("User-Agent")); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
