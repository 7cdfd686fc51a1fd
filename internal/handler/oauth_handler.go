package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedverse/session-api/internal/models"
	appErrors "github.com/fedverse/session-api/pkg/errors"
)

type oauthTokenService interface {
	ExchangeRefreshToken(ctx context.Context, req models.OAuthTokenRequest) (*models.OAuthTokenResponse, error)
}

// OAuthHandler serves the OAuth token endpoint. Responses here follow the
// OAuth wire shape rather than the envelope used by the session surface.
type OAuthHandler struct {
	service oauthTokenService
}

// NewOAuthHandler creates a new handler.
func NewOAuthHandler(svc oauthTokenService) *OAuthHandler {
	return &OAuthHandler{service: svc}
}

// Token godoc
// @Summary Exchange refresh token
// @Description Serve the refresh_token grant with reuse detection
// @Tags OAuth
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "Must be refresh_token"
// @Param refresh_token formData string true "Refresh token value"
// @Param client_id formData string true "Client identifier"
// @Success 200 {object} models.OAuthTokenResponse
// @Failure 400 {object} gin.H
// @Router /oauth/token [post]
func (h *OAuthHandler) Token(c *gin.Context) {
	var req models.OAuthTokenRequest
	if err := c.ShouldBind(&req); err != nil {
		oauthError(c, appErrors.Clone(appErrors.ErrValidation, "invalid token request"))
		return
	}

	res, err := h.service.ExchangeRefreshToken(c.Request.Context(), req)
	if err != nil {
		oauthError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, res)
}

// oauthError maps internal errors onto RFC 6749 error bodies.
func oauthError(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	code := "invalid_request"
	switch appErr.Code {
	case appErrors.ErrExpiredToken.Code, appErrors.ErrInvalidToken.Code, appErrors.ErrTokenReused.Code:
		code = "invalid_grant"
	case appErrors.ErrInternal.Code:
		code = "server_error"
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(appErr.Status, gin.H{"error": code, "error_description": appErr.Message})
}
