package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fedverse/session-api/internal/models"
	"github.com/fedverse/session-api/internal/service"
	appErrors "github.com/fedverse/session-api/pkg/errors"
	"github.com/fedverse/session-api/pkg/response"
)

// Gin context keys set by the token guards.
const (
	ContextUserKey      = "currentUser"
	ContextRefreshIDKey = "refreshTokenID"
)

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// AccessToken protects routes by requiring a valid access-scoped token.
// Tokens with the app-password scope are accepted too; refresh tokens are
// not valid here.
func AccessToken(issuer *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := issuer.ParseClaims(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		if claims.Scope != models.ScopeAccess && claims.Scope != models.ScopeAppPassword {
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidToken, "token scope not allowed"))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// RefreshToken guards the refresh and sign-out routes: the bearer token must
// carry the refresh scope and a token id.
func RefreshToken(issuer *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := issuer.ParseClaims(token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		if claims.Scope != models.ScopeRefresh || claims.ID == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidToken, "refresh token required"))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(ContextRefreshIDKey, claims.ID)
		c.Next()
	}
}

// CurrentClaims returns the claims attached by a token guard, if any.
func CurrentClaims(c *gin.Context) (*models.SessionClaims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.SessionClaims)
	return claims, ok
}
