package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"clinicportal/internal/config"
	"clinicportal/internal/models"
	"clinicportal/internal/service"
)

const CurrentUserKey = "current_user"

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

// Auth accepts the session token from the mirrored cookie or, failing that,
// from a bearer Authorization header.
func Auth(cfg *config.AppConfig, auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c, cfg.Cookies.TokenName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, service.ErrUserSuspended) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
			return
		}

		c.Set(CurrentUserKey, user)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context, cookieName string) string {
	// c.Cookie query-unescapes the value written by the portal.
	if token, err := c.Cookie(cookieName); err == nil && token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// CurrentUser returns the user stored by Auth.
func CurrentUser(c *gin.Context) (models.User, bool) {
	val, exists := c.Get(CurrentUserKey)
	if !exists {
		return models.User{}, false
	}
	user, ok := val.(models.User)
	return user, ok
}
