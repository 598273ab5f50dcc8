package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"clinicportal/internal/middleware"
	"clinicportal/internal/models"
	"clinicportal/internal/service"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Token string `json:"token,omitempty"`
}

type loginResponse struct {
	Success bool          `json:"success"`
	User    *userResponse `json:"user,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func toUserResponse(user models.User) userResponse {
	return userResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Role:  user.Role,
	}
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, loginResponse{Error: err.Error()})
		return
	}

	result, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, service.ErrUserSuspended):
			status = http.StatusForbidden
		case errors.Is(err, service.ErrTooManyAttempts):
			status = http.StatusTooManyRequests
		case !errors.Is(err, service.ErrInvalidCredentials):
			h.log.Error().Err(err).Msg("login failed")
			c.JSON(http.StatusInternalServerError, loginResponse{Error: "internal_server_error"})
			return
		}
		c.JSON(status, loginResponse{Error: err.Error()})
		return
	}

	user := toUserResponse(result.User)
	user.Token = result.Token
	c.JSON(http.StatusOK, loginResponse{Success: true, User: &user})
}

// Logout is an acknowledgement; the portal owns the session state. The
// mirrored cookies are expired for clients that did not clear them.
func (h HandlerSet) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cfg.Cookies.TokenName, "", -1, "/", "", false, false)
	c.SetCookie(h.cfg.Cookies.UserInfoName, "", -1, "/", "", false, false)
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": toUserResponse(user),
	})
}
