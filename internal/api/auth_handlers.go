package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"labguard/internal/audit"
	"labguard/internal/service"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and mints a bearer token. The lockout check
// runs before the credentials are even looked at, so a blocked (ip, username)
// pair cannot keep guessing passwords.
func (h *APIHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Username and password are required"})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	ev := h.auditEvent(c)

	if res := h.rateLimits.CheckLogin(ctx, ip, req.Username); !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": "Too many login attempts. Please try again later.",
		})
		return
	}

	user, err := h.tokens.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if err == service.ErrInvalidCredentials {
			h.rateLimits.RecordLoginFailure(ctx, ip, req.Username)
			h.auditLog.LoginFail(ctx, req.Username, "invalid_credentials", ev)
			h.alerts.Check(ctx, "LOGIN_FAIL", service.AlertContext{
				IP:        ip,
				Endpoint:  c.Request.URL.Path,
				Method:    c.Request.Method,
				RequestID: requestID(c),
			})
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid username or password"})
			return
		}
		zlog.Error().Err(err).Msg("login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	token, err := h.tokens.IssueToken(ctx, user.ID, ev)
	if err != nil {
		zlog.Error().Err(err).Int("user_id", user.ID).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	h.rateLimits.ResetLoginAttempts(ctx, ip, req.Username)
	h.auditLog.LoginSuccess(ctx, user.ID, user.Username, ev)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"token": token,
			"user":  user,
		},
	})
}

func (h *APIHandler) Logout(c *gin.Context) {
	raw := c.GetString(ctxRawToken)
	if err := h.tokens.Revoke(c.Request.Context(), raw, "logout"); err != nil {
		zlog.Error().Err(err).Msg("logout revoke failed")
	}
	h.auditLog.Log(c.Request.Context(), audit.EventLogout, audit.SeverityInfo, h.auditEvent(c))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}

func (h *APIHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": currentUser(c)})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=8"`
}

// ChangePassword rotates the password and kills every other live session.
func (h *APIHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Current and new password (min 8 chars) are required"})
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)

	if _, err := h.tokens.Authenticate(ctx, user.Username, req.CurrentPassword); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Current password is incorrect"})
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if err := h.pgRepo.UpdateUserPassword(ctx, user.ID, string(hashed)); err != nil {
		zlog.Error().Err(err).Int("user_id", user.ID).Msg("password update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	raw := c.GetString(ctxRawToken)
	if err := h.tokens.RevokeOthers(ctx, user.ID, raw, "password_change"); err != nil {
		zlog.Error().Err(err).Int("user_id", user.ID).Msg("sibling token revoke failed")
	}

	h.auditLog.Log(ctx, audit.EventPasswordChange, audit.SeverityInfo, h.auditEvent(c))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Password changed"})
}
