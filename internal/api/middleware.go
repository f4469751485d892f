package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/audit"
	"labguard/internal/metrics"
	"labguard/internal/models"
	"labguard/internal/service"
)

const (
	ctxRequestID = "request_id"
	ctxUser      = "auth_user"
	ctxRawToken  = "raw_token"
)

// RequestIDMiddleware stamps every request with a UUID, echoed back as
// X-Request-ID and threaded through the audit trail.
func (h *APIHandler) RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// SecurityHeadersMiddleware sets the baseline response headers.
func (h *APIHandler) SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "same-origin")
		c.Next()
	}
}

// PayloadLimitMiddleware caps request bodies. Declared oversizes are rejected
// up front; undeclared ones hit the MaxBytesReader during handler reads.
func (h *APIHandler) PayloadLimitMiddleware() gin.HandlerFunc {
	maxBytes := h.cfg.MaxPayloadBytes
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"message": "Payload too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// BlockGuardMiddleware rejects requests from actively blocked IPs before any
// other work happens.
func (h *APIHandler) BlockGuardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.blockGuard == nil {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if block, blocked := h.blockGuard.IsBlocked(c.Request.Context(), ip); blocked {
			retryAfter := int(time.Until(block.BlockedUntil).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "Access denied",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware runs the transactional fixed-window check. The token
// digest is computed here once and stashed for the auth middleware.
func (h *APIHandler) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		raw := bearerToken(c)
		tokenHash := ""
		if raw != "" {
			sum := sha256.Sum256([]byte(raw))
			tokenHash = hex.EncodeToString(sum[:])
			c.Set(ctxRawToken, raw)
		}

		res := h.rateLimits.Check(c.Request.Context(), tokenHash, c.ClientIP(), c.Request.URL.Path, h.auditEvent(c))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// AuthMiddleware resolves the bearer token to a user. Rejected tokens abort
// with 401; internal validation failures abort with 500 so a broken backend
// is never mistaken for a bad token. The binding and replay checks live in
// the token service; this layer only translates outcomes to HTTP.
func (h *APIHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			h.auditLog.Unauthorized(c.Request.Context(), "missing_token", h.auditEvent(c))
			unauthorized(c, "Authentication required")
			return
		}

		user, err := h.tokens.Validate(c.Request.Context(), raw, c.ClientIP(), c.Request.UserAgent(), h.auditEvent(c))
		if err != nil {
			abortAuthFailure(c, err)
			return
		}
		c.Set(ctxUser, user)
		c.Set(ctxRawToken, raw)
		c.Next()
	}
}

// abortAuthFailure maps a token validation error to its HTTP response.
// Internal failures surface as 500, never as 401, so callers can tell a
// rejected token apart from a backend outage.
func abortAuthFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionExpired):
		unauthorized(c, "Session expired")
	case errors.Is(err, service.ErrInternal):
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Internal server error",
		})
	default:
		unauthorized(c, "Invalid or expired token")
	}
}

// RequireRole gates an endpoint to the given roles. Repeated 403s from one
// user feed the alert engine.
func (h *APIHandler) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil {
			unauthorized(c, "Authentication required")
			return
		}
		for _, role := range roles {
			if user.Role == role {
				c.Next()
				return
			}
		}
		ev := h.auditEvent(c)
		h.auditLog.Forbidden(c.Request.Context(), user.ID, strings.Join(roles, ","), ev)
		h.alerts.Check(c.Request.Context(), "REPEATED_403", service.AlertContext{
			IP:        c.ClientIP(),
			UserID:    &user.ID,
			Endpoint:  c.Request.URL.Path,
			Method:    c.Request.Method,
			RequestID: requestID(c),
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "Insufficient permissions",
		})
	}
}

// MetricsAuthMiddleware restricts /metrics to an allowlist of IPs.
func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, ip := range strings.Split(h.cfg.MetricsAllowedIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = true
		}
	}
	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// PrometheusMiddleware records per-route latency.
func (h *APIHandler) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)
	}
}

// RecoveryMiddleware converts panics into an audited generic 500. The client
// never sees internals.
func (h *APIHandler) RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				zlog.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("handler panic")
				ev := h.auditEvent(c)
				ev.Status = audit.StatusFail
				ev.Metadata = map[string]interface{}{"panic": true}
				h.auditLog.Log(c.Request.Context(), audit.EventException, audit.SeverityCritical, ev)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func currentUser(c *gin.Context) *models.AuthUser {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil
	}
	user, ok := v.(*models.AuthUser)
	if !ok {
		return nil
	}
	return user
}

func requestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

func (h *APIHandler) auditEvent(c *gin.Context) audit.Event {
	ev := audit.Event{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Endpoint:  c.Request.URL.Path,
		Method:    c.Request.Method,
		RequestID: requestID(c),
	}
	if user := currentUser(c); user != nil {
		ev.UserID = &user.ID
	}
	return ev
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": message,
	})
}
