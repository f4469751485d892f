package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labguard/internal/audit"
	"labguard/internal/config"
	"labguard/internal/models"
	"labguard/internal/service"
)

type recordingStore struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (s *recordingStore) InsertAuditEntry(ctx context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestHandler(t *testing.T, cfg *config.Config) (*APIHandler, *recordingStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg == nil {
		cfg = &config.Config{MaxPayloadBytes: 1 << 20, MetricsAllowedIPs: "127.0.0.1"}
	}
	store := &recordingStore{}
	auditLog := audit.New(store, t.TempDir()+"/security.log")
	h := NewAPIHandler(cfg, nil, nil, auditLog, nil, nil, nil, nil, nil, nil)
	return h, store
}

func TestRequestIDMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := gin.New()
	r.Use(h.RequestIDMiddleware())
	var seen string
	r.GET("/", func(c *gin.Context) {
		seen = requestID(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	assert.Len(t, seen, 36)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := gin.New()
	r.Use(h.SecurityHeadersMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "same-origin", w.Header().Get("Referrer-Policy"))
}

func TestPayloadLimitMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, &config.Config{MaxPayloadBytes: 16})
	r := gin.New()
	r.Use(h.PayloadLimitMiddleware())
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "Payload too large")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	h, store := newTestHandler(t, nil)
	r := gin.New()
	r.Use(h.AuthMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Authentication required")
	assert.Equal(t, 1, store.count(), "missing token is audited")
}

func TestAbortAuthFailureStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"expired session", service.ErrSessionExpired, http.StatusUnauthorized, "Session expired"},
		{"unknown token", service.ErrUnknownToken, http.StatusUnauthorized, "Invalid or expired token"},
		{"malformed token", service.ErrMalformedToken, http.StatusUnauthorized, "Invalid or expired token"},
		{"backend failure", service.ErrInternal, http.StatusInternalServerError, "Internal server error"},
		{"wrapped backend failure", fmt.Errorf("validate: %w", service.ErrInternal), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			abortAuthFailure(c, tc.err)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tc.wantBody)
		})
	}
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ctxUser, &models.AuthUser{ID: 1, Role: "admin"})
	})
	r.Use(h.RequireRole("admin"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRoleWithoutUser(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := gin.New()
	r.Use(h.RequireRole("admin"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsAuthMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, &config.Config{MetricsAllowedIPs: "192.0.2.1, 10.1.2.3"})
	r := gin.New()
	r.Use(h.MetricsAuthMiddleware())
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	// httptest requests arrive from 192.0.2.1
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h2, _ := newTestHandler(t, &config.Config{MetricsAllowedIPs: "10.1.2.3"})
	r2 := gin.New()
	r2.Use(h2.MetricsAuthMiddleware())
	r2.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	w = httptest.NewRecorder()
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h, store := newTestHandler(t, nil)
	r := gin.New()
	r.Use(h.RecoveryMiddleware())
	r.GET("/", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal server error")
	assert.NotContains(t, w.Body.String(), "boom")
	require.Equal(t, 1, store.count())
	assert.Equal(t, audit.EventException, store.entries[0].EventType)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", ""},
		{"plain bearer", "Bearer abc123", "abc123"},
		{"case insensitive scheme", "bearer abc123", "abc123"},
		{"wrong scheme", "Basic abc123", ""},
		{"no token", "Bearer", ""},
		{"padded", "Bearer   abc123", "abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, bearerToken(c))
		})
	}
}

func TestCurrentUserAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, currentUser(c))
}
