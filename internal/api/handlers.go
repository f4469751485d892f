package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labguard/internal/audit"
	"labguard/internal/cache"
	"labguard/internal/config"
	"labguard/internal/repository"
	"labguard/internal/service"
)

type APIHandler struct {
	cfg        *config.Config
	pgRepo     *repository.PostgresRepository
	cch        cache.Cache
	auditLog   *audit.Logger
	tokens     *service.TokenService
	rateLimits *service.RateLimitService
	alerts     *service.AlertService
	reputation *service.ReputationService
	blockGuard *service.BlockGuardService
	hub        *Hub

	floodLimiter gin.HandlerFunc
	loginLimiter gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, pg *repository.PostgresRepository, cch cache.Cache, auditLog *audit.Logger,
	tokens *service.TokenService, rateLimits *service.RateLimitService, alerts *service.AlertService,
	reputation *service.ReputationService, blockGuard *service.BlockGuardService, hub *Hub) *APIHandler {
	return &APIHandler{
		cfg:        cfg,
		pgRepo:     pg,
		cch:        cch,
		auditLog:   auditLog,
		tokens:     tokens,
		rateLimits: rateLimits,
		alerts:     alerts,
		reputation: reputation,
		blockGuard: blockGuard,
		hub:        hub,
	}
}

// SetLimiters installs the redis-backed volumetric limiters built in main.
// These sit in front of the transactional limiter and only catch floods.
func (h *APIHandler) SetLimiters(flood, login gin.HandlerFunc) {
	h.floodLimiter = flood
	h.loginLimiter = login
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WS streams fired alerts to an authenticated admin dashboard.
func (h *APIHandler) WS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	h.hub.register <- conn

	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		h.hub.unregister <- conn
	}()

	_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.RecoveryMiddleware())
	r.Use(h.RequestIDMiddleware())
	r.Use(h.SecurityHeadersMiddleware())
	r.Use(h.PrometheusMiddleware())
	r.Use(h.PayloadLimitMiddleware())
	if h.floodLimiter != nil {
		r.Use(h.floodLimiter)
	}
	r.Use(h.BlockGuardMiddleware())

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(h.RateLimitMiddleware())
	{
		authGroup := api.Group("/auth")
		{
			if h.loginLimiter != nil {
				authGroup.POST("/login", h.loginLimiter, h.Login)
			} else {
				authGroup.POST("/login", h.Login)
			}
			authGroup.POST("/logout", h.AuthMiddleware(), h.Logout)
			authGroup.GET("/me", h.AuthMiddleware(), h.Me)
			authGroup.POST("/change-password", h.AuthMiddleware(), h.ChangePassword)
		}

		protected := api.Group("/")
		protected.Use(h.AuthMiddleware())
		{
			protected.GET("/rooms", h.ListRooms)
			protected.GET("/equipment", h.ListEquipment)
			protected.GET("/loans", h.ListLoans)
			protected.POST("/loans", h.CreateLoan)
			protected.POST("/loans/:id/return", h.ReturnLoan)
		}

		admin := api.Group("/admin")
		admin.Use(h.AuthMiddleware(), h.RequireRole("admin"))
		{
			admin.GET("/alerts", h.ListAlerts)
			admin.POST("/alert-rules/clear-cache", h.ClearAlertRuleCache)
			admin.GET("/blocked-ips", h.ListBlockedIPs)
			admin.POST("/blocked-ips", h.BlockIPManually)
			admin.DELETE("/blocked-ips/:ip", h.UnblockIP)
			admin.GET("/reputation", h.TopMalicious)
			admin.GET("/reputation/:ip", h.GetReputation)
			admin.GET("/audit-logs", h.ListAuditLogs)
		}
	}

	r.GET("/ws/security", h.AuthMiddleware(), h.RequireRole("admin"), h.WS)
}

func (h *APIHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if h.pgRepo == nil || h.pgRepo.Ping(c.Request.Context()) != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

func (h *APIHandler) Ready(c *gin.Context) {
	if h.pgRepo == nil || h.pgRepo.Ping(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
