package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/repository"
)

func (h *APIHandler) ListAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.alerts.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		h.dbError(c, err, "list alerts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": events})
}

func (h *APIHandler) ClearAlertRuleCache(c *gin.Context) {
	if err := h.alerts.ClearRuleCache(c.Request.Context()); err != nil {
		zlog.Error().Err(err).Msg("rule cache clear failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Rule cache cleared"})
}

func (h *APIHandler) ListBlockedIPs(c *gin.Context) {
	blocks, err := h.pgRepo.ListActiveBlocks(c.Request.Context())
	if err != nil {
		h.dbError(c, err, "list blocked IPs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": blocks})
}

type blockIPRequest struct {
	IPAddress       string `json:"ip_address" binding:"required,ip"`
	DurationSeconds int    `json:"duration_seconds" binding:"required,min=60"`
	Reason          string `json:"reason" binding:"required"`
}

// BlockIPManually places an operator block. Manual blocks are not
// auto-unblocked by the cleanup pass.
func (h *APIHandler) BlockIPManually(c *gin.Context) {
	var req blockIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "ip_address, duration_seconds and reason are required"})
		return
	}
	until := time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	if err := h.pgRepo.BlockIP(c.Request.Context(), req.IPAddress, until, req.Reason, nil, false); err != nil {
		h.dbError(c, err, "block IP")
		return
	}
	if h.blockGuard != nil {
		h.blockGuard.NoteBlocked(req.IPAddress)
	}
	user := currentUser(c)
	zlog.Info().Str("ip", req.IPAddress).Int("admin_id", user.ID).Time("until", until).Msg("manual IP block")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "IP blocked"})
}

func (h *APIHandler) UnblockIP(c *gin.Context) {
	ip := c.Param("ip")
	if err := h.pgRepo.UnblockIP(c.Request.Context(), ip); err != nil {
		h.dbError(c, err, "unblock IP")
		return
	}
	user := currentUser(c)
	zlog.Info().Str("ip", ip).Int("admin_id", user.ID).Msg("manual IP unblock")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "IP unblocked"})
}

func (h *APIHandler) TopMalicious(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	reps, err := h.reputation.TopMalicious(c.Request.Context(), limit)
	if err != nil {
		h.dbError(c, err, "list malicious IPs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": reps})
}

func (h *APIHandler) GetReputation(c *gin.Context) {
	ip := c.Param("ip")
	rep, err := h.pgRepo.GetReputation(c.Request.Context(), ip)
	if err != nil {
		if err == repository.ErrNotFound {
			// Unknown IPs read as a clean slate rather than a 404.
			c.JSON(http.StatusOK, gin.H{"success": true, "data": h.reputation.GetView(c.Request.Context(), ip)})
			return
		}
		h.dbError(c, err, "get reputation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rep})
}

func (h *APIHandler) ListAuditLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	eventType := c.Query("event_type")

	entries, total, err := h.pgRepo.GetAuditLogsPaginated(c.Request.Context(), limit, offset, eventType)
	if err != nil {
		h.dbError(c, err, "list audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
