package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

// The lab endpoints are intentionally thin. They exist as the protected
// surface the security pipeline wraps around.

func (h *APIHandler) ListRooms(c *gin.Context) {
	rooms, err := h.pgRepo.ListRooms(c.Request.Context())
	if err != nil {
		h.dbError(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rooms})
}

func (h *APIHandler) ListEquipment(c *gin.Context) {
	items, err := h.pgRepo.ListEquipment(c.Request.Context())
	if err != nil {
		h.dbError(c, err, "list equipment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": items})
}

func (h *APIHandler) ListLoans(c *gin.Context) {
	user := currentUser(c)
	loans, err := h.pgRepo.ListLoansByUser(c.Request.Context(), user.ID)
	if err != nil {
		h.dbError(c, err, "list loans")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": loans})
}

type createLoanRequest struct {
	EquipmentID int `json:"equipment_id" binding:"required"`
	Quantity    int `json:"quantity" binding:"required,min=1"`
}

func (h *APIHandler) CreateLoan(c *gin.Context) {
	var req createLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "equipment_id and quantity are required"})
		return
	}
	user := currentUser(c)
	id, err := h.pgRepo.CreateLoan(c.Request.Context(), user.ID, req.EquipmentID, req.Quantity)
	if err != nil {
		h.dbError(c, err, "create loan")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": id}})
}

func (h *APIHandler) ReturnLoan(c *gin.Context) {
	loanID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid loan id"})
		return
	}
	user := currentUser(c)
	if err := h.pgRepo.ReturnLoan(c.Request.Context(), loanID, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Loan not found or already returned"})
			return
		}
		h.dbError(c, err, "return loan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Loan returned"})
}

func (h *APIHandler) dbError(c *gin.Context, err error, op string) {
	zlog.Error().Err(err).Str("op", op).Msg("database error")
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
}
