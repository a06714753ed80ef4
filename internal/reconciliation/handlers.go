package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/ledger"
)

// Handler provides the manual reconciliation trigger.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up operator-only reconciliation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/reconcile", h.ReconcileEscrow)
}

// ReconcileEscrow handles POST /v1/escrows/:id/reconcile.
func (h *Handler) ReconcileEscrow(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.service.ledger.GetEscrow(c.Request.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow",
		})
		return
	}

	chased, err := h.service.ReconcileEscrow(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Reconciliation did not complete",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrowId": id, "chased": chased})
}
