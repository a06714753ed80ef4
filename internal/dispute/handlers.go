package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/auth"
	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/ledger"
)

// Handler provides HTTP handlers for dispute operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new dispute handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:id/disputes", h.ListDisputes)
}

// RegisterProtectedRoutes sets up authenticated dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/milestones/:milestoneId/disputes", h.OpenDispute)
}

// RegisterResolverRoutes sets up routes requiring the resolve capability.
// The caller attaches the capability middleware to the group.
func (h *Handler) RegisterResolverRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDispute handles POST /v1/escrows/:id/milestones/:milestoneId/disputes.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.manager.Open(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req)
	if err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			// Replay of an open: point at the existing case.
			c.JSON(http.StatusConflict, gin.H{
				"error":     "already_disputed",
				"message":   "Milestone already has an open dispute",
				"disputeId": d.ID,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, d)
}

// ResolveDispute handles POST /v1/disputes/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), auth.Subject(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, d)
}

// GetDispute handles GET /v1/disputes/:id.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListDisputes handles GET /v1/escrows/:id/disputes.
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.manager.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Resource not found",
		})
	case errors.Is(err, ErrBadOutcome):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, escrow.ErrInvalidState), errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
