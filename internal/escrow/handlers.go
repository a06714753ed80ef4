package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new escrow handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/milestones", h.ListMilestones)
	r.GET("/escrows/:id/entries", h.ListEntries)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.InitiateFunding)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/milestones/:milestoneId/release", h.RequestRelease)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req ledger.CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidParty("buyerId", req.BuyerID),
		validation.ValidParty("supplierId", req.SupplierID),
		validation.ValidCurrency("currency", req.Currency),
		validation.PositiveAmount("totalAmount", req.Total),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, milestones, err := h.orch.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e, "milestones": milestones})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	e, err := h.orch.ledger.GetEscrow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	milestones, err := h.orch.ledger.ListMilestones(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e, "milestones": milestones})
}

// ListMilestones handles GET /v1/escrows/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.orch.ledger.GetEscrow(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	milestones, err := h.orch.ledger.ListMilestones(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

// ListEntries handles GET /v1/escrows/:id/entries
func (h *Handler) ListEntries(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.orch.ledger.GetEscrow(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	entries, err := h.orch.ledger.ListEntries(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// InitiateFunding handles POST /v1/escrows/:id/fund
func (h *Handler) InitiateFunding(c *gin.Context) {
	id := c.Param("id")

	e, instructions, err := h.orch.InitiateFunding(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e, "funding": instructions})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	id := c.Param("id")

	e, err := h.orch.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RequestRelease handles POST /v1/escrows/:id/milestones/:milestoneId/release
func (h *Handler) RequestRelease(c *gin.Context) {
	escrowID := c.Param("id")
	milestoneID := c.Param("milestoneId")

	m, err := h.orch.RequestRelease(c.Request.Context(), escrowID, milestoneID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 202: the payout is dispatched asynchronously; release_requested is the
	// authoritative state until the gateway confirms.
	c.JSON(http.StatusAccepted, gin.H{"milestone": m})
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Resource not found",
		})
	case errors.Is(err, ledger.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "disputed",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrImmutable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
