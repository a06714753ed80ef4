package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Handler provides the inbound webhook endpoint.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a new webhook handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes sets up the webhook ingestion route. Signature
// verification is the auth; these routes sit outside token middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/webhook/:provider", h.Receive)
}

// Receive handles POST /v1/escrow/webhook/:provider.
// 200 means "recorded": processing failures are retried internally rather
// than bounced back, so providers don't hammer us with redeliveries.
func (h *Handler) Receive(c *gin.Context) {
	provider := c.Param("provider")
	signature := c.GetHeader(SignatureHeader)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	err = h.ingestor.Ingest(c.Request.Context(), provider, signature, body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No webhook secret configured for this provider",
		})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "bad_signature",
			"message": "Webhook signature verification failed",
		})
	case errors.Is(err, ErrMalformed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_event",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record webhook delivery",
		})
	}
}
