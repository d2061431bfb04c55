package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
)

// DefaultSignatureHeader carries the processor's payload signature.
const DefaultSignatureHeader = "Stripe-Signature"

// Handler serves the processor webhook endpoint.
type Handler struct {
	receiver *Receiver
	header   string
}

// NewHandler creates a webhook handler reading the signature from header,
// or DefaultSignatureHeader when header is empty.
func NewHandler(receiver *Receiver, header string) *Handler {
	if header == "" {
		header = DefaultSignatureHeader
	}
	return &Handler{receiver: receiver, header: header}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/processor", h.Receive)
}

// Receive handles POST /webhooks/processor
func (h *Handler) Receive(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	res, err := h.receiver.Receive(c.Request.Context(), payload, c.GetHeader(h.header))
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	case errors.Is(err, payment.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	default:
		// Non-2xx makes the processor redeliver.
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": res.Duplicate,
		"eventId":   res.EventID,
	})
}
