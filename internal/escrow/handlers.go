package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/stakes"
	"github.com/mbd888/habitstakes/internal/validation"
)

// StakeTerms supplies the per-participant amount of a stake that still
// accepts participants.
type StakeTerms interface {
	HoldAmount(ctx context.Context, stakeID string) (int64, error)
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	ledger *Ledger
	terms  StakeTerms
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger, terms StakeTerms) *Handler {
	return &Handler{ledger: ledger, terms: terms}
}

// RegisterRoutes sets up the internal escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stakes/:id/escrows", h.CreateEscrow)
	r.GET("/stakes/:id/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
}

// CreateEscrowRequest is the body of POST /internal/stakes/:id/escrows.
type CreateEscrowRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type escrowView struct {
	*Escrow
	PayoutState string `json:"payoutState"`
}

func view(e *Escrow) escrowView {
	return escrowView{Escrow: e, PayoutState: e.PayoutState()}
}

// CreateEscrow handles POST /internal/stakes/:id/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	stakeID := c.Param("id")

	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidIdentifier("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	amount, err := h.terms.HoldAmount(ctx, stakeID)
	if err != nil {
		switch {
		case errors.Is(err, stakes.ErrStakeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Stake not found"})
		case errors.Is(err, stakes.ErrStakeNotOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "stake_closed", "message": "Stake no longer accepts participants"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load stake"})
		}
		return
	}

	e, hold, err := h.ledger.CreateHold(ctx, req.UserID, stakeID, amount)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": ve.Error()})
		case payment.IsTerminal(err) && e != nil:
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "hold_declined",
				"message": "The processor rejected the hold",
				"escrow":  view(e),
			})
		case payment.IsRetryable(err) && e != nil:
			// Reconciliation re-opens the hold with the same idempotency key.
			c.JSON(http.StatusAccepted, gin.H{
				"escrow":  view(e),
				"message": "Hold is being opened, retry later for the client secret",
			})
		default:
			logging.L(ctx).Error("create hold failed", "stake_id", stakeID, "user_id", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_failed", "message": "Failed to create escrow"})
		}
		return
	}

	status := http.StatusOK
	if hold.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"escrow": view(e), "hold": hold})
}

// GetEscrow handles GET /internal/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
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

	c.JSON(http.StatusOK, gin.H{"escrow": view(e)})
}

// ListEscrows handles GET /internal/stakes/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	escrows, err := h.ledger.ListByStake(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrows",
		})
		return
	}

	views := make([]escrowView, 0, len(escrows))
	for _, e := range escrows {
		views = append(views, view(e))
	}
	c.JSON(http.StatusOK, gin.H{"escrows": views, "count": len(views)})
}
