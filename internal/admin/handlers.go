package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/settlement"
	"github.com/mbd888/habitstakes/internal/validation"
)

const maxReasonLength = 500

// Handler provides admin HTTP endpoints.
type Handler struct {
	settlements SettlementService
	escrows     EscrowService
	reconciler  ReconciliationRunner
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithSettlements sets the settlement service for retry operations.
func (h *Handler) WithSettlements(svc SettlementService) *Handler {
	h.settlements = svc
	return h
}

// WithEscrows sets the escrow service for hold resync and force-fail.
func (h *Handler) WithEscrows(svc EscrowService) *Handler {
	h.escrows = svc
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settlements/stuck", h.listStuck)
	r.POST("/admin/settlements/:id/retry", h.retrySettlement)
	r.POST("/admin/escrows/:id/sync", h.syncEscrow)
	r.POST("/admin/escrows/:id/fail", h.failEscrow)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listStuck returns settlements that are incomplete or partially failed.
func (h *Handler) listStuck(c *gin.Context) {
	if h.settlements == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	records, err := h.settlements.ListRetryable(c.Request.Context(), 0, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck settlements", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlements": records, "count": len(records)})
}

// retrySettlement re-runs a partially failed settlement now.
func (h *Handler) retrySettlement(c *gin.Context) {
	if h.settlements == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement service not configured"})
		return
	}

	challengeID := c.Param("id")
	rec, err := h.settlements.Retry(c.Request.Context(), challengeID)
	switch {
	case errors.Is(err, settlement.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	case errors.Is(err, settlement.ErrNotRetryable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error(), "settlement": rec})
		return
	case errors.Is(err, settlement.ErrSettlementConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement_conflict", "message": err.Error()})
		return
	case err != nil && rec == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry settlement failed", "message": err.Error()})
		return
	case err != nil:
		// The run progressed but left work behind.
		logging.L(c.Request.Context()).Warn("manual settlement retry incomplete",
			"challenge_id", challengeID,
			"error", err,
		)
	}

	c.JSON(http.StatusOK, gin.H{"retried": true, "settlement": rec})
}

// syncEscrow asks the processor for the current state of a pending hold.
func (h *Handler) syncEscrow(c *gin.Context) {
	if h.escrows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}

	esc, err := h.escrows.SyncHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, "failed to sync hold", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// failEscrow moves an escrow to failed after manual investigation.
func (h *Handler) failEscrow(c *gin.Context) {
	if h.escrows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}

	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.Required("reason", req.Reason)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, maxReasonLength)

	esc, err := h.escrows.MarkFailed(c.Request.Context(), c.Param("id"), "operator: "+req.Reason)
	if err != nil {
		writeEscrowError(c, "failed to mark escrow failed", err)
		return
	}

	logging.L(c.Request.Context()).Warn("escrow failed by operator",
		"escrow_id", esc.ID,
		"reason", req.Reason,
	)
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// triggerReconciliation runs an on-demand reconciliation sweep.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil && report == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func writeEscrowError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case escrow.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "message": err.Error()})
	}
}
