package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/habitstakes/internal/challenges"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/stakes"
)

// Handler exposes the settlement trigger API.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new settlement handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up the internal settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/challenges/:id/settle", h.Settle)
	r.POST("/challenges/:id/cancel", h.Cancel)
	r.GET("/challenges/:id/settlement", h.GetSettlement)
}

// Settle handles POST /internal/challenges/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	rec, err := h.orch.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, rec, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// Cancel handles POST /internal/challenges/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	rec, err := h.orch.Refunder().Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, rec, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// GetSettlement handles GET /internal/challenges/:id/settlement
func (h *Handler) GetSettlement(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.orch.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, nil, err)
		return
	}

	resp := gin.H{"settlement": rec}
	if rev, err := h.orch.Revenue(ctx, rec.ChallengeID); err == nil {
		resp["revenue"] = rev
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, rec *Record, err error) {
	var inc *payout.LedgerInconsistencyError
	switch {
	case errors.Is(err, stakes.ErrStakeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No stake for this challenge"})
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Challenge has not been settled"})
	case errors.Is(err, challenges.ErrChallengeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "outcome_not_found", "message": "Challenge outcome is not available"})
	case errors.Is(err, ErrSettlementConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "settlement_conflict",
			"message":    err.Error(),
			"settlement": rec,
		})
	case errors.As(err, &inc):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "settlement_halted",
			"message":    "Settlement is halted pending operator review",
			"settlement": rec,
		})
	default:
		logging.L(c.Request.Context()).Error("settlement request failed", "challenge_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_failed", "message": "Settlement failed, it will be retried"})
	}
}
