package stakes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/validation"
)

// Handler provides HTTP endpoints for stake terms.
type Handler struct {
	service *Service
}

// NewHandler creates a new stakes handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the internal stake routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stakes", h.CreateStake)
	r.GET("/stakes/:id", h.GetStake)
	r.PATCH("/stakes/:id", h.UpdateStake)
	r.POST("/stakes/:id/start", h.StartStake)
	r.GET("/challenges/:id/stake", h.GetChallengeStake)
}

// CreateStake handles POST /internal/stakes
func (h *Handler) CreateStake(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("challengeId", req.ChallengeID),
		validation.ValidIdentifier("challengeId", req.ChallengeID),
		validation.PositiveCents("amountCents", req.AmountCents),
		validation.PositiveInt("targetCompletions", req.TargetCompletions),
		validation.ValidPercent("platformFeePercent", req.PlatformFeePercent),
		validation.ValidCurrency("currency", strings.ToLower(strings.TrimSpace(req.Currency))),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	stake, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "create_failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stake": stake})
}

// GetStake handles GET /internal/stakes/:id
func (h *Handler) GetStake(c *gin.Context) {
	stake, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": stake})
}

// GetChallengeStake handles GET /internal/challenges/:id/stake
func (h *Handler) GetChallengeStake(c *gin.Context) {
	stake, err := h.service.GetByChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": stake})
}

// UpdateStake handles PATCH /internal/stakes/:id
func (h *Handler) UpdateStake(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	stake, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": stake})
}

// StartStake handles POST /internal/stakes/:id/start
func (h *Handler) StartStake(c *gin.Context) {
	stake, err := h.service.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "start_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stake": stake})
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback
	switch {
	case errors.Is(err, ErrStakeNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDuplicateChallenge):
		status, code = http.StatusConflict, "duplicate_challenge"
	case errors.Is(err, ErrStakeImmutable):
		status, code = http.StatusConflict, "stake_immutable"
	case errors.Is(err, ErrStakeCancelled), errors.Is(err, ErrStakeNotOpen):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidFeePercent),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrMissingChallengeID):
		status, code = http.StatusBadRequest, "validation_error"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("stake request failed", "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
