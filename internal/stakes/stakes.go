// Package stakes manages the money terms of a challenge: how much each
// participant puts in, the platform fee and the completion target.
//
// Flow:
//  1. Operator creates stake terms for a challenge → open
//  2. Participants join, each opening an escrow hold for AmountCents
//  3. Challenge starts → started; terms are frozen from here on
//  4. Challenge is cancelled before settlement → cancelled
package stakes

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrStakeNotFound      = errors.New("stake not found")
	ErrDuplicateChallenge = errors.New("stake already exists for challenge")
	ErrStakeImmutable     = errors.New("stake terms are frozen once the challenge starts")
	ErrStakeNotOpen       = errors.New("stake is not open for new participants")
	ErrStakeCancelled     = errors.New("stake is cancelled")
	ErrInvalidFeePercent  = errors.New("platform fee percent must be in [0, 100)")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidTarget      = errors.New("target completions must be positive")
	ErrInvalidCurrency    = errors.New("currency must be a 3-letter ISO code")
	ErrMissingChallengeID = errors.New("challenge id is required")
)

// Status is the lifecycle state of a stake.
type Status string

const (
	StatusOpen      Status = "open"
	StatusStarted   Status = "started"
	StatusCancelled Status = "cancelled"
)

// DefaultCurrency is used when a stake is created without one.
const DefaultCurrency = "usd"

// Stake is the financial terms of one challenge.
type Stake struct {
	ID                 string          `json:"id"`
	ChallengeID        string          `json:"challengeId"`
	AmountCents        int64           `json:"amountCents"`
	PlatformFeePercent decimal.Decimal `json:"platformFeePercent"`
	TargetCompletions  int             `json:"targetCompletions"`
	Currency           string          `json:"currency"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Store persists stakes.
type Store interface {
	Create(ctx context.Context, s *Stake) error
	Get(ctx context.Context, id string) (*Stake, error)
	GetByChallenge(ctx context.Context, challengeID string) (*Stake, error)
	// UpdateTerms writes amount, fee, target and currency only while the
	// stake is still open; otherwise it returns ErrStakeImmutable.
	UpdateTerms(ctx context.Context, s *Stake) error
	// UpdateStatus moves the stake to `to` if its current status is `from`.
	// It reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
}

// CreateRequest contains the parameters for creating stake terms.
type CreateRequest struct {
	ChallengeID        string `json:"challengeId" binding:"required"`
	AmountCents        int64  `json:"amountCents" binding:"required"`
	PlatformFeePercent string `json:"platformFeePercent" binding:"required"`
	TargetCompletions  int    `json:"targetCompletions" binding:"required"`
	Currency           string `json:"currency"`
}

// UpdateRequest changes terms of an open stake. Nil fields are left alone.
type UpdateRequest struct {
	AmountCents        *int64  `json:"amountCents"`
	PlatformFeePercent *string `json:"platformFeePercent"`
	TargetCompletions  *int    `json:"targetCompletions"`
	Currency           *string `json:"currency"`
}
