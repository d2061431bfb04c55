// Package escrow tracks each participant's stake from processor hold to
// payout.
//
// Flow:
//  1. CreateHold opens a manual-capture hold → pending (held once authorized)
//  2. Settlement captures the hold → captured
//  3. Release records the payout, zero for losers → released
//  4. Void cancels an uncaptured hold → voided
//
// Any non-terminal escrow can fall to failed. Every write is conditional on
// the row version so concurrent webhooks, settlement runs and reconciliation
// never clobber each other.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrDuplicateEscrow     = errors.New("escrow already exists for user and stake")
	ErrConcurrencyConflict = errors.New("escrow was modified concurrently")
	ErrHoldNotFound        = errors.New("no escrow for processor hold")
	ErrTransferMismatch    = errors.New("escrow already has a different transfer")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "pending"  // Hold requested, not yet authorized
	StatusHeld     Status = "held"     // Funds authorized at the processor
	StatusCaptured Status = "captured" // Funds collected into the pot
	StatusReleased Status = "released" // Payout decided (possibly zero)
	StatusVoided   Status = "voided"   // Hold cancelled, nothing charged
	StatusFailed   Status = "failed"   // Needs a human
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusHeld, StatusFailed},
	StatusHeld:     {StatusCaptured, StatusVoided, StatusFailed},
	StatusCaptured: {StatusReleased, StatusFailed},
}

// CanTransition reports whether s → to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for released, voided and failed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusVoided, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHeld, StatusCaptured, StatusReleased, StatusVoided, StatusFailed:
		return true
	}
	return false
}

// Escrow is one participant's funds for one stake.
type Escrow struct {
	ID                string     `json:"id"`
	StakeID           string     `json:"stakeId"`
	UserID            string     `json:"userId"`
	AmountCents       int64      `json:"amountCents"`
	ExternalHoldRef   string     `json:"externalHoldRef,omitempty"`
	Status            Status     `json:"status"`
	PayoutAmountCents *int64     `json:"payoutAmountCents,omitempty"`
	TransferRef       string     `json:"transferRef,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Payout state shown to the participant.
const (
	PayoutAwaitingAuthorization = "awaiting_authorization"
	PayoutHeld                  = "held"
	PayoutProcessing            = "processing"
	PayoutPaid                  = "paid"
	PayoutForfeited             = "forfeited"
	PayoutRefunded              = "refunded"
	PayoutFailed                = "failed: contact support"
)

// PayoutState maps the escrow status to what a participant should see.
// Anything between capture and the winner's transfer is "processing"; a
// failed escrow always tells the user to contact support.
func (e *Escrow) PayoutState() string {
	switch e.Status {
	case StatusPending:
		return PayoutAwaitingAuthorization
	case StatusHeld:
		return PayoutHeld
	case StatusCaptured:
		return PayoutProcessing
	case StatusReleased:
		if e.PayoutAmountCents == nil || *e.PayoutAmountCents == 0 {
			return PayoutForfeited
		}
		if e.TransferRef == "" {
			return PayoutProcessing
		}
		return PayoutPaid
	case StatusVoided:
		return PayoutRefunded
	default:
		return PayoutFailed
	}
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.PayoutAmountCents != nil {
		v := *e.PayoutAmountCents
		cp.PayoutAmountCents = &v
	}
	if e.NextAttemptAt != nil {
		t := *e.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// ValidationError is returned for bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InvalidTransitionError is returned when an operation is attempted from a
// state that doesn't allow it. Callers should re-read the escrow.
type InvalidTransitionError struct {
	EscrowID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow %s: invalid transition %s → %s", e.EscrowID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// Store persists escrows and processed webhook events.
//
// Update must be conditional on the version the escrow was read at: it
// writes only if the stored version still equals e.Version, increments
// e.Version on success and returns ErrConcurrencyConflict otherwise.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByUserStake(ctx context.Context, userID, stakeID string) (*Escrow, error)
	GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByStake(ctx context.Context, stakeID string) ([]*Escrow, error)
	// ListStale returns non-terminal escrows last updated before
	// updatedBefore whose next attempt (if any) is due at now.
	ListStale(ctx context.Context, updatedBefore, now time.Time, limit int) ([]*Escrow, error)

	EventProcessed(ctx context.Context, eventID string) (bool, error)
	// RecordEvent returns false if the event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error)
}
