// Package settlement pays out a challenge once its deadline passes, or
// refunds it when nobody won or the challenge was cancelled.
//
// One SettlementRecord exists per challenge. Whoever inserts it first
// (settle or cancel) owns the challenge; a later caller of the same kind
// resumes the run, a caller of the other kind is turned away. Every
// per-escrow step is idempotent, so a run can be repeated or resumed after
// a crash without charging or paying twice.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/habitstakes/internal/payout"
)

var (
	ErrRecordNotFound      = errors.New("settlement record not found")
	ErrSettlementConflict  = errors.New("challenge is already being settled or cancelled")
	ErrConcurrencyConflict = errors.New("settlement record was modified concurrently")
	ErrNotRetryable        = errors.New("settlement is not in a retryable state")
)

// Kind is what a record was created for.
type Kind string

const (
	KindSettle Kind = "settle"
	KindCancel Kind = "cancel"
)

// Outcome of a completed run.
type Outcome string

const (
	OutcomeWinnersPaid    Outcome = "winners_paid"
	OutcomeAllRefunded    Outcome = "all_refunded"
	OutcomePartialFailure Outcome = "partial_failure"
)

// RevenueTypeStakeFee is the only revenue entry type.
const RevenueTypeStakeFee = "stake_fee"

// Record tracks the settlement of one challenge.
type Record struct {
	ChallengeID   string               `json:"challengeId"`
	StakeID       string               `json:"stakeId"`
	Kind          Kind                 `json:"kind"`
	Outcome       Outcome              `json:"outcome,omitempty"`
	Distribution  *payout.Distribution `json:"distribution,omitempty"`
	Attempts      int                  `json:"attempts"`
	NextAttemptAt *time.Time           `json:"nextAttemptAt,omitempty"`
	HaltReason    string               `json:"haltReason,omitempty"`
	StartedAt     time.Time            `json:"startedAt"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Version       int64                `json:"version"`
}

// Completed reports whether a run finished, successfully or not.
func (r *Record) Completed() bool { return r.CompletedAt != nil }

// Halted reports whether automated settlement was stopped for the
// challenge.
func (r *Record) Halted() bool { return r.HaltReason != "" }

// NeedsRetry reports whether reconciliation should run the record again.
func (r *Record) NeedsRetry() bool {
	return !r.Halted() && (!r.Completed() || r.Outcome == OutcomePartialFailure)
}

func (r *Record) clone() *Record {
	cp := *r
	if r.Distribution != nil {
		d := *r.Distribution
		d.Winners = append([]payout.Winner(nil), r.Distribution.Winners...)
		cp.Distribution = &d
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RevenueEntry is the platform's cut of one settled challenge.
type RevenueEntry struct {
	ChallengeID string    `json:"challengeId"`
	AmountCents int64     `json:"amountCents"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists settlement records and revenue entries.
type Store interface {
	// Begin inserts rec unless a record for the challenge exists. It returns
	// the stored record and whether this call created it.
	Begin(ctx context.Context, rec *Record) (*Record, bool, error)
	Get(ctx context.Context, challengeID string) (*Record, error)
	// Update writes rec if its version still matches and bumps the version.
	// A mismatch returns ErrConcurrencyConflict.
	Update(ctx context.Context, rec *Record) error
	// ListRetryable returns unhalted records that are either incomplete and
	// untouched since staleBefore, or completed with a partial failure.
	// Records whose next attempt is after now are skipped.
	ListRetryable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*Record, error)
	// RecordRevenue inserts the entry once per challenge. It reports whether
	// this call wrote it.
	RecordRevenue(ctx context.Context, entry *RevenueEntry) (bool, error)
	GetRevenue(ctx context.Context, challengeID string) (*RevenueEntry, error)
}

// updateRecord re-reads the record, applies fn and writes it back. fn
// returns false to skip the write.
func updateRecord(ctx context.Context, store Store, challengeID string, now func() time.Time, fn func(*Record) (bool, error)) (*Record, error) {
	for attempt := 0; attempt < 5; attempt++ {
		rec, err := store.Get(ctx, challengeID)
		if err != nil {
			return nil, err
		}
		write, err := fn(rec)
		if err != nil || !write {
			return rec, err
		}
		rec.UpdatedAt = now()
		err = store.Update(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
	}
	return nil, ErrConcurrencyConflict
}
