package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/habitstakes/internal/idgen"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/syncutil"
	"github.com/mbd888/habitstakes/internal/traces"
)

// maxConflictRetries bounds the re-read/re-apply loop on version conflicts.
const maxConflictRetries = 5

var escrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "habitstakes",
	Subsystem: "escrow",
	Name:      "transitions_total",
	Help:      "Escrow status transitions by source and destination status.",
}, []string{"from", "to"})

func init() {
	prometheus.MustRegister(escrowTransitions)
}

// HoldResult describes the processor hold behind an escrow.
type HoldResult struct {
	HoldRef      string `json:"holdRef"`
	ClientSecret string `json:"clientSecret,omitempty"`
	// Created is false when CreateHold returned an existing escrow.
	Created bool `json:"created"`
}

// Ledger is the only writer of escrow rows. It never caches: every
// operation re-reads the store.
//
// Processor-facing operations on one escrow are serialized within the
// process, so settlement, reconciliation and webhooks don't race each other
// to the processor. Version checks still guard writes across processes.
type Ledger struct {
	store    Store
	gateway  payment.Gateway
	currency string
	clock    clockwork.Clock
	locks    *syncutil.KeyedMutex
}

// NewLedger creates a ledger that opens holds in currency.
func NewLedger(store Store, gateway payment.Gateway, currency string) *Ledger {
	return &Ledger{
		store:    store,
		gateway:  gateway,
		currency: currency,
		clock:    clockwork.NewRealClock(),
		locks:    syncutil.NewKeyedMutex(0),
	}
}

// WithClock replaces the wall clock, for tests.
func (l *Ledger) WithClock(c clockwork.Clock) *Ledger {
	l.clock = c
	return l
}

// CreateHold opens (or returns) the escrow for userID in stakeID.
//
// On a retryable processor error the escrow is returned together with the
// error: it stays pending and reconciliation re-opens the hold with the same
// idempotency key. A terminal rejection moves it to failed.
func (l *Ledger) CreateHold(ctx context.Context, userID, stakeID string, amountCents int64) (e *Escrow, res *HoldResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold",
		traces.UserID(userID), traces.StakeID(stakeID), traces.AmountCents(amountCents))
	defer func() { traces.End(span, err) }()

	switch {
	case userID == "":
		return nil, nil, &ValidationError{Field: "userId", Message: "is required"}
	case stakeID == "":
		return nil, nil, &ValidationError{Field: "stakeId", Message: "is required"}
	case amountCents <= 0:
		return nil, nil, &ValidationError{Field: "amountCents", Message: "must be positive"}
	}

	existing, err := l.store.GetByUserStake(ctx, userID, stakeID)
	switch {
	case err == nil:
		return l.existingHold(ctx, existing)
	case !errors.Is(err, ErrEscrowNotFound):
		return nil, nil, err
	}

	now := l.clock.Now()
	e = &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		StakeID:     stakeID,
		UserID:      userID,
		AmountCents: amountCents,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateEscrow) {
			existing, gerr := l.store.GetByUserStake(ctx, userID, stakeID)
			if gerr != nil {
				return nil, nil, gerr
			}
			return l.existingHold(ctx, existing)
		}
		return nil, nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	e, res, err = l.openHold(ctx, e)
	if res != nil {
		res.Created = true
	}
	return e, res, err
}

// existingHold answers a repeated CreateHold. A pending escrow goes back to
// the processor (idempotently) so the caller gets a client secret again.
func (l *Ledger) existingHold(ctx context.Context, e *Escrow) (*Escrow, *HoldResult, error) {
	if e.Status == StatusPending {
		return l.openHold(ctx, e)
	}
	return e, &HoldResult{HoldRef: e.ExternalHoldRef}, nil
}

func (l *Ledger) openHold(ctx context.Context, e *Escrow) (*Escrow, *HoldResult, error) {
	hold, err := l.gateway.CreateHold(ctx, payment.HoldRequest{
		AmountCents: e.AmountCents,
		Currency:    l.currency,
		Metadata: map[string]string{
			payment.MetaEscrowID: e.ID,
			payment.MetaStakeID:  e.StakeID,
			payment.MetaUserID:   e.UserID,
		},
		IdempotencyKey: payment.HoldKey(e.ID),
	})
	if err != nil {
		if payment.IsTerminal(err) {
			failed, ferr := l.MarkFailed(ctx, e.ID, "hold rejected: "+failureCode(err))
			if ferr != nil {
				return e, nil, errors.Join(err, ferr)
			}
			return failed, nil, err
		}
		logging.L(ctx).Warn("hold not opened, leaving pending", "escrow_id", e.ID, "error", err)
		return e, nil, err
	}

	updated, err := l.update(ctx, e.ID, func(cur *Escrow) (bool, error) {
		if cur.Status != StatusPending {
			return false, nil
		}
		changed := cur.ExternalHoldRef != hold.HoldRef
		cur.ExternalHoldRef = hold.HoldRef
		if hold.Authorized {
			cur.Status = StatusHeld
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, &HoldResult{HoldRef: hold.HoldRef, ClientSecret: hold.ClientSecret}, nil
}

// ConfirmHold applies a hold-authorized webhook. It is idempotent on
// eventID and a no-op for escrows already past pending.
func (l *Ledger) ConfirmHold(ctx context.Context, eventID, holdRef string) (*Escrow, error) {
	return l.applyEvent(ctx, eventID, payment.EventHoldConfirmed, holdRef, func(e *Escrow) (bool, error) {
		if e.Status != StatusPending {
			return false, nil
		}
		return true, move(e, StatusHeld)
	})
}

// ObserveCapture applies a capture-succeeded webhook. The processor already
// holds the funds, so no second capture call is made.
func (l *Ledger) ObserveCapture(ctx context.Context, eventID, holdRef string) (*Escrow, error) {
	return l.applyEvent(ctx, eventID, payment.EventCaptureSucceeded, holdRef, func(e *Escrow) (bool, error) {
		switch e.Status {
		case StatusPending:
			if err := move(e, StatusHeld); err != nil {
				return false, err
			}
			return true, move(e, StatusCaptured)
		case StatusHeld:
			return true, move(e, StatusCaptured)
		default:
			return false, nil
		}
	})
}

// ObserveVoid applies a hold-canceled webhook. A held escrow is voided
// without a second processor call; a pending one never had funds
// authorized and fails. Our own voids land here too and are no-ops once the
// escrow is voided.
func (l *Ledger) ObserveVoid(ctx context.Context, eventID, holdRef, reason string) (*Escrow, error) {
	return l.applyEvent(ctx, eventID, payment.EventHoldCanceled, holdRef, func(e *Escrow) (bool, error) {
		switch e.Status {
		case StatusHeld:
			e.NextAttemptAt = nil
			return true, move(e, StatusVoided)
		case StatusPending:
			e.FailureReason = "hold canceled at processor"
			if reason != "" {
				e.FailureReason += ": " + reason
			}
			return true, move(e, StatusFailed)
		default:
			return false, nil
		}
	})
}

// FailHold applies a hold-failed or capture-failed webhook. Escrows already
// captured or finished are left alone.
func (l *Ledger) FailHold(ctx context.Context, eventID string, typ payment.EventType, holdRef, reason string) (*Escrow, error) {
	return l.applyEvent(ctx, eventID, typ, holdRef, func(e *Escrow) (bool, error) {
		if e.Status != StatusPending && e.Status != StatusHeld {
			return false, nil
		}
		e.FailureReason = string(typ) + ": " + reason
		return true, move(e, StatusFailed)
	})
}

func (l *Ledger) applyEvent(ctx context.Context, eventID string, typ payment.EventType, holdRef string, fn func(*Escrow) (bool, error)) (*Escrow, error) {
	e, err := l.store.GetByHoldRef(ctx, holdRef)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdRef)
		}
		return nil, err
	}

	unlock, err := l.locks.Lock(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if eventID != "" {
		seen, err := l.store.EventProcessed(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if seen {
			return e, nil
		}
	}

	updated, err := l.update(ctx, e.ID, fn)
	if err != nil {
		return updated, err
	}
	if eventID != "" {
		if _, err := l.store.RecordEvent(ctx, eventID, string(typ), l.clock.Now()); err != nil {
			return updated, fmt.Errorf("failed to record event %s: %w", eventID, err)
		}
	}
	return updated, nil
}

// EventSeen reports whether a webhook event was already applied.
func (l *Ledger) EventSeen(ctx context.Context, eventID string) (bool, error) {
	return l.store.EventProcessed(ctx, eventID)
}

// RecordEvent marks an event as processed without touching any escrow. It
// returns false for an event recorded before.
func (l *Ledger) RecordEvent(ctx context.Context, eventID string, typ payment.EventType) (bool, error) {
	return l.store.RecordEvent(ctx, eventID, string(typ), l.clock.Now())
}

// Capture collects a held escrow. Only one caller can win: the processor
// call is idempotent on the escrow id and the state write is conditional on
// the version, so the loser of a race gets an InvalidTransitionError.
//
// A retryable processor error leaves the escrow held; a terminal one moves
// it to failed. Both are returned to the caller.
func (l *Ledger) Capture(ctx context.Context, id string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Capture", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusHeld {
		return cur, &InvalidTransitionError{EscrowID: id, From: cur.Status, To: StatusCaptured}
	}

	if _, err := l.gateway.Capture(ctx, cur.ExternalHoldRef, payment.CaptureKey(id)); err != nil {
		if payment.IsTerminal(err) {
			failed, ferr := l.MarkFailed(ctx, id, "capture rejected: "+failureCode(err))
			if ferr != nil {
				return cur, errors.Join(err, ferr)
			}
			return failed, err
		}
		return cur, err
	}

	e, err = l.update(ctx, id, func(e *Escrow) (bool, error) {
		if e.Status != StatusHeld {
			return false, &InvalidTransitionError{EscrowID: id, From: e.Status, To: StatusCaptured}
		}
		return true, move(e, StatusCaptured)
	})
	if err != nil && !IsInvalidTransition(err) {
		logging.L(ctx).Error("captured at processor but escrow not updated",
			"escrow_id", id, "hold_ref", cur.ExternalHoldRef, "error", err)
	}
	return e, err
}

// Release records the final payout for a captured escrow. Losers are
// released with zero.
func (l *Ledger) Release(ctx context.Context, id string, payoutAmountCents int64) (*Escrow, error) {
	if payoutAmountCents < 0 {
		return nil, &ValidationError{Field: "payoutAmountCents", Message: "must not be negative"}
	}
	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		if err := move(e, StatusReleased); err != nil {
			return false, err
		}
		now := l.clock.Now()
		amount := payoutAmountCents
		e.PayoutAmountCents = &amount
		e.ReleasedAt = &now
		e.NextAttemptAt = nil
		return true, nil
	})
}

// Void cancels a held escrow's hold. Nothing is charged.
func (l *Ledger) Void(ctx context.Context, id string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Void", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusHeld {
		return cur, &InvalidTransitionError{EscrowID: id, From: cur.Status, To: StatusVoided}
	}

	if err := l.gateway.Void(ctx, cur.ExternalHoldRef, payment.VoidKey(id)); err != nil {
		if payment.IsTerminal(err) {
			failed, ferr := l.MarkFailed(ctx, id, "void rejected: "+failureCode(err))
			if ferr != nil {
				return cur, errors.Join(err, ferr)
			}
			return failed, err
		}
		return cur, err
	}

	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		return true, move(e, StatusVoided)
	})
}

// AbandonHold cancels the processor hold of a pending escrow whose stake is
// being refunded and marks it failed. No funds were ever authorized.
func (l *Ledger) AbandonHold(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusPending {
		return cur, &InvalidTransitionError{EscrowID: id, From: cur.Status, To: StatusFailed}
	}
	if cur.ExternalHoldRef != "" {
		if err := l.gateway.Void(ctx, cur.ExternalHoldRef, payment.VoidKey(id)); err != nil && !payment.IsTerminal(err) {
			return cur, err
		}
	}
	return l.MarkFailed(ctx, id, reason)
}

// RecordTransfer stores the processor transfer id for a winner. It does not
// change status.
func (l *Ledger) RecordTransfer(ctx context.Context, id, transferRef string) (*Escrow, error) {
	if transferRef == "" {
		return nil, &ValidationError{Field: "transferRef", Message: "is required"}
	}
	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		switch e.TransferRef {
		case transferRef:
			return false, nil
		case "":
			e.TransferRef = transferRef
			if e.Status != StatusFailed {
				e.FailureReason = ""
			}
			return true, nil
		default:
			return false, fmt.Errorf("%w: %s has %s, got %s", ErrTransferMismatch, id, e.TransferRef, transferRef)
		}
	})
}

// Annotate records why a step failed without changing status. A released
// winner whose transfer is still owed carries the note until RecordTransfer
// clears it.
func (l *Ledger) Annotate(ctx context.Context, id, note string) (*Escrow, error) {
	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		if e.FailureReason == note {
			return false, nil
		}
		e.FailureReason = note
		return true, nil
	})
}

// MarkFailed moves a non-terminal escrow to failed. Failing an already
// failed escrow is a no-op.
func (l *Ledger) MarkFailed(ctx context.Context, id, reason string) (*Escrow, error) {
	e, err := l.update(ctx, id, func(e *Escrow) (bool, error) {
		if e.Status == StatusFailed {
			return false, nil
		}
		e.FailureReason = reason
		e.NextAttemptAt = nil
		return true, move(e, StatusFailed)
	})
	if err == nil {
		logging.L(ctx).Warn("escrow failed", "escrow_id", id, "reason", reason)
	}
	return e, err
}

// ScheduleRetry bumps the attempt counter, notes why the last attempt
// failed and defers the next reconciliation attempt until next. Terminal
// escrows are left alone.
func (l *Ledger) ScheduleRetry(ctx context.Context, id string, next time.Time, reason string) (*Escrow, error) {
	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		if e.IsTerminal() {
			return false, nil
		}
		e.Attempts++
		e.NextAttemptAt = &next
		if reason != "" {
			e.FailureReason = reason
		}
		return true, nil
	})
}

// Defer pushes the next reconciliation look at an escrow that is waiting
// normally out to next without counting an attempt.
func (l *Ledger) Defer(ctx context.Context, id string, next time.Time) (*Escrow, error) {
	return l.update(ctx, id, func(e *Escrow) (bool, error) {
		if e.IsTerminal() {
			return false, nil
		}
		e.NextAttemptAt = &next
		return true, nil
	})
}

// SyncHold asks the processor what became of a pending escrow's hold.
// A missing hold ref means the original CreateHold response was lost, so the
// hold is re-opened with the same idempotency key.
func (l *Ledger) SyncHold(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusPending {
		return cur, nil
	}
	if cur.ExternalHoldRef == "" {
		e, _, err := l.openHold(ctx, cur)
		return e, err
	}

	st, err := l.gateway.HoldStatus(ctx, cur.ExternalHoldRef)
	if err != nil {
		return cur, err
	}
	switch st {
	case payment.HoldStateAuthorized, payment.HoldStateCaptured:
		return l.update(ctx, id, func(e *Escrow) (bool, error) {
			if e.Status != StatusPending {
				return false, nil
			}
			return true, move(e, StatusHeld)
		})
	case payment.HoldStateCanceled, payment.HoldStateFailed:
		return l.MarkFailed(ctx, id, "processor reports hold "+string(st))
	default:
		return cur, nil
	}
}

func (l *Ledger) Get(ctx context.Context, id string) (*Escrow, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) ListByStake(ctx context.Context, stakeID string) ([]*Escrow, error) {
	return l.store.ListByStake(ctx, stakeID)
}

// ListStale returns non-terminal escrows untouched for staleAfter whose
// retry is due.
func (l *Ledger) ListStale(ctx context.Context, staleAfter time.Duration, limit int) ([]*Escrow, error) {
	now := l.clock.Now()
	return l.store.ListStale(ctx, now.Add(-staleAfter), now, limit)
}

// update re-reads the escrow, lets fn mutate it and writes it back
// conditionally on the version it read. fn returns false to skip the write.
// On a version conflict the whole read-apply-write is repeated.
func (l *Ledger) update(ctx context.Context, id string, fn func(e *Escrow) (bool, error)) (*Escrow, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		e, err := l.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from := e.Status
		write, err := fn(e)
		if err != nil {
			return e, err
		}
		if !write {
			return e, nil
		}
		e.UpdatedAt = l.clock.Now()

		err = l.store.Update(ctx, e)
		if err == nil {
			if e.Status != from {
				escrowTransitions.WithLabelValues(string(from), string(e.Status)).Inc()
			}
			return e, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		logging.L(ctx).Debug("escrow version conflict, retrying", "escrow_id", id, "attempt", attempt+1)
	}
	return nil, ErrConcurrencyConflict
}

func move(e *Escrow, to Status) error {
	if !e.Status.CanTransition(to) {
		return &InvalidTransitionError{EscrowID: e.ID, From: e.Status, To: to}
	}
	e.Status = to
	return nil
}

func failureCode(err error) string {
	var pe *payment.ProcessorError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return err.Error()
}
