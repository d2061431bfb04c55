package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/retry"
	"github.com/mbd888/habitstakes/internal/stakes"
	"github.com/mbd888/habitstakes/internal/traces"
)

// ErrRefundIncomplete is returned when some escrows could not be refunded.
var ErrRefundIncomplete = errors.New("refund incomplete")

// Refunder returns every participant's money: when nobody met the target,
// or when a challenge is cancelled.
type Refunder struct {
	*core
}

// RefundSummary counts what a refund pass did.
type RefundSummary struct {
	Voided    int      `json:"voided"`
	Abandoned int      `json:"abandoned"`
	Skipped   int      `json:"skipped"`
	Failed    []string `json:"failed,omitempty"`
}

// Refund voids every held escrow of a stake and abandons pending ones.
// Released, voided and failed escrows are skipped.
func (r *Refunder) Refund(ctx context.Context, stakeID string) (RefundSummary, error) {
	escrows, err := r.ledger.ListByStake(ctx, stakeID)
	if err != nil {
		return RefundSummary{}, err
	}
	sum := r.refundAll(ctx, "", escrows)
	if len(sum.Failed) > 0 {
		return sum, fmt.Errorf("%w: %d of %d escrows", ErrRefundIncomplete, len(sum.Failed), len(escrows))
	}
	return sum, nil
}

// Cancel refunds a challenge that will not be settled. It claims the
// challenge's settlement record first; if a settlement already owns it the
// cancel is turned away with ErrSettlementConflict.
func (r *Refunder) Cancel(ctx context.Context, challengeID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Cancel", traces.ChallengeID(challengeID))
	defer func() { traces.End(span, err) }()

	stake, err := r.stakes.GetByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	rec, created, err := r.store.Begin(ctx, &Record{
		ChallengeID: challengeID,
		StakeID:     stake.ID,
		Kind:        KindCancel,
		Attempts:    1,
		StartedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancellation: %w", err)
	}
	if rec.Kind != KindCancel {
		return rec, ErrSettlementConflict
	}
	if !created && rec.Completed() {
		return rec, nil
	}
	return r.run(ctx, rec, stake)
}

func (r *Refunder) run(ctx context.Context, rec *Record, stake *stakes.Stake) (*Record, error) {
	start := r.clock.Now()
	if _, err := r.stakes.Cancel(ctx, stake.ID); err != nil {
		return rec, fmt.Errorf("failed to cancel stake: %w", err)
	}

	escrows, err := r.ledger.ListByStake(ctx, stake.ID)
	if err != nil {
		return rec, err
	}
	sum := r.refundAll(ctx, rec.ChallengeID, escrows)

	outcome := OutcomeAllRefunded
	if len(sum.Failed) > 0 {
		outcome = OutcomePartialFailure
	}
	rec, err = r.complete(ctx, rec, outcome)
	settlementDuration.WithLabelValues(string(KindCancel)).Observe(r.clock.Since(start).Seconds())
	if err == nil {
		logging.L(ctx).Info("challenge cancelled",
			"challenge_id", rec.ChallengeID, "voided", sum.Voided, "abandoned", sum.Abandoned,
			"skipped", sum.Skipped, "failed", len(sum.Failed))
	}
	return rec, err
}

func (r *Refunder) refundAll(ctx context.Context, challengeID string, escrows []*escrow.Escrow) RefundSummary {
	var (
		mu  sync.Mutex
		sum RefundSummary
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for _, e := range escrows {
		g.Go(func() error {
			before := e.Status
			step, err := r.refundEscrow(ctx, challengeID, e)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				sum.Failed = append(sum.Failed, e.ID)
				settlementStepFailures.WithLabelValues(step).Inc()
				logging.L(ctx).Warn("refund step failed", "escrow_id", e.ID, "step", step, "error", err)
			case before == escrow.StatusHeld:
				sum.Voided++
			case before == escrow.StatusPending:
				sum.Abandoned++
			default:
				sum.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range sum.Failed {
		r.noteFailure(ctx, id, "refund", ErrRefundIncomplete)
	}
	return sum
}

// refundEscrow returns one escrow's money if any is held. It returns the
// failed step.
func (r *Refunder) refundEscrow(ctx context.Context, challengeID string, e *escrow.Escrow) (string, error) {
	switch e.Status {
	case escrow.StatusHeld:
		return "void", r.void(ctx, e.ID)
	case escrow.StatusPending:
		_, err := r.ledger.AbandonHold(ctx, e.ID, "refunded before authorization")
		if escrow.IsInvalidTransition(err) {
			// Authorized in the meantime: void instead.
			return "void", r.void(ctx, e.ID)
		}
		return "abandon", err
	case escrow.StatusCaptured:
		// Money was collected; only an operator can send it back.
		err := fmt.Errorf("escrow %s was captured and needs a manual refund", e.ID)
		r.alerts.Alert(ctx, alerts.Alert{
			Severity:    alerts.SeverityCritical,
			Title:       "captured escrow in refunded challenge",
			ChallengeID: challengeID,
			EscrowID:    e.ID,
			Err:         err,
		})
		return "refund", err
	default:
		return "", nil
	}
}

func (r *Refunder) void(ctx context.Context, id string) error {
	return retry.Do(ctx, r.opts.StepAttempts, r.opts.StepBaseDelay, func() error {
		e, err := r.ledger.Void(ctx, id)
		switch {
		case err == nil:
			return nil
		case escrow.IsInvalidTransition(err):
			if e != nil && e.Status == escrow.StatusVoided {
				return nil
			}
			return retry.Permanent(err)
		case payment.IsRetryable(err), errors.Is(err, escrow.ErrConcurrencyConflict):
			return err
		default:
			return retry.Permanent(err)
		}
	})
}
