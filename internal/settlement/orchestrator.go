package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/challenges"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/retry"
	"github.com/mbd888/habitstakes/internal/stakes"
	"github.com/mbd888/habitstakes/internal/traces"
)

var errNoPayoutAccount = errors.New("winner has no payout account")

// StakeService is the part of the stakes service settlement needs.
type StakeService interface {
	Get(ctx context.Context, id string) (*stakes.Stake, error)
	GetByChallenge(ctx context.Context, challengeID string) (*stakes.Stake, error)
	Start(ctx context.Context, id string) (*stakes.Stake, error)
	Cancel(ctx context.Context, id string) (*stakes.Stake, error)
}

// Options tune settlement runs.
type Options struct {
	// Concurrency bounds how many escrows are processed at once.
	Concurrency int
	// StepAttempts is how often a retryable processor step is tried within
	// one run before it is left for reconciliation.
	StepAttempts  int
	StepBaseDelay time.Duration
	// RetryBase and RetryMax shape the backoff between reconciliation
	// attempts of a partially failed settlement.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:   8,
		StepAttempts:  3,
		StepBaseDelay: 200 * time.Millisecond,
		RetryBase:     time.Minute,
		RetryMax:      time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.StepAttempts <= 0 {
		o.StepAttempts = d.StepAttempts
	}
	if o.StepBaseDelay <= 0 {
		o.StepBaseDelay = d.StepBaseDelay
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = d.RetryMax
	}
	return o
}

// core is shared by the orchestrator and the refunder.
type core struct {
	store  Store
	ledger *escrow.Ledger
	stakes StakeService
	alerts alerts.Sink
	opts   Options
	clock  clockwork.Clock
}

// Orchestrator settles challenges.
type Orchestrator struct {
	*core
	gateway  payment.Gateway
	outcomes challenges.OutcomeSource
	refunder *Refunder
}

// NewOrchestrator wires a settlement orchestrator and its refunder.
func NewOrchestrator(
	store Store,
	ledger *escrow.Ledger,
	gateway payment.Gateway,
	stakeSvc StakeService,
	outcomes challenges.OutcomeSource,
	sink alerts.Sink,
	opts Options,
) *Orchestrator {
	if sink == nil {
		sink = alerts.NewLogSink(nil)
	}
	c := &core{
		store:  store,
		ledger: ledger,
		stakes: stakeSvc,
		alerts: sink,
		opts:   opts.withDefaults(),
		clock:  clockwork.NewRealClock(),
	}
	return &Orchestrator{
		core:     c,
		gateway:  gateway,
		outcomes: outcomes,
		refunder: &Refunder{core: c},
	}
}

// WithClock replaces the wall clock, for tests.
func (o *Orchestrator) WithClock(c clockwork.Clock) *Orchestrator {
	o.clock = c
	return o
}

// Refunder returns the refund path sharing this orchestrator's stores.
func (o *Orchestrator) Refunder() *Refunder { return o.refunder }

// Get returns the settlement record of a challenge.
func (o *Orchestrator) Get(ctx context.Context, challengeID string) (*Record, error) {
	return o.store.Get(ctx, challengeID)
}

// Revenue returns the platform revenue entry of a challenge.
func (o *Orchestrator) Revenue(ctx context.Context, challengeID string) (*RevenueEntry, error) {
	return o.store.GetRevenue(ctx, challengeID)
}

// Settle pays out a challenge. It is idempotent: a completed settlement
// returns the stored record, an interrupted one is resumed, and a halted
// one returns a LedgerInconsistencyError without touching money.
func (o *Orchestrator) Settle(ctx context.Context, challengeID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle", traces.ChallengeID(challengeID))
	defer func() {
		if rec != nil && rec.Outcome != "" {
			span.SetAttributes(traces.Outcome(string(rec.Outcome)))
		}
		traces.End(span, err)
	}()

	stake, err := o.stakes.GetByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	rec, created, err := o.store.Begin(ctx, &Record{
		ChallengeID: challengeID,
		StakeID:     stake.ID,
		Kind:        KindSettle,
		Attempts:    1,
		StartedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement: %w", err)
	}
	if rec.Kind != KindSettle {
		return rec, ErrSettlementConflict
	}
	if !created {
		switch {
		case rec.Halted():
			return rec, haltedError(rec)
		case rec.Completed():
			return rec, nil
		}
		logging.L(ctx).Info("resuming settlement", "challenge_id", challengeID, "attempts", rec.Attempts)
	}

	return o.run(ctx, rec, stake)
}

// Retry re-runs a settlement or cancellation that did not finish cleanly.
// It is the reconciliation entry point and may upgrade a partial failure to
// winners_paid or all_refunded.
func (o *Orchestrator) Retry(ctx context.Context, challengeID string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Retry", traces.ChallengeID(challengeID))
	defer func() {
		if rec != nil && rec.Outcome != "" {
			span.SetAttributes(traces.Outcome(string(rec.Outcome)))
		}
		traces.End(span, err)
	}()

	rec, err = updateRecord(ctx, o.store, challengeID, o.clock.Now, func(r *Record) (bool, error) {
		if r.Halted() {
			return false, haltedError(r)
		}
		if !r.NeedsRetry() {
			return false, ErrNotRetryable
		}
		// Push the next attempt out before running so a crash mid-run
		// doesn't make the record immediately due again.
		next := o.clock.Now().Add(retry.Backoff(r.Attempts, o.opts.RetryBase, o.opts.RetryMax))
		r.Attempts++
		r.NextAttemptAt = &next
		return true, nil
	})
	if err != nil {
		return rec, err
	}

	stake, err := o.stakes.Get(ctx, rec.StakeID)
	if err != nil {
		return rec, err
	}
	settlementRetries.WithLabelValues(string(rec.Kind)).Inc()
	if rec.Kind == KindCancel {
		return o.refunder.run(ctx, rec, stake)
	}
	return o.run(ctx, rec, stake)
}

// ListRetryable returns records due for reconciliation: incomplete ones
// untouched for staleAfter and partial failures whose backoff has passed.
func (o *Orchestrator) ListRetryable(ctx context.Context, staleAfter time.Duration, limit int) ([]*Record, error) {
	now := o.clock.Now()
	return o.store.ListRetryable(ctx, now.Add(-staleAfter), now, limit)
}

// Escalate gives up on automated retries of a challenge: the record is
// halted and an operator is paged. Records that no longer need a retry are
// returned unchanged.
func (o *Orchestrator) Escalate(ctx context.Context, challengeID, reason string) (*Record, error) {
	rec, err := o.store.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if rec.Halted() || !rec.NeedsRetry() {
		return rec, nil
	}
	// stop returns the cause; a failed halt write is logged there.
	rec, _ = o.stop(ctx, rec, errors.New(reason), "settlement retries exhausted")
	return rec, nil
}

func (o *Orchestrator) run(ctx context.Context, rec *Record, stake *stakes.Stake) (*Record, error) {
	start := o.clock.Now()
	log := logging.L(ctx).With("challenge_id", rec.ChallengeID, "stake_id", stake.ID)

	// Terms are frozen from here on.
	stake, err := o.stakes.Start(ctx, stake.ID)
	if err != nil {
		return rec, fmt.Errorf("failed to freeze stake terms: %w", err)
	}

	outcome, err := o.outcomes.Outcome(ctx, rec.ChallengeID)
	if err != nil && rec.Distribution == nil {
		return rec, fmt.Errorf("failed to load challenge outcome: %w", err)
	}

	dist := rec.Distribution
	if dist == nil {
		rec, err = o.fixDistribution(ctx, rec, stake, outcome)
		if err != nil {
			return rec, err
		}
		dist = rec.Distribution
	} else {
		if err := dist.Verify(rec.ChallengeID); err != nil {
			return o.halt(ctx, rec, err)
		}
		if outcome != nil {
			refreshPayoutAccounts(dist, outcome)
		}
	}

	escrows, err := o.ledger.ListByStake(ctx, stake.ID)
	if err != nil {
		return rec, err
	}

	var (
		mu       sync.Mutex
		failures int
	)
	fail := func(e *escrow.Escrow, step string, err error) {
		mu.Lock()
		failures++
		mu.Unlock()
		settlementStepFailures.WithLabelValues(step).Inc()
		log.Warn("settlement step failed", "escrow_id", e.ID, "step", step, "error", err)
		o.noteFailure(ctx, e.ID, step, err)
	}

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	for _, e := range escrows {
		g.Go(func() error {
			switch {
			case !dist.InPot(e.ID):
				// Authorized after the pot was fixed, or never authorized.
				if step, err := o.refunder.refundEscrow(ctx, rec.ChallengeID, e); err != nil {
					fail(e, step, err)
				}
			case dist.Mode == payout.ModeRefundAll:
				if step, err := o.refunder.refundEscrow(ctx, rec.ChallengeID, e); err != nil {
					fail(e, step, err)
				}
			default:
				if step, err := o.settleEscrow(ctx, stake, dist, e); err != nil {
					fail(e, step, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	result := OutcomeAllRefunded
	if dist.Mode == payout.ModeSplit {
		result = OutcomeWinnersPaid
		if failures == 0 {
			if rec, err := o.checkConservation(ctx, rec, dist, stake.ID); err != nil {
				return rec, err
			}
		}
		if err := o.recordRevenue(ctx, rec.ChallengeID, dist.PlatformFeeCents); err != nil {
			return rec, err
		}
	}
	if failures > 0 {
		result = OutcomePartialFailure
	}

	rec, err = o.complete(ctx, rec, result)
	settlementDuration.WithLabelValues(string(KindSettle)).Observe(o.clock.Since(start).Seconds())
	if err == nil {
		log.Info("settlement run finished", "outcome", result, "failures", failures)
	}
	return rec, err
}

// fixDistribution computes and persists the distribution. Pending escrows
// are abandoned first: whatever is funded once they are gone is the pot.
func (o *Orchestrator) fixDistribution(ctx context.Context, rec *Record, stake *stakes.Stake, outcome *challenges.Outcome) (*Record, error) {
	escrows, err := o.ledger.ListByStake(ctx, stake.ID)
	if err != nil {
		return rec, err
	}
	for _, e := range escrows {
		if e.Status != escrow.StatusPending {
			continue
		}
		if _, err := o.ledger.AbandonHold(ctx, e.ID, "not authorized before settlement"); err != nil && !escrow.IsInvalidTransition(err) {
			logging.L(ctx).Warn("could not abandon pending hold", "escrow_id", e.ID, "error", err)
		}
	}
	escrows, err = o.ledger.ListByStake(ctx, stake.ID)
	if err != nil {
		return rec, err
	}

	pot := make([]payout.Stakeholder, 0, len(escrows))
	for _, e := range escrows {
		switch e.Status {
		case escrow.StatusHeld, escrow.StatusCaptured, escrow.StatusReleased:
			pot = append(pot, payout.Stakeholder{EscrowID: e.ID, UserID: e.UserID, AmountCents: e.AmountCents})
		}
	}

	d, err := payout.Compute(pot, outcome.Participants, stake.PlatformFeePercent, stake.TargetCompletions)
	if err != nil {
		return rec, fmt.Errorf("failed to compute distribution: %w", err)
	}
	if err := d.Verify(rec.ChallengeID); err != nil {
		return o.halt(ctx, rec, err)
	}

	return updateRecord(ctx, o.store, rec.ChallengeID, o.clock.Now, func(r *Record) (bool, error) {
		if r.Distribution != nil {
			// A concurrent run fixed it first; theirs wins.
			return false, nil
		}
		r.Distribution = &d
		return true, nil
	})
}

// settleEscrow walks one pot escrow to released and pays winners. A winner
// without a payout account is still released with their share; the transfer
// is left for a later run. It returns the failed step.
func (o *Orchestrator) settleEscrow(ctx context.Context, stake *stakes.Stake, dist *payout.Distribution, e *escrow.Escrow) (string, error) {
	cur := e
	if cur.Status == escrow.StatusReleased {
		return o.payReleased(ctx, stake, dist, cur)
	}

	if cur.Status == escrow.StatusHeld {
		captured, err := o.capture(ctx, cur.ID)
		if err != nil {
			return "capture", err
		}
		cur = captured
		if cur.Status == escrow.StatusReleased {
			return o.payReleased(ctx, stake, dist, cur)
		}
	}
	if cur.Status != escrow.StatusCaptured {
		return "capture", fmt.Errorf("escrow %s is %s and cannot be paid out", cur.ID, cur.Status)
	}

	var (
		amount  int64
		pending error
	)
	if w, won := dist.WinnerByEscrow(cur.ID); won {
		amount = w.AmountCents
		if amount > 0 && cur.TransferRef == "" {
			if err := o.transfer(ctx, stake, w, cur); err != nil {
				if !errors.Is(err, errNoPayoutAccount) {
					return "transfer", err
				}
				pending = err
			}
		}
	}

	if _, err := o.ledger.Release(ctx, cur.ID, amount); err != nil {
		if !escrow.IsInvalidTransition(err) {
			return "release", err
		}
		again, gerr := o.ledger.Get(ctx, cur.ID)
		if gerr != nil || again.Status != escrow.StatusReleased {
			return "release", err
		}
	}
	if pending != nil {
		return "transfer", pending
	}
	return "", nil
}

// payReleased sends the transfer still owed on a released winner escrow.
func (o *Orchestrator) payReleased(ctx context.Context, stake *stakes.Stake, dist *payout.Distribution, e *escrow.Escrow) (string, error) {
	w, won := dist.WinnerByEscrow(e.ID)
	if !won || w.AmountCents == 0 || e.TransferRef != "" {
		return "", nil
	}
	if e.PayoutAmountCents == nil || *e.PayoutAmountCents != w.AmountCents {
		return "transfer", fmt.Errorf("escrow %s released with a payout other than %d", e.ID, w.AmountCents)
	}
	if err := o.transfer(ctx, stake, w, e); err != nil {
		return "transfer", err
	}
	return "", nil
}

func (o *Orchestrator) capture(ctx context.Context, id string) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := retry.Do(ctx, o.opts.StepAttempts, o.opts.StepBaseDelay, func() error {
		e, err := o.ledger.Capture(ctx, id)
		switch {
		case err == nil:
			out = e
			return nil
		case escrow.IsInvalidTransition(err):
			// A webhook or a concurrent run got there first.
			if e != nil && (e.Status == escrow.StatusCaptured || e.Status == escrow.StatusReleased) {
				out = e
				return nil
			}
			return retry.Permanent(err)
		case payment.IsRetryable(err), errors.Is(err, escrow.ErrConcurrencyConflict):
			return err
		default:
			return retry.Permanent(err)
		}
	})
	return out, err
}

// transfer pays a winner. Before creating a transfer it asks the processor
// whether one already exists for the escrow, so a lost response is never
// paid twice.
func (o *Orchestrator) transfer(ctx context.Context, stake *stakes.Stake, w payout.Winner, e *escrow.Escrow) error {
	if w.PayoutAccountID == "" {
		return fmt.Errorf("%w: user %s", errNoPayoutAccount, w.UserID)
	}

	var ref string
	err := retry.Do(ctx, o.opts.StepAttempts, o.opts.StepBaseDelay, func() error {
		existing, found, err := o.gateway.FindTransfer(ctx, e.ID)
		if err != nil {
			return classify(err)
		}
		if found {
			ref = existing
			return nil
		}
		ref, err = o.gateway.Transfer(ctx, payment.TransferRequest{
			AmountCents:   w.AmountCents,
			Currency:      stake.Currency,
			Destination:   w.PayoutAccountID,
			TransferGroup: e.ID,
			Metadata: map[string]string{
				payment.MetaEscrowID: e.ID,
				payment.MetaStakeID:  e.StakeID,
				payment.MetaUserID:   e.UserID,
			},
			IdempotencyKey: payment.TransferKey(e.ID),
		})
		return classify(err)
	})
	if err != nil {
		if payment.IsTerminal(err) {
			// A released escrow keeps its recorded payout; only the note changes.
			if e.Status == escrow.StatusReleased {
				if _, ferr := o.ledger.Annotate(ctx, e.ID, "transfer rejected: "+errorCode(err)); ferr != nil {
					err = errors.Join(err, ferr)
				}
			} else if _, ferr := o.ledger.MarkFailed(ctx, e.ID, "transfer rejected: "+errorCode(err)); ferr != nil {
				err = errors.Join(err, ferr)
			}
			o.alerts.Alert(ctx, alerts.Alert{
				Severity: alerts.SeverityWarning,
				Title:    "winner payout rejected by processor",
				EscrowID: e.ID,
				Err:      err,
			})
		}
		return err
	}

	if _, err := o.ledger.RecordTransfer(ctx, e.ID, ref); err != nil {
		logging.L(ctx).Error("transfer sent but not recorded", "escrow_id", e.ID, "transfer_ref", ref, "error", err)
		return err
	}
	return nil
}

// checkConservation compares what was released to winners against the
// distribution. A mismatch halts the challenge.
func (o *Orchestrator) checkConservation(ctx context.Context, rec *Record, dist *payout.Distribution, stakeID string) (*Record, error) {
	escrows, err := o.ledger.ListByStake(ctx, stakeID)
	if err != nil {
		return rec, err
	}
	var paid int64
	for _, e := range escrows {
		if dist.InPot(e.ID) && e.PayoutAmountCents != nil {
			paid += *e.PayoutAmountCents
		}
	}
	if err := payout.CheckConservation(rec.ChallengeID, *dist, paid); err != nil {
		return o.halt(ctx, rec, err)
	}
	return rec, nil
}

func (o *Orchestrator) recordRevenue(ctx context.Context, challengeID string, feeCents int64) error {
	created, err := o.store.RecordRevenue(ctx, &RevenueEntry{
		ChallengeID: challengeID,
		AmountCents: feeCents,
		Type:        RevenueTypeStakeFee,
		CreatedAt:   o.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record platform revenue: %w", err)
	}
	if created {
		platformRevenueCents.Add(float64(feeCents))
	}
	return nil
}

// complete stamps the outcome. A partial failure stays due for a retry
// after the backoff; a clean outcome clears it.
func (c *core) complete(ctx context.Context, rec *Record, outcome Outcome) (*Record, error) {
	updated, err := updateRecord(ctx, c.store, rec.ChallengeID, c.clock.Now, func(r *Record) (bool, error) {
		if r.Halted() {
			return false, haltedError(r)
		}
		now := c.clock.Now()
		r.Outcome = outcome
		r.CompletedAt = &now
		if outcome == OutcomePartialFailure {
			next := now.Add(retry.Backoff(r.Attempts-1, c.opts.RetryBase, c.opts.RetryMax))
			r.NextAttemptAt = &next
		} else {
			r.NextAttemptAt = nil
		}
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	settlementRuns.WithLabelValues(string(updated.Kind), string(outcome)).Inc()
	return updated, nil
}

// halt stops automated settlement for the challenge and pages an operator.
func (c *core) halt(ctx context.Context, rec *Record, cause error) (*Record, error) {
	return c.stop(ctx, rec, cause, "settlement halted: ledger inconsistency")
}

func (c *core) stop(ctx context.Context, rec *Record, cause error, title string) (*Record, error) {
	updated, err := updateRecord(ctx, c.store, rec.ChallengeID, c.clock.Now, func(r *Record) (bool, error) {
		if r.Halted() {
			return false, nil
		}
		r.HaltReason = cause.Error()
		r.NextAttemptAt = nil
		return true, nil
	})
	if err != nil {
		logging.L(ctx).Error("failed to halt settlement", "challenge_id", rec.ChallengeID, "error", err)
		updated = rec
	}
	settlementsHalted.Inc()
	c.alerts.Alert(ctx, alerts.Alert{
		Severity:    alerts.SeverityCritical,
		Title:       title,
		ChallengeID: rec.ChallengeID,
		Err:         cause,
	})
	return updated, cause
}

// noteFailure leaves the reason on the escrow and defers its own
// reconciliation until the settlement retry is due.
func (c *core) noteFailure(ctx context.Context, escrowID, step string, cause error) {
	e, err := c.ledger.Get(ctx, escrowID)
	if err != nil {
		return
	}
	if e.Status == escrow.StatusReleased {
		// Released but the transfer is still owed.
		if _, err := c.ledger.Annotate(ctx, escrowID, step+": "+errorCode(cause)); err != nil {
			logging.L(ctx).Warn("could not note escrow failure", "escrow_id", escrowID, "error", err)
		}
		return
	}
	if e.IsTerminal() {
		return
	}
	next := c.clock.Now().Add(retry.Backoff(e.Attempts, c.opts.RetryBase, c.opts.RetryMax))
	if _, err := c.ledger.ScheduleRetry(ctx, escrowID, next, step+": "+errorCode(cause)); err != nil {
		logging.L(ctx).Warn("could not schedule escrow retry", "escrow_id", escrowID, "error", err)
	}
}

func haltedError(rec *Record) error {
	inc := &payout.LedgerInconsistencyError{ChallengeID: rec.ChallengeID, Detail: "settlement halted: " + rec.HaltReason}
	if rec.Distribution != nil {
		inc.PotCents = rec.Distribution.PotCents
		inc.FeeCents = rec.Distribution.PlatformFeeCents
	}
	return inc
}

// refreshPayoutAccounts fills in payout accounts winners added after the
// distribution was fixed. Amounts never change.
func refreshPayoutAccounts(d *payout.Distribution, outcome *challenges.Outcome) {
	accounts := make(map[string]string, len(outcome.Participants))
	for _, p := range outcome.Participants {
		accounts[p.UserID] = p.PayoutAccountID
	}
	for i := range d.Winners {
		if d.Winners[i].PayoutAccountID == "" {
			d.Winners[i].PayoutAccountID = accounts[d.Winners[i].UserID]
		}
	}
}

// classify marks terminal processor errors permanent for retry.Do.
func classify(err error) error {
	if err == nil || payment.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

func errorCode(err error) string {
	var pe *payment.ProcessorError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return err.Error()
}
