// Package reconciliation repairs settlements and escrows that a crash, a
// lost webhook or a processor outage left behind.
//
// Each sweep first retries settlement records that stalled or finished with a
// partial failure, then walks escrows that have not moved for a while and
// nudges each one along its state machine. Anything still stuck after
// MaxRetries attempts is failed and handed to an operator.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/retry"
	"github.com/mbd888/habitstakes/internal/settlement"
	"github.com/mbd888/habitstakes/internal/stakes"
	"github.com/mbd888/habitstakes/internal/traces"
)

// Settlements is the part of the settlement orchestrator a sweep drives.
type Settlements interface {
	Get(ctx context.Context, challengeID string) (*settlement.Record, error)
	ListRetryable(ctx context.Context, staleAfter time.Duration, limit int) ([]*settlement.Record, error)
	Retry(ctx context.Context, challengeID string) (*settlement.Record, error)
	Escalate(ctx context.Context, challengeID, reason string) (*settlement.Record, error)
}

// StakeReader resolves the challenge an escrow belongs to.
type StakeReader interface {
	Get(ctx context.Context, id string) (*stakes.Stake, error)
}

// Config tunes a Runner.
type Config struct {
	// StaleAfter is how long a record or escrow may sit untouched before a
	// sweep looks at it.
	StaleAfter time.Duration
	// MaxRetries is the number of attempts before escalation.
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	// WaitRecheck defers escrows that are waiting normally, such as holds of
	// a challenge still in progress.
	WaitRecheck time.Duration
	BatchSize   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:  10 * time.Minute,
		MaxRetries:  8,
		RetryBase:   time.Minute,
		RetryMax:    time.Hour,
		WaitRecheck: time.Hour,
		BatchSize:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.WaitRecheck <= 0 {
		c.WaitRecheck = d.WaitRecheck
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Report summarizes one sweep.
type Report struct {
	StaleSettlements   int       `json:"staleSettlements"`
	RetriedSettlements int       `json:"retriedSettlements"`
	StaleEscrows       int       `json:"staleEscrows"`
	RepairedEscrows    int       `json:"repairedEscrows"`
	Escalated          int       `json:"escalated"`
	Errors             int       `json:"errors"`
	Healthy            bool      `json:"healthy"`
	DurationMs         int64     `json:"durationMs"`
	Timestamp          time.Time `json:"timestamp"`
}

// Runner performs reconciliation sweeps.
type Runner struct {
	settlements Settlements
	ledger      *escrow.Ledger
	stakes      StakeReader
	alerts      alerts.Sink
	cfg         Config
	clock       clockwork.Clock
}

// NewRunner creates a runner. A nil sink logs alerts.
func NewRunner(settlements Settlements, ledger *escrow.Ledger, stakeReader StakeReader, sink alerts.Sink, cfg Config) *Runner {
	if sink == nil {
		sink = alerts.NewLogSink(nil)
	}
	return &Runner{
		settlements: settlements,
		ledger:      ledger,
		stakes:      stakeReader,
		alerts:      sink,
		cfg:         cfg.withDefaults(),
		clock:       clockwork.NewRealClock(),
	}
}

// WithClock replaces the wall clock, for tests.
func (r *Runner) WithClock(c clockwork.Clock) *Runner {
	r.clock = c
	return r
}

// sweep carries per-run state.
type sweep struct {
	report  *Report
	retried map[string]bool // challenge ids already retried this run
}

// RunAll performs one sweep. Individual failures are counted in the report
// and retried on the next sweep; only a failure to list work is returned.
func (r *Runner) RunAll(ctx context.Context) (report *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer func() { traces.End(span, err) }()

	start := r.clock.Now()
	s := &sweep{
		report:  &Report{Timestamp: start},
		retried: make(map[string]bool),
	}
	defer func() {
		elapsed := r.clock.Since(start)
		s.report.DurationMs = elapsed.Milliseconds()
		s.report.Healthy = s.report.Errors == 0 && s.report.Escalated == 0
		reconcileDuration.Observe(elapsed.Seconds())
	}()

	var errs []error
	if err := r.sweepSettlements(ctx, s); err != nil {
		errs = append(errs, err)
	}
	if err := r.sweepEscrows(ctx, s); err != nil {
		errs = append(errs, err)
	}

	logging.L(ctx).Info("reconciliation sweep finished",
		"stale_settlements", s.report.StaleSettlements,
		"retried_settlements", s.report.RetriedSettlements,
		"stale_escrows", s.report.StaleEscrows,
		"repaired_escrows", s.report.RepairedEscrows,
		"escalated", s.report.Escalated,
		"errors", s.report.Errors,
	)
	return s.report, errors.Join(errs...)
}

func (r *Runner) sweepSettlements(ctx context.Context, s *sweep) error {
	records, err := r.settlements.ListRetryable(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		reconcileErrors.Inc()
		return fmt.Errorf("failed to list retryable settlements: %w", err)
	}
	reconcileStaleSettlements.Set(float64(len(records)))
	s.report.StaleSettlements = len(records)

	for _, rec := range records {
		log := logging.L(ctx).With("challenge_id", rec.ChallengeID, "attempts", rec.Attempts)
		if rec.Attempts >= r.cfg.MaxRetries {
			if _, err := r.settlements.Escalate(ctx, rec.ChallengeID, fmt.Sprintf("gave up after %d attempts", rec.Attempts)); err != nil {
				r.countError(s, log, "failed to escalate settlement", err)
				continue
			}
			s.report.Escalated++
			reconcileEscalated.Inc()
			continue
		}
		r.retrySettlement(ctx, s, rec.ChallengeID)
	}
	return nil
}

// retrySettlement retries a challenge at most once per sweep.
func (r *Runner) retrySettlement(ctx context.Context, s *sweep, challengeID string) {
	if s.retried[challengeID] {
		return
	}
	s.retried[challengeID] = true

	log := logging.L(ctx).With("challenge_id", challengeID)
	rec, err := r.settlements.Retry(ctx, challengeID)
	switch {
	case errors.Is(err, settlement.ErrNotRetryable):
		return
	case err != nil:
		r.countError(s, log, "settlement retry failed", err)
		return
	}
	s.report.RetriedSettlements++
	reconcileRetried.WithLabelValues("settlement").Inc()
	log.Info("settlement retried", "outcome", rec.Outcome, "attempts", rec.Attempts)
}

func (r *Runner) sweepEscrows(ctx context.Context, s *sweep) error {
	stale, err := r.ledger.ListStale(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		reconcileErrors.Inc()
		return fmt.Errorf("failed to list stale escrows: %w", err)
	}
	reconcileStaleEscrows.Set(float64(len(stale)))
	s.report.StaleEscrows = len(stale)

	for _, e := range stale {
		log := logging.L(ctx).With("escrow_id", e.ID, "status", e.Status, "attempts", e.Attempts)
		if e.Attempts >= r.cfg.MaxRetries {
			r.escalateEscrow(ctx, s, e)
			continue
		}

		repaired, err := r.repairEscrow(ctx, s, e)
		if err != nil {
			r.countError(s, log, "escrow repair failed", err)
			r.scheduleRetry(ctx, e, err.Error())
			continue
		}
		if repaired {
			s.report.RepairedEscrows++
			reconcileRetried.WithLabelValues("escrow").Inc()
		}
	}
	return nil
}

// repairEscrow moves one stale escrow forward. It reports whether anything
// changed.
func (r *Runner) repairEscrow(ctx context.Context, s *sweep, e *escrow.Escrow) (bool, error) {
	if e.Status == escrow.StatusPending {
		synced, err := r.ledger.SyncHold(ctx, e.ID)
		if err != nil {
			return false, err
		}
		if synced.Status == escrow.StatusPending {
			// The customer hasn't finished authorizing yet.
			r.scheduleRetry(ctx, synced, "hold still pending at processor")
			return false, nil
		}
		return true, nil
	}

	stake, err := r.stakes.Get(ctx, e.StakeID)
	if err != nil {
		return false, err
	}
	rec, err := r.settlements.Get(ctx, stake.ChallengeID)
	if errors.Is(err, settlement.ErrRecordNotFound) {
		// Challenge still running; nothing to do until it is settled.
		r.wait(ctx, e)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case rec.Halted():
		// An operator owns this challenge now.
		r.wait(ctx, e)
		return false, nil
	case rec.NeedsRetry():
		if s.retried[rec.ChallengeID] {
			return false, nil
		}
		r.retrySettlement(ctx, s, rec.ChallengeID)
		return true, nil
	}

	// The settlement finished cleanly but left this escrow behind.
	switch e.Status {
	case escrow.StatusHeld:
		if refundable(rec, e.ID) {
			if _, err := r.ledger.Void(ctx, e.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, fmt.Errorf("held escrow is in the pot of completed settlement %s", rec.ChallengeID)
	case escrow.StatusCaptured:
		r.raise(ctx, alerts.SeverityCritical, "captured escrow outside a running settlement", rec.ChallengeID, e.ID,
			fmt.Errorf("settlement %s is %s", rec.ChallengeID, rec.Outcome))
		if _, err := r.ledger.MarkFailed(ctx, e.ID, "captured after settlement completed"); err != nil {
			return false, err
		}
		s.report.Escalated++
		reconcileEscalated.Inc()
		return true, nil
	}
	return false, nil
}

// refundable reports whether a completed record leaves the escrow's funds
// with the participant.
func refundable(rec *settlement.Record, escrowID string) bool {
	if rec.Kind == settlement.KindCancel || rec.Distribution == nil {
		return true
	}
	return rec.Distribution.Mode == payout.ModeRefundAll || !rec.Distribution.InPot(escrowID)
}

// escalateEscrow fails an escrow that ran out of attempts and pages an
// operator. A pending hold is cancelled at the processor first.
func (r *Runner) escalateEscrow(ctx context.Context, s *sweep, e *escrow.Escrow) {
	log := logging.L(ctx).With("escrow_id", e.ID, "status", e.Status)
	reason := fmt.Sprintf("reconciliation gave up after %d attempts", e.Attempts)
	if e.FailureReason != "" {
		reason += ": " + e.FailureReason
	}

	var err error
	if e.Status == escrow.StatusPending {
		_, err = r.ledger.AbandonHold(ctx, e.ID, reason)
	} else {
		_, err = r.ledger.MarkFailed(ctx, e.ID, reason)
	}
	if err != nil {
		r.countError(s, log, "failed to escalate escrow", err)
		return
	}

	severity := alerts.SeverityWarning
	if e.Status == escrow.StatusCaptured {
		// Funds were collected and never paid out.
		severity = alerts.SeverityCritical
	}
	challengeID := ""
	if stake, err := r.stakes.Get(ctx, e.StakeID); err == nil {
		challengeID = stake.ChallengeID
	}
	r.raise(ctx, severity, "escrow retries exhausted", challengeID, e.ID, errors.New(reason))
	s.report.Escalated++
	reconcileEscalated.Inc()
}

func (r *Runner) scheduleRetry(ctx context.Context, e *escrow.Escrow, reason string) {
	next := r.clock.Now().Add(retry.Backoff(e.Attempts, r.cfg.RetryBase, r.cfg.RetryMax))
	if _, err := r.ledger.ScheduleRetry(ctx, e.ID, next, reason); err != nil {
		logging.L(ctx).Warn("could not schedule escrow retry", "escrow_id", e.ID, "error", err)
	}
}

func (r *Runner) wait(ctx context.Context, e *escrow.Escrow) {
	if _, err := r.ledger.Defer(ctx, e.ID, r.clock.Now().Add(r.cfg.WaitRecheck)); err != nil {
		logging.L(ctx).Warn("could not defer escrow", "escrow_id", e.ID, "error", err)
	}
}

func (r *Runner) raise(ctx context.Context, sev alerts.Severity, title, challengeID, escrowID string, err error) {
	r.alerts.Alert(ctx, alerts.Alert{
		Severity:    sev,
		Title:       title,
		ChallengeID: challengeID,
		EscrowID:    escrowID,
		Err:         err,
	})
}

func (r *Runner) countError(s *sweep, log *slog.Logger, msg string, err error) {
	s.report.Errors++
	reconcileErrors.Inc()
	log.Warn(msg, "error", err)
}
