package settlement

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/challenges"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/stakes"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (s *recordingSink) Alert(_ context.Context, a alerts.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Title
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	store    *MemoryStore
	ledger   *escrow.Ledger
	gw       *payment.FakeGateway
	stakes   *stakes.Service
	outcomes *challenges.StaticSource
	sink     *recordingSink
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	gw := payment.NewFakeGateway("whsec_test")
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), gw, "usd").WithClock(clock)
	stakeSvc := stakes.NewService(stakes.NewMemoryStore()).WithClock(clock)
	outcomes := challenges.NewStaticSource()
	sink := &recordingSink{}
	store := NewMemoryStore()

	orch := NewOrchestrator(store, ledger, gw, stakeSvc, outcomes, sink, Options{
		Concurrency:   concurrency,
		StepAttempts:  1,
		StepBaseDelay: time.Millisecond,
		RetryBase:     time.Minute,
		RetryMax:      time.Hour,
	}).WithClock(clock)

	return &fixture{
		orch: orch, store: store, ledger: ledger, gw: gw, stakes: stakeSvc,
		outcomes: outcomes, sink: sink, clock: clock,
	}
}

func (f *fixture) stake(t *testing.T, challengeID string, amount int64, fee string, target int) *stakes.Stake {
	t.Helper()
	s, err := f.stakes.Create(context.Background(), stakes.CreateRequest{
		ChallengeID:        challengeID,
		AmountCents:        amount,
		PlatformFeePercent: fee,
		TargetCompletions:  target,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) join(t *testing.T, s *stakes.Stake, users ...string) map[string]*escrow.Escrow {
	t.Helper()
	out := make(map[string]*escrow.Escrow, len(users))
	for _, u := range users {
		e, _, err := f.ledger.CreateHold(context.Background(), u, s.ID, s.AmountCents)
		require.NoError(t, err)
		out[u] = e
	}
	return out
}

func (f *fixture) escrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	e, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func payoutOf(e *escrow.Escrow) int64 {
	if e.PayoutAmountCents == nil {
		return -1
	}
	return *e.PayoutAmountCents
}

// threeOfOne sets up 3 participants × 1000 at 10% where only u0 wins.
func threeOfOne(t *testing.T, f *fixture) (*stakes.Stake, map[string]*escrow.Escrow) {
	t.Helper()
	s := f.stake(t, "ch_1", 1000, "10", 10)
	escrows := f.join(t, s, "u0", "u1", "u2")
	f.outcomes.Set("ch_1",
		payout.Participant{UserID: "u0", CompletedDays: 10, PayoutAccountID: "acct_u0"},
		payout.Participant{UserID: "u1", CompletedDays: 4, PayoutAccountID: "acct_u1"},
		payout.Participant{UserID: "u2", CompletedDays: 0},
	)
	return s, escrows
}

func TestSettle_SingleWinner(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s, escrows := threeOfOne(t, f)

	rec, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.True(t, rec.Completed())
	require.NotNil(t, rec.Distribution)
	assert.Equal(t, int64(300), rec.Distribution.PlatformFeeCents)
	assert.Equal(t, int64(2700), rec.Distribution.PerWinnerCents)

	assert.Equal(t, int64(2700), payoutOf(f.escrow(t, escrows["u0"].ID)))
	assert.Equal(t, int64(0), payoutOf(f.escrow(t, escrows["u1"].ID)))
	assert.Equal(t, int64(0), payoutOf(f.escrow(t, escrows["u2"].ID)))
	for _, e := range escrows {
		assert.Equal(t, 1, f.gw.CaptureCount(e.ExternalHoldRef))
	}

	transfers := f.gw.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(2700), transfers[0].AmountCents)
	assert.Equal(t, "acct_u0", transfers[0].Destination)
	assert.Equal(t, transfers[0].Ref, f.escrow(t, escrows["u0"].ID).TransferRef)

	rev, err := f.orch.Revenue(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), rev.AmountCents)
	assert.Equal(t, RevenueTypeStakeFee, rev.Type)

	st, err := f.stakes.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, stakes.StatusStarted, st.Status)
}

func TestSettle_SpanCarriesOutcome(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t, 4)
	threeOfOne(t, f)
	_, err := f.orch.Settle(context.Background(), "ch_1")
	require.NoError(t, err)

	var outcome attribute.Value
	for _, s := range spans.Ended() {
		if s.Name() != "settlement.Settle" {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == "settlement.outcome" {
				outcome = kv.Value
			}
		}
	}
	assert.Equal(t, string(OutcomeWinnersPaid), outcome.AsString())
}

func TestSettle_RemainderFoldsIntoFee(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// 1000 cents across 4 stakes of 250; 3 winners at 7.5%.
	s := f.stake(t, "ch_rem", 250, "7.5", 5)
	escrows := f.join(t, s, "a", "b", "c", "d")
	f.outcomes.Set("ch_rem",
		payout.Participant{UserID: "a", CompletedDays: 5, PayoutAccountID: "acct_a"},
		payout.Participant{UserID: "b", CompletedDays: 6, PayoutAccountID: "acct_b"},
		payout.Participant{UserID: "c", CompletedDays: 9, PayoutAccountID: "acct_c"},
		payout.Participant{UserID: "d", CompletedDays: 1},
	)

	rec, err := f.orch.Settle(ctx, "ch_rem")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.Equal(t, int64(308), rec.Distribution.PerWinnerCents)
	assert.Equal(t, int64(76), rec.Distribution.PlatformFeeCents)

	var paid int64
	for _, e := range escrows {
		paid += payoutOf(f.escrow(t, e.ID))
	}
	rev, err := f.orch.Revenue(ctx, "ch_rem")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), paid+rev.AmountCents)
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	first, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	second, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Version, second.Version, "second call must not rewrite the record")
	assert.Len(t, f.gw.Transfers(), 1)
	for _, e := range escrows {
		assert.Equal(t, 1, f.gw.CaptureCount(e.ExternalHoldRef))
	}
}

func TestSettle_ConcurrentCallsPayOnce(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Settle(ctx, "ch_1")
		}()
	}
	wg.Wait()

	// Whatever the interleaving, finish the job and check nothing doubled.
	rec, err := f.orch.Get(ctx, "ch_1")
	require.NoError(t, err)
	if rec.NeedsRetry() {
		rec, err = f.orch.Retry(ctx, "ch_1")
		require.NoError(t, err)
	}
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.Len(t, f.gw.Transfers(), 1)
	for _, e := range escrows {
		assert.Equal(t, 1, f.gw.CaptureCount(e.ExternalHoldRef))
	}
}

func TestSettle_ResumesAfterCrash(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s, escrows := threeOfOne(t, f)
	winner := escrows["u0"]

	// A previous run claimed the challenge, captured the winner and sent the
	// transfer, then died before recording anything else.
	now := f.clock.Now()
	_, created, err := f.store.Begin(ctx, &Record{
		ChallengeID: "ch_1", StakeID: s.ID, Kind: KindSettle,
		Attempts: 1, StartedAt: now, UpdatedAt: now, Version: 1,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.ledger.Capture(ctx, winner.ID)
	require.NoError(t, err)
	sent, err := f.gw.Transfer(ctx, payment.TransferRequest{
		AmountCents: 2700, Currency: "usd", Destination: "acct_u0",
		TransferGroup: winner.ID, IdempotencyKey: payment.TransferKey(winner.ID),
	})
	require.NoError(t, err)

	rec, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)

	require.Len(t, f.gw.Transfers(), 1)
	got := f.escrow(t, winner.ID)
	assert.Equal(t, sent, got.TransferRef)
	assert.Equal(t, int64(2700), payoutOf(got))
	assert.Equal(t, 1, f.gw.CaptureCount(winner.ExternalHoldRef))
}

func TestSettle_LostTransferResponseIsNotPaidTwice(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	f.gw.LoseResponse("transfer")

	rec, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)
	assert.Equal(t, escrow.StatusCaptured, f.escrow(t, escrows["u0"].ID).Status)

	f.clock.Advance(2 * time.Minute)
	rec, err = f.orch.Retry(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.Nil(t, rec.NextAttemptAt)
	assert.Equal(t, 2, rec.Attempts)
	assert.Len(t, f.gw.Transfers(), 1)
	assert.Equal(t, int64(2700), payoutOf(f.escrow(t, escrows["u0"].ID)))
}

func TestSettle_PartialFailureThenRetry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	// The first capture (u0, escrows are processed in user order) fails.
	f.gw.FailNext("capture", payment.RetryableError("capture"))

	rec, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *rec.NextAttemptAt)

	stuck := f.escrow(t, escrows["u0"].ID)
	assert.Equal(t, escrow.StatusHeld, stuck.Status)
	assert.Contains(t, stuck.FailureReason, "capture")
	assert.Equal(t, escrow.StatusReleased, f.escrow(t, escrows["u1"].ID).Status)

	// The fee is booked once all winners were attempted.
	rev, err := f.orch.Revenue(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), rev.AmountCents)

	retryable, err := f.store.ListRetryable(ctx, f.clock.Now(), f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, retryable, "not due before the backoff")

	f.clock.Advance(time.Minute)
	retryable, err = f.store.ListRetryable(ctx, f.clock.Now(), f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	rec, err = f.orch.Retry(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.Equal(t, int64(2700), payoutOf(f.escrow(t, escrows["u0"].ID)))
	assert.Len(t, f.gw.Transfers(), 1)

	_, err = f.orch.Retry(ctx, "ch_1")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestSettle_WinnerWithoutPayoutAccount(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_acct", 1000, "0", 3)
	escrows := f.join(t, s, "u0", "u1")
	f.outcomes.Set("ch_acct",
		payout.Participant{UserID: "u0", CompletedDays: 3},
		payout.Participant{UserID: "u1", CompletedDays: 0},
	)

	rec, err := f.orch.Settle(ctx, "ch_acct")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)
	assert.Empty(t, f.gw.Transfers())

	// Released with the share it is owed; the transfer waits for an account.
	winner := f.escrow(t, escrows["u0"].ID)
	assert.Equal(t, escrow.StatusReleased, winner.Status)
	assert.Equal(t, int64(2000), payoutOf(winner))
	assert.Empty(t, winner.TransferRef)
	assert.Contains(t, winner.FailureReason, "no payout account")
	assert.Equal(t, escrow.PayoutProcessing, winner.PayoutState())
	assert.Equal(t, escrow.StatusReleased, f.escrow(t, escrows["u1"].ID).Status)

	revenue, err := f.orch.Revenue(ctx, "ch_acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), revenue.AmountCents)

	// Still no account: the retry stays a partial failure and pays nobody.
	f.clock.Advance(time.Hour)
	rec, err = f.orch.Retry(ctx, "ch_acct")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)
	assert.Empty(t, f.gw.Transfers())

	// The winner connects a payout account; the retry picks it up.
	f.outcomes.Set("ch_acct",
		payout.Participant{UserID: "u0", CompletedDays: 3, PayoutAccountID: "acct_late"},
		payout.Participant{UserID: "u1", CompletedDays: 0},
	)
	f.clock.Advance(time.Hour)
	rec, err = f.orch.Retry(ctx, "ch_acct")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	require.Len(t, f.gw.Transfers(), 1)
	assert.Equal(t, "acct_late", f.gw.Transfers()[0].Destination)
	assert.Equal(t, int64(2000), f.gw.Transfers()[0].AmountCents)

	paid := f.escrow(t, escrows["u0"].ID)
	assert.Equal(t, int64(2000), payoutOf(paid))
	assert.NotEmpty(t, paid.TransferRef)
	assert.Empty(t, paid.FailureReason)
	assert.Equal(t, escrow.PayoutPaid, paid.PayoutState())

	// Nothing left to send.
	f.clock.Advance(time.Hour)
	_, err = f.orch.Retry(ctx, "ch_acct")
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Len(t, f.gw.Transfers(), 1)
}

func TestSettle_TerminalTransferFailureAlerts(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	f.gw.FailNext("transfer", payment.TerminalError("transfer", "account_closed"))

	rec, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)

	failed := f.escrow(t, escrows["u0"].ID)
	assert.Equal(t, escrow.StatusFailed, failed.Status)
	assert.Equal(t, escrow.PayoutFailed, failed.PayoutState())
	assert.Contains(t, f.sink.titles(), "winner payout rejected by processor")
}

func TestSettle_NoWinnersRefundsEveryone(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_none", 1000, "10", 10)
	escrows := f.join(t, s, "u0", "u1")
	f.outcomes.Set("ch_none",
		payout.Participant{UserID: "u0", CompletedDays: 9},
		payout.Participant{UserID: "u1", CompletedDays: 2},
	)

	rec, err := f.orch.Settle(ctx, "ch_none")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllRefunded, rec.Outcome)
	assert.Equal(t, payout.ModeRefundAll, rec.Distribution.Mode)

	for _, e := range escrows {
		got := f.escrow(t, e.ID)
		assert.Equal(t, escrow.StatusVoided, got.Status)
		assert.Equal(t, payment.HoldStateCanceled, f.gw.HoldState(e.ExternalHoldRef))
		assert.Zero(t, f.gw.CaptureCount(e.ExternalHoldRef))
	}
	_, err = f.orch.Revenue(ctx, "ch_none")
	assert.ErrorIs(t, err, ErrRecordNotFound, "no fee without winners")
}

func TestSettle_PendingEscrowIsLeftOutOfPot(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_p", 1000, "10", 1)
	escrows := f.join(t, s, "u0")
	f.gw.SetAuthorizeOnCreate(false)
	late := f.join(t, s, "u1")["u1"]
	require.Equal(t, escrow.StatusPending, late.Status)
	f.outcomes.Set("ch_p",
		payout.Participant{UserID: "u0", CompletedDays: 1, PayoutAccountID: "acct_u0"},
		payout.Participant{UserID: "u1", CompletedDays: 1, PayoutAccountID: "acct_u1"},
	)

	rec, err := f.orch.Settle(ctx, "ch_p")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWinnersPaid, rec.Outcome)
	assert.Equal(t, int64(1000), rec.Distribution.PotCents)
	assert.False(t, rec.Distribution.InPot(late.ID))

	assert.Equal(t, escrow.StatusFailed, f.escrow(t, late.ID).Status)
	assert.Equal(t, payment.HoldStateCanceled, f.gw.HoldState(late.ExternalHoldRef))
	assert.Equal(t, int64(900), payoutOf(f.escrow(t, escrows["u0"].ID)))
}

func TestSettle_TamperedDistributionHalts(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s, escrows := threeOfOne(t, f)

	now := f.clock.Now()
	ids := []string{escrows["u0"].ID, escrows["u1"].ID, escrows["u2"].ID}
	_, _, err := f.store.Begin(ctx, &Record{
		ChallengeID: "ch_1", StakeID: s.ID, Kind: KindSettle,
		Attempts: 1, StartedAt: now, UpdatedAt: now, Version: 1,
		Distribution: &payout.Distribution{
			Mode: payout.ModeSplit, PotCents: 3000, PlatformFeeCents: 200, PerWinnerCents: 2700,
			Winners:   []payout.Winner{{UserID: "u0", EscrowID: escrows["u0"].ID, PayoutAccountID: "acct_u0", AmountCents: 2700}},
			EscrowIDs: sortedCopy(ids),
		},
	})
	require.NoError(t, err)

	rec, err := f.orch.Settle(ctx, "ch_1")
	var inc *payout.LedgerInconsistencyError
	require.ErrorAs(t, err, &inc)
	assert.True(t, rec.Halted())
	assert.Empty(t, f.gw.Transfers(), "nothing may be paid from an inconsistent ledger")
	assert.Contains(t, f.sink.titles(), "settlement halted: ledger inconsistency")

	_, err = f.orch.Settle(ctx, "ch_1")
	require.ErrorAs(t, err, &inc)
	_, err = f.orch.Retry(ctx, "ch_1")
	require.ErrorAs(t, err, &inc)
}

func TestSettle_UnknownChallenge(t *testing.T) {
	f := newFixture(t, 4)
	_, err := f.orch.Settle(context.Background(), "ch_missing")
	assert.ErrorIs(t, err, stakes.ErrStakeNotFound)
}

func TestSettle_OutcomeUnavailable(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_no_outcome", 1000, "10", 1)
	f.join(t, s, "u0")

	rec, err := f.orch.Settle(ctx, "ch_no_outcome")
	assert.ErrorIs(t, err, challenges.ErrChallengeNotFound)
	require.NotNil(t, rec)
	assert.False(t, rec.Completed())
	assert.True(t, rec.NeedsRetry())
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
