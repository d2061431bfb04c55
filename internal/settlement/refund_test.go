package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/stakes"
)

func TestCancel_RefundsEveryone(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_c", 1000, "10", 5)
	escrows := f.join(t, s, "u0", "u1")
	f.gw.SetAuthorizeOnCreate(false)
	pending := f.join(t, s, "u2")["u2"]

	rec, err := f.orch.Refunder().Cancel(ctx, "ch_c")
	require.NoError(t, err)
	assert.Equal(t, KindCancel, rec.Kind)
	assert.Equal(t, OutcomeAllRefunded, rec.Outcome)

	for _, e := range escrows {
		assert.Equal(t, escrow.StatusVoided, f.escrow(t, e.ID).Status)
	}
	assert.Equal(t, escrow.StatusFailed, f.escrow(t, pending.ID).Status)
	assert.Equal(t, payment.HoldStateCanceled, f.gw.HoldState(pending.ExternalHoldRef))

	st, err := f.stakes.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, stakes.StatusCancelled, st.Status)

	again, err := f.orch.Refunder().Cancel(ctx, "ch_c")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)
}

func TestCancel_ConflictsWithSettlement(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	threeOfOne(t, f)

	_, err := f.orch.Settle(ctx, "ch_1")
	require.NoError(t, err)

	rec, err := f.orch.Refunder().Cancel(ctx, "ch_1")
	assert.ErrorIs(t, err, ErrSettlementConflict)
	assert.Equal(t, KindSettle, rec.Kind)
}

func TestSettle_ConflictsWithCancel(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, escrows := threeOfOne(t, f)

	_, err := f.orch.Refunder().Cancel(ctx, "ch_1")
	require.NoError(t, err)

	rec, err := f.orch.Settle(ctx, "ch_1")
	assert.ErrorIs(t, err, ErrSettlementConflict)
	assert.Equal(t, KindCancel, rec.Kind)
	assert.Empty(t, f.gw.Transfers())
	for _, e := range escrows {
		assert.Zero(t, f.gw.CaptureCount(e.ExternalHoldRef))
	}
}

func TestCancel_PartialFailureThenRetry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	s := f.stake(t, "ch_c", 1000, "10", 5)
	escrows := f.join(t, s, "u0", "u1")

	f.gw.FailNext("void", payment.RetryableError("void"))

	rec, err := f.orch.Refunder().Cancel(ctx, "ch_c")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, rec.Outcome)
	assert.Equal(t, escrow.StatusHeld, f.escrow(t, escrows["u0"].ID).Status)

	f.clock.Advance(time.Minute)
	rec, err = f.orch.Retry(ctx, "ch_c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllRefunded, rec.Outcome)
	assert.Equal(t, escrow.StatusVoided, f.escrow(t, escrows["u0"].ID).Status)
}

func TestRefund_CapturedEscrowNeedsOperator(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	s := f.stake(t, "ch_r", 1000, "10", 5)
	escrows := f.join(t, s, "u0", "u1")
	_, err := f.ledger.Capture(ctx, escrows["u0"].ID)
	require.NoError(t, err)

	sum, err := f.orch.Refunder().Refund(ctx, s.ID)
	assert.ErrorIs(t, err, ErrRefundIncomplete)
	assert.Equal(t, 1, sum.Voided)
	assert.Equal(t, []string{escrows["u0"].ID}, sum.Failed)
	assert.Contains(t, f.sink.titles(), "captured escrow in refunded challenge")

	// A second pass skips what is already refunded.
	sum, err = f.orch.Refunder().Refund(ctx, s.ID)
	assert.ErrorIs(t, err, ErrRefundIncomplete)
	assert.Equal(t, 1, sum.Skipped)
}

func TestMemoryStore_BeginIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first, created, err := store.Begin(ctx, &Record{ChallengeID: "ch_1", StakeID: "stk_1", Kind: KindSettle, StartedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), first.Version)

	other, created, err := store.Begin(ctx, &Record{ChallengeID: "ch_1", StakeID: "stk_1", Kind: KindCancel, StartedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, KindSettle, other.Kind)

	stale := first.clone()
	first.Outcome = OutcomeWinnersPaid
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConcurrencyConflict)

	ok, err := store.RecordRevenue(ctx, &RevenueEntry{ChallengeID: "ch_1", AmountCents: 300, Type: RevenueTypeStakeFee})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.RecordRevenue(ctx, &RevenueEntry{ChallengeID: "ch_1", AmountCents: 999, Type: RevenueTypeStakeFee})
	require.NoError(t, err)
	assert.False(t, ok)
	rev, err := store.GetRevenue(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), rev.AmountCents)
}

func TestRecord_NeedsRetry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"running", Record{}, true},
		{"paid", Record{Outcome: OutcomeWinnersPaid, CompletedAt: &now}, false},
		{"refunded", Record{Outcome: OutcomeAllRefunded, CompletedAt: &now}, false},
		{"partial", Record{Outcome: OutcomePartialFailure, CompletedAt: &now}, true},
		{"halted", Record{HaltReason: "pot mismatch"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.NeedsRetry())
		})
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := &Record{Distribution: &payout.Distribution{Winners: []payout.Winner{{UserID: "u0"}}}}
	cp := rec.clone()
	cp.Distribution.Winners[0].UserID = "changed"
	assert.Equal(t, "u0", rec.Distribution.Winners[0].UserID)
}
