package stakes

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewService(NewMemoryStore()).WithClock(clock), clock
}

func validRequest(challengeID string) CreateRequest {
	return CreateRequest{
		ChallengeID:        challengeID,
		AmountCents:        1000,
		PlatformFeePercent: "7.5",
		TargetCompletions:  20,
	}
}

func TestService_Create(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	stake, err := svc.Create(ctx, validRequest("ch_1"))
	require.NoError(t, err)
	assert.Contains(t, stake.ID, "stk_")
	assert.Equal(t, StatusOpen, stake.Status)
	assert.Equal(t, DefaultCurrency, stake.Currency)
	assert.True(t, stake.PlatformFeePercent.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, clock.Now(), stake.CreatedAt)

	byChallenge, err := svc.GetByChallenge(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, stake.ID, byChallenge.ID)

	_, err = svc.Create(ctx, validRequest("ch_1"))
	assert.ErrorIs(t, err, ErrDuplicateChallenge)
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"missing challenge", func(r *CreateRequest) { r.ChallengeID = " " }, ErrMissingChallengeID},
		{"zero amount", func(r *CreateRequest) { r.AmountCents = 0 }, ErrInvalidAmount},
		{"negative amount", func(r *CreateRequest) { r.AmountCents = -5 }, ErrInvalidAmount},
		{"fee of 100", func(r *CreateRequest) { r.PlatformFeePercent = "100" }, ErrInvalidFeePercent},
		{"negative fee", func(r *CreateRequest) { r.PlatformFeePercent = "-1" }, ErrInvalidFeePercent},
		{"fee not a number", func(r *CreateRequest) { r.PlatformFeePercent = "ten" }, ErrInvalidFeePercent},
		{"zero target", func(r *CreateRequest) { r.TargetCompletions = 0 }, ErrInvalidTarget},
		{"bad currency", func(r *CreateRequest) { r.Currency = "dollars" }, ErrInvalidCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("ch_" + tt.name)
			tt.mutate(&req)
			_, err := svc.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_Create_NormalizesCurrency(t *testing.T) {
	svc, _ := newTestService()
	req := validRequest("ch_eur")
	req.Currency = " EUR "

	stake, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "eur", stake.Currency)
}

func TestService_UpdateWhileOpen(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()
	stake, err := svc.Create(ctx, validRequest("ch_1"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	amount := int64(2500)
	fee := "10"
	updated, err := svc.Update(ctx, stake.ID, UpdateRequest{AmountCents: &amount, PlatformFeePercent: &fee})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), updated.AmountCents)
	assert.True(t, updated.PlatformFeePercent.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 20, updated.TargetCompletions)
	assert.Equal(t, clock.Now(), updated.UpdatedAt)

	bad := "150"
	_, err = svc.Update(ctx, stake.ID, UpdateRequest{PlatformFeePercent: &bad})
	assert.ErrorIs(t, err, ErrInvalidFeePercent)
}

func TestService_TermsFrozenAfterStart(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	stake, err := svc.Create(ctx, validRequest("ch_1"))
	require.NoError(t, err)

	started, err := svc.Start(ctx, stake.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, started.Status)

	// Starting twice is a no-op.
	again, err := svc.Start(ctx, stake.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, again.Status)

	target := 5
	_, err = svc.Update(ctx, stake.ID, UpdateRequest{TargetCompletions: &target})
	assert.ErrorIs(t, err, ErrStakeImmutable)

	_, err = svc.HoldAmount(ctx, stake.ID)
	assert.ErrorIs(t, err, ErrStakeNotOpen)

	got, err := svc.Get(ctx, stake.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.TargetCompletions)
}

func TestService_Cancel(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	open, err := svc.Create(ctx, validRequest("ch_open"))
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, open.ID)
	require.NoError(t, err, "cancel is idempotent")

	_, err = svc.Start(ctx, open.ID)
	assert.ErrorIs(t, err, ErrStakeCancelled)

	running, err := svc.Create(ctx, validRequest("ch_running"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, running.ID)
	require.NoError(t, err)
	cancelled, err = svc.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestService_HoldAmount(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.HoldAmount(ctx, "stk_missing")
	assert.ErrorIs(t, err, ErrStakeNotFound)

	stake, err := svc.Create(ctx, validRequest("ch_1"))
	require.NoError(t, err)
	amount, err := svc.HoldAmount(ctx, stake.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), amount)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Stake{ID: "stk_1", ChallengeID: "ch_1", AmountCents: 100, Status: StatusOpen}))

	got, err := store.Get(ctx, "stk_1")
	require.NoError(t, err)
	got.AmountCents = 1

	again, err := store.Get(ctx, "stk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.AmountCents)
}
