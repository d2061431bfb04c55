package payout

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stakeholders(amounts ...int64) []Stakeholder {
	out := make([]Stakeholder, len(amounts))
	for i, a := range amounts {
		out[i] = Stakeholder{EscrowID: fmt.Sprintf("esc_%d", i), UserID: fmt.Sprintf("u%d", i), AmountCents: a}
	}
	return out
}

func TestCompute_SingleWinner(t *testing.T) {
	pot := stakeholders(1000, 1000, 1000)
	outcomes := []Participant{
		{UserID: "u0", CompletedDays: 10, PayoutAccountID: "acct_0"},
		{UserID: "u1", CompletedDays: 3},
		{UserID: "u2", CompletedDays: 0},
	}

	d, err := Compute(pot, outcomes, pct("10"), 10)
	require.NoError(t, err)

	assert.Equal(t, ModeSplit, d.Mode)
	assert.Equal(t, int64(3000), d.PotCents)
	assert.Equal(t, int64(300), d.PlatformFeeCents)
	assert.Equal(t, int64(2700), d.PerWinnerCents)
	require.Len(t, d.Winners, 1)
	assert.Equal(t, Winner{UserID: "u0", EscrowID: "esc_0", PayoutAccountID: "acct_0", AmountCents: 2700}, d.Winners[0])
	assert.NoError(t, d.Verify("ch_1"))
}

func TestCompute_RemainderFoldsIntoFee(t *testing.T) {
	pot := []Stakeholder{
		{EscrowID: "e1", UserID: "c", AmountCents: 400},
		{EscrowID: "e2", UserID: "a", AmountCents: 300},
		{EscrowID: "e3", UserID: "b", AmountCents: 300},
	}
	outcomes := []Participant{
		{UserID: "a", CompletedDays: 5},
		{UserID: "b", CompletedDays: 5},
		{UserID: "c", CompletedDays: 7},
	}

	d, err := Compute(pot, outcomes, pct("7.5"), 5)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), d.PotCents)
	assert.Equal(t, int64(308), d.PerWinnerCents)
	assert.Equal(t, int64(76), d.PlatformFeeCents)
	require.Len(t, d.Winners, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{d.Winners[0].UserID, d.Winners[1].UserID, d.Winners[2].UserID})
	assert.NoError(t, d.Verify("ch_1"))
}

func TestCompute_NoWinnersRefundsAll(t *testing.T) {
	pot := stakeholders(500, 500)
	outcomes := []Participant{{UserID: "u0", CompletedDays: 1}, {UserID: "u1", CompletedDays: 2}}

	d, err := Compute(pot, outcomes, pct("10"), 5)
	require.NoError(t, err)

	assert.Equal(t, ModeRefundAll, d.Mode)
	assert.Equal(t, int64(1000), d.PotCents)
	assert.Zero(t, d.PlatformFeeCents)
	assert.Empty(t, d.Winners)
	assert.NoError(t, d.Verify("ch_1"))
}

func TestCompute_EmptyPot(t *testing.T) {
	d, err := Compute(nil, nil, pct("10"), 1)
	require.NoError(t, err)
	assert.Equal(t, ModeRefundAll, d.Mode)
	assert.Zero(t, d.PotCents)
}

func TestCompute_UnfundedParticipantCannotWin(t *testing.T) {
	pot := stakeholders(1000)
	outcomes := []Participant{
		{UserID: "u0", CompletedDays: 0},
		{UserID: "ghost", CompletedDays: 99},
	}

	d, err := Compute(pot, outcomes, pct("10"), 5)
	require.NoError(t, err)
	assert.Equal(t, ModeRefundAll, d.Mode)
}

func TestCompute_ZeroFee(t *testing.T) {
	d, err := Compute(stakeholders(333, 333, 334), []Participant{{UserID: "u0", CompletedDays: 1}, {UserID: "u1", CompletedDays: 1}}, decimal.Zero, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), d.PerWinnerCents)
	assert.Equal(t, int64(0), d.PlatformFeeCents)
}

func TestCompute_InvalidInput(t *testing.T) {
	_, err := Compute(stakeholders(100), nil, pct("100"), 1)
	assert.ErrorIs(t, err, ErrInvalidFeePercent)

	_, err = Compute(stakeholders(100), nil, pct("-1"), 1)
	assert.ErrorIs(t, err, ErrInvalidFeePercent)

	_, err = Compute(stakeholders(100), nil, pct("10"), 0)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = Compute(stakeholders(0), nil, pct("10"), 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	dup := []Stakeholder{{EscrowID: "a", UserID: "u", AmountCents: 1}, {EscrowID: "b", UserID: "u", AmountCents: 1}}
	_, err = Compute(dup, nil, pct("10"), 1)
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestCompute_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	fees := []string{"0", "2.5", "7.5", "10", "12.345", "33.3", "99.99"}

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(12)
		pot := make([]Stakeholder, n)
		outcomes := make([]Participant, n)
		var total int64
		for j := 0; j < n; j++ {
			amt := int64(1 + rng.Intn(50000))
			total += amt
			pot[j] = Stakeholder{EscrowID: fmt.Sprintf("e%d", j), UserID: fmt.Sprintf("u%02d", j), AmountCents: amt}
			outcomes[j] = Participant{UserID: pot[j].UserID, CompletedDays: rng.Intn(10)}
		}

		d, err := Compute(pot, outcomes, pct(fees[rng.Intn(len(fees))]), 5)
		require.NoError(t, err)
		require.Equal(t, total, d.PotCents)

		if d.Mode == ModeRefundAll {
			require.Zero(t, d.PlatformFeeCents)
			continue
		}
		var paid int64
		for _, w := range d.Winners {
			paid += w.AmountCents
		}
		require.Equal(t, total, paid+d.PlatformFeeCents, "iteration %d", i)
		require.GreaterOrEqual(t, d.PlatformFeeCents, int64(0))
		for _, w := range d.Winners {
			require.Equal(t, d.PerWinnerCents, w.AmountCents)
		}
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	d, err := Compute(stakeholders(1000, 1000), []Participant{{UserID: "u0", CompletedDays: 3}}, pct("10"), 3)
	require.NoError(t, err)

	d.PlatformFeeCents++
	err = d.Verify("ch_9")
	var lie *LedgerInconsistencyError
	require.True(t, errors.As(err, &lie))
	assert.Equal(t, "ch_9", lie.ChallengeID)

	d.PlatformFeeCents--
	d.Winners[0].AmountCents = 1
	assert.Error(t, d.Verify("ch_9"))
}

func TestCheckConservation(t *testing.T) {
	d := Distribution{Mode: ModeSplit, PotCents: 3000, PlatformFeeCents: 300, PerWinnerCents: 2700}
	assert.NoError(t, CheckConservation("ch", d, 2700))
	assert.Error(t, CheckConservation("ch", d, 2699))

	refund := Distribution{Mode: ModeRefundAll, PotCents: 3000}
	assert.NoError(t, CheckConservation("ch", refund, 0))
	assert.Error(t, CheckConservation("ch", refund, 1))
}

func TestParseFeePercent(t *testing.T) {
	p, err := ParseFeePercent("7.5")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromFloat(7.5)))

	_, err = ParseFeePercent("abc")
	assert.ErrorIs(t, err, ErrInvalidFeePercent)
	_, err = ParseFeePercent("100")
	assert.ErrorIs(t, err, ErrInvalidFeePercent)
}

func TestDistribution_PotMembership(t *testing.T) {
	pot := []Stakeholder{
		{EscrowID: "esc_b", UserID: "u2", AmountCents: 500},
		{EscrowID: "esc_a", UserID: "u1", AmountCents: 500},
	}
	d, err := Compute(pot, []Participant{{UserID: "u1", CompletedDays: 3, PayoutAccountID: "acct_1"}}, pct("0"), 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"esc_a", "esc_b"}, d.EscrowIDs)
	assert.True(t, d.InPot("esc_b"))
	assert.False(t, d.InPot("esc_c"))

	w, ok := d.WinnerByEscrow("esc_a")
	require.True(t, ok)
	assert.Equal(t, int64(1000), w.AmountCents)
	_, ok = d.WinnerByEscrow("esc_b")
	assert.False(t, ok)
}
