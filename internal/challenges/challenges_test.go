package challenges

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/habitstakes/internal/payout"
)

func TestStaticSource(t *testing.T) {
	src := NewStaticSource()
	ctx := context.Background()

	_, err := src.Outcome(ctx, "ch_1")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	src.Set("ch_1",
		payout.Participant{UserID: "u2", CompletedDays: 3},
		payout.Participant{UserID: "u1", CompletedDays: 7, PayoutAccountID: "acct_1"},
	)
	out, err := src.Outcome(ctx, "ch_1")
	require.NoError(t, err)
	require.Len(t, out.Participants, 2)
	assert.Equal(t, "u1", out.Participants[0].UserID)
	assert.Equal(t, "acct_1", out.Participants[0].PayoutAccountID)

	// Callers can't mutate what the source serves.
	out.Participants[0].CompletedDays = 0
	again, err := src.Outcome(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, 7, again.Participants[0].CompletedDays)
}
