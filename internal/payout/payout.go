// Package payout computes how a challenge pot is divided. It has no side
// effects and owns no state.
package payout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Mode says whether a pot is split among winners or refunded in full.
type Mode string

const (
	ModeSplit     Mode = "split"
	ModeRefundAll Mode = "refund_all"
)

var (
	ErrInvalidFeePercent = errors.New("platform fee percent must be in [0, 100)")
	ErrInvalidTarget     = errors.New("target completions must be positive")
	ErrInvalidAmount     = errors.New("stakeholder amount must be positive")
	ErrDuplicateUser     = errors.New("duplicate stakeholder")
)

// Stakeholder is one funded escrow in the pot.
type Stakeholder struct {
	EscrowID    string
	UserID      string
	AmountCents int64
}

// Participant is one row of a challenge outcome.
type Participant struct {
	UserID          string `json:"userId"`
	CompletedDays   int    `json:"completedDays"`
	PayoutAccountID string `json:"externalPayoutAccountId,omitempty"`
}

// Winner is a stakeholder who met the target.
type Winner struct {
	UserID          string `json:"userId"`
	EscrowID        string `json:"escrowId"`
	PayoutAccountID string `json:"payoutAccountId,omitempty"`
	AmountCents     int64  `json:"amountCents"`
}

// Distribution is the result of Compute.
type Distribution struct {
	Mode             Mode     `json:"mode"`
	PotCents         int64    `json:"potCents"`
	PlatformFeeCents int64    `json:"platformFeeCents"`
	PerWinnerCents   int64    `json:"perWinnerCents"`
	Winners          []Winner `json:"winners"`
	// EscrowIDs lists every escrow in the pot, sorted.
	EscrowIDs []string `json:"escrowIds"`
}

// InPot reports whether escrowID was part of the pot.
func (d Distribution) InPot(escrowID string) bool {
	i := sort.SearchStrings(d.EscrowIDs, escrowID)
	return i < len(d.EscrowIDs) && d.EscrowIDs[i] == escrowID
}

// WinnerByEscrow returns the winner funded by escrowID.
func (d Distribution) WinnerByEscrow(escrowID string) (Winner, bool) {
	for _, w := range d.Winners {
		if w.EscrowID == escrowID {
			return w, true
		}
	}
	return Winner{}, false
}

// LedgerInconsistencyError means money doesn't add up. It halts automated
// settlement for the challenge.
type LedgerInconsistencyError struct {
	ChallengeID string
	PotCents    int64
	PaidCents   int64
	FeeCents    int64
	Detail      string
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency for challenge %s: pot=%d paid=%d fee=%d: %s",
		e.ChallengeID, e.PotCents, e.PaidCents, e.FeeCents, e.Detail)
}

// ParseFeePercent parses a decimal percentage such as "7.5".
func ParseFeePercent(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidFeePercent, err)
	}
	if err := validateFeePercent(p); err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

func validateFeePercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return ErrInvalidFeePercent
	}
	return nil
}

// Compute divides the pot.
//
// Winners are stakeholders whose participant row has CompletedDays at or
// above targetCompletions; a participant without a funded escrow can't win.
// With no winners every stakeholder is refunded and no fee is taken.
// Otherwise fee = floor(pot × feePercent / 100), each winner gets
// floor((pot − fee) / n) and the leftover cents are added to the fee, so
// payouts plus fee always equal the pot. Winners are ordered by user id.
func Compute(pot []Stakeholder, outcomes []Participant, feePercent decimal.Decimal, targetCompletions int) (Distribution, error) {
	if err := validateFeePercent(feePercent); err != nil {
		return Distribution{}, err
	}
	if targetCompletions <= 0 {
		return Distribution{}, ErrInvalidTarget
	}

	byUser := make(map[string]Participant, len(outcomes))
	for _, p := range outcomes {
		byUser[p.UserID] = p
	}

	var total int64
	seen := make(map[string]bool, len(pot))
	ids := make([]string, 0, len(pot))
	var winners []Winner
	for _, s := range pot {
		if s.AmountCents <= 0 {
			return Distribution{}, fmt.Errorf("%w: escrow %s", ErrInvalidAmount, s.EscrowID)
		}
		if seen[s.UserID] {
			return Distribution{}, fmt.Errorf("%w: user %s", ErrDuplicateUser, s.UserID)
		}
		seen[s.UserID] = true
		ids = append(ids, s.EscrowID)
		total += s.AmountCents

		if p, ok := byUser[s.UserID]; ok && p.CompletedDays >= targetCompletions {
			winners = append(winners, Winner{
				UserID:          s.UserID,
				EscrowID:        s.EscrowID,
				PayoutAccountID: p.PayoutAccountID,
			})
		}
	}

	sort.Strings(ids)

	if len(winners) == 0 {
		return Distribution{Mode: ModeRefundAll, PotCents: total, Winners: []Winner{}, EscrowIDs: ids}, nil
	}

	fee := decimal.NewFromInt(total).Mul(feePercent).Shift(-2).Floor().IntPart()
	pool := total - fee
	n := int64(len(winners))
	per := pool / n
	rem := pool - per*n

	sort.Slice(winners, func(i, j int) bool { return winners[i].UserID < winners[j].UserID })
	for i := range winners {
		winners[i].AmountCents = per
	}

	return Distribution{
		Mode:             ModeSplit,
		PotCents:         total,
		PlatformFeeCents: fee + rem,
		PerWinnerCents:   per,
		Winners:          winners,
		EscrowIDs:        ids,
	}, nil
}

// Verify re-checks conservation of the distribution itself.
func (d Distribution) Verify(challengeID string) error {
	var paid int64
	for _, w := range d.Winners {
		if w.AmountCents != d.PerWinnerCents {
			return &LedgerInconsistencyError{
				ChallengeID: challengeID, PotCents: d.PotCents, FeeCents: d.PlatformFeeCents,
				Detail: fmt.Sprintf("winner %s owed %d, expected %d", w.UserID, w.AmountCents, d.PerWinnerCents),
			}
		}
		paid += w.AmountCents
	}
	return CheckConservation(challengeID, d, paid)
}

// CheckConservation compares what was actually released to winners against
// the distribution.
func CheckConservation(challengeID string, d Distribution, paidCents int64) error {
	switch d.Mode {
	case ModeRefundAll:
		if d.PlatformFeeCents != 0 || paidCents != 0 {
			return &LedgerInconsistencyError{
				ChallengeID: challengeID, PotCents: d.PotCents, PaidCents: paidCents, FeeCents: d.PlatformFeeCents,
				Detail: "refund must not pay winners or take a fee",
			}
		}
		return nil
	case ModeSplit:
		if d.PlatformFeeCents < 0 || paidCents+d.PlatformFeeCents != d.PotCents {
			return &LedgerInconsistencyError{
				ChallengeID: challengeID, PotCents: d.PotCents, PaidCents: paidCents, FeeCents: d.PlatformFeeCents,
				Detail: "payouts plus fee do not equal pot",
			}
		}
		return nil
	default:
		return &LedgerInconsistencyError{ChallengeID: challengeID, PotCents: d.PotCents, Detail: "unknown mode " + string(d.Mode)}
	}
}
