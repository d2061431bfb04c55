package stakes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mbd888/habitstakes/internal/idgen"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/payout"
	"github.com/mbd888/habitstakes/internal/traces"
)

var currencyRegex = regexp.MustCompile(`^[a-z]{3}$`)

// Service implements stake terms management.
type Service struct {
	store Store
	clock clockwork.Clock
}

// NewService creates a new stakes service.
func NewService(store Store) *Service {
	return &Service{store: store, clock: clockwork.NewRealClock()}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(c clockwork.Clock) *Service {
	s.clock = c
	return s
}

// Create registers the terms for a challenge. One stake per challenge.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Stake, error) {
	ctx, span := traces.StartSpan(ctx, "stakes.Create", traces.ChallengeID(req.ChallengeID))
	defer span.End()

	fee, err := parseFee(req.PlatformFeePercent)
	if err != nil {
		return nil, err
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	switch {
	case strings.TrimSpace(req.ChallengeID) == "":
		return nil, ErrMissingChallengeID
	case req.AmountCents <= 0:
		return nil, ErrInvalidAmount
	case req.TargetCompletions <= 0:
		return nil, ErrInvalidTarget
	case !currencyRegex.MatchString(currency):
		return nil, ErrInvalidCurrency
	}

	now := s.clock.Now()
	stake := &Stake{
		ID:                 idgen.WithPrefix("stk_"),
		ChallengeID:        req.ChallengeID,
		AmountCents:        req.AmountCents,
		PlatformFeePercent: fee,
		TargetCompletions:  req.TargetCompletions,
		Currency:           currency,
		Status:             StatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, stake); err != nil {
		if errors.Is(err, ErrDuplicateChallenge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create stake: %w", err)
	}

	logging.L(ctx).Info("stake created",
		"stake_id", stake.ID, "challenge_id", stake.ChallengeID,
		"amount_cents", stake.AmountCents, "fee_percent", stake.PlatformFeePercent.String())
	return stake, nil
}

// Get returns a stake by ID.
func (s *Service) Get(ctx context.Context, id string) (*Stake, error) {
	return s.store.Get(ctx, id)
}

// GetByChallenge returns the stake for a challenge.
func (s *Service) GetByChallenge(ctx context.Context, challengeID string) (*Stake, error) {
	return s.store.GetByChallenge(ctx, challengeID)
}

// Update changes the terms of an open stake. Once the challenge has
// started every change is rejected with ErrStakeImmutable.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Stake, error) {
	stake, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stake.Status != StatusOpen {
		return nil, ErrStakeImmutable
	}

	if req.AmountCents != nil {
		if *req.AmountCents <= 0 {
			return nil, ErrInvalidAmount
		}
		stake.AmountCents = *req.AmountCents
	}
	if req.PlatformFeePercent != nil {
		fee, err := parseFee(*req.PlatformFeePercent)
		if err != nil {
			return nil, err
		}
		stake.PlatformFeePercent = fee
	}
	if req.TargetCompletions != nil {
		if *req.TargetCompletions <= 0 {
			return nil, ErrInvalidTarget
		}
		stake.TargetCompletions = *req.TargetCompletions
	}
	if req.Currency != nil {
		c := strings.ToLower(strings.TrimSpace(*req.Currency))
		if !currencyRegex.MatchString(c) {
			return nil, ErrInvalidCurrency
		}
		stake.Currency = c
	}

	stake.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateTerms(ctx, stake); err != nil {
		return nil, err
	}
	return stake, nil
}

// Start freezes the terms. Starting a started stake is a no-op.
func (s *Service) Start(ctx context.Context, id string) (*Stake, error) {
	return s.moveStatus(ctx, id, StatusOpen, StatusStarted)
}

// Cancel marks the stake cancelled from either open or started.
// Cancelling a cancelled stake is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (*Stake, error) {
	stake, err := s.moveStatus(ctx, id, StatusStarted, StatusCancelled)
	if err == nil || !errors.Is(err, ErrStakeNotOpen) {
		return stake, err
	}
	return s.moveStatus(ctx, id, StatusOpen, StatusCancelled)
}

func (s *Service) moveStatus(ctx context.Context, id string, from, to Status) (*Stake, error) {
	changed, err := s.store.UpdateStatus(ctx, id, from, to, s.clock.Now())
	if err != nil {
		return nil, err
	}
	stake, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed || stake.Status == to {
		return stake, nil
	}
	if stake.Status == StatusCancelled {
		return stake, ErrStakeCancelled
	}
	return stake, ErrStakeNotOpen
}

// HoldAmount returns the per-participant amount of an open stake. It is
// what a new participant's escrow hold is opened for.
func (s *Service) HoldAmount(ctx context.Context, id string) (int64, error) {
	stake, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if stake.Status != StatusOpen {
		return 0, ErrStakeNotOpen
	}
	return stake.AmountCents, nil
}

func parseFee(s string) (decimal.Decimal, error) {
	fee, err := payout.ParseFeePercent(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidFeePercent, err)
	}
	return fee, nil
}
