// Package challenges is the read side of the challenge subsystem: who took
// part in a challenge and how many days each of them completed.
package challenges

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/habitstakes/internal/payout"
)

var ErrChallengeNotFound = errors.New("challenge not found")

// Outcome is the final tally of a challenge.
type Outcome struct {
	ChallengeID  string               `json:"challengeId"`
	Participants []payout.Participant `json:"participants"`
}

// OutcomeSource reads challenge outcomes. Settlement re-fetches on every
// run, so implementations must not cache.
type OutcomeSource interface {
	Outcome(ctx context.Context, challengeID string) (*Outcome, error)
}

// StaticSource serves outcomes set in memory. Used in tests and local dev.
type StaticSource struct {
	mu       sync.RWMutex
	outcomes map[string][]payout.Participant
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{outcomes: make(map[string][]payout.Participant)}
}

// Set replaces the participants of a challenge.
func (s *StaticSource) Set(challengeID string, participants ...payout.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]payout.Participant, len(participants))
	copy(cp, participants)
	s.outcomes[challengeID] = cp
}

func (s *StaticSource) Outcome(_ context.Context, challengeID string) (*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.outcomes[challengeID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := make([]payout.Participant, len(ps))
	copy(cp, ps)
	sort.Slice(cp, func(i, j int) bool { return cp[i].UserID < cp[j].UserID })
	return &Outcome{ChallengeID: challengeID, Participants: cp}, nil
}
