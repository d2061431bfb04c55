package challenges

import (
	"context"
	"database/sql"

	"github.com/mbd888/habitstakes/internal/payout"
)

// PostgresSource reads outcomes from the challenge subsystem's
// challenge_participants table.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a new PostgreSQL outcome source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Outcome(ctx context.Context, challengeID string) (*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, completed_days, external_payout_account_id
		FROM challenge_participants
		WHERE challenge_id = $1
		ORDER BY user_id`, challengeID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := &Outcome{ChallengeID: challengeID, Participants: []payout.Participant{}}
	for rows.Next() {
		var (
			p       payout.Participant
			account sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.CompletedDays, &account); err != nil {
			return nil, err
		}
		p.PayoutAccountID = account.String
		out.Participants = append(out.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out.Participants) == 0 {
		return nil, ErrChallengeNotFound
	}
	return out, nil
}
