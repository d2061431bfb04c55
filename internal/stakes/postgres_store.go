package stakes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists stakes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL stakes store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const stakeColumns = `id, challenge_id, amount_cents, platform_fee_percent, target_completions,
	currency, status, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, stake *Stake) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stakes (`+stakeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stake.ID, stake.ChallengeID, stake.AmountCents, stake.PlatformFeePercent,
		stake.TargetCompletions, stake.Currency, stake.Status, stake.CreatedAt, stake.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateChallenge
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Stake, error) {
	return s.getOne(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE id = $1`, id)
}

func (s *PostgresStore) GetByChallenge(ctx context.Context, challengeID string) (*Stake, error) {
	return s.getOne(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE challenge_id = $1`, challengeID)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Stake, error) {
	stake := &Stake{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&stake.ID, &stake.ChallengeID, &stake.AmountCents, &stake.PlatformFeePercent,
		&stake.TargetCompletions, &stake.Currency, &stake.Status, &stake.CreatedAt, &stake.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrStakeNotFound
	}
	if err != nil {
		return nil, err
	}
	return stake, nil
}

func (s *PostgresStore) UpdateTerms(ctx context.Context, stake *Stake) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE stakes SET amount_cents=$2, platform_fee_percent=$3, target_completions=$4,
			currency=$5, updated_at=$6
		WHERE id = $1 AND status = 'open'`,
		stake.ID, stake.AmountCents, stake.PlatformFeePercent, stake.TargetCompletions,
		stake.Currency, stake.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, stake.ID); err != nil {
		return err
	}
	return ErrStakeImmutable
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE stakes SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, from, to, at,
	)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
