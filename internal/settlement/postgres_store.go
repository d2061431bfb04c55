package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/habitstakes/internal/payout"
)

// PostgresStore persists settlement records in PostgreSQL. The primary key
// on challenge_id is what serializes settle and cancel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `challenge_id, stake_id, kind, outcome, distribution, attempts,
		       next_attempt_at, halt_reason, started_at, completed_at, updated_at, version`

func (p *PostgresStore) Begin(ctx context.Context, rec *Record) (*Record, bool, error) {
	dist, err := marshalDistribution(rec.Distribution)
	if err != nil {
		return nil, false, err
	}
	version := rec.Version
	if version == 0 {
		version = 1
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlement_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ChallengeID, rec.StakeID, string(rec.Kind), nullString(string(rec.Outcome)), dist,
		rec.Attempts, nullTime(rec.NextAttemptAt), nullString(rec.HaltReason),
		rec.StartedAt, nullTime(rec.CompletedAt), rec.UpdatedAt, version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			existing, gerr := p.Get(ctx, rec.ChallengeID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	stored, err := p.Get(ctx, rec.ChallengeID)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (p *PostgresStore) Get(ctx context.Context, challengeID string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM settlement_records WHERE challenge_id = $1`, challengeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	dist, err := marshalDistribution(rec.Distribution)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_records SET
			outcome = $1, distribution = $2, attempts = $3, next_attempt_at = $4,
			halt_reason = $5, completed_at = $6, updated_at = $7, version = version + 1
		WHERE challenge_id = $8 AND version = $9`,
		nullString(string(rec.Outcome)), dist, rec.Attempts, nullTime(rec.NextAttemptAt),
		nullString(rec.HaltReason), nullTime(rec.CompletedAt), rec.UpdatedAt,
		rec.ChallengeID, rec.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM settlement_records WHERE challenge_id = $1)`, rec.ChallengeID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrConcurrencyConflict
	}
	rec.Version++
	return nil
}

func (p *PostgresStore) ListRetryable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM settlement_records
		WHERE halt_reason IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		  AND ((completed_at IS NULL AND updated_at < $1) OR outcome = 'partial_failure')
		ORDER BY updated_at ASC
		LIMIT $3`,
		staleBefore, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordRevenue(ctx context.Context, entry *RevenueEntry) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_revenue (challenge_id, amount_cents, type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (challenge_id) DO NOTHING`,
		entry.ChallengeID, entry.AmountCents, entry.Type, entry.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) GetRevenue(ctx context.Context, challengeID string) (*RevenueEntry, error) {
	e := &RevenueEntry{}
	err := p.db.QueryRowContext(ctx, `
		SELECT challenge_id, amount_cents, type, created_at
		FROM platform_revenue WHERE challenge_id = $1`, challengeID,
	).Scan(&e.ChallengeID, &e.AmountCents, &e.Type, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		kind        string
		outcome     sql.NullString
		dist        []byte
		nextAttempt sql.NullTime
		halt        sql.NullString
		completed   sql.NullTime
	)
	err := row.Scan(
		&rec.ChallengeID, &rec.StakeID, &kind, &outcome, &dist, &rec.Attempts,
		&nextAttempt, &halt, &rec.StartedAt, &completed, &rec.UpdatedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Outcome = Outcome(outcome.String)
	rec.HaltReason = halt.String
	if nextAttempt.Valid {
		t := nextAttempt.Time
		rec.NextAttemptAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	if len(dist) > 0 {
		var d payout.Distribution
		if err := json.Unmarshal(dist, &d); err != nil {
			return nil, fmt.Errorf("decode distribution for %s: %w", rec.ChallengeID, err)
		}
		rec.Distribution = &d
	}
	return &rec, nil
}

func marshalDistribution(d *payout.Distribution) (interface{}, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode distribution: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
