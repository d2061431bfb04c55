package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, stake_id, user_id, amount_cents, external_hold_ref, status,
		       payout_amount_cents, transfer_ref, failure_reason, attempts, next_attempt_at,
		       version, created_at, updated_at, released_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, stake_id, user_id, amount_cents, external_hold_ref, status,
			payout_amount_cents, transfer_ref, failure_reason, attempts, next_attempt_at,
			version, created_at, updated_at, released_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.StakeID, e.UserID, e.AmountCents, nullString(e.ExternalHoldRef), string(e.Status),
		nullInt64(e.PayoutAmountCents), nullString(e.TransferRef), nullString(e.FailureReason),
		e.Attempts, nullTime(e.NextAttemptAt),
		e.Version, e.CreatedAt, e.UpdatedAt, nullTime(e.ReleasedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

func (p *PostgresStore) GetByUserStake(ctx context.Context, userID, stakeID string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE user_id = $1 AND stake_id = $2`, userID, stakeID)
}

func (p *PostgresStore) GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE external_hold_ref = $1`, holdRef)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...interface{}) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes e only if the stored version is still e.Version.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			external_hold_ref = $1, status = $2, payout_amount_cents = $3,
			transfer_ref = $4, failure_reason = $5, attempts = $6, next_attempt_at = $7,
			updated_at = $8, released_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		nullString(e.ExternalHoldRef), string(e.Status), nullInt64(e.PayoutAmountCents),
		nullString(e.TransferRef), nullString(e.FailureReason), e.Attempts, nullTime(e.NextAttemptAt),
		e.UpdatedAt, nullTime(e.ReleasedAt),
		e.ID, e.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrConcurrencyConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByStake(ctx context.Context, stakeID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE stake_id = $1
		ORDER BY user_id`, stakeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, updatedBefore, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('pending', 'held', 'captured')
		  AND updated_at < $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY updated_at ASC
		LIMIT $3`, updatedBefore, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) RecordEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		holdRef       sql.NullString
		status        string
		payout        sql.NullInt64
		transferRef   sql.NullString
		failureReason sql.NullString
		nextAttemptAt sql.NullTime
		releasedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.StakeID, &e.UserID, &e.AmountCents, &holdRef, &status,
		&payout, &transferRef, &failureReason, &e.Attempts, &nextAttemptAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ExternalHoldRef = holdRef.String
	e.TransferRef = transferRef.String
	e.FailureReason = failureReason.String
	if payout.Valid {
		e.PayoutAmountCents = &payout.Int64
	}
	if nextAttemptAt.Valid {
		e.NextAttemptAt = &nextAttemptAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
