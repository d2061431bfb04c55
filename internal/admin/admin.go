// Package admin provides operator endpoints for resolving stuck settlements
// and escrows.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/reconciliation"
	"github.com/mbd888/habitstakes/internal/settlement"
)

// SettlementService is the part of the orchestrator operators drive.
type SettlementService interface {
	ListRetryable(ctx context.Context, staleAfter time.Duration, limit int) ([]*settlement.Record, error)
	Retry(ctx context.Context, challengeID string) (*settlement.Record, error)
}

// EscrowService is the part of the escrow ledger operators drive.
type EscrowService interface {
	SyncHold(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkFailed(ctx context.Context, id, reason string) (*escrow.Escrow, error)
}

// ReconciliationRunner runs one reconciliation sweep on demand.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}
