package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPeriodLocked rejects ledger mutations dated inside a closed period.
var ErrPeriodLocked = errors.New("period locked")

// PeriodLocks answers whether a date falls into a locked period for an
// organization. The lock gate runs before any ledger write.
type PeriodLocks struct {
	pool *pgxpool.Pool
}

// NewPeriodLocks constructs the gate.
func NewPeriodLocks(pool *pgxpool.Pool) *PeriodLocks {
	return &PeriodLocks{pool: pool}
}

// Check returns ErrPeriodLocked when dated is on or before the organization's
// lock boundary. Organizations without a lock row are always open.
func (p *PeriodLocks) Check(ctx context.Context, cashboxID, organizationID int64, dated time.Time) error {
	if p == nil {
		return nil
	}
	var lockedBefore time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT locked_before FROM period_locks WHERE cashbox_id=$1 AND organization_id=$2`,
		cashboxID, organizationID).Scan(&lockedBefore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if !dated.After(lockedBefore) {
		return ErrPeriodLocked
	}
	return nil
}

// SetLock moves the lock boundary for an organization.
func (p *PeriodLocks) SetLock(ctx context.Context, cashboxID, organizationID int64, lockedBefore time.Time) error {
	if p == nil {
		return errors.New("period locks not initialised")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO period_locks (cashbox_id, organization_id, locked_before)
		VALUES ($1, $2, $3)
		ON CONFLICT (cashbox_id, organization_id) DO UPDATE SET locked_before = EXCLUDED.locked_before`,
		cashboxID, organizationID, lockedBefore)
	return err
}
