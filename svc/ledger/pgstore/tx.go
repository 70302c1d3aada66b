package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/resumekit/pkg/pg"
	"github.com/dmitrymomot/resumekit/svc/ledger"
)

type userTx struct {
	store  *Store
	tx     pgx.Tx
	userID uuid.UUID
}

func (t *userTx) GetSubscription(ctx context.Context) (ledger.Subscription, error) {
	return t.store.getSubscription(ctx, t.tx, t.userID, false)
}

func (t *userTx) SumUsage(ctx context.Context, periodStart, periodEnd time.Time) (int64, error) {
	return sumUsage(ctx, t.tx, t.userID, periodStart, periodEnd)
}

func (t *userTx) AppendUsageEvent(ctx context.Context, e ledger.UsageEvent) error {
	if e.UserID != t.userID {
		return fmt.Errorf("%w: event belongs to another user", ledger.ErrInvalidUsageEvent)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return insertUsageEvent(ctx, t.tx, e)
}

func (t *userTx) GetUsageEvent(ctx context.Context, id uuid.UUID) (ledger.UsageEvent, error) {
	rows, err := t.tx.Query(ctx, getUsageEventSQL, id, t.userID)
	if err != nil {
		return ledger.UsageEvent{}, mapErr(err)
	}
	e, err := pgx.CollectOneRow(rows, scanUsageEvent)
	if pg.IsNotFoundError(err) {
		return ledger.UsageEvent{}, ledger.ErrUsageEventNotFound
	}
	if err != nil {
		return ledger.UsageEvent{}, mapErr(err)
	}
	return e, nil
}

func (t *userTx) IsRefunded(ctx context.Context, debitID uuid.UUID) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx, isRefundedSQL, debitID).Scan(&ok); err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}
