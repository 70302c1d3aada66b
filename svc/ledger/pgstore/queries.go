package pgstore

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

const selectSubscription = `
SELECT user_id, plan_id, status, external_customer_ref, external_subscription_ref,
       current_period_start, current_period_end, updated_at
FROM subscriptions
WHERE user_id = $1`

// Last write wins: a row with a newer updated_at is left untouched.
const upsertSubscriptionSQL = `
INSERT INTO subscriptions (
    user_id, plan_id, status, external_customer_ref, external_subscription_ref,
    current_period_start, current_period_end, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
    plan_id                   = EXCLUDED.plan_id,
    status                    = EXCLUDED.status,
    external_customer_ref     = EXCLUDED.external_customer_ref,
    external_subscription_ref = EXCLUDED.external_subscription_ref,
    current_period_start      = EXCLUDED.current_period_start,
    current_period_end        = EXCLUDED.current_period_end,
    updated_at                = EXCLUDED.updated_at
WHERE subscriptions.updated_at <= EXCLUDED.updated_at`

// Newest row wins when a customer ref is shared by several users.
const findByExternalRefSQL = `
SELECT user_id, plan_id, status, external_customer_ref, external_subscription_ref,
       current_period_start, current_period_end, updated_at
FROM subscriptions
WHERE ($1::TEXT <> '' AND external_subscription_ref = $1::TEXT)
   OR ($2::TEXT <> '' AND external_customer_ref = $2::TEXT)
ORDER BY (external_subscription_ref = $1) DESC, updated_at DESC
LIMIT 1`

const insertUsageEventSQL = `
INSERT INTO usage_events (
    id, user_id, feature, credits, kind, refund_of, reason, created_at, period_start, period_end
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const sumUsageSQL = `
SELECT COALESCE(SUM(credits), 0)::BIGINT
FROM usage_events
WHERE user_id = $1 AND period_start >= $2 AND period_start < $3`

const usageColumns = `seq, id, user_id, feature, credits, kind, refund_of, reason, created_at, period_start, period_end`

const listUsageSQL = `
SELECT ` + usageColumns + `
FROM usage_events
WHERE user_id = $1 AND period_start = $2
ORDER BY seq`

const getUsageEventSQL = `
SELECT ` + usageColumns + `
FROM usage_events
WHERE id = $1 AND user_id = $2`

const isRefundedSQL = `SELECT EXISTS (SELECT 1 FROM usage_events WHERE refund_of = $1)`

const insertProcessedEventSQL = `
INSERT INTO processed_events (provider, event_id, event_type, user_id, processed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider, event_id) DO NOTHING`

func scanUsageEvent(row pgx.CollectableRow) (ledger.UsageEvent, error) {
	var (
		e        ledger.UsageEvent
		feature  string
		kind     string
		refundOf *uuid.UUID
	)
	err := row.Scan(
		&e.Seq, &e.ID, &e.UserID, &feature, &e.Credits, &kind, &refundOf,
		&e.Reason, &e.CreatedAt, &e.PeriodStart, &e.PeriodEnd,
	)
	if err != nil {
		return ledger.UsageEvent{}, err
	}
	e.Feature = plans.Feature(feature)
	e.Kind = ledger.EventKind(kind)
	if refundOf != nil {
		e.RefundOf = *refundOf
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.PeriodStart = e.PeriodStart.UTC()
	e.PeriodEnd = e.PeriodEnd.UTC()
	return e, nil
}

