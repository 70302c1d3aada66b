package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable source of truth for subscriptions and usage.
type Store interface {
	// GetSubscription never returns a nil subscription: users without a row
	// get the implicit free-tier subscription.
	GetSubscription(ctx context.Context, userID uuid.UUID) (Subscription, error)
	// UpsertSubscription overwrites the user's row; older writes lose.
	UpsertSubscription(ctx context.Context, u SubscriptionUpdate) error
	// AppendUsageEvent inserts one event outside of a user transaction.
	AppendUsageEvent(ctx context.Context, e UsageEvent) error
	// SumUsage totals credits of events whose period starts within [periodStart, periodEnd).
	SumUsage(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (int64, error)
	// ListUsage returns events of the period starting at periodStart ordered by Seq.
	ListUsage(ctx context.Context, userID uuid.UUID, periodStart time.Time) ([]UsageEvent, error)

	// WithinUserTx runs fn atomically with respect to every other
	// WithinUserTx call for the same user. A returned error rolls back.
	WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	// ApplyExternalEvent records ev as processed and, in the same transaction,
	// lets apply derive the new subscription from the current one.
	// It returns false without calling apply when ev was already processed.
	ApplyExternalEvent(ctx context.Context, ev ProcessedEvent, userID uuid.UUID, apply ApplyFunc) (bool, error)

	// FindByExternalRef returns the stored subscription linked to the
	// processor's subscription id, falling back to its customer id. Empty refs
	// never match. ErrSubscriptionNotFound when nothing matches.
	FindByExternalRef(ctx context.Context, subscriptionRef, customerRef string) (Subscription, error)

	// ReferencedPlanIDs lists distinct plan IDs held by stored subscriptions.
	ReferencedPlanIDs(ctx context.Context) ([]string, error)
}

// Tx is the view of the store inside WithinUserTx.
type Tx interface {
	GetSubscription(ctx context.Context) (Subscription, error)
	SumUsage(ctx context.Context, periodStart, periodEnd time.Time) (int64, error)
	AppendUsageEvent(ctx context.Context, e UsageEvent) error
	GetUsageEvent(ctx context.Context, id uuid.UUID) (UsageEvent, error)
	// IsRefunded reports whether a refund referencing debitID exists.
	IsRefunded(ctx context.Context, debitID uuid.UUID) (bool, error)
}

// ApplyFunc merges an external event into the current subscription.
// Returning write=false records the event as processed without changing state.
type ApplyFunc func(current Subscription) (u SubscriptionUpdate, write bool, err error)

// ProcessedEvent is the dedupe record of a payment processor event.
type ProcessedEvent struct {
	Provider    string
	EventID     string
	EventType   string
	ProcessedAt time.Time
}
