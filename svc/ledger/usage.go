package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/svc/plans"
)

// EventKind distinguishes debits from compensating refunds.
type EventKind string

const (
	KindDebit  EventKind = "debit"
	KindRefund EventKind = "refund"
)

// UsageEvent is one immutable entry of the usage log.
type UsageEvent struct {
	ID     uuid.UUID
	Seq    int64 // assigned by the store, strictly increasing
	UserID uuid.UUID
	// Feature is copied from the debit for refunds.
	Feature plans.Feature
	// Credits is positive for debits and negative for refunds.
	Credits     int64
	Kind        EventKind
	RefundOf    uuid.UUID
	Reason      string
	CreatedAt   time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Validate enforces the shape of debit and refund events.
func (e UsageEvent) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return fmt.Errorf("%w: id is required", ErrInvalidUsageEvent)
	case e.UserID == uuid.Nil:
		return fmt.Errorf("%w: %w", ErrInvalidUsageEvent, ErrInvalidUserID)
	case e.Feature == "":
		return fmt.Errorf("%w: feature is required", ErrInvalidUsageEvent)
	case e.PeriodStart.IsZero() || !e.PeriodEnd.After(e.PeriodStart):
		return fmt.Errorf("%w: invalid period", ErrInvalidUsageEvent)
	}

	switch e.Kind {
	case KindDebit:
		if e.Credits < 1 {
			return fmt.Errorf("%w: debit must consume at least one credit", ErrInvalidUsageEvent)
		}
		if e.RefundOf != uuid.Nil {
			return fmt.Errorf("%w: debit cannot reference another event", ErrInvalidUsageEvent)
		}
	case KindRefund:
		if e.Credits > -1 {
			return fmt.Errorf("%w: refund must carry negative credits", ErrInvalidUsageEvent)
		}
		if e.RefundOf == uuid.Nil {
			return fmt.Errorf("%w: refund must reference a debit", ErrInvalidUsageEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidUsageEvent, e.Kind)
	}
	return nil
}
