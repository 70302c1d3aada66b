package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/svc/ledger"
)

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription_created"
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentFailed       EventType = "payment_failed"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	// EventIgnored marks deliveries the synchronizer acknowledges without acting.
	EventIgnored EventType = "ignored"
)

// Event is a verified, normalised webhook delivery.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	OccurredAt   time.Time

	// UserID comes from metadata the checkout attached; uuid.Nil when absent.
	UserID          uuid.UUID
	CustomerRef     string
	SubscriptionRef string
	PriceID         string
	// Status is set when the processor reports one; empty otherwise.
	Status      ledger.Status
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Email is used for payment notifications when the processor includes it.
	Email string
}

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidPayload)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidPayload)
	}
	return nil
}

// HasPeriod reports whether the event carries a usable billing period.
func (e Event) HasPeriod() bool {
	return !e.PeriodStart.IsZero() && e.PeriodEnd.After(e.PeriodStart)
}

func parseUserID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
