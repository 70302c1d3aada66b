package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a user's subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	// StatusFree marks the implicit subscription of users who never paid.
	StatusFree Status = "free"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusFree:
		return true
	}
	return false
}

// Subscription is the per-user billing state.
type Subscription struct {
	UserID                  uuid.UUID
	PlanID                  string
	Status                  Status
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	UpdatedAt               time.Time
	// Implicit is true when no row exists and the free default was synthesized.
	Implicit bool
}

// IsActive reports whether the external subscription is in good standing.
func (s Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// PeriodAt returns the billing period containing now.
// A stored period that already ended is rolled forward in whole months from
// its end, so allowance resets on schedule even if a renewal webhook is late.
// Month-end billing days clamp to the last day of shorter months.
func (s Subscription) PeriodAt(now time.Time) Period {
	start, end := s.CurrentPeriodStart.UTC(), s.CurrentPeriodEnd.UTC()
	if start.IsZero() || !end.After(start) {
		return MonthPeriod(now)
	}
	now = now.UTC()
	if now.Before(end) {
		return Period{Start: start, End: end}
	}

	// A stored end clamped to the end of a short month keeps the start's billing day.
	day := end.Day()
	if start.Day() > day && day == daysIn(end.Year(), end.Month()) {
		day = start.Day()
	}

	k := (now.Year()-end.Year())*12 + int(now.Month()) - int(end.Month()) - 1
	k = max(k, 0)
	for {
		from, to := billingDay(end, k, day), billingDay(end, k+1, day)
		if now.Before(to) {
			return Period{Start: from, End: to}
		}
		k++
	}
}

// billingDay returns ref shifted by n months onto the given day of month,
// clamped to the length of the target month.
func billingDay(ref time.Time, n, day int) time.Time {
	y, m := ref.Year(), ref.Month()+time.Month(n)
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	d := min(day, daysIn(first.Year(), first.Month()))
	return time.Date(first.Year(), first.Month(), d, ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// SubscriptionUpdate overwrites a user's subscription entirely.
type SubscriptionUpdate struct {
	UserID                  uuid.UUID
	PlanID                  string
	Status                  Status
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	PeriodStart             time.Time
	PeriodEnd               time.Time
	// UpdatedAt orders competing writes; an update older than the stored row is ignored.
	UpdatedAt time.Time
}

// Validate checks the update before it reaches storage.
func (u SubscriptionUpdate) Validate() error {
	switch {
	case u.UserID == uuid.Nil:
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, ErrInvalidUserID)
	case u.PlanID == "":
		return fmt.Errorf("%w: plan id is required", ErrInvalidSubscription)
	case !u.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSubscription, u.Status)
	case !u.PeriodStart.IsZero() && !u.PeriodEnd.After(u.PeriodStart):
		return fmt.Errorf("%w: period end must be after period start", ErrInvalidSubscription)
	case u.UpdatedAt.IsZero():
		return fmt.Errorf("%w: updated_at is required", ErrInvalidSubscription)
	}
	return nil
}

// Subscription returns the row the update produces.
func (u SubscriptionUpdate) Subscription() Subscription {
	return Subscription{
		UserID:                  u.UserID,
		PlanID:                  u.PlanID,
		Status:                  u.Status,
		ExternalCustomerRef:     u.ExternalCustomerRef,
		ExternalSubscriptionRef: u.ExternalSubscriptionRef,
		CurrentPeriodStart:      u.PeriodStart.UTC(),
		CurrentPeriodEnd:        u.PeriodEnd.UTC(),
		UpdatedAt:               u.UpdatedAt.UTC(),
	}
}

// Update converts the subscription back into a full overwrite, used when
// merging an external event into the current state.
func (s Subscription) Update(at time.Time) SubscriptionUpdate {
	return SubscriptionUpdate{
		UserID:                  s.UserID,
		PlanID:                  s.PlanID,
		Status:                  s.Status,
		ExternalCustomerRef:     s.ExternalCustomerRef,
		ExternalSubscriptionRef: s.ExternalSubscriptionRef,
		PeriodStart:             s.CurrentPeriodStart,
		PeriodEnd:               s.CurrentPeriodEnd,
		UpdatedAt:               at,
	}
}

// FreeSubscription synthesizes the implicit free-tier subscription.
func FreeSubscription(userID uuid.UUID, freePlanID string, now time.Time) Subscription {
	p := MonthPeriod(now)
	return Subscription{
		UserID:             userID,
		PlanID:             freePlanID,
		Status:             StatusFree,
		CurrentPeriodStart: p.Start,
		CurrentPeriodEnd:   p.End,
		Implicit:           true,
	}
}
