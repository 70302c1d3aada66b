package credits

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// ConsumeResult describes the outcome of CheckAndConsume.
// Denied results carry the balance at decision time and never a debit.
type ConsumeResult struct {
	Success bool
	Reason  entitlement.Decision
	UserID  uuid.UUID
	Feature plans.Feature
	// Remaining is the balance after the call, plans.Unlimited for unlimited plans.
	Remaining int64
	Required  int64
	// PlanID is the plan that was applied, after free-tier fallback.
	PlanID string
	// EventID identifies the debit; uuid.Nil when nothing was recorded.
	// Bypassed results carry a fresh id that exists only in logs.
	EventID uuid.UUID
	Period  ledger.Period
	// Bypassed marks a grant made without consulting the ledger.
	Bypassed bool
}

// Debited reports whether the call appended a usage event that can be refunded.
func (r ConsumeResult) Debited() bool {
	return r.Success && !r.Bypassed && r.EventID != uuid.Nil
}

// Balance is the read model behind the credits endpoint.
type Balance struct {
	PlanID   string
	PlanName string
	Status   ledger.Status
	// Total is the monthly allowance, plans.Unlimited for unlimited plans.
	Total int64
	Used  int64
	// Remaining is never negative; plans.Unlimited for unlimited plans.
	Remaining   int64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Unlimited reports whether the balance has no cap.
func (b Balance) Unlimited() bool {
	return b.Total == plans.Unlimited
}

func remainingFor(plan plans.Plan, used int64) int64 {
	if plan.IsUnlimited() {
		return plans.Unlimited
	}
	return plan.MonthlyCredits - used
}
