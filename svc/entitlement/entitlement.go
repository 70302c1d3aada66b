// Package entitlement decides whether a subscription may use a feature.
// Everything here is pure: callers load the subscription, plan and remaining
// balance and pass them in.
package entitlement

import (
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// Decision is the outcome of an entitlement check.
type Decision string

const (
	Allowed                    Decision = "allowed"
	DeniedNoFeature            Decision = "denied_no_feature"
	DeniedInsufficientCredits  Decision = "denied_insufficient_credits"
	DeniedSubscriptionInactive Decision = "denied_subscription_inactive"
)

// IsAllowed reports whether the decision grants access.
func (d Decision) IsAllowed() bool { return d == Allowed }

// HasFeatureAccess reports whether plan entitles its holder to feature.
func HasFeatureAccess(plan plans.Plan, feature plans.Feature) bool {
	return plan.HasFeature(feature)
}

// Resolver evaluates decisions with free-tier fallback for lapsed subscriptions.
type Resolver struct {
	free plans.Plan
}

// NewResolver returns a Resolver that falls back to free when a paid subscription is not active.
func NewResolver(free plans.Plan) *Resolver {
	return &Resolver{free: free}
}

// EffectivePlan returns the plan whose allowance and features apply right now.
func (r *Resolver) EffectivePlan(sub ledger.Subscription, plan plans.Plan) plans.Plan {
	if plan.Free || sub.IsActive() {
		return plan
	}
	return r.free
}

// CanUse evaluates, in order: subscription standing, feature entitlement, balance.
//
// A paid plan whose subscription is not active only keeps the features of the
// free tier; anything else is DeniedSubscriptionInactive. remaining must be
// computed against EffectivePlan.
func (r *Resolver) CanUse(sub ledger.Subscription, plan plans.Plan, remaining int64, feature plans.Feature, required int64) Decision {
	effective := r.EffectivePlan(sub, plan)
	if effective.ID != plan.ID && !HasFeatureAccess(effective, feature) {
		return DeniedSubscriptionInactive
	}
	if !HasFeatureAccess(effective, feature) {
		return DeniedNoFeature
	}
	if effective.IsUnlimited() {
		return Allowed
	}
	if remaining < required {
		return DeniedInsufficientCredits
	}
	return Allowed
}
