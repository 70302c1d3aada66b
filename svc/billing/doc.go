// Package billing keeps the ledger's subscription state in step with the
// payment processor.
//
// A Provider authenticates and normalises one processor's webhook deliveries
// into Events. The Synchronizer applies each Event exactly once per
// (provider, event id) through ledger.Store.ApplyExternalEvent, computing the
// next subscription status from a fixed transition table:
//
//	subscription_created, checkout_completed  -> active
//	subscription_updated                      -> status reported by the event, else active
//	subscription_deleted                      -> canceled
//	payment_failed (from active or past_due)  -> past_due
//	payment_succeeded                         -> active
//
// Usage is never touched. A renewal only moves the period, and the balance of
// the new period is derived from the events recorded in it.
package billing
