package credits

import "errors"

var (
	// ErrConcurrencyConflict means the debit kept colliding with concurrent
	// debits of the same user and the bounded retry budget ran out.
	ErrConcurrencyConflict = errors.New("credits: concurrency conflict, retries exhausted")
	ErrInvalidCredits      = errors.New("credits: required credits must not be negative")
	ErrUnknownFeature      = errors.New("credits: unknown feature")
	ErrUnknownPlan         = errors.New("credits: subscription references unknown plan")
	ErrNothingToRefund     = errors.New("credits: debit not found for refund")
	ErrAlreadyRefunded     = errors.New("credits: debit already refunded")
	ErrNotADebit           = errors.New("credits: event is not a debit")
	ErrLockUnavailable     = errors.New("credits: could not acquire user lock")
)
