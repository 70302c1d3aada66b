package ledger

import "errors"

var (
	// ErrStorageUnavailable wraps any failure to reach or query the backing store.
	// Callers must treat it as "deny", never as "allow".
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
	// ErrConcurrencyConflict reports a transaction aborted by a concurrent writer.
	ErrConcurrencyConflict = errors.New("ledger: concurrent modification")

	ErrInvalidUsageEvent    = errors.New("ledger: invalid usage event")
	ErrInvalidSubscription  = errors.New("ledger: invalid subscription update")
	ErrUsageEventNotFound   = errors.New("ledger: usage event not found")
	ErrInvalidUserID        = errors.New("ledger: user id is required")
	ErrSubscriptionNotFound = errors.New("ledger: no subscription matches the external reference")
)
