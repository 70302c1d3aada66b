package billing

import "errors"

var (
	ErrInvalidSignature  = errors.New("billing: invalid webhook signature")
	ErrInvalidPayload    = errors.New("billing: invalid webhook payload")
	ErrUnknownProvider   = errors.New("billing: unknown payment provider")
	ErrUnknownPrice      = errors.New("billing: price is not mapped to a plan")
	ErrUnknownSubscriber = errors.New("billing: event cannot be matched to a user")
	ErrMissingSecret     = errors.New("billing: webhook secret is required")
	ErrInvalidConfig     = errors.New("billing: invalid configuration")
)
