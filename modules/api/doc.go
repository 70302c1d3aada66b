// Package api mounts the HTTP surface of the credit service: the metered
// feature endpoints, the balance and catalog reads, payment webhooks and the
// operational endpoints.
//
// Every feature endpoint runs the same pipeline: authenticate, validate the
// input, debit through the access facade, generate, and refund the debit if
// generation fails. Denials answer 402 with the balance the decision was
// made on; storage and contention failures answer 503 and never grant
// access.
package api
