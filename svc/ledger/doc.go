// Package ledger defines the durable records behind credit accounting:
// one Subscription per user and an append-only log of UsageEvents.
//
// Balances are never stored. Remaining credits are derived from the plan
// allowance minus the sum of usage events in the current billing period,
// and that sum is taken inside the same transaction that appends a debit
// (see Store.WithinUserTx). Refunds are compensating events with negative
// credits; nothing in the log is ever updated or deleted.
//
// MemoryStore is a complete in-process implementation used by tests and
// local development. The PostgreSQL implementation lives in ledger/pgstore.
package ledger
