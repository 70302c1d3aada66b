// Package pg wraps pgxpool with the connection, transaction, migration and
// error classification helpers the ledger store needs.
//
// Connect retries until the database answers a ping or the attempts run out.
// Migrate applies goose migrations from an embedded filesystem. WithTx runs a
// callback in a transaction and rolls back on error or panic. The Is* helpers
// classify driver errors by SQLSTATE so callers can map them onto domain
// errors without importing pgconn.
package pg
