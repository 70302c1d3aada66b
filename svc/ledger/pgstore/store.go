// Package pgstore is the PostgreSQL implementation of ledger.Store.
//
// Balance-changing transactions run at SERIALIZABLE isolation and first take
// a transaction-scoped advisory lock keyed by the user id, so concurrent
// debits for one user queue instead of aborting. Serialization failures that
// still occur surface as ledger.ErrConcurrencyConflict; any other driver or
// connection failure surfaces as ledger.ErrStorageUnavailable.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/resumekit/pkg/pg"
	"github.com/dmitrymomot/resumekit/svc/ledger"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const migrationsDir = "migrations"

var _ ledger.Store = (*Store)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists subscriptions, usage events and processed webhook ids.
type Store struct {
	pool       *pgxpool.Pool
	freePlanID string
	now        func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(pool *pgxpool.Pool, freePlanID string, opts ...Option) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	if freePlanID == "" {
		panic("pgstore: free plan id is required")
	}
	s := &Store{pool: pool, freePlanID: freePlanID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, s.pool, Migrations, migrationsDir, cfg, log)
}

func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (ledger.Subscription, error) {
	return s.getSubscription(ctx, s.pool, userID, false)
}

func (s *Store) getSubscription(ctx context.Context, q querier, userID uuid.UUID, forUpdate bool) (ledger.Subscription, error) {
	query := selectSubscription
	if forUpdate {
		query += " FOR UPDATE"
	}

	sub, err := scanSubscription(q.QueryRow(ctx, query, userID))
	if pg.IsNotFoundError(err) {
		return ledger.FreeSubscription(userID, s.freePlanID, s.now()), nil
	}
	if err != nil {
		return ledger.Subscription{}, mapErr(err)
	}
	return sub, nil
}

func (s *Store) FindByExternalRef(ctx context.Context, subscriptionRef, customerRef string) (ledger.Subscription, error) {
	if subscriptionRef == "" && customerRef == "" {
		return ledger.Subscription{}, ledger.ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx, findByExternalRefSQL, subscriptionRef, customerRef))
	if pg.IsNotFoundError(err) {
		return ledger.Subscription{}, ledger.ErrSubscriptionNotFound
	}
	if err != nil {
		return ledger.Subscription{}, mapErr(err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (ledger.Subscription, error) {
	var (
		sub        ledger.Subscription
		start, end *time.Time
	)
	err := row.Scan(
		&sub.UserID, &sub.PlanID, &sub.Status,
		&sub.ExternalCustomerRef, &sub.ExternalSubscriptionRef,
		&start, &end, &sub.UpdatedAt,
	)
	if err != nil {
		return ledger.Subscription{}, err
	}
	if start != nil && end != nil {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start.UTC(), end.UTC()
	}
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, u ledger.SubscriptionUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return upsertSubscription(ctx, s.pool, u)
}

func upsertSubscription(ctx context.Context, q querier, u ledger.SubscriptionUpdate) error {
	_, err := q.Exec(ctx, upsertSubscriptionSQL,
		u.UserID, u.PlanID, string(u.Status),
		u.ExternalCustomerRef, u.ExternalSubscriptionRef,
		nullTime(u.PeriodStart), nullTime(u.PeriodEnd), u.UpdatedAt.UTC(),
	)
	return mapErr(err)
}

func (s *Store) AppendUsageEvent(ctx context.Context, e ledger.UsageEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return insertUsageEvent(ctx, s.pool, e)
}

func insertUsageEvent(ctx context.Context, q querier, e ledger.UsageEvent) error {
	_, err := q.Exec(ctx, insertUsageEventSQL,
		e.ID, e.UserID, string(e.Feature), e.Credits, string(e.Kind),
		nullUUID(e.RefundOf), e.Reason, e.CreatedAt.UTC(),
		e.PeriodStart.UTC(), e.PeriodEnd.UTC(),
	)
	return mapErr(err)
}

func (s *Store) SumUsage(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (int64, error) {
	return sumUsage(ctx, s.pool, userID, periodStart, periodEnd)
}

func sumUsage(ctx context.Context, q querier, userID uuid.UUID, periodStart, periodEnd time.Time) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, sumUsageSQL, userID, periodStart.UTC(), periodEnd.UTC()).Scan(&total)
	if err != nil {
		return 0, mapErr(err)
	}
	return total, nil
}

func (s *Store) ListUsage(ctx context.Context, userID uuid.UUID, periodStart time.Time) ([]ledger.UsageEvent, error) {
	rows, err := s.pool.Query(ctx, listUsageSQL, userID, periodStart.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	events, err := pgx.CollectRows(rows, scanUsageEvent)
	if err != nil {
		return nil, mapErr(err)
	}
	return events, nil
}

// WithinUserTx serialises fn with every other transaction of the same user.
// Errors returned by fn are passed through unchanged.
func (s *Store) WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if userID == uuid.Nil {
		return ledger.ErrInvalidUserID
	}

	var fnErr error
	err := pg.WithTx(ctx, s.pool, pg.Serializable, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		fnErr = fn(ctx, &userTx{store: s, tx: tx, userID: userID})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return mapErr(err)
}

func (s *Store) ApplyExternalEvent(ctx context.Context, ev ledger.ProcessedEvent, userID uuid.UUID, apply ledger.ApplyFunc) (bool, error) {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = s.now().UTC()
	}

	var (
		applied bool
		fnErr   error
	)
	err := pg.WithTx(ctx, s.pool, pg.Serializable, func(ctx context.Context, tx pgx.Tx) error {
		if userID != uuid.Nil {
			if err := lockUser(ctx, tx, userID); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, insertProcessedEventSQL,
			ev.Provider, ev.EventID, ev.EventType, nullUUID(userID), ev.ProcessedAt.UTC())
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		if userID == uuid.Nil {
			return nil
		}
		cur, err := s.getSubscription(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		u, write, err := apply(cur)
		if err != nil {
			fnErr = err
			return err
		}
		if !write {
			return nil
		}
		if err := u.Validate(); err != nil {
			fnErr = err
			return err
		}
		return upsertSubscription(ctx, tx, u)
	})
	if fnErr != nil {
		return false, fnErr
	}
	if err != nil {
		return false, mapErr(err)
	}
	return applied, nil
}

func (s *Store) ReferencedPlanIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT plan_id FROM subscriptions ORDER BY plan_id`)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapErr(err)
	}
	return ids, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Join(ledger.ErrStorageUnavailable, err)
	}
	return nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, userID.String())
	return mapErr(err)
}

// mapErr translates driver errors into ledger errors. Already mapped errors
// and context cancellation pass through.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrStorageUnavailable), errors.Is(err, ledger.ErrConcurrencyConflict):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case pg.IsSerializationFailure(err), pg.IsDuplicateKeyError(err):
		return errors.Join(ledger.ErrConcurrencyConflict, err)
	default:
		return errors.Join(ledger.ErrStorageUnavailable, err)
	}
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
