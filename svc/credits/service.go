// Package credits implements the credit accounting service: the atomic
// check-and-debit against the usage ledger, compensating refunds and the
// balance read model.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/pkg/metrics"
	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// Locker serialises work per key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// Service is the credit accounting service.
type Service struct {
	store    ledger.Store
	catalog  *plans.Catalog
	resolver *entitlement.Resolver

	locker     Locker
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	newID      func() uuid.UUID
	maxRetries int
	backoff    time.Duration
}

// NewService wires the accounting service. Panics on nil dependencies.
func NewService(store ledger.Store, catalog *plans.Catalog, opts ...Option) *Service {
	if store == nil {
		panic("credits: ledger store is required")
	}
	if catalog == nil {
		panic("credits: plan catalog is required")
	}

	s := &Service{
		store:      store,
		catalog:    catalog,
		resolver:   entitlement.NewResolver(catalog.FreePlan()),
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
		newID:      uuid.New,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume debits the catalog cost of feature.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, feature plans.Feature) (ConsumeResult, error) {
	cost, err := s.catalog.Cost(feature)
	if err != nil {
		return ConsumeResult{}, errors.Join(ErrUnknownFeature, err)
	}
	return s.CheckAndConsume(ctx, userID, feature, cost)
}

// CheckAndConsume checks entitlement and balance and, when allowed, appends a
// debit of required credits in the same transaction as the balance read.
// A denial has no side effect. Serialization conflicts are retried up to the
// configured bound before ErrConcurrencyConflict is returned.
func (s *Service) CheckAndConsume(ctx context.Context, userID uuid.UUID, feature plans.Feature, required int64) (ConsumeResult, error) {
	if userID == uuid.Nil {
		return ConsumeResult{}, ledger.ErrInvalidUserID
	}
	if required < 0 {
		return ConsumeResult{}, ErrInvalidCredits
	}
	if _, err := s.catalog.Cost(feature); err != nil {
		return ConsumeResult{}, errors.Join(ErrUnknownFeature, err)
	}

	started := s.now()

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, lockKey(userID))
		s.metrics.ObserveLock(err == nil, s.now().Sub(started))
		if err != nil {
			return ConsumeResult{}, errors.Join(ErrLockUnavailable, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.WarnContext(ctx, "failed to release user lock",
					logger.UserID(userID), logger.Error(err))
			}
		}()
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.IncRetry()
			s.log.DebugContext(ctx, "retrying credit debit",
				logger.UserID(userID), logger.Feature(string(feature)), logger.RetryCount(attempt), logger.Error(lastErr))
			if err := s.sleep(ctx, attempt); err != nil {
				return ConsumeResult{}, err
			}
		}

		res, err := s.attempt(ctx, userID, feature, required)
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return ConsumeResult{}, err
		}

		var debited int64
		if res.Debited() {
			debited = res.Required
		}
		s.metrics.ObserveConsume(string(feature), string(res.Reason), debited, s.now().Sub(started))
		s.log.DebugContext(ctx, "credit check",
			logger.UserID(userID),
			logger.Feature(string(feature)),
			logger.PlanID(res.PlanID),
			logger.Decision(string(res.Reason)),
			logger.Credits(required),
		)
		return res, nil
	}

	s.metrics.IncConflict()
	s.log.WarnContext(ctx, "credit debit retries exhausted",
		logger.UserID(userID), logger.Feature(string(feature)), logger.RetryCount(s.maxRetries), logger.Error(lastErr))
	return ConsumeResult{}, errors.Join(ErrConcurrencyConflict, lastErr)
}

func (s *Service) attempt(ctx context.Context, userID uuid.UUID, feature plans.Feature, required int64) (ConsumeResult, error) {
	var res ConsumeResult

	err := s.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx ledger.Tx) error {
		sub, err := tx.GetSubscription(ctx)
		if err != nil {
			return err
		}
		plan, err := s.catalog.Plan(sub.PlanID)
		if err != nil {
			return errors.Join(ErrUnknownPlan, err)
		}

		now := s.now().UTC()
		effective := s.resolver.EffectivePlan(sub, plan)
		period := sub.PeriodAt(now)

		used, err := tx.SumUsage(ctx, period.Start, period.End)
		if err != nil {
			return err
		}
		remaining := remainingFor(effective, used)

		res = ConsumeResult{
			Reason:    s.resolver.CanUse(sub, plan, remaining, feature, required),
			UserID:    userID,
			Feature:   feature,
			Remaining: visibleRemaining(effective, used),
			Required:  required,
			PlanID:    effective.ID,
			Period:    period,
		}
		if !res.Reason.IsAllowed() {
			return nil
		}
		res.Success = true
		if required == 0 {
			return nil
		}

		ev := ledger.UsageEvent{
			ID:          s.newID(),
			UserID:      userID,
			Feature:     feature,
			Credits:     required,
			Kind:        ledger.KindDebit,
			CreatedAt:   now,
			PeriodStart: period.Start,
			PeriodEnd:   period.End,
		}
		if err := tx.AppendUsageEvent(ctx, ev); err != nil {
			return err
		}

		if !effective.IsUnlimited() {
			after, err := tx.SumUsage(ctx, period.Start, period.End)
			if err != nil {
				return err
			}
			if effective.MonthlyCredits-after < 0 {
				return fmt.Errorf("%w: balance went negative after debit", ledger.ErrConcurrencyConflict)
			}
			res.Remaining = effective.MonthlyCredits - after
		}
		res.EventID = ev.ID
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return res, nil
}

// Refund appends a compensating event for the debit identified by debitID.
// Refunding twice or refunding a non-debit is rejected.
func (s *Service) Refund(ctx context.Context, userID, debitID uuid.UUID, reason string) error {
	if userID == uuid.Nil {
		return ledger.ErrInvalidUserID
	}

	var (
		refunded ledger.UsageEvent
		err      error
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if serr := s.sleep(ctx, attempt); serr != nil {
				return serr
			}
		}
		refunded, err = s.refundOnce(ctx, userID, debitID, reason)
		if !errors.Is(err, ledger.ErrConcurrencyConflict) {
			break
		}
	}
	if errors.Is(err, ledger.ErrConcurrencyConflict) {
		return errors.Join(ErrConcurrencyConflict, err)
	}
	if err != nil {
		return err
	}

	s.metrics.IncRefund(string(refunded.Feature))
	s.log.InfoContext(ctx, "credits refunded",
		logger.UserID(userID),
		logger.Feature(string(refunded.Feature)),
		logger.Credits(-refunded.Credits),
		slog.String("reason", reason),
	)
	return nil
}

func (s *Service) refundOnce(ctx context.Context, userID, debitID uuid.UUID, reason string) (ledger.UsageEvent, error) {
	var refunded ledger.UsageEvent
	err := s.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx ledger.Tx) error {
		debit, err := tx.GetUsageEvent(ctx, debitID)
		if errors.Is(err, ledger.ErrUsageEventNotFound) {
			return errors.Join(ErrNothingToRefund, err)
		}
		if err != nil {
			return err
		}
		if debit.Kind != ledger.KindDebit {
			return ErrNotADebit
		}
		done, err := tx.IsRefunded(ctx, debitID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyRefunded
		}

		refunded = ledger.UsageEvent{
			ID:          s.newID(),
			UserID:      userID,
			Feature:     debit.Feature,
			Credits:     -debit.Credits,
			Kind:        ledger.KindRefund,
			RefundOf:    debit.ID,
			Reason:      reason,
			CreatedAt:   s.now().UTC(),
			PeriodStart: debit.PeriodStart,
			PeriodEnd:   debit.PeriodEnd,
		}
		return tx.AppendUsageEvent(ctx, refunded)
	})
	return refunded, err
}

// RefundResult refunds the debit recorded by a successful ConsumeResult.
// Results without a debit are a no-op.
func (s *Service) RefundResult(ctx context.Context, res ConsumeResult, reason string) error {
	if !res.Debited() {
		return nil
	}
	return s.Refund(ctx, res.UserID, res.EventID, reason)
}

// Balance reports the user's allowance and usage in the current period.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	plan, err := s.catalog.Plan(sub.PlanID)
	if err != nil {
		return Balance{}, errors.Join(ErrUnknownPlan, err)
	}

	effective := s.resolver.EffectivePlan(sub, plan)
	period := sub.PeriodAt(s.now())
	used, err := s.store.SumUsage(ctx, userID, period.Start, period.End)
	if err != nil {
		return Balance{}, err
	}

	return Balance{
		PlanID:      effective.ID,
		PlanName:    effective.Name,
		Status:      sub.Status,
		Total:       effective.MonthlyCredits,
		Used:        used,
		Remaining:   visibleRemaining(effective, used),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}, nil
}

// History lists the usage events of the user's current period.
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]ledger.UsageEvent, ledger.Period, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, ledger.Period{}, err
	}
	period := sub.PeriodAt(s.now())
	events, err := s.store.ListUsage(ctx, userID, period.Start)
	if err != nil {
		return nil, ledger.Period{}, err
	}
	return events, period, nil
}

// Catalog exposes the plan catalog used by the service.
func (s *Service) Catalog() *plans.Catalog {
	return s.catalog
}

func (s *Service) sleep(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	d := s.backoff * time.Duration(attempt)
	d += time.Duration(rand.Int64N(int64(s.backoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockKey(userID uuid.UUID) string {
	return "credits:user:" + userID.String()
}

// visibleRemaining hides negative balances caused by mid-period downgrades.
func visibleRemaining(plan plans.Plan, used int64) int64 {
	if plan.IsUnlimited() {
		return plans.Unlimited
	}
	return max(plan.MonthlyCredits-used, 0)
}
