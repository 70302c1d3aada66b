package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/pkg/metrics"
	"github.com/dmitrymomot/resumekit/pkg/statemachine"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// Webhook outcomes, also used as metric labels.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

const defaultMaxRetries = 3

var statusTransitions = statemachine.NewBuilder[ledger.Status, EventType]().
	Any().When(EventSubscriptionCreated).To(ledger.StatusActive).
	Any().When(EventCheckoutCompleted).To(ledger.StatusActive).
	Any().When(EventSubscriptionUpdated).To(ledger.StatusActive).
	Any().When(EventSubscriptionDeleted).To(ledger.StatusCanceled).
	From(ledger.StatusActive, ledger.StatusPastDue).When(EventPaymentFailed).To(ledger.StatusPastDue).
	From(ledger.StatusActive, ledger.StatusPastDue, ledger.StatusFree).When(EventPaymentSucceeded).To(ledger.StatusActive).
	MustBuild()

// Synchronizer applies verified billing events to the ledger store.
type Synchronizer struct {
	store      ledger.Store
	catalog    *plans.Catalog
	providers  map[string]Provider
	notifier   Notifier
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
	maxRetries int
}

type Option func(*Synchronizer)

func WithProvider(p Provider) Option {
	return func(s *Synchronizer) {
		if p != nil {
			s.providers[normalizeProvider(p.Name())] = p
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Synchronizer) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxRetries bounds retries of ledger concurrency conflicts.
func WithMaxRetries(n int) Option {
	return func(s *Synchronizer) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func NewSynchronizer(store ledger.Store, catalog *plans.Catalog, opts ...Option) *Synchronizer {
	if store == nil {
		panic("billing: ledger store is required")
	}
	if catalog == nil {
		panic("billing: plan catalog is required")
	}
	s := &Synchronizer{
		store:      store,
		catalog:    catalog,
		providers:  make(map[string]Provider),
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasProvider reports whether a provider with name is registered.
func (s *Synchronizer) HasProvider(name string) bool {
	_, ok := s.providers[normalizeProvider(name)]
	return ok
}

// HandleWebhook verifies payload with the named provider and applies the
// event. A nil error means the event is durably recorded (or was already);
// any error must be reported to the provider as non-2xx so it redelivers.
func (s *Synchronizer) HandleWebhook(ctx context.Context, provider string, payload []byte, header http.Header) error {
	provider = normalizeProvider(provider)
	p, ok := s.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	ev, err := p.ParseWebhook(ctx, payload, header)
	if err != nil {
		s.metrics.ObserveWebhook(provider, OutcomeRejected)
		s.log.WarnContext(ctx, "webhook rejected", logger.Provider(provider), logger.Error(err))
		return err
	}

	_, err = s.Apply(ctx, provider, *ev)
	return err
}

// Apply records ev for provider and updates the user's subscription. It
// returns false when the event was processed before.
func (s *Synchronizer) Apply(ctx context.Context, provider string, ev Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	provider = normalizeProvider(provider)
	log := s.log.With(
		logger.Provider(provider),
		logger.EventID(ev.ID),
		logger.EventType(ev.ProviderType),
	)

	userID, err := s.subscriber(ctx, ev)
	if err != nil {
		s.metrics.ObserveWebhook(provider, OutcomeFailed)
		log.WarnContext(ctx, "billing event subscriber not resolved",
			slog.String("subscription_ref", ev.SubscriptionRef),
			slog.String("customer_ref", ev.CustomerRef),
			logger.Error(err),
		)
		return false, err
	}

	var (
		applied bool
		before  ledger.Subscription
		after   ledger.SubscriptionUpdate
		changed bool
	)
	record := ledger.ProcessedEvent{Provider: provider, EventID: ev.ID, EventType: string(ev.Type)}
	apply := func(cur ledger.Subscription) (ledger.SubscriptionUpdate, bool, error) {
		before = cur
		var nextErr error
		after, changed, nextErr = s.next(cur, ev)
		return after, changed, nextErr
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		applied, err = s.store.ApplyExternalEvent(ctx, record, userID, apply)
		if !errors.Is(err, ledger.ErrConcurrencyConflict) {
			break
		}
		log.DebugContext(ctx, "retrying billing event", logger.RetryCount(attempt+1), logger.Error(err))
	}
	if err != nil {
		s.metrics.ObserveWebhook(provider, OutcomeFailed)
		log.ErrorContext(ctx, "failed to apply billing event", logger.UserID(userID), logger.Error(err))
		return false, err
	}

	switch {
	case !applied:
		s.metrics.ObserveWebhook(provider, OutcomeDuplicate)
		log.InfoContext(ctx, "duplicate billing event ignored")
		return false, nil
	case !changed:
		s.metrics.ObserveWebhook(provider, OutcomeIgnored)
		log.InfoContext(ctx, "billing event recorded without state change", logger.UserID(userID))
		return true, nil
	}

	s.metrics.ObserveWebhook(provider, OutcomeApplied)
	log.InfoContext(ctx, "subscription synchronized",
		logger.UserID(userID),
		logger.PlanID(after.PlanID),
		slog.String("status_from", string(before.Status)),
		slog.String("status_to", string(after.Status)),
	)

	if ev.Type == EventPaymentFailed && after.Status == ledger.StatusPastDue {
		s.notifyPaymentFailed(ctx, log, ev, after.PlanID)
	}
	return true, nil
}

// subscriber finds the user an event belongs to. Events without user
// metadata are matched to the subscription stored by an earlier event, since
// processors do not copy checkout references onto later deliveries. An event
// that would change state but matches nobody is an error, so the provider
// redelivers it instead of it being acknowledged unapplied.
func (s *Synchronizer) subscriber(ctx context.Context, ev Event) (uuid.UUID, error) {
	if ev.Type == EventIgnored {
		return uuid.Nil, nil
	}
	if ev.UserID != uuid.Nil {
		return ev.UserID, nil
	}
	// One-off invoices belong to no subscription and move no status.
	if isPayment(ev.Type) && ev.SubscriptionRef == "" {
		return uuid.Nil, nil
	}
	sub, err := s.store.FindByExternalRef(ctx, ev.SubscriptionRef, ev.CustomerRef)
	if errors.Is(err, ledger.ErrSubscriptionNotFound) {
		return uuid.Nil, fmt.Errorf("%w: subscription %q, customer %q", ErrUnknownSubscriber, ev.SubscriptionRef, ev.CustomerRef)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return sub.UserID, nil
}

// next derives the subscription that ev produces from cur. Events that do
// not move the status machine are recorded without a write.
func (s *Synchronizer) next(cur ledger.Subscription, ev Event) (ledger.SubscriptionUpdate, bool, error) {
	status, err := statusTransitions.Next(cur.Status, ev.Type)
	if statemachine.IsNoTransitionAvailableError(err) {
		return ledger.SubscriptionUpdate{}, false, nil
	}
	if err != nil {
		return ledger.SubscriptionUpdate{}, false, err
	}
	if ev.Type == EventSubscriptionUpdated && ev.Status != "" {
		status = ev.Status
	}

	u := cur.Update(ev.OccurredAt)
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now().UTC()
	}
	u.Status = status

	if ev.PriceID != "" && ev.Type != EventSubscriptionDeleted {
		plan, err := s.catalog.PlanByProviderPrice(ev.PriceID)
		if err != nil {
			return ledger.SubscriptionUpdate{}, false, errors.Join(ErrUnknownPrice, err)
		}
		u.PlanID = plan.ID
	}
	if ev.HasPeriod() {
		u.PeriodStart, u.PeriodEnd = ev.PeriodStart, ev.PeriodEnd
	}
	if ev.CustomerRef != "" {
		u.ExternalCustomerRef = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		u.ExternalSubscriptionRef = ev.SubscriptionRef
	}
	return u, true, nil
}

func (s *Synchronizer) notifyPaymentFailed(ctx context.Context, log *slog.Logger, ev Event, planID string) {
	if s.notifier == nil || ev.Email == "" {
		return
	}
	name := planID
	if p, err := s.catalog.Plan(planID); err == nil {
		name = p.Name
	}
	if err := s.notifier.PaymentFailed(context.WithoutCancel(ctx), ev.Email, name); err != nil {
		log.WarnContext(ctx, "failed to send payment failed notification", logger.Error(err))
	}
}

func isPayment(t EventType) bool {
	return t == EventPaymentFailed || t == EventPaymentSucceeded
}
